package utils

import (
	"context"
	"errors"

	"github.com/docker/docker/client"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// App is the process-wide service context. Optional clients are nil when
// their backend is not configured.
type App struct {
	Config *Config
	Logger *log.Logger
	DB     *gorm.DB
	Minio  *minio.Client
	Docker *client.Client
	Redis  *redis.Client
}

func InitApp(ctx context.Context, cfg *Config) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: NewLogger(cfg.App.LogLevel, cfg.App.LogFormat),
	}

	var err error

	if cfg.Database.Driver != DriverMemory {
		app.DB, err = OpenDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Minio.Enabled() {
		app.Minio, err = NewMinioClient(cfg.Minio)
		if err == nil {
			err = EnsureBucket(ctx, app.Minio, cfg.Minio.Bucket)
		}
		if err != nil {
			app.Close()
			return nil, err
		}
	}

	if cfg.Build.Runner == RunnerDocker {
		app.Docker, err = NewDockerClient()
		if err != nil {
			app.Close()
			return nil, err
		}
	}

	if cfg.Redis.Addr != "" {
		app.Redis, err = NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			app.Close()
			return nil, err
		}
	}

	app.Logger.WithFields(log.Fields{
		"db":     cfg.Database.Driver,
		"minio":  cfg.Minio.Enabled(),
		"runner": cfg.Build.Runner,
		"redis":  cfg.Redis.Addr != "",
	}).Info("service context ready")

	return app, nil
}

func (a *App) Close() error {
	var errs []error

	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Docker != nil {
		errs = append(errs, a.Docker.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}

	return errors.Join(errs...)
}
