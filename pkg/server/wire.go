package server

import (
	"context"
	"time"

	"grape/pkg/builds"
	"grape/pkg/events"
	"grape/pkg/registry"
	"grape/pkg/storage"
	"grape/utils"
)

const processWaitDelay = 5 * time.Second

// DepsFromApp picks the backend of every component from what the service
// context has connected to.
func DepsFromApp(app *utils.App) (Deps, error) {
	cfg := app.Config
	deps := Deps{
		Config: cfg,
		Logger: app.Logger,
		Events: events.Nop{},
	}

	if app.DB != nil {
		deps.Store = registry.NewGorm(app.DB)
		deps.DB = utils.DBPinger{DB: app.DB}
	} else {
		app.Logger.Warn("using the in-memory registry, projects are lost on restart")
		deps.Store = registry.NewMemory()
	}

	var err error
	if app.Minio != nil {
		deps.Archives, err = storage.NewMinioStore(app.Minio, cfg.Minio.Bucket, cfg.Storage.ArchivesPath)
	} else {
		deps.Archives, err = storage.NewDiskStore(cfg.Storage.ArchivesPath)
	}
	if err != nil {
		return Deps{}, err
	}

	switch cfg.Build.Runner {
	case utils.RunnerDocker:
		deps.Runner = &builds.DockerRunner{
			Client:    app.Docker,
			Image:     cfg.Build.Image,
			Command:   append([]string{cfg.Build.Tool}, cfg.Build.ToolArgs...),
			MemoryMB:  cfg.Build.MemoryMB,
			CPUs:      cfg.Build.CPUs,
			CopyFiles: cfg.Build.DockerCopy,
			Logger:    app.Logger,
		}
	default:
		deps.Runner = &builds.ProcessRunner{
			Tool:      cfg.Build.Tool,
			Args:      cfg.Build.ToolArgs,
			WaitDelay: processWaitDelay,
		}
	}

	if app.Redis != nil {
		deps.Events = events.NewRedis(app.Redis)
	}

	return deps, nil
}

// Migrate brings the database schema up to date. It is a no-op without a database.
func Migrate(ctx context.Context, app *utils.App) error {
	if app.DB == nil {
		return nil
	}
	return registry.NewGorm(app.DB).Migrate(ctx)
}
