package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"grape/pkg/server"
	"grape/utils"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "grape: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile     string
		addr        string
		migrateOnly bool
	)
	pflag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	pflag.StringVar(&addr, "addr", "", "listen address, overrides ADDR")
	pflag.BoolVar(&migrateOnly, "migrate-only", false, "run the database migrations and exit")
	pflag.Parse()

	cfg, err := utils.LoadConfig(envFile)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := utils.InitApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := server.Migrate(ctx, app); err != nil {
		return fmt.Errorf("failed to run the database migrations: %w", err)
	}
	if migrateOnly {
		app.Logger.Info("migrations applied")
		return nil
	}

	deps, err := server.DepsFromApp(app)
	if err != nil {
		return err
	}
	srv, err := server.New(deps)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		app.Logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		app.Logger.Warnf("shutdown: %v", serr)
	}

	return err
}
