package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/wonton/cli"

	"github.com/deepnoodle-ai/drawbridge/objectstore"
	"github.com/deepnoodle-ai/drawbridge/server"
	"github.com/deepnoodle-ai/drawbridge/session"
	"github.com/deepnoodle-ai/drawbridge/slogger"
	"github.com/deepnoodle-ai/drawbridge/store"
)

func main() {
	app := cli.New("drawbridge").
		Description("Real-time collaborative drawing backend").
		Version("0.1.0")

	app.Main().
		Flags(
			cli.Int("port", "p").
				Default(3062).
				Env("DRAWBRIDGE_PORT").
				Help("HTTP listen port"),
			cli.String("data-dir", "d").
				Default("./data").
				Env("DRAWBRIDGE_DATA_DIR").
				Help("Directory for session snapshots and logs"),
			cli.String("log-level", "l").
				Default("info").
				Env("DRAWBRIDGE_LOG_LEVEL").
				Help("Log level (debug, info, warn, error)"),
			cli.String("s3-bucket", "").
				Default("").
				Env("DRAWBRIDGE_S3_BUCKET").
				Help("S3 bucket for image uploads and snapshot backups (optional)"),
			cli.String("s3-region", "").
				Default("").
				Env("DRAWBRIDGE_S3_REGION").
				Help("S3 region"),
			cli.String("s3-endpoint", "").
				Default("").
				Env("DRAWBRIDGE_S3_ENDPOINT").
				Help("Custom S3 endpoint for S3-compatible stores"),
			cli.String("s3-public-url", "").
				Default("").
				Env("DRAWBRIDGE_S3_PUBLIC_URL").
				Help("Public base URL for uploaded objects"),
		).
		Run(runServer)

	if err := app.Execute(); err != nil {
		if cli.IsHelpRequested(err) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}

func runServer(ctx *cli.Context) error {
	logger := slogger.New(slogger.LevelFromString(ctx.String("log-level")))

	var objects *objectstore.S3Store
	var backup store.Backup
	if bucket := ctx.String("s3-bucket"); bucket != "" {
		var err error
		objects, err = objectstore.NewS3Store(objectstore.S3StoreOptions{
			Bucket:    bucket,
			Region:    ctx.String("s3-region"),
			Endpoint:  ctx.String("s3-endpoint"),
			PublicURL: ctx.String("s3-public-url"),
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("failed to configure object storage: %w", err)
		}
		backup = objects
		logger.Info("object storage enabled", "bucket", bucket)
	}

	fileStore, err := store.NewFileStore(store.FileStoreOptions{
		Dir:    ctx.String("data-dir"),
		Backup: backup,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open data directory: %w", err)
	}

	manager, err := session.NewManager(session.ManagerOptions{
		Store:  fileStore,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Addr:    fmt.Sprintf(":%d", ctx.Int("port")),
		Manager: manager,
		Objects: objects,
		Logger:  logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	manager.Shutdown()
	if objects != nil {
		objects.Close()
	}
	return nil
}
