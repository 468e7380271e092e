// Command server runs the mailing list service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/maillist/internal/app"
	"github.com/bissquit/maillist/internal/config"
	"github.com/bissquit/maillist/internal/version"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file (default $"+config.PathEnv+")")
	runJob := flag.String("run", "", "run a single job (broadcast, sweep_unconfirmed) and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildDate)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Activate(ctx); err != nil {
		shutdown(application)
		return fmt.Errorf("activate: %w", err)
	}

	if *runJob != "" {
		jobErr := application.RunJob(ctx, *runJob)
		shutdown(application)
		return jobErr
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			shutdown(application)
			return err
		}
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	}

	return shutdown(application)
}

func shutdown(application *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
