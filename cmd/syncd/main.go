// syncd polls the configured commodity feeds, persists them, derives the
// settlement series and serves the latest quotes over HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Novexpro/Novexpro-sub000/internal/app"
	"github.com/Novexpro/Novexpro-sub000/internal/config"
	"github.com/Novexpro/Novexpro-sub000/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/syncd.local.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional KEY=VALUE file loaded before the config")
	flag.Parse()

	bootstrap := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if err := config.LoadEnvFile(*envPath); err != nil {
		bootstrap.Error("failed to load env file", "error", err)
		os.Exit(1)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		bootstrap.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	logger := app.NewLogger(os.Stdout, cfg.Log).With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting syncd",
		"version", version.Version,
		"commit", version.Commit,
		"built", version.BuildTime,
		"config", *configPath,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("syncd exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("syncd stopped")
}
