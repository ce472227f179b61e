// retention runs the archive-then-delete cleanup on demand and reports table
// sizes.
//
// Usage:
//
//	retention [-config path] cleanup [--respect-window]
//	retention [-config path] stats
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Novexpro/Novexpro-sub000/internal/app"
	"github.com/Novexpro/Novexpro-sub000/internal/config"
	"github.com/Novexpro/Novexpro-sub000/internal/retention"
	"github.com/Novexpro/Novexpro-sub000/internal/store"
)

func main() {
	configPath := flag.String("config", "configs/syncd.local.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional KEY=VALUE file loaded before the config")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	if err := config.LoadEnvFile(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "load env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd := flag.Arg(0); cmd {
	case "cleanup":
		os.Exit(cleanup(ctx, cfg, logger, flag.Args()[1:]))
	case "stats":
		os.Exit(stats(ctx, cfg, logger))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-config path] [-env path] cleanup [--respect-window] | stats\n", os.Args[0])
	flag.PrintDefaults()
}

func open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, *retention.Manager, error) {
	db, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	m, err := app.NewRetention(ctx, cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, m, nil
}

func cleanup(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	respectWindow := fs.Bool("respect-window", false, "only run inside the configured maintenance window")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *respectWindow {
		window, err := cfg.Retention.Window.Gate()
		if err != nil {
			fmt.Fprintf(os.Stderr, "retention window: %v\n", err)
			return 1
		}
		if !window.IsActive(time.Now()) {
			logger.Info("outside maintenance window, nothing to do")
			return 0
		}
	}

	db, m, err := open(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		return 1
	}
	defer db.Close()

	report, err := m.RunOnce(ctx)
	printJSON(report)
	if err != nil {
		logger.Error("cleanup failed", "error", err)
		return 1
	}
	return 0
}

func stats(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	db, m, err := open(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		return 1
	}
	defer db.Close()

	counts, err := m.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		return 1
	}
	printJSON(map[string]any{
		"days_to_keep": cfg.Retention.DaysToKeep,
		"tables":       counts,
	})
	return 0
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
