// feedprobe fetches configured feeds once and prints the parsed quotes.
// Useful when tuning extraction paths against a live upstream.
// Usage: go run ./cmd/feedprobe --config configs/syncd.local.yaml [--feed spot_price]
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

	"github.com/Novexpro/Novexpro-sub000/internal/config"
	"github.com/Novexpro/Novexpro-sub000/internal/feed"
	"github.com/Novexpro/Novexpro-sub000/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/syncd.local.yaml", "path to config file")
	feedID := flag.String("feed", "", "only probe this feed")
	verbose := flag.Bool("verbose", false, "log requests")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	gate, err := cfg.Hours.Gate()
	if err != nil {
		logger.Error("invalid hours", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := feed.NewClient(
		feed.WithLogger(logger),
		feed.WithUserAgent(version.UserAgent("feedprobe")),
	)

	failed := 0
	probed := 0
	for _, fc := range cfg.Feeds {
		if *feedID != "" && fc.ID != *feedID {
			continue
		}
		probed++

		src, err := feed.NewHTTPSource(client, fc, gate.Location())
		if err != nil {
			fmt.Printf("%-16s ERROR %v\n", fc.ID, err)
			failed++
			continue
		}

		fetchCtx, fetchCancel := context.WithTimeout(ctx, fc.Timeout)
		q, err := src.Fetch(fetchCtx)
		fetchCancel()
		if err != nil {
			fmt.Printf("%-16s ERROR %v\n", fc.ID, err)
			failed++
			continue
		}

		data, _ := json.Marshal(q)
		fmt.Printf("%-16s %s\n", fc.ID, data)
	}

	if probed == 0 {
		fmt.Fprintf(os.Stderr, "no feed matched %q\n", *feedID)
		os.Exit(2)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
