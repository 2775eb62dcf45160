// Command ena runs the board archiver: one polling pipeline per
// configured board, persisting into an Asagi-compatible schema.
//
// Configuration loading, logging setup, and the CLI surface itself are
// out of scope for the core design (spec §1); this entrypoint is kept
// intentionally thin.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ena/config"
	"ena/store"
	"ena/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file")
	boardsFlag := flag.String("boards", "", "comma-separated board tags to scrape")
	flag.Parse()

	logger := newLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("fatal: invalid configuration", "error", err)
		return 1
	}

	boards := splitBoards(*boardsFlag)
	if len(boards) == 0 {
		logger.Error("fatal: no boards configured; pass -boards g,po,...")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseMedia.DatabaseURL, cfg.AsagiCompat.AdjustTimestamps, logger)
	if err != nil {
		logger.Error("fatal: could not open archive database", "error", err)
		return 1
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Warn("failed to close database", "error", cerr)
		}
	}()

	sup := supervisor.New(cfg, logger, st)

	logger.Info("starting ena", "boards", boards)
	sup.Run(ctx, boards)
	logger.Info("shutdown complete")
	return 0
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if v := os.Getenv("ENA_LOG_LEVEL"); v != "" {
		_ = level.UnmarshalText([]byte(v))
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func splitBoards(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
