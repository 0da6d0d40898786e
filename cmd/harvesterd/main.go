// Command harvesterd is the long-running daemon: it fires a daily
// harvesting run at a configured local time and an incremental mention
// scan every poll tick, for every configured channel.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ArjanSingh1/ai-link-scraper/internal/archive"
	"github.com/ArjanSingh1/ai-link-scraper/internal/config"
	"github.com/ArjanSingh1/ai-link-scraper/internal/extract"
	"github.com/ArjanSingh1/ai-link-scraper/internal/ledger"
	"github.com/ArjanSingh1/ai-link-scraper/internal/pipeline"
	"github.com/ArjanSingh1/ai-link-scraper/internal/runner"
	"github.com/ArjanSingh1/ai-link-scraper/internal/scheduler"
	"github.com/ArjanSingh1/ai-link-scraper/internal/scrape"
	"github.com/ArjanSingh1/ai-link-scraper/internal/source"
	"github.com/ArjanSingh1/ai-link-scraper/internal/summarize"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	led, err := ledger.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open ledger", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = led.Close() }()

	httpClient := &http.Client{Timeout: cfg.FetchTimeout}
	scraper := scrape.New(httpClient, cfg.UserAgent)
	summarizer := summarize.NewOpenAI(&http.Client{Timeout: 60 * time.Second},
		cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.SummaryMaxLength)

	pipe := pipeline.New(scraper, summarizer, pipeline.Options{
		MaxRetries:       cfg.MaxRetries,
		FetchTimeout:     cfg.FetchTimeout,
		ContentMaxChars:  cfg.ContentMaxChars,
		SummaryMaxLength: cfg.SummaryMaxLength,
	}, log)

	ext := extract.New(cfg.TrackingParams, cfg.SkipDomains, nil)
	arch := archive.New(cfg.ArchiveDir, log)
	src := source.NewSlack(httpClient, cfg.SlackToken, cfg.SlackBaseURL)
	run := runner.New(cfg, src, led, pipe, ext, arch, log)

	sched, err := scheduler.New(run, cfg.Channels, cfg.DailyAt, cfg.PollInterval, cfg.Location(), log)
	if err != nil {
		log.Error("create scheduler", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting harvester daemon", "channels", len(cfg.Channels))

	sched.Run(ctx)

	log.Info("harvester daemon stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
