// Command harvester runs a single harvesting pass over a chat channel:
// it extracts shared links, fetches and summarizes their content, and
// merges the results into the ledger.
//
// A run that completes exits 0 even when some links failed permanently;
// only aborts (source unavailable, lock timeout, invalid range, budget
// overrun) exit non-zero.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ArjanSingh1/ai-link-scraper/internal/archive"
	"github.com/ArjanSingh1/ai-link-scraper/internal/config"
	"github.com/ArjanSingh1/ai-link-scraper/internal/extract"
	"github.com/ArjanSingh1/ai-link-scraper/internal/ledger"
	"github.com/ArjanSingh1/ai-link-scraper/internal/model"
	"github.com/ArjanSingh1/ai-link-scraper/internal/pipeline"
	"github.com/ArjanSingh1/ai-link-scraper/internal/runner"
	"github.com/ArjanSingh1/ai-link-scraper/internal/scrape"
	"github.com/ArjanSingh1/ai-link-scraper/internal/source"
	"github.com/ArjanSingh1/ai-link-scraper/internal/summarize"
)

func main() {
	app := &cli.App{
		Name:  "harvester",
		Usage: "harvest, summarize, and deduplicate links shared in chat channels",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to the YAML config file",
			},
			&cli.StringFlag{
				Name:  "channel",
				Usage: "scan a single channel instead of all configured channels",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "daily",
				Usage:  "scan the previous calendar day",
				Action: runWindowed(model.ModeDaily),
			},
			{
				Name:   "weekly",
				Usage:  "scan the trailing seven days",
				Action: runWindowed(model.ModeWeekly),
			},
			{
				Name:      "mention",
				Usage:     "process the links in a single message (fast path), or scan since the stored cursor when no message is given",
				ArgsUsage: "[message text]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "author", Usage: "message author"},
					&cli.StringFlag{Name: "message-id", Usage: "source message id"},
				},
				Action: runMention,
			},
			{
				Name:  "manual",
				Usage: "scan an explicit time range",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "start", Required: true, Usage: "range start (YYYY-MM-DD or RFC3339)"},
					&cli.StringFlag{Name: "end", Required: true, Usage: "range end (YYYY-MM-DD or RFC3339)"},
				},
				Action: runManual,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runWindowed(mode model.RunMode) cli.ActionFunc {
	return func(c *cli.Context) error {
		h, err := setup(c)
		if err != nil {
			return err
		}
		defer h.close()

		for _, channel := range h.channels(c) {
			if _, err := h.run.Run(c.Context, runner.Options{Mode: mode, Channel: channel}); err != nil {
				return err
			}
		}
		return nil
	}
}

func runMention(c *cli.Context) error {
	h, err := setup(c)
	if err != nil {
		return err
	}
	defer h.close()

	text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if text == "" {
		// No explicit message: incremental scan from the stored cursor.
		for _, channel := range h.channels(c) {
			if _, err := h.run.Run(c.Context, runner.Options{Mode: model.ModeMention, Channel: channel}); err != nil {
				return err
			}
		}
		return nil
	}

	channel := c.String("channel")
	if channel == "" && len(h.cfg.Channels) > 0 {
		channel = h.cfg.Channels[0]
	}

	_, err = h.run.RunMention(c.Context, model.Message{
		Channel:   channel,
		MessageID: c.String("message-id"),
		Author:    c.String("author"),
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
	return err
}

func runManual(c *cli.Context) error {
	h, err := setup(c)
	if err != nil {
		return err
	}
	defer h.close()

	start, err := parseWhen(c.String("start"), h.cfg.Location())
	if err != nil {
		return err
	}
	end, err := parseWhen(c.String("end"), h.cfg.Location())
	if err != nil {
		return err
	}

	for _, channel := range h.channels(c) {
		opts := runner.Options{Mode: model.ModeManual, Channel: channel, Start: start, End: end}
		if _, err := h.run.Run(c.Context, opts); err != nil {
			return err
		}
	}
	return nil
}

func parseWhen(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use YYYY-MM-DD or RFC3339", s)
	}
	return t, nil
}

// harness wires the components for one CLI invocation.
type harness struct {
	cfg *config.Config
	log *slog.Logger
	led ledger.Ledger
	run *runner.Runner
}

func setup(c *cli.Context) (*harness, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	led, err := ledger.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

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

	return &harness{
		cfg: cfg,
		log: log,
		led: led,
		run: runner.New(cfg, src, led, pipe, ext, arch, log),
	}, nil
}

func (h *harness) close() {
	_ = h.led.Close()
}

func (h *harness) channels(c *cli.Context) []string {
	if ch := c.String("channel"); ch != "" {
		return []string{ch}
	}
	return h.cfg.Channels
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
