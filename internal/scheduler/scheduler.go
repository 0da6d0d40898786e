// Package scheduler runs the harvester on a schedule: a daily run at a
// configured local time plus an incremental mention scan every poll tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ArjanSingh1/ai-link-scraper/internal/model"
	"github.com/ArjanSingh1/ai-link-scraper/internal/runner"
)

// Scheduler triggers runs for each configured channel. Each trigger is an
// independent run; overlap with other instances is safe because all shared
// state goes through the ledger's lease.
type Scheduler struct {
	runner       *runner.Runner
	channels     []string
	dailyAt      string
	pollInterval time.Duration
	loc          *time.Location
	log          *slog.Logger
	now          func() time.Time
}

// New creates a Scheduler. dailyAt is a local wall-clock time in 15:04
// format.
func New(r *runner.Runner, channels []string, dailyAt string, pollInterval time.Duration,
	loc *time.Location, log *slog.Logger) (*Scheduler, error) {
	if _, err := time.ParseInLocation("15:04", dailyAt, loc); err != nil {
		return nil, fmt.Errorf("invalid daily_at %q: %w", dailyAt, err)
	}
	return &Scheduler{
		runner:       r,
		channels:     channels,
		dailyAt:      dailyAt,
		pollInterval: pollInterval,
		loc:          loc,
		log:          log,
		now:          time.Now,
	}, nil
}

// Run starts the scheduling loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.pollMentions(ctx)

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()

	dailyTimer := time.NewTimer(s.untilNextDaily())
	defer dailyTimer.Stop()

	s.log.Info("scheduler running", "daily_at", s.dailyAt, "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			s.pollMentions(ctx)
		case <-dailyTimer.C:
			s.runDaily(ctx)
			dailyTimer.Reset(s.untilNextDaily())
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context) {
	for _, channel := range s.channels {
		if ctx.Err() != nil {
			return
		}
		sum, err := s.runner.Run(ctx, runner.Options{Mode: model.ModeDaily, Channel: channel})
		if err != nil {
			s.log.Error("daily run", "channel", channel, "error", err)
			continue
		}
		s.log.Info("daily run complete", "channel", channel, "committed", sum.Committed)
	}
}

func (s *Scheduler) pollMentions(ctx context.Context) {
	for _, channel := range s.channels {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.runner.Run(ctx, runner.Options{Mode: model.ModeMention, Channel: channel}); err != nil {
			s.log.Error("mention scan", "channel", channel, "error", err)
		}
	}
}

// untilNextDaily returns the duration until the next occurrence of the
// configured daily time in the reference time zone.
func (s *Scheduler) untilNextDaily() time.Duration {
	now := s.now().In(s.loc)
	at, _ := time.ParseInLocation("15:04", s.dailyAt, s.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, s.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
