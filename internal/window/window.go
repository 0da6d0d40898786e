// Package window resolves the half-open time interval a run scans.
package window

import (
	"errors"
	"fmt"
	"time"

	"github.com/ArjanSingh1/ai-link-scraper/internal/model"
)

// ErrInvalidRange is returned when a resolved window is empty, inverted,
// or wider than the configured maximum span.
var ErrInvalidRange = errors.New("invalid time range")

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Span returns the window's width.
func (w Window) Span() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Resolver computes scan windows from the run mode.
type Resolver struct {
	// Location is the deployment's reference time zone. Daily windows are
	// calendar days in this zone so consecutive runs never gap or overlap.
	Location *time.Location
	// Lookback bounds a mention run when no cursor has been stored yet.
	Lookback time.Duration
	// MaxSpan rejects windows that would reprocess too much history.
	MaxSpan time.Duration
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Daily returns the previous calendar day in the reference time zone,
// regardless of when during the day the run fires.
func (r *Resolver) Daily() (Window, error) {
	now := r.now().In(r.Location)
	todayMidnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.Location)
	w := Window{Start: todayMidnight.AddDate(0, 0, -1), End: todayMidnight}
	return w, r.check(w)
}

// Weekly returns the trailing seven days ending now.
func (r *Resolver) Weekly() (Window, error) {
	now := r.now()
	w := Window{Start: now.AddDate(0, 0, -7), End: now}
	return w, r.check(w)
}

// Mention returns the interval from the stored cursor to now. A zero
// cursor (first run) falls back to the bounded lookback so the run never
// backfills unbounded history. A stored cursor is honored as-is:
// clamping it would skip the span between the cursor and the clamp and
// then advance past it, losing those messages for good. Gaps wider than
// MaxSpan fail instead.
func (r *Resolver) Mention(cursor time.Time) (Window, error) {
	now := r.now()
	start := cursor
	if start.IsZero() {
		start = now.Add(-r.Lookback)
	}
	w := Window{Start: start, End: now}
	return w, r.check(w)
}

// Manual returns the explicitly requested interval.
func (r *Resolver) Manual(start, end time.Time) (Window, error) {
	w := Window{Start: start, End: end}
	return w, r.check(w)
}

// Resolve dispatches on the run mode. Manual mode requires start and end.
func (r *Resolver) Resolve(mode model.RunMode, cursor, start, end time.Time) (Window, error) {
	switch mode {
	case model.ModeDaily:
		return r.Daily()
	case model.ModeWeekly:
		return r.Weekly()
	case model.ModeMention:
		return r.Mention(cursor)
	case model.ModeManual:
		return r.Manual(start, end)
	default:
		return Window{}, fmt.Errorf("%w: unknown run mode %q", ErrInvalidRange, mode)
	}
}

func (r *Resolver) check(w Window) error {
	if !w.Start.Before(w.End) {
		return fmt.Errorf("%w: start %s is not before end %s",
			ErrInvalidRange, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	if r.MaxSpan > 0 && w.Span() > r.MaxSpan {
		return fmt.Errorf("%w: span %s exceeds maximum %s", ErrInvalidRange, w.Span(), r.MaxSpan)
	}
	return nil
}
