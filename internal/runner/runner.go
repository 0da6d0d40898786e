// Package runner coordinates one harvesting run: window resolution,
// message fetch, link extraction, dedup, processing, and commit.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ArjanSingh1/ai-link-scraper/internal/archive"
	"github.com/ArjanSingh1/ai-link-scraper/internal/config"
	"github.com/ArjanSingh1/ai-link-scraper/internal/extract"
	"github.com/ArjanSingh1/ai-link-scraper/internal/ledger"
	"github.com/ArjanSingh1/ai-link-scraper/internal/model"
	"github.com/ArjanSingh1/ai-link-scraper/internal/pipeline"
	"github.com/ArjanSingh1/ai-link-scraper/internal/source"
	"github.com/ArjanSingh1/ai-link-scraper/internal/window"
)

// ErrBudgetExceeded is returned when the run hit its wall-clock budget
// before finishing the batch. Completed work has already been committed;
// the exit is non-zero so the overrun is visible.
var ErrBudgetExceeded = errors.New("run budget exceeded")

// reservationTTL bounds how long an in-flight reservation shields a key
// from concurrent runs.
const reservationTTL = 30 * time.Minute

// Runner executes harvesting runs. Instances are independent processes;
// all shared state goes through the ledger.
type Runner struct {
	cfg      *config.Config
	src      source.Source
	led      ledger.Ledger
	pipe     *pipeline.Pipeline
	ext      *extract.Extractor
	arch     *archive.Writer
	resolver *window.Resolver
	log      *slog.Logger
	holder   string
	now      func() time.Time
}

// New creates a Runner.
func New(cfg *config.Config, src source.Source, led ledger.Ledger, pipe *pipeline.Pipeline,
	ext *extract.Extractor, arch *archive.Writer, log *slog.Logger) *Runner {
	host, _ := os.Hostname()
	return &Runner{
		cfg:  cfg,
		src:  src,
		led:  led,
		pipe: pipe,
		ext:  ext,
		arch: arch,
		resolver: &window.Resolver{
			Location: cfg.Location(),
			Lookback: cfg.MentionLookback,
			MaxSpan:  cfg.MaxWindowSpan,
		},
		log:    log,
		holder: fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano()),
		now:    time.Now,
	}
}

// Options selects the window for one run.
type Options struct {
	Mode    model.RunMode
	Channel string
	// Start and End are used by manual mode only.
	Start time.Time
	End   time.Time
}

// Run executes a scheduled or manual run over a resolved window.
func (r *Runner) Run(ctx context.Context, opts Options) (*model.RunSummary, error) {
	summary := &model.RunSummary{
		Mode:      opts.Mode,
		Channel:   opts.Channel,
		StartedAt: r.now().UTC(),
	}

	var cursor time.Time
	if opts.Mode == model.ModeMention {
		var err error
		cursor, err = r.led.Cursor(ctx, opts.Channel)
		if err != nil {
			return summary, err
		}
	}

	w, err := r.resolver.Resolve(opts.Mode, cursor, opts.Start, opts.End)
	if err != nil {
		return summary, err
	}
	summary.WindowStart, summary.WindowEnd = w.Start, w.End

	r.log.Info("run started", "mode", opts.Mode, "channel", opts.Channel,
		"start", w.Start.Format(time.RFC3339), "end", w.End.Format(time.RFC3339))

	messages, err := r.src.FetchMessages(ctx, opts.Channel, w.Start, w.End)
	if err != nil {
		// Nothing was reserved yet; aborting here cannot corrupt the
		// ledger.
		return summary, err
	}
	summary.Messages = len(messages)

	candidates := r.collect(ctx, messages)

	// The cursor only advances when this run fully accounts for the
	// window. An aborted or over-budget mention run leaves it untouched
	// so the next run re-scans the same range.
	var advance *ledger.CursorAdvance
	if opts.Mode == model.ModeMention {
		advance = &ledger.CursorAdvance{Channel: opts.Channel, To: w.End}
	}

	err = r.harvest(ctx, candidates, advance, summary)
	r.finishRun(ctx, summary)
	return summary, err
}

// RunMention is the fast path for an explicit mention event carrying a
// single message: window resolution is bypassed, the same
// reserve -> process -> commit sequence runs on just that message, and
// the result is indistinguishable in the ledger from a scheduled scan.
func (r *Runner) RunMention(ctx context.Context, msg model.Message) (*model.RunSummary, error) {
	summary := &model.RunSummary{
		Mode:      model.ModeMention,
		Channel:   msg.Channel,
		StartedAt: r.now().UTC(),
	}

	r.log.Info("mention fast path", "channel", msg.Channel, "message_id", msg.MessageID)

	candidates := r.collect(ctx, []model.Message{msg})
	err := r.harvest(ctx, candidates, nil, summary)
	r.finishRun(ctx, summary)
	return summary, err
}

// collect extracts candidates from messages in order, deduplicating on
// the canonical key across the whole run (first discovery wins) and
// applying the per-run link cap.
func (r *Runner) collect(ctx context.Context, messages []model.Message) []model.LinkRecord {
	seen := make(map[string]struct{})
	var candidates []model.LinkRecord

	for _, msg := range messages {
		for _, rec := range r.ext.Candidates(ctx, msg) {
			if _, dup := seen[rec.CanonicalURL]; dup {
				continue
			}
			seen[rec.CanonicalURL] = struct{}{}
			candidates = append(candidates, rec)
		}
	}

	if r.cfg.MaxLinksPerRun > 0 && len(candidates) > r.cfg.MaxLinksPerRun {
		r.log.Info("limiting candidates", "found", len(candidates), "cap", r.cfg.MaxLinksPerRun)
		candidates = candidates[:r.cfg.MaxLinksPerRun]
	}
	return candidates
}

// harvest runs the reserve -> process -> commit sequence for a set of
// candidates and fills in the summary counters.
func (r *Runner) harvest(ctx context.Context, candidates []model.LinkRecord,
	advance *ledger.CursorAdvance, summary *model.RunSummary) error {

	summary.Discovered = len(candidates)
	if len(candidates) == 0 {
		// Still commit when a cursor advance is pending: an empty window
		// was fully scanned and must not be re-scanned forever.
		if advance != nil {
			_, err := r.led.Commit(ctx, nil, r.commitOptions(advance))
			return err
		}
		return nil
	}

	snapshot, err := r.led.Snapshot(ctx)
	if err != nil {
		return err
	}

	var fresh []model.LinkRecord
	for _, rec := range candidates {
		if _, exists := snapshot[rec.CanonicalURL]; exists {
			summary.DuplicateSkipped++
			continue
		}
		fresh = append(fresh, rec)
	}

	var reserved []model.LinkRecord
	for _, rec := range fresh {
		ok, err := r.led.Reserve(ctx, rec.CanonicalURL, r.holder, reservationTTL)
		if err != nil {
			return err
		}
		if !ok {
			// Another live run is already fetching this key (or it was
			// committed since the snapshot). Commit-time first-writer-
			// wins covers the race either way.
			summary.DuplicateSkipped++
			continue
		}
		reserved = append(reserved, rec)
	}
	defer func() { _ = r.led.ReleaseReservations(context.Background(), r.holder) }()

	budgetCtx := ctx
	if r.cfg.RunBudget > 0 {
		var cancel context.CancelFunc
		budgetCtx, cancel = context.WithTimeout(ctx, r.cfg.RunBudget)
		defer cancel()
	}

	processed := r.pipe.ProcessBatch(budgetCtx, reserved)
	budgetHit := len(processed) < len(reserved)

	// Partial progress is preserved: whatever finished gets committed
	// even when the budget ran out. The cursor only advances on a fully
	// processed window.
	if budgetHit {
		advance = nil
	}

	result, err := r.led.Commit(ctx, processed, r.commitOptions(advance))
	if err != nil {
		return err
	}

	summary.DuplicateSkipped += result.DuplicateSkipped
	for _, rec := range result.New {
		switch rec.Status {
		case model.StatusCommitted:
			summary.Committed++
		case model.StatusFetchFailed:
			summary.FetchFailed++
		case model.StatusSummarizeFailed:
			summary.SummarizeFailed++
		}
	}

	if err := r.archiveNew(result.New); err != nil {
		// The ledger commit already landed; a failed artifact write is
		// logged, not fatal.
		r.log.Error("write daily archive", "error", err)
	}

	if budgetHit {
		return fmt.Errorf("%w: %d of %d candidates processed",
			ErrBudgetExceeded, len(processed), len(reserved))
	}
	return nil
}

func (r *Runner) commitOptions(advance *ledger.CursorAdvance) ledger.CommitOptions {
	return ledger.CommitOptions{
		Holder:        r.holder,
		LockTimeout:   r.cfg.LockTimeout,
		StaleLeaseAge: r.cfg.StaleLeaseAge,
		AdvanceCursor: advance,
	}
}

// archiveNew writes per-day artifacts for newly committed records,
// partitioned by their processing date in the reference time zone.
func (r *Runner) archiveNew(records []model.LinkRecord) error {
	loc := r.cfg.Location()
	byDay := make(map[string][]model.LinkRecord)
	var days []string

	for _, rec := range records {
		if rec.DateProcessed == nil {
			continue
		}
		day := rec.DateProcessed.In(loc).Format("2006-01-02")
		if _, ok := byDay[day]; !ok {
			days = append(days, day)
		}
		byDay[day] = append(byDay[day], rec)
	}

	for _, day := range days {
		t, _ := time.ParseInLocation("2006-01-02", day, loc)
		if err := r.arch.WriteRecords(byDay[day], t); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) finishRun(ctx context.Context, summary *model.RunSummary) {
	summary.FinishedAt = r.now().UTC()
	if err := r.led.RecordRun(ctx, *summary); err != nil {
		r.log.Error("record run summary", "error", err)
	}
	r.log.Info("run finished",
		"mode", summary.Mode,
		"messages", summary.Messages,
		"discovered", summary.Discovered,
		"duplicate_skipped", summary.DuplicateSkipped,
		"committed", summary.Committed,
		"fetch_failed", summary.FetchFailed,
		"summarize_failed", summary.SummarizeFailed,
		"duration", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond),
	)
}
