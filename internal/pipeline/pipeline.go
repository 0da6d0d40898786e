// Package pipeline drives reserved candidate URLs through the
// fetch -> summarize state machine and produces terminal records ready
// for commit. A candidate that enters the pipeline always leaves it in a
// terminal state: success, fetch_failed, or summarize_failed - failures
// are recorded, never dropped, so a permanently broken link is marked
// seen and not retried forever.
package pipeline

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ArjanSingh1/ai-link-scraper/internal/model"
	"github.com/ArjanSingh1/ai-link-scraper/internal/scrape"
	"github.com/ArjanSingh1/ai-link-scraper/internal/summarize"
)

// ContentFetcher fetches and extracts one URL.
type ContentFetcher interface {
	Scrape(ctx context.Context, rawURL string) (*scrape.Result, error)
}

// Options tunes retry and truncation behavior.
type Options struct {
	// MaxRetries caps fetch attempts for transient failures.
	MaxRetries int
	// FetchTimeout bounds each individual fetch attempt.
	FetchTimeout time.Duration
	// RetryBase is the initial backoff between attempts.
	RetryBase time.Duration
	// ContentMaxChars truncates extracted text before summarization.
	ContentMaxChars int
	// SummaryMaxLength bounds the stored summary.
	SummaryMaxLength int
}

// minSummarizableChars matches the point below which a summary would just
// restate the content.
const minSummarizableChars = 50

// Pipeline processes one reserved candidate at a time. Runs are
// sequential by design; concurrency exists across run instances, not
// within a batch.
type Pipeline struct {
	fetcher    ContentFetcher
	summarizer summarize.Summarizer
	opts       Options
	log        *slog.Logger
	now        func() time.Time
}

// New creates a Pipeline.
func New(fetcher ContentFetcher, summarizer summarize.Summarizer, opts Options, log *slog.Logger) *Pipeline {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	return &Pipeline{
		fetcher:    fetcher,
		summarizer: summarizer,
		opts:       opts,
		log:        log,
		now:        time.Now,
	}
}

// ProcessBatch processes candidates in discovery order. When ctx expires
// (run budget, shutdown) no new fetches are started; whatever already
// reached a terminal state is returned so the caller can still commit
// partial progress.
func (p *Pipeline) ProcessBatch(ctx context.Context, candidates []model.LinkRecord) []model.LinkRecord {
	var done []model.LinkRecord
	for i := range candidates {
		if ctx.Err() != nil {
			p.log.Warn("run budget exhausted, stopping new fetches",
				"processed", len(done), "remaining", len(candidates)-len(done))
			break
		}
		rec := candidates[i]
		p.Process(ctx, &rec)
		done = append(done, rec)
	}
	return done
}

// Process drives a single record to a terminal state.
func (p *Pipeline) Process(ctx context.Context, rec *model.LinkRecord) {
	rec.Status = model.StatusFetching

	content, err := p.fetchWithRetry(ctx, rec)
	if err != nil {
		p.log.Warn("fetch failed", "url", rec.CanonicalURL, "retries", rec.RetryCount, "error", err)
		p.finish(rec, model.StatusFetchFailed)
		return
	}

	rec.Title = content.Title
	rec.Domain = domainOf(rec.CanonicalURL)
	rec.WordCount = content.WordCount
	rec.Tags = summarize.Tags(content.Title, content.Text, rec.Domain, content.WordCount)

	rec.Status = model.StatusSummarizing
	if len(content.Text) < minSummarizableChars {
		rec.Summary = "Content too short for meaningful summarization."
		p.finish(rec, model.StatusCommitted)
		return
	}

	summary, err := p.summarizer.Summarize(ctx, summarize.Request{
		URL:     rec.CanonicalURL,
		Title:   content.Title,
		Content: summarize.TruncateContent(content.Text, p.opts.ContentMaxChars),
	})
	if err != nil {
		// A failed summary must not block forward progress: the record
		// is still committed, with the failure flagged.
		p.log.Warn("summarize failed", "url", rec.CanonicalURL, "error", err)
		rec.Summary = ""
		p.finish(rec, model.StatusSummarizeFailed)
		return
	}

	if p.opts.SummaryMaxLength > 0 && len(summary) > p.opts.SummaryMaxLength {
		summary = summarize.TruncateSummary(summary, p.opts.SummaryMaxLength)
	}
	rec.Summary = summary
	p.finish(rec, model.StatusCommitted)
}

func (p *Pipeline) fetchWithRetry(ctx context.Context, rec *model.LinkRecord) (*scrape.Result, error) {
	var result *scrape.Result

	backoff := retry.WithMaxRetries(uint64(p.opts.MaxRetries-1), retry.NewExponential(p.opts.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx := ctx
		if p.opts.FetchTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.opts.FetchTimeout)
			defer cancel()
		}

		res, err := p.fetcher.Scrape(attemptCtx, rec.OriginalURL)
		if err != nil {
			if scrape.IsPermanent(err) {
				return err
			}
			rec.RetryCount++
			return retry.RetryableError(err)
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) finish(rec *model.LinkRecord, status model.Status) {
	now := p.now().UTC()
	rec.Status = status
	rec.DateProcessed = &now
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
