package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ArjanSingh1/ai-link-scraper/internal/model"
	"github.com/ArjanSingh1/ai-link-scraper/internal/scrape"
	"github.com/ArjanSingh1/ai-link-scraper/internal/summarize"
)

// fakeFetcher returns scripted outcomes in order; the last outcome repeats.
type fakeFetcher struct {
	outcomes []fetchOutcome
	calls    int
}

type fetchOutcome struct {
	result *scrape.Result
	err    error
}

func (f *fakeFetcher) Scrape(_ context.Context, _ string) (*scrape.Result, error) {
	i := f.calls
	if i >= len(f.outcomes) {
		i = len(f.outcomes) - 1
	}
	f.calls++
	out := f.outcomes[i]
	return out.result, out.err
}

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ summarize.Request) (string, error) {
	f.calls++
	return f.summary, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func goodResult() *scrape.Result {
	text := strings.Repeat("Some readable article content. ", 20)
	return &scrape.Result{
		Title:     "A Great Post",
		Text:      strings.TrimSpace(text),
		WordCount: 100,
	}
}

func candidate() model.LinkRecord {
	return model.LinkRecord{
		CanonicalURL: "https://example.com/post",
		OriginalURL:  "https://example.com/post?utm_source=chat",
		Status:       model.StatusDiscovered,
	}
}

func newTestPipeline(f ContentFetcher, s summarize.Summarizer) *Pipeline {
	return New(f, s, Options{
		MaxRetries:       3,
		RetryBase:        time.Millisecond,
		ContentMaxChars:  12000,
		SummaryMaxLength: 500,
	}, testLogger())
}

func TestProcessSuccess(t *testing.T) {
	fetcher := &fakeFetcher{outcomes: []fetchOutcome{{result: goodResult()}}}
	summarizer := &fakeSummarizer{summary: "A concise two-sentence summary. It covers the gist."}
	p := newTestPipeline(fetcher, summarizer)

	rec := candidate()
	p.Process(context.Background(), &rec)

	if rec.Status != model.StatusCommitted {
		t.Fatalf("status = %q, want %q", rec.Status, model.StatusCommitted)
	}
	if rec.Title != "A Great Post" {
		t.Errorf("title = %q", rec.Title)
	}
	if rec.Domain != "example.com" {
		t.Errorf("domain = %q, want example.com", rec.Domain)
	}
	if rec.WordCount != 100 {
		t.Errorf("word count = %d, want 100", rec.WordCount)
	}
	if rec.Summary != summarizer.summary {
		t.Errorf("summary = %q", rec.Summary)
	}
	if rec.DateProcessed == nil {
		t.Error("date processed not set")
	}
	if rec.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", rec.RetryCount)
	}
}

func TestProcessTransientThenSuccess(t *testing.T) {
	transient := &scrape.Error{Kind: scrape.Transient, Err: errors.New("status 503")}
	fetcher := &fakeFetcher{outcomes: []fetchOutcome{
		{err: transient},
		{err: transient},
		{result: goodResult()},
	}}
	summarizer := &fakeSummarizer{summary: "Summary."}
	p := newTestPipeline(fetcher, summarizer)

	rec := candidate()
	p.Process(context.Background(), &rec)

	if rec.Status != model.StatusCommitted {
		t.Fatalf("status = %q, want %q", rec.Status, model.StatusCommitted)
	}
	if fetcher.calls != 3 {
		t.Errorf("fetch attempts = %d, want 3", fetcher.calls)
	}
	if rec.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", rec.RetryCount)
	}
}

func TestProcessTransientExhausted(t *testing.T) {
	transient := &scrape.Error{Kind: scrape.Transient, Err: errors.New("timeout")}
	fetcher := &fakeFetcher{outcomes: []fetchOutcome{{err: transient}}}
	summarizer := &fakeSummarizer{summary: "never used"}
	p := newTestPipeline(fetcher, summarizer)

	rec := candidate()
	p.Process(context.Background(), &rec)

	if rec.Status != model.StatusFetchFailed {
		t.Fatalf("status = %q, want %q", rec.Status, model.StatusFetchFailed)
	}
	if fetcher.calls != 3 {
		t.Errorf("fetch attempts = %d, want the configured cap of 3", fetcher.calls)
	}
	if rec.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", rec.RetryCount)
	}
	if summarizer.calls != 0 {
		t.Error("summarizer called for a failed fetch")
	}
	if rec.DateProcessed == nil {
		t.Error("failed record must still get a processing date")
	}
}

func TestProcessPermanentNotRetried(t *testing.T) {
	permanent := &scrape.Error{Kind: scrape.Permanent, Err: errors.New("status 404")}
	fetcher := &fakeFetcher{outcomes: []fetchOutcome{{err: permanent}}}
	p := newTestPipeline(fetcher, &fakeSummarizer{})

	rec := candidate()
	p.Process(context.Background(), &rec)

	if rec.Status != model.StatusFetchFailed {
		t.Fatalf("status = %q, want %q", rec.Status, model.StatusFetchFailed)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetch attempts = %d, permanent errors must not be retried", fetcher.calls)
	}
	if rec.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", rec.RetryCount)
	}
}

func TestProcessShortContentSkipsSummarizer(t *testing.T) {
	fetcher := &fakeFetcher{outcomes: []fetchOutcome{
		{result: &scrape.Result{Title: "Tiny", Text: "too short", WordCount: 2}},
	}}
	summarizer := &fakeSummarizer{summary: "never used"}
	p := newTestPipeline(fetcher, summarizer)

	rec := candidate()
	p.Process(context.Background(), &rec)

	if rec.Status != model.StatusCommitted {
		t.Fatalf("status = %q, want %q", rec.Status, model.StatusCommitted)
	}
	if summarizer.calls != 0 {
		t.Error("summarizer called for short content")
	}
	if rec.Summary == "" {
		t.Error("short content should still get a placeholder summary")
	}
}

func TestProcessSummarizeFailureStillTerminal(t *testing.T) {
	fetcher := &fakeFetcher{outcomes: []fetchOutcome{{result: goodResult()}}}
	summarizer := &fakeSummarizer{err: errors.New("api quota exceeded")}
	p := newTestPipeline(fetcher, summarizer)

	rec := candidate()
	p.Process(context.Background(), &rec)

	if rec.Status != model.StatusSummarizeFailed {
		t.Fatalf("status = %q, want %q", rec.Status, model.StatusSummarizeFailed)
	}
	if rec.Summary != "" {
		t.Errorf("summary = %q, want empty on failure", rec.Summary)
	}
	if rec.Title != "A Great Post" {
		t.Errorf("fetched metadata lost: title = %q", rec.Title)
	}
	if rec.DateProcessed == nil {
		t.Error("date processed not set")
	}
}

func TestProcessTruncatesLongSummary(t *testing.T) {
	long := strings.Repeat("This sentence pads the summary well past the limit. ", 30)
	fetcher := &fakeFetcher{outcomes: []fetchOutcome{{result: goodResult()}}}
	p := newTestPipeline(fetcher, &fakeSummarizer{summary: long})

	rec := candidate()
	p.Process(context.Background(), &rec)

	if len(rec.Summary) > 500 {
		t.Errorf("summary length = %d, want <= 500", len(rec.Summary))
	}
}

func TestProcessBatchStopsWhenBudgetExpires(t *testing.T) {
	fetcher := &fakeFetcher{outcomes: []fetchOutcome{{result: goodResult()}}}
	summarizer := &fakeSummarizer{summary: "Summary."}
	p := newTestPipeline(fetcher, summarizer)

	ctx, cancel := context.WithCancel(context.Background())
	batch := []model.LinkRecord{candidate()}
	for i := 0; i < 4; i++ {
		rec := candidate()
		rec.CanonicalURL = rec.CanonicalURL + "/" + strings.Repeat("x", i+1)
		batch = append(batch, rec)
	}

	cancel() // budget already gone before the batch starts

	done := p.ProcessBatch(ctx, batch)
	if len(done) != 0 {
		t.Errorf("processed %d candidates on an expired budget, want 0", len(done))
	}
}

func TestProcessBatchReturnsCompleted(t *testing.T) {
	fetcher := &fakeFetcher{outcomes: []fetchOutcome{{result: goodResult()}}}
	summarizer := &fakeSummarizer{summary: "Summary."}
	p := newTestPipeline(fetcher, summarizer)

	batch := []model.LinkRecord{candidate()}
	second := candidate()
	second.CanonicalURL = "https://example.com/other"
	second.OriginalURL = "https://example.com/other"
	batch = append(batch, second)

	done := p.ProcessBatch(context.Background(), batch)
	if len(done) != 2 {
		t.Fatalf("processed = %d, want 2", len(done))
	}

	var urls []string
	for _, rec := range done {
		if !rec.Status.Terminal() {
			t.Errorf("record %s left in non-terminal status %q", rec.CanonicalURL, rec.Status)
		}
		urls = append(urls, rec.CanonicalURL)
	}
	want := []string{"https://example.com/post", "https://example.com/other"}
	if diff := cmp.Diff(want, urls); diff != "" {
		t.Errorf("batch order mismatch (-want +got):\n%s", diff)
	}
}
