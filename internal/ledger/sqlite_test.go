package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ArjanSingh1/ai-link-scraper/internal/model"
)

func newTestLedger(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open test ledger: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testOpts(holder string) CommitOptions {
	return CommitOptions{
		Holder:        holder,
		LockTimeout:   5 * time.Second,
		StaleLeaseAge: 10 * time.Minute,
	}
}

func committedRecord(canonical string) model.LinkRecord {
	processed := time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)
	return model.LinkRecord{
		CanonicalURL:    canonical,
		OriginalURL:     canonical + "?utm_source=chat",
		SourceChannel:   "C123",
		SourceMessageID: "1757421000.000100",
		SharedBy:        "U42",
		DateShared:      time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC),
		Title:           "Example Post",
		Domain:          "example.com",
		WordCount:       1200,
		Summary:         "A short summary.",
		Tags:            []string{"tech", "article"},
		Status:          model.StatusCommitted,
		DateProcessed:   &processed,
	}
}

func TestCommitAndGet(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	rec := committedRecord("https://example.com/post")
	res, err := s.Commit(ctx, []model.LinkRecord{rec}, testOpts("run-1"))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Committed != 1 || res.DuplicateSkipped != 0 {
		t.Fatalf("result = %+v, want 1 committed, 0 skipped", res)
	}

	got, err := s.Get(ctx, rec.CanonicalURL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(&rec, got); diff != "" {
		t.Errorf("stored record mismatch (-want +got):\n%s", diff)
	}

	ok, err := s.Contains(ctx, rec.CanonicalURL)
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if !ok {
		t.Error("contains = false after commit")
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestLedger(t)
	_, err := s.Get(context.Background(), "https://example.com/missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitRejectsNonTerminal(t *testing.T) {
	s := newTestLedger(t)

	rec := committedRecord("https://example.com/post")
	rec.Status = model.StatusFetching

	if _, err := s.Commit(context.Background(), []model.LinkRecord{rec}, testOpts("run-1")); err == nil {
		t.Fatal("expected error committing a non-terminal record")
	}
}

func TestCommitFirstWriterWins(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	first := committedRecord("https://example.com/post")
	first.Summary = "The first writer's summary."
	if _, err := s.Commit(ctx, []model.LinkRecord{first}, testOpts("run-1")); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	second := committedRecord("https://example.com/post")
	second.Summary = "A competing summary that must not land."
	res, err := s.Commit(ctx, []model.LinkRecord{second}, testOpts("run-2"))
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if res.Committed != 0 || res.DuplicateSkipped != 1 {
		t.Fatalf("result = %+v, want 0 committed, 1 skipped", res)
	}

	got, err := s.Get(ctx, first.CanonicalURL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Summary != first.Summary {
		t.Errorf("summary = %q, first writer's record was overwritten", got.Summary)
	}
}

func TestCommitMixedBatch(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	existing := committedRecord("https://example.com/old")
	if _, err := s.Commit(ctx, []model.LinkRecord{existing}, testOpts("run-1")); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	batch := []model.LinkRecord{
		committedRecord("https://example.com/old"),
		committedRecord("https://example.com/new-1"),
		committedRecord("https://example.com/new-2"),
	}
	res, err := s.Commit(ctx, batch, testOpts("run-2"))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Committed != 2 || res.DuplicateSkipped != 1 {
		t.Fatalf("result = %+v, want 2 committed, 1 skipped", res)
	}
	if len(res.New) != 2 {
		t.Fatalf("len(New) = %d, want 2", len(res.New))
	}

	var gotNew []string
	for _, rec := range res.New {
		gotNew = append(gotNew, rec.CanonicalURL)
	}
	wantNew := []string{"https://example.com/new-1", "https://example.com/new-2"}
	if diff := cmp.Diff(wantNew, gotNew); diff != "" {
		t.Errorf("new records mismatch (-want +got):\n%s", diff)
	}
}

func TestCommitPersistsFailures(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	failed := committedRecord("https://example.com/broken")
	failed.Status = model.StatusFetchFailed
	failed.Summary = ""
	failed.RetryCount = 3

	if _, err := s.Commit(ctx, []model.LinkRecord{failed}, testOpts("run-1")); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := s.Get(ctx, failed.CanonicalURL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusFetchFailed {
		t.Errorf("status = %q, want %q", got.Status, model.StatusFetchFailed)
	}
	if got.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", got.RetryCount)
	}
}

func TestConcurrentDisjointCommits(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	const runs = 8
	const perRun = 5

	var wg sync.WaitGroup
	errs := make(chan error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(run int) {
			defer wg.Done()
			var batch []model.LinkRecord
			for j := 0; j < perRun; j++ {
				batch = append(batch,
					committedRecord(fmt.Sprintf("https://example.com/run-%d/post-%d", run, j)))
			}
			_, err := s.Commit(ctx, batch, testOpts(fmt.Sprintf("run-%d", run)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent commit: %v", err)
		}
	}

	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot) != runs*perRun {
		t.Errorf("ledger has %d keys, want the union of all batches (%d)", len(snapshot), runs*perRun)
	}
}

func TestConcurrentOverlappingCommits(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	const runs = 6
	rec := committedRecord("https://example.com/contested")

	var wg sync.WaitGroup
	results := make(chan *CommitResult, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(run int) {
			defer wg.Done()
			res, err := s.Commit(ctx, []model.LinkRecord{rec}, testOpts(fmt.Sprintf("run-%d", run)))
			if err != nil {
				t.Errorf("commit: %v", err)
				return
			}
			results <- res
		}(i)
	}
	wg.Wait()
	close(results)

	var committed, skipped int
	for res := range results {
		committed += res.Committed
		skipped += res.DuplicateSkipped
	}
	if committed != 1 {
		t.Errorf("committed = %d, want exactly 1 winner", committed)
	}
	if skipped != runs-1 {
		t.Errorf("duplicate skipped = %d, want %d", skipped, runs-1)
	}
}

func TestCommitLockTimeout(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	// Another live run holds the lease.
	ok, err := s.tryAcquireLease(ctx, "other-run", 10*time.Minute)
	if err != nil {
		t.Fatalf("seed lease: %v", err)
	}
	if !ok {
		t.Fatal("seed lease not acquired")
	}

	opts := CommitOptions{
		Holder:        "run-1",
		LockTimeout:   300 * time.Millisecond,
		StaleLeaseAge: 10 * time.Minute,
	}
	_, err = s.Commit(ctx, []model.LinkRecord{committedRecord("https://example.com/post")}, opts)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	// Nothing must have landed.
	okContains, err := s.Contains(ctx, "https://example.com/post")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if okContains {
		t.Error("record committed despite lock timeout")
	}
}

func TestCommitOverridesStaleLease(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	// Simulate a crashed holder: lease acquired long ago, never released.
	staleAcquired := time.Now().UTC().Add(-time.Hour)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
		leaseName, "crashed-run",
		staleAcquired.Format(timeLayout), staleAcquired.Add(leaseTTL).Format(timeLayout),
	)
	if err != nil {
		t.Fatalf("seed stale lease: %v", err)
	}

	res, err := s.Commit(ctx, []model.LinkRecord{committedRecord("https://example.com/post")},
		testOpts("run-1"))
	if err != nil {
		t.Fatalf("commit over stale lease: %v", err)
	}
	if res.Committed != 1 {
		t.Errorf("committed = %d, want 1", res.Committed)
	}
}

func TestReserve(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()
	const key = "https://example.com/post"

	ok, err := s.Reserve(ctx, key, "run-1", time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Fatal("fresh reservation refused")
	}

	// A live reservation held by someone else is respected.
	ok, err = s.Reserve(ctx, key, "run-2", time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Error("reservation granted while run-1 holds it")
	}

	// Re-reserving your own key succeeds.
	ok, err = s.Reserve(ctx, key, "run-1", time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Error("holder could not refresh its own reservation")
	}
}

func TestReserveExpiredTakeover(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()
	const key = "https://example.com/post"

	if ok, err := s.Reserve(ctx, key, "run-1", -time.Second); err != nil || !ok {
		t.Fatalf("seed expired reservation: ok=%v err=%v", ok, err)
	}

	ok, err := s.Reserve(ctx, key, "run-2", time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Error("expired reservation not taken over")
	}
}

func TestReserveCommittedKey(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	rec := committedRecord("https://example.com/post")
	if _, err := s.Commit(ctx, []model.LinkRecord{rec}, testOpts("run-1")); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ok, err := s.Reserve(ctx, rec.CanonicalURL, "run-2", time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Error("committed key must not be reservable")
	}
}

func TestReleaseReservations(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	for _, key := range []string{"https://example.com/a", "https://example.com/b"} {
		if ok, err := s.Reserve(ctx, key, "run-1", time.Hour); err != nil || !ok {
			t.Fatalf("reserve %s: ok=%v err=%v", key, ok, err)
		}
	}

	if err := s.ReleaseReservations(ctx, "run-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok, err := s.Reserve(ctx, "https://example.com/a", "run-2", time.Minute)
	if err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
	if !ok {
		t.Error("reservation still held after release")
	}
}

func TestCommitClearsReservations(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	rec := committedRecord("https://example.com/post")
	if ok, err := s.Reserve(ctx, rec.CanonicalURL, "run-1", time.Hour); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	if _, err := s.Commit(ctx, []model.LinkRecord{rec}, testOpts("run-1")); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reservations WHERE canonical_url = ?`, rec.CanonicalURL,
	).Scan(&count); err != nil {
		t.Fatalf("count reservations: %v", err)
	}
	if count != 0 {
		t.Errorf("reservation row survived the commit")
	}
}

func TestCursorAdvance(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	got, err := s.Cursor(ctx, "C123")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("fresh channel cursor = %s, want zero", got)
	}

	to := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err = s.Commit(ctx, nil, CommitOptions{
		Holder:        "run-1",
		LockTimeout:   time.Second,
		StaleLeaseAge: 10 * time.Minute,
		AdvanceCursor: &CursorAdvance{Channel: "C123", To: to},
	})
	if err != nil {
		t.Fatalf("commit with cursor advance: %v", err)
	}

	got, err = s.Cursor(ctx, "C123")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !got.Equal(to) {
		t.Errorf("cursor = %s, want %s", got, to)
	}
}

func TestCursorNeverMovesBackward(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	ahead := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	behind := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	advance := func(holder string, to time.Time) {
		t.Helper()
		_, err := s.Commit(ctx, nil, CommitOptions{
			Holder:        holder,
			LockTimeout:   time.Second,
			StaleLeaseAge: 10 * time.Minute,
			AdvanceCursor: &CursorAdvance{Channel: "C123", To: to},
		})
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	advance("run-1", ahead)
	advance("run-2", behind) // late commit of an older window

	got, err := s.Cursor(ctx, "C123")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !got.Equal(ahead) {
		t.Errorf("cursor = %s, regressed behind %s", got, ahead)
	}
}

func TestList(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	early := committedRecord("https://example.com/early")
	earlyProcessed := time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)
	early.DateProcessed = &earlyProcessed

	late := committedRecord("https://example.com/late")
	lateProcessed := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	late.DateProcessed = &lateProcessed

	if _, err := s.Commit(ctx, []model.LinkRecord{early, late}, testOpts("run-1")); err != nil {
		t.Fatalf("commit: %v", err)
	}

	all, err := s.List(ctx, time.Time{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
	if all[0].CanonicalURL != early.CanonicalURL {
		t.Errorf("list order: first = %s, want oldest", all[0].CanonicalURL)
	}

	recent, err := s.List(ctx, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 1 || recent[0].CanonicalURL != late.CanonicalURL {
		t.Errorf("recent = %+v, want only the late record", recent)
	}
}

func TestRecordRun(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	sum := model.RunSummary{
		Mode:             model.ModeDaily,
		Channel:          "C123",
		WindowStart:      time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		WindowEnd:        time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Messages:         14,
		Discovered:       6,
		DuplicateSkipped: 2,
		Committed:        3,
		FetchFailed:      1,
		SummarizeFailed:  0,
		StartedAt:        time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		FinishedAt:       time.Date(2026, 3, 10, 9, 2, 0, 0, time.UTC),
	}
	if err := s.RecordRun(ctx, sum); err != nil {
		t.Fatalf("record run: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE channel = ? AND mode = ?`, "C123", "daily",
	).Scan(&count); err != nil {
		t.Fatalf("count runs: %v", err)
	}
	if count != 1 {
		t.Errorf("runs rows = %d, want 1", count)
	}
}
