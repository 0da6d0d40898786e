// Package ledger defines the durable deduplication ledger and its
// SQLite implementation. The ledger is the single source of truth for
// "already processed": every URL ever committed, keyed by canonical URL,
// plus the per-channel resume cursors and the lease that serializes
// concurrent committers.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ArjanSingh1/ai-link-scraper/internal/model"
)

// ErrLockTimeout is returned when the commit lease cannot be acquired
// within the configured bounded wait.
var ErrLockTimeout = errors.New("ledger lock timeout")

// ErrNotFound is returned when a canonical URL is not in the ledger.
var ErrNotFound = errors.New("link not found")

// CursorAdvance asks Commit to move a channel's resume cursor forward as
// part of the same transaction that merges the batch.
type CursorAdvance struct {
	Channel string
	To      time.Time
}

// CommitOptions controls lease acquisition and cursor handling for one
// commit.
type CommitOptions struct {
	// Holder identifies this run instance in the lease and reservation
	// tables.
	Holder string
	// LockTimeout bounds how long Commit waits for the lease before
	// failing with ErrLockTimeout.
	LockTimeout time.Duration
	// StaleLeaseAge lets a committer override a lease whose holder
	// crashed without releasing it.
	StaleLeaseAge time.Duration
	// AdvanceCursor, when set, is applied only if the merge succeeds.
	AdvanceCursor *CursorAdvance
}

// CommitResult reports the outcome of merging one batch.
type CommitResult struct {
	// Committed counts records newly written to the ledger.
	Committed int
	// DuplicateSkipped counts records whose canonical URL already
	// existed; the stored record is left untouched (first writer wins).
	DuplicateSkipped int
	// New holds the records that were actually written, for the daily
	// archive.
	New []model.LinkRecord
}

// Ledger is the persistence interface shared by all run instances.
type Ledger interface {
	// Contains checks the persisted state, including commits made by
	// other instances since this run started.
	Contains(ctx context.Context, canonicalURL string) (bool, error)
	// Snapshot returns a point-in-time set of all committed keys for
	// consistent in-run duplicate checks.
	Snapshot(ctx context.Context) (map[string]struct{}, error)

	// Reserve marks a key as in-flight so concurrent runs skip duplicate
	// fetch work. Best effort only; commit-time first-writer-wins is the
	// correctness mechanism. Returns false when another live run holds
	// the reservation or the key is already committed.
	Reserve(ctx context.Context, canonicalURL, holder string, ttl time.Duration) (bool, error)
	// ReleaseReservations drops all reservations held by holder.
	ReleaseReservations(ctx context.Context, holder string) error

	// Commit atomically merges a batch of terminal records under an
	// exclusive lease. Records whose key already exists are skipped, not
	// overwritten.
	Commit(ctx context.Context, batch []model.LinkRecord, opts CommitOptions) (*CommitResult, error)

	// Cursor returns a channel's last-checked timestamp, or the zero
	// time if none has been stored.
	Cursor(ctx context.Context, channel string) (time.Time, error)

	// Get and List serve read-only consumers.
	Get(ctx context.Context, canonicalURL string) (*model.LinkRecord, error)
	List(ctx context.Context, processedSince time.Time) ([]model.LinkRecord, error)

	// RecordRun appends a run summary for bookkeeping.
	RecordRun(ctx context.Context, s model.RunSummary) error

	Close() error
}
