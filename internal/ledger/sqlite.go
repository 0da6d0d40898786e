package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/ArjanSingh1/ai-link-scraper/internal/model"
	"github.com/ArjanSingh1/ai-link-scraper/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// leaseName is the single lease row serializing committers. One ledger,
// one writer at a time.
const leaseName = "ledger"

// leaseTTL is how long an acquired lease is valid before waiters may take
// it over. Commits are local-disk fast, so this only matters after a crash.
const leaseTTL = time.Minute

var errLeaseHeld = errors.New("lease held by another run")

// SQLite implements Ledger backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Ledger = (*SQLite)(nil)

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Apply(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Contains checks whether a canonical URL has already been committed.
func (s *SQLite) Contains(ctx context.Context, canonicalURL string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM links WHERE canonical_url = ?`, canonicalURL,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check contains: %w", err)
	}
	return count > 0, nil
}

// Snapshot returns all committed canonical URLs.
func (s *SQLite) Snapshot(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT canonical_url FROM links`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		keys[key] = struct{}{}
	}
	return keys, rows.Err()
}

// Reserve takes a best-effort in-flight reservation on a key. An expired
// reservation may be taken over; a live one held by someone else is
// respected. An already committed key is never reserved.
func (s *SQLite) Reserve(ctx context.Context, canonicalURL, holder string, ttl time.Duration) (bool, error) {
	committed, err := s.Contains(ctx, canonicalURL)
	if err != nil {
		return false, err
	}
	if committed {
		return false, nil
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reservations (canonical_url, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(canonical_url) DO UPDATE
		   SET holder = excluded.holder, expires_at = excluded.expires_at
		   WHERE reservations.expires_at <= ? OR reservations.holder = excluded.holder`,
		canonicalURL, holder, now.Add(ttl).Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("reserve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve rows affected: %w", err)
	}
	return n > 0, nil
}

// ReleaseReservations drops every reservation held by holder.
func (s *SQLite) ReleaseReservations(ctx context.Context, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reservations WHERE holder = ?`, holder)
	if err != nil {
		return fmt.Errorf("release reservations: %w", err)
	}
	return nil
}

// Commit merges a batch of terminal records into the ledger under the
// exclusive lease. Existing keys are skipped, never overwritten. The
// cursor advance, when requested, happens in the same transaction, so it
// is applied only if the merge lands.
func (s *SQLite) Commit(ctx context.Context, batch []model.LinkRecord, opts CommitOptions) (*CommitResult, error) {
	for _, rec := range batch {
		if !rec.Status.Terminal() {
			return nil, fmt.Errorf("record %s has non-terminal status %q", rec.CanonicalURL, rec.Status)
		}
	}

	if err := s.acquireLease(ctx, opts); err != nil {
		return nil, err
	}
	defer s.releaseLease(opts.Holder)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result := &CommitResult{}
	for _, rec := range batch {
		inserted, err := insertLink(ctx, tx, rec)
		if err != nil {
			return nil, err
		}
		if inserted {
			result.Committed++
			result.New = append(result.New, rec)
		} else {
			result.DuplicateSkipped++
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM reservations WHERE canonical_url = ?`, rec.CanonicalURL,
		); err != nil {
			return nil, fmt.Errorf("clear reservation: %w", err)
		}
	}

	if adv := opts.AdvanceCursor; adv != nil {
		now := time.Now().UTC().Format(timeLayout)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cursors (channel, last_checked, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(channel) DO UPDATE
			   SET last_checked = MAX(cursors.last_checked, excluded.last_checked),
			       updated_at = excluded.updated_at`,
			adv.Channel, adv.To.UTC().Format(timeLayout), now,
		); err != nil {
			return nil, fmt.Errorf("advance cursor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return result, nil
}

func insertLink(ctx context.Context, tx *sql.Tx, rec model.LinkRecord) (bool, error) {
	var dateShared, dateProcessed *string
	if !rec.DateShared.IsZero() {
		v := rec.DateShared.UTC().Format(timeLayout)
		dateShared = &v
	}
	if rec.DateProcessed != nil {
		v := rec.DateProcessed.UTC().Format(timeLayout)
		dateProcessed = &v
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO links
		   (canonical_url, original_url, source_channel, source_message_id, shared_by,
		    date_shared, title, domain, word_count, summary, tags, status,
		    date_processed, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CanonicalURL, rec.OriginalURL, rec.SourceChannel, rec.SourceMessageID,
		rec.SharedBy, dateShared, rec.Title, rec.Domain, rec.WordCount,
		rec.Summary, strings.Join(rec.Tags, ","), string(rec.Status),
		dateProcessed, rec.RetryCount,
	)
	if err != nil {
		return false, fmt.Errorf("insert link %s: %w", rec.CanonicalURL, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert rows affected: %w", err)
	}
	return n > 0, nil
}

// acquireLease waits for the exclusive commit lease with exponential
// backoff, bounded by opts.LockTimeout. A lease older than
// opts.StaleLeaseAge is treated as abandoned and taken over.
func (s *SQLite) acquireLease(ctx context.Context, opts CommitOptions) error {
	backoff := retry.WithMaxDuration(opts.LockTimeout, retry.NewExponential(50*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := s.tryAcquireLease(ctx, opts.Holder, opts.StaleLeaseAge)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errLeaseHeld)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errLeaseHeld) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: waited %s", ErrLockTimeout, opts.LockTimeout)
		}
		return err
	}
	return nil
}

func (s *SQLite) tryAcquireLease(ctx context.Context, holder string, staleAge time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE
		   SET holder = excluded.holder,
		       acquired_at = excluded.acquired_at,
		       expires_at = excluded.expires_at
		   WHERE leases.holder = excluded.holder
		      OR leases.expires_at <= ?
		      OR leases.acquired_at <= ?`,
		leaseName, holder,
		now.Format(timeLayout), now.Add(leaseTTL).Format(timeLayout),
		now.Format(timeLayout), now.Add(-staleAge).Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lease rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) releaseLease(holder string) {
	// Best effort on a background context: the commit transaction has
	// already landed (or rolled back) by the time this runs.
	_, _ = s.db.Exec(`DELETE FROM leases WHERE name = ? AND holder = ?`, leaseName, holder)
}

// Cursor returns the channel's last-checked timestamp, or the zero time
// if no cursor has been stored.
func (s *SQLite) Cursor(ctx context.Context, channel string) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_checked FROM cursors WHERE channel = ?`, channel,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query cursor: %w", err)
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cursor: %w", err)
	}
	return t, nil
}

// Get returns a single record by its canonical URL.
func (s *SQLite) Get(ctx context.Context, canonicalURL string) (*model.LinkRecord, error) {
	row := s.db.QueryRowContext(ctx, selectLinks+` WHERE canonical_url = ?`, canonicalURL)
	rec, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns records processed at or after the given time, oldest first.
// A zero time returns the whole ledger.
func (s *SQLite) List(ctx context.Context, processedSince time.Time) ([]model.LinkRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if processedSince.IsZero() {
		rows, err = s.db.QueryContext(ctx, selectLinks+` ORDER BY date_processed`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			selectLinks+` WHERE date_processed >= ? ORDER BY date_processed`,
			processedSince.UTC().Format(timeLayout),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.LinkRecord
	for rows.Next() {
		rec, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// RecordRun appends a run summary to the runs table.
func (s *SQLite) RecordRun(ctx context.Context, sum model.RunSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs
		   (mode, channel, window_start, window_end, messages, discovered,
		    duplicate_skipped, committed, fetch_failed, summarize_failed,
		    started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(sum.Mode), sum.Channel,
		sum.WindowStart.UTC().Format(timeLayout), sum.WindowEnd.UTC().Format(timeLayout),
		sum.Messages, sum.Discovered, sum.DuplicateSkipped, sum.Committed,
		sum.FetchFailed, sum.SummarizeFailed,
		sum.StartedAt.UTC().Format(timeLayout), sum.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

const selectLinks = `SELECT canonical_url, original_url, source_channel, source_message_id,
	shared_by, date_shared, title, domain, word_count, summary, tags, status,
	date_processed, retry_count FROM links`

type scannable interface {
	Scan(dest ...any) error
}

func scanLink(row scannable) (*model.LinkRecord, error) {
	var (
		rec                       model.LinkRecord
		dateShared, dateProcessed sql.NullString
		tags, status              string
	)
	err := row.Scan(
		&rec.CanonicalURL, &rec.OriginalURL, &rec.SourceChannel, &rec.SourceMessageID,
		&rec.SharedBy, &dateShared, &rec.Title, &rec.Domain, &rec.WordCount,
		&rec.Summary, &tags, &status, &dateProcessed, &rec.RetryCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan link: %w", err)
	}
	rec.Status = model.Status(status)
	if tags != "" {
		rec.Tags = strings.Split(tags, ",")
	}
	if dateShared.Valid {
		rec.DateShared, _ = time.Parse(timeLayout, dateShared.String)
	}
	if dateProcessed.Valid {
		t, _ := time.Parse(timeLayout, dateProcessed.String)
		rec.DateProcessed = &t
	}
	return &rec, nil
}
