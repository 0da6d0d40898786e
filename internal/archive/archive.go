// Package archive writes the date-partitioned, write-once artifact files
// for committed link records. The archive is purely derivative of the
// ledger and exists for human browsing.
package archive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ArjanSingh1/ai-link-scraper/internal/model"
)

// Writer writes per-record JSON artifacts under <root>/<YYYY-MM-DD>/.
type Writer struct {
	root string
	log  *slog.Logger
}

// New creates a Writer rooted at dir.
func New(dir string, log *slog.Logger) *Writer {
	return &Writer{root: dir, log: log}
}

type artifact struct {
	URL             string    `json:"url"`
	OriginalURL     string    `json:"original_url"`
	Title           string    `json:"title"`
	Summary         string    `json:"summary"`
	Tags            []string  `json:"tags,omitempty"`
	Domain          string    `json:"domain"`
	WordCount       int       `json:"word_count"`
	Status          string    `json:"status"`
	SharedBy        string    `json:"shared_by,omitempty"`
	SourceChannel   string    `json:"source_channel,omitempty"`
	SourceMessageID string    `json:"source_message_id,omitempty"`
	DateShared      time.Time `json:"date_shared"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// WriteRecords writes one artifact per record into the day directory.
// Existing files are never touched: artifacts are write-once, and a
// re-run that somehow reaches here with an already archived record is a
// no-op for that file.
func (w *Writer) WriteRecords(records []model.LinkRecord, day time.Time) error {
	if len(records) == 0 {
		return nil
	}

	dir := filepath.Join(w.root, day.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	for _, rec := range records {
		path := filepath.Join(dir, fileName(rec))
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := writeAtomic(path, rec); err != nil {
			return err
		}
		w.log.Debug("archived record", "path", path, "url", rec.CanonicalURL)
	}
	return nil
}

func writeAtomic(path string, rec model.LinkRecord) error {
	a := artifact{
		URL:             rec.CanonicalURL,
		OriginalURL:     rec.OriginalURL,
		Title:           rec.Title,
		Summary:         rec.Summary,
		Tags:            rec.Tags,
		Domain:          rec.Domain,
		WordCount:       rec.WordCount,
		Status:          string(rec.Status),
		SharedBy:        rec.SharedBy,
		SourceChannel:   rec.SourceChannel,
		SourceMessageID: rec.SourceMessageID,
		DateShared:      rec.DateShared,
	}
	if rec.DateProcessed != nil {
		a.ProcessedAt = *rec.DateProcessed
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	// Write to a temp file in the same directory and rename so a reader
	// never observes a half-written artifact.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// fileName derives a filesystem-safe name from the record's domain and
// title, falling back to the canonical URL.
func fileName(rec model.LinkRecord) string {
	base := rec.Title
	if base == "" {
		base = rec.CanonicalURL
	}
	if rec.Domain != "" {
		base = rec.Domain + "-" + base
	}
	return sanitize(base) + ".json"
}

func sanitize(name string) string {
	name = strings.TrimPrefix(name, "https://")
	name = strings.TrimPrefix(name, "http://")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if len(out) > 120 {
		out = out[:120]
	}
	if out == "" {
		out = "unnamed_link"
	}
	return out
}
