// Package model defines the domain types used across the application.
package model

import "time"

// Status tracks a link through the processing state machine.
type Status string

// Link processing states. Discovered, Fetching and Summarizing are
// transient within a single run; the remaining states are terminal and
// are the only ones ever persisted to the ledger.
const (
	StatusDiscovered      Status = "discovered"
	StatusFetching        Status = "fetching"
	StatusFetchFailed     Status = "fetch_failed"
	StatusSummarizing     Status = "summarizing"
	StatusSummarizeFailed Status = "summarize_failed"
	StatusCommitted       Status = "committed"
)

// Terminal reports whether the status is one of the end states that the
// ledger accepts.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusFetchFailed, StatusSummarizeFailed:
		return true
	}
	return false
}

// LinkRecord is one harvested URL. CanonicalURL is the deduplication key;
// the provenance fields are immutable once set, the content fields are
// filled in by the processing pipeline.
type LinkRecord struct {
	CanonicalURL    string
	OriginalURL     string
	SourceChannel   string
	SourceMessageID string
	SharedBy        string
	DateShared      time.Time

	Title     string
	Domain    string
	WordCount int
	Summary   string
	Tags      []string

	Status        Status
	DateProcessed *time.Time
	RetryCount    int
}

// Message is a single chat message as returned by the message source.
type Message struct {
	Channel   string
	MessageID string
	Author    string
	Text      string
	Timestamp time.Time
}

// RunMode selects how the scan window for a run is resolved.
type RunMode string

// Supported run modes.
const (
	ModeDaily   RunMode = "daily"
	ModeWeekly  RunMode = "weekly"
	ModeMention RunMode = "mention"
	ModeManual  RunMode = "manual"
)

// RunSummary reports what a single run did.
type RunSummary struct {
	Mode             RunMode
	Channel          string
	WindowStart      time.Time
	WindowEnd        time.Time
	Messages         int
	Discovered       int
	DuplicateSkipped int
	Committed        int
	FetchFailed      int
	SummarizeFailed  int
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Processed returns how many records reached a terminal state this run.
func (r RunSummary) Processed() int {
	return r.Committed + r.FetchFailed + r.SummarizeFailed
}
