// Package source defines the channel message source collaborator and its
// Slack Web API implementation.
package source

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ArjanSingh1/ai-link-scraper/internal/model"
)

// ErrUnavailable marks a message source failure. It is fatal for the run:
// nothing has been reserved yet, so aborting leaves the ledger untouched.
var ErrUnavailable = errors.New("message source unavailable")

// Source returns the messages posted to a channel within [start, end).
type Source interface {
	FetchMessages(ctx context.Context, channel string, start, end time.Time) ([]model.Message, error)
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}
