// Package summarize is the summarization collaborator: given extracted
// page text it produces a short natural-language summary.
package summarize

import (
	"context"
	"regexp"
	"strings"
)

// Summarizer produces a short summary for extracted content.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (string, error)
}

// Request carries the content to summarize. Content is expected to be
// pre-truncated by the caller via TruncateContent.
type Request struct {
	URL     string
	Title   string
	Content string
}

// TruncateContent bounds the text handed to the summarization backend.
func TruncateContent(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}

var trailingEllipsis = regexp.MustCompile(`\s*\.\.\.\s*$`)

// EnsureCompleteSentences trims a summary back to its last complete
// sentence and strips any trailing ellipsis, so truncated model output
// never ends mid-thought.
func EnsureCompleteSentences(text string) string {
	text = trailingEllipsis.ReplaceAllString(strings.TrimSpace(text), "")
	if text == "" {
		return text
	}
	if strings.HasSuffix(text, ".") || strings.HasSuffix(text, "!") || strings.HasSuffix(text, "?") {
		return text
	}

	last := strings.LastIndexAny(text, ".!?")
	if last > 0 {
		return text[:last+1]
	}
	return text + "."
}

// TruncateSummary cuts a summary down to maxLen while preserving sentence
// boundaries where possible.
func TruncateSummary(text string, maxLen int) string {
	if maxLen <= 0 || len(text) <= maxLen {
		return text
	}

	for i := maxLen - 1; i > 0; i-- {
		if text[i] == '.' || text[i] == '!' || text[i] == '?' {
			return text[:i+1]
		}
	}

	cut := text[:maxLen]
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	} else {
		// No word boundary either; leave room for the closing period.
		cut = cut[:maxLen-1]
	}
	return EnsureCompleteSentences(cut)
}
