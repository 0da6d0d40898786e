// Package extract turns raw message text into canonical candidate URLs.
package extract

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/ArjanSingh1/ai-link-scraper/internal/model"
)

// RedirectResolver is an optional capability for expanding shortener URLs
// before normalization. When absent the unresolved URL is used as the key.
type RedirectResolver interface {
	Resolve(ctx context.Context, rawURL string) (string, error)
}

// Slack wraps links in angle brackets, optionally with a |label suffix.
var slackLinkRe = regexp.MustCompile(`<(https?://[^>|]+)(?:\|[^>]*)?>`)

var urlRe = regexp.MustCompile(`https?://[^\s<>"'` + "`" + `|\\^\[\]{}]+`)

const minURLLength = 10

// Extractor finds and canonicalizes URLs in message text.
type Extractor struct {
	trackingParams map[string]struct{}
	skipDomains    []string
	resolver       RedirectResolver
}

// New creates an Extractor. trackingParams are query keys stripped during
// normalization; skipDomains drop known non-content hosts entirely.
func New(trackingParams, skipDomains []string, resolver RedirectResolver) *Extractor {
	tp := make(map[string]struct{}, len(trackingParams))
	for _, p := range trackingParams {
		tp[strings.ToLower(p)] = struct{}{}
	}
	return &Extractor{
		trackingParams: tp,
		skipDomains:    skipDomains,
		resolver:       resolver,
	}
}

// URLs returns the raw URLs found in text, in order of appearance, with
// chat formatting and trailing punctuation stripped and skip-domain hosts
// removed. Duplicates are preserved; deduplication happens on the
// canonical form in Candidates.
func (e *Extractor) URLs(text string) []string {
	if text == "" {
		return nil
	}

	// Unwrap <url|label> before the general scan so the label never
	// bleeds into the match.
	text = slackLinkRe.ReplaceAllString(text, " $1 ")

	var out []string
	for _, raw := range urlRe.FindAllString(text, -1) {
		raw = strings.TrimRight(raw, `.,:;!?)"'>`)
		if len(raw) < minURLLength {
			continue
		}
		if e.skipped(raw) {
			continue
		}
		out = append(out, raw)
	}
	return out
}

func (e *Extractor) skipped(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range e.skipDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Normalize produces the stable deduplication key for a URL: lower-cased
// host, http folded into https, default ports and trailing slashes
// stripped, fragment dropped, and configured tracking parameters removed.
func (e *Extractor) Normalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	} else {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	// http and https shares of the same page are the same link.
	u.Scheme = "https"
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if _, ok := e.trackingParams[strings.ToLower(key)]; ok {
				q.Del(key)
			}
		}
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// Candidates extracts the link records discovered in one message. Order of
// appearance is preserved and later duplicates of the same canonical URL
// within the message are dropped. When a redirect resolver is configured,
// each URL is expanded first; resolution failures degrade to the original.
func (e *Extractor) Candidates(ctx context.Context, msg model.Message) []model.LinkRecord {
	seen := make(map[string]struct{})
	var records []model.LinkRecord

	for _, raw := range e.URLs(msg.Text) {
		target := raw
		if e.resolver != nil {
			if resolved, err := e.resolver.Resolve(ctx, raw); err == nil && resolved != "" {
				target = resolved
			}
		}

		canonical, err := e.Normalize(target)
		if err != nil {
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}

		records = append(records, model.LinkRecord{
			CanonicalURL:    canonical,
			OriginalURL:     raw,
			SourceChannel:   msg.Channel,
			SourceMessageID: msg.MessageID,
			SharedBy:        msg.Author,
			DateShared:      msg.Timestamp,
			Status:          model.StatusDiscovered,
		})
	}
	return records
}
