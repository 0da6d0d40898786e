// Package scrape is the content-fetcher collaborator: given a URL it
// returns the page title and main text, or a classified fetch error.
package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/mmcdole/gofeed"
)

// ErrorKind classifies fetch failures for the retry policy.
type ErrorKind int

const (
	// Transient failures (timeouts, 5xx, connection resets) are retried
	// with backoff up to the configured cap.
	Transient ErrorKind = iota
	// Permanent failures (malformed URLs, 4xx block signals) are not
	// retried.
	Permanent
)

// Error is a classified fetch failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == Permanent {
		return fmt.Sprintf("permanent fetch error: %v", e.Err)
	}
	return fmt.Sprintf("transient fetch error: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a fetch error that retrying cannot fix.
func IsPermanent(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == Permanent
}

// Result is the extracted content of one URL.
type Result struct {
	Title       string
	Text        string
	ContentType string
	WordCount   int
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const maxBodyBytes = 5 * 1024 * 1024

// Scraper fetches a URL and extracts its readable content. HTML pages go
// through readability extraction, feed URLs are parsed as RSS/Atom, and
// plain text passes through.
type Scraper struct {
	client    HTTPClient
	userAgent string
}

// New creates a Scraper with the given HTTP client.
func New(client HTTPClient, userAgent string) *Scraper {
	return &Scraper{client: client, userAgent: userAgent}
}

// Scrape fetches and extracts one URL. The caller bounds the attempt with
// ctx; context timeouts surface as transient errors.
func (s *Scraper) Scrape(ctx context.Context, rawURL string) (*Result, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, &Error{Kind: Permanent, Err: fmt.Errorf("malformed url %q", rawURL)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Kind: Permanent, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: Transient, Err: fmt.Errorf("http get: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: Transient, Err: fmt.Errorf("read body: %w", err)}
	}

	contentType := resp.Header.Get("Content-Type")
	result, err := extract(parsed, body, contentType)
	if err != nil {
		return nil, &Error{Kind: Permanent, Err: err}
	}
	result.ContentType = contentType
	result.WordCount = len(strings.Fields(result.Text))
	return result, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return &Error{Kind: Transient, Err: fmt.Errorf("status %d", code)}
	default:
		return &Error{Kind: Permanent, Err: fmt.Errorf("status %d", code)}
	}
}

func extract(u *url.URL, body []byte, contentType string) (*Result, error) {
	switch {
	case isFeed(body, contentType):
		return extractFeed(body)
	case strings.Contains(contentType, "text/plain"):
		text := cleanText(string(body))
		return &Result{Text: text}, nil
	default:
		return extractHTML(u, body)
	}
}

func isFeed(body []byte, contentType string) bool {
	if strings.Contains(contentType, "rss") || strings.Contains(contentType, "atom") {
		return true
	}
	head := bytes.TrimSpace(body)
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.Contains(head, []byte("<rss")) || bytes.Contains(head, []byte("<feed"))
}

func extractFeed(body []byte) (*Result, error) {
	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	var b strings.Builder
	b.WriteString(feed.Description)
	for i, item := range feed.Items {
		if i >= 20 {
			break
		}
		b.WriteString("\n")
		b.WriteString(item.Title)
		b.WriteString(". ")
		b.WriteString(item.Description)
	}
	return &Result{Title: feed.Title, Text: cleanText(b.String())}, nil
}

func extractHTML(u *url.URL, body []byte) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	title := extractTitle(doc)

	parser := readability.NewParser()
	article, err := parser.Parse(bytes.NewReader(body), u)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		if title == "" {
			title = strings.TrimSpace(article.Title)
		}
		return &Result{Title: title, Text: cleanText(article.TextContent)}, nil
	}

	// Readability gives up on sparse pages; fall back to paragraph text.
	text := cleanText(doc.Find("p").Text())
	if text == "" {
		text = cleanText(doc.Find("body").Text())
	}
	if text == "" {
		return nil, errors.New("no readable content")
	}
	return &Result{Title: title, Text: text}, nil
}

// extractTitle prefers social metadata over the document title, matching
// how pages describe themselves when shared.
func extractTitle(doc *goquery.Document) string {
	for _, sel := range []string{
		`meta[property="og:title"]`,
		`meta[name="twitter:title"]`,
	} {
		if v, ok := doc.Find(sel).Attr("content"); ok {
			if t := strings.TrimSpace(v); t != "" {
				return t
			}
		}
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func cleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
