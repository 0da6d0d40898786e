package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ArjanSingh1/ai-link-scraper/internal/model"
)

const defaultPageLimit = 200

// Slack fetches channel history through the Slack Web API
// (conversations.history with cursor pagination).
type Slack struct {
	client    HTTPClient
	token     string
	baseURL   string
	pageLimit int
}

// NewSlack creates a Slack source. baseURL is normally
// https://slack.com/api; tests point it at a local server.
func NewSlack(client HTTPClient, token, baseURL string) *Slack {
	return &Slack{
		client:    client,
		token:     token,
		baseURL:   strings.TrimRight(baseURL, "/"),
		pageLimit: defaultPageLimit,
	}
}

type historyResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	HasMore  bool   `json:"has_more"`
	Messages []struct {
		Type string `json:"type"`
		User string `json:"user"`
		Text string `json:"text"`
		TS   string `json:"ts"`
	} `json:"messages"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// FetchMessages returns the channel's messages with timestamps in
// [start, end), oldest first. Any transport or API failure wraps
// ErrUnavailable.
func (s *Slack) FetchMessages(ctx context.Context, channel string, start, end time.Time) ([]model.Message, error) {
	var out []model.Message
	cursor := ""

	for {
		page, err := s.fetchPage(ctx, channel, start, end, cursor)
		if err != nil {
			return nil, err
		}

		for _, m := range page.Messages {
			if m.Type != "message" || m.Text == "" {
				continue
			}
			ts, err := parseSlackTS(m.TS)
			if err != nil {
				continue
			}
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			out = append(out, model.Message{
				Channel:   channel,
				MessageID: m.TS,
				Author:    m.User,
				Text:      m.Text,
				Timestamp: ts,
			})
		}

		if !page.HasMore || page.ResponseMetadata.NextCursor == "" {
			break
		}
		cursor = page.ResponseMetadata.NextCursor
	}

	// The API returns newest first; callers want discovery order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Slack) fetchPage(ctx context.Context, channel string, start, end time.Time, cursor string) (*historyResponse, error) {
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("oldest", slackTS(start))
	q.Set("latest", slackTS(end))
	q.Set("inclusive", "true")
	q.Set("limit", strconv.Itoa(s.pageLimit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/conversations.history?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	var page historyResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if !page.OK {
		return nil, fmt.Errorf("%w: api error %q", ErrUnavailable, page.Error)
	}
	return &page, nil
}

func slackTS(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

func parseSlackTS(ts string) (time.Time, error) {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ts %q: %w", ts, err)
	}
	var usec int64
	if len(parts) == 2 {
		frac := parts[1]
		if len(frac) > 6 {
			frac = frac[:6]
		}
		for len(frac) < 6 {
			frac += "0"
		}
		usec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(sec, usec*1000).UTC(), nil
}
