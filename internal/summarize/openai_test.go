package summarize

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

type mockClient struct {
	fn func(req *http.Request) (*http.Response, error)
}

func (m *mockClient) Do(req *http.Request) (*http.Response, error) {
	return m.fn(req)
}

func chatReply(content string) *http.Response {
	body := `{"choices":[{"message":{"role":"assistant","content":` + mustJSON(content) + `}}]}`
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestOpenAISummarize(t *testing.T) {
	var gotReq *http.Request
	var gotBody chatRequest

	client := &mockClient{fn: func(req *http.Request) (*http.Response, error) {
		gotReq = req
		raw, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(raw, &gotBody)
		return chatReply("The post explains Go error wrapping. It recommends %w everywhere."), nil
	}}

	o := NewOpenAI(client, "sk-test", "https://api.openai.com/v1/", "gpt-4o-mini", 500)
	got, err := o.Summarize(context.Background(), Request{
		URL:     "https://example.com/post",
		Title:   "Error wrapping",
		Content: "Long extracted article text.",
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	want := "The post explains Go error wrapping. It recommends %w everywhere."
	if got != want {
		t.Errorf("summary = %q, want %q", got, want)
	}

	if gotReq.URL.String() != "https://api.openai.com/v1/chat/completions" {
		t.Errorf("url = %s", gotReq.URL)
	}
	if auth := gotReq.Header.Get("Authorization"); auth != "Bearer sk-test" {
		t.Errorf("authorization = %q", auth)
	}
	if gotBody.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", gotBody.Model)
	}
	if len(gotBody.Messages) != 2 || gotBody.Messages[0].Role != "system" {
		t.Errorf("unexpected messages: %+v", gotBody.Messages)
	}
	if !strings.Contains(gotBody.Messages[1].Content, "https://example.com/post") {
		t.Error("prompt missing the URL")
	}
}

func TestOpenAISummarizeStripsEllipsis(t *testing.T) {
	client := &mockClient{fn: func(*http.Request) (*http.Response, error) {
		return chatReply("The summary starts strong. Then it trails off into..."), nil
	}}

	o := NewOpenAI(client, "sk-test", "https://api.openai.com/v1", "gpt-4o-mini", 500)
	got, err := o.Summarize(context.Background(), Request{Content: "text"})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got != "The summary starts strong." {
		t.Errorf("summary = %q, ellipsis not cleaned up", got)
	}
}

func TestOpenAISummarizeErrors(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
	}{
		{
			name: "http error status",
			resp: &http.Response{
				StatusCode: http.StatusTooManyRequests,
				Body:       io.NopCloser(strings.NewReader(`{"error":{"message":"rate limited"}}`)),
			},
		},
		{
			name: "api error payload",
			resp: &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"error":{"message":"model overloaded"}}`)),
			},
		},
		{
			name: "no choices",
			resp: &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"choices":[]}`)),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockClient{fn: func(*http.Request) (*http.Response, error) {
				return tt.resp, nil
			}}
			o := NewOpenAI(client, "sk-test", "https://api.openai.com/v1", "gpt-4o-mini", 500)
			if _, err := o.Summarize(context.Background(), Request{Content: "text"}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestOpenAISummarizeTruncates(t *testing.T) {
	long := strings.Repeat("This sentence keeps the summary going and going. ", 10)
	client := &mockClient{fn: func(*http.Request) (*http.Response, error) {
		return chatReply(strings.TrimSpace(long)), nil
	}}

	o := NewOpenAI(client, "sk-test", "https://api.openai.com/v1", "gpt-4o-mini", 120)
	got, err := o.Summarize(context.Background(), Request{Content: "text"})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(got) > 120 {
		t.Errorf("summary length = %d, want <= 120", len(got))
	}
	if !strings.HasSuffix(got, ".") {
		t.Errorf("truncated summary %q does not end a sentence", got)
	}
}
