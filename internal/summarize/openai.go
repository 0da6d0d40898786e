package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const systemPrompt = "You are a helpful assistant that creates very concise, punchy summaries. " +
	"Keep summaries to 2-3 complete sentences maximum. Always end with a complete sentence - " +
	"never use ellipses (...) or trailing off. Focus only on the most important insight or takeaway."

// OpenAI calls an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client        HTTPClient
	apiKey        string
	baseURL       string
	model         string
	maxSummaryLen int
}

var _ Summarizer = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI summarizer. baseURL is normally
// https://api.openai.com/v1; tests and local models point it elsewhere.
func NewOpenAI(client HTTPClient, apiKey, baseURL, model string, maxSummaryLen int) *OpenAI {
	return &OpenAI{
		client:        client,
		apiKey:        apiKey,
		baseURL:       strings.TrimRight(baseURL, "/"),
		model:         model,
		maxSummaryLen: maxSummaryLen,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Summarize asks the model for a 2-3 sentence summary of the content.
func (o *OpenAI) Summarize(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(req)},
		},
		MaxTokens:   160,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call summarizer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summarizer status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("summarizer error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("summarizer returned no choices")
	}

	summary := EnsureCompleteSentences(parsed.Choices[0].Message.Content)
	if o.maxSummaryLen > 0 && len(summary) > o.maxSummaryLen {
		summary = TruncateSummary(summary, o.maxSummaryLen)
	}
	return summary, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	if req.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", req.URL)
	}
	if req.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", req.Title)
	}
	b.WriteString("Please provide a very brief summary in 2-3 sentences maximum.\n")
	b.WriteString("Focus only on the most important insight or takeaway.\n\n")
	b.WriteString("Content:\n")
	b.WriteString(req.Content)
	b.WriteString("\n\nSummary:")
	return b.String()
}
