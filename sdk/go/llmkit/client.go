// Package llmkit is a small client for the llmkit HTTP server.
package llmkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Provider calls can be slow, so it is longer than a typical API timeout.
const DefaultHTTPTimeout = 90 * time.Second

// Client wraps the HTTP interactions with an llmkit server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Message is a single chat message for advanced-mode cases.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries optional generation parameters. Nil fields are not sent.
type Options struct {
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// Case is the provider-agnostic request accepted by POST /v1/run.
type Case struct {
	ID           string    `json:"id,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	UserPrompt   string    `json:"user_prompt,omitempty"`
	RAGID        string    `json:"rag_id,omitempty"`
	RAGText      string    `json:"rag_text,omitempty"`
	ReturnJSON   bool      `json:"return_json,omitempty"`
	Strict       bool      `json:"strict,omitempty"`
	Options      *Options  `json:"options,omitempty"`
	Messages     []Message `json:"messages,omitempty"`
}

// View is the normalized provider response.
type View struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Text     string          `json:"text"`
	JSON     json.RawMessage `json:"json"`
	Meta     struct {
		ReturnJSON   bool   `json:"return_json"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"meta"`
}

// StepError describes the fatal error recorded in Meta.
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
	Body    string `json:"body,omitempty"`
}

// Meta is the subset of the trace metadata most callers need.
type Meta struct {
	RequestID  string     `json:"request_id"`
	CaseID     string     `json:"case_id,omitempty"`
	Provider   string     `json:"provider"`
	Model      string     `json:"model"`
	Steps      []string   `json:"steps"`
	TotalMS    float64    `json:"total_ms"`
	StatusCode int        `json:"status_code,omitempty"`
	ErrorAt    string     `json:"error_at,omitempty"`
	Error      *StepError `json:"error,omitempty"`
}

// Envelope is the result of a single run.
type Envelope struct {
	Raw        json.RawMessage `json:"raw"`
	View       *View           `json:"view"`
	ParseError *string         `json:"parse_error"`
	Meta       Meta            `json:"meta"`
}

// Failed reports whether the run stopped at a pipeline step.
func (e Envelope) Failed() bool { return e.Meta.ErrorAt != "" }

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Envelope   *Envelope
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Envelope != nil && e.Envelope.Meta.Error != nil {
		return fmt.Sprintf("llmkit api error (%d): %s - %s", e.StatusCode, e.Envelope.Meta.Error.Code, e.Envelope.Meta.Error.Message)
	}
	return fmt.Sprintf("llmkit api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for an llmkit server. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Run submits a case and returns its envelope. A failed pipeline step is not
// an error: inspect Envelope.Failed.
func (c *Client) Run(ctx context.Context, in Case) (Envelope, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode case: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/run", bytes.NewReader(body))
	if err != nil {
		return Envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var env Envelope
	if err := c.do(req, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
		var env Envelope
		if json.Unmarshal(data, &env) == nil && env.Meta.Error != nil {
			apiErr.Envelope = &env
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
