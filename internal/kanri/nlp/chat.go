package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Kanri/common/version"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 4 << 20
)

// Config configures the OpenAI-compatible backends.
type Config struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint (Azure OpenAI, a local model
	// server or any other compatible endpoint). Defaults to
	// https://api.openai.com/v1.
	BaseURL string

	// Model is the chat model. Defaults to gpt-4o-mini.
	Model string

	// AssistantID selects the assistant used by the assistants backend.
	AssistantID string

	// Timeout is the HTTP request timeout. Defaults to 30 s.
	Timeout time.Duration

	// Catalogue overrides the action catalogue in the system prompt.
	Catalogue Catalogue

	// PollTimeout bounds how long the assistants backend waits for a run.
	// Defaults to 30 s.
	PollTimeout time.Duration

	// PollInitialDelay and PollMaxDelay shape the run polling backoff.
	// Default to 500 ms doubling up to 5 s.
	PollInitialDelay time.Duration
	PollMaxDelay     time.Duration
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 30 * time.Second
	}
	if c.PollInitialDelay == 0 {
		c.PollInitialDelay = 500 * time.Millisecond
	}
	if c.PollMaxDelay == 0 {
		c.PollMaxDelay = 5 * time.Second
	}
	if c.Catalogue == nil {
		c.Catalogue = DefaultCatalogue()
	}
}

// chatBackend implements Backend with the chat completions API in JSON
// mode.
type chatBackend struct {
	cfg    Config
	system string
	client *http.Client
}

// NewChat returns a Backend backed by the OpenAI (or compatible) chat API.
func NewChat(cfg Config) Backend {
	cfg.setDefaults()
	return &chatBackend{
		cfg:    cfg,
		system: SystemPrompt(cfg.Catalogue),
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal OpenAI wire types ---

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model          string       `json:"model"`
	Messages       []oaiMessage `json:"messages"`
	MaxTokens      int          `json:"max_tokens,omitempty"`
	ResponseFormat *oaiFormat   `json:"response_format,omitempty"`
}

type oaiFormat struct {
	Type string `json:"type"` // "json_object"
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Error   *oaiError   `json:"error,omitempty"`
}

type oaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

// Complete sends the message to the chat completions endpoint.
func (b *chatBackend) Complete(ctx context.Context, req Request) (string, error) {
	body := oaiRequest{
		Model: b.cfg.Model,
		Messages: []oaiMessage{
			{Role: "system", Content: b.system},
			{Role: "user", Content: UserMessage(req)},
		},
		MaxTokens:      512,
		ResponseFormat: &oaiFormat{Type: "json_object"},
	}

	var out oaiResponse
	status, err := doJSON(ctx, b.client, http.MethodPost, b.cfg.BaseURL+"/chat/completions", b.cfg.APIKey, nil, body, &out)
	if err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", fmt.Errorf("nlp: API error (%s): %s", out.Error.Type, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("nlp: no choices returned (HTTP %d): %w", status, ErrNoAnswer)
	}
	content := out.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", ErrNoAnswer
	}
	return content, nil
}

// doJSON performs one JSON request against an OpenAI-style API and decodes
// the response into out. 429 maps to ErrRateLimit; other non-2xx statuses
// are returned as errors that include the API's error message when present.
func doJSON(ctx context.Context, client *http.Client, method, url, apiKey string, headers map[string]string, in, out any) (int, error) {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("nlp: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return 0, fmt.Errorf("nlp: create http request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("User-Agent", version.UserAgent())
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("nlp: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("nlp: read response body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, ErrRateLimit
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e oaiResponse
		if json.Unmarshal(respBody, &e) == nil && e.Error != nil {
			return resp.StatusCode, &StatusError{Code: resp.StatusCode, Message: e.Error.Message}
		}
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("nlp: decode API response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nlp: HTTP %d: %.200s", e.Code, e.Message)
}
