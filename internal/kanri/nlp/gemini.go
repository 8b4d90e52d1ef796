package nlp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// geminiBackend implements Backend with Google's Gemini API.
type geminiBackend struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	config  *genai.GenerateContentConfig
}

// NewGemini returns a Backend backed by Gemini. cfg.APIKey is required;
// cfg.BaseURL, when set, overrides the API endpoint. Every call is bounded
// by cfg.Timeout, 30 s by default.
func NewGemini(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("nlp: gemini backend requires an API key")
	}
	catalogue := cfg.Catalogue
	if catalogue == nil {
		catalogue = DefaultCatalogue()
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("nlp: create gemini client: %w", err)
	}

	return &geminiBackend{
		client:  client,
		model:   model,
		timeout: timeout,
		config: &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(SystemPrompt(catalogue), genai.RoleUser),
			ResponseMIMEType:  "application/json",
		},
	}, nil
}

// Complete sends one GenerateContent request.
func (b *geminiBackend) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.client.Models.GenerateContent(ctx, b.model, genai.Text(UserMessage(req)), b.config)
	if err != nil {
		if isGeminiRateLimit(err) {
			return "", ErrRateLimit
		}
		return "", fmt.Errorf("nlp: gemini generate: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrNoAnswer
	}
	return text, nil
}

func isGeminiRateLimit(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests
	}
	var apiErrPtr *genai.APIError
	return errors.As(err, &apiErrPtr) && apiErrPtr.Code == http.StatusTooManyRequests
}
