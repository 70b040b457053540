// Package openrouter implements a Provider for OpenRouter and any other
// OpenAI-compatible chat completion API.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nivaro/creditgate"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Provider is an OpenAI-compatible chat completion adapter.
// Works with OpenRouter, OpenAI, Grok/xAI, Together, Ollama, and others.
type Provider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ creditgate.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithBaseURL points the adapter at another OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithName overrides the provider name recorded in the usage journal.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// New creates a new OpenRouter provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:       "openrouter",
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Complete sends one chat completion request. Retrying is the caller's
// concern; a single call maps to a single HTTP exchange.
func (p *Provider) Complete(ctx context.Context, req creditgate.CompletionRequest) (creditgate.CompletionResult, error) {
	body := apiRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, apiMessage{Role: "system", Content: req.SystemPrompt})
	}
	body.Messages = append(body.Messages, apiMessage{Role: "user", Content: req.UserPrompt})

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return creditgate.CompletionResult{}, fmt.Errorf("creditgate/openrouter: marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return creditgate.CompletionResult{}, fmt.Errorf("creditgate/openrouter: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return creditgate.CompletionResult{}, &creditgate.ProviderError{
			Err:      fmt.Errorf("%w: %v", creditgate.ErrProviderUnavailable, err),
			Provider: p.name,
		}
	}
	defer httpResp.Body.Close()

	if err := p.mapHTTPError(httpResp); err != nil {
		return creditgate.CompletionResult{}, err
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return creditgate.CompletionResult{}, fmt.Errorf("creditgate/openrouter: read response: %w", err)
	}

	text, ok := creditgate.ExtractText(raw)
	if !ok {
		return creditgate.CompletionResult{}, &creditgate.ProviderError{
			Err:      creditgate.ErrNoResponse,
			Provider: p.name,
			Status:   httpResp.StatusCode,
			Body:     truncate(string(raw), 1024),
		}
	}

	var usage struct {
		Usage apiUsage `json:"usage"`
	}
	_ = json.Unmarshal(raw, &usage)

	return creditgate.CompletionResult{
		Text:      text,
		Raw:       json.RawMessage(raw),
		Status:    httpResp.StatusCode,
		TokensIn:  usage.Usage.PromptTokens,
		TokensOut: usage.Usage.CompletionTokens,
	}, nil
}

func (p *Provider) mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	var sentinel error
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		sentinel = creditgate.ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		sentinel = creditgate.ErrAuthFailed
	case resp.StatusCode == http.StatusBadRequest:
		sentinel = creditgate.ErrInvalidRequest
	default:
		sentinel = creditgate.ErrProviderUnavailable
	}

	return &creditgate.ProviderError{
		Err:        sentinel,
		Provider:   p.name,
		Status:     resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Body:       string(body),
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
