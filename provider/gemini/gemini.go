// Package gemini implements a Provider and Transcriber on the Gemini API.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nivaro/creditgate"
)

const (
	defaultBaseURL            = "https://generativelanguage.googleapis.com/v1beta"
	defaultTranscriptionModel = "gemini-2.0-flash"
)

// Provider is the Gemini API adapter. It satisfies both the completion and
// the transcription interface; Gemini takes audio as inline request parts,
// so transcription is a generateContent call like any other.
type Provider struct {
	baseURL         string
	apiKey          string
	httpClient      *http.Client
	transcribeModel string
}

var (
	_ creditgate.Provider    = (*Provider)(nil)
	_ creditgate.Transcriber = (*Provider)(nil)
)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithTranscriptionModel sets the model used by Transcribe.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcribeModel = model }
}

// New creates a new Gemini provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		baseURL:         defaultBaseURL,
		apiKey:          apiKey,
		httpClient:      http.DefaultClient,
		transcribeModel: defaultTranscriptionModel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "gemini" }

// Gemini API types.
type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Complete sends one generateContent request.
func (p *Provider) Complete(ctx context.Context, req creditgate.CompletionRequest) (creditgate.CompletionResult, error) {
	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.UserPrompt}}},
		},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		body.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	raw, status, err := p.generate(ctx, req.Model, body)
	if err != nil {
		return creditgate.CompletionResult{}, err
	}

	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return creditgate.CompletionResult{}, fmt.Errorf("creditgate/gemini: decode response: %w", err)
	}

	text := candidateText(resp)
	if text == "" {
		return creditgate.CompletionResult{}, &creditgate.ProviderError{
			Err:      creditgate.ErrNoResponse,
			Provider: p.Name(),
			Status:   status,
		}
	}

	return creditgate.CompletionResult{
		Text:      text,
		Raw:       json.RawMessage(raw),
		Status:    status,
		TokensIn:  resp.UsageMetadata.PromptTokenCount,
		TokensOut: resp.UsageMetadata.CandidatesTokenCount,
	}, nil
}

// Transcribe sends the audio inline and asks for a verbatim transcript.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, filename, mimeType, language string) (string, error) {
	if mimeType == "" {
		mimeType = mimeFromFilename(filename)
	}
	prompt := "Transcribe this audio verbatim. Return only the spoken words, nothing else."
	if language != "" {
		prompt = fmt.Sprintf("Transcribe this audio verbatim. The speech is in %q. Return only the spoken words, nothing else.", language)
	}

	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{
				{Text: prompt},
				{InlineData: &geminiInlineData{
					MimeType: mimeType,
					Data:     base64.StdEncoding.EncodeToString(audio),
				}},
			}},
		},
	}

	raw, _, err := p.generate(ctx, p.transcribeModel, body)
	if err != nil {
		return "", err
	}

	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("creditgate/gemini: decode transcription: %w", err)
	}
	return candidateText(resp), nil
}

func (p *Provider) generate(ctx context.Context, model string, body geminiRequest) ([]byte, int, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("creditgate/gemini: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, 0, fmt.Errorf("creditgate/gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, &creditgate.ProviderError{
			Err:      fmt.Errorf("%w: %v", creditgate.ErrProviderUnavailable, err),
			Provider: p.Name(),
		}
	}
	defer httpResp.Body.Close()

	if err := p.mapHTTPError(httpResp); err != nil {
		return nil, 0, err
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("creditgate/gemini: read response: %w", err)
	}
	return raw, httpResp.StatusCode, nil
}

func (p *Provider) mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

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
		Provider:   p.Name(),
		Status:     resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Body:       string(body),
	}
}

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

func candidateText(resp geminiResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return strings.TrimSpace(sb.String())
}

func mimeFromFilename(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(filename, ".mp3"):
		return "audio/mp3"
	case strings.HasSuffix(filename, ".ogg"):
		return "audio/ogg"
	case strings.HasSuffix(filename, ".m4a"):
		return "audio/mp4"
	case strings.HasSuffix(filename, ".webm"):
		return "audio/webm"
	default:
		return "audio/ogg"
	}
}
