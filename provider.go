package creditgate

import (
	"context"
	"encoding/json"
)

// Provider is the interface that LLM provider adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openrouter", "gemini").
	Name() string

	// Complete performs a single synchronous chat completion. Failures are
	// reported as *ProviderError so the gateway can decide retryability.
	// A response without extractable text is an ErrNoResponse failure, not
	// a success with an empty Text.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

// CompletionRequest is one chat completion sent to a provider adapter.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string

	Temperature *float64
	MaxTokens   *int
}

// CompletionResult is a successful provider response.
type CompletionResult struct {
	// Text is the extracted assistant text. Never empty on success.
	Text string

	// Raw is the unmodified provider response body, journaled for audit.
	Raw json.RawMessage

	// Status is the HTTP status of the response.
	Status int

	// Token counts as reported by the provider; 0 when not reported.
	TokensIn  int64
	TokensOut int64

	// Attempts is filled by the gateway with the number of calls made.
	Attempts int
}

// Transcriber converts an audio blob to text. Transcription is a one-shot
// call with no retry loop.
type Transcriber interface {
	// Name returns the transcription provider identifier.
	Name() string

	// Transcribe returns the recognized text for the audio payload.
	Transcribe(ctx context.Context, audio []byte, filename, mimeType, language string) (string, error)
}
