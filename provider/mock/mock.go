// Package mock provides fake Provider and Transcriber implementations for
// testing.
package mock

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nivaro/creditgate"
)

// Provider is a mock completion provider.
type Provider struct {
	name         string
	latency      time.Duration
	callCount    atomic.Int64
	staticErr    error
	errSequence  []error
	text         string
	tokensIn     int64
	tokensOut    int64
	responseFunc func(creditgate.CompletionRequest) (creditgate.CompletionResult, error)
}

var _ creditgate.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:      "mock",
		text:      "Hello from mock provider",
		tokensIn:  10,
		tokensOut: 20,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithErrorSequence returns the given errors in order, one per call; a nil
// entry means that call succeeds. Calls past the end of the sequence succeed.
func WithErrorSequence(errs ...error) Option {
	return func(p *Provider) { p.errSequence = errs }
}

// WithText sets the text returned by the mock.
func WithText(text string) Option {
	return func(p *Provider) { p.text = text }
}

// WithUsage sets the token counts returned by the mock.
func WithUsage(tokensIn, tokensOut int64) Option {
	return func(p *Provider) {
		p.tokensIn = tokensIn
		p.tokensOut = tokensOut
	}
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(creditgate.CompletionRequest) (creditgate.CompletionResult, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Complete(ctx context.Context, req creditgate.CompletionRequest) (creditgate.CompletionResult, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return creditgate.CompletionResult{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return creditgate.CompletionResult{}, p.staticErr
	}

	if n := int(count) - 1; n < len(p.errSequence) && p.errSequence[n] != nil {
		return creditgate.CompletionResult{}, p.errSequence[n]
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	raw, _ := json.Marshal(map[string]string{"message": p.text})
	return creditgate.CompletionResult{
		Text:      p.text,
		Raw:       raw,
		Status:    200,
		TokensIn:  p.tokensIn,
		TokensOut: p.tokensOut,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// Transcriber is a mock speech-to-text adapter.
type Transcriber struct {
	name      string
	text      string
	err       error
	callCount atomic.Int64
}

var _ creditgate.Transcriber = (*Transcriber)(nil)

// TranscriberOption configures a mock Transcriber.
type TranscriberOption func(*Transcriber)

// WithTranscript sets the transcript returned by the mock.
func WithTranscript(text string) TranscriberOption {
	return func(t *Transcriber) { t.text = text }
}

// WithTranscribeError makes the transcriber always return this error.
func WithTranscribeError(err error) TranscriberOption {
	return func(t *Transcriber) { t.err = err }
}

// NewTranscriber creates a mock transcriber with the given options.
func NewTranscriber(opts ...TranscriberOption) *Transcriber {
	t := &Transcriber{
		name: "mock",
		text: "spent twelve dollars on coffee",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transcriber) Name() string { return t.name }

func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, filename, mimeType, language string) (string, error) {
	t.callCount.Add(1)
	if t.err != nil {
		return "", t.err
	}
	return t.text, nil
}

// TranscribeCount returns the number of calls made to the transcriber.
func (t *Transcriber) TranscribeCount() int64 { return t.callCount.Load() }
