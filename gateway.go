package creditgate

import (
	"context"
	"time"
)

// Gateway turns one user message into model-generated text, retrying
// transient provider failures with exponential backoff.
type Gateway struct {
	provider     Provider
	model        string
	systemPrompt string
	maxAttempts  int
	baseBackoff  time.Duration
	sleep        func(context.Context, time.Duration) error
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithMaxAttempts bounds provider calls per message (default 3). A
// pipeline replaces this with Config.MaxAttempts for its own calls.
func WithMaxAttempts(n int) GatewayOption {
	return func(g *Gateway) { g.maxAttempts = n }
}

// WithBackoff sets the initial retry delay (default 500ms). The delay
// doubles per attempt. A pipeline replaces this with Config.BackoffMillis
// for its own calls.
func WithBackoff(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.baseBackoff = d }
}

// WithSystemPrompt sets the system prompt sent with every completion.
func WithSystemPrompt(prompt string) GatewayOption {
	return func(g *Gateway) { g.systemPrompt = prompt }
}

// WithSleeper overrides the backoff sleeper.
func WithSleeper(fn func(context.Context, time.Duration) error) GatewayOption {
	return func(g *Gateway) { g.sleep = fn }
}

// NewGateway creates a Gateway for the given provider and model.
func NewGateway(p Provider, model string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		provider:    p,
		model:       model,
		maxAttempts: 3,
		baseBackoff: 500 * time.Millisecond,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Provider returns the adapter behind the gateway.
func (g *Gateway) Provider() Provider { return g.provider }

// Model returns the model identifier sent with every completion.
func (g *Gateway) Model() string { return g.model }

// Complete performs one chat completion with retries. Only rate limits
// (429), 5xx responses, and transport failures are retried; anything else
// returns immediately. The returned result carries the number of attempts
// made; on exhaustion the last provider error is returned.
func (g *Gateway) Complete(ctx context.Context, userPrompt string) (CompletionResult, error) {
	req := CompletionRequest{
		Model:        g.model,
		SystemPrompt: g.systemPrompt,
		UserPrompt:   userPrompt,
	}

	state := attempting(1)
	var lastErr error

	for {
		res, err := g.provider.Complete(ctx, req)
		if err == nil {
			res.Attempts = state.attempt
			return res, nil
		}
		lastErr = err

		state = state.next(err, g.maxAttempts, g.baseBackoff)
		if state.done {
			break
		}

		if err := g.sleep(ctx, state.delay); err != nil {
			return CompletionResult{}, err
		}
	}

	return CompletionResult{Attempts: state.attempt}, lastErr
}

// retryState makes the retry/stop decision table explicit: the loop is
// either Attempting(n) with a pending delay, or done with the last error.
type retryState struct {
	attempt int
	delay   time.Duration
	done    bool
}

func attempting(n int) retryState {
	return retryState{attempt: n}
}

// next decides the transition after a failed attempt. Non-retryable errors
// and exhausted budgets stop; otherwise the next state waits for the
// exponential delay, stretched to the provider's Retry-After when that is
// longer.
func (s retryState) next(err error, maxAttempts int, base time.Duration) retryState {
	if !IsRetryable(err) || s.attempt >= maxAttempts {
		return retryState{attempt: s.attempt, done: true}
	}

	delay := base << (s.attempt - 1)
	if hint := RetryAfterHint(err); hint > delay {
		delay = hint
	}

	return retryState{attempt: s.attempt + 1, delay: delay}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
