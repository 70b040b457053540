package creditgate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPersistence marks a charge that could not be committed after the
// provider already produced text. The pipeline result still carries the
// texts so callers can surface them; no credits were charged.
var ErrPersistence = errors.New("creditgate: usage could not be persisted")

// Pipeline runs the per-request state machine: daily quota, idempotency and
// dedup lookups, balance check, sequential provider fan-out, and the
// all-or-nothing atomic charge.
type Pipeline struct {
	cfg     Config
	store   Store
	gateway *Gateway
	meter   Meter
	counter DailyCounter
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(p *Pipeline) { p.meter = m }
}

// WithDailyCounter overrides the daily-quota source. Without it the daily
// check sums the usage journal through the ledger.
func WithDailyCounter(c DailyCounter) Option {
	return func(p *Pipeline) { p.counter = c }
}

// New creates a Pipeline with the given config, store, and gateway.
func New(cfg Config, store Store, gateway *Gateway, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("creditgate: a store is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("creditgate: a gateway is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Retry pacing comes from the config. The pipeline works on its own
	// copy so a gateway shared with other callers keeps its settings.
	gw := *gateway
	gw.maxAttempts = cfg.MaxAttempts
	gw.baseBackoff = cfg.Backoff()

	p := &Pipeline{
		cfg:     cfg,
		store:   store,
		gateway: &gw,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.meter == nil {
		p.meter = noopMeter{}
	}

	return p, nil
}

// Process runs one request through the pipeline. All messages in the
// request are charged as one unit: if any provider call fails, nothing is
// journaled and nothing is charged.
func (p *Pipeline) Process(ctx context.Context, userID string, req Request) (Result, error) {
	start := time.Now()
	res, err := p.process(ctx, userID, req)

	p.meter.OnRequest(RequestEvent{
		UserID:      userID,
		RequestType: requestType(req),
		Messages:    len(req.Messages),
		Replayed:    res.Replayed,
		Success:     err == nil,
		Duration:    time.Since(start),
		Error:       err,
	})

	return res, err
}

func (p *Pipeline) process(ctx context.Context, userID string, req Request) (Result, error) {
	if len(req.Messages) == 0 {
		return Result{}, fmt.Errorf("%w: at least one message is required", ErrInvalidRequest)
	}
	for i, m := range req.Messages {
		if m == "" {
			return Result{}, fmt.Errorf("%w: message %d is empty", ErrInvalidRequest, i+1)
		}
	}

	// Daily quota. Independent of the standing balance; checked first so a
	// capped user is rejected before any lookup or provider work.
	if p.cfg.DailyLimit > 0 {
		used, err := p.usedToday(ctx, userID)
		if err != nil {
			return Result{}, fmt.Errorf("creditgate: daily usage check: %w", err)
		}
		if used >= p.cfg.DailyLimit {
			return Result{}, fmt.Errorf("%w: limit %d", ErrDailyLimitExceeded, p.cfg.DailyLimit)
		}
	}

	// Idempotency replay. Lookup failures degrade to a miss; a broken guard
	// must not fail an otherwise valid request.
	if req.IdempotencyKey != "" {
		if rec, err := p.store.LookupByKey(ctx, userID, req.IdempotencyKey); err == nil && rec != nil {
			return Result{Texts: []string{ReplayText(rec)}, Replayed: true}, nil
		}
	}

	// Keyless dedup for single messages: byte-identical input within the
	// trailing window replays without re-charging.
	if req.IdempotencyKey == "" && len(req.Messages) == 1 && p.cfg.DedupWindow() > 0 {
		if rec, err := p.store.LookupRecent(ctx, userID, req.Messages[0], p.cfg.DedupWindow()); err == nil && rec != nil {
			return Result{Texts: []string{ReplayText(rec)}, Replayed: true}, nil
		}
	}

	// Balance pre-check. The authoritative check is re-run inside Charge;
	// this one rejects before any provider call is paid for.
	credits := int64(len(req.Messages))
	balance, err := p.store.Balance(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if balance < credits {
		return Result{}, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientCredits, balance, credits)
	}

	// Sequential fan-out, one provider call per message.
	results := make([]CompletionResult, 0, len(req.Messages))
	for i, msg := range req.Messages {
		callStart := time.Now()
		res, err := p.gateway.Complete(ctx, msg)

		p.meter.OnProviderCall(ProviderCallEvent{
			Provider: p.gateway.Provider().Name(),
			Model:    p.gateway.Model(),
			Attempts: res.Attempts,
			Status:   providerStatus(res, err),
			Success:  err == nil,
			Duration: time.Since(callStart),
			Error:    err,
		})

		if err != nil {
			// All-or-nothing: one failed message aborts the whole batch
			// before anything is journaled or charged.
			return Result{}, fmt.Errorf("creditgate: message %d of %d: %w", i+1, len(req.Messages), err)
		}
		results = append(results, res)
	}

	records := p.buildRecords(userID, req, results)

	reason := ReasonRequest
	if credits > 1 {
		reason = ReasonBatch
	}

	newBalance, err := p.store.Charge(ctx, ChargeRequest{
		UserID:  userID,
		Credits: credits,
		Reason:  reason,
		Source:  p.gateway.Provider().Name(),
		Records: records,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) || errors.Is(err, ErrUserNotFound) {
			return Result{}, err
		}
		// The text exists but could not be journaled. Return it uncharged
		// rather than losing user-visible output.
		return Result{Texts: texts(results)}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	p.meter.OnCharge(ChargeEvent{
		UserID:       userID,
		Delta:        -credits,
		BalanceAfter: newBalance,
		Reason:       reason,
	})

	if p.counter != nil {
		// Best effort; the journal remains the source of truth.
		_ = p.counter.Add(ctx, userID, credits)
	}

	return Result{
		Texts:          texts(results),
		CreditsCharged: credits,
		BalanceAfter:   newBalance,
	}, nil
}

func (p *Pipeline) usedToday(ctx context.Context, userID string) (int64, error) {
	if p.counter != nil {
		return p.counter.UsedToday(ctx, userID)
	}
	return p.store.UsedToday(ctx, userID)
}

func (p *Pipeline) buildRecords(userID string, req Request, results []CompletionResult) []UsageRecord {
	records := make([]UsageRecord, len(results))
	for i, res := range results {
		tokensIn := res.TokensIn
		if tokensIn == 0 {
			tokensIn = EstimateTokens(req.Messages[i])
		}
		tokensOut := res.TokensOut
		if tokensOut == 0 {
			tokensOut = EstimateTokens(res.Text)
		}

		records[i] = UsageRecord{
			UserID:         userID,
			Provider:       p.gateway.Provider().Name(),
			RequestType:    requestType(req),
			Model:          p.gateway.Model(),
			TokensIn:       tokensIn,
			TokensOut:      tokensOut,
			TokensTotal:    tokensIn + tokensOut,
			CreditsCharged: 1,
			InputText:      req.Messages[i],
			IdempotencyKey: req.IdempotencyKey,
			OutputText:     res.Text,
			OutputRaw:      res.Raw,
		}
	}
	return records
}

func requestType(req Request) string {
	if req.RequestType == "" {
		return DefaultRequestType
	}
	return req.RequestType
}

func providerStatus(res CompletionResult, err error) int {
	if err == nil {
		return res.Status
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 0
}

func texts(results []CompletionResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Text
	}
	return out
}
