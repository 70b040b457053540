// Package creditgate meters AI provider usage against per-user credit
// balances. It combines a credit ledger, an append-only usage journal, an
// idempotency/dedup guard, and a retrying provider gateway into a single
// request pipeline with all-or-nothing charging.
package creditgate

import (
	"encoding/json"
	"time"
)

// Request is one inbound AI request: one or more messages charged as a unit.
type Request struct {
	// Messages are the user prompts, one provider call each. Must be non-empty.
	Messages []string

	// RequestType labels the usage record (e.g. "advice"). Defaults to "advice".
	RequestType string

	// IdempotencyKey is an opaque client-supplied token. When a prior usage
	// record for the same user carries this key, its output is replayed
	// without a new provider call or charge.
	IdempotencyKey string
}

// Result is the outcome of a processed request.
type Result struct {
	// Texts holds one response per message, in request order.
	Texts []string

	// Replayed is true when the result was served from the usage journal
	// (idempotency or dedup hit). No credits were charged.
	Replayed bool

	// CreditsCharged is the number of credits debited (0 when Replayed).
	CreditsCharged int64

	// BalanceAfter is the credit balance after charging. Only meaningful
	// when CreditsCharged > 0.
	BalanceAfter int64
}

// UsageRecord is one journal entry for a charged provider call.
// Records are immutable once written.
type UsageRecord struct {
	ID             string
	UserID         string
	Provider       string
	RequestType    string
	Model          string
	TokensIn       int64
	TokensOut      int64
	TokensTotal    int64
	CreditsCharged int64
	InputText      string
	IdempotencyKey string
	OutputText     string
	OutputRaw      json.RawMessage
	CreatedAt      time.Time
}

// CreditTransaction is one ledger entry describing a balance change.
type CreditTransaction struct {
	ID           string
	UserID       string
	Delta        int64
	BalanceAfter int64
	Reason       string
	Source       string
	CreatedAt    time.Time
}

// Reason codes for credit transactions.
const (
	ReasonRequest = "ai_request"
	ReasonBatch   = "ai_request_batch"
	ReasonVoice   = "voice_transaction"
	ReasonGrant   = "grant"
)

// DefaultRequestType is used when a request does not label itself.
const DefaultRequestType = "advice"

// FallbackText is returned when a stored output yields no recognizable text.
const FallbackText = "No response was received from the assistant."
