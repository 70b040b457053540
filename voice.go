package creditgate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// defaultVoicePrompt asks the model for a strict JSON transaction.
const defaultVoicePrompt = `You are an assistant that processes spoken financial transactions.
The user says one sentence and you extract:
- type: "expense" or "income"
- amount: the numeric amount, digits only
- description: a short description of the transaction
- categoryName: the best matching category name

Rules:
1. Words like "spent", "bought", "paid" mean type "expense".
2. Words like "earned", "received", "got paid" mean type "income".
3. When unsure, default to "expense".
4. The amount must be a positive decimal number.
Respond ONLY with valid JSON, no explanations:
{"type":"expense","amount":0.00,"description":"...","categoryName":"..."}`

// ParsedTransaction is the structured result of a voice transaction.
type ParsedTransaction struct {
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	CategoryName string          `json:"categoryName"`
}

// VoiceResult is the outcome of a processed voice transaction.
type VoiceResult struct {
	Transcription  string
	Parsed         ParsedTransaction
	CreditsCharged int64
	BalanceAfter   int64
}

// VoicePipeline turns an audio blob into a structured transaction:
// transcription, structured extraction through the gateway, and one atomic
// charge covering both steps. Transcription is a one-shot call; only the
// extraction step goes through the gateway's retry loop.
type VoicePipeline struct {
	cfg         Config
	store       Store
	extract     *Gateway
	transcriber Transcriber
	meter       Meter
}

// VoiceOption configures a VoicePipeline.
type VoiceOption func(*VoicePipeline)

// WithVoiceMeter sets the Meter notified of extraction calls and charges.
func WithVoiceMeter(m Meter) VoiceOption {
	return func(v *VoicePipeline) { v.meter = m }
}

// NewVoicePipeline creates a VoicePipeline.
func NewVoicePipeline(cfg Config, store Store, gateway *Gateway, tr Transcriber, opts ...VoiceOption) (*VoicePipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("creditgate: a store is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("creditgate: a gateway is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("creditgate: a transcriber is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// The extraction step reuses the gateway's provider with the voice
	// prompt, the configured retry pacing, and, when set, the voice
	// extraction model.
	model := cfg.Voice.Model
	if model == "" {
		model = gateway.Model()
	}
	extract := NewGateway(gateway.Provider(), model,
		WithSystemPrompt(defaultVoicePrompt),
		WithMaxAttempts(cfg.MaxAttempts),
		WithBackoff(cfg.Backoff()),
		WithSleeper(gateway.sleep),
	)

	v := &VoicePipeline{
		cfg:         cfg,
		store:       store,
		extract:     extract,
		transcriber: tr,
		meter:       noopMeter{},
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.meter == nil {
		v.meter = noopMeter{}
	}
	return v, nil
}

// Process transcribes the audio, extracts a structured transaction, and
// charges the configured credit cost as one atomic unit. On any failure
// before the commit, nothing is journaled and nothing is charged.
func (v *VoicePipeline) Process(ctx context.Context, userID string, audio []byte, filename, mimeType string) (VoiceResult, error) {
	if len(audio) == 0 {
		return VoiceResult{}, fmt.Errorf("%w: audio payload is empty", ErrInvalidRequest)
	}

	credits := v.cfg.Voice.CreditCost

	balance, err := v.store.Balance(ctx, userID)
	if err != nil {
		return VoiceResult{}, err
	}
	if balance < credits {
		return VoiceResult{}, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientCredits, balance, credits)
	}

	transcription, err := v.transcriber.Transcribe(ctx, audio, filename, mimeType, v.cfg.Voice.Language)
	if err != nil {
		return VoiceResult{}, fmt.Errorf("creditgate: transcription: %w", err)
	}
	transcription = strings.TrimSpace(transcription)
	if transcription == "" {
		return VoiceResult{}, ErrEmptyTranscription
	}

	callStart := time.Now()
	completion, err := v.extract.Complete(ctx, transcription)

	v.meter.OnProviderCall(ProviderCallEvent{
		Provider: v.extract.Provider().Name(),
		Model:    v.extract.Model(),
		Attempts: completion.Attempts,
		Status:   providerStatus(completion, err),
		Success:  err == nil,
		Duration: time.Since(callStart),
		Error:    err,
	})

	if err != nil {
		return VoiceResult{}, fmt.Errorf("creditgate: extraction: %w", err)
	}

	parsed, err := ParseTransaction(completion.Text)
	if err != nil {
		return VoiceResult{}, err
	}

	tokensIn := completion.TokensIn
	if tokensIn == 0 {
		tokensIn = EstimateTokens(transcription)
	}
	tokensOut := completion.TokensOut
	if tokensOut == 0 {
		tokensOut = EstimateTokens(completion.Text)
	}

	newBalance, err := v.store.Charge(ctx, ChargeRequest{
		UserID:  userID,
		Credits: credits,
		Reason:  ReasonVoice,
		Source:  v.transcriber.Name(),
		Records: []UsageRecord{{
			UserID:         userID,
			Provider:       v.extract.Provider().Name(),
			RequestType:    "voice",
			Model:          v.extract.Model(),
			TokensIn:       tokensIn,
			TokensOut:      tokensOut,
			TokensTotal:    tokensIn + tokensOut,
			CreditsCharged: credits,
			InputText:      transcription,
			OutputText:     completion.Text,
			OutputRaw:      completion.Raw,
		}},
	})
	if err != nil {
		return VoiceResult{}, err
	}

	v.meter.OnCharge(ChargeEvent{
		UserID:       userID,
		Delta:        -credits,
		BalanceAfter: newBalance,
		Reason:       ReasonVoice,
	})

	return VoiceResult{
		Transcription:  transcription,
		Parsed:         parsed,
		CreditsCharged: credits,
		BalanceAfter:   newBalance,
	}, nil
}

// ParseTransaction recovers a ParsedTransaction from model output. Models
// sometimes wrap the JSON in markdown fences or prose, so the first
// top-level object is cut out before decoding.
func ParseTransaction(text string) (ParsedTransaction, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ParsedTransaction{}, fmt.Errorf("%w: no JSON object in output", ErrUnparsableResult)
	}

	var parsed ParsedTransaction
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return ParsedTransaction{}, fmt.Errorf("%w: %v", ErrUnparsableResult, err)
	}

	switch parsed.Type {
	case "expense", "income":
	default:
		parsed.Type = "expense"
	}

	if !parsed.Amount.IsPositive() {
		return ParsedTransaction{}, fmt.Errorf("%w: amount must be positive", ErrUnparsableResult)
	}

	return parsed, nil
}
