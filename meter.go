package creditgate

import "time"

// Meter observes pipeline events for monitoring/logging.
type Meter interface {
	// OnRequest is called once per processed request.
	OnRequest(event RequestEvent)

	// OnProviderCall is called once per message after its provider attempts.
	OnProviderCall(event ProviderCallEvent)

	// OnCharge is called when credits are debited or granted.
	OnCharge(event ChargeEvent)
}

// RequestEvent describes one pipeline run.
type RequestEvent struct {
	UserID      string
	RequestType string
	Messages    int
	Replayed    bool
	Success     bool
	Duration    time.Duration
	Error       error
}

// ProviderCallEvent describes the outcome of one message's provider calls.
type ProviderCallEvent struct {
	Provider string
	Model    string
	Attempts int
	Status   int
	Success  bool
	Duration time.Duration
	Error    error
}

// ChargeEvent describes one balance change.
type ChargeEvent struct {
	UserID       string
	Delta        int64
	BalanceAfter int64
	Reason       string
}

// noopMeter is the default meter.
type noopMeter struct{}

func (noopMeter) OnRequest(RequestEvent)           {}
func (noopMeter) OnProviderCall(ProviderCallEvent) {}
func (noopMeter) OnCharge(ChargeEvent)             {}
