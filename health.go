package creditgate

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthRecoveryPeriod   = 30 * time.Second
)

// HealthState describes a provider's current health.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthTracker watches provider call outcomes and degrades a provider
// after repeated transient failures inside a sliding window. It implements
// Meter so it can be plugged into a pipeline directly; readiness probes
// read State.
type HealthTracker struct {
	mu        sync.RWMutex
	providers map[string]*providerHealth
	now       func() time.Time
}

type providerHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time   // when state transitioned to unhealthy
}

var _ Meter = (*HealthTracker)(nil)

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		providers: make(map[string]*providerHealth),
		now:       time.Now,
	}
}

// State returns the current health state for a provider. An unhealthy
// provider degrades to HealthDegraded after the recovery period so callers
// can probe it again.
func (h *HealthTracker) State(provider string) HealthState {
	h.mu.RLock()
	ph, ok := h.providers[provider]
	h.mu.RUnlock()

	if !ok {
		return HealthHealthy
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if ph.state == HealthUnhealthy && h.now().Sub(ph.unhealthyAt) >= healthRecoveryPeriod {
		ph.state = HealthDegraded
	}

	return ph.state
}

// OnProviderCall records the outcome of one provider call.
func (h *HealthTracker) OnProviderCall(e ProviderCallEvent) {
	if e.Success {
		h.recordSuccess(e.Provider)
		return
	}
	// Only transient failures count against health; a 400 says nothing
	// about the provider.
	if IsRetryable(e.Error) {
		h.recordFailure(e.Provider)
	}
}

func (h *HealthTracker) OnRequest(RequestEvent) {}
func (h *HealthTracker) OnCharge(ChargeEvent)   {}

func (h *HealthTracker) recordSuccess(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	ph.state = HealthHealthy
	ph.failures = ph.failures[:0]
}

func (h *HealthTracker) recordFailure(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	if ph.state == HealthUnhealthy {
		return
	}

	now := h.now()

	cutoff := now.Add(-healthFailureWindow)
	valid := ph.failures[:0]
	for _, t := range ph.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ph.failures = append(valid, now)

	if len(ph.failures) >= healthFailureThreshold {
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(provider string) *providerHealth {
	ph, ok := h.providers[provider]
	if !ok {
		ph = &providerHealth{state: HealthHealthy}
		h.providers[provider] = ph
	}
	return ph
}
