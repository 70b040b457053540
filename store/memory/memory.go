// Package memory provides an in-memory Store for creditgate.
//
// Intended for tests and single-process deployments; all state is lost on
// restart. Charges are atomic under one mutex, so the balance invariant
// holds under concurrent use within the process.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nivaro/creditgate"
)

// Store is an in-memory creditgate.Store.
type Store struct {
	mu      sync.RWMutex
	users   map[string]*account
	records map[string][]creditgate.UsageRecord
	txns    map[string][]creditgate.CreditTransaction
	now     func() time.Time
}

type account struct {
	creditsRemaining int64
	totalConsumed    int64
}

var _ creditgate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		users:   make(map[string]*account),
		records: make(map[string][]creditgate.UsageRecord),
		txns:    make(map[string][]creditgate.CreditTransaction),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetBalance creates or resets a user with the given balance.
func (s *Store) SetBalance(userID string, credits int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[userID] = &account{creditsRemaining: credits}
}

// Balance returns the user's remaining credits.
func (s *Store) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.users[userID]
	if !ok {
		return 0, creditgate.ErrUserNotFound
	}
	return acc.creditsRemaining, nil
}

// UsedToday sums credits charged since local midnight.
func (s *Store) UsedToday(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	midnight := startOfDay(s.now())
	var used int64
	for _, rec := range s.records[userID] {
		if !rec.CreatedAt.Before(midnight) {
			used += rec.CreditsCharged
		}
	}
	return used, nil
}

// Charge atomically re-checks the balance, journals the records and one
// credit transaction, and decrements the balance.
func (s *Store) Charge(_ context.Context, req creditgate.ChargeRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.users[req.UserID]
	if !ok {
		return 0, creditgate.ErrUserNotFound
	}
	if acc.creditsRemaining < req.Credits {
		return 0, fmt.Errorf("%w: balance %d, need %d",
			creditgate.ErrInsufficientCredits, acc.creditsRemaining, req.Credits)
	}

	now := s.now()
	for _, rec := range req.Records {
		rec.ID = uuid.New().String()
		rec.CreatedAt = now
		s.records[req.UserID] = append(s.records[req.UserID], rec)
	}

	acc.creditsRemaining -= req.Credits
	acc.totalConsumed += req.Credits

	s.txns[req.UserID] = append(s.txns[req.UserID], creditgate.CreditTransaction{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		Delta:        -req.Credits,
		BalanceAfter: acc.creditsRemaining,
		Reason:       req.Reason,
		Source:       req.Source,
		CreatedAt:    now,
	})

	return acc.creditsRemaining, nil
}

// Grant atomically adds credits, creating the user when absent.
func (s *Store) Grant(_ context.Context, userID string, credits int64, source string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.users[userID]
	if !ok {
		acc = &account{}
		s.users[userID] = acc
	}
	acc.creditsRemaining += credits

	s.txns[userID] = append(s.txns[userID], creditgate.CreditTransaction{
		ID:           uuid.New().String(),
		UserID:       userID,
		Delta:        credits,
		BalanceAfter: acc.creditsRemaining,
		Reason:       creditgate.ReasonGrant,
		Source:       source,
		CreatedAt:    s.now(),
	})

	return acc.creditsRemaining, nil
}

// LookupByKey returns the newest record with the exact idempotency key.
func (s *Store) LookupByKey(_ context.Context, userID, key string) (*creditgate.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[userID]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].IdempotencyKey == key {
			rec := recs[i]
			return &rec, nil
		}
	}
	return nil, nil
}

// LookupRecent returns the newest record with a byte-identical input inside
// the trailing window.
func (s *Store) LookupRecent(_ context.Context, userID, message string, window time.Duration) (*creditgate.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-window)
	recs := s.records[userID]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].InputText == message && !recs[i].CreatedAt.Before(cutoff) {
			rec := recs[i]
			return &rec, nil
		}
	}
	return nil, nil
}

// Recent returns up to limit records for the user, newest first.
func (s *Store) Recent(_ context.Context, userID string, limit int) ([]creditgate.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[userID]
	out := make([]creditgate.UsageRecord, 0, limit)
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, recs[i])
	}
	return out, nil
}

// Transactions returns all credit transactions for the user, oldest first.
func (s *Store) Transactions(userID string) []creditgate.CreditTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]creditgate.CreditTransaction, len(s.txns[userID]))
	copy(out, s.txns[userID])
	return out
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
