package creditgate

import (
	"context"
	"time"
)

// Ledger is the live per-user credit balance. The balance is mutated only
// through Charge and Grant; both commit their ledger entry, journal writes,
// and balance update as one atomic unit.
type Ledger interface {
	// Balance returns the user's remaining credits.
	// Returns ErrUserNotFound for unknown users.
	Balance(ctx context.Context, userID string) (int64, error)

	// UsedToday sums credits charged to the user since local midnight.
	UsedToday(ctx context.Context, userID string) (int64, error)

	// Charge atomically re-checks the balance, appends the usage records
	// and one credit transaction, and decrements the balance. Returns the
	// new balance. Fails with ErrInsufficientCredits without any writes
	// when the re-checked balance is short; partial charges are never
	// observable.
	Charge(ctx context.Context, req ChargeRequest) (int64, error)

	// Grant atomically adds credits and appends a grant transaction,
	// creating the user when absent. Returns the new balance.
	Grant(ctx context.Context, userID string, credits int64, source string) (int64, error)
}

// ChargeRequest describes one atomic debit.
type ChargeRequest struct {
	UserID  string
	Credits int64
	Reason  string
	Source  string

	// Records are journaled inside the same transaction as the debit.
	Records []UsageRecord
}

// Journal is the append-only usage history, also queried by the
// idempotency/dedup guard. Writes happen only through Ledger.Charge.
type Journal interface {
	// LookupByKey returns the newest usage record carrying the exact
	// idempotency key for the user, or nil when there is none.
	LookupByKey(ctx context.Context, userID, key string) (*UsageRecord, error)

	// LookupRecent returns the newest usage record whose input matches the
	// message byte for byte and that was created within the trailing
	// window, or nil when there is none.
	LookupRecent(ctx context.Context, userID, message string, window time.Duration) (*UsageRecord, error)

	// Recent returns up to limit usage records for the user, newest first.
	Recent(ctx context.Context, userID string, limit int) ([]UsageRecord, error)
}

// Store combines the ledger and journal; the bundled backends implement both
// over one underlying database so charges and journal writes share a
// transaction.
type Store interface {
	Ledger
	Journal
}

// DailyCounter is an optional fast path for the daily-quota check, for
// deployments where summing the journal per request is too expensive.
type DailyCounter interface {
	// UsedToday returns credits counted for the user since local midnight.
	UsedToday(ctx context.Context, userID string) (int64, error)

	// Add counts credits against today's total.
	Add(ctx context.Context, userID string, credits int64) error
}
