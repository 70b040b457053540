// Package postgres provides a PostgreSQL-backed Store for creditgate.
//
// The balance lives on the user row and is only mutated through Charge and
// Grant, which run the conditional balance update, the usage-journal
// inserts, and the credit-transaction insert in one database transaction.
// This makes the ledger safe for multi-instance deployments: two concurrent
// charges cannot jointly overdraw a balance.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nivaro/creditgate"
)

// Store is a PostgreSQL-backed creditgate.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	location    *time.Location
	now         func() time.Time
}

var _ creditgate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithLocation sets the timezone used for the local-midnight boundary of
// UsedToday (default time.Local).
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.location = loc }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditgate_",
		location:    time.Local,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) usersTable() string  { return s.tablePrefix + "users" }
func (s *Store) usageTable() string  { return s.tablePrefix + "usage_records" }
func (s *Store) ledgerTable() string { return s.tablePrefix + "credit_transactions" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			credits_remaining BIGINT NOT NULL DEFAULT 0 CHECK (credits_remaining >= 0),
			total_consumed BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			request_type TEXT NOT NULL,
			model TEXT NOT NULL,
			tokens_in BIGINT NOT NULL DEFAULT 0,
			tokens_out BIGINT NOT NULL DEFAULT 0,
			tokens_total BIGINT NOT NULL DEFAULT 0,
			credits_charged BIGINT NOT NULL,
			input_text TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			output_text TEXT NOT NULL DEFAULT '',
			output_raw JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %[2]s_user_key_idx ON %[2]s (user_id, idempotency_key);
		CREATE INDEX IF NOT EXISTS %[2]s_user_created_idx ON %[2]s (user_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			delta BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			reason TEXT NOT NULL,
			source TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %[3]s_user_idx ON %[3]s (user_id, created_at DESC);
	`, s.usersTable(), s.usageTable(), s.ledgerTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("creditgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// Balance returns the user's remaining credits.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT credits_remaining FROM %s WHERE id = $1`, s.usersTable()),
		userID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, creditgate.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: balance: %w", err)
	}
	return balance, nil
}

// UsedToday sums credits charged since local midnight.
func (s *Store) UsedToday(ctx context.Context, userID string) (int64, error) {
	now := s.now().In(s.location)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)

	var used int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(SUM(credits_charged), 0) FROM %s
			WHERE user_id = $1 AND created_at >= $2`, s.usageTable()),
		userID, midnight,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: used today: %w", err)
	}
	return used, nil
}

// Charge atomically re-checks the balance, journals the usage records and
// one credit transaction, and decrements the balance. The conditional
// update only matches when the balance still covers the debit, so two
// concurrent charges cannot jointly overdraw.
func (s *Store) Charge(ctx context.Context, req creditgate.ChargeRequest) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var newBalance int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s
			SET credits_remaining = credits_remaining - $1,
			    total_consumed = total_consumed + $1
			WHERE id = $2 AND credits_remaining >= $1
			RETURNING credits_remaining`, s.usersTable()),
		req.Credits, req.UserID,
	).Scan(&newBalance)

	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT true FROM %s WHERE id = $1`, s.usersTable()),
			req.UserID,
		).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, creditgate.ErrUserNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("creditgate/postgres: check exists: %w", err)
		}
		return 0, creditgate.ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: charge: %w", err)
	}

	for _, rec := range req.Records {
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s
				(id, user_id, provider, request_type, model,
				 tokens_in, tokens_out, tokens_total, credits_charged,
				 input_text, idempotency_key, output_text, output_raw)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				s.usageTable()),
			uuid.New().String(), req.UserID, rec.Provider, rec.RequestType, rec.Model,
			rec.TokensIn, rec.TokensOut, rec.TokensTotal, rec.CreditsCharged,
			rec.InputText, rec.IdempotencyKey, rec.OutputText, rec.OutputRaw,
		)
		if err != nil {
			return 0, fmt.Errorf("creditgate/postgres: insert usage record: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, delta, balance_after, reason, source)
			VALUES ($1, $2, $3, $4, $5, $6)`, s.ledgerTable()),
		uuid.New().String(), req.UserID, -req.Credits, newBalance, req.Reason, req.Source,
	)
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: insert credit transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("creditgate/postgres: commit: %w", err)
	}
	return newBalance, nil
}

// Grant atomically adds credits, creating the user when absent.
func (s *Store) Grant(ctx context.Context, userID string, credits int64, source string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var newBalance int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, credits_remaining) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET credits_remaining = %[1]s.credits_remaining + $2
			RETURNING credits_remaining`, s.usersTable()),
		userID, credits,
	).Scan(&newBalance)
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: grant: %w", err)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, delta, balance_after, reason, source)
			VALUES ($1, $2, $3, $4, $5, $6)`, s.ledgerTable()),
		uuid.New().String(), userID, credits, newBalance, creditgate.ReasonGrant, source,
	)
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: insert grant transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("creditgate/postgres: commit: %w", err)
	}
	return newBalance, nil
}

// LookupByKey returns the newest record with the exact idempotency key.
func (s *Store) LookupByKey(ctx context.Context, userID, key string) (*creditgate.UsageRecord, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s
			WHERE user_id = $1 AND idempotency_key = $2
			ORDER BY created_at DESC LIMIT 1`, recordColumns, s.usageTable()),
		userID, key,
	)
	return scanRecord(row)
}

// LookupRecent returns the newest record with a byte-identical input inside
// the trailing window.
func (s *Store) LookupRecent(ctx context.Context, userID, message string, window time.Duration) (*creditgate.UsageRecord, error) {
	cutoff := s.now().Add(-window)
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s
			WHERE user_id = $1 AND input_text = $2 AND created_at >= $3
			ORDER BY created_at DESC LIMIT 1`, recordColumns, s.usageTable()),
		userID, message, cutoff,
	)
	return scanRecord(row)
}

// Recent returns up to limit records for the user, newest first.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]creditgate.UsageRecord, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s
			WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, recordColumns, s.usageTable()),
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("creditgate/postgres: recent: %w", err)
	}
	defer rows.Close()

	var out []creditgate.UsageRecord
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditgate/postgres: recent: %w", err)
	}
	return out, nil
}

const recordColumns = `id, user_id, provider, request_type, model,
	tokens_in, tokens_out, tokens_total, credits_charged,
	input_text, idempotency_key, output_text, output_raw, created_at`

func scanRecord(row pgx.Row) (*creditgate.UsageRecord, error) {
	rec, err := scanRecordRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanRecordRow(row pgx.Row) (creditgate.UsageRecord, error) {
	var rec creditgate.UsageRecord
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Provider, &rec.RequestType, &rec.Model,
		&rec.TokensIn, &rec.TokensOut, &rec.TokensTotal, &rec.CreditsCharged,
		&rec.InputText, &rec.IdempotencyKey, &rec.OutputText, &rec.OutputRaw, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditgate.UsageRecord{}, pgx.ErrNoRows
	}
	if err != nil {
		return creditgate.UsageRecord{}, fmt.Errorf("creditgate/postgres: scan record: %w", err)
	}
	return rec, nil
}
