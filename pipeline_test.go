package creditgate_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nivaro/creditgate"
	"github.com/nivaro/creditgate/provider/mock"
	"github.com/nivaro/creditgate/store/memory"
)

func newPipeline(t *testing.T, store creditgate.Store, provider creditgate.Provider, opts ...creditgate.Option) *creditgate.Pipeline {
	t.Helper()
	cfg := creditgate.DefaultConfig()
	cfg.BackoffMillis = 1
	gateway := creditgate.NewGateway(provider, "test-model")
	p, err := creditgate.New(cfg, store, gateway, opts...)
	require.NoError(t, err)
	return p
}

func TestBatchChargesOnce(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 5)
	p := newPipeline(t, store, mock.New(mock.WithText("reply")))

	res, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"first", "second"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"reply", "reply"}, res.Texts)
	assert.Equal(t, int64(2), res.CreditsCharged)
	assert.Equal(t, int64(3), res.BalanceAfter)
	assert.False(t, res.Replayed)

	// One ledger entry covers the whole batch.
	txns := store.Transactions("u1")
	require.Len(t, txns, 1)
	assert.Equal(t, int64(-2), txns[0].Delta)
	assert.Equal(t, int64(3), txns[0].BalanceAfter)
	assert.Equal(t, creditgate.ReasonBatch, txns[0].Reason)

	records, err := store.Recent(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestInsufficientBalanceRejectsBeforeProviderCall(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 1)
	provider := mock.New()
	p := newPipeline(t, store, provider)

	_, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"first", "second"},
	})
	assert.ErrorIs(t, err, creditgate.ErrInsufficientCredits)
	assert.Equal(t, int64(0), provider.CallCount(), "rejection must happen before any provider work")

	balance, err := store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)
}

func TestBatchAllOrNothing(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 10)

	// Second message fails permanently; first already succeeded.
	provider := mock.New(mock.WithErrorSequence(nil, &creditgate.ProviderError{
		Err:      creditgate.ErrInvalidRequest,
		Provider: "mock",
		Status:   400,
	}))
	p := newPipeline(t, store, provider)

	res, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"ok", "boom", "never sent"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, creditgate.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "message 2 of 3")
	assert.Empty(t, res.Texts)

	// Nothing journaled, nothing charged, third message never attempted.
	assert.Equal(t, int64(2), provider.CallCount())
	balance, err := store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
	records, err := store.Recent(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEmptyRequestRejected(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 5)
	p := newPipeline(t, store, mock.New())

	_, err := p.Process(context.Background(), "u1", creditgate.Request{})
	assert.ErrorIs(t, err, creditgate.ErrInvalidRequest)

	_, err = p.Process(context.Background(), "u1", creditgate.Request{Messages: []string{"ok", ""}})
	assert.ErrorIs(t, err, creditgate.ErrInvalidRequest)
}

func TestDailyLimit(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 100)
	p := newPipeline(t, store, mock.New())

	for i := 0; i < 5; i++ {
		_, err := p.Process(context.Background(), "u1", creditgate.Request{
			Messages: []string{fmt.Sprintf("question %d", i)},
		})
		require.NoError(t, err)
	}

	_, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"one more"},
	})
	assert.ErrorIs(t, err, creditgate.ErrDailyLimitExceeded)
}

func TestDailyLimitCheckedBeforeBatchSize(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 100)
	provider := mock.New()
	p := newPipeline(t, store, provider)

	// 4 used out of 5: a 3-message batch is still admitted because the cap
	// is checked against usage so far, not usage plus the incoming batch.
	_, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"a", "b", "c", "d"},
	})
	require.NoError(t, err)

	res, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"e", "f", "g"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.CreditsCharged)

	_, err = p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"h"},
	})
	assert.ErrorIs(t, err, creditgate.ErrDailyLimitExceeded)
}

func TestIdempotentReplay(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 5)
	provider := mock.New(mock.WithText("the answer"))
	p := newPipeline(t, store, provider)

	first, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages:       []string{"question"},
		IdempotencyKey: "op-1",
	})
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, int64(1), first.CreditsCharged)

	second, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages:       []string{"question"},
		IdempotencyKey: "op-1",
	})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, []string{"the answer"}, second.Texts)
	assert.Equal(t, int64(0), second.CreditsCharged)

	// Only the first run called the provider or touched the balance.
	assert.Equal(t, int64(1), provider.CallCount())
	balance, err := store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
}

func TestKeylessDedupWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	store.SetBalance("u1", 10)
	provider := mock.New(mock.WithText("cached"))
	p := newPipeline(t, store, provider)

	_, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"same thing"},
	})
	require.NoError(t, err)

	// Inside the window the identical message replays.
	now = now.Add(9 * time.Second)
	res, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"same thing"},
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, int64(1), provider.CallCount())

	// Outside the window it is a fresh request.
	now = now.Add(2 * time.Second)
	res, err = p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"same thing"},
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(2), provider.CallCount())
}

func TestDedupSkippedForBatches(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	store.SetBalance("u1", 10)
	provider := mock.New()
	p := newPipeline(t, store, provider)

	_, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"twin"},
	})
	require.NoError(t, err)

	now = now.Add(time.Second)
	res, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"twin", "other"},
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed, "dedup only applies to single-message requests")
}

func TestUnknownUser(t *testing.T) {
	store := memory.New()
	p := newPipeline(t, store, mock.New())

	_, err := p.Process(context.Background(), "ghost", creditgate.Request{
		Messages: []string{"hello"},
	})
	assert.ErrorIs(t, err, creditgate.ErrUserNotFound)
}

// failingChargeStore wraps a Store and fails every Charge with a backend
// error, simulating a journal outage after provider work succeeded.
type failingChargeStore struct {
	creditgate.Store
}

func (s *failingChargeStore) Charge(ctx context.Context, req creditgate.ChargeRequest) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestPersistenceFailureReturnsTexts(t *testing.T) {
	inner := memory.New()
	inner.SetBalance("u1", 5)
	store := &failingChargeStore{Store: inner}
	p := newPipeline(t, store, mock.New(mock.WithText("still useful")))

	res, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"question"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, creditgate.ErrPersistence)
	assert.Equal(t, []string{"still useful"}, res.Texts)
	assert.Equal(t, int64(0), res.CreditsCharged)
}

func TestConcurrentRequestsNeverOverdraw(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 3)

	// Daily cap off so only the balance gates the requests.
	cfg := creditgate.DefaultConfig()
	cfg.DailyLimit = 0
	cfg.DedupWindowSeconds = 0

	gateway := creditgate.NewGateway(mock.New(), "test-model")
	p, err := creditgate.New(cfg, store, gateway)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Process(context.Background(), "u1", creditgate.Request{
				Messages: []string{fmt.Sprintf("race %d", i)},
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		}
	}
	assert.LessOrEqual(t, succeeded, 3, "at most 3 charges fit the balance")

	balance, err := store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, balance, int64(0), "the balance must never go negative")
}

// recordingMeter captures events for assertions.
type recordingMeter struct {
	mu       sync.Mutex
	requests []creditgate.RequestEvent
	calls    []creditgate.ProviderCallEvent
	charges  []creditgate.ChargeEvent
}

func (m *recordingMeter) OnRequest(e creditgate.RequestEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, e)
}

func (m *recordingMeter) OnProviderCall(e creditgate.ProviderCallEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, e)
}

func (m *recordingMeter) OnCharge(e creditgate.ChargeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges = append(m.charges, e)
}

func TestMeterSeesEvents(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 5)
	meter := &recordingMeter{}
	p := newPipeline(t, store, mock.New(), creditgate.WithMeter(meter))

	_, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"one", "two"},
	})
	require.NoError(t, err)

	require.Len(t, meter.requests, 1)
	assert.True(t, meter.requests[0].Success)
	assert.Equal(t, 2, meter.requests[0].Messages)
	assert.Equal(t, "advice", meter.requests[0].RequestType)

	require.Len(t, meter.calls, 2)
	assert.Equal(t, "mock", meter.calls[0].Provider)
	assert.Equal(t, 1, meter.calls[0].Attempts)

	require.Len(t, meter.charges, 1)
	assert.Equal(t, int64(-2), meter.charges[0].Delta)
}

// stubCounter is a DailyCounter with canned usage.
type stubCounter struct {
	used  int64
	added int64
}

func (c *stubCounter) UsedToday(ctx context.Context, userID string) (int64, error) {
	return c.used, nil
}

func (c *stubCounter) Add(ctx context.Context, userID string, credits int64) error {
	c.added += credits
	return nil
}

func TestConfigControlsRetryPacing(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 5)
	provider := mock.New(mock.WithError(rateLimited(0)))

	cfg := creditgate.DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.BackoffMillis = 1
	// The gateway keeps its own default of 3 attempts; the pipeline's
	// config wins for requests routed through it.
	gateway := creditgate.NewGateway(provider, "test-model")
	p, err := creditgate.New(cfg, store, gateway)
	require.NoError(t, err)

	_, err = p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"hello"},
	})
	assert.ErrorIs(t, err, creditgate.ErrRateLimited)
	assert.Equal(t, int64(2), provider.CallCount())
}

func TestDailyCounterOverridesJournal(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 100)
	counter := &stubCounter{used: 5}
	p := newPipeline(t, store, mock.New(), creditgate.WithDailyCounter(counter))

	_, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"hello"},
	})
	assert.ErrorIs(t, err, creditgate.ErrDailyLimitExceeded)

	counter.used = 0
	res, err := p.Process(context.Background(), "u1", creditgate.Request{
		Messages: []string{"hello again"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.CreditsCharged)
	assert.Equal(t, int64(1), counter.added, "successful charges feed the counter")
}
