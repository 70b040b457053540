// Package redis provides a Redis-backed DailyCounter for creditgate.
//
// Per-user daily usage lives in a plain counter key whose expiry is set to
// the next local midnight on first increment, so the count resets itself
// without a sweeper. This makes the quota fast path safe for multi-instance
// deployments.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nivaro/creditgate"
)

// Counter is a Redis-backed DailyCounter.
type Counter struct {
	client    goredis.Cmdable
	keyPrefix string
	location  *time.Location
	now       func() time.Time
}

var _ creditgate.DailyCounter = (*Counter)(nil)

// Option configures Counter.
type Option func(*Counter)

// WithKeyPrefix sets the Redis key prefix (default "creditgate:daily:").
func WithKeyPrefix(prefix string) Option {
	return func(c *Counter) { c.keyPrefix = prefix }
}

// WithLocation sets the timezone whose midnight bounds a day (default time.Local).
func WithLocation(loc *time.Location) Option {
	return func(c *Counter) { c.location = loc }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Counter) { c.now = now }
}

// New creates a new Redis-backed DailyCounter.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Counter {
	c := &Counter{
		client:    client,
		keyPrefix: "creditgate:daily:",
		location:  time.Local,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// dayKey scopes the counter to the user and the calendar date, so a key
// that outlives its expiry (clock skew, Redis restart) can never bleed
// usage into the next day.
func (c *Counter) dayKey(userID string, now time.Time) string {
	return c.keyPrefix + userID + ":" + now.In(c.location).Format("2006-01-02")
}

// addScript atomically increments the counter and stamps its expiry on
// first use.
// KEYS[1] = counter key
// ARGV[1] = credits
// ARGV[2] = expire_at (unix seconds)
var addScript = goredis.NewScript(`
local total = redis.call("INCRBY", KEYS[1], tonumber(ARGV[1]))
if total == tonumber(ARGV[1]) then
    redis.call("EXPIREAT", KEYS[1], tonumber(ARGV[2]))
end
return total
`)

// UsedToday returns credits counted for the user since local midnight.
func (c *Counter) UsedToday(ctx context.Context, userID string) (int64, error) {
	used, err := c.client.Get(ctx, c.dayKey(userID, c.now())).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("creditgate/redis: used today: %w", err)
	}
	return used, nil
}

// Add counts credits against today's total.
func (c *Counter) Add(ctx context.Context, userID string, credits int64) error {
	now := c.now()
	expireAt := c.nextMidnight(now)
	_, err := addScript.Run(ctx, c.client,
		[]string{c.dayKey(userID, now)},
		credits, expireAt.Unix(),
	).Result()
	if err != nil {
		return fmt.Errorf("creditgate/redis: add: %w", err)
	}
	return nil
}

func (c *Counter) nextMidnight(now time.Time) time.Time {
	now = now.In(c.location)
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, c.location)
}
