// Package cache is a Redis-backed read-through cache for account balances,
// keeping the hot GetBalance path fast while Postgres (internal/store)
// remains the sole writer (spec §4.A). Keyed the way the teacher's
// internal/ledger/ledger.go keys "customer:balance:{id}" in Redis, kept warm
// by internal/sync instead of written synchronously on every debit/credit.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// ErrMiss is returned by GetBalance when the key is absent — the caller
// falls back to reading Postgres directly and should not treat this as a
// failure.
var ErrMiss = errors.New("cache: balance not present")

// Cache wraps a Redis client with the balance key convention.
type Cache struct {
	rdb *redis.Client
	log zerolog.Logger
	ttl time.Duration
}

// New builds a Cache over an already-connected Redis client.
func New(rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *Cache {
	return &Cache{rdb: rdb, ttl: ttl, log: logger.With().Str("component", "cache").Logger()}
}

func balanceKey(accountID string) string {
	return fmt.Sprintf("account:balance:%s", accountID)
}

// GetBalance reads a cached balance. Returns ErrMiss on a cache miss.
func (c *Cache) GetBalance(ctx context.Context, accountID string) (int64, error) {
	v, err := c.rdb.Get(ctx, balanceKey(accountID)).Result()
	if err == redis.Nil {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, fmt.Errorf("cache get balance: %w", err)
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache parse balance: %w", err)
	}
	return n, nil
}

// SetBalance writes the authoritative balance into the cache with a TTL, so
// a missed sync tick self-heals by falling through to Postgres rather than
// serving stale data forever.
func (c *Cache) SetBalance(ctx context.Context, accountID string, balance int64) error {
	if err := c.rdb.Set(ctx, balanceKey(accountID), balance, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set balance: %w", err)
	}
	return nil
}

// SetBalances writes many balances in one pipelined round trip, each with
// the cache TTL.
func (c *Cache) SetBalances(ctx context.Context, balances map[string]int64) error {
	if len(balances) == 0 {
		return nil
	}

	pipe := c.rdb.Pipeline()
	for accountID, bal := range balances {
		pipe.Set(ctx, balanceKey(accountID), bal, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache pipelined set balances: %w", err)
	}
	return nil
}

// Invalidate drops a cached balance, forcing the next read to fall through
// to Postgres. The ledger does not call it; after a ledger mutation the
// cached value stays as it is until it is next overwritten or expires.
func (c *Cache) Invalidate(ctx context.Context, accountID string) error {
	if err := c.rdb.Del(ctx, balanceKey(accountID)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
