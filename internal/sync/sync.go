// Package sync keeps internal/cache's Redis balances in agreement with
// Postgres, the sole source of truth (spec §4.A). Adapted directly from the
// teacher's internal/sync/sync.go: same full-sync/incremental-sync/on-demand
// three-tier strategy, repurposed from "grains" to account balances in minor
// currency units.
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Syncer drives Postgres -> Redis balance synchronization.
type Syncer struct {
	rdb    *redis.Client
	db     *sql.DB
	log    zerolog.Logger
	stopCh chan struct{}
}

// NewSyncer builds a Syncer over an already-connected Redis client and
// Postgres pool.
func NewSyncer(rdb *redis.Client, db *sql.DB, logger zerolog.Logger) *Syncer {
	return &Syncer{
		rdb:    rdb,
		db:     db,
		log:    logger.With().Str("component", "syncer").Logger(),
		stopCh: make(chan struct{}),
	}
}

// InitializeRedis performs a full sync of every account's balance from
// Postgres into Redis. Must be called before the server accepts requests —
// an empty cache is safe (every read falls through to Postgres) but slow.
func (s *Syncer) InitializeRedis(ctx context.Context) error {
	start := time.Now()
	s.log.Info().Msg("starting full redis initialization from postgres")

	rows, err := s.db.QueryContext(ctx, `SELECT id, balance FROM accounts ORDER BY id`)
	if err != nil {
		return fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	pipe := s.rdb.Pipeline()
	count := 0

	for rows.Next() {
		var accountID string
		var balance int64
		if err := rows.Scan(&accountID, &balance); err != nil {
			s.log.Error().Err(err).Msg("failed to scan account row")
			continue
		}

		pipe.Set(ctx, balanceKey(accountID), balance, 0)
		count++

		if count%1000 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("pipeline exec failed at count %d: %w", count, err)
			}
			pipe = s.rdb.Pipeline()
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("final pipeline exec failed: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("row iteration error: %w", err)
	}

	s.log.Info().Int("account_count", count).Dur("duration", time.Since(start)).Msg("redis initialization complete")
	return nil
}

// StartPeriodicSync starts a background goroutine that corrects drift every
// interval by re-syncing accounts updated recently. Stop via Stop().
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	s.log.Info().Dur("interval", interval).Msg("starting periodic sync")

	// Jittered startup delay so many server replicas don't all hit Postgres
	// on the same tick boundary.
	initialDelay := time.Duration(rand.Int64N(int64(interval)))

	go func() {
		timer := time.NewTimer(initialDelay)
		defer timer.Stop()

		for {
			select {
			case <-timer.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if err := s.syncRecentlyUpdated(ctx); err != nil {
					s.log.Error().Err(err).Msg("periodic sync failed")
				}
				cancel()
				timer.Reset(interval)

			case <-s.stopCh:
				s.log.Info().Msg("periodic sync stopped")
				return
			}
		}
	}()
}

func (s *Syncer) syncRecentlyUpdated(ctx context.Context) error {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, balance FROM accounts WHERE updated_at > now() - INTERVAL '1 hour'
	`)
	if err != nil {
		return fmt.Errorf("query recently updated accounts: %w", err)
	}
	defer rows.Close()

	pipe := s.rdb.Pipeline()
	count := 0
	for rows.Next() {
		var accountID string
		var balance int64
		if err := rows.Scan(&accountID, &balance); err != nil {
			continue
		}
		pipe.Set(ctx, balanceKey(accountID), balance, 0)
		count++
	}

	if count > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("pipeline exec failed: %w", err)
		}
	}

	s.log.Debug().Int("synced_accounts", count).Dur("duration", time.Since(start)).Msg("incremental sync complete")
	return nil
}

// SyncAccount re-syncs a single account's balance on demand, used after an
// integrity check flags a discrepancy.
func (s *Syncer) SyncAccount(ctx context.Context, accountID string) error {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return fmt.Errorf("account not found: %s", accountID)
	} else if err != nil {
		return fmt.Errorf("query account: %w", err)
	}

	if err := s.rdb.Set(ctx, balanceKey(accountID), balance, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.log.Info().Str("account_id", accountID).Int64("balance", balance).Msg("account balance synced")
	return nil
}

// VerifyIntegrity samples sampleSize accounts and compares Postgres against
// Redis, auto-fixing discrepancies by re-syncing the offending account.
// Returns the number found.
func (s *Syncer) VerifyIntegrity(ctx context.Context, sampleSize int) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, balance FROM accounts ORDER BY RANDOM() LIMIT $1
	`, sampleSize)
	if err != nil {
		return 0, fmt.Errorf("sample accounts: %w", err)
	}
	defer rows.Close()

	discrepancies := 0
	for rows.Next() {
		var accountID string
		var pgBalance int64
		if err := rows.Scan(&accountID, &pgBalance); err != nil {
			continue
		}

		redisBalance, err := s.rdb.Get(ctx, balanceKey(accountID)).Int64()
		if err == redis.Nil {
			s.log.Warn().Str("account_id", accountID).Msg("account missing in redis")
			discrepancies++
			if err := s.SyncAccount(ctx, accountID); err != nil {
				s.log.Error().Err(err).Str("account_id", accountID).Msg("failed to sync account")
			}
			continue
		} else if err != nil {
			continue
		}

		if redisBalance != pgBalance {
			s.log.Warn().
				Str("account_id", accountID).
				Int64("redis_balance", redisBalance).
				Int64("postgres_balance", pgBalance).
				Msg("balance mismatch detected")
			discrepancies++
			if err := s.SyncAccount(ctx, accountID); err != nil {
				s.log.Error().Err(err).Str("account_id", accountID).Msg("failed to sync account")
			}
		}
	}
	return discrepancies, rows.Err()
}

// Stop stops the periodic sync goroutine.
func (s *Syncer) Stop() {
	close(s.stopCh)
}

func balanceKey(accountID string) string {
	return fmt.Sprintf("account:balance:%s", accountID)
}
