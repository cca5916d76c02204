package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/recurring/pkg/observability"
)

// Store tracks which processor event ids have been accepted. MarkProcessed
// must be atomic: exactly one caller for a given event id sees firstTime.
type Store interface {
	MarkProcessed(ctx context.Context, eventID, eventType string) (firstTime bool, err error)
}

// PostgresStore records processed event ids in the processed_events table.
// The conditional insert is the source of truth for dedup.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed idempotency store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// MarkProcessed inserts the event id, reporting whether this call won
func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record processed event: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check insert result: %w", err)
	}
	return inserted == 1, nil
}

const eventKeyPrefix = "recurring:webhook:event:"

// CachedStore fronts another Store with a Redis existence check so replayed
// events are rejected without a database round trip. Redis is advisory
// only; every miss still goes through the underlying store, and Redis
// errors degrade to the database path.
type CachedStore struct {
	client *redis.Client
	next   Store
	ttl    time.Duration
	logger *observability.Logger
}

// NewCachedStore wraps next with a Redis front cache
func NewCachedStore(client *redis.Client, next Store, ttl time.Duration, logger *observability.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &CachedStore{client: client, next: next, ttl: ttl, logger: logger}
}

// MarkProcessed checks Redis first, falling through to the wrapped store
func (s *CachedStore) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	key := eventKeyPrefix + eventID

	seen, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		s.logger.WithError(err).Warn("webhook dedup cache unavailable")
	} else if seen > 0 {
		return false, nil
	}

	firstTime, err := s.next.MarkProcessed(ctx, eventID, eventType)
	if err != nil {
		return false, err
	}

	if err := s.client.Set(ctx, key, 1, s.ttl).Err(); err != nil {
		s.logger.WithError(err).Warn("failed to populate webhook dedup cache")
	}

	return firstTime, nil
}
