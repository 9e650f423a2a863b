// Package idempotency guards the processor against re-applying mutation
// events it already handled, e.g. after a consumer-group rebalance. The
// pipeline stays at-least-once; this only narrows the duplicate window.
package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a seen event id is remembered.
const DefaultTTL = 24 * time.Hour

// Store remembers processed event ids in Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a store against the given Redis address.
func NewStore(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Store{client: client, ttl: DefaultTTL}, nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// FirstSeen atomically records the event id and reports whether this was its
// first occurrence. Errors degrade to "first seen": processing a duplicate
// is acceptable, dropping an event is not.
func (s *Store) FirstSeen(ctx context.Context, eventID string) bool {
	ok, err := s.client.SetNX(ctx, "twinforge:event:"+eventID, 1, s.ttl).Result()
	if err != nil {
		return true
	}
	return ok
}
