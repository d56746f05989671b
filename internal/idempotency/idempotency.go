// Package idempotency maps caller-supplied idempotency keys to the
// event id that first claimed them. Records are short-lived Redis
// entries written with SETNX so the first writer wins; an existing key
// is the authoritative decision.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "idempotency:"
	// RecordTTL bounds how long a key deduplicates.
	RecordTTL = 24 * time.Hour
)

// Store owns the idempotency records.
type Store struct {
	rdb *redis.Client
}

// NewStore creates an idempotency store.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Lookup returns the event id recorded for the key, or "" when the key
// is unclaimed.
func (s *Store) Lookup(ctx context.Context, key string) (string, error) {
	id, err := s.rdb.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("idempotency lookup failed: %w", err)
	}
	return id, nil
}

// Reserve claims the key for eventID. When the key is already claimed
// the existing event id is returned with created=false.
func (s *Store) Reserve(ctx context.Context, key, eventID string) (existing string, created bool, err error) {
	ok, err := s.rdb.SetNX(ctx, keyPrefix+key, eventID, RecordTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("idempotency reserve failed: %w", err)
	}
	if ok {
		return eventID, true, nil
	}
	existing, err = s.Lookup(ctx, key)
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}
