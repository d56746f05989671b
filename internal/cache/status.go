// Package cache holds a small read-through cache for event status
// lookups. Processed and failed events are terminal, so their status
// responses can be served from Redis instead of Postgres.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shmandalf/event-service/internal/event"
)

const (
	keyPrefix = "status:"

	// StatusTTL bounds staleness for terminal events.
	StatusTTL = 5 * time.Minute
)

// ErrMiss is returned when the key is absent.
var ErrMiss = errors.New("cache miss")

// StatusCache caches terminal event snapshots.
type StatusCache struct {
	rdb *redis.Client
}

// NewStatusCache creates the cache.
func NewStatusCache(rdb *redis.Client) *StatusCache {
	return &StatusCache{rdb: rdb}
}

func key(id uuid.UUID) string {
	return keyPrefix + id.String()
}

// Get fetches a cached event snapshot.
func (c *StatusCache) Get(ctx context.Context, id uuid.UUID) (*event.Event, error) {
	data, err := c.rdb.Get(ctx, key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Put stores the snapshot if the event is terminal. Non-terminal
// statuses are skipped so clients never see a stale pending.
func (c *StatusCache) Put(ctx context.Context, ev *event.Event) error {
	if ev.Status != event.StatusProcessed && ev.Status != event.StatusFailed {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key(ev.ID), data, StatusTTL).Err()
}

// Invalidate drops a cached snapshot.
func (c *StatusCache) Invalidate(ctx context.Context, id uuid.UUID) error {
	return c.rdb.Del(ctx, key(id)).Err()
}
