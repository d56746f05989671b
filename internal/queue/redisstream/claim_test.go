package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/event"
	"github.com/shmandalf/event-service/internal/metrics"
)

func TestClaimPendingRecoversAbandonedEntries(t *testing.T) {
	s, rdb := newTestStream(t)
	ctx := context.Background()

	want := streamEvent(event.TypeView, 2)
	_, err := s.Publish(ctx, want)
	require.NoError(t, err)

	// A crashed consumer read the entry but never acked it.
	res, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: "crashed_consumer",
		Streams:  []string{StreamNormal, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, res[0].Messages, 1)

	time.Sleep(4 * s.cfg.ClaimIdle)

	var got *event.Event
	c := NewConsumer(s, StreamNormal, func(ctx context.Context, ev *event.Event) error {
		got = ev
		return nil
	}, zap.NewNop())

	claimed, err := c.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)

	// The entry is acked; a second pass finds nothing.
	claimed, err = c.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, claimed)
}

func TestClaimPendingReportsReadErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &Config{ReadBatch: 10, ClaimIdle: 5 * time.Millisecond}
	s := New(rdb, cfg, metrics.NewSink("test", zap.NewNop()), zap.NewNop())
	require.NoError(t, s.EnsureGroups(context.Background()))

	c := NewConsumer(s, StreamNormal, func(ctx context.Context, ev *event.Event) error {
		return nil
	}, zap.NewNop())

	mr.Close()

	_, err := c.ClaimPending(context.Background(), 10)
	assert.Error(t, err)
}

func TestClaimPendingNothingPending(t *testing.T) {
	s, _ := newTestStream(t)
	c := NewConsumer(s, StreamNormal, func(ctx context.Context, ev *event.Event) error {
		return nil
	}, zap.NewNop())

	claimed, err := c.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, claimed)
}
