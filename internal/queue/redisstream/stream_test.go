package redisstream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/event"
	"github.com/shmandalf/event-service/internal/metrics"
)

func newTestStream(t *testing.T) (*Stream, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &Config{ReadBatch: 10, ClaimIdle: 5 * time.Millisecond}
	s := New(rdb, cfg, metrics.NewSink("test", zap.NewNop()), zap.NewNop())
	require.NoError(t, s.EnsureGroups(context.Background()))
	return s, rdb
}

func streamEvent(typ event.Type, priority int) *event.Event {
	return &event.Event{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Type:      typ,
		Timestamp: time.Now(),
		Priority:  priority,
		Status:    event.StatusPending,
	}
}

func TestEnsureGroupsIsIdempotent(t *testing.T) {
	s, _ := newTestStream(t)
	assert.NoError(t, s.EnsureGroups(context.Background()))
}

func TestStreamFor(t *testing.T) {
	assert.Equal(t, StreamNormal, StreamFor(0))
	assert.Equal(t, StreamNormal, StreamFor(7))
	assert.Equal(t, StreamHigh, StreamFor(8))
}

func TestPublishAppendsToPriorityStream(t *testing.T) {
	s, _ := newTestStream(t)
	ctx := context.Background()

	id, err := s.Publish(ctx, streamEvent(event.TypeClick, 1))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err := s.Len(ctx, StreamNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Publish(ctx, streamEvent(event.TypeClick, 9))
	require.NoError(t, err)
	n, err = s.Len(ctx, StreamHigh)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConsumeBatchHandlesEntries(t *testing.T) {
	s, _ := newTestStream(t)
	ctx := context.Background()

	want := streamEvent(event.TypeView, 2)
	_, err := s.Publish(ctx, want)
	require.NoError(t, err)

	var got *event.Event
	c := NewConsumer(s, StreamNormal, func(ctx context.Context, ev *event.Event) error {
		got = ev
		return nil
	}, zap.NewNop())

	n, err := c.ConsumeBatch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, event.SourceStream, got.Source)
	assert.NotEmpty(t, got.QueueInfo)
	assert.Equal(t, 0, got.RetryCount)
}

func TestConsumeBatchEmptyStream(t *testing.T) {
	s, _ := newTestStream(t)
	c := NewConsumer(s, StreamNormal, func(ctx context.Context, ev *event.Event) error {
		t.Fatal("handler must not run")
		return nil
	}, zap.NewNop())

	n, err := c.ConsumeBatch(context.Background(), 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFailedEntryIsReappendedWithAttempts(t *testing.T) {
	s, _ := newTestStream(t)
	ctx := context.Background()

	_, err := s.Publish(ctx, streamEvent(event.TypeView, 2))
	require.NoError(t, err)

	c := NewConsumer(s, StreamNormal, func(ctx context.Context, ev *event.Event) error {
		return errors.New("boom")
	}, zap.NewNop())

	n, err := c.ConsumeBatch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The failure re-appended a fresh entry with attempts=1.
	length, err := s.Len(ctx, StreamNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)

	var retried *event.Event
	c2 := NewConsumer(s, StreamNormal, func(ctx context.Context, ev *event.Event) error {
		retried = ev
		return nil
	}, zap.NewNop())
	n, err = c2.ConsumeBatch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotNil(t, retried)
	assert.Equal(t, 1, retried.RetryCount)
}

func TestExhaustedEntryGoesToDLQStream(t *testing.T) {
	s, _ := newTestStream(t)
	ctx := context.Background()

	_, err := s.Publish(ctx, streamEvent(event.TypeView, 2))
	require.NoError(t, err)

	fail := func(ctx context.Context, ev *event.Event) error { return errors.New("boom") }

	// Each pass consumes the latest re-append and bumps attempts.
	for i := 0; i < MaxAttempts; i++ {
		c := NewConsumer(s, StreamNormal, fail, zap.NewNop())
		n, err := c.ConsumeBatch(ctx, 10, 10*time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, 1, n, "pass %d", i)
	}

	dlqLen, err := s.Len(ctx, StreamDLQ)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqLen)
}

func TestUndecodableEntryGoesToDLQStream(t *testing.T) {
	s, rdb := newTestStream(t)
	ctx := context.Background()

	err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamNormal,
		Values: map[string]interface{}{fieldEvent: "{broken", fieldTimestamp: time.Now().Unix(), fieldAttempts: 0},
	}).Err()
	require.NoError(t, err)

	c := NewConsumer(s, StreamNormal, func(ctx context.Context, ev *event.Event) error {
		t.Fatal("handler must not run")
		return nil
	}, zap.NewNop())

	n, err := c.ConsumeBatch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dlqLen, err := s.Len(ctx, StreamDLQ)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqLen)
}

func TestConsumerIDShape(t *testing.T) {
	assert.True(t, strings.HasPrefix(ConsumerID(), "redis_consumer_"))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, (&Config{ReadBatch: 0, ClaimIdle: time.Second}).Validate())
	assert.Error(t, (&Config{ReadBatch: 1, ClaimIdle: 0}).Validate())
}
