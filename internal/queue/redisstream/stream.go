// Package redisstream implements the normal-priority back-end on Redis
// Streams with a shared consumer group. Retries re-append the entry
// with an incremented attempts field; entry identity across retries is
// therefore the application-level event id, not the stream entry id.
package redisstream

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/event"
	"github.com/shmandalf/event-service/internal/metrics"
	"github.com/shmandalf/event-service/internal/queue"
)

// Entry field names.
const (
	fieldEvent     = "event"
	fieldTimestamp = "timestamp"
	fieldAttempts  = "attempts"
	fieldLastError = "last_error"
)

// Stream is the Redis Streams adapter.
type Stream struct {
	rdb      *redis.Client
	cfg      *Config
	sink     *metrics.Sink
	logger   *zap.Logger
	consumer string
}

// New creates a stream adapter.
func New(rdb *redis.Client, cfg *Config, sink *metrics.Sink, logger *zap.Logger) *Stream {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		rdb:      rdb,
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		consumer: ConsumerID(),
	}
}

// Name identifies the back-end.
func (s *Stream) Name() string { return queue.BackendRedis }

// EnsureGroups creates the consumer group on both event streams from
// offset 0. An already-existing group is not an error.
func (s *Stream) EnsureGroups(ctx context.Context) error {
	for _, stream := range []string{StreamNormal, StreamHigh} {
		err := s.rdb.XGroupCreateMkStream(ctx, stream, Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return queue.NewError(queue.ErrCodeInvalidConfig, queue.BackendRedis, "group create failed", err).WithTarget(stream)
		}
	}
	return nil
}

// StreamFor maps a priority class to its stream key.
func StreamFor(priority int) string {
	if priority >= event.HighPriorityThreshold {
		return StreamHigh
	}
	return StreamNormal
}

// Publish appends the event snapshot and returns the assigned entry id.
func (s *Stream) Publish(ctx context.Context, ev *event.Event) (string, error) {
	body, err := ev.Marshal()
	if err != nil {
		return "", queue.NewError(queue.ErrCodeDecodeFailed, queue.BackendRedis, "event marshal failed", err)
	}

	stream := StreamFor(ev.Priority)
	start := time.Now()
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			fieldEvent:     string(body),
			fieldTimestamp: time.Now().Unix(),
			fieldAttempts:  0,
		},
	}).Result()
	if err != nil {
		s.sink.Increment("queue_publish_errors_total", map[string]string{"backend": queue.BackendRedis}, 1)
		return "", queue.PublishError(queue.BackendRedis, stream, err)
	}

	s.sink.Increment("queue_published_total", map[string]string{
		"backend":  queue.BackendRedis,
		"priority": priorityClass(ev.Priority),
	}, 1)
	s.sink.Histogram("queue_publish_duration_seconds", map[string]string{
		"backend": queue.BackendRedis,
	}, time.Since(start).Seconds())

	return id, nil
}

// Len returns the stream length.
func (s *Stream) Len(ctx context.Context, stream string) (int64, error) {
	return s.rdb.XLen(ctx, stream).Result()
}

// HealthCheck reports stream reachability.
func (s *Stream) HealthCheck(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return queue.ErrStreamUnavailable
	}
	return nil
}

// Close is a no-op; the Redis client is shared and owned by the caller.
func (s *Stream) Close() error { return nil }

// sendToDLQStream appends a failed entry to the DLQ stream.
func (s *Stream) sendToDLQStream(ctx context.Context, originalStream, originalID, body, errMsg string, attempts int) error {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamDLQ,
		MaxLen: MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"original_message_id": originalID,
			"original_stream":     originalStream,
			fieldEvent:            body,
			"error":               errMsg,
			"failed_at":           time.Now().UTC().Format(time.RFC3339),
			fieldAttempts:         attempts,
		},
	}).Err()
	if err != nil {
		return queue.NewError(queue.ErrCodeDLQPublishFailed, queue.BackendRedis, "dlq stream append failed", err).WithTarget(StreamDLQ)
	}
	s.sink.Increment("stream_dlq_total", map[string]string{"stream": originalStream}, 1)
	return nil
}

func priorityClass(priority int) string {
	if priority >= event.HighPriorityThreshold {
		return "high"
	}
	return "normal"
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func entryAttempts(values map[string]interface{}) int {
	raw, ok := values[fieldAttempts]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case string:
		n, _ := strconv.Atoi(v)
		return n
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func entryBody(values map[string]interface{}) (string, bool) {
	raw, ok := values[fieldEvent]
	if !ok {
		return "", false
	}
	body, ok := raw.(string)
	return body, ok
}
