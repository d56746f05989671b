package redisstream

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/event"
	"github.com/shmandalf/event-service/internal/queue"
)

// Consumer drains one stream as a member of the shared consumer group.
type Consumer struct {
	stream  *Stream
	key     string
	handler queue.Handler
	logger  *zap.Logger
}

// NewConsumer creates a consumer for the given stream key.
func NewConsumer(stream *Stream, key string, handler queue.Handler, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{stream: stream, key: key, handler: handler, logger: logger}
}

// ConsumeBatch reads up to max new entries as the group, blocking up to
// block, and handles each. Returns the number of entries handled.
func (c *Consumer) ConsumeBatch(ctx context.Context, max int, block time.Duration) (int, error) {
	if max <= 0 || max > c.stream.cfg.ReadBatch {
		max = c.stream.cfg.ReadBatch
	}

	res, err := c.stream.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: c.stream.consumer,
		Streams:  []string{c.key, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, queue.ConsumeError(queue.BackendRedis, c.key, err)
	}

	handled := 0
	for _, stream := range res {
		for _, msg := range stream.Messages {
			c.handleEntry(ctx, msg)
			handled++
		}
	}
	return handled, nil
}

// handleEntry applies the stream dispositions: parse failures are
// ACKed into the DLQ stream; handler failures re-append with an
// incremented attempts field until MaxAttempts, then promote to the
// DLQ stream. The original entry is always ACKed so the pending list
// stays clean.
func (c *Consumer) handleEntry(ctx context.Context, msg redis.XMessage) {
	body, ok := entryBody(msg.Values)
	if !ok {
		c.finishEntry(ctx, msg.ID)
		_ = c.stream.sendToDLQStream(ctx, c.key, msg.ID, "", "missing event field", entryAttempts(msg.Values))
		c.count("decode_error")
		return
	}

	ev, err := event.Unmarshal([]byte(body))
	if err != nil {
		c.logger.Warn("undecodable stream entry",
			zap.String("stream", c.key),
			zap.String("entry_id", msg.ID),
			zap.Error(err))
		c.finishEntry(ctx, msg.ID)
		_ = c.stream.sendToDLQStream(ctx, c.key, msg.ID, body, "Invalid JSON", entryAttempts(msg.Values))
		c.count("decode_error")
		return
	}

	attempts := entryAttempts(msg.Values)
	ev.Source = event.SourceStream
	ev.QueueInfo = msg.ID
	ev.RetryCount = attempts

	start := time.Now()
	if err := c.handler(ctx, ev); err != nil {
		c.handleFailure(ctx, msg, body, attempts, err)
		return
	}

	c.finishEntry(ctx, msg.ID)
	c.count("ok")
	c.stream.sink.Histogram("queue_consume_duration_seconds", map[string]string{
		"backend": queue.BackendRedis,
	}, time.Since(start).Seconds())
}

func (c *Consumer) handleFailure(ctx context.Context, msg redis.XMessage, body string, attempts int, cause error) {
	attempts++
	if attempts >= MaxAttempts {
		c.logger.Warn("stream entry exhausted retries",
			zap.String("stream", c.key),
			zap.String("entry_id", msg.ID),
			zap.Int("attempts", attempts),
			zap.Error(cause))
		c.finishEntry(ctx, msg.ID)
		_ = c.stream.sendToDLQStream(ctx, c.key, msg.ID, body, cause.Error(), attempts)
		c.count("dead_lettered")
		return
	}

	// Re-append with the bumped attempts counter. The new entry gets a
	// fresh id; identity across retries is the embedded event id.
	err := c.stream.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.key,
		MaxLen: MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			fieldEvent:     body,
			fieldTimestamp: time.Now().Unix(),
			fieldAttempts:  attempts,
			fieldLastError: cause.Error(),
		},
	}).Err()
	if err != nil {
		c.logger.Error("stream retry re-append failed, dead-lettering",
			zap.String("entry_id", msg.ID), zap.Error(err))
		c.finishEntry(ctx, msg.ID)
		_ = c.stream.sendToDLQStream(ctx, c.key, msg.ID, body, cause.Error(), attempts)
		c.count("dead_lettered")
		return
	}

	c.finishEntry(ctx, msg.ID)
	c.count("retried")
}

// finishEntry ACKs the entry for the group.
func (c *Consumer) finishEntry(ctx context.Context, id string) {
	if err := c.stream.rdb.XAck(ctx, c.key, Group, id).Err(); err != nil {
		c.logger.Error("stream ack failed",
			zap.String("stream", c.key),
			zap.String("entry_id", id),
			zap.Error(err))
	}
}

func (c *Consumer) count(status string) {
	c.stream.sink.Increment("queue_consumed_total", map[string]string{
		"backend": queue.BackendRedis,
		"status":  status,
	}, 1)
}
