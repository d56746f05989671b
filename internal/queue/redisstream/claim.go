package redisstream

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClaimPending recovers entries stuck in another consumer's pending
// list, typically after a crash mid-delivery. Entries idle longer than
// the configured claim idle time are claimed by this consumer and
// reprocessed; entries already delivered MaxAttempts times go straight
// to the DLQ stream. Returns the number of entries claimed.
func (c *Consumer) ClaimPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = c.stream.cfg.ReadBatch
	}
	idle := c.stream.cfg.ClaimIdle

	// Bound the whole claim pass at twice the idle threshold.
	ctx, cancel := context.WithTimeout(ctx, 2*idle)
	defer cancel()

	pending, err := c.stream.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.key,
		Group:  Group,
		Idle:   idle,
		Start:  "-",
		End:    "+",
		Count:  int64(limit),
	}).Result()
	if err != nil && err != redis.Nil {
		return 0, claimError(c.key, err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	// Partition by delivery count before claiming so poison entries do
	// not bounce between consumers forever.
	var reclaim []string
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		deliveries[p.ID] = p.RetryCount
		reclaim = append(reclaim, p.ID)
	}

	// Built by hand: the stock XClaim helper cannot express FORCE, and
	// the claim must stick even when an entry left the pending list
	// between the XPENDING read and this call.
	args := make([]interface{}, 0, 6+len(reclaim))
	args = append(args, "xclaim", c.key, Group, c.stream.consumer, idle.Milliseconds())
	for _, id := range reclaim {
		args = append(args, id)
	}
	args = append(args, "force")

	claimCmd := redis.NewXMessageSliceCmd(ctx, args...)
	_ = c.stream.rdb.Process(ctx, claimCmd)
	claimed, err := claimCmd.Result()
	if err != nil && err != redis.Nil {
		return 0, claimError(c.key, err)
	}

	for _, msg := range claimed {
		if deliveries[msg.ID] >= MaxAttempts {
			body, _ := entryBody(msg.Values)
			c.logger.Warn("pending entry reclaimed too many times, dead-lettering",
				zap.String("stream", c.key),
				zap.String("entry_id", msg.ID),
				zap.Int64("deliveries", deliveries[msg.ID]))
			c.finishEntry(ctx, msg.ID)
			_ = c.stream.sendToDLQStream(ctx, c.key, msg.ID, body, "claim limit exceeded", int(deliveries[msg.ID]))
			c.count("dead_lettered")
			continue
		}
		c.handleEntry(ctx, msg)
	}

	if len(claimed) > 0 {
		c.logger.Info("claimed pending stream entries",
			zap.String("stream", c.key),
			zap.Int("claimed", len(claimed)))
		c.stream.sink.Increment("stream_claimed_total", map[string]string{
			"stream": c.key,
		}, float64(len(claimed)))
	}
	return len(claimed), nil
}

func claimError(stream string, err error) error {
	return &claimErr{stream: stream, cause: err}
}

type claimErr struct {
	stream string
	cause  error
}

func (e *claimErr) Error() string {
	return "claim failed on " + e.stream + ": " + e.cause.Error()
}

func (e *claimErr) Unwrap() error { return e.cause }
