package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/event"
	"github.com/shmandalf/event-service/internal/metrics"
	"github.com/shmandalf/event-service/internal/queue"
)

// RetryPolicy decides whether a failed delivery gets another attempt.
// Satisfied by *retry.Manager.
type RetryPolicy interface {
	ShouldRetry(ctx context.Context, eventID, errType string) bool
	Increment(ctx context.Context, eventID string) (int, error)
	Clear(ctx context.Context, eventID string) error
}

// DeadLetterSink receives deliveries that exhausted their retries or
// cannot be parsed. Satisfied by *dlq.Manager.
type DeadLetterSink interface {
	SendToDLQ(ctx context.Context, originalQueue string, body []byte, headers map[string]interface{}, reason string, retryCount int) error
	SendToRetryQueue(ctx context.Context, originalQueue string, body []byte, headers map[string]interface{}, reason string, retryCount int) error
}

// ConsumerTag returns the deterministic consumer tag for this process
// so cancellation and stats attribution are stable.
func ConsumerTag() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("event_consumer_%s_%d", host, os.Getpid())
}

// Consumer drains one broker queue and drives the retry/DLQ control
// plane for each delivery.
type Consumer struct {
	broker  *Broker
	queue   string
	handler queue.Handler
	retries RetryPolicy
	dead    DeadLetterSink
	sink    *metrics.Sink
	logger  *zap.Logger
	tag     string

	mu         sync.Mutex
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// NewConsumer creates a consumer for the named queue.
func NewConsumer(broker *Broker, queueName string, handler queue.Handler, retries RetryPolicy, dead DeadLetterSink, sink *metrics.Sink, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		broker:  broker,
		queue:   queueName,
		handler: handler,
		retries: retries,
		dead:    dead,
		sink:    sink,
		logger:  logger,
		tag:     ConsumerTag(),
	}
}

// start opens the consume channel lazily on first batch.
func (c *Consumer) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliveries != nil {
		return nil
	}

	ch, err := c.broker.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(c.broker.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return queue.ConsumeError(queue.BackendRabbitMQ, c.queue, err)
	}
	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return queue.ConsumeError(queue.BackendRabbitMQ, c.queue, err)
	}

	c.ch = ch
	c.deliveries = deliveries
	c.logger.Info("consuming broker queue",
		zap.String("queue", c.queue),
		zap.String("consumer_tag", c.tag))
	return nil
}

// ConsumeBatch handles up to max deliveries, blocking up to block for
// the first one. The in-flight delivery always completes before the
// method returns, even when ctx is already canceled.
func (c *Consumer) ConsumeBatch(ctx context.Context, max int, block time.Duration) (int, error) {
	if err := c.start(); err != nil {
		return 0, err
	}

	handled := 0
	timer := time.NewTimer(block)
	defer timer.Stop()

	for handled < max {
		select {
		case d, ok := <-c.deliveries:
			if !ok {
				return handled, queue.NewError(queue.ErrCodeConnectionClosed, queue.BackendRabbitMQ, "consumer channel closed", nil).WithTarget(c.queue)
			}
			c.handleDelivery(ctx, d)
			handled++
		case <-timer.C:
			return handled, nil
		case <-ctx.Done():
			return handled, nil
		}
	}
	return handled, nil
}

// handleDelivery routes each delivery to exactly one disposition.
// Every path ends in an ACK; NACK-without-requeue is reserved for the
// broker's own DLX routing, which this consumer bypasses in favor of
// the dead-letter manager.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	headers := map[string]interface{}(d.Headers)

	ev, err := event.Unmarshal(d.Body)
	if err != nil {
		derr := queue.DecodeError(queue.BackendRabbitMQ, err)
		c.logger.Warn("undecodable broker message",
			zap.String("queue", c.queue),
			zap.String("message_id", d.MessageId),
			zap.Error(derr))
		c.deadLetter(ctx, d.Body, headers, "Invalid JSON", 0)
		c.ack(d)
		c.countProcessed("decode_error")
		return
	}

	retryCount := headerRetryCount(d.Headers)
	if retryCount > 0 && !c.retries.ShouldRetry(ctx, ev.ID.String(), "redelivery") {
		c.deadLetter(ctx, d.Body, headers, "retries exhausted", retryCount)
		c.ack(d)
		c.countProcessed("dead_lettered")
		return
	}

	ev.Source = event.SourceBroker
	ev.QueueInfo = d.MessageId
	ev.RetryCount = retryCount

	start := time.Now()
	if err := c.handler(ctx, ev); err != nil {
		c.handleFailure(ctx, d, ev, headers, retryCount, err)
		return
	}

	if retryCount > 0 {
		if err := c.retries.Clear(ctx, ev.ID.String()); err != nil {
			c.logger.Warn("retry counter clear failed", zap.String("event_id", ev.ID.String()), zap.Error(err))
		}
	}
	c.ack(d)
	c.countProcessed("ok")
	c.sink.Histogram("queue_consume_duration_seconds", map[string]string{
		"backend": queue.BackendRabbitMQ,
	}, time.Since(start).Seconds())
}

func (c *Consumer) handleFailure(ctx context.Context, d amqp.Delivery, ev *event.Event, headers map[string]interface{}, retryCount int, cause error) {
	id := ev.ID.String()

	// Malformed payloads never become valid on retry; other coded
	// errors may also mark themselves permanent.
	var qe *queue.Error
	permanent := queue.IsDecodeError(cause) ||
		(errors.As(cause, &qe) && !qe.Retryable())

	if !permanent && c.retries.ShouldRetry(ctx, id, errType(cause)) {
		next, err := c.retries.Increment(ctx, id)
		if err != nil {
			next = retryCount + 1
		}
		if err := c.dead.SendToRetryQueue(ctx, c.queue, d.Body, headers, cause.Error(), next); err != nil {
			c.logger.Error("retry enqueue failed, dead-lettering",
				zap.String("event_id", id), zap.Error(err))
			c.deadLetter(ctx, d.Body, headers, cause.Error(), next)
		}
		c.ack(d)
		c.countProcessed("retried")
		return
	}

	c.deadLetter(ctx, d.Body, headers, cause.Error(), retryCount)
	c.ack(d)
	c.countProcessed("dead_lettered")
}

func (c *Consumer) deadLetter(ctx context.Context, body []byte, headers map[string]interface{}, reason string, retryCount int) {
	if err := c.dead.SendToDLQ(ctx, c.queue, body, headers, reason, retryCount); err != nil {
		c.logger.Error("dead-letter publish failed", zap.Error(err))
	}
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(queue.AckError(queue.BackendRabbitMQ, err)))
	}
}

func (c *Consumer) countProcessed(status string) {
	c.sink.Increment("queue_consumed_total", map[string]string{
		"backend": queue.BackendRabbitMQ,
		"status":  status,
	}, 1)
}

// Close cancels the consumer and closes its channel. In-flight
// callbacks drain because cancellation stops new deliveries first.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return nil
	}
	if err := c.ch.Cancel(c.tag, false); err != nil {
		c.logger.Warn("consumer cancel failed", zap.Error(err))
	}
	err := c.ch.Close()
	c.ch = nil
	c.deliveries = nil
	return err
}

// headerRetryCount reads x-retry-count, tolerating the integer types
// AMQP clients encode.
func headerRetryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers["x-retry-count"].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func errType(err error) string {
	var qe *queue.Error
	if errors.As(err, &qe) {
		return string(qe.Code)
	}
	return "handler_error"
}
