// Package rabbitmq implements the durable priority-queue back-end on an
// AMQP broker.
package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/event"
	"github.com/shmandalf/event-service/internal/metrics"
	"github.com/shmandalf/event-service/internal/queue"
)

// Broker is the AMQP adapter. One connection per worker; the publish
// channel is guarded because AMQP channels are not safe for concurrent
// use.
type Broker struct {
	cfg    *Config
	logger *zap.Logger
	sink   *metrics.Sink

	mu        sync.Mutex
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	connected bool
}

// NewBroker creates a broker adapter; call Connect before use.
func NewBroker(cfg *Config, sink *metrics.Sink, logger *zap.Logger) *Broker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{cfg: cfg, logger: logger, sink: sink}
}

// Name identifies the back-end.
func (b *Broker) Name() string { return queue.BackendRabbitMQ }

// Connect dials the broker and declares the full topology.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	conn, err := dial(ctx, b.cfg)
	if err != nil {
		return queue.ConnectionError(queue.BackendRabbitMQ, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return queue.ConnectionError(queue.BackendRabbitMQ, err)
	}

	if err := DeclareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	b.conn = conn
	b.pubCh = ch
	b.connected = true

	b.logger.Info("connected to broker",
		zap.String("host", b.cfg.Host),
		zap.Int("port", b.cfg.Port),
		zap.String("vhost", b.cfg.VHost))
	return nil
}

// dial opens the AMQP connection, bounded by the configured connect
// timeout and the caller's context.
func dial(ctx context.Context, cfg *Config) (*amqp.Connection, error) {
	amqpCfg := amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Dial:      amqp.DefaultDial(cfg.ConnectTimeout),
		Locale:    "en_US",
	}

	connCh := make(chan *amqp.Connection, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := amqp.DialConfig(cfg.URL(), amqpCfg)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	}()

	select {
	case conn := <-connCh:
		return conn, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(cfg.ConnectTimeout + time.Second):
		return nil, fmt.Errorf("connection timeout after %v", cfg.ConnectTimeout)
	}
}

// DeclareTopology declares exchanges, queues, and bindings. Idempotent;
// shared with the dead-letter manager which runs it on its own
// connection.
func DeclareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeEvents, "direct", true, false, false, false, nil); err != nil {
		return queue.NewError(queue.ErrCodeInvalidConfig, queue.BackendRabbitMQ, "exchange declare failed", err).WithTarget(ExchangeEvents)
	}
	if err := ch.ExchangeDeclare(ExchangeDLX, "direct", true, false, false, false, nil); err != nil {
		return queue.NewError(queue.ErrCodeInvalidConfig, queue.BackendRabbitMQ, "exchange declare failed", err).WithTarget(ExchangeDLX)
	}

	highArgs := amqp.Table{
		"x-max-priority":            int32(MaxPriority),
		"x-dead-letter-exchange":    ExchangeDLX,
		"x-dead-letter-routing-key": RoutingKeyDead,
		"x-message-ttl":             int64(HighPriorityTTLMs),
		"x-queue-mode":              "lazy",
	}
	if _, err := ch.QueueDeclare(QueueHighPriority, true, false, false, false, highArgs); err != nil {
		return queue.NewError(queue.ErrCodeInvalidConfig, queue.BackendRabbitMQ, "queue declare failed", err).WithTarget(QueueHighPriority)
	}

	normalArgs := amqp.Table{
		"x-dead-letter-exchange":    ExchangeDLX,
		"x-dead-letter-routing-key": RoutingKeyDead,
		"x-message-ttl":             int64(NormalTTLMs),
	}
	if _, err := ch.QueueDeclare(QueueNormal, true, false, false, false, normalArgs); err != nil {
		return queue.NewError(queue.ErrCodeInvalidConfig, queue.BackendRabbitMQ, "queue declare failed", err).WithTarget(QueueNormal)
	}

	deadArgs := amqp.Table{"x-queue-mode": "lazy"}
	if _, err := ch.QueueDeclare(QueueDeadLetter, true, false, false, false, deadArgs); err != nil {
		return queue.NewError(queue.ErrCodeInvalidConfig, queue.BackendRabbitMQ, "queue declare failed", err).WithTarget(QueueDeadLetter)
	}

	bindings := []struct{ q, key, ex string }{
		{QueueHighPriority, RoutingKeyHigh, ExchangeEvents},
		{QueueNormal, RoutingKeyNormal, ExchangeEvents},
		{QueueDeadLetter, RoutingKeyDead, ExchangeDLX},
	}
	for _, bd := range bindings {
		if err := ch.QueueBind(bd.q, bd.key, bd.ex, false, nil); err != nil {
			return queue.NewError(queue.ErrCodeInvalidConfig, queue.BackendRabbitMQ, "queue bind failed", err).WithTarget(bd.q)
		}
	}
	return nil
}

// RoutingKeyFor selects the routing key by priority class.
func RoutingKeyFor(priority int) string {
	if priority >= event.HighPriorityThreshold {
		return RoutingKeyHigh
	}
	return RoutingKeyNormal
}

// QueueFor maps a priority class to its queue name.
func QueueFor(priority int) string {
	if priority >= event.HighPriorityThreshold {
		return QueueHighPriority
	}
	return QueueNormal
}

// BuildPublishing assembles the wire message for an event snapshot.
func BuildPublishing(ev *event.Event) (amqp.Publishing, error) {
	body, err := ev.Marshal()
	if err != nil {
		return amqp.Publishing{}, queue.NewError(queue.ErrCodeDecodeFailed, queue.BackendRabbitMQ, "event marshal failed", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     uint8(ev.Priority),
		MessageId:    ev.ID.String(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
		Headers: amqp.Table{
			"x-event-type": string(ev.Type),
			"x-priority":   strconv.Itoa(ev.Priority),
			"x-user-id":    ev.UserID.String(),
		},
	}, nil
}

// Publish enqueues the event on its priority class queue and returns
// the message id.
func (b *Broker) Publish(ctx context.Context, ev *event.Event) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return "", queue.ConnectionError(queue.BackendRabbitMQ, queue.ErrNotConnected)
	}

	pub, err := BuildPublishing(ev)
	if err != nil {
		return "", err
	}
	key := RoutingKeyFor(ev.Priority)

	start := time.Now()
	if err := b.pubCh.PublishWithContext(ctx, ExchangeEvents, key, false, false, pub); err != nil {
		b.sink.Increment("queue_publish_errors_total", map[string]string{"backend": queue.BackendRabbitMQ}, 1)
		return "", queue.PublishError(queue.BackendRabbitMQ, key, err)
	}

	b.sink.Increment("queue_published_total", map[string]string{
		"backend":  queue.BackendRabbitMQ,
		"priority": key,
	}, 1)
	b.sink.Histogram("queue_publish_duration_seconds", map[string]string{
		"backend": queue.BackendRabbitMQ,
	}, time.Since(start).Seconds())

	return pub.MessageId, nil
}

// HealthCheck reports broker reachability.
func (b *Broker) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.conn == nil || b.conn.IsClosed() {
		return queue.ErrBrokerUnavailable
	}
	return nil
}

// QueueDepth returns the ready-message count via passive declare.
func (b *Broker) QueueDepth(name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return 0, queue.ErrNotConnected
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return 0, queue.ConnectionError(queue.BackendRabbitMQ, err)
	}
	defer ch.Close()
	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return 0, queue.NewError(queue.ErrCodeConsumeFailed, queue.BackendRabbitMQ, "queue inspect failed", err).WithTarget(name)
	}
	return q.Messages, nil
}

// Channel opens a fresh channel on the broker connection for
// consumers.
func (b *Broker) Channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.conn == nil || b.conn.IsClosed() {
		return nil, queue.ErrNotConnected
	}
	return b.conn.Channel()
}

// Close shuts down the publish channel and connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Close(); err != nil {
			return err
		}
	}
	b.logger.Info("broker connection closed")
	return nil
}
