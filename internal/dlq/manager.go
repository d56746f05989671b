// Package dlq owns the dead-letter control plane: publishing failed
// messages to the dead-letter queue, scheduling retries through a
// TTL-expiry queue, and a layered backup chain (Redis list, then a
// local file) for when the broker itself is down.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/metrics"
	"github.com/shmandalf/event-service/internal/queue"
	"github.com/shmandalf/event-service/internal/queue/rabbitmq"
	"github.com/shmandalf/event-service/internal/retry"
)

// Retry topology. The retry queue has no consumers: messages sit there
// until their per-message TTL expires, then the queue's DLX routes them
// back onto the events exchange with their original routing key.
const (
	ExchangeRetry = "events.retry"
	QueueRetry    = "events.retry"

	// BackupKey is the Redis list holding messages that could not reach
	// the broker; BackupMax caps it via LTRIM.
	BackupKey = "events:dlq:backup"
	BackupMax = 10_000

	// BackupFile is the last-resort local append log.
	BackupFile = "dlq_backup.log"

	// RestoreBatch bounds messages replayed per restore pass.
	RestoreBatch = 100
)

// record is the envelope stored in the backup chain and on dead-letter
// publishings.
type record struct {
	OriginalQueue string                 `json:"original_queue"`
	RoutingKey    string                 `json:"routing_key"`
	Body          json.RawMessage        `json:"body"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	Reason        string                 `json:"reason"`
	RetryCount    int                    `json:"retry_count"`
	FailedAt      time.Time              `json:"failed_at"`
}

// Stats summarizes the dead-letter control plane.
type Stats struct {
	DeadLetterDepth int   `json:"dead_letter_depth"`
	RetryDepth      int   `json:"retry_depth"`
	BackupDepth     int64 `json:"backup_depth"`
}

// Manager runs the dead-letter control plane on its own broker
// connection, so a poisoned consumer channel can never take the DLQ
// path down with it.
type Manager struct {
	cfg    *rabbitmq.Config
	rdb    *redis.Client
	sink   *metrics.Sink
	logger *zap.Logger

	backupFile string

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	connected bool
}

// NewManager creates a manager; call Connect before use. The backup
// chain works without a connection.
func NewManager(cfg *rabbitmq.Config, rdb *redis.Client, sink *metrics.Sink, logger *zap.Logger) *Manager {
	if cfg == nil {
		cfg = rabbitmq.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		rdb:        rdb,
		sink:       sink,
		logger:     logger,
		backupFile: BackupFile,
	}
}

// Connect opens the manager's dedicated connection and declares both
// the shared event topology and the retry topology.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}

	conn, err := amqp.DialConfig(m.cfg.URL(), amqp.Config{
		Heartbeat: m.cfg.Heartbeat,
		Dial:      amqp.DefaultDial(m.cfg.ConnectTimeout),
		Locale:    "en_US",
	})
	if err != nil {
		return queue.ConnectionError(queue.BackendRabbitMQ, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return queue.ConnectionError(queue.BackendRabbitMQ, err)
	}

	if err := rabbitmq.DeclareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	if err := declareRetryTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	m.conn = conn
	m.ch = ch
	m.connected = true
	m.logger.Info("dead-letter manager connected",
		zap.String("host", m.cfg.Host),
		zap.Int("port", m.cfg.Port))
	return nil
}

// declareRetryTopology declares the TTL-expiry retry queue. Expired
// messages dead-letter back to the events exchange, keeping whatever
// routing key they were published with.
func declareRetryTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeRetry, "direct", true, false, false, false, nil); err != nil {
		return queue.NewError(queue.ErrCodeInvalidConfig, queue.BackendRabbitMQ, "exchange declare failed", err).WithTarget(ExchangeRetry)
	}
	args := amqp.Table{
		"x-dead-letter-exchange": rabbitmq.ExchangeEvents,
	}
	if _, err := ch.QueueDeclare(QueueRetry, true, false, false, false, args); err != nil {
		return queue.NewError(queue.ErrCodeInvalidConfig, queue.BackendRabbitMQ, "queue declare failed", err).WithTarget(QueueRetry)
	}
	for _, key := range []string{rabbitmq.RoutingKeyHigh, rabbitmq.RoutingKeyNormal} {
		if err := ch.QueueBind(QueueRetry, key, ExchangeRetry, false, nil); err != nil {
			return queue.NewError(queue.ErrCodeInvalidConfig, queue.BackendRabbitMQ, "queue bind failed", err).WithTarget(QueueRetry)
		}
	}
	return nil
}

// SendToDLQ publishes the failed message to the dead-letter queue. If
// the broker is unreachable the message falls through the backup chain
// instead; this method only errors when every layer fails.
func (m *Manager) SendToDLQ(ctx context.Context, originalQueue string, body []byte, headers map[string]interface{}, reason string, retryCount int) error {
	rec := record{
		OriginalQueue: originalQueue,
		RoutingKey:    rabbitmq.RoutingKeyDead,
		Body:          body,
		Headers:       headers,
		Reason:        reason,
		RetryCount:    retryCount,
		FailedAt:      time.Now().UTC(),
	}

	err := m.publish(ctx, rabbitmq.ExchangeDLX, rabbitmq.RoutingKeyDead, body, dlqHeaders(headers, originalQueue, reason, retryCount), "")
	if err == nil {
		m.sink.Increment("dlq_sent_total", map[string]string{"queue": originalQueue}, 1)
		return nil
	}

	m.logger.Error("dead-letter publish failed, falling back to backup",
		zap.String("queue", originalQueue),
		zap.Error(err))
	m.sink.Increment("dlq_publish_errors_total", map[string]string{"queue": originalQueue}, 1)
	return m.backup(ctx, rec)
}

// SendToRetryQueue publishes the message to the retry queue with a
// per-message TTL derived from the retry schedule. On expiry the broker
// routes it back onto its original priority queue.
func (m *Manager) SendToRetryQueue(ctx context.Context, originalQueue string, body []byte, headers map[string]interface{}, reason string, retryCount int) error {
	key := rabbitmq.RoutingKeyNormal
	if originalQueue == rabbitmq.QueueHighPriority {
		key = rabbitmq.RoutingKeyHigh
	}

	delay := retry.Delay(retryCount)
	expiration := strconv.FormatInt(delay.Milliseconds(), 10)

	hdrs := amqp.Table{
		"x-retry-count":    int32(retryCount),
		"x-original-queue": originalQueue,
		"x-last-error":     reason,
	}
	for k, v := range headers {
		if _, seen := hdrs[k]; !seen {
			hdrs[k] = v
		}
	}

	err := m.publish(ctx, ExchangeRetry, key, body, hdrs, expiration)
	if err != nil {
		m.sink.Increment("dlq_publish_errors_total", map[string]string{"queue": QueueRetry}, 1)
		return queue.NewError(queue.ErrCodeDLQPublishFailed, queue.BackendRabbitMQ, "retry enqueue failed", err).WithTarget(QueueRetry)
	}

	m.sink.Increment("retry_scheduled_total", map[string]string{"queue": originalQueue}, 1)
	m.logger.Info("retry scheduled",
		zap.String("queue", originalQueue),
		zap.Int("retry_count", retryCount),
		zap.Duration("delay", delay))
	return nil
}

func dlqHeaders(headers map[string]interface{}, originalQueue, reason string, retryCount int) amqp.Table {
	hdrs := amqp.Table{
		"x-original-queue": originalQueue,
		"x-failure-reason": reason,
		"x-retry-count":    int32(retryCount),
		"x-failed-at":      time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range headers {
		if _, seen := hdrs[k]; !seen {
			hdrs[k] = v
		}
	}
	return hdrs
}

func (m *Manager) publish(ctx context.Context, exchange, key string, body []byte, hdrs amqp.Table, expiration string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected || m.ch == nil {
		return queue.ErrNotConnected
	}
	return m.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Expiration:   expiration,
		Body:         body,
		Headers:      hdrs,
	})
}

// backup pushes the record onto the Redis backup list, falling back to
// the local append log when Redis is also down.
func (m *Manager) backup(ctx context.Context, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("backup record marshal: %w", err)
	}

	pipe := m.rdb.Pipeline()
	pipe.LPush(ctx, BackupKey, data)
	pipe.LTrim(ctx, BackupKey, 0, BackupMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Error("backup list push failed, falling back to file", zap.Error(err))
	} else {
		m.sink.Increment("dlq_backup_total", map[string]string{"layer": "redis"}, 1)
		return nil
	}

	if err := m.appendToFile(data); err != nil {
		m.sink.Increment("dlq_backup_errors_total", nil, 1)
		return fmt.Errorf("all backup layers failed: %w", err)
	}
	m.sink.Increment("dlq_backup_total", map[string]string{"layer": "file"}, 1)
	return nil
}

func (m *Manager) appendToFile(data []byte) error {
	f, err := os.OpenFile(m.backupFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// RestoreFromBackup replays up to RestoreBatch backed-up records onto
// the dead-letter queue. Records that still cannot be published are
// pushed back so nothing is lost. Returns the number restored.
func (m *Manager) RestoreFromBackup(ctx context.Context) (int, error) {
	restored := 0
	for restored < RestoreBatch {
		data, err := m.rdb.RPop(ctx, BackupKey).Bytes()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("backup list pop: %w", err)
		}

		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			m.logger.Warn("dropping corrupt backup record", zap.Error(err))
			continue
		}

		err = m.publish(ctx, rabbitmq.ExchangeDLX, rabbitmq.RoutingKeyDead, rec.Body,
			dlqHeaders(rec.Headers, rec.OriginalQueue, rec.Reason, rec.RetryCount), "")
		if err != nil {
			m.rdb.LPush(ctx, BackupKey, data)
			return restored, queue.NewError(queue.ErrCodeDLQPublishFailed, queue.BackendRabbitMQ, "restore publish failed", err)
		}
		restored++
	}

	if restored > 0 {
		m.logger.Info("restored backed-up dead letters", zap.Int("count", restored))
		m.sink.Increment("dlq_restored_total", nil, float64(restored))
	}
	return restored, nil
}

// Stats reports queue depths via passive declare plus the backup list
// length.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	m.mu.Lock()
	if m.connected && m.conn != nil && !m.conn.IsClosed() {
		if ch, err := m.conn.Channel(); err == nil {
			if q, err := ch.QueueDeclarePassive(rabbitmq.QueueDeadLetter, true, false, false, false, amqp.Table{"x-queue-mode": "lazy"}); err == nil {
				stats.DeadLetterDepth = q.Messages
			}
			ch.Close()
		}
		if ch, err := m.conn.Channel(); err == nil {
			if q, err := ch.QueueDeclarePassive(QueueRetry, true, false, false, false, amqp.Table{"x-dead-letter-exchange": rabbitmq.ExchangeEvents}); err == nil {
				stats.RetryDepth = q.Messages
			}
			ch.Close()
		}
	}
	m.mu.Unlock()

	depth, err := m.rdb.LLen(ctx, BackupKey).Result()
	if err != nil && err != redis.Nil {
		return stats, fmt.Errorf("backup list length: %w", err)
	}
	stats.BackupDepth = depth
	return stats, nil
}

// HealthCheck reports the manager's connection state.
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected || m.conn == nil || m.conn.IsClosed() {
		return queue.ErrBrokerUnavailable
	}
	return nil
}

// Close shuts down the dedicated connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil
	}
	m.connected = false
	if m.ch != nil {
		_ = m.ch.Close()
	}
	if m.conn != nil && !m.conn.IsClosed() {
		return m.conn.Close()
	}
	return nil
}
