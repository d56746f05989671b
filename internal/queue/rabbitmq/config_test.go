package rabbitmq

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmandalf/event-service/internal/event"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Host = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Port = 70000
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Username = ""
	assert.Error(t, cfg.Validate())
}

func TestConfigURL(t *testing.T) {
	cfg := &Config{Host: "mq.internal", Port: 5672, Username: "svc", Password: "pw", VHost: "/"}
	assert.Equal(t, "amqp://svc:pw@mq.internal:5672/", cfg.URL())

	cfg.VHost = "events"
	assert.Equal(t, "amqp://svc:pw@mq.internal:5672/events", cfg.URL())
}

func TestRoutingKeyFor(t *testing.T) {
	assert.Equal(t, RoutingKeyNormal, RoutingKeyFor(0))
	assert.Equal(t, RoutingKeyNormal, RoutingKeyFor(7))
	assert.Equal(t, RoutingKeyHigh, RoutingKeyFor(8))
	assert.Equal(t, RoutingKeyHigh, RoutingKeyFor(10))
}

func TestQueueFor(t *testing.T) {
	assert.Equal(t, QueueNormal, QueueFor(5))
	assert.Equal(t, QueueHighPriority, QueueFor(9))
}

func TestBuildPublishing(t *testing.T) {
	ev := &event.Event{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Type:      event.TypePurchase,
		Timestamp: time.Now(),
		Priority:  9,
		Payload:   map[string]interface{}{"amount": 120.0, "currency": "USD"},
	}

	pub, err := BuildPublishing(ev)
	require.NoError(t, err)

	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), pub.DeliveryMode)
	assert.Equal(t, uint8(9), pub.Priority)
	assert.Equal(t, ev.ID.String(), pub.MessageId)
	assert.Equal(t, "purchase", pub.Headers["x-event-type"])
	assert.Equal(t, "9", pub.Headers["x-priority"])
	assert.Equal(t, ev.UserID.String(), pub.Headers["x-user-id"])

	got, err := event.Unmarshal(pub.Body)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
}

func TestConsumerTagShape(t *testing.T) {
	tag := ConsumerTag()
	assert.True(t, strings.HasPrefix(tag, "event_consumer_"))
	assert.Equal(t, tag, ConsumerTag())
}

func TestHeaderRetryCount(t *testing.T) {
	assert.Equal(t, 0, headerRetryCount(nil))
	assert.Equal(t, 0, headerRetryCount(amqp.Table{}))
	assert.Equal(t, 3, headerRetryCount(amqp.Table{"x-retry-count": 3}))
	assert.Equal(t, 3, headerRetryCount(amqp.Table{"x-retry-count": int32(3)}))
	assert.Equal(t, 3, headerRetryCount(amqp.Table{"x-retry-count": int64(3)}))
	assert.Equal(t, 3, headerRetryCount(amqp.Table{"x-retry-count": float64(3)}))
	assert.Equal(t, 0, headerRetryCount(amqp.Table{"x-retry-count": "3"}))
}
