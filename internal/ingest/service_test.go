package ingest

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

	"github.com/shmandalf/event-service/internal/breaker"
	"github.com/shmandalf/event-service/internal/event"
	"github.com/shmandalf/event-service/internal/idempotency"
	"github.com/shmandalf/event-service/internal/metrics"
	"github.com/shmandalf/event-service/internal/queue"
	"github.com/shmandalf/event-service/internal/router"
)

type fakeAdapter struct {
	name      string
	published []*event.Event
	err       error
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Publish(ctx context.Context, ev *event.Event) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.published = append(f.published, ev)
	return "msg-" + ev.ID.String(), nil
}
func (f *fakeAdapter) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeAdapter) Close() error                          { return nil }

type fakeEmergency struct {
	persisted []*event.Event
	reasons   []string
	err       error
}

func (f *fakeEmergency) EmergencyPersist(ctx context.Context, ev *event.Event, reason string) error {
	if f.err != nil {
		return f.err
	}
	f.persisted = append(f.persisted, ev)
	f.reasons = append(f.reasons, reason)
	return nil
}

type testRig struct {
	svc      *Service
	broker   *fakeAdapter
	stream   *fakeAdapter
	store    *fakeEmergency
	idem     *idempotency.Store
	breakers map[string]*breaker.Breaker
	sink     *metrics.Sink
	mr       *miniredis.Miniredis
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	broker := &fakeAdapter{name: queue.BackendRabbitMQ}
	stream := &fakeAdapter{name: queue.BackendRedis}
	sink := metrics.NewSink("test", zap.NewNop())
	rt := router.New(broker, stream, sink, zap.NewNop())
	idem := idempotency.NewStore(rdb)
	st := &fakeEmergency{}

	cfg := breaker.Config{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Minute, HalfOpenTimeout: 30 * time.Second}
	breakers := map[string]*breaker.Breaker{
		queue.BackendRabbitMQ: breaker.New(rdb, queue.BackendRabbitMQ, cfg, zap.NewNop()),
		queue.BackendRedis:    breaker.New(rdb, queue.BackendRedis, cfg, zap.NewNop()),
	}

	return &testRig{
		svc:      New(rt, idem, breakers, st, sink, zap.NewNop()),
		broker:   broker,
		stream:   stream,
		store:    st,
		idem:     idem,
		breakers: breakers,
		sink:     sink,
		mr:       mr,
	}
}

func intakeEvent() *event.Event {
	return &event.Event{
		UserID:    uuid.New(),
		Type:      event.TypeClick,
		Timestamp: time.Now().Add(-time.Second),
		Priority:  event.PriorityUnset,
	}
}

func TestIngestAcceptsAndPublishes(t *testing.T) {
	rig := newRig(t)

	res := rig.svc.Ingest(context.Background(), intakeEvent())
	assert.Equal(t, Accepted, res.Outcome)
	assert.NotEmpty(t, res.EventID)
	assert.Equal(t, queue.BackendRedis, res.Queue)
	assert.Len(t, rig.stream.published, 1)
	assert.Empty(t, rig.broker.published)
}

func TestIngestRejectsInvalidEvent(t *testing.T) {
	rig := newRig(t)

	ev := intakeEvent()
	ev.Type = "bogus"
	res := rig.svc.Ingest(context.Background(), ev)

	assert.Equal(t, Rejected, res.Outcome)
	assert.Contains(t, res.FieldErrors, "event_type")
	assert.Empty(t, rig.stream.published)
}

func TestIngestHighValueGoesToBroker(t *testing.T) {
	rig := newRig(t)

	ev := intakeEvent()
	ev.Type = event.TypePurchase
	ev.Payload = map[string]interface{}{"amount": 250.0, "currency": "USD"}
	res := rig.svc.Ingest(context.Background(), ev)

	assert.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, queue.BackendRabbitMQ, res.Queue)
	assert.Len(t, rig.broker.published, 1)
}

func TestIngestDuplicateIdempotencyKey(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	key := strings.Repeat("ab", 32)

	first := intakeEvent()
	first.IdempotencyKey = key
	res := rig.svc.Ingest(ctx, first)
	require.Equal(t, Accepted, res.Outcome)

	second := intakeEvent()
	second.IdempotencyKey = key
	res = rig.svc.Ingest(ctx, second)

	assert.Equal(t, Duplicate, res.Outcome)
	assert.Equal(t, first.ID.String(), res.EventID)
	assert.Len(t, rig.stream.published, 1)
}

func TestIngestFailsOverWhenCircuitOpen(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	rig.breakers[queue.BackendRabbitMQ].ForceOpen(ctx, "test")

	ev := intakeEvent()
	ev.Type = event.TypePayment
	res := rig.svc.Ingest(ctx, ev)

	assert.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, queue.BackendRedis, res.Queue)
	assert.Len(t, rig.stream.published, 1)
	assert.Empty(t, rig.broker.published)

	out, err := rig.sink.Render()
	require.NoError(t, err)
	assert.Contains(t, out, `test_queue_failover_total{from="rabbitmq",to="redis"} 1`)
}

func TestIngestEmergencyPersistWhenPublishFails(t *testing.T) {
	rig := newRig(t)
	rig.stream.err = errors.New("stream down")

	res := rig.svc.Ingest(context.Background(), intakeEvent())

	assert.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, "store", res.Queue)
	assert.Error(t, res.Err)
	require.Len(t, rig.store.persisted, 1)
	assert.Contains(t, rig.store.reasons[0], "stream down")
}

func TestIngestPublishFailureTripsBreaker(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	rig.stream.err = errors.New("stream down")

	// FailureThreshold is 2 in the rig.
	rig.svc.Ingest(ctx, intakeEvent())
	rig.svc.Ingest(ctx, intakeEvent())

	assert.False(t, rig.breakers[queue.BackendRedis].IsAvailable(ctx))

	// Next normal-priority event fails over to the broker.
	res := rig.svc.Ingest(ctx, intakeEvent())
	assert.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, queue.BackendRabbitMQ, res.Queue)
}

func TestIngestReportsTotalLoss(t *testing.T) {
	rig := newRig(t)
	rig.stream.err = errors.New("stream down")
	rig.store.err = errors.New("db down")

	res := rig.svc.Ingest(context.Background(), intakeEvent())
	assert.Equal(t, Accepted, res.Outcome)
	assert.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "db down")
}

func TestIngestNormalizesEvent(t *testing.T) {
	rig := newRig(t)

	ev := intakeEvent()
	ev.Type = event.TypeLogin
	res := rig.svc.Ingest(context.Background(), ev)

	require.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, 5, ev.Priority)
	assert.Equal(t, event.SourceAPI, ev.Source)
	assert.Equal(t, event.StatusPending, ev.Status)
}
