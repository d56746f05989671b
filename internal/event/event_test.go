package event

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() *Event {
	return &Event{
		UserID:    uuid.New(),
		Type:      TypeClick,
		Timestamp: time.Now().Add(-time.Second),
		Priority:  PriorityUnset,
	}
}

func TestValidateAcceptsMinimalEvent(t *testing.T) {
	assert.Nil(t, Validate(validEvent()))
}

func TestValidateRejectsMissingFields(t *testing.T) {
	errs := Validate(&Event{Priority: PriorityUnset})
	require.NotNil(t, errs)
	assert.Contains(t, errs, "user_id")
	assert.Contains(t, errs, "event_type")
	assert.Contains(t, errs, "timestamp")
}

func TestValidateRejectsUnknownType(t *testing.T) {
	ev := validEvent()
	ev.Type = "page_scroll"
	errs := Validate(ev)
	require.NotNil(t, errs)
	assert.Contains(t, errs, "event_type")
}

func TestValidateRejectsFutureTimestamp(t *testing.T) {
	ev := validEvent()
	ev.Timestamp = time.Now().Add(time.Minute)
	errs := Validate(ev)
	require.NotNil(t, errs)
	assert.Contains(t, errs, "timestamp")
}

func TestValidateToleratesSmallClockSkew(t *testing.T) {
	ev := validEvent()
	ev.Timestamp = time.Now().Add(2 * time.Second)
	assert.Nil(t, Validate(ev))
}

func TestValidatePriorityBounds(t *testing.T) {
	for _, p := range []int{PriorityMin, 5, PriorityMax} {
		ev := validEvent()
		ev.Priority = p
		assert.Nil(t, Validate(ev), "priority %d", p)
	}
	for _, p := range []int{-2, 11, 100} {
		ev := validEvent()
		ev.Priority = p
		errs := Validate(ev)
		require.NotNil(t, errs, "priority %d", p)
		assert.Contains(t, errs, "priority")
	}
}

func TestValidateIdempotencyKeyFormat(t *testing.T) {
	ev := validEvent()
	ev.IdempotencyKey = strings.Repeat("a1", 32)
	assert.Nil(t, Validate(ev))

	for _, key := range []string{
		"short",
		strings.Repeat("A1", 32),
		strings.Repeat("g1", 32),
		strings.Repeat("a1", 33),
	} {
		ev := validEvent()
		ev.IdempotencyKey = key
		errs := Validate(ev)
		require.NotNil(t, errs, "key %q", key)
		assert.Contains(t, errs, "idempotency_key")
	}
}

func TestValidatePurchasePayload(t *testing.T) {
	ev := validEvent()
	ev.Type = TypePurchase
	ev.Payload = map[string]interface{}{"amount": 19.99, "currency": "USD"}
	assert.Nil(t, Validate(ev))

	ev.Payload = nil
	errs := Validate(ev)
	require.NotNil(t, errs)
	assert.Contains(t, errs, "payload")

	ev.Payload = map[string]interface{}{"currency": "USD"}
	errs = Validate(ev)
	require.NotNil(t, errs)
	assert.Contains(t, errs, "payload.amount")

	ev.Payload = map[string]interface{}{"amount": -1.0, "currency": "USD"}
	errs = Validate(ev)
	require.NotNil(t, errs)
	assert.Contains(t, errs, "payload.amount")

	ev.Payload = map[string]interface{}{"amount": 5.0, "currency": "DOLLARS"}
	errs = Validate(ev)
	require.NotNil(t, errs)
	assert.Contains(t, errs, "payload.currency")
}

func TestValidatePlatform(t *testing.T) {
	ev := validEvent()
	ev.Metadata = map[string]interface{}{"platform": "web"}
	assert.Nil(t, Validate(ev))

	ev.Metadata["platform"] = "windows"
	errs := Validate(ev)
	require.NotNil(t, errs)
	assert.Contains(t, errs, "metadata.platform")
}

func TestDefaultPriority(t *testing.T) {
	assert.Equal(t, 9, DefaultPriority(TypePurchase))
	assert.Equal(t, 9, DefaultPriority(TypeSubscription))
	assert.Equal(t, 9, DefaultPriority(TypePayment))
	assert.Equal(t, 5, DefaultPriority(TypeLogin))
	assert.Equal(t, 5, DefaultPriority(TypeSignup))
	assert.Equal(t, 1, DefaultPriority(TypeClick))
	assert.Equal(t, 1, DefaultPriority(TypeCustom))
}

func TestNormalize(t *testing.T) {
	ev := validEvent()
	ev.Type = TypePayment
	require.NoError(t, ev.Normalize())

	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.Equal(t, 9, ev.Priority)
	assert.Equal(t, StatusPending, ev.Status)
	assert.True(t, ev.IsHighPriority())
}

func TestNormalizeKeepsExplicitPriority(t *testing.T) {
	ev := validEvent()
	ev.Priority = 3
	require.NoError(t, ev.Normalize())
	assert.Equal(t, 3, ev.Priority)
}

func TestNormalizeIDsAreOrdered(t *testing.T) {
	a, b := validEvent(), validEvent()
	require.NoError(t, a.Normalize())
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, b.Normalize())
	assert.Less(t, a.ID.String(), b.ID.String())
}

func TestAmount(t *testing.T) {
	ev := validEvent()
	_, ok := ev.Amount()
	assert.False(t, ok)

	ev.Payload = map[string]interface{}{"amount": 42.5}
	got, ok := ev.Amount()
	require.True(t, ok)
	assert.Equal(t, 42.5, got)

	ev.Payload["amount"] = 100
	got, ok = ev.Amount()
	require.True(t, ok)
	assert.Equal(t, 100.0, got)

	ev.Payload["amount"] = "not a number"
	_, ok = ev.Amount()
	assert.False(t, ok)
}

func TestMarshalRoundTrip(t *testing.T) {
	ev := validEvent()
	ev.Type = TypePurchase
	ev.Payload = map[string]interface{}{"amount": 250.0, "currency": "EUR"}
	require.NoError(t, ev.Normalize())

	data, err := ev.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, ev.Priority, got.Priority)

	amount, ok := got.Amount()
	require.True(t, ok)
	assert.Equal(t, 250.0, amount)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("{not json"))
	assert.Error(t, err)
}
