// Package event defines the analytics event model shared by the intake
// API, both queue back-ends, and the persistent store.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type is the event type. The set is closed; anything else fails
// validation.
type Type string

const (
	TypeClick        Type = "click"
	TypeView         Type = "view"
	TypePurchase     Type = "purchase"
	TypeLogin        Type = "login"
	TypeLogout       Type = "logout"
	TypeSignup       Type = "signup"
	TypeSubscription Type = "subscription"
	TypePayment      Type = "payment"
	TypeCustom       Type = "custom"
)

// Types recognized by routing but not accepted at intake. They arrive
// through queue replay from upstream billing systems.
const (
	TypeRefund          Type = "refund"
	TypeCreditCardAdded Type = "credit_card_added"
)

// KnownTypes lists every accepted event type.
var KnownTypes = map[Type]struct{}{
	TypeClick:        {},
	TypeView:         {},
	TypePurchase:     {},
	TypeLogin:        {},
	TypeLogout:       {},
	TypeSignup:       {},
	TypeSubscription: {},
	TypePayment:      {},
	TypeCustom:       {},
}

// Status is the lifecycle state of a persisted event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Source records where an event entered the system.
type Source string

const (
	SourceAPI    Source = "api"
	SourceBroker Source = "broker"
	SourceStream Source = "stream"
)

// Priority bounds. PriorityUnset marks an intake request that omitted
// the field so the type-derived default applies.
const (
	PriorityMin           = 0
	PriorityMax           = 10
	PriorityUnset         = -1
	HighPriorityThreshold = 8
)

// Event is the unit of work flowing through the system.
type Event struct {
	ID             uuid.UUID              `json:"id"`
	UserID         uuid.UUID              `json:"user_id"`
	Type           Type                   `json:"event_type"`
	Timestamp      time.Time              `json:"timestamp"`
	Payload        map[string]interface{} `json:"payload"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Priority       int                    `json:"priority"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`

	// Ingest-time provenance.
	Source    Source `json:"source,omitempty"`
	QueueInfo string `json:"queue_info,omitempty"`

	// Retry bookkeeping, owned by the event store.
	Status      Status     `json:"status,omitempty"`
	RetryCount  int        `json:"retry_count,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// DefaultPriority derives a priority from the event type when the
// caller omitted one.
func DefaultPriority(t Type) int {
	switch t {
	case TypePurchase, TypeSubscription, TypePayment:
		return 9
	case TypeLogin, TypeLogout, TypeSignup:
		return 5
	default:
		return 1
	}
}

// Normalize assigns an id and a derived priority where missing and
// stamps the event pending. Called once at intake, after validation.
func (e *Event) Normalize() error {
	if e.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		e.ID = id
	}
	if e.Priority == PriorityUnset {
		e.Priority = DefaultPriority(e.Type)
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	return nil
}

// IsHighPriority reports whether the event belongs on the high-priority
// path.
func (e *Event) IsHighPriority() bool {
	return e.Priority >= HighPriorityThreshold
}

// Amount extracts payload.amount as a float64. JSON numbers decode as
// float64 or json.Number depending on the decoder; both are handled.
func (e *Event) Amount() (float64, bool) {
	raw, ok := e.Payload["amount"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Marshal serializes the event snapshot for queue transport.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a queue message body into an Event.
func Unmarshal(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
