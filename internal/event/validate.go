package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Platforms accepted in metadata.platform.
var knownPlatforms = map[string]struct{}{
	"ios":     {},
	"android": {},
	"web":     {},
}

// ValidationErrors maps field names to human-readable messages. A nil
// or empty map means the event is valid.
type ValidationErrors map[string]string

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	return fmt.Sprintf("event validation failed (%d fields)", len(v))
}

// Validate checks an intake event against the schema. It does not
// mutate the event; Normalize runs afterwards on valid events.
func Validate(e *Event) ValidationErrors {
	errs := make(ValidationErrors)

	if e.UserID == uuid.Nil {
		errs["user_id"] = "user_id is required and must be a UUID"
	}

	if e.Type == "" {
		errs["event_type"] = "event_type is required"
	} else if _, ok := KnownTypes[e.Type]; !ok {
		errs["event_type"] = fmt.Sprintf("unknown event_type %q", e.Type)
	}

	if e.Timestamp.IsZero() {
		errs["timestamp"] = "timestamp is required (RFC3339)"
	} else if e.Timestamp.After(time.Now().Add(clockSkewTolerance)) {
		errs["timestamp"] = "timestamp must not be in the future"
	}

	if e.Priority != PriorityUnset && (e.Priority < PriorityMin || e.Priority > PriorityMax) {
		errs["priority"] = fmt.Sprintf("priority must be between %d and %d", PriorityMin, PriorityMax)
	}

	if e.IdempotencyKey != "" && !isIdempotencyKey(e.IdempotencyKey) {
		errs["idempotency_key"] = "idempotency_key must be 64 lowercase hex characters"
	}

	if e.Type == TypePurchase {
		validatePurchasePayload(e, errs)
	}

	if e.Metadata != nil {
		if p, ok := e.Metadata["platform"].(string); ok {
			if _, known := knownPlatforms[p]; !known {
				errs["metadata.platform"] = fmt.Sprintf("platform must be one of ios, android, web; got %q", p)
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// clockSkewTolerance allows slightly-ahead client clocks.
const clockSkewTolerance = 5 * time.Second

func validatePurchasePayload(e *Event, errs ValidationErrors) {
	if e.Payload == nil {
		errs["payload"] = "purchase events require a payload"
		return
	}
	amount, ok := e.Amount()
	if !ok {
		errs["payload.amount"] = "purchase events require a numeric amount"
	} else if amount <= 0 {
		errs["payload.amount"] = "amount must be greater than zero"
	}
	currency, ok := e.Payload["currency"].(string)
	if !ok || len(currency) != 3 {
		errs["payload.currency"] = "purchase events require a 3-character currency code"
	}
}

func isIdempotencyKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
