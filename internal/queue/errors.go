package queue

import (
	"errors"
	"fmt"
)

// ErrorCode classifies queue errors into the dispositions the control
// plane cares about.
type ErrorCode string

const (
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"
	ErrCodePublishFailed    ErrorCode = "PUBLISH_FAILED"
	ErrCodePublishTimeout   ErrorCode = "PUBLISH_TIMEOUT"
	ErrCodeConsumeFailed    ErrorCode = "CONSUME_FAILED"
	ErrCodeDecodeFailed     ErrorCode = "DECODE_FAILED"
	ErrCodeAckFailed        ErrorCode = "ACK_FAILED"
	ErrCodeClaimFailed      ErrorCode = "CLAIM_FAILED"
	ErrCodeDLQPublishFailed ErrorCode = "DLQ_PUBLISH_FAILED"
	ErrCodeHandlerFailed    ErrorCode = "HANDLER_FAILED"
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
)

// Sentinel errors for comparison with errors.Is.
var (
	ErrNotConnected      = errors.New("not connected to back-end")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrStreamUnavailable = errors.New("stream unavailable")
	ErrDecodeFailed      = errors.New("message decode failed")
)

// Error is a structured queue error.
type Error struct {
	Code    ErrorCode
	Backend string
	Target  string // queue, exchange, or stream involved
	Message string
	Cause   error
}

// NewError creates a queue error.
func NewError(code ErrorCode, backend, message string, cause error) *Error {
	return &Error{Code: code, Backend: backend, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s %s: %v", e.Code, e.Backend, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s %s", e.Code, e.Backend, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches on error code when the target is also a queue error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return errors.Is(e.Cause, target)
}

// WithTarget records the queue/stream name involved.
func (e *Error) WithTarget(target string) *Error {
	e.Target = target
	return e
}

// Retryable reports whether the control plane may retry the operation.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeConnectionFailed, ErrCodeConnectionClosed,
		ErrCodePublishFailed, ErrCodePublishTimeout, ErrCodeConsumeFailed:
		return true
	default:
		return false
	}
}

// PublishError wraps a failed publish.
func PublishError(backend, target string, cause error) *Error {
	return NewError(ErrCodePublishFailed, backend, "publish failed", cause).WithTarget(target)
}

// ConnectionError wraps a failed connection attempt.
func ConnectionError(backend string, cause error) *Error {
	return NewError(ErrCodeConnectionFailed, backend, "connection failed", cause)
}

// DecodeError wraps a malformed message body. Decode errors are never
// retried; they go straight to the DLQ.
func DecodeError(backend string, cause error) *Error {
	return NewError(ErrCodeDecodeFailed, backend, "message decode failed", cause)
}

// ConsumeError wraps a failed consume/read call.
func ConsumeError(backend, target string, cause error) *Error {
	return NewError(ErrCodeConsumeFailed, backend, "consume failed", cause).WithTarget(target)
}

// AckError wraps a failed acknowledgment.
func AckError(backend string, cause error) *Error {
	return NewError(ErrCodeAckFailed, backend, "ack failed", cause)
}

// IsDecodeError reports whether err is a decode failure.
func IsDecodeError(err error) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == ErrCodeDecodeFailed
	}
	return errors.Is(err, ErrDecodeFailed)
}

// MultiError accumulates handler fan-out errors without aborting the
// dispatch.
type MultiError struct {
	Errors []error
}

// Add appends a non-nil error.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors reports whether anything was recorded.
func (m *MultiError) HasErrors() bool { return len(m.Errors) > 0 }

// ErrorOrNil returns the accumulator as an error, or nil when empty.
func (m *MultiError) ErrorOrNil() error {
	if m.HasErrors() {
		return m
	}
	return nil
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("multiple errors (%d): %v", len(m.Errors), m.Errors[0])
}

// Unwrap returns the first error for errors.Is/As compatibility.
func (m *MultiError) Unwrap() error {
	if len(m.Errors) > 0 {
		return m.Errors[0]
	}
	return nil
}
