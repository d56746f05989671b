package processor

import (
	"context"

	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/event"
	"github.com/shmandalf/event-service/internal/metrics"
)

// PurchaseHandler tracks revenue from purchase events.
type PurchaseHandler struct {
	sink   *metrics.Sink
	logger *zap.Logger
}

// NewPurchaseHandler creates the purchase handler.
func NewPurchaseHandler(sink *metrics.Sink, logger *zap.Logger) *PurchaseHandler {
	return &PurchaseHandler{sink: sink, logger: logger.Named("purchase")}
}

func (h *PurchaseHandler) Name() string { return "purchase" }

func (h *PurchaseHandler) Handle(ctx context.Context, ev *event.Event) error {
	amount, ok := ev.Amount()
	if !ok {
		h.logger.Warn("purchase without amount", zap.String("event_id", ev.ID.String()))
		return nil
	}
	currency, _ := ev.Payload["currency"].(string)
	h.sink.Increment("revenue_total", map[string]string{"currency": currency}, amount)
	h.logger.Info("purchase recorded",
		zap.String("event_id", ev.ID.String()),
		zap.Float64("amount", amount),
		zap.String("currency", currency))
	return nil
}

// SessionHandler tracks login and logout activity per platform.
type SessionHandler struct {
	sink   *metrics.Sink
	logger *zap.Logger
}

// NewSessionHandler creates the session handler.
func NewSessionHandler(sink *metrics.Sink, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{sink: sink, logger: logger.Named("session")}
}

func (h *SessionHandler) Name() string { return "session" }

func (h *SessionHandler) Handle(ctx context.Context, ev *event.Event) error {
	platform, _ := ev.Metadata["platform"].(string)
	if platform == "" {
		platform = "unknown"
	}
	h.sink.Increment("sessions_total", map[string]string{
		"event_type": string(ev.Type),
		"platform":   platform,
	}, 1)
	return nil
}

// SignupHandler counts new registrations.
type SignupHandler struct {
	sink   *metrics.Sink
	logger *zap.Logger
}

// NewSignupHandler creates the signup handler.
func NewSignupHandler(sink *metrics.Sink, logger *zap.Logger) *SignupHandler {
	return &SignupHandler{sink: sink, logger: logger.Named("signup")}
}

func (h *SignupHandler) Name() string { return "signup" }

func (h *SignupHandler) Handle(ctx context.Context, ev *event.Event) error {
	platform, _ := ev.Metadata["platform"].(string)
	if platform == "" {
		platform = "unknown"
	}
	h.sink.Increment("signups_total", map[string]string{"platform": platform}, 1)
	h.logger.Info("signup recorded",
		zap.String("event_id", ev.ID.String()),
		zap.String("user_id", ev.UserID.String()),
		zap.String("platform", platform))
	return nil
}

// AuditHandler logs every event at debug level. Registered globally.
type AuditHandler struct {
	logger *zap.Logger
}

// NewAuditHandler creates the audit handler.
func NewAuditHandler(logger *zap.Logger) *AuditHandler {
	return &AuditHandler{logger: logger.Named("audit")}
}

func (h *AuditHandler) Name() string { return "audit" }

func (h *AuditHandler) Handle(ctx context.Context, ev *event.Event) error {
	h.logger.Debug("event",
		zap.String("event_id", ev.ID.String()),
		zap.String("event_type", string(ev.Type)),
		zap.String("user_id", ev.UserID.String()),
		zap.Int("priority", ev.Priority),
		zap.String("source", string(ev.Source)))
	return nil
}
