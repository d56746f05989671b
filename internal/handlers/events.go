// Package handlers exposes the HTTP API: event intake, status, health,
// metrics, and the operational inspection endpoints.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shmandalf/event-service/internal/cache"
	"github.com/shmandalf/event-service/internal/event"
	"github.com/shmandalf/event-service/internal/ingest"
	"github.com/shmandalf/event-service/internal/store"
)

// ingestRequest is the intake DTO. Priority is a pointer so an omitted
// field is distinguishable from an explicit 0.
type ingestRequest struct {
	UserID         string                 `json:"user_id" binding:"required"`
	EventType      string                 `json:"event_type" binding:"required"`
	Timestamp      time.Time              `json:"timestamp" binding:"required"`
	Payload        map[string]interface{} `json:"payload"`
	Metadata       map[string]interface{} `json:"metadata"`
	Priority       *int                   `json:"priority"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

// Store is the persistence surface the handlers read from. Satisfied
// by *store.Store.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*event.Event, error)
	CountByStatus(ctx context.Context) (map[event.Status]int64, error)
	Ping(ctx context.Context) error
}

// EventHandler serves the event intake and status endpoints.
type EventHandler struct {
	ingest *ingest.Service
	store  Store
	cache  *cache.StatusCache
	log    *logrus.Logger
}

// NewEventHandler creates the handler. statuses may be nil to disable
// status caching.
func NewEventHandler(svc *ingest.Service, st Store, statuses *cache.StatusCache, log *logrus.Logger) *EventHandler {
	if log == nil {
		log = logrus.New()
	}
	return &EventHandler{ingest: svc, store: st, cache: statuses, log: log}
}

// Create handles POST /api/v1/events.
func (h *EventHandler) Create(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "invalid request body",
			"messages": []string{err.Error()},
		})
		return
	}

	ev := &event.Event{
		Type:           event.Type(req.EventType),
		Timestamp:      req.Timestamp,
		Payload:        req.Payload,
		Metadata:       req.Metadata,
		Priority:       event.PriorityUnset,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.Priority != nil {
		ev.Priority = *req.Priority
	}
	if uid, err := uuid.Parse(req.UserID); err == nil {
		ev.UserID = uid
	}

	res := h.ingest.Ingest(c.Request.Context(), ev)
	switch res.Outcome {
	case ingest.Rejected:
		messages := make([]string, 0, len(res.FieldErrors))
		for field, msg := range res.FieldErrors {
			messages = append(messages, field+": "+msg)
		}
		if res.Err != nil {
			messages = append(messages, res.Err.Error())
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "validation failed",
			"messages": messages,
		})

	case ingest.Duplicate:
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"event_id": res.EventID,
			"message":  "event already accepted",
			"cached":   true,
		})

	case ingest.Accepted:
		if res.Err != nil && res.Queue != "store" {
			h.log.WithError(res.Err).Error("intake failed after queueing attempts")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "event could not be accepted",
			})
			return
		}
		h.log.WithFields(logrus.Fields{
			"event_id": res.EventID,
			"queue":    res.Queue,
		}).Info("event accepted")
		c.JSON(http.StatusAccepted, gin.H{
			"success":          true,
			"event_id":         res.EventID,
			"message":          "event accepted",
			"queue":            res.Queue,
			"queue_message_id": res.QueueMessageID,
		})
	}
}

// Status handles GET /api/v1/events/:eventId/status.
func (h *EventHandler) Status(c *gin.Context) {
	id, err := uuid.Parse(c.Param("eventId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	if h.cache != nil {
		if ev, err := h.cache.Get(c.Request.Context(), id); err == nil {
			h.respondStatus(c, ev)
			return
		}
	}

	ev, err := h.store.GetByID(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		// Not persisted yet; still in flight on a queue.
		c.JSON(http.StatusOK, gin.H{
			"event_id":       id.String(),
			"status":         string(event.StatusPending),
			"estimated_time": estimate(event.StatusPending, 5),
		})
		return
	}
	if err != nil {
		h.log.WithError(err).Error("status lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status lookup failed"})
		return
	}

	if h.cache != nil {
		if err := h.cache.Put(c.Request.Context(), ev); err != nil {
			h.log.WithError(err).Debug("status cache put failed")
		}
	}
	h.respondStatus(c, ev)
}

func (h *EventHandler) respondStatus(c *gin.Context, ev *event.Event) {
	resp := gin.H{
		"event_id":   ev.ID.String(),
		"event_type": string(ev.Type),
		"status":     string(ev.Status),
	}
	if ev.ProcessedAt != nil {
		resp["processed_at"] = ev.ProcessedAt.UTC().Format(time.RFC3339)
	} else {
		resp["estimated_time"] = estimate(ev.Status, ev.Priority)
	}
	if ev.LastError != "" {
		resp["last_error"] = ev.LastError
	}
	c.JSON(http.StatusOK, resp)
}

// estimate guesses time-to-processed from status and priority class.
func estimate(status event.Status, priority int) string {
	switch status {
	case event.StatusProcessing:
		return "under 1s"
	case event.StatusFailed:
		return "manual intervention required"
	default:
		if priority >= event.HighPriorityThreshold {
			return "1-5s"
		}
		return "5-30s"
	}
}
