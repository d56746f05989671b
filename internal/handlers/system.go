package handlers

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/shmandalf/event-service/internal/breaker"
	"github.com/shmandalf/event-service/internal/dlq"
	"github.com/shmandalf/event-service/internal/queue/rabbitmq"
	"github.com/shmandalf/event-service/internal/queue/redisstream"
)

var startedAt = time.Now()

// SystemHandler serves health and operational inspection endpoints.
type SystemHandler struct {
	broker   *rabbitmq.Broker
	stream   *redisstream.Stream
	store    Store
	dead     *dlq.Manager
	breakers map[string]*breaker.Breaker
	log      *logrus.Logger
	version  string
}

// NewSystemHandler creates the handler.
func NewSystemHandler(broker *rabbitmq.Broker, stream *redisstream.Stream, st Store, dead *dlq.Manager, breakers map[string]*breaker.Breaker, version string, log *logrus.Logger) *SystemHandler {
	if log == nil {
		log = logrus.New()
	}
	return &SystemHandler{
		broker:   broker,
		stream:   stream,
		store:    st,
		dead:     dead,
		breakers: breakers,
		log:      log,
		version:  version,
	}
}

// Health handles GET /api/v1/health. Degraded dependencies turn the
// response 503 so load balancers rotate the instance out.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()

	checks := gin.H{}
	healthy := true

	if err := h.broker.HealthCheck(ctx); err != nil {
		checks["rabbitmq"] = err.Error()
		healthy = false
	} else {
		checks["rabbitmq"] = "ok"
	}
	if err := h.stream.HealthCheck(ctx); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	} else {
		checks["redis"] = "ok"
	}
	if err := h.store.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		healthy = false
	} else {
		checks["postgres"] = "ok"
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"uptime": time.Since(startedAt).String(),
	})
}

// Info handles GET /api/v1/system/info.
func (h *SystemHandler) Info(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	host, _ := os.Hostname()
	c.JSON(http.StatusOK, gin.H{
		"version":    h.version,
		"hostname":   host,
		"pid":        os.Getpid(),
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
		"memory_mb":  mem.Alloc / 1024 / 1024,
		"uptime":     time.Since(startedAt).String(),
	})
}

// QueueStats handles GET /api/v1/system/queue-stats.
func (h *SystemHandler) QueueStats(c *gin.Context) {
	ctx := c.Request.Context()
	stats := gin.H{}

	for _, name := range []string{rabbitmq.QueueHighPriority, rabbitmq.QueueNormal, rabbitmq.QueueDeadLetter} {
		depth, err := h.broker.QueueDepth(name)
		if err != nil {
			stats[name] = gin.H{"error": err.Error()}
			continue
		}
		stats[name] = gin.H{"depth": depth}
	}

	for _, name := range []string{redisstream.StreamNormal, redisstream.StreamHigh, redisstream.StreamDLQ} {
		length, err := h.stream.Len(ctx, name)
		if err != nil {
			stats[name] = gin.H{"error": err.Error()}
			continue
		}
		stats[name] = gin.H{"depth": length}
	}

	if h.dead != nil {
		if ds, err := h.dead.Stats(ctx); err == nil {
			stats["dlq_backup"] = gin.H{"depth": ds.BackupDepth}
		}
	}

	if counts, err := h.store.CountByStatus(ctx); err == nil {
		byStatus := gin.H{}
		for status, n := range counts {
			byStatus[string(status)] = n
		}
		stats["events_by_status"] = byStatus
	}

	c.JSON(http.StatusOK, stats)
}

// CircuitBreakers handles GET /api/v1/system/circuit-breakers.
func (h *SystemHandler) CircuitBreakers(c *gin.Context) {
	ctx := c.Request.Context()
	out := gin.H{}
	for name, br := range h.breakers {
		snap := br.Snapshot(ctx)
		out[name] = gin.H{
			"state":         string(snap.State),
			"failure_count": snap.FailureCount,
			"success_count": snap.SuccessCount,
			"opened_at":     formatOpenedAt(snap.OpenedAt),
		}
	}
	c.JSON(http.StatusOK, out)
}

func formatOpenedAt(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
