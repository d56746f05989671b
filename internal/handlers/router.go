package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/shmandalf/event-service/internal/metrics"
	"github.com/shmandalf/event-service/internal/middleware"
)

// NewRouter assembles the gin engine with all API routes.
func NewRouter(events *EventHandler, system *SystemHandler, sink *metrics.Sink, log *logrus.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	limiter := middleware.NewRateLimiter(nil)
	limiter.AddLimit("/api/v1/events", &middleware.RateLimitConfig{
		Requests: 1000,
		Window:   time.Minute,
	})

	r.Use(gin.Recovery(), requestLogger(log), limiter.Middleware())

	v1 := r.Group("/api/v1")
	{
		v1.POST("/events", events.Create)
		v1.GET("/events/:eventId/status", events.Status)

		v1.GET("/health", system.Health)
		v1.GET("/metrics", gin.WrapH(sink.Handler()))

		sys := v1.Group("/system")
		{
			sys.GET("/info", system.Info)
			sys.GET("/queue-stats", system.QueueStats)
			sys.GET("/circuit-breakers", system.CircuitBreakers)
		}
	}
	return r
}

// requestLogger logs each request with latency and status.
func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	if log == nil {
		log = logrus.New()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if c.Writer.Status() >= 500 {
			entry.Error("request failed")
		} else {
			entry.Debug("request")
		}
	}
}
