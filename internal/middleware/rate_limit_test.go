package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimitedEngine(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/intake", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return r
}

func hit(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestLimiterAllowsWithinBudget(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Requests: 3, Window: time.Minute})
	r := newLimitedEngine(rl)

	for i := 0; i < 3; i++ {
		rec := hit(r, http.MethodGet, "/ok")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestLimiterRejectsOverBudget(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Requests: 2, Window: time.Minute})
	r := newLimitedEngine(rl)

	hit(r, http.MethodGet, "/ok")
	hit(r, http.MethodGet, "/ok")
	rec := hit(r, http.MethodGet, "/ok")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestLimiterRefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Requests: 2, Window: 40 * time.Millisecond})
	r := newLimitedEngine(rl)

	hit(r, http.MethodGet, "/ok")
	hit(r, http.MethodGet, "/ok")
	require.Equal(t, http.StatusTooManyRequests, hit(r, http.MethodGet, "/ok").Code)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/ok").Code)
}

func TestLimiterPerPathOverride(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Requests: 1, Window: time.Minute})
	rl.AddLimit("/intake", &RateLimitConfig{
		Requests: 10,
		Window:   time.Minute,
		KeyFunc:  func(c *gin.Context) string { return "intake:" + c.ClientIP() },
	})
	r := newLimitedEngine(rl)

	// Default budget of one is spent immediately.
	require.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/ok").Code)
	require.Equal(t, http.StatusTooManyRequests, hit(r, http.MethodGet, "/ok").Code)

	// The intake override keeps its own bucket and budget.
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusAccepted, hit(r, http.MethodPost, "/intake").Code)
	}
}

func TestLimiterIsolatesClients(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Requests: 1, Window: time.Minute})
	r := newLimitedEngine(rl)

	require.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/ok").Code)
	require.Equal(t, http.StatusTooManyRequests, hit(r, http.MethodGet, "/ok").Code)

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
