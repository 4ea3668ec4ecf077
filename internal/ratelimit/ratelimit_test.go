package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(rpm, burst int) (*Limiter, *time.Time) {
	l := New(Config{Scope: "test", RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Minute})
	now := time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterAllow(t *testing.T) {
	limiter, now := newTestLimiter(60, 5)
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("buyer-1"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("buyer-1"), "request after burst")

	*now = now.Add(time.Second)
	assert.True(t, limiter.Allow("buyer-1"), "one token per second at 60/min")
	assert.False(t, limiter.Allow("buyer-1"))
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(60, 3)
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-b"))
}

func TestLimiterBurstCap(t *testing.T) {
	limiter, now := newTestLimiter(600, 2)
	defer limiter.Stop()

	limiter.Allow("k")
	*now = now.Add(time.Hour)

	assert.True(t, limiter.Allow("k"))
	assert.True(t, limiter.Allow("k"))
	assert.False(t, limiter.Allow("k"), "tokens never exceed the burst size")
}

func TestStopTwice(t *testing.T) {
	limiter, _ := newTestLimiter(60, 1)
	limiter.Stop()
	assert.NotPanics(t, limiter.Stop)
}

func TestConfigs(t *testing.T) {
	assert.Equal(t, "api", DefaultConfig().Scope)
	assert.Greater(t, DefaultConfig().RequestsPerMinute, ReportConfig().RequestsPerMinute)
}

func TestMiddleware_KeysByUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(60, 1)
	defer limiter.Stop()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if uid := c.GetHeader("X-Test-User"); uid != "" {
			c.Set("authUserID", uid)
		}
		c.Next()
	}, limiter.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	call := func(user string) int {
		req := httptest.NewRequest("GET", "/x", nil)
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusNoContent, call("buyer-1"))
	assert.Equal(t, http.StatusTooManyRequests, call("buyer-1"))
	assert.Equal(t, http.StatusNoContent, call("buyer-2"), "separate bucket per user")
	assert.Equal(t, http.StatusNoContent, call(""), "anonymous callers share the IP bucket")
	assert.Equal(t, http.StatusTooManyRequests, call(""))
}
