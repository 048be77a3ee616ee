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

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func newStore(requests int, window time.Duration, burst int) (*Store, *clock) {
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(requests, window, burst)
	s.now = clk.Now
	return s, clk
}

func TestStoreAllowsBurstThenRefills(t *testing.T) {
	s, clk := newStore(60, time.Minute, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, s.Allow("10.0.0.1"), "request %d", i)
	}
	assert.False(t, s.Allow("10.0.0.1"))
	assert.True(t, s.Allow("10.0.0.2"))

	clk.now = clk.now.Add(time.Second)
	assert.True(t, s.Allow("10.0.0.1"))
	assert.False(t, s.Allow("10.0.0.1"))
}

func TestStoreDropsIdleClients(t *testing.T) {
	s, clk := newStore(60, time.Minute, 3)
	s.Allow("10.0.0.1")
	s.Allow("10.0.0.2")
	assert.Equal(t, 2, s.Len())

	// a full refill takes three seconds
	clk.now = clk.now.Add(4 * time.Second)
	s.Allow("10.0.0.3")
	assert.Equal(t, 1, s.Len())
}

func TestMiddlewareRejectsBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, _ := newStore(2, time.Minute, 0)
	r := gin.New()
	r.Use(Middleware(s))
	r.GET("/api/v1/stats", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("192.0.2.1:4000").Code)
	assert.Equal(t, http.StatusOK, send("192.0.2.1:4001").Code)
	w := send("192.0.2.1:4002")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())

	assert.Equal(t, http.StatusOK, send("192.0.2.2:4000").Code)
}
