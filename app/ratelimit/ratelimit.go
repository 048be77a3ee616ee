// Package ratelimit throttles API clients by address.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/novatra/novatra/app/apierror"
	"github.com/novatra/novatra/log"
)

// Store keeps one token bucket per client key.
type Store struct {
	mu       sync.Mutex
	limiters map[string]*client
	interval time.Duration
	burst    int
	// idle is how long a bucket takes to refill completely; an entry
	// unused for that long behaves like a fresh one and can be dropped.
	idle      time.Duration
	lastPrune time.Time
	now       func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewStore allows requests per window with bursts up to burst. A burst
// of zero or less defaults to requests. requests and window must be
// positive.
func NewStore(requests int, window time.Duration, burst int) *Store {
	if burst <= 0 {
		burst = requests
	}
	interval := window / time.Duration(requests)
	return &Store{
		limiters: make(map[string]*client),
		interval: interval,
		burst:    burst,
		idle:     interval * time.Duration(burst),
		now:      time.Now,
	}
}

// Allow takes one token for key.
func (s *Store) Allow(key string) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastPrune) > s.idle {
		s.pruneLocked(now)
	}
	c, ok := s.limiters[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Every(s.interval), s.burst)}
		s.limiters[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (s *Store) pruneLocked(now time.Time) {
	for key, c := range s.limiters {
		if now.Sub(c.lastSeen) > s.idle {
			delete(s.limiters, key)
		}
	}
	s.lastPrune = now
}

// Len returns the number of tracked clients.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// retryAfter is the time one token takes to come back, in whole seconds.
func (s *Store) retryAfter() string {
	return strconv.Itoa(int(math.Ceil(s.interval.Seconds())))
}

// Middleware rejects clients over their limit with 429.
func Middleware(s *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Allow(c.ClientIP()) {
			c.Next()
			return
		}
		log.LogAppDebug("rate limited", "client_ip", c.ClientIP(), "path", c.Request.URL.Path)
		c.Header("Retry-After", s.retryAfter())
		c.AbortWithStatusJSON(http.StatusTooManyRequests, apierror.Response{Error: "rate limit exceeded"})
	}
}
