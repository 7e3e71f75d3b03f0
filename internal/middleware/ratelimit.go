package middleware

import (
	"net/http"
	"sync"
	"time"

	"posapproval/pkg/response"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
}

// NewRateLimiter allows perMinute requests per caller with the given burst
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		idleTTL:  10 * time.Minute,
	}
}

func (l *RateLimiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	// prune idle buckets while we hold the lock
	for k, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > l.idleTTL {
			delete(l.limiters, k)
		}
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters[key] = &limiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// Allow reports whether key may proceed now
func (l *RateLimiter) Allow(key string) bool {
	return l.get(key, time.Now()).Allow()
}

// Middleware keys by authenticated user, falling back to the client IP
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if principal, ok := CurrentPrincipal(c); ok {
			key = "user:" + principal.ID.String()
		}

		if !l.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, response.Error(http.StatusTooManyRequests, "Too many verification attempts, slow down"))
			return
		}
		c.Next()
	}
}
