package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies a per-principal token bucket. A nil limiter
// disables rate limiting entirely.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows rps requests per second per principal with the
// given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether the principal may proceed now.
func (l *RateLimiter) Allow(principalID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters[principalID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[principalID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
