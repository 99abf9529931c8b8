package uploads

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ownerLimiter keeps one token bucket per owner.
type ownerLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// newOwnerLimiter returns nil when perMinute is not positive, which disables limiting.
func newOwnerLimiter(perMinute, burst int) *ownerLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &ownerLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		limiters: map[string]*rate.Limiter{},
	}
}

func (l *ownerLimiter) Allow(ownerID string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	limiter, ok := l.limiters[ownerID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ownerID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}
