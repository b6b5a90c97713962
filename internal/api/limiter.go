package api

import (
	"context"
	"time"

	"github.com/c-pro/geche"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// WriteLimiter throttles document writes per caller. Idle limiters expire.
type WriteLimiter struct {
	limiters *geche.Locker[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// NewWriteLimiter allows rps writes per second per caller with the given
// burst. A non-positive rps disables throttling.
func NewWriteLimiter(ctx context.Context, rps float64, burst int) *WriteLimiter {
	if burst < 1 {
		burst = 1
	}
	return &WriteLimiter{
		limiters: geche.NewLocker[string, *rate.Limiter](
			geche.NewMapTTLCache[string, *rate.Limiter](ctx, limiterIdleTTL, time.Minute),
		),
		limit: rate.Limit(rps),
		burst: burst,
	}
}

func (l *WriteLimiter) Allow(caller string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	tx := l.limiters.Lock()
	defer tx.Unlock()
	lim, err := tx.Get(caller)
	if err != nil {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	tx.Set(caller, lim)
	return lim.Allow()
}
