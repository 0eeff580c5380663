package oracle

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is the process-wide token bucket gating every oracle call. Retreat
// halves the rate on a 429; Recover doubles it after a success, never above
// the configured ceiling.
type Limiter struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	ceiling   rate.Limit
	current   rate.Limit
	floor     rate.Limit
	retreated bool
}

// NewLimiter builds a limiter with the configured QPS ceiling and burst.
func NewLimiter(qps float64, burst int) *Limiter {
	if qps <= 0 {
		qps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	ceiling := rate.Limit(qps)
	return &Limiter{
		limiter: rate.NewLimiter(ceiling, burst),
		ceiling: ceiling,
		current: ceiling,
		floor:   ceiling / 64,
	}
}

// Wait blocks until a token is available or the context is done.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	limiter := l.limiter
	l.mu.Unlock()
	return limiter.Wait(ctx)
}

// Retreat halves the rate in response to a 429.
func (l *Limiter) Retreat() {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.current / 2
	if next < l.floor {
		next = l.floor
	}
	l.current = next
	l.retreated = true
	l.limiter.SetLimit(next)
}

// Recover doubles the rate after a success that follows a retreat, bounded
// by the configured ceiling.
func (l *Limiter) Recover() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.retreated {
		return
	}
	next := l.current * 2
	if next >= l.ceiling {
		next = l.ceiling
		l.retreated = false
	}
	l.current = next
	l.limiter.SetLimit(next)
}

// Rate returns the current requests-per-second limit.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.current)
}
