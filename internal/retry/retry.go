// Package retry centralizes the exponential backoff schedules used across
// the pipeline so every worker retries the same way.
package retry

import (
	"math/rand"
	"time"
)

// Policy computes exponential backoff with a base delay, a cap, and optional
// uniform jitter.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the computed delay, e.g. 0.2
}

// Fetch is the schedule for oracle poll errors: min(2^attempts * 30s, 1h).
var Fetch = Policy{Base: 30 * time.Second, Max: time.Hour}

// Analysis is the schedule for transient analysis errors:
// min(2^attempts * 30s, 30m).
var Analysis = Policy{Base: 30 * time.Second, Max: 30 * time.Minute}

// Email is the schedule for transient SMTP errors: min(2^attempts * 60s, 6h).
var Email = Policy{Base: time.Minute, Max: 6 * time.Hour}

// Delay returns the backoff before the next attempt. attempts counts failures
// so far; the first retry (attempts=1) waits 2*Base.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		attempts = 30
	}
	delay := p.Base << uint(attempts)
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	return delay
}
