package scheduler

import (
	"math/rand"
	"time"

	"earshot/internal/fiscal"
	"earshot/internal/oracle"
	"earshot/internal/retry"
)

// Cadence deltas per observed signal.
const (
	cadenceAvailable     = 24 * time.Hour
	cadenceImminent      = 10 * time.Minute
	cadenceThisWeek      = time.Hour
	cadenceUpcomingFar   = 4 * time.Hour
	cadenceNoneActiveMin = 4 * time.Hour
	cadenceNoneActiveMax = 6 * time.Hour
	cadenceNoneIdle      = 24 * time.Hour
	cadencePermanentErr  = 24 * time.Hour
	cadenceRetired       = 7 * 24 * time.Hour

	jitterFraction = 0.2
)

// NextCheck computes when a schedule row should be polled again after an
// observation. attempts counts consecutive transient errors and is zero on
// success. The period's activity (whether it is the current fiscal target)
// decides how aggressively "none" is re-polled.
func NextCheck(now time.Time, status oracle.Status, eventDate *time.Time, attempts int, period fiscal.Period) time.Time {
	target := fiscal.Target(now)

	var delta time.Duration
	switch status {
	case oracle.StatusAvailable:
		delta = cadenceAvailable
	case oracle.StatusUpcoming:
		delta = upcomingDelta(now, eventDate)
	default: // none
		if period == target {
			spread := cadenceNoneActiveMax - cadenceNoneActiveMin
			delta = cadenceNoneActiveMin + time.Duration(rand.Float64()*float64(spread))
		} else {
			delta = cadenceNoneIdle
		}
	}
	if attempts > 0 {
		delta = retry.Fetch.Delay(attempts)
	}

	return now.Add(withJitter(delta))
}

// NextCheckPermanentError is the cadence after an unrecoverable oracle
// response (bad auth, malformed payload): daily, so a fixed credential is
// picked up without manual intervention.
func NextCheckPermanentError(now time.Time) time.Time {
	return now.Add(withJitter(cadencePermanentErr))
}

// RetiredNextCheck is the cadence for soft-retired rows.
func RetiredNextCheck(now time.Time) time.Time {
	return now.Add(withJitter(cadenceRetired))
}

func upcomingDelta(now time.Time, eventDate *time.Time) time.Duration {
	if eventDate == nil {
		return cadenceUpcomingFar
	}
	until := eventDate.Sub(now)
	switch {
	case until <= 24*time.Hour:
		return cadenceImminent
	case until <= 7*24*time.Hour:
		return cadenceThisWeek
	default:
		return cadenceUpcomingFar
	}
}

// withJitter adds uniform jitter in [0, jitterFraction*delta) to break
// thundering herds.
func withJitter(delta time.Duration) time.Duration {
	if delta <= 0 {
		return delta
	}
	return delta + time.Duration(rand.Float64()*jitterFraction*float64(delta))
}
