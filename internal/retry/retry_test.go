package retry_test

import (
	"testing"
	"time"

	"earshot/internal/retry"
)

func TestFetchDelaySchedule(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{7, time.Hour},  // clamped
		{20, time.Hour}, // clamped far past the cap
	}
	for _, tc := range cases {
		if got := retry.Fetch.Delay(tc.attempts); got != tc.want {
			t.Errorf("Fetch.Delay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestAnalysisDelayClamp(t *testing.T) {
	if got := retry.Analysis.Delay(10); got != 30*time.Minute {
		t.Fatalf("Analysis.Delay(10) = %v, want 30m", got)
	}
}

func TestEmailDelayClamp(t *testing.T) {
	if got := retry.Email.Delay(1); got != 2*time.Minute {
		t.Fatalf("Email.Delay(1) = %v, want 2m", got)
	}
	if got := retry.Email.Delay(12); got != 6*time.Hour {
		t.Fatalf("Email.Delay(12) = %v, want 6h", got)
	}
}

func TestJitterBounds(t *testing.T) {
	p := retry.Policy{Base: time.Minute, Max: time.Hour, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		delay := p.Delay(0)
		if delay < time.Minute || delay > time.Minute+12*time.Second {
			t.Fatalf("jittered delay %v outside [1m, 1m12s]", delay)
		}
	}
}
