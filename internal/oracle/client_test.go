package oracle_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"earshot/internal/fiscal"
	"earshot/internal/oracle"
	"earshot/internal/services"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, qps float64) (*oracle.Client, *oracle.Limiter, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	limiter := oracle.NewLimiter(qps, 10)
	client := oracle.NewClient(oracle.Config{BaseURL: server.URL, APIKey: "test"}, limiter)
	return client, limiter, server
}

var period = fiscal.Period{Quarter: fiscal.Q2, Year: 2027}

func TestCheckAvailable(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test" {
			t.Errorf("missing auth header, got %q", got)
		}
		if got := r.URL.Query().Get("quarter"); got != "Q2" {
			t.Errorf("unexpected quarter %q", got)
		}
		w.Write([]byte(`{"status":"available","source_url":"https://cdn.example.com/t1.pdf","event_date":"2026-08-01T10:00:00Z"}`))
	}, 100)

	result, err := client.Check(context.Background(), "ACME", period)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Status != oracle.StatusAvailable {
		t.Fatalf("unexpected status %q", result.Status)
	}
	if result.SourceURL != "https://cdn.example.com/t1.pdf" {
		t.Fatalf("unexpected source url %q", result.SourceURL)
	}
	if result.EventDate == nil || !result.EventDate.Equal(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected event date %v", result.EventDate)
	}
}

func TestCheckUpcomingAndNone(t *testing.T) {
	responses := []string{
		`{"status":"upcoming","event_date":"2026-08-10T09:00:00Z"}`,
		`{"status":"none"}`,
	}
	var call atomic.Int32
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(responses[call.Add(1)-1]))
	}, 100)

	result, err := client.Check(context.Background(), "ACME", period)
	if err != nil || result.Status != oracle.StatusUpcoming || result.EventDate == nil {
		t.Fatalf("upcoming: got %+v, %v", result, err)
	}
	result, err = client.Check(context.Background(), "ACME", period)
	if err != nil || result.Status != oracle.StatusNone {
		t.Fatalf("none: got %+v, %v", result, err)
	}
}

func TestCheckClassifiesServerError(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}, 100)

	_, err := client.Check(context.Background(), "ACME", period)
	if err == nil || services.Classify(err) != services.OutcomeTransient {
		t.Fatalf("expected transient classification, got %v", err)
	}
}

func TestCheckClassifiesAuthError(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}, 100)

	_, err := client.Check(context.Background(), "ACME", period)
	if err == nil || !services.IsPermanent(err) {
		t.Fatalf("expected permanent classification, got %v", err)
	}
}

func TestRateLimitRetreatAndRecover(t *testing.T) {
	var failures atomic.Int32
	failures.Store(2)
	client, limiter, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if failures.Add(-1) >= 0 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"status":"none"}`))
	}, 8)

	ctx := context.Background()
	if _, err := client.Check(ctx, "ACME", period); !errors.Is(err, services.ErrRateLimited) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
	if got := limiter.Rate(); got != 4 {
		t.Fatalf("expected rate halved to 4, got %v", got)
	}
	if _, err := client.Check(ctx, "ACME", period); !errors.Is(err, services.ErrRateLimited) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
	if got := limiter.Rate(); got != 2 {
		t.Fatalf("expected rate halved to 2, got %v", got)
	}

	// Success path doubles back toward the ceiling, one step per success.
	if _, err := client.Check(ctx, "ACME", period); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if got := limiter.Rate(); got != 4 {
		t.Fatalf("expected rate recovered to 4, got %v", got)
	}
	if _, err := client.Check(ctx, "ACME", period); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if got := limiter.Rate(); got != 8 {
		t.Fatalf("expected rate recovered to ceiling 8, got %v", got)
	}
	if _, err := client.Check(ctx, "ACME", period); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if got := limiter.Rate(); got != 8 {
		t.Fatalf("rate must not exceed ceiling, got %v", got)
	}
}

func TestAvailableWithoutURLIsPermanent(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"available"}`))
	}, 100)

	_, err := client.Check(context.Background(), "ACME", period)
	if err == nil || !services.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
