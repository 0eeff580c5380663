package email_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"earshot/internal/email"
	"earshot/internal/fiscal"
	"earshot/internal/logging"
	"earshot/internal/services"
	"earshot/internal/store"
	"earshot/internal/testsupport"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []email.OutboundEmail
	errs []error
}

func (f *fakeSender) Send(ctx context.Context, msg email.OutboundEmail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newWorker(t *testing.T, sender *fakeSender) (*email.Worker, *store.Store, *store.OutboxRow) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	worker := email.NewWorker(cfg, st, sender, logging.NewNop())

	ctx := context.Background()
	equity := testsupport.SeedEquity(t, st, "ACME")
	period := fiscal.Period{Quarter: fiscal.Q1, Year: 2027}
	transcript := testsupport.SeedAvailableTranscript(t, st, equity.ID, period, "https://cdn.test/t1")
	analysis := testsupport.SeedAnalysis(t, st, transcript.ID, "analysis-key")
	if _, err := st.InsertOutboxRow(ctx, analysis.ID, "analyst@example.com"); err != nil {
		t.Fatalf("insert outbox: %v", err)
	}
	rows, err := st.ListOutboxRows(ctx, 1)
	if err != nil || len(rows) != 1 {
		t.Fatalf("list outbox = %d, %v", len(rows), err)
	}
	return worker, st, rows[0]
}

func TestDrainOnceSends(t *testing.T) {
	sender := &fakeSender{}
	worker, st, row := newWorker(t, sender)
	ctx := context.Background()

	processed, err := worker.DrainOnce(ctx)
	if err != nil || processed != 1 {
		t.Fatalf("DrainOnce = %d, %v", processed, err)
	}
	if sender.sentCount() != 1 {
		t.Fatalf("expected 1 send, got %d", sender.sentCount())
	}

	updated, err := st.GetOutboxRow(ctx, row.ID)
	if err != nil || updated.Status != store.OutboxSent {
		t.Fatalf("row status = %q, %v", updated.Status, err)
	}

	msg := sender.sent[0]
	if msg.To != "analyst@example.com" {
		t.Fatalf("unexpected recipient %q", msg.To)
	}
	if !strings.Contains(msg.Subject, "ACME") || !strings.Contains(msg.Subject, "Q1") {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if !strings.Contains(msg.BodyHTML, "analysis output") {
		t.Fatal("body missing analysis output")
	}
}

func TestTransientFailureReschedules(t *testing.T) {
	sender := &fakeSender{errs: []error{
		services.Wrap(services.ErrTransient, "email", "send", "connection refused", nil),
	}}
	worker, st, row := newWorker(t, sender)
	ctx := context.Background()

	if _, err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}

	updated, err := st.GetOutboxRow(ctx, row.ID)
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if updated.Status != store.OutboxPending || updated.RetryNextAt == nil {
		t.Fatalf("expected rescheduled pending row, got %+v", updated)
	}
	// First retry backs off roughly two minutes.
	delta := time.Until(*updated.RetryNextAt)
	if delta < 90*time.Second || delta > 3*time.Minute {
		t.Fatalf("retry delta %v outside first backoff window", delta)
	}
	if updated.LastError == "" {
		t.Fatal("expected last error recorded")
	}
}

func TestPermanentFailureMarksFailed(t *testing.T) {
	sender := &fakeSender{errs: []error{
		services.Wrap(services.ErrPermanent, "email", "send", "550 no such user", nil),
	}}
	worker, st, row := newWorker(t, sender)
	ctx := context.Background()

	if _, err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	updated, err := st.GetOutboxRow(ctx, row.ID)
	if err != nil || updated.Status != store.OutboxFailed {
		t.Fatalf("row status = %q, %v", updated.Status, err)
	}
}

func TestExhaustedAttemptsMarkDead(t *testing.T) {
	sender := &fakeSender{}
	worker, st, row := newWorker(t, sender)
	ctx := context.Background()

	// Pre-burn attempts up to the limit, then fail once more.
	for i := 0; i < email.MaxAttempts-1; i++ {
		if err := st.RescheduleOutboxRow(ctx, row.ID, time.Now().Add(-time.Minute), "x"); err != nil {
			t.Fatalf("reschedule: %v", err)
		}
		if _, err := st.ClaimOutboxRows(ctx, 1, time.Now(), time.Minute); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}
	if err := st.RescheduleOutboxRow(ctx, row.ID, time.Now().Add(-time.Minute), "x"); err != nil {
		t.Fatalf("final reschedule: %v", err)
	}

	sender.errs = []error{services.Wrap(services.ErrTransient, "email", "send", "timeout", nil)}
	if _, err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}

	updated, err := st.GetOutboxRow(ctx, row.ID)
	if err != nil || updated.Status != store.OutboxDead {
		t.Fatalf("row status = %q (attempts=%d), %v", updated.Status, updated.Attempts, err)
	}
}

func TestSentRowNotResent(t *testing.T) {
	sender := &fakeSender{}
	worker, _, _ := newWorker(t, sender)
	ctx := context.Background()

	if _, err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("first drain: %v", err)
	}
	processed, err := worker.DrainOnce(ctx)
	if err != nil || processed != 0 {
		t.Fatalf("second drain = %d, %v", processed, err)
	}
	if sender.sentCount() != 1 {
		t.Fatalf("expected exactly one send, got %d", sender.sentCount())
	}
}
