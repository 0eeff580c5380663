package analysis_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"earshot/internal/analysis"
	"earshot/internal/config"
	"earshot/internal/contentstore"
	"earshot/internal/fiscal"
	"earshot/internal/llm"
	"earshot/internal/logging"
	"earshot/internal/oracle"
	"earshot/internal/queue"
	"earshot/internal/services"
	"earshot/internal/store"
	"earshot/internal/testsupport"
)

type fakeProvider struct {
	calls  atomic.Int32
	result llm.Result
	err    error
}

func (f *fakeProvider) Generate(ctx context.Context, req llm.Request) (llm.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return llm.Result{}, f.err
	}
	result := f.result
	if result.OutputText == "" {
		result.OutputText = "analysis of: " + req.Input[:min(20, len(req.Input))]
	}
	return result, nil
}

func (f *fakeProvider) Ref() llm.ModelRef {
	return llm.ModelRef{Provider: "openai", Model: "gpt-4o-mini"}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type fixture struct {
	cfg        *config.Config
	handler    *analysis.Handler
	store      *store.Store
	broker     *queue.Broker
	provider   *fakeProvider
	equity     *store.Equity
	transcript *store.Transcript
	period     fiscal.Period
}

func newFixture(t *testing.T, provider *fakeProvider, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	broker := queue.NewBroker(st, queue.WithMaxAttempts(queue.AnalysisRequest, analysis.MaxAttempts))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Operator: Good morning and welcome to the earnings call."))
	}))
	t.Cleanup(server.Close)

	content, err := contentstore.New(cfg.Paths.ContentDir)
	if err != nil {
		t.Fatalf("content store: %v", err)
	}
	limiter := oracle.NewLimiter(100, 100)
	client := oracle.NewClient(oracle.Config{BaseURL: server.URL}, limiter)

	handler := analysis.New(cfg, st, broker, content, client, provider, logging.NewNop())

	ctx := context.Background()
	equity := testsupport.SeedEquity(t, st, "ACME")
	if err := st.AddToWatchlist(ctx, equity.ID); err != nil {
		t.Fatalf("watchlist: %v", err)
	}
	period := fiscal.Target(time.Now())
	transcript := testsupport.SeedAvailableTranscript(t, st, equity.ID, period, server.URL+"/t1")

	return &fixture{
		cfg: cfg, handler: handler, store: st, broker: broker,
		provider: provider, equity: equity, transcript: transcript, period: period,
	}
}

func (f *fixture) request(t *testing.T, force bool) *queue.Message {
	t.Helper()
	ctx := context.Background()
	key := queue.AnalysisKey(f.transcript.ID, f.transcript.SourceURL, force)
	if _, _, err := f.store.InsertAnalysisJob(ctx, f.transcript.ID, key, force); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	payload := queue.AnalysisPayload{
		TranscriptID:   f.transcript.ID,
		SourceURL:      f.transcript.SourceURL,
		Force:          force,
		IdempotencyKey: key,
	}
	if _, err := f.broker.Publish(ctx, queue.AnalysisRequest, payload, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs, err := f.broker.Claim(ctx, queue.AnalysisRequest, 1, time.Minute)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("claim = %d, %v", len(msgs), err)
	}
	return msgs[0]
}

func TestAnalysisHappyPath(t *testing.T) {
	provider := &fakeProvider{result: llm.Result{OutputText: "Strong quarter.", TokensIn: 1000, TokensOut: 200, Cost: 0.02}}
	f := newFixture(t, provider)
	ctx := context.Background()

	msg := f.request(t, false)
	if err := f.handler.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	stored, err := f.store.LatestAnalysisForTranscript(ctx, f.transcript.ID)
	if err != nil {
		t.Fatalf("analysis: %v", err)
	}
	if stored.OutputText != "Strong quarter." || stored.TokensIn != 1000 || stored.TokensOut != 200 {
		t.Fatalf("unexpected analysis: %+v", stored)
	}

	transcript, err := f.store.GetTranscript(ctx, f.transcript.ID)
	if err != nil || transcript.AnalysisStatus != store.AnalysisDone {
		t.Fatalf("analysis status = %q, %v", transcript.AnalysisStatus, err)
	}
	if transcript.ContentPath == "" {
		t.Fatal("expected content path recorded")
	}

	// One outbox row per configured recipient.
	rows, err := f.store.ListOutboxRows(ctx, 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("outbox rows = %d, %v", len(rows), err)
	}
	if rows[0].Recipient != "analyst@example.com" || rows[0].Status != store.OutboxPending {
		t.Fatalf("unexpected outbox row: %+v", rows[0])
	}

	// Job marked done.
	job, err := f.store.GetAnalysisJobByKey(ctx, queue.AnalysisKey(f.transcript.ID, f.transcript.SourceURL, false))
	if err != nil || job.Status != store.JobDone {
		t.Fatalf("job = %+v, %v", job, err)
	}
}

func TestDuplicateRequestIsNoOpWhileInProgress(t *testing.T) {
	provider := &fakeProvider{}
	f := newFixture(t, provider)
	ctx := context.Background()

	// Simulate another worker holding the reservation.
	if reserved, err := f.store.TryReserveTranscriptAnalysis(ctx, f.transcript.ID); err != nil || !reserved {
		t.Fatalf("reserve = %v, %v", reserved, err)
	}

	msg := f.request(t, false)
	if err := f.handler.Handle(ctx, msg); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if provider.calls.Load() != 0 {
		t.Fatal("provider must not be called while reservation is held")
	}
}

func TestCrashRetryConvergesOnOneAnalysis(t *testing.T) {
	provider := &fakeProvider{result: llm.Result{OutputText: "Out."}}
	f := newFixture(t, provider)
	ctx := context.Background()

	// First delivery completes.
	msg := f.request(t, false)
	if err := f.handler.Handle(ctx, msg); err != nil {
		t.Fatalf("first handle: %v", err)
	}

	// The same message redelivered (lease lapsed before the ack landed).
	// The reservation was released to done, so the worker re-runs, and the
	// unique idempotency key collapses the second insert.
	if err := f.handler.Handle(ctx, msg); err != nil {
		t.Fatalf("redelivered handle: %v", err)
	}

	all, err := f.store.ListAnalysesForTranscript(ctx, f.transcript.ID)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected one analysis after redelivery, got %d (%v)", len(all), err)
	}
}

func TestTransientProviderErrorReleasesReservation(t *testing.T) {
	provider := &fakeProvider{err: services.Wrap(services.ErrTransient, "llm", "generate", "upstream 502", nil)}
	f := newFixture(t, provider)
	ctx := context.Background()

	msg := f.request(t, false)
	err := f.handler.Handle(ctx, msg)
	if err == nil || services.IsPermanent(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	transcript, getErr := f.store.GetTranscript(ctx, f.transcript.ID)
	if getErr != nil {
		t.Fatalf("get transcript: %v", getErr)
	}
	if transcript.AnalysisStatus != "" {
		t.Fatalf("expected reservation released, got %q", transcript.AnalysisStatus)
	}
}

func TestPermanentProviderErrorRecordsFailure(t *testing.T) {
	provider := &fakeProvider{err: services.Wrap(services.ErrPermanent, "llm", "generate", "invalid prompt", nil)}
	f := newFixture(t, provider)
	ctx := context.Background()

	msg := f.request(t, false)
	err := f.handler.Handle(ctx, msg)
	if !services.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}

	transcript, getErr := f.store.GetTranscript(ctx, f.transcript.ID)
	if getErr != nil {
		t.Fatalf("get transcript: %v", getErr)
	}
	if transcript.AnalysisStatus != store.AnalysisError || transcript.AnalysisError == "" {
		t.Fatalf("expected error recorded, got %q / %q", transcript.AnalysisStatus, transcript.AnalysisError)
	}
}

func TestGroupPromptPreferred(t *testing.T) {
	provider := &fakeProvider{}
	f := newFixture(t, provider)
	ctx := context.Background()

	group, err := f.store.UpsertGroup(ctx, "Sector", "", "Focus on unit economics.", true)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if err := f.store.AddGroupMember(ctx, group.ID, f.equity.ID); err != nil {
		t.Fatalf("member: %v", err)
	}

	msg := f.request(t, false)
	if err := f.handler.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	stored, err := f.store.LatestAnalysisForTranscript(ctx, f.transcript.ID)
	if err != nil {
		t.Fatalf("analysis: %v", err)
	}
	if stored.PromptSnapshot != "Focus on unit economics." {
		t.Fatalf("expected group prompt snapshot, got %q", stored.PromptSnapshot)
	}
}

func TestAnalysisSignalsGroupResearch(t *testing.T) {
	provider := &fakeProvider{}
	f := newFixture(t, provider)
	ctx := context.Background()

	group, err := f.store.UpsertGroup(ctx, "Sector", "", "", true)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if err := f.store.AddGroupMember(ctx, group.ID, f.equity.ID); err != nil {
		t.Fatalf("member: %v", err)
	}

	msg := f.request(t, false)
	if err := f.handler.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	signals, err := f.broker.Claim(ctx, queue.GroupResearchRequest, 10, time.Minute)
	if err != nil || len(signals) != 1 {
		t.Fatalf("research signals = %d, %v", len(signals), err)
	}
	var payload queue.ResearchPayload
	if err := queue.Decode(signals[0], &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.EquityID != f.equity.ID || payload.RunID != 0 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestEmailDisabledSkipsOutbox(t *testing.T) {
	provider := &fakeProvider{}
	f := newFixture(t, provider, testsupport.WithEmailDisabled())
	ctx := context.Background()

	msg := f.request(t, false)
	if err := f.handler.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	rows, err := f.store.ListOutboxRows(ctx, 10)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no outbox rows, got %d (%v)", len(rows), err)
	}
}

func TestMissingTranscriptIsPermanent(t *testing.T) {
	provider := &fakeProvider{}
	f := newFixture(t, provider)
	ctx := context.Background()

	payload := queue.AnalysisPayload{TranscriptID: 9999, SourceURL: "https://x", IdempotencyKey: "k"}
	if _, err := f.broker.Publish(ctx, queue.AnalysisRequest, payload, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs, _ := f.broker.Claim(ctx, queue.AnalysisRequest, 1, time.Minute)
	err := f.handler.Handle(ctx, msgs[0])
	if !errors.Is(err, services.ErrPermanent) && !services.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
