package workflow_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"earshot/internal/analysis"
	"earshot/internal/contentstore"
	"earshot/internal/email"
	"earshot/internal/fetcher"
	"earshot/internal/fiscal"
	"earshot/internal/llm"
	"earshot/internal/logging"
	"earshot/internal/oracle"
	"earshot/internal/queue"
	"earshot/internal/research"
	"earshot/internal/scheduler"
	"earshot/internal/store"
	"earshot/internal/testsupport"
	"earshot/internal/workflow"
)

type fakeProvider struct {
	calls atomic.Int32
}

func (f *fakeProvider) Generate(ctx context.Context, req llm.Request) (llm.Result, error) {
	f.calls.Add(1)
	return llm.Result{OutputText: "summary", TokensIn: 10, TokensOut: 5}, nil
}

func (f *fakeProvider) Ref() llm.ModelRef {
	return llm.ModelRef{Provider: "openai", Model: "gpt-4o-mini"}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []email.OutboundEmail
}

func (f *fakeSender) Send(ctx context.Context, msg email.OutboundEmail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// oracleScript answers status checks from a mutable response and serves plain
// text for the transcript download path.
type oracleScript struct {
	mu       sync.Mutex
	response map[string]string
}

func (o *oracleScript) set(response map[string]string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.response = response
}

func (o *oracleScript) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/t1" {
			w.Write([]byte("Operator: welcome to the call."))
			return
		}
		o.mu.Lock()
		response := o.response
		o.mu.Unlock()
		if response == nil {
			response = map[string]string{"status": "none"}
		}
		json.NewEncoder(w).Encode(response)
	}
}

type managerFixture struct {
	manager   *workflow.Manager
	store     *store.Store
	broker    *queue.Broker
	script    *oracleScript
	serverURL string
}

func newManagerFixture(t *testing.T, provider llm.Provider, sender email.Sender) *managerFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	broker := queue.NewBroker(st, queue.WithMaxAttempts(queue.AnalysisRequest, analysis.MaxAttempts))

	script := &oracleScript{}
	server := httptest.NewServer(script.handler())
	t.Cleanup(server.Close)
	cfg.Oracle.BaseURL = server.URL

	content, err := contentstore.New(cfg.Paths.ContentDir)
	if err != nil {
		t.Fatalf("content store: %v", err)
	}
	limiter := oracle.NewLimiter(cfg.Oracle.QPS, cfg.Oracle.Burst)
	client := oracle.NewClient(oracle.Config{BaseURL: server.URL}, limiter)
	logger := logging.NewNop()

	manager := workflow.NewManager(cfg, st, broker, logger, workflow.Deps{
		Scheduler:   scheduler.New(cfg, st, broker, logger),
		Fetcher:     fetcher.New(st, broker, client, logger),
		Analyzer:    analysis.New(cfg, st, broker, content, client, provider, logger),
		EmailWorker: email.NewWorker(cfg, st, sender, logger),
		Coordinator: research.New(cfg, st, broker, provider, logger),
	})
	return &managerFixture{
		manager:   manager,
		store:     st,
		broker:    broker,
		script:    script,
		serverURL: server.URL,
	}
}

func TestPipelineDeliversEmailForWatchlistedEquity(t *testing.T) {
	provider := &fakeProvider{}
	sender := &fakeSender{}
	f := newManagerFixture(t, provider, sender)

	ctx := context.Background()
	equity := testsupport.SeedEquity(t, f.store, "E1")
	if err := f.store.AddToWatchlist(ctx, equity.ID); err != nil {
		t.Fatalf("watchlist: %v", err)
	}
	f.script.set(map[string]string{
		"status":     "available",
		"source_url": f.serverURL + "/t1",
	})

	if err := f.manager.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.manager.Stop()

	testsupport.WaitFor(t, 20*time.Second, func() bool {
		return sender.count() >= 1
	})

	transcript, err := f.store.GetTranscriptByPeriod(ctx, equity.ID, fiscal.Target(time.Now()))
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if transcript.AnalysisStatus != store.AnalysisDone {
		t.Fatalf("analysis status %q", transcript.AnalysisStatus)
	}
	rows, err := f.store.ListOutboxRows(ctx, 10)
	if err != nil || len(rows) != 1 || rows[0].Status != store.OutboxSent {
		t.Fatalf("outbox = %+v, %v", rows, err)
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("expected one analysis, got %d provider calls", provider.calls.Load())
	}
}

func TestRestartResumesCleanly(t *testing.T) {
	provider := &fakeProvider{}
	sender := &fakeSender{}
	f := newManagerFixture(t, provider, sender)

	ctx := context.Background()
	equity := testsupport.SeedEquity(t, f.store, "E1")
	if err := f.store.AddToWatchlist(ctx, equity.ID); err != nil {
		t.Fatalf("watchlist: %v", err)
	}
	f.script.set(map[string]string{
		"status":     "available",
		"source_url": f.serverURL + "/t1",
	})

	if err := f.manager.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	testsupport.WaitFor(t, 20*time.Second, func() bool {
		return sender.count() >= 1
	})
	f.manager.Stop()

	// A second run over the same store must not duplicate work: the
	// transcript analysis and its send already converged.
	if err := f.manager.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	time.Sleep(3 * time.Second)
	f.manager.Stop()

	analyses, err := f.store.ListAnalysesForTranscript(ctx, mustTranscriptID(t, f.store, equity.ID))
	if err != nil || len(analyses) != 1 {
		t.Fatalf("expected one analysis after restart, got %d (%v)", len(analyses), err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected one email after restart, got %d", sender.count())
	}
}

func TestManagerStopIsIdempotent(t *testing.T) {
	f := newManagerFixture(t, &fakeProvider{}, &fakeSender{})

	ctx := context.Background()
	if err := f.manager.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.manager.Start(ctx); err == nil {
		t.Fatal("second Start must fail while running")
	}
	f.manager.Stop()
	f.manager.Stop()
	if f.manager.Running() {
		t.Fatal("expected stopped manager")
	}
}

func mustTranscriptID(t *testing.T, st *store.Store, equityID int64) int64 {
	t.Helper()
	transcript, err := st.GetTranscriptByPeriod(context.Background(), equityID, fiscal.Target(time.Now()))
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	return transcript.ID
}
