package research_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"earshot/internal/fiscal"
	"earshot/internal/llm"
	"earshot/internal/logging"
	"earshot/internal/queue"
	"earshot/internal/research"
	"earshot/internal/services"
	"earshot/internal/store"
	"earshot/internal/testsupport"
)

type fakeProvider struct {
	calls atomic.Int32
	err   error
	last  atomic.Pointer[llm.Request]
}

func (f *fakeProvider) Generate(ctx context.Context, req llm.Request) (llm.Result, error) {
	f.calls.Add(1)
	f.last.Store(&req)
	if f.err != nil {
		return llm.Result{}, f.err
	}
	return llm.Result{OutputText: "comparative article", TokensIn: 3000, TokensOut: 900}, nil
}

func (f *fakeProvider) Ref() llm.ModelRef {
	return llm.ModelRef{Provider: "openai", Model: "gpt-4o-mini"}
}

type fixture struct {
	coordinator *research.Coordinator
	store       *store.Store
	broker      *queue.Broker
	provider    *fakeProvider
	group       *store.Group
	equities    []*store.Equity
	period      fiscal.Period
}

func newFixture(t *testing.T, provider *fakeProvider) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	broker := queue.NewBroker(st)
	coordinator := research.New(cfg, st, broker, provider, logging.NewNop())

	ctx := context.Background()
	group, err := st.UpsertGroup(ctx, "Cement", "Compare the cement makers.", "", true)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	var equities []*store.Equity
	for _, symbol := range []string{"E1", "E2", "E3"} {
		equity := testsupport.SeedEquity(t, st, symbol)
		if err := st.AddGroupMember(ctx, group.ID, equity.ID); err != nil {
			t.Fatalf("member: %v", err)
		}
		equities = append(equities, equity)
	}

	return &fixture{
		coordinator: coordinator,
		store:       st,
		broker:      broker,
		provider:    provider,
		group:       group,
		equities:    equities,
		period:      fiscal.Period{Quarter: fiscal.Q2, Year: 2027},
	}
}

func (f *fixture) completeMember(t *testing.T, equity *store.Equity) {
	t.Helper()
	transcript := testsupport.SeedAvailableTranscript(t, f.store, equity.ID, f.period, "https://cdn.test/"+equity.Symbol)
	testsupport.SeedAnalysis(t, f.store, transcript.ID, "key-"+equity.Symbol)
}

func (f *fixture) signal(t *testing.T, equity *store.Equity) *queue.Message {
	t.Helper()
	ctx := context.Background()
	payload := queue.ResearchPayload{EquityID: equity.ID, Quarter: f.period.Quarter, Year: f.period.Year}
	if _, err := f.broker.Publish(ctx, queue.GroupResearchRequest, payload, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs, err := f.broker.Claim(ctx, queue.GroupResearchRequest, 1, time.Minute)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("claim = %d, %v", len(msgs), err)
	}
	return msgs[0]
}

// drive processes every queued research message until the queue is dry.
func (f *fixture) drive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		msgs, err := f.broker.Claim(ctx, queue.GroupResearchRequest, 10, time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(msgs) == 0 {
			return
		}
		for _, msg := range msgs {
			if err := f.coordinator.Handle(ctx, msg); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if err := f.broker.Ack(ctx, msg.ID); err != nil {
				t.Fatalf("ack: %v", err)
			}
		}
	}
	t.Fatal("queue did not drain")
}

func TestFanInWaitsForAllMembers(t *testing.T) {
	provider := &fakeProvider{}
	f := newFixture(t, provider)
	ctx := context.Background()

	// Two of three done: no run may dispatch.
	for _, equity := range f.equities[:2] {
		f.completeMember(t, equity)
		msg := f.signal(t, equity)
		if err := f.coordinator.Handle(ctx, msg); err != nil {
			t.Fatalf("handle: %v", err)
		}
		if err := f.broker.Ack(ctx, msg.ID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	if _, err := f.store.GetResearchRunByPeriod(ctx, f.group.ID, f.period); err == nil {
		t.Fatal("run created before fan-in complete")
	}
	if provider.calls.Load() != 0 {
		t.Fatal("provider called before fan-in complete")
	}

	// Third completes: exactly one run, executed to done.
	f.completeMember(t, f.equities[2])
	msg := f.signal(t, f.equities[2])
	if err := f.coordinator.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := f.broker.Ack(ctx, msg.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	f.drive(t)

	run, err := f.store.GetResearchRunByPeriod(ctx, f.group.ID, f.period)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != store.ResearchDone || run.OutputText != "comparative article" {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.PromptSnapshot != "Compare the cement makers." {
		t.Fatalf("unexpected prompt snapshot %q", run.PromptSnapshot)
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("expected one provider call, got %d", provider.calls.Load())
	}

	// The model input carries every member's analysis.
	req := provider.last.Load()
	for _, symbol := range []string{"E1", "E2", "E3"} {
		if req == nil || !contains(req.Input, symbol) {
			t.Fatalf("input missing member %s", symbol)
		}
	}
}

func TestDuplicateSignalsCreateOneRun(t *testing.T) {
	provider := &fakeProvider{}
	f := newFixture(t, provider)
	ctx := context.Background()

	for _, equity := range f.equities {
		f.completeMember(t, equity)
	}
	// Every member fires a completion signal; only one run may result.
	for _, equity := range f.equities {
		msg := f.signal(t, equity)
		if err := f.coordinator.Handle(ctx, msg); err != nil {
			t.Fatalf("handle: %v", err)
		}
		if err := f.broker.Ack(ctx, msg.ID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	f.drive(t)

	runs, err := f.store.ListResearchRuns(ctx, f.group.ID, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %d, %v", len(runs), err)
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("expected one provider call, got %d", provider.calls.Load())
	}
}

func TestDoneRunIsFrozen(t *testing.T) {
	provider := &fakeProvider{}
	f := newFixture(t, provider)
	ctx := context.Background()

	for _, equity := range f.equities {
		f.completeMember(t, equity)
	}
	msg := f.signal(t, f.equities[0])
	if err := f.coordinator.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	_ = f.broker.Ack(ctx, msg.ID)
	f.drive(t)

	// A fresh completion signal afterwards must not re-run the group.
	msg = f.signal(t, f.equities[1])
	if err := f.coordinator.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	_ = f.broker.Ack(ctx, msg.ID)
	f.drive(t)

	if provider.calls.Load() != 1 {
		t.Fatalf("done run re-executed: %d calls", provider.calls.Load())
	}
}

func TestForceSkipsMissingMembers(t *testing.T) {
	provider := &fakeProvider{}
	f := newFixture(t, provider)
	ctx := context.Background()

	// Only one member ready.
	f.completeMember(t, f.equities[0])

	run, err := f.coordinator.Force(ctx, f.group.ID, f.period)
	if err != nil {
		t.Fatalf("Force: %v", err)
	}
	if run.Status != store.ResearchPending {
		t.Fatalf("unexpected run status %q", run.Status)
	}
	f.drive(t)

	final, err := f.store.GetResearchRun(ctx, run.ID)
	if err != nil || final.Status != store.ResearchDone {
		t.Fatalf("forced run = %+v, %v", final, err)
	}
	req := provider.last.Load()
	if req == nil || !contains(req.Input, "E1") || contains(req.Input, "E2") {
		t.Fatal("forced input should carry only ready members")
	}
}

func TestForceReopensDoneRun(t *testing.T) {
	provider := &fakeProvider{}
	f := newFixture(t, provider)
	ctx := context.Background()

	for _, equity := range f.equities {
		f.completeMember(t, equity)
	}
	if _, err := f.coordinator.Force(ctx, f.group.ID, f.period); err != nil {
		t.Fatalf("first force: %v", err)
	}
	f.drive(t)
	if _, err := f.coordinator.Force(ctx, f.group.ID, f.period); err != nil {
		t.Fatalf("second force: %v", err)
	}
	f.drive(t)

	if provider.calls.Load() != 2 {
		t.Fatalf("expected two provider calls after re-force, got %d", provider.calls.Load())
	}
	runs, _ := f.store.ListResearchRuns(ctx, f.group.ID, 10)
	if len(runs) != 1 {
		t.Fatalf("re-force must reuse the run row, got %d", len(runs))
	}
}

func TestTransientProviderErrorReopensRun(t *testing.T) {
	provider := &fakeProvider{err: services.Wrap(services.ErrTransient, "llm", "generate", "upstream 503", nil)}
	f := newFixture(t, provider)
	ctx := context.Background()

	for _, equity := range f.equities {
		f.completeMember(t, equity)
	}
	msg := f.signal(t, f.equities[0])
	if err := f.coordinator.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	_ = f.broker.Ack(ctx, msg.ID)

	// The dispatched execution fails transiently.
	msgs, _ := f.broker.Claim(ctx, queue.GroupResearchRequest, 1, time.Minute)
	if len(msgs) != 1 {
		t.Fatal("expected dispatched run message")
	}
	err := f.coordinator.Handle(ctx, msgs[0])
	if err == nil || services.IsPermanent(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	run, getErr := f.store.GetResearchRunByPeriod(ctx, f.group.ID, f.period)
	if getErr != nil || run.Status != store.ResearchPending {
		t.Fatalf("expected run reopened, got %+v (%v)", run, getErr)
	}
}

func TestSweepDispatchesForTargetQuarter(t *testing.T) {
	provider := &fakeProvider{}
	f := newFixture(t, provider)
	f.period = fiscal.Target(time.Now())
	ctx := context.Background()

	for _, equity := range f.equities {
		f.completeMember(t, equity)
	}
	if err := f.coordinator.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	f.drive(t)

	run, err := f.store.GetResearchRunByPeriod(ctx, f.group.ID, f.period)
	if err != nil || run.Status != store.ResearchDone {
		t.Fatalf("swept run = %+v, %v", run, err)
	}
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
