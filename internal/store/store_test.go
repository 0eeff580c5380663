package store_test

import (
	"context"
	"testing"
	"time"

	"earshot/internal/fiscal"
	"earshot/internal/store"
	"earshot/internal/testsupport"
)

var period = fiscal.Period{Quarter: fiscal.Q2, Year: 2027}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	return testsupport.MustOpenStore(t, cfg)
}

func TestOpenAppliesMigrations(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	equity, err := st.UpsertEquity(ctx, "ACME", "500123", "acme-id", "Acme Industries")
	if err != nil {
		t.Fatalf("UpsertEquity failed: %v", err)
	}
	if equity.ID == 0 {
		t.Fatal("expected equity ID to be assigned")
	}

	fetched, err := st.GetEquityByIdentifier(ctx, "acme-id")
	if err != nil {
		t.Fatalf("GetEquityByIdentifier failed: %v", err)
	}
	if fetched.Symbol != "ACME" || fetched.AltCode != "500123" {
		t.Fatalf("unexpected equity: %+v", fetched)
	}
}

func TestUpsertEquityIsIdempotent(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	first, err := st.UpsertEquity(ctx, "ACME", "", "acme-id", "Acme")
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := st.UpsertEquity(ctx, "ACME", "", "acme-id", "Acme Industries")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same row, got %d and %d", first.ID, second.ID)
	}
	if second.Name != "Acme Industries" {
		t.Fatalf("expected refreshed name, got %q", second.Name)
	}
}

func TestWatchlistRoundTrip(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	equity := testsupport.SeedEquity(t, st, "ACME")

	if err := st.AddToWatchlist(ctx, equity.ID); err != nil {
		t.Fatalf("AddToWatchlist: %v", err)
	}
	// Double add is a no-op, not an error.
	if err := st.AddToWatchlist(ctx, equity.ID); err != nil {
		t.Fatalf("second AddToWatchlist: %v", err)
	}
	watchlisted, err := st.IsWatchlisted(ctx, equity.ID)
	if err != nil || !watchlisted {
		t.Fatalf("IsWatchlisted = %v, %v", watchlisted, err)
	}
	if err := st.RemoveFromWatchlist(ctx, equity.ID); err != nil {
		t.Fatalf("RemoveFromWatchlist: %v", err)
	}
	watchlisted, _ = st.IsWatchlisted(ctx, equity.ID)
	if watchlisted {
		t.Fatal("expected equity off the watchlist")
	}
}

func TestTranscriptStatusNeverRegresses(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	equity := testsupport.SeedEquity(t, st, "ACME")

	available, err := st.UpsertTranscript(ctx, equity.ID, period, store.TranscriptAvailable, "https://cdn.test/t1.pdf", nil, false)
	if err != nil {
		t.Fatalf("upsert available: %v", err)
	}

	// A later upcoming observation must not demote the row.
	demoted, err := st.UpsertTranscript(ctx, equity.ID, period, store.TranscriptUpcoming, "", nil, false)
	if err != nil {
		t.Fatalf("upsert upcoming: %v", err)
	}
	if demoted.Status != store.TranscriptAvailable {
		t.Fatalf("status regressed to %q", demoted.Status)
	}
	if demoted.SourceURL != available.SourceURL {
		t.Fatalf("source url changed to %q", demoted.SourceURL)
	}

	// Force replaces the URL.
	forced, err := st.UpsertTranscript(ctx, equity.ID, period, store.TranscriptAvailable, "https://cdn.test/t2.pdf", nil, true)
	if err != nil {
		t.Fatalf("forced upsert: %v", err)
	}
	if forced.SourceURL != "https://cdn.test/t2.pdf" {
		t.Fatalf("force did not replace url: %q", forced.SourceURL)
	}
}

func TestTranscriptEventDedupe(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	equity := testsupport.SeedEquity(t, st, "ACME")

	event := store.TranscriptEvent{
		EquityID:  equity.ID,
		Quarter:   period.Quarter,
		Year:      period.Year,
		Status:    store.TranscriptAvailable,
		SourceURL: "https://cdn.test/t1.pdf",
		Origin:    store.OriginPoll,
	}
	inserted, err := st.AppendTranscriptEvent(ctx, event)
	if err != nil || !inserted {
		t.Fatalf("first append = %v, %v", inserted, err)
	}
	inserted, err = st.AppendTranscriptEvent(ctx, event)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate URL event to be suppressed")
	}

	// Events without a URL always append.
	noURL := store.TranscriptEvent{
		EquityID: equity.ID, Quarter: period.Quarter, Year: period.Year,
		Status: store.TranscriptNone, Origin: store.OriginPoll,
	}
	for i := 0; i < 2; i++ {
		inserted, err = st.AppendTranscriptEvent(ctx, noURL)
		if err != nil || !inserted {
			t.Fatalf("none append %d = %v, %v", i, inserted, err)
		}
	}
}

func TestTryReserveTranscriptAnalysis(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	equity := testsupport.SeedEquity(t, st, "ACME")
	transcript := testsupport.SeedAvailableTranscript(t, st, equity.ID, period, "https://cdn.test/t1.pdf")

	reserved, err := st.TryReserveTranscriptAnalysis(ctx, transcript.ID)
	if err != nil || !reserved {
		t.Fatalf("first reserve = %v, %v", reserved, err)
	}
	reserved, err = st.TryReserveTranscriptAnalysis(ctx, transcript.ID)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if reserved {
		t.Fatal("expected second reserve to fail while in_progress")
	}

	if err := st.FinishTranscriptAnalysis(ctx, transcript.ID, store.AnalysisDone, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	// done is re-reservable (force path re-runs analyses).
	reserved, err = st.TryReserveTranscriptAnalysis(ctx, transcript.ID)
	if err != nil || !reserved {
		t.Fatalf("reserve after done = %v, %v", reserved, err)
	}
}

func TestClaimDueScheduleOrdersByPriority(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	watch := testsupport.SeedEquity(t, st, "WATCH")
	grouped := testsupport.SeedEquity(t, st, "GROUP")

	if err := st.UpsertScheduleRow(ctx, grouped.ID, period, store.PriorityGroup); err != nil {
		t.Fatalf("upsert group row: %v", err)
	}
	if err := st.UpsertScheduleRow(ctx, watch.ID, period, store.PriorityWatchlist); err != nil {
		t.Fatalf("upsert watch row: %v", err)
	}

	now := time.Now().Add(time.Second)
	rows, err := st.ClaimDueSchedule(ctx, 10, now, 2*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].EquityID != watch.ID {
		t.Fatalf("expected watchlist row first, got equity %d", rows[0].EquityID)
	}

	// Claimed rows are locked until the lease lapses.
	again, err := st.ClaimDueSchedule(ctx, 10, now, 2*time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no claimable rows, got %d", len(again))
	}

	// After lease expiry they are claimable again.
	later := now.Add(3 * time.Minute)
	expired, err := st.ClaimDueSchedule(ctx, 10, later, 2*time.Minute)
	if err != nil {
		t.Fatalf("expired claim: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected rows claimable after lease expiry, got %d", len(expired))
	}
}

func TestCompleteScheduleCheckReleasesLock(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	equity := testsupport.SeedEquity(t, st, "ACME")
	if err := st.UpsertScheduleRow(ctx, equity.ID, period, store.PriorityWatchlist); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rows, err := st.ClaimDueSchedule(ctx, 1, time.Now().Add(time.Second), 2*time.Minute)
	if err != nil || len(rows) != 1 {
		t.Fatalf("claim = %d rows, %v", len(rows), err)
	}

	next := time.Now().Add(10 * time.Minute)
	if err := st.CompleteScheduleCheck(ctx, rows[0].ID, "upcoming", 0, next, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	row, err := st.GetScheduleRow(ctx, rows[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.LockedUntil != nil {
		t.Fatal("expected lock released")
	}
	if row.LastStatus != "upcoming" {
		t.Fatalf("unexpected last status %q", row.LastStatus)
	}
	if row.NextCheckAt == nil || row.NextCheckAt.Sub(next).Abs() > time.Second {
		t.Fatalf("unexpected next check %v", row.NextCheckAt)
	}
}

func TestAnalysisJobIdempotency(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	equity := testsupport.SeedEquity(t, st, "ACME")
	transcript := testsupport.SeedAvailableTranscript(t, st, equity.ID, period, "https://cdn.test/t1.pdf")

	job, inserted, err := st.InsertAnalysisJob(ctx, transcript.ID, "key-1", false)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}
	dup, inserted, err := st.InsertAnalysisJob(ctx, transcript.ID, "key-1", false)
	if err != nil {
		t.Fatalf("dup insert: %v", err)
	}
	if inserted || dup.ID != job.ID {
		t.Fatalf("expected dedupe onto job %d, got inserted=%v id=%d", job.ID, inserted, dup.ID)
	}
}

func TestInsertAnalysisConverges(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	equity := testsupport.SeedEquity(t, st, "ACME")
	transcript := testsupport.SeedAvailableTranscript(t, st, equity.ID, period, "https://cdn.test/t1.pdf")

	analysis := &store.Analysis{
		TranscriptID:   transcript.ID,
		IdempotencyKey: "analysis-key",
		PromptSnapshot: "p",
		OutputText:     "o",
		ModelProvider:  "openai",
		ModelID:        "gpt-4o-mini",
	}
	first, inserted, err := st.InsertAnalysis(ctx, analysis)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}
	second, inserted, err := st.InsertAnalysis(ctx, analysis)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted || second.ID != first.ID {
		t.Fatalf("expected convergence on %d, got inserted=%v id=%d", first.ID, inserted, second.ID)
	}

	all, err := st.ListAnalysesForTranscript(ctx, transcript.ID)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected exactly one analysis, got %d (%v)", len(all), err)
	}
}

func TestOutboxUniqueness(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	equity := testsupport.SeedEquity(t, st, "ACME")
	transcript := testsupport.SeedAvailableTranscript(t, st, equity.ID, period, "https://cdn.test/t1.pdf")
	analysis := testsupport.SeedAnalysis(t, st, transcript.ID, "analysis-key")

	inserted, err := st.InsertOutboxRow(ctx, analysis.ID, "a@example.com")
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}
	inserted, err = st.InsertOutboxRow(ctx, analysis.ID, "a@example.com")
	if err != nil {
		t.Fatalf("dup insert: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate (analysis, recipient) suppressed")
	}
}

func TestClaimOutboxRespectsRetryTime(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	equity := testsupport.SeedEquity(t, st, "ACME")
	transcript := testsupport.SeedAvailableTranscript(t, st, equity.ID, period, "https://cdn.test/t1.pdf")
	analysis := testsupport.SeedAnalysis(t, st, transcript.ID, "analysis-key")

	if _, err := st.InsertOutboxRow(ctx, analysis.ID, "a@example.com"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	now := time.Now().Add(time.Second)
	rows, err := st.ClaimOutboxRows(ctx, 10, now, time.Minute)
	if err != nil || len(rows) != 1 {
		t.Fatalf("claim = %d, %v", len(rows), err)
	}
	if rows[0].Status != store.OutboxInProgress || rows[0].Attempts != 1 {
		t.Fatalf("unexpected claimed row: %+v", rows[0])
	}

	retryAt := now.Add(2 * time.Minute)
	if err := st.RescheduleOutboxRow(ctx, rows[0].ID, retryAt, "connection refused"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	// Not claimable before retry_next_at.
	early, err := st.ClaimOutboxRows(ctx, 10, retryAt.Add(-time.Minute), time.Minute)
	if err != nil || len(early) != 0 {
		t.Fatalf("early claim = %d, %v", len(early), err)
	}
	late, err := st.ClaimOutboxRows(ctx, 10, retryAt.Add(time.Second), time.Minute)
	if err != nil || len(late) != 1 {
		t.Fatalf("late claim = %d, %v", len(late), err)
	}
	if late[0].Attempts != 2 {
		t.Fatalf("expected attempts=2, got %d", late[0].Attempts)
	}
}

func TestGroupReadinessFanIn(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	group, err := st.UpsertGroup(ctx, "Cement", "deep prompt", "summary prompt", true)
	if err != nil {
		t.Fatalf("upsert group: %v", err)
	}

	var equities []*store.Equity
	for _, symbol := range []string{"E1", "E2", "E3"} {
		equity := testsupport.SeedEquity(t, st, symbol)
		equities = append(equities, equity)
		if err := st.AddGroupMember(ctx, group.ID, equity.ID); err != nil {
			t.Fatalf("add member: %v", err)
		}
	}

	// Two of three ready.
	for _, equity := range equities[:2] {
		transcript := testsupport.SeedAvailableTranscript(t, st, equity.ID, period, "https://cdn.test/"+equity.Symbol)
		testsupport.SeedAnalysis(t, st, transcript.ID, "key-"+equity.Symbol)
	}

	readiness, err := st.CheckGroupReadiness(ctx, group.ID, period)
	if err != nil {
		t.Fatalf("readiness: %v", err)
	}
	if readiness.Ready() {
		t.Fatal("group must not be ready with a missing member")
	}
	if readiness.ReadyCount != 2 || readiness.MemberCount != 3 {
		t.Fatalf("unexpected readiness: %+v", readiness)
	}
	if len(readiness.MissingEquity) != 1 || readiness.MissingEquity[0] != equities[2].ID {
		t.Fatalf("unexpected missing list: %v", readiness.MissingEquity)
	}

	// Third member completes: ready.
	transcript := testsupport.SeedAvailableTranscript(t, st, equities[2].ID, period, "https://cdn.test/E3")
	testsupport.SeedAnalysis(t, st, transcript.ID, "key-E3")

	readiness, err = st.CheckGroupReadiness(ctx, group.ID, period)
	if err != nil || !readiness.Ready() {
		t.Fatalf("expected ready, got %+v (%v)", readiness, err)
	}

	members, err := st.ReadyMemberAnalyses(ctx, group.ID, period)
	if err != nil || len(members) != 3 {
		t.Fatalf("expected 3 member analyses, got %d (%v)", len(members), err)
	}
}

func TestResearchRunTransitions(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	group, err := st.UpsertGroup(ctx, "Cement", "", "", true)
	if err != nil {
		t.Fatalf("upsert group: %v", err)
	}

	run, inserted, err := st.InsertResearchRun(ctx, group.ID, period)
	if err != nil || !inserted {
		t.Fatalf("insert run = %v, %v", inserted, err)
	}
	// Duplicate period returns the existing run.
	dup, inserted, err := st.InsertResearchRun(ctx, group.ID, period)
	if err != nil || inserted || dup.ID != run.ID {
		t.Fatalf("dup insert = %v id=%d, %v", inserted, dup.ID, err)
	}

	claimed, err := st.StartResearchRun(ctx, run.ID, "prompt", false)
	if err != nil || !claimed {
		t.Fatalf("start = %v, %v", claimed, err)
	}
	// Second non-forced start is rejected.
	claimed, err = st.StartResearchRun(ctx, run.ID, "prompt", false)
	if err != nil || claimed {
		t.Fatalf("second start = %v, %v", claimed, err)
	}

	if err := st.FinishResearchRun(ctx, run.ID, store.ResearchDone, "article", "openai", "gpt-4o-mini", "", ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	final, err := st.GetResearchRun(ctx, run.ID)
	if err != nil || final.Status != store.ResearchDone || final.OutputText != "article" {
		t.Fatalf("unexpected final run: %+v (%v)", final, err)
	}

	// Done runs are frozen against non-forced starts, re-forced ones reopen.
	claimed, err = st.StartResearchRun(ctx, run.ID, "prompt", false)
	if err != nil || claimed {
		t.Fatalf("frozen start = %v, %v", claimed, err)
	}
	claimed, err = st.StartResearchRun(ctx, run.ID, "prompt", true)
	if err != nil || !claimed {
		t.Fatalf("forced start = %v, %v", claimed, err)
	}
}

func TestStartupRecovery(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	equity := testsupport.SeedEquity(t, st, "ACME")
	transcript := testsupport.SeedAvailableTranscript(t, st, equity.ID, period, "https://cdn.test/t1.pdf")

	// Simulate a crash mid-analysis: reservation held, never finished.
	if reserved, err := st.TryReserveTranscriptAnalysis(ctx, transcript.ID); err != nil || !reserved {
		t.Fatalf("reserve = %v, %v", reserved, err)
	}

	// And an outbox row stuck in_progress with a lapsed lock.
	analysis := testsupport.SeedAnalysis(t, st, transcript.ID, "analysis-key")
	if _, err := st.InsertOutboxRow(ctx, analysis.ID, "a@example.com"); err != nil {
		t.Fatalf("insert outbox: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if _, err := st.ClaimOutboxRows(ctx, 1, past, time.Minute); err != nil {
		t.Fatalf("claim outbox: %v", err)
	}

	// SeedAnalysis marked the transcript done; put it back in_progress to
	// mimic the crash window.
	if reserved, err := st.TryReserveTranscriptAnalysis(ctx, transcript.ID); err != nil || !reserved {
		t.Fatalf("re-reserve = %v, %v", reserved, err)
	}

	summary, err := st.RunStartupRecovery(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if summary.StaleAnalysesReleased != 1 {
		t.Fatalf("expected 1 stale analysis released, got %d", summary.StaleAnalysesReleased)
	}
	if summary.OutboxRowsRequeued != 1 {
		t.Fatalf("expected 1 outbox row requeued, got %d", summary.OutboxRowsRequeued)
	}

	row, err := st.GetTranscript(ctx, transcript.ID)
	if err != nil || row.AnalysisStatus != "" {
		t.Fatalf("expected reservation cleared, got %q (%v)", row.AnalysisStatus, err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	value, err := st.GetSetting(ctx, "missing", "fallback")
	if err != nil || value != "fallback" {
		t.Fatalf("GetSetting fallback = %q, %v", value, err)
	}
	if err := st.SetSetting(ctx, "default_analysis_prompt", "custom"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	value, err = st.GetSetting(ctx, "default_analysis_prompt", "fallback")
	if err != nil || value != "custom" {
		t.Fatalf("GetSetting = %q, %v", value, err)
	}
}
