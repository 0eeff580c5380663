package testsupport

import (
	"context"
	"os"
	"testing"
	"time"

	"earshot/internal/config"
	"earshot/internal/fiscal"
	"earshot/internal/store"
)

// MustOpenStore opens a store in the config's data directory and closes it
// when the test ends.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		t.Fatalf("mkdir data dir: %v", err)
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// SeedEquity inserts an equity and returns it.
func SeedEquity(t testing.TB, st *store.Store, symbol string) *store.Equity {
	t.Helper()
	equity, err := st.UpsertEquity(context.Background(), symbol, "", symbol+"-id", symbol+" Ltd")
	if err != nil {
		t.Fatalf("seed equity %s: %v", symbol, err)
	}
	return equity
}

// SeedAvailableTranscript inserts an available transcript for the period;
// use SeedAnalysis to attach an analysis.
func SeedAvailableTranscript(t testing.TB, st *store.Store, equityID int64, period fiscal.Period, url string) *store.Transcript {
	t.Helper()
	transcript, err := st.UpsertTranscript(context.Background(), equityID, period, store.TranscriptAvailable, url, nil, false)
	if err != nil {
		t.Fatalf("seed transcript: %v", err)
	}
	return transcript
}

// SeedAnalysis inserts a completed analysis for a transcript.
func SeedAnalysis(t testing.TB, st *store.Store, transcriptID int64, key string) *store.Analysis {
	t.Helper()
	analysis, _, err := st.InsertAnalysis(context.Background(), &store.Analysis{
		TranscriptID:   transcriptID,
		IdempotencyKey: key,
		PromptSnapshot: "prompt",
		OutputText:     "analysis output",
		ModelProvider:  "openai",
		ModelID:        "gpt-4o-mini",
		TokensIn:       100,
		TokensOut:      50,
		Cost:           0.01,
	})
	if err != nil {
		t.Fatalf("seed analysis: %v", err)
	}
	if err := st.FinishTranscriptAnalysis(context.Background(), transcriptID, store.AnalysisDone, ""); err != nil {
		t.Fatalf("finish analysis: %v", err)
	}
	return analysis
}

// WaitFor polls the condition until it holds or the deadline passes.
func WaitFor(t testing.TB, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
