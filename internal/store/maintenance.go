package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Health returns aggregate pipeline counts for the admin surface.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	summary := HealthSummary{QueueDepth: map[string]int{}}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(1) FROM equities`, &summary.Equities},
		{`SELECT COUNT(1) FROM watchlist_items`, &summary.WatchlistSize},
		{`SELECT COUNT(1) FROM groups WHERE is_active = 1`, &summary.ActiveGroups},
		{`SELECT COUNT(1) FROM fetch_schedule`, &summary.ScheduleRows},
		{`SELECT COUNT(1) FROM queue_dead_letters`, &summary.DeadLetters},
		{`SELECT COUNT(1) FROM transcript_analyses`, &summary.AnalysesDone},
		{`SELECT COUNT(1) FROM email_outbox WHERE status IN ('pending', 'in_progress')`, &summary.OutboxPending},
		{`SELECT COUNT(1) FROM email_outbox WHERE status = 'sent'`, &summary.OutboxSent},
		{`SELECT COUNT(1) FROM group_research_runs WHERE status IN ('pending', 'in_progress')`, &summary.ResearchPending},
		{`SELECT COUNT(1) FROM group_research_runs WHERE status = 'done'`, &summary.ResearchDone},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return summary, fmt.Errorf("health count: %w", err)
		}
	}

	now := fmtTime(time.Now())
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM fetch_schedule
         WHERE next_check_at IS NOT NULL AND next_check_at <= ?
           AND (locked_until IS NULL OR locked_until < ?)`,
		now, now,
	).Scan(&summary.ScheduleDue); err != nil {
		return summary, fmt.Errorf("health due count: %w", err)
	}

	depths, err := s.QueueDepths(ctx)
	if err != nil {
		return summary, err
	}
	summary.QueueDepth = depths

	return summary, nil
}

// RecoverySummary reports what the startup recovery sweep repaired.
type RecoverySummary struct {
	MessageLocksReleased   int64
	StaleAnalysesReleased  int64
	OutboxRowsRequeued     int64
	ResearchRunsReopened   int64
}

// RunStartupRecovery repairs state left behind by a crashed process: expired
// message leases are cleared, transcripts stuck in in_progress past the
// cutoff are released for re-claim, outbox rows abandoned mid-send return to
// pending, and interrupted research runs reopen.
func (s *Store) RunStartupRecovery(ctx context.Context, staleBefore time.Time) (RecoverySummary, error) {
	var summary RecoverySummary
	now := time.Now()

	released, err := s.ReleaseExpiredMessageLocks(ctx, now)
	if err != nil {
		return summary, err
	}
	summary.MessageLocksReleased = released

	res, err := s.execWithRetry(
		ctx,
		`UPDATE transcripts
         SET analysis_status = NULL, updated_at = ?
         WHERE analysis_status = ? AND updated_at < ?`,
		fmtTime(now), string(AnalysisInProgress), fmtTime(staleBefore),
	)
	if err != nil {
		return summary, fmt.Errorf("release stale analyses: %w", err)
	}
	if summary.StaleAnalysesReleased, err = res.RowsAffected(); err != nil {
		return summary, err
	}

	res, err = s.execWithRetry(
		ctx,
		`UPDATE email_outbox
         SET status = ?, retry_next_at = ?, locked_until = NULL, updated_at = ?
         WHERE status = ? AND (locked_until IS NULL OR locked_until < ?)`,
		string(OutboxPending), fmtTime(now), fmtTime(now), string(OutboxInProgress), fmtTime(now),
	)
	if err != nil {
		return summary, fmt.Errorf("requeue outbox rows: %w", err)
	}
	if summary.OutboxRowsRequeued, err = res.RowsAffected(); err != nil {
		return summary, err
	}

	res, err = s.execWithRetry(
		ctx,
		`UPDATE group_research_runs
         SET status = ?, updated_at = ?
         WHERE status = ? AND updated_at < ?`,
		string(ResearchPending), fmtTime(now), string(ResearchInProgress), fmtTime(staleBefore),
	)
	if err != nil {
		return summary, fmt.Errorf("reopen research runs: %w", err)
	}
	if summary.ResearchRunsReopened, err = res.RowsAffected(); err != nil {
		return summary, err
	}

	return summary, nil
}

// GetSetting reads one settings value, returning fallback when unset.
func (s *Store) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting writes one settings value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}
