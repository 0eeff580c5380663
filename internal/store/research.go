package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"earshot/internal/fiscal"
)

const researchColumns = "id, group_id, quarter, year, status, prompt_snapshot, output_text, model_provider, model_id, model_revision, error_message, created_at, updated_at"

func scanResearchRun(sc scanner) (*ResearchRun, error) {
	var (
		r        ResearchRun
		quarter  string
		status   string
		prompt   sql.NullString
		output   sql.NullString
		provider sql.NullString
		modelID  sql.NullString
		revision sql.NullString
		errMsg   sql.NullString
		created  string
		updated  string
	)
	if err := sc.Scan(&r.ID, &r.GroupID, &quarter, &r.Year, &status, &prompt, &output, &provider, &modelID, &revision, &errMsg, &created, &updated); err != nil {
		return nil, err
	}
	r.Quarter = fiscal.Quarter(quarter)
	r.Status = ResearchStatus(status)
	r.PromptSnapshot = stringOrEmpty(prompt)
	r.OutputText = stringOrEmpty(output)
	r.ModelProvider = stringOrEmpty(provider)
	r.ModelID = stringOrEmpty(modelID)
	r.ModelRevision = stringOrEmpty(revision)
	r.ErrorMessage = stringOrEmpty(errMsg)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

// InsertResearchRun creates a pending run. A duplicate period returns the
// existing run with inserted=false.
func (s *Store) InsertResearchRun(ctx context.Context, groupID int64, period fiscal.Period) (*ResearchRun, bool, error) {
	now := fmtTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO group_research_runs (group_id, quarter, year, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(group_id, quarter, year) DO NOTHING`,
		groupID, string(period.Quarter), period.Year, string(ResearchPending), now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert research run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	run, err := s.GetResearchRunByPeriod(ctx, groupID, period)
	if err != nil {
		return nil, false, err
	}
	return run, affected > 0, nil
}

// GetResearchRun fetches a run by id.
func (s *Store) GetResearchRun(ctx context.Context, id int64) (*ResearchRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+researchColumns+` FROM group_research_runs WHERE id = ?`, id)
	run, err := scanResearchRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get research run: %w", err)
	}
	return run, nil
}

// GetResearchRunByPeriod fetches the run for one group and period.
func (s *Store) GetResearchRunByPeriod(ctx context.Context, groupID int64, period fiscal.Period) (*ResearchRun, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+researchColumns+` FROM group_research_runs WHERE group_id = ? AND quarter = ? AND year = ?`,
		groupID, string(period.Quarter), period.Year,
	)
	run, err := scanResearchRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get research run by period: %w", err)
	}
	return run, nil
}

// ListResearchRuns returns runs for a group, newest first. groupID 0 lists
// every group.
func (s *Store) ListResearchRuns(ctx context.Context, groupID int64, limit int) ([]*ResearchRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + researchColumns + ` FROM group_research_runs`
	args := []any{}
	if groupID > 0 {
		query += ` WHERE group_id = ?`
		args = append(args, groupID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list research runs: %w", err)
	}
	defer rows.Close()

	var runs []*ResearchRun
	for rows.Next() {
		run, err := scanResearchRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan research run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// StartResearchRun atomically moves a run from pending to in_progress,
// recording the prompt snapshot. force also claims runs sitting in done or
// error, which is how a user re-opens a frozen run.
func (s *Store) StartResearchRun(ctx context.Context, id int64, promptSnapshot string, force bool) (bool, error) {
	now := fmtTime(time.Now())
	query := `UPDATE group_research_runs
              SET status = ?, prompt_snapshot = ?, error_message = NULL, updated_at = ?
              WHERE id = ? AND status = ?`
	args := []any{string(ResearchInProgress), promptSnapshot, now, id, string(ResearchPending)}
	if force {
		query = `UPDATE group_research_runs
                 SET status = ?, prompt_snapshot = ?, error_message = NULL, updated_at = ?
                 WHERE id = ? AND status != ?`
		args = []any{string(ResearchInProgress), promptSnapshot, now, id, string(ResearchInProgress)}
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("start research run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// FinishResearchRun records the terminal state of a run.
func (s *Store) FinishResearchRun(ctx context.Context, id int64, status ResearchStatus, outputText, modelProvider, modelID, modelRevision, errMessage string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE group_research_runs
         SET status = ?, output_text = ?, model_provider = ?, model_id = ?, model_revision = ?, error_message = ?, updated_at = ?
         WHERE id = ?`,
		string(status), nullableString(outputText), nullableString(modelProvider), nullableString(modelID),
		nullableString(modelRevision), nullableString(errMessage), fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("finish research run: %w", err)
	}
	return nil
}

// ReopenResearchRun forces a run back to pending regardless of its state.
func (s *Store) ReopenResearchRun(ctx context.Context, id int64) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE group_research_runs SET status = ?, error_message = NULL, updated_at = ? WHERE id = ?`,
		string(ResearchPending), fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("reopen research run: %w", err)
	}
	return nil
}

// GroupReadiness describes the fan-in state of one group for a period.
type GroupReadiness struct {
	GroupID        int64
	MemberCount    int
	ReadyCount     int
	MissingEquity  []int64
}

// Ready reports whether every member satisfies the fan-in condition.
func (g GroupReadiness) Ready() bool {
	return g.MemberCount > 0 && g.ReadyCount == g.MemberCount
}

// CheckGroupReadiness evaluates the fan-in condition: every current member
// has an available transcript for the period with a completed analysis.
func (s *Store) CheckGroupReadiness(ctx context.Context, groupID int64, period fiscal.Period) (GroupReadiness, error) {
	readiness := GroupReadiness{GroupID: groupID}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT gm.equity_id,
                EXISTS(
                    SELECT 1 FROM transcripts t
                    JOIN transcript_analyses ta ON ta.transcript_id = t.id
                    WHERE t.equity_id = gm.equity_id
                      AND t.quarter = ? AND t.year = ?
                      AND t.status = ?
                ) AS ready
         FROM group_memberships gm
         WHERE gm.group_id = ?
         ORDER BY gm.equity_id`,
		string(period.Quarter), period.Year, string(TranscriptAvailable), groupID,
	)
	if err != nil {
		return readiness, fmt.Errorf("check group readiness: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var equityID int64
		var ready int
		if err := rows.Scan(&equityID, &ready); err != nil {
			return readiness, err
		}
		readiness.MemberCount++
		if ready != 0 {
			readiness.ReadyCount++
		} else {
			readiness.MissingEquity = append(readiness.MissingEquity, equityID)
		}
	}
	return readiness, rows.Err()
}

// ReadyMemberAnalyses returns, for each group member with a completed
// analysis in the period, the latest analysis joined with its equity.
func (s *Store) ReadyMemberAnalyses(ctx context.Context, groupID int64, period fiscal.Period) ([]MemberAnalysis, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT e.id, e.symbol, e.name, ta.id, ta.output_text
         FROM group_memberships gm
         JOIN equities e ON e.id = gm.equity_id
         JOIN transcripts t ON t.equity_id = e.id AND t.quarter = ? AND t.year = ?
         JOIN transcript_analyses ta ON ta.id = (
             SELECT id FROM transcript_analyses WHERE transcript_id = t.id ORDER BY id DESC LIMIT 1
         )
         WHERE gm.group_id = ? AND t.status = ?
         ORDER BY e.symbol`,
		string(period.Quarter), period.Year, groupID, string(TranscriptAvailable),
	)
	if err != nil {
		return nil, fmt.Errorf("ready member analyses: %w", err)
	}
	defer rows.Close()

	var members []MemberAnalysis
	for rows.Next() {
		var m MemberAnalysis
		if err := rows.Scan(&m.EquityID, &m.Symbol, &m.Name, &m.AnalysisID, &m.OutputText); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// MemberAnalysis is one group member's latest analysis for a period.
type MemberAnalysis struct {
	EquityID   int64
	Symbol     string
	Name       string
	AnalysisID int64
	OutputText string
}
