package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"earshot/internal/fiscal"
)

const transcriptColumns = "id, equity_id, quarter, year, source_url, content_path, status, event_date, analysis_status, analysis_error, created_at, updated_at"

func scanTranscript(sc scanner) (*Transcript, error) {
	var (
		t              Transcript
		quarter        string
		sourceURL      sql.NullString
		contentPath    sql.NullString
		status         string
		eventDate      sql.NullString
		analysisStatus sql.NullString
		analysisError  sql.NullString
		created        string
		updated        string
	)
	if err := sc.Scan(&t.ID, &t.EquityID, &quarter, &t.Year, &sourceURL, &contentPath, &status, &eventDate, &analysisStatus, &analysisError, &created, &updated); err != nil {
		return nil, err
	}
	t.Quarter = fiscal.Quarter(quarter)
	t.SourceURL = stringOrEmpty(sourceURL)
	t.ContentPath = stringOrEmpty(contentPath)
	t.Status = TranscriptStatus(status)
	t.EventDate = parseTimeNull(eventDate)
	t.AnalysisStatus = AnalysisState(stringOrEmpty(analysisStatus))
	t.AnalysisError = stringOrEmpty(analysisError)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

// UpsertTranscript records an oracle observation for one reporting period.
// Status never regresses from available, and a set source_url is only
// replaced when force is true.
func (s *Store) UpsertTranscript(ctx context.Context, equityID int64, period fiscal.Period, status TranscriptStatus, sourceURL string, eventDate *time.Time, force bool) (*Transcript, error) {
	now := fmtTime(time.Now())

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT `+transcriptColumns+` FROM transcripts WHERE equity_id = ? AND quarter = ? AND year = ?`,
			equityID, string(period.Quarter), period.Year,
		)
		existing, err := scanTranscript(row)
		if errors.Is(err, sql.ErrNoRows) {
			_, err := tx.ExecContext(
				ctx,
				`INSERT INTO transcripts (equity_id, quarter, year, source_url, status, event_date, created_at, updated_at)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				equityID, string(period.Quarter), period.Year, nullableString(sourceURL), string(status), fmtTimePtr(eventDate), now, now,
			)
			if err != nil {
				return fmt.Errorf("insert transcript: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load transcript: %w", err)
		}

		nextStatus := status
		nextURL := existing.SourceURL
		if existing.Status == TranscriptAvailable && existing.SourceURL != "" && !force {
			// An available transcript with a URL is settled; later
			// upcoming/none observations must not demote it.
			nextStatus = TranscriptAvailable
		} else if sourceURL != "" {
			nextURL = sourceURL
		}
		if force && sourceURL != "" {
			nextURL = sourceURL
		}

		nextEvent := existing.EventDate
		if eventDate != nil {
			nextEvent = eventDate
		}

		_, err = tx.ExecContext(
			ctx,
			`UPDATE transcripts SET source_url = ?, status = ?, event_date = ?, updated_at = ? WHERE id = ?`,
			nullableString(nextURL), string(nextStatus), fmtTimePtr(nextEvent), now, existing.ID,
		)
		if err != nil {
			return fmt.Errorf("update transcript: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.GetTranscriptByPeriod(ctx, equityID, period)
}

// GetTranscript fetches a transcript by id.
func (s *Store) GetTranscript(ctx context.Context, id int64) (*Transcript, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transcriptColumns+` FROM transcripts WHERE id = ?`, id)
	transcript, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	return transcript, nil
}

// GetTranscriptByPeriod fetches the transcript for one reporting period.
func (s *Store) GetTranscriptByPeriod(ctx context.Context, equityID int64, period fiscal.Period) (*Transcript, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+transcriptColumns+` FROM transcripts WHERE equity_id = ? AND quarter = ? AND year = ?`,
		equityID, string(period.Quarter), period.Year,
	)
	transcript, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript by period: %w", err)
	}
	return transcript, nil
}

// SetTranscriptContentPath records where extracted transcript text lives.
func (s *Store) SetTranscriptContentPath(ctx context.Context, id int64, path string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE transcripts SET content_path = ?, updated_at = ? WHERE id = ?`,
		nullableString(path), fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("set content path: %w", err)
	}
	return nil
}

// TryReserveTranscriptAnalysis atomically moves analysis_status into
// in_progress. Returns false when another worker already holds the
// reservation.
func (s *Store) TryReserveTranscriptAnalysis(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE transcripts
         SET analysis_status = ?, analysis_error = NULL, updated_at = ?
         WHERE id = ? AND (analysis_status IS NULL OR analysis_status IN (?, ?))`,
		string(AnalysisInProgress), fmtTime(time.Now()), id, string(AnalysisDone), string(AnalysisError),
	)
	if err != nil {
		return false, fmt.Errorf("reserve analysis: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve analysis rows: %w", err)
	}
	return affected > 0, nil
}

// FinishTranscriptAnalysis records the terminal analysis state. errMessage is
// only stored for the error state.
func (s *Store) FinishTranscriptAnalysis(ctx context.Context, id int64, state AnalysisState, errMessage string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE transcripts SET analysis_status = ?, analysis_error = ?, updated_at = ? WHERE id = ?`,
		string(state), nullableString(errMessage), fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("finish analysis: %w", err)
	}
	return nil
}

// ReleaseTranscriptAnalysis clears an in_progress reservation without
// recording a result, so another worker can retry.
func (s *Store) ReleaseTranscriptAnalysis(ctx context.Context, id int64) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE transcripts SET analysis_status = NULL, updated_at = ? WHERE id = ? AND analysis_status = ?`,
		fmtTime(time.Now()), id, string(AnalysisInProgress),
	)
	if err != nil {
		return fmt.Errorf("release analysis: %w", err)
	}
	return nil
}

// AppendTranscriptEvent records an observation. Duplicate URL observations
// for the same period return inserted=false so callers can suppress repeat
// side effects.
func (s *Store) AppendTranscriptEvent(ctx context.Context, event TranscriptEvent) (bool, error) {
	observedAt := event.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO transcript_events (equity_id, quarter, year, status, source_url, event_date, origin, observed_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(equity_id, quarter, year, source_url) WHERE source_url IS NOT NULL DO NOTHING`,
		event.EquityID, string(event.Quarter), event.Year, string(event.Status),
		nullableString(event.SourceURL), fmtTimePtr(event.EventDate), string(event.Origin), fmtTime(observedAt),
	)
	if err != nil {
		return false, fmt.Errorf("append transcript event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append event rows: %w", err)
	}
	return affected > 0, nil
}

// ListTranscriptEvents returns observations for an equity, newest first.
func (s *Store) ListTranscriptEvents(ctx context.Context, equityID int64, limit int) ([]*TranscriptEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, equity_id, quarter, year, status, source_url, event_date, origin, observed_at
         FROM transcript_events WHERE equity_id = ? ORDER BY id DESC LIMIT ?`,
		equityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transcript events: %w", err)
	}
	defer rows.Close()

	var events []*TranscriptEvent
	for rows.Next() {
		var (
			e         TranscriptEvent
			quarter   string
			status    string
			sourceURL sql.NullString
			eventDate sql.NullString
			origin    string
			observed  string
		)
		if err := rows.Scan(&e.ID, &e.EquityID, &quarter, &e.Year, &status, &sourceURL, &eventDate, &origin, &observed); err != nil {
			return nil, fmt.Errorf("scan transcript event: %w", err)
		}
		e.Quarter = fiscal.Quarter(quarter)
		e.Status = TranscriptStatus(status)
		e.SourceURL = stringOrEmpty(sourceURL)
		e.EventDate = parseTimeNull(eventDate)
		e.Origin = EventOrigin(origin)
		e.ObservedAt = parseTime(observed)
		events = append(events, &e)
	}
	return events, rows.Err()
}
