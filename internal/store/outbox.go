package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const outboxColumns = "id, analysis_id, recipient, status, attempts, scheduled_at, retry_next_at, locked_until, last_error, created_at, updated_at"

func scanOutboxRow(sc scanner) (*OutboxRow, error) {
	var (
		o         OutboxRow
		status    string
		scheduled string
		retryNext sql.NullString
		locked    sql.NullString
		lastError sql.NullString
		created   string
		updated   string
	)
	if err := sc.Scan(&o.ID, &o.AnalysisID, &o.Recipient, &status, &o.Attempts, &scheduled, &retryNext, &locked, &lastError, &created, &updated); err != nil {
		return nil, err
	}
	o.Status = OutboxStatus(status)
	o.ScheduledAt = parseTime(scheduled)
	o.RetryNextAt = parseTimeNull(retryNext)
	o.LockedUntil = parseTimeNull(locked)
	o.LastError = stringOrEmpty(lastError)
	o.CreatedAt = parseTime(created)
	o.UpdatedAt = parseTime(updated)
	return &o, nil
}

// InsertOutboxRow queues one notification email. The (analysis_id, recipient)
// uniqueness makes repeat inserts no-ops, which is the dedupe guarantee.
func (s *Store) InsertOutboxRow(ctx context.Context, analysisID int64, recipient string) (bool, error) {
	if recipient == "" {
		return false, errors.New("recipient is required")
	}
	now := fmtTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO email_outbox (analysis_id, recipient, status, scheduled_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(analysis_id, recipient) DO NOTHING`,
		analysisID, recipient, string(OutboxPending), now, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert outbox row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetOutboxRow fetches an outbox row by id.
func (s *Store) GetOutboxRow(ctx context.Context, id int64) (*OutboxRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM email_outbox WHERE id = ?`, id)
	outbox, err := scanOutboxRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox row: %w", err)
	}
	return outbox, nil
}

// ListOutboxRows returns outbox rows, newest first.
func (s *Store) ListOutboxRows(ctx context.Context, limit int) ([]*OutboxRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+outboxColumns+` FROM email_outbox ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox rows: %w", err)
	}
	defer rows.Close()

	var result []*OutboxRow
	for rows.Next() {
		outbox, err := scanOutboxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		result = append(result, outbox)
	}
	return result, rows.Err()
}

// ClaimOutboxRows atomically claims pending rows whose retry time has
// arrived, locking each for the lease duration and incrementing attempts.
func (s *Store) ClaimOutboxRows(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]*OutboxRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowStr := fmtTime(now)
	lockStr := fmtTime(now.Add(lease))

	var claimed []*OutboxRow
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(
			ctx,
			`SELECT `+outboxColumns+` FROM email_outbox
             WHERE status = ? AND (retry_next_at IS NULL OR retry_next_at <= ?)
               AND (locked_until IS NULL OR locked_until < ?)
             ORDER BY scheduled_at ASC, id ASC
             LIMIT ?`,
			string(OutboxPending), nowStr, nowStr, limit,
		)
		if err != nil {
			return fmt.Errorf("select pending outbox: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			outbox, err := scanOutboxRow(rows)
			if err != nil {
				return fmt.Errorf("scan pending outbox: %w", err)
			}
			claimed = append(claimed, outbox)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, outbox := range claimed {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE email_outbox SET status = ?, locked_until = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`,
				string(OutboxInProgress), lockStr, nowStr, outbox.ID,
			); err != nil {
				return fmt.Errorf("lock outbox row: %w", err)
			}
			outbox.Status = OutboxInProgress
			outbox.Attempts++
			locked := now.Add(lease)
			outbox.LockedUntil = &locked
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkOutboxSent records a successful delivery.
func (s *Store) MarkOutboxSent(ctx context.Context, id int64) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE email_outbox SET status = ?, locked_until = NULL, last_error = NULL, updated_at = ? WHERE id = ?`,
		string(OutboxSent), fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

// RescheduleOutboxRow returns a row to pending with a future retry time.
func (s *Store) RescheduleOutboxRow(ctx context.Context, id int64, retryAt time.Time, lastError string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE email_outbox SET status = ?, retry_next_at = ?, locked_until = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
		string(OutboxPending), fmtTime(retryAt), nullableString(lastError), fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("reschedule outbox row: %w", err)
	}
	return nil
}

// MarkOutboxTerminal records a failed or dead terminal state.
func (s *Store) MarkOutboxTerminal(ctx context.Context, id int64, status OutboxStatus, lastError string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE email_outbox SET status = ?, locked_until = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), nullableString(lastError), fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox terminal: %w", err)
	}
	return nil
}
