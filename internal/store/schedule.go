package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"earshot/internal/fiscal"
)

const scheduleColumns = "id, equity_id, quarter, year, priority, next_check_at, last_status, last_checked_at, last_available_at, attempts, locked_until, created_at, updated_at"

func scanScheduleRow(sc scanner) (*ScheduleRow, error) {
	var (
		r             ScheduleRow
		quarter       string
		nextCheck     sql.NullString
		lastStatus    sql.NullString
		lastChecked   sql.NullString
		lastAvailable sql.NullString
		lockedUntil   sql.NullString
		created       string
		updated       string
	)
	if err := sc.Scan(&r.ID, &r.EquityID, &quarter, &r.Year, &r.Priority, &nextCheck, &lastStatus, &lastChecked, &lastAvailable, &r.Attempts, &lockedUntil, &created, &updated); err != nil {
		return nil, err
	}
	r.Quarter = fiscal.Quarter(quarter)
	r.NextCheckAt = parseTimeNull(nextCheck)
	r.LastStatus = stringOrEmpty(lastStatus)
	r.LastCheckedAt = parseTimeNull(lastChecked)
	r.LastAvailableAt = parseTimeNull(lastAvailable)
	r.LockedUntil = parseTimeNull(lockedUntil)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

// UpsertScheduleRow ensures a schedule row exists for the period. An existing
// row keeps its cadence state; only priority is refreshed. next_check_at
// seeds to now so new rows are immediately due.
func (s *Store) UpsertScheduleRow(ctx context.Context, equityID int64, period fiscal.Period, priority int) error {
	now := fmtTime(time.Now())
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO fetch_schedule (equity_id, quarter, year, priority, next_check_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(equity_id, quarter, year) DO UPDATE SET
             priority = excluded.priority,
             next_check_at = COALESCE(fetch_schedule.next_check_at, excluded.next_check_at),
             updated_at = excluded.updated_at`,
		equityID, string(period.Quarter), period.Year, priority, now, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert schedule row: %w", err)
	}
	return nil
}

// GetScheduleRow fetches a schedule row by id.
func (s *Store) GetScheduleRow(ctx context.Context, id int64) (*ScheduleRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM fetch_schedule WHERE id = ?`, id)
	schedule, err := scanScheduleRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule row: %w", err)
	}
	return schedule, nil
}

// GetScheduleRowByPeriod fetches the schedule row for one period.
func (s *Store) GetScheduleRowByPeriod(ctx context.Context, equityID int64, period fiscal.Period) (*ScheduleRow, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+scheduleColumns+` FROM fetch_schedule WHERE equity_id = ? AND quarter = ? AND year = ?`,
		equityID, string(period.Quarter), period.Year,
	)
	schedule, err := scanScheduleRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule row by period: %w", err)
	}
	return schedule, nil
}

// ListScheduleRows returns every schedule row ordered by priority.
func (s *Store) ListScheduleRows(ctx context.Context) ([]*ScheduleRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM fetch_schedule ORDER BY priority, next_check_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedule rows: %w", err)
	}
	defer rows.Close()

	var result []*ScheduleRow
	for rows.Next() {
		row, err := scanScheduleRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule row: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// ClaimDueSchedule atomically claims up to limit due rows, most urgent
// first, locking each for the lease duration. A row is claimable iff
// next_check_at <= now and any previous lock has expired.
func (s *Store) ClaimDueSchedule(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]*ScheduleRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowStr := fmtTime(now)
	lockStr := fmtTime(now.Add(lease))

	var claimed []*ScheduleRow
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(
			ctx,
			`SELECT `+scheduleColumns+` FROM fetch_schedule
             WHERE next_check_at IS NOT NULL AND next_check_at <= ?
               AND (locked_until IS NULL OR locked_until < ?)
             ORDER BY priority ASC, next_check_at ASC
             LIMIT ?`,
			nowStr, nowStr, limit,
		)
		if err != nil {
			return fmt.Errorf("select due schedule: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			row, err := scanScheduleRow(rows)
			if err != nil {
				return fmt.Errorf("scan due schedule: %w", err)
			}
			claimed = append(claimed, row)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, row := range claimed {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE fetch_schedule SET locked_until = ?, updated_at = ? WHERE id = ?`,
				lockStr, nowStr, row.ID,
			); err != nil {
				return fmt.Errorf("lock schedule row: %w", err)
			}
			locked := now.Add(lease)
			row.LockedUntil = &locked
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteScheduleCheck records a poll outcome and the next due time,
// releasing the row lock.
func (s *Store) CompleteScheduleCheck(ctx context.Context, id int64, lastStatus string, attempts int, nextCheckAt time.Time, availableAt *time.Time) error {
	now := time.Now()
	query := `UPDATE fetch_schedule
              SET last_status = ?, last_checked_at = ?, attempts = ?, next_check_at = ?, locked_until = NULL, updated_at = ?`
	args := []any{lastStatus, fmtTime(now), attempts, fmtTime(nextCheckAt), fmtTime(now)}
	if availableAt != nil {
		query += `, last_available_at = ?`
		args = append(args, fmtTime(*availableAt))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	_, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("complete schedule check: %w", err)
	}
	return nil
}

// ReleaseScheduleLock clears the lock without recording a check, used when a
// claimed row turns out to be stale.
func (s *Store) ReleaseScheduleLock(ctx context.Context, id int64) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE fetch_schedule SET locked_until = NULL, updated_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("release schedule lock: %w", err)
	}
	return nil
}

// MarkScheduleDueNow forces a row due immediately and resets its backoff.
func (s *Store) MarkScheduleDueNow(ctx context.Context, equityID int64, period fiscal.Period) (bool, error) {
	now := fmtTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE fetch_schedule
         SET next_check_at = ?, attempts = 0, locked_until = NULL, updated_at = ?
         WHERE equity_id = ? AND quarter = ? AND year = ?`,
		now, now, equityID, string(period.Quarter), period.Year,
	)
	if err != nil {
		return false, fmt.Errorf("mark schedule due: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// RetireScheduleRow demotes a row to the retired lane with a weekly cadence.
func (s *Store) RetireScheduleRow(ctx context.Context, id int64, nextCheckAt time.Time) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE fetch_schedule SET priority = ?, next_check_at = ?, updated_at = ? WHERE id = ?`,
		PriorityRetired, fmtTime(nextCheckAt), fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("retire schedule row: %w", err)
	}
	return nil
}

// DeleteScheduleRowsExcept removes rows whose equity is no longer tracked.
func (s *Store) DeleteScheduleRowsExcept(ctx context.Context, trackedEquityIDs []int64) (int64, error) {
	if len(trackedEquityIDs) == 0 {
		res, err := s.execWithRetry(ctx, `DELETE FROM fetch_schedule`)
		if err != nil {
			return 0, fmt.Errorf("clear schedule: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := ""
	args := make([]any, 0, len(trackedEquityIDs))
	for i, id := range trackedEquityIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	res, err := s.execWithRetry(ctx, `DELETE FROM fetch_schedule WHERE equity_id NOT IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("prune schedule: %w", err)
	}
	return res.RowsAffected()
}
