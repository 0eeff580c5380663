package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = "id, queue_name, payload, available_at, locked_until, attempts, created_at, updated_at"

func scanMessage(sc scanner) (*Message, error) {
	var (
		m         Message
		available string
		locked    sql.NullString
		created   string
		updated   string
	)
	if err := sc.Scan(&m.ID, &m.Queue, &m.Payload, &available, &locked, &m.Attempts, &created, &updated); err != nil {
		return nil, err
	}
	m.AvailableAt = parseTime(available)
	m.LockedUntil = parseTimeNull(locked)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}

// InsertMessage enqueues a payload for delivery no earlier than availableAt.
func (s *Store) InsertMessage(ctx context.Context, queue, payload string, availableAt time.Time) (int64, error) {
	now := fmtTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO queue_messages (queue_name, payload, available_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?)`,
		queue, payload, fmtTime(availableAt), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

// ClaimMessages atomically claims up to limit deliverable messages from one
// queue, FIFO by (available_at, id), locking each for the lease duration and
// incrementing attempts.
func (s *Store) ClaimMessages(ctx context.Context, queue string, limit int, now time.Time, lease time.Duration) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowStr := fmtTime(now)
	lockStr := fmtTime(now.Add(lease))

	var claimed []*Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(
			ctx,
			`SELECT `+messageColumns+` FROM queue_messages
             WHERE queue_name = ? AND available_at <= ?
               AND (locked_until IS NULL OR locked_until < ?)
             ORDER BY available_at ASC, id ASC
             LIMIT ?`,
			queue, nowStr, nowStr, limit,
		)
		if err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				return fmt.Errorf("scan claimable: %w", err)
			}
			claimed = append(claimed, msg)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, msg := range claimed {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE queue_messages SET locked_until = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`,
				lockStr, nowStr, msg.ID,
			); err != nil {
				return fmt.Errorf("lock message: %w", err)
			}
			msg.Attempts++
			locked := now.Add(lease)
			msg.LockedUntil = &locked
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// AckMessage removes a delivered message.
func (s *Store) AckMessage(ctx context.Context, id int64) error {
	_, err := s.execWithRetry(ctx, `DELETE FROM queue_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

// NackMessage releases a message back to the queue, deliverable at retryAt.
func (s *Store) NackMessage(ctx context.Context, id int64, retryAt time.Time) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE queue_messages SET locked_until = NULL, available_at = ?, updated_at = ? WHERE id = ?`,
		fmtTime(retryAt), fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("nack message: %w", err)
	}
	return nil
}

// ExtendMessageLease pushes out the visibility timeout of a claimed message.
func (s *Store) ExtendMessageLease(ctx context.Context, id int64, until time.Time) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE queue_messages SET locked_until = ?, updated_at = ? WHERE id = ?`,
		fmtTime(until), fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return nil
}

// GetMessage fetches a queue message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM queue_messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// DeadLetterMessage moves a message into the dead-letter table.
func (s *Store) DeadLetterMessage(ctx context.Context, id int64, lastError string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM queue_messages WHERE id = ?`, id)
		msg, err := scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load message for dead-letter: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO queue_dead_letters (message_id, queue_name, payload, attempts, last_error, dead_at)
             VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.Queue, msg.Payload, msg.Attempts, nullableString(lastError), fmtTime(time.Now()),
		); err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id); err != nil {
			return fmt.Errorf("remove dead message: %w", err)
		}
		return nil
	})
}

// QueueDepths returns live message counts per queue.
func (s *Store) QueueDepths(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT queue_name, COUNT(1) FROM queue_messages GROUP BY queue_name`)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()

	depths := make(map[string]int)
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		depths[name] = count
	}
	return depths, rows.Err()
}

// ListDeadLetters returns dead-lettered messages, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, message_id, queue_name, payload, attempts, last_error, dead_at
         FROM queue_dead_letters ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		var (
			d         DeadLetter
			lastError sql.NullString
			deadAt    string
		)
		if err := rows.Scan(&d.ID, &d.MessageID, &d.Queue, &d.Payload, &d.Attempts, &lastError, &deadAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d.LastError = stringOrEmpty(lastError)
		d.DeadAt = parseTime(deadAt)
		letters = append(letters, &d)
	}
	return letters, rows.Err()
}

// ReleaseExpiredMessageLocks clears lapsed visibility leases. Normally claim
// queries treat lapsed locks as claimable anyway; this keeps the table tidy
// and is run by the startup recovery sweep.
func (s *Store) ReleaseExpiredMessageLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE queue_messages SET locked_until = NULL, updated_at = ? WHERE locked_until IS NOT NULL AND locked_until < ?`,
		fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("release expired locks: %w", err)
	}
	return res.RowsAffected()
}
