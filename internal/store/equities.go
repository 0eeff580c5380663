package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const equityColumns = "id, symbol, alt_code, identifier, name, created_at, updated_at"

func scanEquity(sc scanner) (*Equity, error) {
	var (
		e       Equity
		altCode sql.NullString
		created string
		updated string
	)
	if err := sc.Scan(&e.ID, &e.Symbol, &altCode, &e.Identifier, &e.Name, &created, &updated); err != nil {
		return nil, err
	}
	e.AltCode = stringOrEmpty(altCode)
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	return &e, nil
}

// UpsertEquity inserts or refreshes an equity keyed by its external identifier.
func (s *Store) UpsertEquity(ctx context.Context, symbol, altCode, identifier, name string) (*Equity, error) {
	if identifier == "" {
		return nil, errors.New("equity identifier is required")
	}
	now := fmtTime(time.Now())
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO equities (symbol, alt_code, identifier, name, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(identifier) DO UPDATE SET
             symbol = excluded.symbol,
             alt_code = excluded.alt_code,
             name = excluded.name,
             updated_at = excluded.updated_at`,
		symbol, nullableString(altCode), identifier, name, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert equity: %w", err)
	}
	return s.GetEquityByIdentifier(ctx, identifier)
}

// GetEquity fetches an equity by id.
func (s *Store) GetEquity(ctx context.Context, id int64) (*Equity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+equityColumns+` FROM equities WHERE id = ?`, id)
	equity, err := scanEquity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get equity: %w", err)
	}
	return equity, nil
}

// GetEquityByIdentifier fetches an equity by its external identifier.
func (s *Store) GetEquityByIdentifier(ctx context.Context, identifier string) (*Equity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+equityColumns+` FROM equities WHERE identifier = ?`, identifier)
	equity, err := scanEquity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get equity by identifier: %w", err)
	}
	return equity, nil
}

// GetEquityBySymbol fetches an equity by trading symbol.
func (s *Store) GetEquityBySymbol(ctx context.Context, symbol string) (*Equity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+equityColumns+` FROM equities WHERE symbol = ? ORDER BY id LIMIT 1`, symbol)
	equity, err := scanEquity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get equity by symbol: %w", err)
	}
	return equity, nil
}

// ListEquities returns all equities ordered by symbol.
func (s *Store) ListEquities(ctx context.Context) ([]*Equity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+equityColumns+` FROM equities ORDER BY symbol, id`)
	if err != nil {
		return nil, fmt.Errorf("list equities: %w", err)
	}
	defer rows.Close()

	var equities []*Equity
	for rows.Next() {
		equity, err := scanEquity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan equity: %w", err)
		}
		equities = append(equities, equity)
	}
	return equities, rows.Err()
}

// AddToWatchlist puts an equity on the watchlist. Adding twice is a no-op.
func (s *Store) AddToWatchlist(ctx context.Context, equityID int64) error {
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO watchlist_items (equity_id, added_at) VALUES (?, ?)
         ON CONFLICT(equity_id) DO NOTHING`,
		equityID, fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("add to watchlist: %w", err)
	}
	return nil
}

// RemoveFromWatchlist drops an equity from the watchlist.
func (s *Store) RemoveFromWatchlist(ctx context.Context, equityID int64) error {
	_, err := s.execWithRetry(ctx, `DELETE FROM watchlist_items WHERE equity_id = ?`, equityID)
	if err != nil {
		return fmt.Errorf("remove from watchlist: %w", err)
	}
	return nil
}

// IsWatchlisted reports whether an equity is on the watchlist.
func (s *Store) IsWatchlisted(ctx context.Context, equityID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM watchlist_items WHERE equity_id = ?`, equityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("watchlist lookup: %w", err)
	}
	return true, nil
}

// ListWatchlist returns the watchlisted equity ids.
func (s *Store) ListWatchlist(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT equity_id FROM watchlist_items ORDER BY equity_id`)
	if err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
