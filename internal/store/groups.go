package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const groupColumns = "id, name, deep_research_prompt, stock_summary_prompt, is_active, created_at, updated_at"

func scanGroup(sc scanner) (*Group, error) {
	var (
		g        Group
		deep     sql.NullString
		summary  sql.NullString
		isActive int
		created  string
		updated  string
	)
	if err := sc.Scan(&g.ID, &g.Name, &deep, &summary, &isActive, &created, &updated); err != nil {
		return nil, err
	}
	g.DeepResearchPrompt = stringOrEmpty(deep)
	g.StockSummaryPrompt = stringOrEmpty(summary)
	g.IsActive = isActive != 0
	g.CreatedAt = parseTime(created)
	g.UpdatedAt = parseTime(updated)
	return &g, nil
}

// UpsertGroup inserts or refreshes a group keyed by name.
func (s *Store) UpsertGroup(ctx context.Context, name, deepResearchPrompt, stockSummaryPrompt string, isActive bool) (*Group, error) {
	if name == "" {
		return nil, errors.New("group name is required")
	}
	now := fmtTime(time.Now())
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO groups (name, deep_research_prompt, stock_summary_prompt, is_active, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(name) DO UPDATE SET
             deep_research_prompt = excluded.deep_research_prompt,
             stock_summary_prompt = excluded.stock_summary_prompt,
             is_active = excluded.is_active,
             updated_at = excluded.updated_at`,
		name, nullableString(deepResearchPrompt), nullableString(stockSummaryPrompt), boolToInt(isActive), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert group: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE name = ?`, name)
	group, err := scanGroup(row)
	if err != nil {
		return nil, fmt.Errorf("reload group: %w", err)
	}
	return group, nil
}

// GetGroup fetches a group by id.
func (s *Store) GetGroup(ctx context.Context, id int64) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = ?`, id)
	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return group, nil
}

// ListGroups returns all groups; activeOnly restricts to active ones.
func (s *Store) ListGroups(ctx context.Context, activeOnly bool) ([]*Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// AddGroupMember links an equity into a group. Re-adding refreshes updated_at.
func (s *Store) AddGroupMember(ctx context.Context, groupID, equityID int64) error {
	now := fmtTime(time.Now())
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO group_memberships (group_id, equity_id, added_at, updated_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT(group_id, equity_id) DO UPDATE SET updated_at = excluded.updated_at`,
		groupID, equityID, now, now,
	)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

// RemoveGroupMember unlinks an equity from a group.
func (s *Store) RemoveGroupMember(ctx context.Context, groupID, equityID int64) error {
	_, err := s.execWithRetry(ctx, `DELETE FROM group_memberships WHERE group_id = ? AND equity_id = ?`, groupID, equityID)
	if err != nil {
		return fmt.Errorf("remove group member: %w", err)
	}
	return nil
}

// ListGroupMembers returns the equity ids of a group ordered by id.
func (s *Store) ListGroupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT equity_id FROM group_memberships WHERE group_id = ? ORDER BY equity_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
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

// ActiveGroupsForEquity returns the active groups containing an equity,
// most recently updated membership first.
func (s *Store) ActiveGroupsForEquity(ctx context.Context, equityID int64) ([]*Group, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT g.id, g.name, g.deep_research_prompt, g.stock_summary_prompt, g.is_active, g.created_at, g.updated_at
         FROM groups g
         JOIN group_memberships gm ON gm.group_id = g.id
         WHERE gm.equity_id = ? AND g.is_active = 1
         ORDER BY gm.updated_at DESC, gm.added_at DESC`,
		equityID,
	)
	if err != nil {
		return nil, fmt.Errorf("groups for equity: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// TrackedEquityIDs returns every equity that is on the watchlist or in an
// active group, with watchlist membership flagged.
func (s *Store) TrackedEquityIDs(ctx context.Context) (map[int64]bool, error) {
	tracked := make(map[int64]bool)

	watchRows, err := s.db.QueryContext(ctx, `SELECT equity_id FROM watchlist_items`)
	if err != nil {
		return nil, fmt.Errorf("tracked watchlist: %w", err)
	}
	defer watchRows.Close()
	for watchRows.Next() {
		var id int64
		if err := watchRows.Scan(&id); err != nil {
			return nil, err
		}
		tracked[id] = true
	}
	if err := watchRows.Err(); err != nil {
		return nil, err
	}

	groupRows, err := s.db.QueryContext(
		ctx,
		`SELECT DISTINCT gm.equity_id
         FROM group_memberships gm
         JOIN groups g ON g.id = gm.group_id
         WHERE g.is_active = 1`,
	)
	if err != nil {
		return nil, fmt.Errorf("tracked groups: %w", err)
	}
	defer groupRows.Close()
	for groupRows.Next() {
		var id int64
		if err := groupRows.Scan(&id); err != nil {
			return nil, err
		}
		if _, ok := tracked[id]; !ok {
			tracked[id] = false
		}
	}
	return tracked, groupRows.Err()
}
