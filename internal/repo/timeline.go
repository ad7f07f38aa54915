package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"afu9/internal/domain"
)

type TimelineFilters struct {
	IssueID   string
	EventType string
	// Cursor returns events with an id lower than it (newest-first pages) or, with
	// Ascending, greater than it.
	Cursor    int64
	Ascending bool
	Limit     int
}

// ListTimeline reads issue_timeline. The repository exposes no UPDATE or DELETE for it.
func (r Repo) ListTimeline(ctx context.Context, f TimelineFilters) ([]domain.TimelineEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.IssueID != "" {
		clauses = append(clauses, "issue_id=?")
		args = append(args, f.IssueID)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	order := "DESC"
	if f.Cursor > 0 {
		if f.Ascending {
			clauses = append(clauses, "id>?")
		} else {
			clauses = append(clauses, "id<?")
		}
		args = append(args, f.Cursor)
	}
	if f.Ascending {
		order = "ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT id,issue_id,event_type,event_data,actor,actor_type,created_at FROM issue_timeline WHERE %s ORDER BY id %s LIMIT ?`,
		strings.Join(clauses, " AND "), order)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEvent
	for rows.Next() {
		var e domain.TimelineEvent
		var data sql.NullString
		var actorType string
		if err := rows.Scan(&e.ID, &e.IssueID, &e.EventType, &data, &e.Actor, &actorType, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorType = domain.ActorType(actorType)
		e.EventData = map[string]any{}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.EventData); err != nil {
				return nil, fmt.Errorf("decode event %d: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountTimeline returns the number of events of an issue.
func (r Repo) CountTimeline(ctx context.Context, issueID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM issue_timeline WHERE issue_id=?`, issueID).Scan(&n)
	return n, err
}
