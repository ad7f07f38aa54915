package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"afu9/internal/domain"
)

// Writer appends issue_timeline rows. Rows are never updated or deleted.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one timeline event inside tx and returns its id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, issueID, actor string, actorType domain.ActorType, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if actorType == "" {
		actorType = domain.ActorUser
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO issue_timeline(issue_id,event_type,event_data,actor,actor_type,created_at) VALUES (?,?,?,?,?,?)`,
		issueID, evtType, string(data), actor, string(actorType), ts)
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", evtType, err)
	}
	return res.LastInsertId()
}

// AppendDB writes one event in its own transaction.
func (w Writer) AppendDB(ctx context.Context, db *sql.DB, evtType, issueID, actor string, actorType domain.ActorType, payload EventPayload) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := w.Append(ctx, tx, evtType, issueID, actor, actorType, payload)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}
