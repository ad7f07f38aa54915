package repo

import (
	"context"
	"database/sql"

	"afu9/internal/domain"
)

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, ev domain.EvidenceReceipt) error {
	payload, err := marshalJSON(ev.Payload, "{}")
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO issue_evidence(id, issue_id, kind, request_id, payload_json, created_at) VALUES (?,?,?,?,?,?)`,
		ev.ID, ev.IssueID, ev.Kind, nullable(ev.RequestID), payload, ev.CreatedAt)
	return err
}

// ListEvidence returns receipts of an issue, optionally filtered by kind, oldest first.
func (r Repo) ListEvidence(ctx context.Context, issueID, kind string) ([]domain.EvidenceReceipt, error) {
	query := `SELECT id, issue_id, kind, request_id, payload_json, created_at FROM issue_evidence WHERE issue_id=?`
	args := []any{issueID}
	if kind != "" {
		query += ` AND kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EvidenceReceipt
	for rows.Next() {
		var ev domain.EvidenceReceipt
		var reqID, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.IssueID, &ev.Kind, &reqID, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.RequestID = reqID.String
		ev.Payload = unmarshalMap(payload)
		res = append(res, ev)
	}
	return res, rows.Err()
}
