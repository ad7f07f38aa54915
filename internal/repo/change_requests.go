package repo

import (
	"context"
	"database/sql"
	"errors"

	"afu9/internal/domain"
)

func (r Repo) InsertChangeRequest(ctx context.Context, tx *sql.Tx, cr domain.ChangeRequest) error {
	acceptance, err := marshalJSON(cr.Acceptance, "[]")
	if err != nil {
		return err
	}
	labels, err := marshalJSON(cr.Labels, "[]")
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO change_requests(id,issue_id,title,motivation,acceptance_json,labels_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		cr.ID, cr.IssueID, cr.Title, nullable(cr.Motivation), acceptance, labels, cr.CreatedAt)
	return err
}

func (r Repo) GetChangeRequest(ctx context.Context, tx *sql.Tx, id string) (domain.ChangeRequest, error) {
	var cr domain.ChangeRequest
	var motivation, acceptance, labels sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,issue_id,title,motivation,acceptance_json,labels_json,created_at FROM change_requests WHERE id=?`, id).
		Scan(&cr.ID, &cr.IssueID, &cr.Title, &motivation, &acceptance, &labels, &cr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cr, ErrNotFound
	}
	if err != nil {
		return cr, err
	}
	cr.Motivation = motivation.String
	cr.Acceptance = unmarshalStrings(acceptance)
	cr.Labels = unmarshalStrings(labels)
	return cr, nil
}
