package repo

import (
	"context"
	"database/sql"
	"errors"

	"afu9/internal/domain"
)

// UpsertMesh records the downstream workflow stage of an issue.
func (r Repo) UpsertMesh(ctx context.Context, tx *sql.Tx, m domain.MeshState) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO workflow_mesh(issue_id, stage, pr_number, merge_sha, updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(issue_id) DO UPDATE SET stage=excluded.stage, pr_number=excluded.pr_number, merge_sha=excluded.merge_sha, updated_at=excluded.updated_at`,
		m.IssueID, m.Stage, m.PRNumber, m.MergeSHA, m.UpdatedAt)
	return err
}

func (r Repo) GetMesh(ctx context.Context, issueID string) (domain.MeshState, error) {
	var m domain.MeshState
	err := r.DB.QueryRowContext(ctx, `SELECT issue_id, stage, pr_number, merge_sha, updated_at FROM workflow_mesh WHERE issue_id=?`, issueID).
		Scan(&m.IssueID, &m.Stage, &m.PRNumber, &m.MergeSHA, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}
