package repo

import (
	"context"
	"database/sql"
	"errors"

	"afu9/internal/domain"
)

// CloseIssue inserts the closure record of an issue. It returns ("", false) when the
// issue already has one, leaving the existing record untouched.
func (r Repo) CloseIssue(ctx context.Context, tx *sql.Tx, c domain.Closure) (string, bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO issue_closures(id, issue_id, run_id, verification_verdict_id, closure_reason, closed_at, closed_by)
VALUES (?,?,?,?,?,?,?) ON CONFLICT(issue_id) DO NOTHING`,
		c.ID, c.IssueID, nullable(c.RunID), c.VerificationVerdictID, c.ClosureReason, c.ClosedAt, c.ClosedBy)
	if err != nil {
		return "", false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", false, nil
	}
	return c.ID, true, nil
}

func (r Repo) GetClosureByIssue(ctx context.Context, tx *sql.Tx, issueID string) (domain.Closure, error) {
	var c domain.Closure
	var runID sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id, issue_id, run_id, verification_verdict_id, closure_reason, closed_at, closed_by
FROM issue_closures WHERE issue_id=?`, issueID).
		Scan(&c.ID, &c.IssueID, &runID, &c.VerificationVerdictID, &c.ClosureReason, &c.ClosedAt, &c.ClosedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	c.RunID = runID.String
	return c, err
}
