package repo

import (
	"context"
	"database/sql"

	"afu9/internal/domain"
)

func (r Repo) InsertRemediation(ctx context.Context, tx *sql.Tx, rem domain.Remediation) error {
	checks, err := marshalJSON(rem.FailedChecks, "[]")
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO remediation_records(id, issue_id, run_id, remediation_reason, failed_step, blocker_code, red_verdict, failed_checks_json, created_by, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rem.ID, rem.IssueID, nullable(rem.RunID), rem.RemediationReason, nullable(rem.FailedStep), nullable(rem.BlockerCode),
		nullable(rem.RedVerdict), checks, rem.CreatedBy, rem.CreatedAt)
	return err
}

func (r Repo) ListRemediations(ctx context.Context, issueID string) ([]domain.Remediation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, issue_id, run_id, remediation_reason, failed_step, blocker_code, red_verdict, failed_checks_json, created_by, created_at
FROM remediation_records WHERE issue_id=? ORDER BY created_at ASC, rowid ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Remediation
	for rows.Next() {
		var rem domain.Remediation
		var runID, failedStep, blocker, red, checks sql.NullString
		if err := rows.Scan(&rem.ID, &rem.IssueID, &runID, &rem.RemediationReason, &failedStep, &blocker, &red, &checks, &rem.CreatedBy, &rem.CreatedAt); err != nil {
			return nil, err
		}
		rem.RunID = runID.String
		rem.FailedStep = failedStep.String
		rem.BlockerCode = blocker.String
		rem.RedVerdict = red.String
		rem.FailedChecks = unmarshalStrings(checks)
		res = append(res, rem)
	}
	return res, rows.Err()
}
