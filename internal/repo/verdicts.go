package repo

import (
	"context"
	"database/sql"
	"errors"

	"afu9/internal/domain"
)

// CreateVerdict records a verification outcome delivered by the verification collaborator.
func (r Repo) CreateVerdict(ctx context.Context, tx *sql.Tx, v domain.VerificationVerdict) (domain.VerificationVerdict, error) {
	if v.Verdict != domain.VerdictGreen && v.Verdict != domain.VerdictRed {
		return domain.VerificationVerdict{}, errors.New("verdict must be GREEN or RED")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO verification_verdicts(id, issue_id, verdict, summary, source, created_at) VALUES (?,?,?,?,?,?)`,
		v.ID, v.IssueID, string(v.Verdict), nullable(v.Summary), nullable(v.Source), v.CreatedAt)
	if err != nil {
		return domain.VerificationVerdict{}, err
	}
	return v, nil
}

// LatestVerdict returns the most recent verdict of an issue.
func (r Repo) LatestVerdict(ctx context.Context, tx *sql.Tx, issueID string) (domain.VerificationVerdict, error) {
	var v domain.VerificationVerdict
	var verdict string
	var summary, source sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id, issue_id, verdict, summary, source, created_at
FROM verification_verdicts WHERE issue_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, issueID).
		Scan(&v.ID, &v.IssueID, &verdict, &summary, &source, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.Verdict = domain.Verdict(verdict)
	v.Summary = summary.String
	v.Source = source.String
	return v, nil
}

func (r Repo) ListVerdicts(ctx context.Context, issueID string) ([]domain.VerificationVerdict, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, issue_id, verdict, summary, source, created_at
FROM verification_verdicts WHERE issue_id=? ORDER BY created_at ASC, rowid ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerificationVerdict
	for rows.Next() {
		var v domain.VerificationVerdict
		var verdict string
		var summary, source sql.NullString
		if err := rows.Scan(&v.ID, &v.IssueID, &verdict, &summary, &source, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Verdict = domain.Verdict(verdict)
		v.Summary = summary.String
		v.Source = source.String
		res = append(res, v)
	}
	return res, rows.Err()
}
