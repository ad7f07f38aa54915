package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"

	"afu9/internal/domain"
)

// HashIssueJSON returns the content hash stored alongside draft bodies.
func HashIssueJSON(issueJSON string) string {
	sum := sha256.Sum256([]byte(issueJSON))
	return hex.EncodeToString(sum[:])
}

const draftColumns = `id,session_id,issue_json,issue_hash,last_validation_status,created_at,updated_at`

func scanDraft(row rowScanner) (domain.Draft, error) {
	var d domain.Draft
	var status string
	err := row.Scan(&d.ID, &d.SessionID, &d.IssueJSON, &d.IssueHash, &status, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	d.LastValidationStatus = domain.ValidationStatus(status)
	return d, err
}

// UpsertDraft stores the draft body of a session. Editing a draft resets its validation status.
func (r Repo) UpsertDraft(ctx context.Context, tx *sql.Tx, d domain.Draft) (domain.Draft, error) {
	d.IssueHash = HashIssueJSON(d.IssueJSON)
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO drafts(`+draftColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(session_id) DO UPDATE SET
  issue_json=excluded.issue_json,
  issue_hash=excluded.issue_hash,
  last_validation_status=CASE WHEN drafts.issue_hash=excluded.issue_hash THEN drafts.last_validation_status ELSE 'unknown' END,
  updated_at=excluded.updated_at`,
		d.ID, d.SessionID, d.IssueJSON, d.IssueHash, string(domain.ValidationUnknown), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return domain.Draft{}, err
	}
	return r.GetDraftBySession(ctx, tx, d.SessionID)
}

func (r Repo) GetDraftBySession(ctx context.Context, tx *sql.Tx, sessionID string) (domain.Draft, error) {
	return scanDraft(r.q(tx).QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE session_id=?`, sessionID))
}

func (r Repo) SetDraftValidation(ctx context.Context, tx *sql.Tx, draftID string, status domain.ValidationStatus, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE drafts SET last_validation_status=?, updated_at=? WHERE id=?`, string(status), now, draftID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CommitDraftVersion snapshots the current draft body as the next version number.
func (r Repo) CommitDraftVersion(ctx context.Context, tx *sql.Tx, id string, d domain.Draft, actor, now string) (domain.DraftVersion, error) {
	var next int
	if err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0)+1 FROM draft_versions WHERE draft_id=?`, d.ID).Scan(&next); err != nil {
		return domain.DraftVersion{}, err
	}
	v := domain.DraftVersion{
		ID:          id,
		DraftID:     d.ID,
		Version:     next,
		IssueJSON:   d.IssueJSON,
		IssueHash:   d.IssueHash,
		CommittedAt: now,
		CommittedBy: actor,
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO draft_versions(id,draft_id,version,issue_json,issue_hash,committed_at,committed_by) VALUES (?,?,?,?,?,?,?)`,
		v.ID, v.DraftID, v.Version, v.IssueJSON, v.IssueHash, v.CommittedAt, v.CommittedBy)
	if err != nil {
		return domain.DraftVersion{}, err
	}
	return v, nil
}

// LatestDraftVersion returns the highest committed version of a draft.
func (r Repo) LatestDraftVersion(ctx context.Context, tx *sql.Tx, draftID string) (domain.DraftVersion, error) {
	var v domain.DraftVersion
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,draft_id,version,issue_json,issue_hash,committed_at,committed_by FROM draft_versions WHERE draft_id=? ORDER BY version DESC LIMIT 1`, draftID).
		Scan(&v.ID, &v.DraftID, &v.Version, &v.IssueJSON, &v.IssueHash, &v.CommittedAt, &v.CommittedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) ListDraftVersions(ctx context.Context, draftID string) ([]domain.DraftVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,draft_id,version,issue_json,issue_hash,committed_at,committed_by FROM draft_versions WHERE draft_id=? ORDER BY version ASC`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DraftVersion
	for rows.Next() {
		var v domain.DraftVersion
		if err := rows.Scan(&v.ID, &v.DraftID, &v.Version, &v.IssueJSON, &v.IssueHash, &v.CommittedAt, &v.CommittedBy); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
