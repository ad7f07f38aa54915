package repo

import (
	"context"
	"database/sql"
	"errors"

	"afu9/internal/domain"
)

// GetControlPack returns the pack with id, or the default pack when id is empty.
func (r Repo) GetControlPack(ctx context.Context, tx *sql.Tx, id string) (domain.ControlPack, error) {
	var cp domain.ControlPack
	var isDefault int
	var row *sql.Row
	if id == "" {
		row = r.q(tx).QueryRowContext(ctx, `SELECT id, name, is_default FROM control_packs WHERE is_default=1 ORDER BY id LIMIT 1`)
	} else {
		row = r.q(tx).QueryRowContext(ctx, `SELECT id, name, is_default FROM control_packs WHERE id=?`, id)
	}
	err := row.Scan(&cp.ID, &cp.Name, &isDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, ErrNotFound
	}
	cp.IsDefault = isDefault == 1
	return cp, err
}

// AssignControlPack binds a pack to an issue. It reports false when the assignment already existed.
func (r Repo) AssignControlPack(ctx context.Context, tx *sql.Tx, a domain.ControlPackAssignment) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO control_pack_assignments(issue_id, cp_id, assigned_at, assigned_by) VALUES (?,?,?,?)`,
		a.IssueID, a.CPID, a.AssignedAt, a.AssignedBy)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListControlPackAssignments(ctx context.Context, issueID string) ([]domain.ControlPackAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT issue_id, cp_id, assigned_at, assigned_by FROM control_pack_assignments WHERE issue_id=? ORDER BY assigned_at ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ControlPackAssignment
	for rows.Next() {
		var a domain.ControlPackAssignment
		if err := rows.Scan(&a.IssueID, &a.CPID, &a.AssignedAt, &a.AssignedBy); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
