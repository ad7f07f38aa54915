package repo

import (
	"context"
	"database/sql"
	"errors"

	"afu9/internal/domain"
)

const runColumns = `id,issue_id,actor,request_id,mode,status,created_at,started_at,completed_at,duration_ms,error_message,metadata_json`

func scanRun(row rowScanner) (domain.LoopRun, error) {
	var run domain.LoopRun
	var mode, status string
	var started, completed, errMsg, meta sql.NullString
	var duration sql.NullInt64
	err := row.Scan(&run.ID, &run.IssueID, &run.Actor, &run.RequestID, &mode, &status, &run.CreatedAt,
		&started, &completed, &duration, &errMsg, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Mode = domain.Mode(mode)
	run.Status = domain.RunStatus(status)
	run.StartedAt = started.String
	run.CompletedAt = completed.String
	run.DurationMS = int64Ptr(duration)
	run.ErrorMessage = errMsg.String
	run.Metadata = unmarshalMap(meta)
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, run domain.LoopRun) error {
	meta, err := marshalJSON(run.Metadata, "{}")
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO loop_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.IssueID, run.Actor, run.RequestID, string(run.Mode), string(run.Status), run.CreatedAt,
		nullable(run.StartedAt), nullable(run.CompletedAt), nullableInt64Ptr(run.DurationMS), nullable(run.ErrorMessage), meta)
	return err
}

// StartRun moves a pending run to running.
func (r Repo) StartRun(ctx context.Context, id, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE loop_runs SET status=?, started_at=? WHERE id=? AND status=?`,
		string(domain.RunRunning), now, id, string(domain.RunPending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

// FinishRun records the terminal status of a run. Terminal runs are never rewritten.
func (r Repo) FinishRun(ctx context.Context, id string, status domain.RunStatus, errMsg, now string, durationMS int64, metadata map[string]any) error {
	if !status.Terminal() {
		return errors.New("finish run requires a terminal status")
	}
	meta, err := marshalJSON(metadata, "{}")
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE loop_runs SET status=?, completed_at=?, duration_ms=?, error_message=?, metadata_json=?
WHERE id=? AND status IN (?,?)`,
		string(status), now, durationMS, nullable(errMsg), meta, id, string(domain.RunPending), string(domain.RunRunning))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.LoopRun, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM loop_runs WHERE id=?`, id))
}

// ListRuns returns the runs of an issue, newest first.
func (r Repo) ListRuns(ctx context.Context, issueID string, limit int) ([]domain.LoopRun, error) {
	query := `SELECT ` + runColumns + ` FROM loop_runs WHERE issue_id=? ORDER BY created_at DESC, id DESC`
	args := []any{issueID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LoopRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) InsertRunStep(ctx context.Context, st domain.LoopRunStep) error {
	meta, err := marshalJSON(st.Metadata, "{}")
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO loop_run_steps(id,run_id,step_number,step_type,status,started_at,completed_at,duration_ms,error_message,metadata_json) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.RunID, st.StepNumber, string(st.StepType), string(st.Status), nullable(st.StartedAt), nullable(st.CompletedAt),
		nullableInt64Ptr(st.DurationMS), nullable(st.ErrorMessage), meta)
	return err
}

// FinishRunStep closes a running step row.
func (r Repo) FinishRunStep(ctx context.Context, id string, status domain.StepStatus, errMsg, now string, durationMS int64, metadata map[string]any) error {
	meta, err := marshalJSON(metadata, "{}")
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE loop_run_steps SET status=?, completed_at=?, duration_ms=?, error_message=?, metadata_json=?
WHERE id=? AND status=?`,
		string(status), now, durationMS, nullable(errMsg), meta, id, string(domain.StepRunning))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

func (r Repo) ListRunSteps(ctx context.Context, runID string) ([]domain.LoopRunStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,step_number,step_type,status,started_at,completed_at,duration_ms,error_message,metadata_json
FROM loop_run_steps WHERE run_id=? ORDER BY step_number ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LoopRunStep
	for rows.Next() {
		var st domain.LoopRunStep
		var stepType, status string
		var started, completed, errMsg, meta sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&st.ID, &st.RunID, &st.StepNumber, &stepType, &status, &started, &completed, &duration, &errMsg, &meta); err != nil {
			return nil, err
		}
		st.StepType = domain.Step(stepType)
		st.Status = domain.StepStatus(status)
		st.StartedAt = started.String
		st.CompletedAt = completed.String
		st.DurationMS = int64Ptr(duration)
		st.ErrorMessage = errMsg.String
		st.Metadata = unmarshalMap(meta)
		res = append(res, st)
	}
	return res, rows.Err()
}
