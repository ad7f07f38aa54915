package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"afu9/internal/domain"
)

const issueColumns = `id,title,body,labels_json,github_url,github_issue_number,github_repo,assignee,status,handoff_state,source_session_id,current_draft_id,active_cr_id,pr_url,merge_sha,last_error,publish_hash,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (domain.Issue, error) {
	var is domain.Issue
	var body, labels, ghURL, ghRepo, assignee, session, draftID, crID, prURL, mergeSHA, lastErr, hash sql.NullString
	var ghNumber sql.NullInt64
	var status, handoff string
	err := row.Scan(&is.ID, &is.Title, &body, &labels, &ghURL, &ghNumber, &ghRepo, &assignee, &status, &handoff,
		&session, &draftID, &crID, &prURL, &mergeSHA, &lastErr, &hash, &is.CreatedAt, &is.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return is, ErrNotFound
	}
	if err != nil {
		return is, err
	}
	is.Status = domain.Status(status)
	is.HandoffState = domain.HandoffState(handoff)
	is.Body = body.String
	is.Labels = unmarshalStrings(labels)
	is.GitHubURL = ghURL.String
	if ghNumber.Valid {
		n := int(ghNumber.Int64)
		is.GitHubIssueNumber = &n
	}
	is.GitHubRepo = ghRepo.String
	is.Assignee = assignee.String
	is.SourceSessionID = session.String
	is.CurrentDraftID = draftID.String
	is.ActiveCRID = crID.String
	is.PRURL = prURL.String
	is.MergeSHA = mergeSHA.String
	is.LastError = lastErr.String
	is.PublishHash = hash.String
	return is, nil
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, is domain.Issue) error {
	labels, err := marshalJSON(is.Labels, "[]")
	if err != nil {
		return err
	}
	if is.Status == "" {
		is.Status = domain.StatusCreated
	}
	if is.HandoffState == "" {
		is.HandoffState = domain.HandoffUnsynced
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO afu9_issues(`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		is.ID, is.Title, nullable(is.Body), labels, nullable(is.GitHubURL), nullableIntPtr(is.GitHubIssueNumber), nullable(is.GitHubRepo),
		nullable(is.Assignee), string(is.Status), string(is.HandoffState), nullable(is.SourceSessionID), nullable(is.CurrentDraftID),
		nullable(is.ActiveCRID), nullable(is.PRURL), nullable(is.MergeSHA), nullable(is.LastError), nullable(is.PublishHash),
		is.CreatedAt, is.UpdatedAt)
	return err
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return r.GetIssueTx(ctx, nil, id)
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	return scanIssue(r.q(tx).QueryRowContext(ctx, `SELECT `+issueColumns+` FROM afu9_issues WHERE id=?`, id))
}

type IssueFilters struct {
	Status          domain.Status
	Assignee        string
	SourceSessionID string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListIssues returns issues newest first, paginated by a created_at|id cursor.
func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	if f.SourceSessionID != "" {
		clauses = append(clauses, "source_session_id=?")
		args = append(args, f.SourceSessionID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueColumns + ` FROM afu9_issues ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

// IssueUpdate lists the columns to change; nil pointers are left untouched.
type IssueUpdate struct {
	Title             *string
	Body              *string
	Labels            *[]string
	GitHubURL         *string
	GitHubIssueNumber *int
	GitHubRepo        *string
	Assignee          *string
	HandoffState      *domain.HandoffState
	SourceSessionID   *string
	CurrentDraftID    *string
	ActiveCRID        *string
	PRURL             *string
	MergeSHA          *string
	LastError         *string
	PublishHash       *string
}

// Fields returns the changed column names in a stable order.
func (u IssueUpdate) Fields() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(u.Title != nil, "title")
	add(u.Body != nil, "body")
	add(u.Labels != nil, "labels")
	add(u.GitHubURL != nil, "github_url")
	add(u.GitHubIssueNumber != nil, "github_issue_number")
	add(u.GitHubRepo != nil, "github_repo")
	add(u.Assignee != nil, "assignee")
	add(u.HandoffState != nil, "handoff_state")
	add(u.SourceSessionID != nil, "source_session_id")
	add(u.CurrentDraftID != nil, "current_draft_id")
	add(u.ActiveCRID != nil, "active_cr_id")
	add(u.PRURL != nil, "pr_url")
	add(u.MergeSHA != nil, "merge_sha")
	add(u.LastError != nil, "last_error")
	add(u.PublishHash != nil, "publish_hash")
	return out
}

func (u IssueUpdate) assignments() ([]string, []any, error) {
	var fields []string
	var args []any
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if u.Title != nil {
		set("title", *u.Title)
	}
	if u.Body != nil {
		set("body", nullable(*u.Body))
	}
	if u.Labels != nil {
		labels, err := marshalJSON(*u.Labels, "[]")
		if err != nil {
			return nil, nil, err
		}
		set("labels_json", labels)
	}
	if u.GitHubURL != nil {
		set("github_url", nullable(*u.GitHubURL))
	}
	if u.GitHubIssueNumber != nil {
		set("github_issue_number", *u.GitHubIssueNumber)
	}
	if u.GitHubRepo != nil {
		set("github_repo", nullable(*u.GitHubRepo))
	}
	if u.Assignee != nil {
		set("assignee", nullable(*u.Assignee))
	}
	if u.HandoffState != nil {
		set("handoff_state", string(*u.HandoffState))
	}
	if u.SourceSessionID != nil {
		set("source_session_id", nullable(*u.SourceSessionID))
	}
	if u.CurrentDraftID != nil {
		set("current_draft_id", nullable(*u.CurrentDraftID))
	}
	if u.ActiveCRID != nil {
		set("active_cr_id", nullable(*u.ActiveCRID))
	}
	if u.PRURL != nil {
		set("pr_url", nullable(*u.PRURL))
	}
	if u.MergeSHA != nil {
		set("merge_sha", nullable(*u.MergeSHA))
	}
	if u.LastError != nil {
		set("last_error", nullable(*u.LastError))
	}
	if u.PublishHash != nil {
		set("publish_hash", nullable(*u.PublishHash))
	}
	return fields, args, nil
}

// Transition moves an issue from expected to next in one row write, applying upd alongside.
// Zero affected rows means the issue changed status concurrently and yields ErrStateConflict.
func (r Repo) Transition(ctx context.Context, tx *sql.Tx, id string, expected, next domain.Status, upd IssueUpdate, now string) error {
	if !domain.CanTransition(expected, next) && expected != next {
		return fmt.Errorf("illegal transition %s -> %s", expected, next)
	}
	fields, args, err := upd.assignments()
	if err != nil {
		return err
	}
	fields = append([]string{"status=?"}, fields...)
	args = append([]any{string(next)}, args...)
	fields = append(fields, "updated_at=?")
	args = append(args, now, id, string(expected))
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE afu9_issues SET %s WHERE id=? AND status=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

// UpdateIssue changes non-status columns. Terminal issues are never modified.
func (r Repo) UpdateIssue(ctx context.Context, tx *sql.Tx, id string, upd IssueUpdate, now string) error {
	fields, args, err := upd.assignments()
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, now, id, string(domain.StatusClosed), string(domain.StatusKilled))
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE afu9_issues SET %s WHERE id=? AND status NOT IN (?,?)`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetIssueTx(ctx, tx, id); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

// SetStatus forces a status regardless of the prior one, except out of a terminal state.
// It backs publish failure handling and administrative release from HOLD.
func (r Repo) SetStatus(ctx context.Context, tx *sql.Tx, id string, status domain.Status, upd IssueUpdate, now string) error {
	cur, err := r.GetIssueTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if cur.Status.Terminal() {
		return ErrStateConflict
	}
	if cur.Status == status {
		return r.UpdateIssue(ctx, tx, id, upd, now)
	}
	fields, args, err := upd.assignments()
	if err != nil {
		return err
	}
	fields = append([]string{"status=?"}, fields...)
	args = append([]any{string(status)}, args...)
	fields = append(fields, "updated_at=?")
	args = append(args, now, id, string(cur.Status))
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE afu9_issues SET %s WHERE id=? AND status=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

func (r Repo) CountIssuesByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM afu9_issues GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.Status]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.Status(s)] = n
	}
	return out, rows.Err()
}
