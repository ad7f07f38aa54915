package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"afu9/internal/config"
	"afu9/internal/domain"
	"afu9/internal/events"
	"afu9/internal/github"
	"afu9/internal/repo"
)

var (
	ErrUnknownStep = errors.New("unknown step")
	ErrInvalidMode = errors.New("invalid mode")
)

// ValidationError reports bad caller input. It never wraps a storage failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Mesh receives the downstream workflow stage of an issue after its PR merged.
type Mesh interface {
	MarkMerged(ctx context.Context, state domain.MeshState) error
}

type repoMesh struct {
	repo repo.Repo
}

func (m repoMesh) MarkMerged(ctx context.Context, state domain.MeshState) error {
	return m.repo.UpsertMesh(ctx, nil, state)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	GitHub github.Client
	Mesh   Mesh
	Now    func() time.Time
	NewID  func() string
}

func New(db *sql.DB, cfg *config.Config, gh github.Client) Engine {
	r := repo.Repo{DB: db}
	e := Engine{
		DB:     db,
		Repo:   r,
		Config: cfg,
		GitHub: gh,
		Mesh:   repoMesh{repo: r},
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
	e.Events = events.Writer{Now: e.now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return repo.Timestamp(e.now())
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) writer() events.Writer {
	if e.Events.Now == nil {
		return events.Writer{Now: e.now}
	}
	return e.Events
}

func (e Engine) mergeMethod(override string) string {
	if override != "" {
		return override
	}
	if e.Config != nil && e.Config.GitHub.MergeMethod != "" {
		return e.Config.GitHub.MergeMethod
	}
	return "squash"
}

// CreateIssueOptions are parameters for creating an issue.
type CreateIssueOptions struct {
	ID              string
	Title           string
	Body            string
	Labels          []string
	GitHubURL       string
	PRURL           string
	SourceSessionID string
	Actor           string
}

func (e Engine) CreateIssue(ctx context.Context, opts CreateIssueOptions) (domain.Issue, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Issue{}, invalid("title", "is required")
	}
	if opts.Actor == "" {
		return domain.Issue{}, invalid("actor", "is required")
	}
	now := e.stamp()
	is := domain.Issue{
		ID:              opts.ID,
		Title:           strings.TrimSpace(opts.Title),
		Body:            opts.Body,
		Labels:          opts.Labels,
		Status:          domain.StatusCreated,
		HandoffState:    domain.HandoffUnsynced,
		SourceSessionID: opts.SourceSessionID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if is.ID == "" {
		is.ID = e.newID()
	}
	if opts.GitHubURL != "" {
		owner, name, n, err := github.ParseIssueURL(opts.GitHubURL)
		if err != nil {
			return domain.Issue{}, invalid("github_url", "%v", err)
		}
		is.GitHubURL = opts.GitHubURL
		is.GitHubIssueNumber = &n
		is.GitHubRepo = owner + "/" + name
	}
	if opts.PRURL != "" {
		if _, err := github.ParsePRURL(opts.PRURL); err != nil {
			return domain.Issue{}, invalid("pr_url", "%v", err)
		}
		is.PRURL = opts.PRURL
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertIssue(ctx, tx, is); err != nil {
		return domain.Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	if _, err := e.writer().Append(ctx, tx, domain.EventIssueCreated, is.ID, opts.Actor, domain.ActorUser, events.EventPayload{
		"title":     is.Title,
		"status":    is.Status,
		"githubUrl": is.GitHubURL,
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return is, nil
}

// LinkOptions attaches external references to an issue. Nil fields are left untouched.
type LinkOptions struct {
	IssueID   string
	GitHubURL *string
	PRURL     *string
	Actor     string
}

func (e Engine) LinkIssue(ctx context.Context, opts LinkOptions) (domain.Issue, error) {
	var upd repo.IssueUpdate
	if opts.GitHubURL != nil {
		upd.GitHubURL = opts.GitHubURL
		if *opts.GitHubURL != "" {
			owner, name, n, err := github.ParseIssueURL(*opts.GitHubURL)
			if err != nil {
				return domain.Issue{}, invalid("github_url", "%v", err)
			}
			full := owner + "/" + name
			upd.GitHubIssueNumber = &n
			upd.GitHubRepo = &full
		}
	}
	if opts.PRURL != nil {
		if *opts.PRURL != "" {
			if _, err := github.ParsePRURL(*opts.PRURL); err != nil {
				return domain.Issue{}, invalid("pr_url", "%v", err)
			}
		}
		upd.PRURL = opts.PRURL
	}
	if len(upd.Fields()) == 0 {
		return domain.Issue{}, invalid("", "nothing to update")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateIssue(ctx, tx, opts.IssueID, upd, e.stamp()); err != nil {
		return domain.Issue{}, err
	}
	payload := events.EventPayload{"fields": upd.Fields()}
	if opts.GitHubURL != nil {
		payload["githubUrl"] = *opts.GitHubURL
	}
	if opts.PRURL != nil {
		payload["prUrl"] = *opts.PRURL
	}
	if _, err := e.writer().Append(ctx, tx, domain.EventIssueUpdated, opts.IssueID, opts.Actor, domain.ActorUser, payload); err != nil {
		return domain.Issue{}, err
	}
	is, err := e.Repo.GetIssueTx(ctx, tx, opts.IssueID)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return is, nil
}

// BindCROptions are parameters for binding a change request.
type BindCROptions struct {
	IssueID    string
	Title      string
	Motivation string
	Acceptance []string
	Labels     []string
	Actor      string
}

// BindChangeRequest stores a change request and makes it the issue's active one.
// A SPEC_READY issue moves to CR_BOUND.
func (e Engine) BindChangeRequest(ctx context.Context, opts BindCROptions) (domain.ChangeRequest, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.ChangeRequest{}, invalid("title", "is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeRequest{}, err
	}
	defer tx.Rollback()
	is, err := e.Repo.GetIssueTx(ctx, tx, opts.IssueID)
	if err != nil {
		return domain.ChangeRequest{}, err
	}
	if is.Status.Terminal() {
		return domain.ChangeRequest{}, fmt.Errorf("issue %s is %s: %w", is.ID, is.Status, repo.ErrStateConflict)
	}
	now := e.stamp()
	cr := domain.ChangeRequest{
		ID:         e.newID(),
		IssueID:    is.ID,
		Title:      strings.TrimSpace(opts.Title),
		Motivation: opts.Motivation,
		Acceptance: opts.Acceptance,
		Labels:     opts.Labels,
		CreatedAt:  now,
	}
	if err := e.Repo.InsertChangeRequest(ctx, tx, cr); err != nil {
		return domain.ChangeRequest{}, fmt.Errorf("insert change request: %w", err)
	}
	next := is.Status
	if is.Status == domain.StatusSpecReady {
		next = domain.StatusCRBound
	}
	if err := e.Repo.Transition(ctx, tx, is.ID, is.Status, next, repo.IssueUpdate{ActiveCRID: &cr.ID}, now); err != nil {
		return domain.ChangeRequest{}, err
	}
	if _, err := e.writer().Append(ctx, tx, domain.EventCRBound, is.ID, opts.Actor, domain.ActorUser, events.EventPayload{
		"crId":        cr.ID,
		"stateBefore": is.Status,
		"stateAfter":  next,
	}); err != nil {
		return domain.ChangeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeRequest{}, err
	}
	return cr, nil
}

// VerdictOptions carry a verification outcome produced outside the pipeline.
type VerdictOptions struct {
	IssueID string
	Verdict domain.Verdict
	Summary string
	Source  string
	Actor   string
}

func (e Engine) RecordVerdict(ctx context.Context, opts VerdictOptions) (domain.VerificationVerdict, error) {
	if opts.Verdict != domain.VerdictGreen && opts.Verdict != domain.VerdictRed {
		return domain.VerificationVerdict{}, invalid("verdict", "must be GREEN or RED")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VerificationVerdict{}, err
	}
	defer tx.Rollback()
	is, err := e.Repo.GetIssueTx(ctx, tx, opts.IssueID)
	if err != nil {
		return domain.VerificationVerdict{}, err
	}
	if is.Status.Terminal() {
		return domain.VerificationVerdict{}, fmt.Errorf("issue %s is %s: %w", is.ID, is.Status, repo.ErrStateConflict)
	}
	v, err := e.Repo.CreateVerdict(ctx, tx, domain.VerificationVerdict{
		ID:        e.newID(),
		IssueID:   is.ID,
		Verdict:   opts.Verdict,
		Summary:   opts.Summary,
		Source:    opts.Source,
		CreatedAt: e.stamp(),
	})
	if err != nil {
		return domain.VerificationVerdict{}, err
	}
	if _, err := e.writer().Append(ctx, tx, domain.EventVerdictRecorded, is.ID, opts.Actor, domain.ActorUser, events.EventPayload{
		"verdictId": v.ID,
		"verdict":   v.Verdict,
		"source":    v.Source,
	}); err != nil {
		return domain.VerificationVerdict{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VerificationVerdict{}, err
	}
	return v, nil
}

// ReleaseHold moves a HOLD issue back onto the forward path.
func (e Engine) ReleaseHold(ctx context.Context, issueID string, to domain.Status, reason, actor string) (domain.Issue, error) {
	if to.Rank() < 0 || to.Terminal() {
		return domain.Issue{}, invalid("status", "cannot release HOLD to %s", to)
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Issue{}, invalid("reason", "is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	is, err := e.Repo.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return domain.Issue{}, err
	}
	if is.Status != domain.StatusHold {
		return domain.Issue{}, fmt.Errorf("issue %s is %s, not HOLD: %w", is.ID, is.Status, repo.ErrStateConflict)
	}
	if err := e.Repo.SetStatus(ctx, tx, is.ID, to, repo.IssueUpdate{}, e.stamp()); err != nil {
		return domain.Issue{}, err
	}
	if _, err := e.writer().Append(ctx, tx, domain.EventHoldReleased, is.ID, actor, domain.ActorUser, events.EventPayload{
		"stateBefore": is.Status,
		"stateAfter":  to,
		"reason":      reason,
	}); err != nil {
		return domain.Issue{}, err
	}
	is, err = e.Repo.GetIssueTx(ctx, tx, is.ID)
	if err != nil {
		return domain.Issue{}, err
	}
	return is, tx.Commit()
}

// Kill abandons an issue. KILLED is terminal.
func (e Engine) Kill(ctx context.Context, issueID, reason, actor string) (domain.Issue, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Issue{}, invalid("reason", "is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	is, err := e.Repo.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return domain.Issue{}, err
	}
	if is.Status.Terminal() {
		return domain.Issue{}, fmt.Errorf("issue %s is %s: %w", is.ID, is.Status, repo.ErrStateConflict)
	}
	if err := e.Repo.Transition(ctx, tx, is.ID, is.Status, domain.StatusKilled, repo.IssueUpdate{}, e.stamp()); err != nil {
		return domain.Issue{}, err
	}
	if _, err := e.writer().Append(ctx, tx, domain.EventIssueKilled, is.ID, actor, domain.ActorUser, events.EventPayload{
		"stateBefore": is.Status,
		"reason":      reason,
	}); err != nil {
		return domain.Issue{}, err
	}
	is.Status = domain.StatusKilled
	return is, tx.Commit()
}
