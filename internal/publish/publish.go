// Package publish mirrors an issue's active change request to GitHub.
package publish

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"afu9/internal/config"
	"afu9/internal/domain"
	"afu9/internal/engine"
	"afu9/internal/events"
	"afu9/internal/github"
	"afu9/internal/repo"
	"afu9/internal/telemetry"
)

const errNoActiveCR = "No active CR bound"

// Request names the issue to publish. Owner and Repo override the issue's and the config's target.
type Request struct {
	IssueID   string
	Actor     string
	RequestID string
	Owner     string
	Repo      string
}

// Result reports a publish. Failures that were handled (missing CR, GitHub errors)
// come back with Success false and a nil error.
type Result struct {
	Success           bool   `json:"success"`
	IssueID           string `json:"issueId"`
	GitHubIssueNumber int    `json:"githubIssueNumber,omitempty"`
	GitHubURL         string `json:"githubUrl,omitempty"`
	Repository        string `json:"repository,omitempty"`
	Hash              string `json:"hash,omitempty"`
	Created           bool   `json:"created"`
	Idempotent        bool   `json:"idempotent"`
	ControlPackID     string `json:"controlPackId,omitempty"`
	Error             string `json:"error,omitempty"`
}

type Publisher struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	GitHub github.Client
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time
	NewID  func() string
}

// New shares the engine's storage, clock and GitHub client.
func New(eng engine.Engine, logger *log.Logger) *Publisher {
	w := eng.Events
	if w.Now == nil {
		w.Now = eng.Now
	}
	return &Publisher{
		DB:     eng.DB,
		Repo:   eng.Repo,
		Events: w,
		GitHub: eng.GitHub,
		Config: eng.Config,
		Logger: logger,
		Now:    eng.Now,
		NewID:  eng.NewID,
	}
}

func (p *Publisher) now() string {
	if p.Now != nil {
		return repo.Timestamp(p.Now())
	}
	return repo.Timestamp(time.Now())
}

func (p *Publisher) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return uuid.NewString()
}

func (p *Publisher) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

// Render turns a change request into GitHub issue content. Labels are the union of the
// configured labels, the change request's and the issue's, sorted.
func Render(is domain.Issue, cr domain.ChangeRequest, baseLabels []string) github.IssueContent {
	var b strings.Builder
	if cr.Motivation != "" {
		b.WriteString("## Motivation\n\n")
		b.WriteString(strings.TrimSpace(cr.Motivation))
		b.WriteString("\n\n")
	}
	if len(cr.Acceptance) > 0 {
		b.WriteString("## Acceptance criteria\n\n")
		for _, a := range cr.Acceptance {
			b.WriteString("- [ ] ")
			b.WriteString(strings.TrimSpace(a))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "<!-- afu9:issue=%s cr=%s -->\n", is.ID, cr.ID)

	set := map[string]struct{}{}
	for _, group := range [][]string{baseLabels, cr.Labels, is.Labels} {
		for _, l := range group {
			if l = strings.TrimSpace(l); l != "" {
				set[l] = struct{}{}
			}
		}
	}
	labels := make([]string, 0, len(set))
	for l := range set {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return github.IssueContent{Title: cr.Title, Body: b.String(), Labels: labels}
}

// Hash is the content hash compared against the issue's publish_hash.
func Hash(c github.IssueContent) string {
	data, _ := json.Marshal(struct {
		Title  string   `json:"title"`
		Body   string   `json:"body"`
		Labels []string `json:"labels"`
	}{c.Title, c.Body, c.Labels})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (p *Publisher) target(req Request, is domain.Issue) (string, string, error) {
	if req.Owner != "" && req.Repo != "" {
		return req.Owner, req.Repo, nil
	}
	if is.GitHubRepo != "" {
		return github.ParseRepository(is.GitHubRepo)
	}
	if p.Config != nil && p.Config.GitHub.Owner != "" {
		return p.Config.GitHub.Owner, p.Config.GitHub.Repo, nil
	}
	return "", "", engine.ValidationError{Field: "repository", Message: "no GitHub repository configured"}
}

// Publish creates or updates the GitHub issue of an issue's active change request.
func (p *Publisher) Publish(ctx context.Context, req Request) (Result, error) {
	res, err := p.publish(ctx, req)
	switch {
	case err != nil:
		telemetry.RecordPublish(ctx, "error")
		var verr engine.ValidationError
		if !errors.As(err, &verr) && !errors.Is(err, repo.ErrNotFound) {
			p.recordError(ctx, req, err)
		}
	case res.Success:
		telemetry.RecordPublish(ctx, "success")
	default:
		telemetry.RecordPublish(ctx, "failed")
	}
	return res, err
}

func (p *Publisher) publish(ctx context.Context, req Request) (Result, error) {
	if req.Actor == "" {
		return Result{}, engine.ValidationError{Field: "actor", Message: "is required"}
	}
	if req.RequestID == "" {
		req.RequestID = p.newID()
	}
	is, err := p.Repo.GetIssue(ctx, req.IssueID)
	if err != nil {
		return Result{}, fmt.Errorf("load issue %s: %w", req.IssueID, err)
	}
	res := Result{IssueID: is.ID}
	if is.Status.Terminal() {
		return res, fmt.Errorf("issue %s is %s: %w", is.ID, is.Status, repo.ErrStateConflict)
	}
	if is.ActiveCRID == "" {
		// a precondition miss leaves the issue where it is; only the attempt is recorded
		if _, err := p.Events.AppendDB(ctx, p.DB, domain.EventPublishFailed, is.ID, req.Actor, domain.ActorUser, events.EventPayload{
			"requestId":   req.RequestID,
			"error":       errNoActiveCR,
			"stateBefore": is.Status,
			"stateAfter":  is.Status,
		}); err != nil {
			return res, err
		}
		res.Error = errNoActiveCR
		return res, nil
	}
	cr, err := p.Repo.GetChangeRequest(ctx, nil, is.ActiveCRID)
	if err != nil {
		return res, fmt.Errorf("load change request %s: %w", is.ActiveCRID, err)
	}
	owner, name, err := p.target(req, is)
	if err != nil {
		return res, err
	}
	var base []string
	if p.Config != nil {
		base = p.Config.Publish.Labels
	}
	content := Render(is, cr, base)
	res.Hash = Hash(content)
	res.Repository = owner + "/" + name

	if _, err := p.Events.AppendDB(ctx, p.DB, domain.EventPublishStarted, is.ID, req.Actor, domain.ActorUser, events.EventPayload{
		"requestId":  req.RequestID,
		"crId":       cr.ID,
		"hash":       res.Hash,
		"repository": res.Repository,
	}); err != nil {
		return res, err
	}

	var ref github.IssueRef
	switch {
	case is.GitHubIssueNumber != nil && is.PublishHash == res.Hash:
		res.Idempotent = true
		ref = github.IssueRef{Number: *is.GitHubIssueNumber, URL: is.GitHubURL}
	case p.GitHub == nil:
		return p.fail(ctx, req, is, res, errors.New("GitHub client is not configured"))
	case is.GitHubIssueNumber == nil:
		ref, err = p.GitHub.CreateIssue(ctx, owner, name, content)
		if err != nil {
			return p.fail(ctx, req, is, res, err)
		}
		res.Created = true
	default:
		ref, err = p.GitHub.UpdateIssue(ctx, owner, name, *is.GitHubIssueNumber, content)
		if err != nil {
			return p.fail(ctx, req, is, res, err)
		}
	}
	res.GitHubIssueNumber = ref.Number
	res.GitHubURL = ref.URL

	err = p.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		return p.record(ctx, tx, req, is, cr, &res)
	})
	if err != nil {
		return res, err
	}
	res.Success = true
	p.logf("publish: issue %s mirrored to %s#%d created=%t idempotent=%t", is.ID, res.Repository, res.GitHubIssueNumber, res.Created, res.Idempotent)
	return res, nil
}

// record persists a successful mirror: issue columns, events, receipts and the control pack.
func (p *Publisher) record(ctx context.Context, tx *sql.Tx, req Request, is domain.Issue, cr domain.ChangeRequest, res *Result) error {
	now := p.now()
	synced := domain.HandoffSynced
	cleared := ""
	n := res.GitHubIssueNumber
	upd := repo.IssueUpdate{
		GitHubIssueNumber: &n,
		GitHubURL:         &res.GitHubURL,
		GitHubRepo:        &res.Repository,
		HandoffState:      &synced,
		PublishHash:       &res.Hash,
		LastError:         &cleared,
	}
	if err := p.Repo.UpdateIssue(ctx, tx, is.ID, upd, now); err != nil {
		return err
	}
	if _, err := p.Events.Append(ctx, tx, domain.EventPublished, is.ID, req.Actor, domain.ActorUser, events.EventPayload{
		"requestId":  req.RequestID,
		"crId":       cr.ID,
		"hash":       res.Hash,
		"created":    res.Created,
		"idempotent": res.Idempotent,
	}); err != nil {
		return err
	}
	if _, err := p.Events.Append(ctx, tx, domain.EventGitHubMirrored, is.ID, req.Actor, domain.ActorUser, events.EventPayload{
		"requestId":         req.RequestID,
		"githubIssueNumber": res.GitHubIssueNumber,
		"githubUrl":         res.GitHubURL,
		"repository":        res.Repository,
	}); err != nil {
		return err
	}
	receipts := []domain.EvidenceReceipt{
		{Kind: domain.ReceiptPublish, Payload: map[string]any{
			"crId": cr.ID, "hash": res.Hash, "created": res.Created, "idempotent": res.Idempotent,
		}},
		{Kind: domain.ReceiptGitHubMirror, Payload: map[string]any{
			"repository": res.Repository, "githubIssueNumber": res.GitHubIssueNumber, "githubUrl": res.GitHubURL,
		}},
	}
	for _, r := range receipts {
		r.ID = p.newID()
		r.IssueID = is.ID
		r.RequestID = req.RequestID
		r.CreatedAt = now
		if err := p.Repo.InsertEvidence(ctx, tx, r); err != nil {
			return fmt.Errorf("insert %s: %w", r.Kind, err)
		}
	}

	cpID := ""
	if p.Config != nil {
		cpID = p.Config.Publish.DefaultControlPack
	}
	cp, err := p.Repo.GetControlPack(ctx, tx, cpID)
	if err != nil {
		return fmt.Errorf("control pack %q: %w", cpID, err)
	}
	res.ControlPackID = cp.ID
	assigned, err := p.Repo.AssignControlPack(ctx, tx, domain.ControlPackAssignment{
		IssueID:    is.ID,
		CPID:       cp.ID,
		AssignedAt: now,
		AssignedBy: req.Actor,
	})
	if err != nil {
		return err
	}
	if assigned {
		if _, err := p.Events.Append(ctx, tx, domain.EventCPAssigned, is.ID, req.Actor, domain.ActorUser, events.EventPayload{
			"requestId": req.RequestID,
			"cpId":      cp.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// fail parks the issue on HOLD after a GitHub error and reports a failure result.
func (p *Publisher) fail(ctx context.Context, req Request, is domain.Issue, res Result, cause error) (Result, error) {
	msg := cause.Error()
	p.logf("publish: issue %s failed: %s", is.ID, msg)
	failed := domain.HandoffFailed
	err := p.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := p.Repo.SetStatus(ctx, tx, is.ID, domain.StatusHold, repo.IssueUpdate{HandoffState: &failed, LastError: &msg}, p.now()); err != nil {
			return err
		}
		_, err := p.Events.Append(ctx, tx, domain.EventPublishFailed, is.ID, req.Actor, domain.ActorUser, events.EventPayload{
			"requestId":   req.RequestID,
			"error":       msg,
			"statusCode":  github.StatusCode(cause),
			"stateBefore": is.Status,
			"stateAfter":  domain.StatusHold,
		})
		return err
	})
	if err != nil {
		return res, fmt.Errorf("record publish failure: %w", err)
	}
	res.Error = msg
	return res, nil
}

func (p *Publisher) recordError(ctx context.Context, req Request, cause error) {
	if req.IssueID == "" {
		return
	}
	if _, err := p.Events.AppendDB(context.WithoutCancel(ctx), p.DB, domain.EventErrorOccurred, req.IssueID, req.Actor, domain.ActorSystem, events.EventPayload{
		"requestId": req.RequestID,
		"operation": "publish",
		"error":     cause.Error(),
	}); err != nil {
		p.logf("publish: record error event for %s: %v", req.IssueID, err)
	}
}
