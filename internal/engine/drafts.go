package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"afu9/internal/domain"
	"afu9/internal/events"
	"afu9/internal/repo"
)

// DraftDocument is the issue_json shape a draft must satisfy to validate.
type DraftDocument struct {
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Labels     []string `json:"labels,omitempty"`
	Acceptance []string `json:"acceptance"`
}

// ParseDraftDocument decodes issue_json and lists every problem that keeps it from validating.
func ParseDraftDocument(issueJSON string) (DraftDocument, []string) {
	var doc DraftDocument
	if err := json.Unmarshal([]byte(issueJSON), &doc); err != nil {
		return doc, []string{fmt.Sprintf("issue_json is not a JSON object: %v", err)}
	}
	var problems []string
	if strings.TrimSpace(doc.Title) == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(doc.Body) == "" {
		problems = append(problems, "body is required")
	}
	if len(doc.Acceptance) == 0 {
		problems = append(problems, "at least one acceptance criterion is required")
	}
	for i, a := range doc.Acceptance {
		if strings.TrimSpace(a) == "" {
			problems = append(problems, fmt.Sprintf("acceptance[%d] is empty", i))
		}
	}
	return doc, problems
}

// SaveDraft stores the body of a drafting session. Changing the body resets validation.
func (e Engine) SaveDraft(ctx context.Context, sessionID, issueJSON string) (domain.Draft, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.Draft{}, invalid("session_id", "is required")
	}
	if !json.Valid([]byte(issueJSON)) {
		return domain.Draft{}, invalid("issue_json", "must be valid JSON")
	}
	now := e.stamp()
	return e.Repo.UpsertDraft(ctx, nil, domain.Draft{
		ID:        e.newID(),
		SessionID: sessionID,
		IssueJSON: issueJSON,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// DraftValidation is the outcome of ValidateDraft.
type DraftValidation struct {
	Draft    domain.Draft            `json:"draft"`
	Status   domain.ValidationStatus `json:"status"`
	Problems []string                `json:"problems,omitempty"`
}

func (e Engine) ValidateDraft(ctx context.Context, sessionID string) (DraftValidation, error) {
	d, err := e.Repo.GetDraftBySession(ctx, nil, sessionID)
	if err != nil {
		return DraftValidation{}, err
	}
	_, problems := ParseDraftDocument(d.IssueJSON)
	status := domain.ValidationValid
	if len(problems) > 0 {
		status = domain.ValidationInvalid
	}
	if err := e.Repo.SetDraftValidation(ctx, nil, d.ID, status, e.stamp()); err != nil {
		return DraftValidation{}, err
	}
	d.LastValidationStatus = status
	return DraftValidation{Draft: d, Status: status, Problems: problems}, nil
}

// CommitDraft snapshots the current draft as a new version. CREATED issues sourced from
// the session move to DRAFT_READY.
func (e Engine) CommitDraft(ctx context.Context, sessionID, actor string) (domain.DraftVersion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DraftVersion{}, err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDraftBySession(ctx, tx, sessionID)
	if err != nil {
		return domain.DraftVersion{}, err
	}
	now := e.stamp()
	v, err := e.Repo.CommitDraftVersion(ctx, tx, e.newID(), d, actor, now)
	if err != nil {
		return domain.DraftVersion{}, fmt.Errorf("commit draft: %w", err)
	}
	issues, err := e.Repo.ListIssues(ctx, repo.IssueFilters{SourceSessionID: sessionID, Status: domain.StatusCreated})
	if err != nil {
		return domain.DraftVersion{}, err
	}
	for _, is := range issues {
		if err := e.Repo.Transition(ctx, tx, is.ID, domain.StatusCreated, domain.StatusDraftReady, repo.IssueUpdate{CurrentDraftID: &d.ID}, now); err != nil {
			return domain.DraftVersion{}, err
		}
		if _, err := e.writer().Append(ctx, tx, domain.EventDraftCommitted, is.ID, actor, domain.ActorUser, events.EventPayload{
			"draftId":      d.ID,
			"draftVersion": v.Version,
			"issueHash":    v.IssueHash,
		}); err != nil {
			return domain.DraftVersion{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.DraftVersion{}, err
	}
	return v, nil
}
