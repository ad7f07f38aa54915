package server

import (
	"afu9/internal/domain"
	"afu9/internal/engine"
	"afu9/internal/loop"
	"afu9/internal/publish"
)

// Request payloads

// StepRequest is the body of every step route.
type StepRequest struct {
	Mode              string   `json:"mode,omitempty" enum:"execute,dryRun"`
	RequestID         string   `json:"requestId,omitempty"`
	RemediationReason string   `json:"remediationReason,omitempty"`
	FailedStep        string   `json:"failedStep,omitempty"`
	BlockerCode       string   `json:"blockerCode,omitempty"`
	RedVerdict        string   `json:"redVerdict,omitempty"`
	FailedChecks      []string `json:"failedChecks,omitempty"`
	ClosureReason     string   `json:"closureReason,omitempty"`
	MergeMethod       string   `json:"mergeMethod,omitempty" enum:"merge,squash,rebase"`
}

func (r StepRequest) params() engine.Params {
	return engine.Params{
		RemediationReason: r.RemediationReason,
		FailedStep:        r.FailedStep,
		BlockerCode:       r.BlockerCode,
		RedVerdict:        r.RedVerdict,
		FailedChecks:      r.FailedChecks,
		ClosureReason:     r.ClosureReason,
		MergeMethod:       r.MergeMethod,
	}
}

type LoopRunRequest struct {
	StepRequest
	Step     string `json:"step,omitempty"`
	MaxSteps int    `json:"maxSteps,omitempty"`
}

type BatchRunRequest struct {
	IssueIDs []string `json:"issueIds"`
	Mode     string   `json:"mode,omitempty" enum:"execute,dryRun"`
	MaxSteps int      `json:"maxSteps,omitempty"`
}

type CreateIssueRequest struct {
	ID              string   `json:"id,omitempty"`
	Title           string   `json:"title"`
	Body            string   `json:"body,omitempty"`
	Labels          []string `json:"labels,omitempty"`
	GitHubURL       string   `json:"githubUrl,omitempty"`
	PRURL           string   `json:"prUrl,omitempty"`
	SourceSessionID string   `json:"sourceSessionId,omitempty"`
}

type LinkIssueRequest struct {
	GitHubURL *string `json:"githubUrl,omitempty"`
	PRURL     *string `json:"prUrl,omitempty"`
}

type BindCRRequest struct {
	Title      string   `json:"title"`
	Motivation string   `json:"motivation,omitempty"`
	Acceptance []string `json:"acceptance,omitempty"`
	Labels     []string `json:"labels,omitempty"`
}

type VerdictRequest struct {
	Verdict string `json:"verdict" enum:"GREEN,RED"`
	Summary string `json:"summary,omitempty"`
	Source  string `json:"source,omitempty"`
}

type ReleaseHoldRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type KillRequest struct {
	Reason string `json:"reason,omitempty"`
}

type PublishRequest struct {
	RequestID string `json:"requestId,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Repo      string `json:"repo,omitempty"`
}

type SaveDraftRequest struct {
	IssueJSON string `json:"issueJson"`
}

type GenerateDraftRequest struct {
	Title  string   `json:"title,omitempty"`
	Notes  string   `json:"notes"`
	Labels []string `json:"labels,omitempty"`
}

// Response payloads

type StepResponse struct {
	RunID string      `json:"runId"`
	Step  domain.Step `json:"step"`
	domain.ResultView
}

type LoopRunResponse = loop.Outcome

// PublishResponse is the wire form of a publish attempt.
type PublishResponse struct {
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

func newPublishResponse(r publish.Result) PublishResponse {
	return PublishResponse{
		Success:           r.Success,
		IssueID:           r.IssueID,
		GitHubIssueNumber: r.GitHubIssueNumber,
		GitHubURL:         r.GitHubURL,
		Repository:        r.Repository,
		Hash:              r.Hash,
		Created:           r.Created,
		Idempotent:        r.Idempotent,
		ControlPackID:     r.ControlPackID,
		Error:             r.Error,
	}
}

type DraftGenerateResponse struct {
	Draft    domain.Draft         `json:"draft"`
	Document engine.DraftDocument `json:"document"`
	Problems []string             `json:"problems,omitempty"`
}

type IssueDetail struct {
	Issue         domain.Issue                `json:"issue"`
	ChangeRequest *domain.ChangeRequest       `json:"changeRequest,omitempty"`
	LatestVerdict *domain.VerificationVerdict `json:"latestVerdict,omitempty"`
	Closure       *domain.Closure             `json:"closure,omitempty"`
	Remediations  []domain.Remediation        `json:"remediations"`
	Mesh          *domain.MeshState           `json:"mesh,omitempty"`
}

type paginatedIssues struct {
	Items      []domain.Issue `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedTimeline struct {
	Items      []domain.TimelineEvent `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type DraftResponse struct {
	Draft    domain.Draft          `json:"draft"`
	Versions []domain.DraftVersion `json:"versions"`
	Problems []string              `json:"problems,omitempty"`
}

type WhoAmIResponse struct {
	Actor  string   `json:"actor"`
	Groups []string `json:"groups"`
	Source string   `json:"source"`
}
