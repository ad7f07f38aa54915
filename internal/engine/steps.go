package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"afu9/internal/domain"
	"afu9/internal/gate"
	"afu9/internal/github"
	"afu9/internal/repo"
)

// S1: claim the issue for the acting user.
type pickStep struct{}

func (pickStep) satisfied(_ context.Context, _ Engine, is domain.Issue) (bool, map[string]any, error) {
	if is.GitHubURL == "" || is.Assignee == "" {
		return false, nil, nil
	}
	return true, map[string]any{"assignee": is.Assignee}, nil
}

func (pickStep) evaluate(_ context.Context, _ Engine, is domain.Issue, sc StepContext) (*plan, error) {
	if is.GitHubURL == "" {
		return blockedPlan(domain.BlockerNoGitHubLink, "issue %s has no GitHub link", is.ID), nil
	}
	actor := sc.Actor
	p := &plan{next: is.Status, update: repo.IssueUpdate{Assignee: &actor}, message: "issue picked by " + actor}
	p.set("assignee", actor)
	p.set("githubUrl", is.GitHubURL)
	return p, nil
}

// S2: bind the committed, validated draft as the issue's spec.
type specStep struct{}

func (specStep) satisfied(_ context.Context, _ Engine, is domain.Issue) (bool, map[string]any, error) {
	if !is.Status.AtLeast(domain.StatusSpecReady) {
		return false, nil, nil
	}
	return true, map[string]any{"draftId": is.CurrentDraftID}, nil
}

func (specStep) evaluate(ctx context.Context, e Engine, is domain.Issue, _ StepContext) (*plan, error) {
	if is.SourceSessionID == "" {
		return blockedPlan(domain.BlockerNoDraft, "issue %s has no source session", is.ID), nil
	}
	d, err := e.Repo.GetDraftBySession(ctx, nil, is.SourceSessionID)
	if errors.Is(err, repo.ErrNotFound) {
		return blockedPlan(domain.BlockerNoDraft, "no draft for session %s", is.SourceSessionID), nil
	}
	if err != nil {
		return nil, err
	}
	v, err := e.Repo.LatestDraftVersion(ctx, nil, d.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return blockedPlan(domain.BlockerNoCommittedDraft, "draft %s has no committed version", d.ID), nil
	}
	if err != nil {
		return nil, err
	}
	if d.LastValidationStatus != domain.ValidationValid {
		return blockedPlan(domain.BlockerDraftInvalid, "draft validation status is '%s'", d.LastValidationStatus), nil
	}
	p := &plan{next: domain.StatusSpecReady, update: repo.IssueUpdate{CurrentDraftID: &d.ID}}
	p.set("draftId", d.ID)
	p.set("draftVersion", v.Version)
	p.set("issueHash", v.IssueHash)
	return p, nil
}

// S3: prepare the implementation branch.
type implementStep struct{}

func (implementStep) satisfied(_ context.Context, _ Engine, is domain.Issue) (bool, map[string]any, error) {
	return is.Status.AtLeast(domain.StatusImplementingPrep), nil, nil
}

func (implementStep) evaluate(_ context.Context, _ Engine, is domain.Issue, _ StepContext) (*plan, error) {
	if is.Status != domain.StatusSpecReady && is.Status != domain.StatusCRBound {
		return blockedPlan(domain.BlockerInvariantViolation, "implementation requires SPEC_READY or CR_BOUND, issue is %s", is.Status), nil
	}
	if is.GitHubURL == "" {
		return blockedPlan(domain.BlockerNoGitHubLink, "issue %s has no GitHub link", is.ID), nil
	}
	p := &plan{next: domain.StatusImplementingPrep}
	p.set("branch", branchName(is))
	p.set("githubUrl", is.GitHubURL)
	if is.ActiveCRID != "" {
		p.set("crId", is.ActiveCRID)
	}
	return p, nil
}

func branchName(is domain.Issue) string {
	if is.GitHubIssueNumber != nil {
		return "afu9/issue-" + strconv.Itoa(*is.GitHubIssueNumber)
	}
	if _, _, n, err := github.ParseIssueURL(is.GitHubURL); err == nil {
		return "afu9/issue-" + strconv.Itoa(n)
	}
	return "afu9/issue-" + is.ID
}

// S4: hand the linked PR over for review.
type reviewStep struct{}

func (reviewStep) satisfied(_ context.Context, _ Engine, is domain.Issue) (bool, map[string]any, error) {
	return is.Status.AtLeast(domain.StatusReviewReady), nil, nil
}

func (reviewStep) evaluate(_ context.Context, _ Engine, is domain.Issue, _ StepContext) (*plan, error) {
	if is.Status != domain.StatusImplementingPrep {
		return blockedPlan(domain.BlockerInvariantViolation, "review requires IMPLEMENTING_PREP, issue is %s", is.Status), nil
	}
	if is.GitHubURL == "" {
		return blockedPlan(domain.BlockerNoGitHubLink, "issue %s has no GitHub link", is.ID), nil
	}
	if is.PRURL == "" {
		return blockedPlan(domain.BlockerNoPRLinked, "issue %s has no linked pull request", is.ID), nil
	}
	p := &plan{next: domain.StatusReviewReady}
	p.set("prUrl", is.PRURL)
	return p, nil
}

// S5: gate and merge the PR. A PR merged outside the pipeline is reconciled, not re-merged.
type mergeStep struct{}

func (mergeStep) satisfied(_ context.Context, _ Engine, is domain.Issue) (bool, map[string]any, error) {
	if !is.Status.AtLeast(domain.StatusDone) {
		return false, nil, nil
	}
	return true, map[string]any{"mergeSha": is.MergeSHA, "prUrl": is.PRURL}, nil
}

func (mergeStep) evaluate(_ context.Context, e Engine, is domain.Issue, sc StepContext) (*plan, error) {
	if is.Status != domain.StatusReviewReady {
		return blockedPlan(domain.BlockerInvariantViolation, "merge requires REVIEW_READY, issue is %s", is.Status), nil
	}
	ref, b := linkedPR(is)
	if b != nil {
		return &plan{blocked: b}, nil
	}
	method := e.mergeMethod(sc.Params.MergeMethod)
	p := &plan{next: domain.StatusDone}
	p.set("prUrl", is.PRURL)
	p.set("prNumber", ref.Number)
	p.set("mergeMethod", method)

	p.effect = func(ctx context.Context) (*domain.Blocked, error) {
		if e.GitHub == nil {
			return blockedBy(domain.BlockerGitHubAPIError, "GitHub client is not configured"), nil
		}
		pr, err := e.GitHub.GetPullRequest(ctx, ref)
		if err != nil {
			return fetchBlocker(ref, err), nil
		}
		sha := pr.MergeSHA
		if pr.Merged {
			p.idempotent = true
			p.message = fmt.Sprintf("%s was already merged", ref)
		} else {
			if pr.Closed() {
				return blockedBy(domain.BlockerPRClosed, "%s is closed without merge", ref), nil
			}
			snap, err := e.GitHub.Snapshot(ctx, ref, pr.HeadSHA)
			if err != nil {
				return blockedBy(domain.BlockerSnapshotFetchFailed, "fetch checks for %s: %v", ref, err), nil
			}
			d := gate.Decide(pr, snap, e.gatePolicy())
			p.set("gate", d)
			if !d.Passed() {
				return blockedBy(gate.BlockerFor(d.Reason), "merge gate failed for %s: %s", ref, d), nil
			}
			mr, err := e.GitHub.MergePullRequest(ctx, ref, method, fmt.Sprintf("%s (#%d)", is.Title, ref.Number))
			if err != nil {
				if github.IsMergeConflict(err) || strings.Contains(strings.ToLower(err.Error()), "conflict") {
					return blockedBy(domain.BlockerMergeConflict, "merge %s: %v", ref, err), nil
				}
				return blockedBy(domain.BlockerMergeFailed, "merge %s: %v", ref, err), nil
			}
			if !mr.Merged {
				return blockedBy(domain.BlockerMergeFailed, "merge %s not performed: %s", ref, mr.Message), nil
			}
			sha = mr.SHA
		}
		p.set("mergeSha", sha)
		p.update.MergeSHA = &sha
		if e.Mesh == nil {
			return nil, nil
		}
		if err := e.Mesh.MarkMerged(ctx, domain.MeshState{
			IssueID:   is.ID,
			Stage:     "merged",
			PRNumber:  ref.Number,
			MergeSHA:  sha,
			UpdatedAt: e.stamp(),
		}); err != nil {
			return blockedBy(domain.BlockerMeshUpdateFailed, "%s merged as %s but mesh update failed: %v", ref, sha, err), nil
		}
		return nil, nil
	}
	return p, nil
}

func (e Engine) gatePolicy() gate.Policy {
	if e.Config == nil {
		return gate.Policy{}
	}
	return gate.Policy{RequireApproval: e.Config.GitHub.RequireApproval}
}

func linkedPR(is domain.Issue) (github.PRRef, *domain.Blocked) {
	if is.PRURL == "" {
		return github.PRRef{}, blockedBy(domain.BlockerNoPRLinked, "issue %s has no linked pull request", is.ID)
	}
	ref, err := github.ParsePRURL(is.PRURL)
	if err != nil {
		return github.PRRef{}, blockedBy(domain.BlockerInvalidPRURL, "%v", err)
	}
	return ref, nil
}

func fetchBlocker(ref github.PRRef, err error) *domain.Blocked {
	if github.IsNotFound(err) {
		return blockedBy(domain.BlockerPRNotFound, "%s not found", ref)
	}
	return blockedBy(domain.BlockerGitHubAPIError, "fetch %s: %v", ref, err)
}

// S6: observe deployments of the merge commit. Never changes the issue.
type deployStep struct{}

func (deployStep) satisfied(_ context.Context, _ Engine, is domain.Issue) (bool, map[string]any, error) {
	return is.Status.AtLeast(domain.StatusVerified), nil, nil
}

func (deployStep) evaluate(_ context.Context, e Engine, is domain.Issue, _ StepContext) (*plan, error) {
	if is.Status != domain.StatusDone {
		return blockedPlan(domain.BlockerInvariantViolation, "deploy observation requires DONE, issue is %s", is.Status), nil
	}
	ref, b := linkedPR(is)
	if b != nil {
		return &plan{blocked: b}, nil
	}
	p := &plan{next: is.Status}
	p.set("prUrl", is.PRURL)
	p.effect = func(ctx context.Context) (*domain.Blocked, error) {
		if e.GitHub == nil {
			return blockedBy(domain.BlockerGitHubAPIError, "GitHub client is not configured"), nil
		}
		pr, err := e.GitHub.GetPullRequest(ctx, ref)
		if err != nil {
			return fetchBlocker(ref, err), nil
		}
		if !pr.Merged || pr.MergeSHA == "" {
			return blockedBy(domain.BlockerPRNotMerged, "%s is not merged", ref), nil
		}
		deps, err := e.GitHub.ListDeployments(ctx, ref.Owner, ref.Repo, pr.MergeSHA)
		if err != nil {
			return blockedBy(domain.BlockerGitHubAPIError, "list deployments for %s: %v", pr.MergeSHA, err), nil
		}
		if deps == nil {
			deps = []github.Deployment{}
		}
		p.set("mergeSha", pr.MergeSHA)
		p.set("deploymentCount", len(deps))
		p.set("deployments", deps)
		p.message = fmt.Sprintf("observed %d deployment(s) of %s", len(deps), pr.MergeSHA)
		return nil, nil
	}
	return p, nil
}

// S7: accept the latest verification verdict.
type verifyStep struct{}

func (verifyStep) satisfied(_ context.Context, _ Engine, is domain.Issue) (bool, map[string]any, error) {
	return is.Status.AtLeast(domain.StatusVerified), nil, nil
}

func (verifyStep) evaluate(ctx context.Context, e Engine, is domain.Issue, _ StepContext) (*plan, error) {
	if is.Status != domain.StatusDone {
		return blockedPlan(domain.BlockerInvariantViolation, "verification requires DONE, issue is %s", is.Status), nil
	}
	v, err := e.Repo.LatestVerdict(ctx, nil, is.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return blockedPlan(domain.BlockerNotVerified, "no verification verdict recorded"), nil
	}
	if err != nil {
		return nil, err
	}
	if v.Verdict != domain.VerdictGreen {
		return blockedPlan(domain.BlockerNotVerified, "latest verdict is %s", v.Verdict), nil
	}
	p := &plan{next: domain.StatusVerified}
	p.set("verdictId", v.ID)
	p.set("verdict", v.Verdict)
	return p, nil
}

// S8: close a verified issue. One closure record per issue.
type closeStep struct{}

func (closeStep) satisfied(ctx context.Context, e Engine, is domain.Issue) (bool, map[string]any, error) {
	if is.Status != domain.StatusClosed {
		return false, nil, nil
	}
	c, err := e.Repo.GetClosureByIssue(ctx, nil, is.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return true, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, map[string]any{"closureId": c.ID}, nil
}

func (closeStep) evaluate(ctx context.Context, e Engine, is domain.Issue, sc StepContext) (*plan, error) {
	if is.Status != domain.StatusVerified {
		return blockedPlan(domain.BlockerNotVerified, "close requires VERIFIED, issue is %s", is.Status), nil
	}
	v, err := e.Repo.LatestVerdict(ctx, nil, is.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return blockedPlan(domain.BlockerNoGreenVerdict, "no verification verdict recorded"), nil
	}
	if err != nil {
		return nil, err
	}
	if v.Verdict != domain.VerdictGreen {
		return blockedPlan(domain.BlockerNoGreenVerdict, "latest verdict is %s", v.Verdict), nil
	}
	reason := sc.Params.ClosureReason
	if reason == "" {
		reason = "verified"
	}
	p := &plan{next: domain.StatusClosed}
	p.set("verdictId", v.ID)
	p.set("closureReason", reason)
	p.apply = func(ctx context.Context, tx *sql.Tx) error {
		id, created, err := e.Repo.CloseIssue(ctx, tx, domain.Closure{
			ID:                    e.newID(),
			IssueID:               is.ID,
			RunID:                 sc.RunID,
			VerificationVerdictID: v.ID,
			ClosureReason:         reason,
			ClosedAt:              e.stamp(),
			ClosedBy:              sc.Actor,
		})
		if err != nil {
			return err
		}
		if !created {
			existing, err := e.Repo.GetClosureByIssue(ctx, tx, is.ID)
			if err != nil {
				return err
			}
			id = existing.ID
		}
		p.set("closureId", id)
		return nil
	}
	return p, nil
}

// S9: record why the issue needs attention and park it on HOLD.
type remediateStep struct{}

func (remediateStep) satisfied(context.Context, Engine, domain.Issue) (bool, map[string]any, error) {
	return false, nil, nil
}

func (remediateStep) evaluate(_ context.Context, e Engine, is domain.Issue, sc StepContext) (*plan, error) {
	if is.Status.Terminal() || !is.Status.Holdable() {
		return blockedPlan(domain.BlockerInvalidStateForHold, "cannot move %s issue to HOLD", is.Status), nil
	}
	prm := sc.Params
	rem := domain.Remediation{
		ID:                e.newID(),
		IssueID:           is.ID,
		RunID:             sc.RunID,
		RemediationReason: strings.TrimSpace(prm.RemediationReason),
		FailedStep:        prm.FailedStep,
		BlockerCode:       prm.BlockerCode,
		RedVerdict:        prm.RedVerdict,
		FailedChecks:      prm.FailedChecks,
		CreatedBy:         sc.Actor,
	}
	p := &plan{next: domain.StatusHold}
	p.set("remediationId", rem.ID)
	p.set("reason", rem.RemediationReason)
	if rem.FailedStep != "" {
		p.set("failedStep", rem.FailedStep)
	}
	if rem.BlockerCode != "" {
		p.set("failedBlockerCode", rem.BlockerCode)
	}
	if rem.RedVerdict != "" {
		p.set("redVerdict", rem.RedVerdict)
	}
	if len(rem.FailedChecks) > 0 {
		p.set("failedChecks", rem.FailedChecks)
	}
	p.apply = func(ctx context.Context, tx *sql.Tx) error {
		rem.CreatedAt = e.stamp()
		return e.Repo.InsertRemediation(ctx, tx, rem)
	}
	return p, nil
}
