// Package gate decides whether a pull request may be merged.
package gate

import (
	"fmt"
	"sort"
	"strings"

	"afu9/internal/domain"
	"afu9/internal/github"
)

type Verdict string

const (
	Pass Verdict = "PASS"
	Fail Verdict = "FAIL"
)

// Reason names why the gate failed.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonPRClosed         Reason = "pr_closed"
	ReasonMergeConflict    Reason = "merge_conflict"
	ReasonChecksPending    Reason = "checks_pending"
	ReasonChecksFailed     Reason = "checks_failed"
	ReasonChangesRequested Reason = "changes_requested"
	ReasonNoApproval       Reason = "no_review_approval"
	ReasonUnknown          Reason = "unknown"
)

type Decision struct {
	Verdict Verdict  `json:"verdict"`
	Reason  Reason   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

func (d Decision) Passed() bool { return d.Verdict == Pass }

func (d Decision) String() string {
	if d.Passed() {
		return string(Pass)
	}
	if len(d.Details) == 0 {
		return fmt.Sprintf("%s: %s", d.Verdict, d.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", d.Verdict, d.Reason, strings.Join(d.Details, ", "))
}

type Policy struct {
	RequireApproval bool
}

var passingConclusions = map[string]struct{}{"success": {}, "neutral": {}, "skipped": {}}

// Decide evaluates the PR and its snapshot. Closed PRs, conflicts and checks are
// considered before reviews.
func Decide(pr github.PullRequest, snap github.Snapshot, p Policy) Decision {
	if pr.Closed() {
		return Decision{Verdict: Fail, Reason: ReasonPRClosed}
	}
	if (pr.Mergeable != nil && !*pr.Mergeable) || pr.MergeableState == "dirty" {
		return Decision{Verdict: Fail, Reason: ReasonMergeConflict, Details: []string{"mergeable_state=" + pr.MergeableState}}
	}

	var pending, failed []string
	for _, c := range snap.Checks {
		if c.Status != "completed" {
			pending = append(pending, c.Name)
			continue
		}
		if _, ok := passingConclusions[c.Conclusion]; !ok {
			failed = append(failed, c.Name+"="+c.Conclusion)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return Decision{Verdict: Fail, Reason: ReasonChecksFailed, Details: failed}
	}
	if len(pending) > 0 {
		sort.Strings(pending)
		return Decision{Verdict: Fail, Reason: ReasonChecksPending, Details: pending}
	}

	// latest decisive review per user; COMMENTED reviews do not override
	latest := map[string]string{}
	for _, r := range snap.Reviews {
		switch r.State {
		case "APPROVED", "CHANGES_REQUESTED", "DISMISSED":
			latest[r.User] = r.State
		}
	}
	var requested []string
	approved := false
	for user, state := range latest {
		switch state {
		case "CHANGES_REQUESTED":
			requested = append(requested, user)
		case "APPROVED":
			approved = true
		}
	}
	if len(requested) > 0 {
		sort.Strings(requested)
		return Decision{Verdict: Fail, Reason: ReasonChangesRequested, Details: requested}
	}
	if p.RequireApproval && !approved {
		return Decision{Verdict: Fail, Reason: ReasonNoApproval}
	}
	return Decision{Verdict: Pass}
}

// BlockerFor maps a failed gate reason to its blocker code.
func BlockerFor(r Reason) domain.BlockerCode {
	switch r {
	case ReasonPRClosed:
		return domain.BlockerPRClosed
	case ReasonMergeConflict:
		return domain.BlockerMergeConflict
	case ReasonChecksPending:
		return domain.BlockerChecksPending
	case ReasonChecksFailed:
		return domain.BlockerChecksFailed
	case ReasonChangesRequested:
		return domain.BlockerChangesRequested
	case ReasonNoApproval:
		return domain.BlockerNoReviewApproval
	case ReasonNone, ReasonUnknown:
		return domain.BlockerGateDecisionFailed
	}
	return domain.BlockerGateDecisionFailed
}
