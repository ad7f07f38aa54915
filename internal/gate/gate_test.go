package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"afu9/internal/domain"
	"afu9/internal/github"
)

func openPR() github.PullRequest {
	ok := true
	return github.PullRequest{Number: 1, State: "open", Mergeable: &ok, MergeableState: "clean"}
}

func TestDecide(t *testing.T) {
	no := false
	green := github.CheckRun{Name: "ci", Status: "completed", Conclusion: "success"}
	approved := github.Review{User: "a", State: "APPROVED"}

	tests := map[string]struct {
		pr     func() github.PullRequest
		snap   github.Snapshot
		policy Policy
		want   Reason
	}{
		"all green": {
			pr:   openPR,
			snap: github.Snapshot{Checks: []github.CheckRun{green}, Reviews: []github.Review{approved}},
			want: ReasonNone,
		},
		"closed": {
			pr:   func() github.PullRequest { p := openPR(); p.State = "closed"; return p },
			want: ReasonPRClosed,
		},
		"conflict": {
			pr:   func() github.PullRequest { p := openPR(); p.Mergeable = &no; p.MergeableState = "dirty"; return p },
			want: ReasonMergeConflict,
		},
		"check pending": {
			pr:   openPR,
			snap: github.Snapshot{Checks: []github.CheckRun{{Name: "ci", Status: "in_progress"}}},
			want: ReasonChecksPending,
		},
		"check failed wins over pending": {
			pr: openPR,
			snap: github.Snapshot{Checks: []github.CheckRun{
				{Name: "lint", Status: "queued"},
				{Name: "ci", Status: "completed", Conclusion: "failure"},
			}},
			want: ReasonChecksFailed,
		},
		"changes requested after approval by another user": {
			pr: openPR,
			snap: github.Snapshot{Checks: []github.CheckRun{green}, Reviews: []github.Review{
				approved, {User: "b", State: "CHANGES_REQUESTED"},
			}},
			want: ReasonChangesRequested,
		},
		"later approval clears request": {
			pr: openPR,
			snap: github.Snapshot{Reviews: []github.Review{
				{User: "b", State: "CHANGES_REQUESTED"}, {User: "b", State: "COMMENTED"}, {User: "b", State: "APPROVED"},
			}},
			want: ReasonNone,
		},
		"approval required": {
			pr:     openPR,
			snap:   github.Snapshot{Checks: []github.CheckRun{green}},
			policy: Policy{RequireApproval: true},
			want:   ReasonNoApproval,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got := Decide(tt.pr(), tt.snap, tt.policy)
			assert.Equal(t, tt.want, got.Reason)
			assert.Equal(t, tt.want == ReasonNone, got.Passed())
		})
	}
}

func TestBlockerForIsTotal(t *testing.T) {
	reasons := []Reason{ReasonNone, ReasonPRClosed, ReasonMergeConflict, ReasonChecksPending, ReasonChecksFailed,
		ReasonChangesRequested, ReasonNoApproval, ReasonUnknown, Reason("something-new")}
	for _, r := range reasons {
		code := BlockerFor(r)
		assert.True(t, code.Valid(), "reason %q mapped to %q", r, code)
	}
	assert.Equal(t, domain.BlockerGateDecisionFailed, BlockerFor(Reason("something-new")))
	assert.Equal(t, domain.BlockerChecksFailed, BlockerFor(ReasonChecksFailed))
}
