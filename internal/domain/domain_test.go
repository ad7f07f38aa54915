package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStep(t *testing.T) {
	cases := map[string]Step{
		"S5_MERGE":    StepMerge,
		"s5":          StepMerge,
		"merge":       StepMerge,
		" remediate ": StepRemediate,
		"S1S3":        "",
		"S1_PICK":     StepPick,
		"implement":   StepImplement,
		"deploy-all":  "",
		"":            "",
	}
	for in, want := range cases {
		got, err := ParseStep(in)
		if want == "" {
			assert.Error(t, err, in)
			continue
		}
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestStepsAreOrderedWithDistinctEvents(t *testing.T) {
	seen := map[string]bool{}
	steps := Steps()
	require.Len(t, steps, 9)
	assert.Equal(t, StepPick, steps[0])
	assert.Equal(t, StepRemediate, steps[8])
	for _, s := range steps {
		ev := s.SuccessEvent()
		assert.NotEmpty(t, ev, s)
		assert.False(t, seen[ev], "duplicate event %s", ev)
		seen[ev] = true
		assert.NotEmpty(t, s.Action())
	}
}

func TestTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusCreated, StatusSpecReady))
	assert.True(t, CanTransition(StatusCRBound, StatusImplementingPrep))
	assert.True(t, CanTransition(StatusDone, StatusVerified))
	assert.True(t, CanTransition(StatusReviewReady, StatusHold))
	assert.True(t, CanTransition(StatusHold, StatusKilled))

	assert.False(t, CanTransition(StatusCreated, StatusDone))
	assert.False(t, CanTransition(StatusVerified, StatusHold))
	assert.False(t, CanTransition(StatusClosed, StatusKilled))
	assert.False(t, CanTransition(StatusKilled, StatusHold))
}

func TestRankAndAtLeast(t *testing.T) {
	assert.True(t, StatusDone.AtLeast(StatusReviewReady))
	assert.True(t, StatusDone.AtLeast(StatusDone))
	assert.False(t, StatusReviewReady.AtLeast(StatusDone))
	assert.False(t, StatusHold.AtLeast(StatusCreated))
	assert.False(t, StatusKilled.AtLeast(StatusCreated))
	assert.Equal(t, -1, StatusHold.Rank())

	for _, s := range Statuses() {
		got, err := ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStatus("done")
	assert.Error(t, err)
}

func TestResultView(t *testing.T) {
	ok := Result{
		Step:        StepMerge,
		StateBefore: StatusReviewReady,
		Outcome:     Success{StateAfter: StatusDone, FieldsChanged: []string{"status", "merge_sha"}, Data: map[string]any{"mergeSha": "abc"}},
		Message:     "merged",
		Duration:    1500 * time.Millisecond,
	}
	v := ok.View()
	assert.True(t, v.Success)
	assert.False(t, v.Blocked)
	assert.Equal(t, StatusDone, v.StateAfter)
	assert.Equal(t, int64(1500), v.DurationMS)

	blocked := Result{
		Step:        StepMerge,
		StateBefore: StatusReviewReady,
		Outcome:     Blocked{Code: BlockerChecksFailed, Message: "ci failed"},
	}
	v = blocked.View()
	assert.True(t, v.Blocked)
	assert.Equal(t, StatusReviewReady, v.StateAfter)
	assert.Equal(t, []string{}, v.FieldsChanged)

	raw, err := json.Marshal(blocked)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "CHECKS_FAILED", m["blockerCode"])
	assert.Equal(t, []any{}, m["fieldsChanged"])
	assert.True(t, BlockerChecksFailed.Valid())
	assert.False(t, BlockerCode("NOPE").Valid())
}
