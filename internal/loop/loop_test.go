package loop_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afu9/internal/config"
	"afu9/internal/db"
	"afu9/internal/domain"
	"afu9/internal/engine"
	"afu9/internal/github/githubtest"
	"afu9/internal/loop"
	"afu9/internal/migrate"
	"afu9/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Loop   *loop.Orchestrator
	GitHub *githubtest.Fake
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fake := githubtest.New()
	eng := engine.New(conn, config.Default(), fake)
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Loop: loop.New(eng, 9, 2, nil), GitHub: fake, Ctx: ctx}
}

func (env testEnv) seed(t *testing.T, status domain.Status, opts engine.CreateIssueOptions) domain.Issue {
	t.Helper()
	if opts.Title == "" {
		opts.Title = "Retry imports"
	}
	opts.Actor = "alice"
	is, err := env.Engine.CreateIssue(env.Ctx, opts)
	require.NoError(t, err)
	if status != domain.StatusCreated {
		require.NoError(t, env.Engine.Repo.SetStatus(env.Ctx, nil, is.ID, status, repo.IssueUpdate{}, "2025-03-01T12:00:00Z"))
	}
	got, err := env.Engine.Repo.GetIssue(env.Ctx, is.ID)
	require.NoError(t, err)
	return got
}

func TestNextStep(t *testing.T) {
	tests := []struct {
		status   domain.Status
		assignee string
		executed map[domain.Step]bool
		want     domain.Step
		ok       bool
	}{
		{status: domain.StatusCreated, want: domain.StepPick, ok: true},
		{status: domain.StatusCreated, assignee: "alice", want: domain.StepSpec, ok: true},
		{status: domain.StatusDraftReady, assignee: "alice", want: domain.StepSpec, ok: true},
		{status: domain.StatusCRBound, want: domain.StepImplement, ok: true},
		{status: domain.StatusImplementingPrep, want: domain.StepReview, ok: true},
		{status: domain.StatusReviewReady, want: domain.StepMerge, ok: true},
		{status: domain.StatusDone, want: domain.StepDeploy, ok: true},
		{status: domain.StatusDone, executed: map[domain.Step]bool{domain.StepDeploy: true}, want: domain.StepVerify, ok: true},
		{status: domain.StatusVerified, want: domain.StepClose, ok: true},
		{status: domain.StatusClosed},
		{status: domain.StatusHold},
		{status: domain.StatusKilled},
	}
	for _, tt := range tests {
		got, ok := loop.NextStep(domain.Issue{Status: tt.status, Assignee: tt.assignee}, tt.executed)
		assert.Equal(t, tt.ok, ok, "%s", tt.status)
		assert.Equal(t, tt.want, got, "%s", tt.status)
	}
}

func TestRunAdvancesUntilBlocked(t *testing.T) {
	env := newTestEnv(t)
	env.GitHub.AddPR("acme", "app", 42)
	is := env.seed(t, domain.StatusSpecReady, engine.CreateIssueOptions{
		GitHubURL: "https://github.com/acme/app/issues/7",
		PRURL:     githubtest.PRURL("acme", "app", 42),
	})

	out, err := env.Loop.Run(env.Ctx, loop.Request{IssueID: is.ID, Actor: "alice"})
	require.NoError(t, err)

	// S3, S4, S5, S6, then S7 blocks without a verdict
	var steps []domain.Step
	for _, r := range out.Results {
		steps = append(steps, r.Step)
	}
	assert.Equal(t, []domain.Step{domain.StepImplement, domain.StepReview, domain.StepMerge, domain.StepDeploy, domain.StepVerify}, steps)
	assert.Equal(t, loop.StopBlocked, out.StopReason)
	last, _ := out.Last()
	assert.Equal(t, domain.BlockerNotVerified, last.BlockerCode)

	assert.Equal(t, domain.RunBlocked, out.Run.Status)
	require.Len(t, out.Run.Steps, 5)
	for i, st := range out.Run.Steps {
		assert.Equal(t, i+1, st.StepNumber)
		assert.NotEmpty(t, st.CompletedAt)
	}
	assert.Equal(t, domain.StepBlocked, out.Run.Steps[4].Status)
	assert.Equal(t, domain.StepCompleted, out.Run.Steps[0].Status)

	got, err := env.Engine.Repo.GetIssue(env.Ctx, is.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)

	_, err = env.Engine.RecordVerdict(env.Ctx, engine.VerdictOptions{IssueID: is.ID, Verdict: domain.VerdictGreen, Actor: "qa"})
	require.NoError(t, err)
	out, err = env.Loop.Run(env.Ctx, loop.Request{IssueID: is.ID, Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, out.Run.Status)
	assert.Equal(t, loop.StopNoNextStep, out.StopReason)
	last, _ = out.Last()
	assert.Equal(t, domain.StatusClosed, last.StateAfter)
}

func TestRunSingleStepAndDryRun(t *testing.T) {
	env := newTestEnv(t)
	env.GitHub.AddPR("acme", "app", 42)
	is := env.seed(t, domain.StatusReviewReady, engine.CreateIssueOptions{PRURL: githubtest.PRURL("acme", "app", 42)})

	out, err := env.Loop.Run(env.Ctx, loop.Request{IssueID: is.ID, Actor: "alice", Mode: domain.ModeDryRun})
	require.NoError(t, err)
	assert.Equal(t, loop.StopDryRun, out.StopReason)
	require.Len(t, out.Results, 1)
	assert.Equal(t, domain.StatusDone, out.Results[0].StateAfter)
	assert.Zero(t, env.GitHub.TotalCalls())
	assert.Equal(t, domain.ModeDryRun, out.Run.Mode)

	out, err = env.Loop.Run(env.Ctx, loop.Request{IssueID: is.ID, Actor: "alice", Step: domain.StepMerge})
	require.NoError(t, err)
	assert.Equal(t, loop.StopSingleStep, out.StopReason)
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].Success)
}

func TestRunMaxSteps(t *testing.T) {
	env := newTestEnv(t)
	is := env.seed(t, domain.StatusSpecReady, engine.CreateIssueOptions{GitHubURL: "https://github.com/acme/app/issues/7"})
	out, err := env.Loop.Run(env.Ctx, loop.Request{IssueID: is.ID, Actor: "alice", MaxSteps: 1})
	require.NoError(t, err)
	assert.Equal(t, loop.StopMaxSteps, out.StopReason)
	assert.Len(t, out.Results, 1)
	assert.Equal(t, domain.RunCompleted, out.Run.Status)
}

func TestRunUnknownIssue(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Loop.Run(env.Ctx, loop.Request{IssueID: "missing", Actor: "alice"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRunStepStoresRunWithOneStep(t *testing.T) {
	env := newTestEnv(t)
	is := env.seed(t, domain.StatusCreated, engine.CreateIssueOptions{GitHubURL: "https://github.com/acme/app/issues/7"})

	out, err := env.Loop.Run(env.Ctx, loop.Request{IssueID: is.ID, Actor: "alice", Step: domain.StepPick})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)

	run, err := env.Engine.Repo.GetRun(env.Ctx, out.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	steps, err := env.Engine.Repo.ListRunSteps(env.Ctx, out.Run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, domain.StepPick, steps[0].StepType)
}

func TestRunRemediateWithoutReasonOnUnknownIssue(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.Loop.Run(env.Ctx, loop.Request{IssueID: "missing", Actor: "alice", Step: domain.StepRemediate})
	require.NoError(t, err)
	assert.Equal(t, loop.StopBlocked, out.StopReason)
	assert.Equal(t, domain.RunBlocked, out.Run.Status)
	last, ok := out.Last()
	require.True(t, ok)
	assert.Equal(t, domain.BlockerNoRemediationReason, last.BlockerCode)

	_, err = env.Engine.Repo.GetRun(env.Ctx, out.Run.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Loop.Run(env.Ctx, loop.Request{IssueID: "missing", Actor: "alice", Step: domain.StepRemediate,
		Params: engine.Params{RemediationReason: "flaky"}})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestHistoryListsRunsWithSteps(t *testing.T) {
	env := newTestEnv(t)
	is := env.seed(t, domain.StatusCreated, engine.CreateIssueOptions{})
	for i := 0; i < 2; i++ {
		_, err := env.Loop.Run(env.Ctx, loop.Request{IssueID: is.ID, Actor: "alice"})
		require.NoError(t, err)
	}
	runs, err := env.Loop.History(env.Ctx, is.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, domain.RunBlocked, r.Status)
		require.Len(t, r.Steps, 1)
		assert.Equal(t, domain.StepPick, r.Steps[0].StepType)
		assert.Equal(t, "NO_GITHUB_LINK", r.Steps[0].Metadata["blockerCode"])
	}
	_, err = env.Loop.History(env.Ctx, "missing", 0)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRunBatch(t *testing.T) {
	env := newTestEnv(t)
	var reqs []loop.Request
	for i := 0; i < 4; i++ {
		is := env.seed(t, domain.StatusSpecReady, engine.CreateIssueOptions{GitHubURL: "https://github.com/acme/app/issues/7"})
		reqs = append(reqs, loop.Request{IssueID: is.ID, Actor: "alice"})
	}
	reqs = append(reqs, loop.Request{IssueID: "missing", Actor: "alice"})

	items, err := env.Loop.RunBatch(env.Ctx, reqs)
	require.NoError(t, err)
	require.Len(t, items, 5)
	for _, it := range items[:4] {
		require.Empty(t, it.Error)
		require.NotNil(t, it.Outcome)
		// S3 succeeds, S4 blocks without a PR link
		assert.Equal(t, domain.RunBlocked, it.Outcome.Run.Status)
		assert.Len(t, it.Outcome.Results, 2)
	}
	assert.NotEmpty(t, items[4].Error)
	assert.Nil(t, items[4].Outcome)

	_, err = env.Loop.RunBatch(env.Ctx, []loop.Request{reqs[0], reqs[0]})
	assert.ErrorIs(t, err, loop.ErrDuplicateIssue)
}
