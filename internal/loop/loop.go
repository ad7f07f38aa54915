// Package loop drives an issue through successive pipeline steps and records each
// attempt as a run with per-step rows.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"afu9/internal/domain"
	"afu9/internal/engine"
	"afu9/internal/repo"
	"afu9/internal/telemetry"
)

const defaultMaxSteps = 9

// Stop reasons reported in Outcome.StopReason and the run metadata.
const (
	StopBlocked    = "blocked"
	StopError      = "error"
	StopDryRun     = "dry_run"
	StopSingleStep = "single_step"
	StopNoNextStep = "no_next_step"
	StopNoProgress = "no_progress"
	StopMaxSteps   = "max_steps"
)

var ErrDuplicateIssue = errors.New("issue appears more than once in batch")

// Request asks for a run on one issue. An empty Step lets the orchestrator pick.
type Request struct {
	IssueID   string        `json:"issueId"`
	Step      domain.Step   `json:"step,omitempty"`
	Actor     string        `json:"actor"`
	RequestID string        `json:"requestId,omitempty"`
	Mode      domain.Mode   `json:"mode,omitempty"`
	Params    engine.Params `json:"params"`
	MaxSteps  int           `json:"maxSteps,omitempty"`
}

// StepResult is the flat result of one step within a run.
type StepResult struct {
	Step domain.Step `json:"step"`
	domain.ResultView
}

type Outcome struct {
	Run        domain.LoopRun `json:"run"`
	Results    []StepResult   `json:"results"`
	StopReason string         `json:"stopReason"`
}

// Last returns the result of the final executed step.
func (o Outcome) Last() (StepResult, bool) {
	if len(o.Results) == 0 {
		return StepResult{}, false
	}
	return o.Results[len(o.Results)-1], true
}

type Orchestrator struct {
	Engine      engine.Engine
	Repo        repo.Repo
	Logger      *log.Logger
	MaxSteps    int
	Concurrency int
	Now         func() time.Time
	NewID       func() string
}

func New(eng engine.Engine, maxSteps, concurrency int, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		Engine:      eng,
		Repo:        eng.Repo,
		Logger:      logger,
		MaxSteps:    maxSteps,
		Concurrency: concurrency,
		Now:         time.Now,
		NewID:       uuid.NewString,
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) newID() string {
	if o.NewID != nil {
		return o.NewID()
	}
	return uuid.NewString()
}

// NextStep picks the step that advances an issue in its current status. DONE issues
// get one deployment observation per run before verification.
func NextStep(is domain.Issue, executed map[domain.Step]bool) (domain.Step, bool) {
	switch is.Status {
	case domain.StatusCreated, domain.StatusDraftReady:
		if is.Assignee == "" {
			return domain.StepPick, true
		}
		return domain.StepSpec, true
	case domain.StatusSpecReady, domain.StatusCRBound:
		return domain.StepImplement, true
	case domain.StatusImplementingPrep:
		return domain.StepReview, true
	case domain.StatusReviewReady:
		return domain.StepMerge, true
	case domain.StatusDone:
		if !executed[domain.StepDeploy] {
			return domain.StepDeploy, true
		}
		return domain.StepVerify, true
	case domain.StatusVerified:
		return domain.StepClose, true
	}
	return "", false
}

// Run executes steps one after another until one blocks, fails, or nothing is left to do.
// Each step row is finished before the next step starts. A hard step error fails the run
// and is returned together with the outcome recorded so far.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Outcome, error) {
	if strings.TrimSpace(req.Actor) == "" {
		return Outcome{}, engine.ValidationError{Field: "actor", Message: "is required"}
	}
	if req.Mode == "" {
		req.Mode = domain.ModeExecute
	}
	if req.Mode != domain.ModeExecute && req.Mode != domain.ModeDryRun {
		return Outcome{}, fmt.Errorf("%w: %q", engine.ErrInvalidMode, req.Mode)
	}
	if req.Step != "" {
		if _, err := domain.ParseStep(string(req.Step)); err != nil {
			return Outcome{}, fmt.Errorf("%w: %q", engine.ErrUnknownStep, req.Step)
		}
	}
	if req.RequestID == "" {
		req.RequestID = o.newID()
	}
	is, err := o.Repo.GetIssue(ctx, req.IssueID)
	if errors.Is(err, repo.ErrNotFound) && req.Step != "" && engine.InputBlocker(req.Step, req.Params) != nil {
		return o.rejectUnrecorded(ctx, req)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load issue %s: %w", req.IssueID, err)
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = o.MaxSteps
	}
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	started := o.now()
	run := domain.LoopRun{
		ID:        o.newID(),
		IssueID:   is.ID,
		Actor:     req.Actor,
		RequestID: req.RequestID,
		Mode:      req.Mode,
		Status:    domain.RunPending,
		CreatedAt: repo.Timestamp(started),
	}
	if err := o.Repo.InsertRun(ctx, run); err != nil {
		return Outcome{}, fmt.Errorf("create run: %w", err)
	}
	if err := o.Repo.StartRun(ctx, run.ID, repo.Timestamp(o.now())); err != nil {
		return Outcome{}, fmt.Errorf("start run: %w", err)
	}
	o.logf("loop: run %s started issue=%s status=%s mode=%s", run.ID, is.ID, is.Status, req.Mode)

	out := Outcome{}
	executed := map[domain.Step]bool{}
	var runErr error
	for n := 1; ; n++ {
		if n > maxSteps {
			out.StopReason = StopMaxSteps
			break
		}
		step := req.Step
		if step == "" {
			next, ok := NextStep(is, executed)
			if !ok {
				out.StopReason = StopNoNextStep
				break
			}
			if executed[next] {
				out.StopReason = StopNoProgress
				break
			}
			step = next
		} else if n > 1 {
			out.StopReason = StopSingleStep
			break
		}

		res, err := o.runStep(ctx, run, n, step, req)
		executed[step] = true
		if err != nil {
			runErr = err
			out.StopReason = StopError
			break
		}
		out.Results = append(out.Results, StepResult{Step: step, ResultView: res.View()})
		if _, blocked := res.Blocked(); blocked {
			out.StopReason = StopBlocked
			break
		}
		if req.Mode.DryRun() {
			out.StopReason = StopDryRun
			break
		}
		if is, err = o.Repo.GetIssue(ctx, is.ID); err != nil {
			runErr = err
			out.StopReason = StopError
			break
		}
	}

	status := domain.RunCompleted
	errMsg := ""
	switch {
	case runErr != nil:
		status = domain.RunFailed
		errMsg = runErr.Error()
	case out.StopReason == StopBlocked:
		status = domain.RunBlocked
	}
	elapsed := o.now().Sub(started).Milliseconds()
	meta := map[string]any{"stopReason": out.StopReason, "steps": len(out.Results)}
	if last, ok := out.Last(); ok {
		meta["finalState"] = last.StateAfter
		if last.Blocked {
			meta["blockerCode"] = last.BlockerCode
		}
	}
	// a cancelled request context must not leave the run open
	finishCtx := context.WithoutCancel(ctx)
	if err := o.Repo.FinishRun(finishCtx, run.ID, status, errMsg, repo.Timestamp(o.now()), elapsed, meta); err != nil {
		return out, errors.Join(runErr, fmt.Errorf("finish run: %w", err))
	}
	telemetry.RecordLoopRun(ctx, string(status))
	o.logf("loop: run %s finished issue=%s status=%s stop=%s steps=%d", run.ID, is.ID, status, out.StopReason, len(out.Results))

	out.Run, err = o.loadRun(finishCtx, run.ID)
	if err != nil {
		return out, errors.Join(runErr, err)
	}
	return out, runErr
}

// rejectUnrecorded reports an input blocker for an issue that does not exist. Runs
// reference issues, so no run row is stored; the step still writes its evidence.
func (o *Orchestrator) rejectUnrecorded(ctx context.Context, req Request) (Outcome, error) {
	run := domain.LoopRun{
		ID:        o.newID(),
		IssueID:   req.IssueID,
		Actor:     req.Actor,
		RequestID: req.RequestID,
		Mode:      req.Mode,
		Status:    domain.RunBlocked,
		CreatedAt: repo.Timestamp(o.now()),
	}
	res, err := o.Engine.Execute(ctx, req.Step, engine.StepContext{
		IssueID:   req.IssueID,
		RunID:     run.ID,
		RequestID: req.RequestID,
		Actor:     req.Actor,
		Mode:      req.Mode,
		Params:    req.Params,
	})
	if err != nil {
		return Outcome{}, err
	}
	run.CompletedAt = run.CreatedAt
	o.logf("loop: issue %s unknown, step %s rejected before any read", req.IssueID, req.Step)
	return Outcome{
		Run:        run,
		Results:    []StepResult{{Step: req.Step, ResultView: res.View()}},
		StopReason: StopBlocked,
	}, nil
}

func (o *Orchestrator) runStep(ctx context.Context, run domain.LoopRun, n int, step domain.Step, req Request) (domain.Result, error) {
	st := domain.LoopRunStep{
		ID:         o.newID(),
		RunID:      run.ID,
		StepNumber: n,
		StepType:   step,
		Status:     domain.StepRunning,
		StartedAt:  repo.Timestamp(o.now()),
	}
	if err := o.Repo.InsertRunStep(ctx, st); err != nil {
		return domain.Result{}, fmt.Errorf("record step %d: %w", n, err)
	}
	started := o.now()
	res, err := o.Engine.Execute(ctx, step, engine.StepContext{
		IssueID:   run.IssueID,
		RunID:     run.ID,
		RequestID: req.RequestID,
		Actor:     req.Actor,
		Mode:      req.Mode,
		Params:    req.Params,
	})
	elapsed := o.now().Sub(started).Milliseconds()
	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		o.logf("loop: run %s step %s failed: %v", run.ID, step, err)
		if ferr := o.Repo.FinishRunStep(finishCtx, st.ID, domain.StepFailed, err.Error(), repo.Timestamp(o.now()), elapsed, nil); ferr != nil {
			return domain.Result{}, errors.Join(err, ferr)
		}
		return domain.Result{}, err
	}

	v := res.View()
	meta := map[string]any{
		"stateBefore":   v.StateBefore,
		"stateAfter":    v.StateAfter,
		"idempotent":    v.Idempotent,
		"fieldsChanged": v.FieldsChanged,
	}
	status := domain.StepCompleted
	errMsg := ""
	if v.Blocked {
		status = domain.StepBlocked
		errMsg = v.BlockerMessage
		meta["blockerCode"] = v.BlockerCode
	}
	o.logf("loop: run %s step %s %s -> %s blocked=%t %s", run.ID, step, v.StateBefore, v.StateAfter, v.Blocked, v.BlockerCode)
	if err := o.Repo.FinishRunStep(finishCtx, st.ID, status, errMsg, repo.Timestamp(o.now()), elapsed, meta); err != nil {
		return domain.Result{}, fmt.Errorf("finish step %d: %w", n, err)
	}
	return res, nil
}

func (o *Orchestrator) loadRun(ctx context.Context, id string) (domain.LoopRun, error) {
	run, err := o.Repo.GetRun(ctx, id)
	if err != nil {
		return domain.LoopRun{}, err
	}
	run.Steps, err = o.Repo.ListRunSteps(ctx, id)
	return run, err
}

// History lists the runs of an issue, newest first, each with its steps in order.
func (o *Orchestrator) History(ctx context.Context, issueID string, limit int) ([]domain.LoopRun, error) {
	if _, err := o.Repo.GetIssue(ctx, issueID); err != nil {
		return nil, err
	}
	runs, err := o.Repo.ListRuns(ctx, issueID, limit)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		steps, err := o.Repo.ListRunSteps(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Steps = steps
	}
	return runs, nil
}

// BatchItem is the outcome of one request of a batch.
type BatchItem struct {
	IssueID string   `json:"issueId"`
	Outcome *Outcome `json:"outcome,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// RunBatch runs requests for distinct issues concurrently. Steps of one issue stay
// sequential because each issue appears once. Per-issue failures are reported in the
// items; the error return covers invalid batches only.
func (o *Orchestrator) RunBatch(ctx context.Context, reqs []Request) ([]BatchItem, error) {
	seen := map[string]bool{}
	for _, r := range reqs {
		if seen[r.IssueID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIssue, r.IssueID)
		}
		seen[r.IssueID] = true
	}
	limit := o.Concurrency
	if limit <= 0 {
		limit = 1
	}
	items := make([]BatchItem, len(reqs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, r := range reqs {
		g.Go(func() error {
			item := BatchItem{IssueID: r.IssueID}
			out, err := o.Run(ctx, r)
			if out.Run.ID != "" {
				item.Outcome = &out
			}
			if err != nil {
				item.Error = err.Error()
			}
			items[i] = item
			return nil
		})
	}
	_ = g.Wait()
	return items, nil
}
