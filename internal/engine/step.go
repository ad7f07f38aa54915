package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"afu9/internal/domain"
	"afu9/internal/events"
	"afu9/internal/repo"
	"afu9/internal/telemetry"
)

// Params carries step-specific input. Steps ignore fields they do not use.
type Params struct {
	RemediationReason string   `json:"remediationReason,omitempty"`
	FailedStep        string   `json:"failedStep,omitempty"`
	BlockerCode       string   `json:"blockerCode,omitempty"`
	RedVerdict        string   `json:"redVerdict,omitempty"`
	FailedChecks      []string `json:"failedChecks,omitempty"`
	ClosureReason     string   `json:"closureReason,omitempty"`
	MergeMethod       string   `json:"mergeMethod,omitempty"`
}

// StepContext identifies one step invocation.
type StepContext struct {
	IssueID   string
	RunID     string
	RequestID string
	Actor     string
	ActorType domain.ActorType
	Mode      domain.Mode
	Params    Params
}

// plan is an executor's decision for one invocation. A plan with blocked set, or marked
// noop, performs no mutation.
type plan struct {
	next       domain.Status
	update     repo.IssueUpdate
	fields     map[string]any
	message    string
	noop       bool
	idempotent bool
	blocked    *domain.Blocked

	// effect runs the external side effect in execute mode, before any local write.
	// It may fill fields and update, or block.
	effect func(ctx context.Context) (*domain.Blocked, error)
	// apply writes step records inside the transition transaction.
	apply func(ctx context.Context, tx *sql.Tx) error
}

func blockedPlan(code domain.BlockerCode, format string, args ...any) *plan {
	return &plan{blocked: &domain.Blocked{Code: code, Message: fmt.Sprintf(format, args...)}}
}

func blockedBy(code domain.BlockerCode, format string, args ...any) *domain.Blocked {
	return &domain.Blocked{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (p *plan) set(k string, v any) {
	if p.fields == nil {
		p.fields = map[string]any{}
	}
	p.fields[k] = v
}

type executor interface {
	// satisfied reports whether the step's target state already holds.
	satisfied(ctx context.Context, e Engine, is domain.Issue) (bool, map[string]any, error)
	evaluate(ctx context.Context, e Engine, is domain.Issue, sc StepContext) (*plan, error)
}

var executors = map[domain.Step]executor{
	domain.StepPick:      pickStep{},
	domain.StepSpec:      specStep{},
	domain.StepImplement: implementStep{},
	domain.StepReview:    reviewStep{},
	domain.StepMerge:     mergeStep{},
	domain.StepDeploy:    deployStep{},
	domain.StepVerify:    verifyStep{},
	domain.StepClose:     closeStep{},
	domain.StepRemediate: remediateStep{},
}

// Execute runs one step against one issue. Blocked outcomes are returned as results;
// the error return is reserved for unknown issues and infrastructure failures.
// Every invocation that returns a result appends exactly one timeline event.
func (e Engine) Execute(ctx context.Context, step domain.Step, sc StepContext) (domain.Result, error) {
	ex, ok := executors[step]
	if !ok {
		return domain.Result{}, fmt.Errorf("%w: %q", ErrUnknownStep, step)
	}
	if sc.Mode == "" {
		sc.Mode = domain.ModeExecute
	}
	if sc.Mode != domain.ModeExecute && sc.Mode != domain.ModeDryRun {
		return domain.Result{}, fmt.Errorf("%w: %q", ErrInvalidMode, sc.Mode)
	}
	if strings.TrimSpace(sc.Actor) == "" {
		return domain.Result{}, invalid("actor", "is required")
	}
	if sc.RunID == "" {
		sc.RunID = e.newID()
	}
	if sc.ActorType == "" {
		sc.ActorType = domain.ActorUser
	}

	started := time.Now()
	ctx, span := telemetry.Tracer("afu9/engine").Start(ctx, "afu9.step."+step.Action(), trace.WithAttributes(
		attribute.String("afu9.issue_id", sc.IssueID),
		attribute.String("afu9.step", string(step)),
		attribute.String("afu9.mode", string(sc.Mode)),
		attribute.String("afu9.run_id", sc.RunID),
	))
	defer span.End()

	res, err := e.execute(ctx, step, ex, sc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Result{}, err
	}
	res.Duration = time.Since(started)

	outcome, code := outcomeLabel(res, sc.Mode)
	span.SetAttributes(
		attribute.String("afu9.outcome", outcome),
		attribute.String("afu9.state_before", string(res.StateBefore)),
		attribute.String("afu9.state_after", string(res.StateAfter())),
	)
	if code != "" {
		span.SetAttributes(attribute.String("afu9.blocker_code", code))
	}
	telemetry.RecordStep(ctx, string(step), outcome, code, res.Duration)
	return res, nil
}

func outcomeLabel(res domain.Result, mode domain.Mode) (string, string) {
	if b, ok := res.Blocked(); ok {
		return "blocked", string(b.Code)
	}
	s, _ := res.Succeeded()
	switch {
	case s.Idempotent:
		return "noop", ""
	case mode.DryRun():
		return "simulated", ""
	}
	return "success", ""
}

// InputBlocker checks step input that needs no stored state. It runs before the issue is read.
func InputBlocker(step domain.Step, p Params) *domain.Blocked {
	if step == domain.StepRemediate && strings.TrimSpace(p.RemediationReason) == "" {
		return blockedBy(domain.BlockerNoRemediationReason, "remediation reason is required")
	}
	return nil
}

func (e Engine) execute(ctx context.Context, step domain.Step, ex executor, sc StepContext) (domain.Result, error) {
	if b := InputBlocker(step, sc.Params); b != nil {
		return e.rejectInput(ctx, step, sc, b)
	}
	is, err := e.Repo.GetIssue(ctx, sc.IssueID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("load issue %s: %w", sc.IssueID, err)
	}
	p, err := e.decide(ctx, step, ex, is, sc)
	if err != nil {
		return domain.Result{}, err
	}

	if p.blocked == nil && !p.noop && !sc.Mode.DryRun() && p.effect != nil {
		b, err := p.effect(ctx)
		if err != nil {
			return domain.Result{}, err
		}
		p.blocked = b
	}

	mutate := p.blocked == nil && !p.noop && !sc.Mode.DryRun()
	if mutate {
		err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
			if p.next != is.Status || len(p.update.Fields()) > 0 {
				if err := e.Repo.Transition(ctx, tx, is.ID, is.Status, p.next, p.update, e.stamp()); err != nil {
					return err
				}
			}
			if p.apply != nil {
				if err := p.apply(ctx, tx); err != nil {
					return err
				}
			}
			evtType, payload := evidence(step, sc, is.Status, p)
			_, err := e.writer().Append(ctx, tx, evtType, is.ID, sc.Actor, sc.ActorType, payload)
			return err
		})
		switch {
		case err == nil:
			return result(step, is.Status, p, sc.Mode), nil
		case errors.Is(err, repo.ErrStateConflict):
			p, err = e.afterConflict(ctx, ex, is)
			if err != nil {
				return domain.Result{}, err
			}
		default:
			return domain.Result{}, fmt.Errorf("%s on issue %s: %w", step, is.ID, err)
		}
	}

	evtType, payload := evidence(step, sc, is.Status, p)
	if _, err := e.writer().AppendDB(ctx, e.DB, evtType, is.ID, sc.Actor, sc.ActorType, payload); err != nil {
		return domain.Result{}, err
	}
	return result(step, is.Status, p, sc.Mode), nil
}

// rejectInput records a blocker found before any read. The issue is never loaded, so
// the reported states are empty and an unknown issue id is accepted.
func (e Engine) rejectInput(ctx context.Context, step domain.Step, sc StepContext, b *domain.Blocked) (domain.Result, error) {
	p := &plan{blocked: b}
	evtType, payload := evidence(step, sc, "", p)
	if _, err := e.writer().AppendDB(ctx, e.DB, evtType, sc.IssueID, sc.Actor, sc.ActorType, payload); err != nil {
		return domain.Result{}, err
	}
	return result(step, "", p, sc.Mode), nil
}

// decide applies the guards shared by every step, then defers to the executor.
func (e Engine) decide(ctx context.Context, step domain.Step, ex executor, is domain.Issue, sc StepContext) (*plan, error) {
	if step != domain.StepRemediate && is.Status == domain.StatusHold {
		return blockedPlan(domain.BlockerInvariantViolation, "issue is on HOLD; only remediation may run"), nil
	}
	ok, data, err := ex.satisfied(ctx, e, is)
	if err != nil {
		return nil, err
	}
	if ok {
		return &plan{next: is.Status, noop: true, idempotent: true, fields: data,
			message: fmt.Sprintf("%s already satisfied at %s", step, is.Status)}, nil
	}
	if step != domain.StepRemediate && is.Status.Terminal() {
		return blockedPlan(domain.BlockerInvariantViolation, "issue is %s and cannot change", is.Status), nil
	}
	p, err := ex.evaluate(ctx, e, is, sc)
	if err != nil {
		return nil, err
	}
	if p.blocked == nil && p.next == "" {
		p.next = is.Status
	}
	return p, nil
}

// afterConflict re-reads an issue whose status changed under a transition. If the
// concurrent writer already reached the step's target the invocation is a no-op.
func (e Engine) afterConflict(ctx context.Context, ex executor, before domain.Issue) (*plan, error) {
	cur, err := e.Repo.GetIssue(ctx, before.ID)
	if err != nil {
		return nil, err
	}
	ok, data, err := ex.satisfied(ctx, e, cur)
	if err != nil {
		return nil, err
	}
	if ok {
		return &plan{next: cur.Status, noop: true, idempotent: true, fields: data,
			message: fmt.Sprintf("concurrently reached %s", cur.Status)}, nil
	}
	return blockedPlan(domain.BlockerInvariantViolation, "status changed concurrently from %s to %s", before.Status, cur.Status), nil
}

func fieldsChanged(before domain.Status, p *plan) []string {
	fields := p.update.Fields()
	if p.next != "" && p.next != before {
		fields = append([]string{"status"}, fields...)
	}
	return fields
}

// result builds the returned outcome. A dry run changes nothing, so its would-be
// fields are reported under data.wouldChange instead of fieldsChanged.
func result(step domain.Step, before domain.Status, p *plan, mode domain.Mode) domain.Result {
	res := domain.Result{Step: step, StateBefore: before}
	if p.blocked != nil {
		res.Outcome = *p.blocked
		res.Message = p.blocked.Message
		return res
	}
	s := domain.Success{StateAfter: p.next, Idempotent: p.idempotent, Data: p.fields}
	switch {
	case p.noop:
	case mode.DryRun():
		s.Data = withWouldChange(p.fields, fieldsChanged(before, p))
	default:
		s.FieldsChanged = fieldsChanged(before, p)
	}
	res.Outcome = s
	res.Message = p.message
	if res.Message == "" {
		res.Message = fmt.Sprintf("%s: %s -> %s", step, before, p.next)
	}
	return res
}

// evidence builds the single timeline event of an invocation.
func evidence(step domain.Step, sc StepContext, before domain.Status, p *plan) (string, events.EventPayload) {
	payload := events.EventPayload{}
	for k, v := range p.fields {
		payload[k] = v
	}
	payload["runId"] = sc.RunID
	payload["step"] = string(step)
	payload["stateBefore"] = before
	payload["requestId"] = sc.RequestID
	payload["mode"] = sc.Mode
	payload["blocked"] = p.blocked != nil

	if p.blocked != nil {
		payload["stateAfter"] = before
		payload["blockerCode"] = p.blocked.Code
		payload["blockerMessage"] = p.blocked.Message
		return domain.EventStepBlocked, payload
	}
	payload["stateAfter"] = p.next
	if p.noop {
		payload["idempotent"] = true
		return domain.EventStepNoop, payload
	}
	if sc.Mode.DryRun() {
		payload["wouldChange"] = nonNil(fieldsChanged(before, p))
		payload["simulated"] = true
		return domain.EventStepSimulated, payload
	}
	payload["fieldsChanged"] = fieldsChanged(before, p)
	if p.idempotent {
		payload["idempotent"] = true
	}
	return step.SuccessEvent(), payload
}

func withWouldChange(data map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["wouldChange"] = nonNil(fields)
	return out
}

func nonNil(fields []string) []string {
	if fields == nil {
		return []string{}
	}
	return fields
}
