package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"afu9/internal/domain"
	"afu9/internal/loop"
)

// stageGroup is the route prefix of a step.
func stageGroup(s domain.Step) string {
	switch s {
	case domain.StepPick, domain.StepSpec, domain.StepImplement:
		return "s1s3"
	case domain.StepReview:
		return "s4"
	case domain.StepMerge:
		return "s5"
	case domain.StepDeploy:
		return "s6"
	case domain.StepVerify:
		return "s7"
	case domain.StepClose:
		return "s8"
	case domain.StepRemediate:
		return "s9"
	}
	return ""
}

func requestID(ctx context.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return requestHeader(ctx, "X-Request-Id")
}

func registerSteps(api huma.API, cfg Config) {
	for _, step := range domain.Steps() {
		registerStep(api, cfg, step)
	}
}

// registerStep exposes one step. Each call is a single-step loop run so the evidence
// runId always names a stored run.
func registerStep(api huma.API, cfg Config, step domain.Step) {
	huma.Register(api, huma.Operation{
		OperationID: "step-" + step.Action(),
		Method:      http.MethodPost,
		Path:        "/" + stageGroup(step) + "/issues/{id}/" + step.Action(),
		Summary:     "Run " + string(step),
		Tags:        []string{"steps"},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body *StepRequest `json:"body,omitempty"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		p, err := authorize(ctx, cfg.Auth.Policy, step.Action())
		if err != nil {
			return nil, handleError(err)
		}
		var body StepRequest
		if input.Body != nil {
			body = *input.Body
		}
		out, err := cfg.Loop.Run(ctx, loop.Request{
			IssueID:   input.ID,
			Step:      step,
			Actor:     p.Actor,
			RequestID: requestID(ctx, body.RequestID),
			Mode:      domain.Mode(body.Mode),
			Params:    body.params(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		last, ok := out.Last()
		if !ok {
			return nil, handleError(fmt.Errorf("run %s recorded no step", out.Run.ID))
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: StepResponse{RunID: out.Run.ID, Step: step, ResultView: last.ResultView}}, nil
	})
}

func registerLoop(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "loop-run",
		Method:      http.MethodPost,
		Path:        "/loop/issues/{id}/run",
		Summary:     "Run the pipeline on an issue until it blocks or stops",
		Tags:        []string{"loop"},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body *LoopRunRequest `json:"body,omitempty"`
	}) (*struct {
		Body LoopRunResponse `json:"body"`
	}, error) {
		p, err := authorize(ctx, cfg.Auth.Policy, "run")
		if err != nil {
			return nil, handleError(err)
		}
		var body LoopRunRequest
		if input.Body != nil {
			body = *input.Body
		}
		req := loop.Request{
			IssueID:   input.ID,
			Actor:     p.Actor,
			RequestID: requestID(ctx, body.RequestID),
			Mode:      domain.Mode(body.Mode),
			Params:    body.params(),
			MaxSteps:  body.MaxSteps,
		}
		if s := strings.TrimSpace(body.Step); s != "" {
			step, err := domain.ParseStep(s)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"step": s})
			}
			req.Step = step
		}
		out, err := cfg.Loop.Run(ctx, req)
		if err != nil && out.Run.ID == "" {
			return nil, handleError(err)
		}
		return &struct {
			Body LoopRunResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "loop-history",
		Method:      http.MethodGet,
		Path:        "/loop/issues/{id}/runs",
		Summary:     "List runs of an issue, newest first",
		Tags:        []string{"loop"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"20"`
	}) (*struct {
		Body []domain.LoopRun `json:"body"`
	}, error) {
		runs, err := cfg.Loop.History(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LoopRun `json:"body"`
		}{Body: nonNilSlice(runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "loop-batch",
		Method:      http.MethodPost,
		Path:        "/loop/batch",
		Summary:     "Run the pipeline on several distinct issues concurrently",
		Tags:        []string{"loop"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body BatchRunRequest `json:"body"`
	}) (*struct {
		Body []loop.BatchItem `json:"body"`
	}, error) {
		p, err := authorize(ctx, cfg.Auth.Policy, "run")
		if err != nil {
			return nil, handleError(err)
		}
		if len(input.Body.IssueIDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "issueIds is required", nil)
		}
		reqs := make([]loop.Request, 0, len(input.Body.IssueIDs))
		for _, id := range input.Body.IssueIDs {
			reqs = append(reqs, loop.Request{
				IssueID:  id,
				Actor:    p.Actor,
				Mode:     domain.Mode(input.Body.Mode),
				MaxSteps: input.Body.MaxSteps,
			})
		}
		items, err := cfg.Loop.RunBatch(ctx, reqs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []loop.BatchItem `json:"body"`
		}{Body: items}, nil
	})
}
