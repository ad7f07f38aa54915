package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"afu9/internal/domain"
	"afu9/internal/engine"
	"afu9/internal/publish"
	"afu9/internal/repo"
	"afu9/internal/specgen"
)

var mutatingErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

func issueDetail(ctx context.Context, r repo.Repo, is domain.Issue) (IssueDetail, error) {
	d := IssueDetail{Issue: is}
	if is.ActiveCRID != "" {
		cr, err := r.GetChangeRequest(ctx, nil, is.ActiveCRID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return d, err
		}
		if err == nil {
			d.ChangeRequest = &cr
		}
	}
	if v, err := r.LatestVerdict(ctx, nil, is.ID); err == nil {
		d.LatestVerdict = &v
	} else if !errors.Is(err, repo.ErrNotFound) {
		return d, err
	}
	if c, err := r.GetClosureByIssue(ctx, nil, is.ID); err == nil {
		d.Closure = &c
	} else if !errors.Is(err, repo.ErrNotFound) {
		return d, err
	}
	if m, err := r.GetMesh(ctx, is.ID); err == nil {
		d.Mesh = &m
	} else if !errors.Is(err, repo.ErrNotFound) {
		return d, err
	}
	rems, err := r.ListRemediations(ctx, is.ID)
	if err != nil {
		return d, err
	}
	d.Remediations = nonNilSlice(rems)
	return d, nil
}

func registerIssues(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/issues",
		Summary:       "Create issue",
		Tags:          []string{"issues"},
		DefaultStatus: http.StatusCreated,
		Errors:        mutatingErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateIssueRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := authorize(ctx, cfg.Auth.Policy, "create issues")
		if err != nil {
			return nil, handleError(err)
		}
		is, err := e.CreateIssue(ctx, engine.CreateIssueOptions{
			ID:              input.Body.ID,
			Title:           input.Body.Title,
			Body:            input.Body.Body,
			Labels:          input.Body.Labels,
			GitHubURL:       input.Body.GitHubURL,
			PRURL:           input.Body.PRURL,
			SourceSessionID: input.Body.SourceSessionID,
			Actor:           p.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: is}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues, newest first",
		Tags:        []string{"issues"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Assignee string `query:"assignee"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedIssues `json:"body"`
	}, error) {
		f := repo.IssueFilters{Assignee: input.Assignee}
		if input.Status != "" {
			st, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"status": input.Status})
			}
			f.Status = st
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		f.CursorCreatedAt, f.CursorID = ts, id
		limit := normalizeLimit(input.Limit)
		f.Limit = limit + 1
		items, err := e.Repo.ListIssues(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedIssues{Items: []domain.Issue{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedIssues `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{id}",
		Summary:     "Get issue with its change request, verdict, closure and remediations",
		Tags:        []string{"issues"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body IssueDetail `json:"body"`
	}, error) {
		is, err := e.Repo.GetIssue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := issueDetail(ctx, e.Repo, is)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueDetail `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-issue",
		Method:      http.MethodPatch,
		Path:        "/issues/{id}/links",
		Summary:     "Set the GitHub issue and pull request links",
		Tags:        []string{"issues"},
		Errors:      mutatingErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body LinkIssueRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		p, err := authorize(ctx, cfg.Auth.Policy, "link issues")
		if err != nil {
			return nil, handleError(err)
		}
		is, err := e.LinkIssue(ctx, engine.LinkOptions{
			IssueID:   input.ID,
			GitHubURL: input.Body.GitHubURL,
			PRURL:     input.Body.PRURL,
			Actor:     p.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: is}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "bind-change-request",
		Method:        http.MethodPost,
		Path:          "/issues/{id}/change-requests",
		Summary:       "Bind a change request as the issue's active CR",
		Tags:          []string{"issues"},
		DefaultStatus: http.StatusCreated,
		Errors:        mutatingErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body BindCRRequest `json:"body"`
	}) (*struct {
		Body domain.ChangeRequest `json:"body"`
	}, error) {
		p, err := authorize(ctx, cfg.Auth.Policy, "bind change requests")
		if err != nil {
			return nil, handleError(err)
		}
		cr, err := e.BindChangeRequest(ctx, engine.BindCROptions{
			IssueID:    input.ID,
			Title:      input.Body.Title,
			Motivation: input.Body.Motivation,
			Acceptance: input.Body.Acceptance,
			Labels:     input.Body.Labels,
			Actor:      p.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChangeRequest `json:"body"`
		}{Body: cr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-verdict",
		Method:        http.MethodPost,
		Path:          "/issues/{id}/verdicts",
		Summary:       "Record a verification verdict",
		Tags:          []string{"issues"},
		DefaultStatus: http.StatusCreated,
		Errors:        mutatingErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body VerdictRequest `json:"body"`
	}) (*struct {
		Body domain.VerificationVerdict `json:"body"`
	}, error) {
		p, err := authorize(ctx, cfg.Auth.Policy, "record verdicts")
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.RecordVerdict(ctx, engine.VerdictOptions{
			IssueID: input.ID,
			Verdict: domain.Verdict(input.Body.Verdict),
			Summary: input.Body.Summary,
			Source:  input.Body.Source,
			Actor:   p.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VerificationVerdict `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-verdicts",
		Method:      http.MethodGet,
		Path:        "/issues/{id}/verdicts",
		Summary:     "List verification verdicts",
		Tags:        []string{"issues"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.VerificationVerdict `json:"body"`
	}, error) {
		if _, err := e.Repo.GetIssue(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListVerdicts(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.VerificationVerdict `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-hold",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/release",
		Summary:     "Release an issue from HOLD",
		Tags:        []string{"issues"},
		Errors:      mutatingErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body ReleaseHoldRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		p, err := authorize(ctx, cfg.Auth.Policy, "release holds")
		if err != nil {
			return nil, handleError(err)
		}
		to, err := domain.ParseStatus(input.Body.Status)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"status": input.Body.Status})
		}
		is, err := e.ReleaseHold(ctx, input.ID, to, input.Body.Reason, p.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: is}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kill-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/kill",
		Summary:     "Abandon an issue",
		Tags:        []string{"issues"},
		Errors:      mutatingErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body *KillRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		p, err := authorize(ctx, cfg.Auth.Policy, "kill issues")
		if err != nil {
			return nil, handleError(err)
		}
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		is, err := e.Kill(ctx, input.ID, reason, p.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: is}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-timeline",
		Method:      http.MethodGet,
		Path:        "/issues/{id}/timeline",
		Summary:     "List timeline events, newest first",
		Tags:        []string{"issues"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedTimeline `json:"body"`
	}, error) {
		if _, err := e.Repo.GetIssue(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.ListTimeline(ctx, repo.TimelineFilters{
			IssueID:   input.ID,
			EventType: input.Type,
			Cursor:    cursorID,
			Limit:     limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTimeline{Items: []domain.TimelineEvent{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedTimeline `json:"body"`
		}{Body: resp}, nil
	})
}

func registerPublish(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "publish-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/publish",
		Summary:     "Mirror the active change request to GitHub",
		Tags:        []string{"publish"},
		Errors:      mutatingErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body *PublishRequest `json:"body,omitempty"`
	}) (*struct {
		Body PublishResponse `json:"body"`
	}, error) {
		p, err := authorize(ctx, cfg.Auth.Policy, "publish")
		if err != nil {
			return nil, handleError(err)
		}
		var body PublishRequest
		if input.Body != nil {
			body = *input.Body
		}
		res, err := cfg.Publisher.Publish(ctx, publish.Request{
			IssueID:   input.ID,
			Actor:     p.Actor,
			RequestID: requestID(ctx, body.RequestID),
			Owner:     body.Owner,
			Repo:      body.Repo,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublishResponse `json:"body"`
		}{Body: newPublishResponse(res)}, nil
	})
}

func registerDrafts(api huma.API, cfg Config) {
	e := cfg.Engine

	draftResponse := func(ctx context.Context, d domain.Draft, problems []string) (DraftResponse, error) {
		versions, err := e.Repo.ListDraftVersions(ctx, d.ID)
		if err != nil {
			return DraftResponse{}, err
		}
		return DraftResponse{Draft: d, Versions: nonNilSlice(versions), Problems: problems}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{session}",
		Summary:     "Get the draft of a session with its committed versions",
		Tags:        []string{"drafts"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Session string `path:"session"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDraftBySession(ctx, nil, input.Session)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := draftResponse(ctx, d, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-draft",
		Method:      http.MethodPut,
		Path:        "/drafts/{session}",
		Summary:     "Save the draft body of a session",
		Tags:        []string{"drafts"},
		Errors:      mutatingErrors,
	}, func(ctx context.Context, input *struct {
		Session string           `path:"session"`
		Body    SaveDraftRequest `json:"body"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		if _, err := authorize(ctx, cfg.Auth.Policy, "edit drafts"); err != nil {
			return nil, handleError(err)
		}
		d, err := e.SaveDraft(ctx, input.Session, input.Body.IssueJSON)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := draftResponse(ctx, d, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{session}/validate",
		Summary:     "Validate the draft of a session",
		Tags:        []string{"drafts"},
		Errors:      mutatingErrors,
	}, func(ctx context.Context, input *struct {
		Session string `path:"session"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		if _, err := authorize(ctx, cfg.Auth.Policy, "edit drafts"); err != nil {
			return nil, handleError(err)
		}
		v, err := e.ValidateDraft(ctx, input.Session)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := draftResponse(ctx, v.Draft, v.Problems)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "commit-draft",
		Method:        http.MethodPost,
		Path:          "/drafts/{session}/commit",
		Summary:       "Commit the draft of a session as a new version",
		Tags:          []string{"drafts"},
		DefaultStatus: http.StatusCreated,
		Errors:        mutatingErrors,
	}, func(ctx context.Context, input *struct {
		Session string `path:"session"`
	}) (*struct {
		Body domain.DraftVersion `json:"body"`
	}, error) {
		p, err := authorize(ctx, cfg.Auth.Policy, "commit drafts")
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.CommitDraft(ctx, input.Session, p.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DraftVersion `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{session}/generate",
		Summary:     "Generate the draft of a session from notes",
		Tags:        []string{"drafts"},
		Errors:      append([]int{http.StatusBadGateway, http.StatusServiceUnavailable}, mutatingErrors...),
	}, func(ctx context.Context, input *struct {
		Session string               `path:"session"`
		Body    GenerateDraftRequest `json:"body"`
	}) (*struct {
		Body DraftGenerateResponse `json:"body"`
	}, error) {
		if _, err := authorize(ctx, cfg.Auth.Policy, "edit drafts"); err != nil {
			return nil, handleError(err)
		}
		if cfg.Specgen == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "specgen_unavailable", "draft generation is not configured", nil)
		}
		res, err := cfg.Specgen.Generate(ctx, specgen.Request{
			SessionID: input.Session,
			Title:     input.Body.Title,
			Notes:     input.Body.Notes,
			Labels:    input.Body.Labels,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftGenerateResponse `json:"body"`
		}{Body: DraftGenerateResponse{Draft: res.Draft, Document: res.Document, Problems: res.Problems}}, nil
	})
}
