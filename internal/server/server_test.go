package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afu9/internal/config"
	"afu9/internal/db"
	"afu9/internal/domain"
	"afu9/internal/engine"
	"afu9/internal/engine/auth"
	"afu9/internal/github/githubtest"
	"afu9/internal/loop"
	"afu9/internal/migrate"
	"afu9/internal/publish"
	"afu9/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	GitHub *githubtest.Fake
	client *http.Client
}

func newTestServer(t *testing.T, policy auth.Policy) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.GitHub.Owner = "acme"
	cfg.GitHub.Repo = "app"
	fake := githubtest.New()
	e := engine.New(conn, cfg, fake)
	handler, err := New(Config{
		Engine:    e,
		Loop:      loop.New(e, 9, 2, nil),
		Publisher: publish.New(e, nil),
		BasePath:  "/api/afu9",
		Auth: AuthConfig{
			JWTSecret:          testSecret,
			AllowLegacyHeaders: true,
			Policy:             policy,
			Keys:               auth.Keys{Repo: e.Repo},
		},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "# metrics\n")
		}),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL + "/api/afu9", Engine: e, GitHub: fake, client: srv.Client()}
}

var alice = map[string]string{"X-Actor-Id": "alice"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func (s *testServer) createIssue(t *testing.T, body map[string]any) domain.Issue {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/issues", body, alice)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var is domain.Issue
	require.NoError(t, json.Unmarshal(data, &is))
	return is
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, auth.Policy{})

	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/issues", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/me", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)

	token, err := SignToken(testSecret, "carol", []string{"ops"})
	require.NoError(t, err)
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &who))
	assert.Equal(t, WhoAmIResponse{Actor: "carol", Groups: []string{"ops"}, Source: "jwt"}, who)
}

func TestStepRoutes(t *testing.T) {
	srv := newTestServer(t, auth.Policy{})
	is := srv.createIssue(t, map[string]any{"title": "Retry imports", "githubUrl": "https://github.com/acme/app/issues/7"})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/s1s3/issues/"+is.ID+"/pick", map[string]any{"requestId": "req-1"}, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out StepResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.Success)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, domain.StepPick, out.Step)
	assert.Equal(t, domain.StatusCreated, out.StateBefore)
	assert.Equal(t, []string{"assignee"}, out.FieldsChanged)

	// blocked outcomes are values, not HTTP errors
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/s4/issues/"+is.ID+"/review", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out = StepResponse{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.Blocked)
	assert.Equal(t, domain.BlockerInvariantViolation, out.BlockerCode)
	assert.Equal(t, out.StateBefore, out.StateAfter)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/s9/issues/"+is.ID+"/remediate", map[string]any{"remediationReason": "  "}, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out = StepResponse{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, domain.BlockerNoRemediationReason, out.BlockerCode)
}

func TestStepRouteErrors(t *testing.T) {
	srv := newTestServer(t, auth.Policy{})
	is := srv.createIssue(t, map[string]any{"title": "x"})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/s5/issues/missing/merge", nil, alice)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Code)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/s5/issues/"+is.ID+"/merge", map[string]any{"mode": "fast"}, alice)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	// merge lives under s5 only
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/s4/issues/"+is.ID+"/merge", nil, alice)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestStepRouteRecordsRun(t *testing.T) {
	srv := newTestServer(t, auth.Policy{})
	is := srv.createIssue(t, map[string]any{"title": "Tracked", "githubUrl": "https://github.com/acme/app/issues/7"})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/s1s3/issues/"+is.ID+"/pick", map[string]any{"mode": "dryRun"}, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out StepResponse
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotEmpty(t, out.RunID)
	assert.Empty(t, out.FieldsChanged)
	assert.Equal(t, []any{"assignee"}, out.Data["wouldChange"])

	ctx := context.Background()
	run, err := srv.Engine.Repo.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, is.ID, run.IssueID)
	assert.Equal(t, domain.ModeDryRun, run.Mode)
	assert.Equal(t, domain.RunCompleted, run.Status)
	steps, err := srv.Engine.Repo.ListRunSteps(ctx, out.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, domain.StepPick, steps[0].StepType)

	evts, err := srv.Engine.Repo.ListTimeline(ctx, repo.TimelineFilters{IssueID: is.ID, EventType: domain.EventStepSimulated})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, out.RunID, evts[0].EventData["runId"])

	got, err := srv.Engine.Repo.GetIssue(ctx, is.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Assignee)
}

func TestPostsWithoutBody(t *testing.T) {
	srv := newTestServer(t, auth.Policy{})
	is := srv.createIssue(t, map[string]any{"title": "Bare"})

	post := func(path string) (int, []byte) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("X-Actor-Id", "alice")
		res, err := srv.client.Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		data, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		return res.StatusCode, data
	}

	for _, path := range []string{
		"/s4/issues/" + is.ID + "/review",
		"/loop/issues/" + is.ID + "/run",
		"/issues/" + is.ID + "/publish",
	} {
		code, data := post(path)
		assert.Equal(t, http.StatusOK, code, "%s: %s", path, data)
	}

	// the handler rejects the missing reason, not the body decoder
	code, data := post("/issues/" + is.ID + "/kill")
	require.Equal(t, http.StatusBadRequest, code, string(data))
	apiErr := decodeError(t, data)
	assert.Equal(t, "bad_request", apiErr.Code)
	assert.Equal(t, "reason", apiErr.Details["field"])
}

func TestRemediateWithoutReasonOnUnknownIssue(t *testing.T) {
	srv := newTestServer(t, auth.Policy{})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/s9/issues/ghost/remediate", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out StepResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.Blocked)
	assert.Equal(t, domain.BlockerNoRemediationReason, out.BlockerCode)

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/s9/issues/ghost/remediate", map[string]any{"remediationReason": "flaky"}, alice)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestMergeDryRunThenExecute(t *testing.T) {
	srv := newTestServer(t, auth.Policy{})
	srv.GitHub.AddPR("acme", "app", 42)
	is := srv.createIssue(t, map[string]any{"title": "Merge me", "prUrl": githubtest.PRURL("acme", "app", 42)})
	require.NoError(t, srv.Engine.Repo.SetStatus(context.Background(), nil, is.ID, domain.StatusReviewReady, repo.IssueUpdate{}, "2025-03-01T12:00:00Z"))

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/s5/issues/"+is.ID+"/merge", map[string]any{"mode": "dryRun"}, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out StepResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.Success)
	assert.Equal(t, domain.StatusDone, out.StateAfter)
	assert.Zero(t, srv.GitHub.TotalCalls())

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/s5/issues/"+is.ID+"/merge", map[string]any{"mergeMethod": "rebase"}, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out = StepResponse{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.Success)
	assert.Equal(t, "merge-rebase-42", out.Data["mergeSha"])

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/issues/"+is.ID, nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var detail IssueDetail
	require.NoError(t, json.Unmarshal(data, &detail))
	assert.Equal(t, domain.StatusDone, detail.Issue.Status)
	require.NotNil(t, detail.Mesh)
	assert.Equal(t, "merge-rebase-42", detail.Mesh.MergeSHA)
}

func TestOperatorPolicy(t *testing.T) {
	srv := newTestServer(t, auth.Policy{OperatorGroups: []string{"afu9-operators"}})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/issues", map[string]any{"title": "x"}, alice)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", decodeError(t, data).Code)

	// reads stay open to any authenticated actor
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/issues", nil, alice)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	op := map[string]string{"X-Actor-Id": "olga", "X-Actor-Groups": "dev, afu9-operators"}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/issues", map[string]any{"title": "x"}, op)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	plain, _, err := auth.Keys{Repo: srv.Engine.Repo}.Create(context.Background(), "ci-bot", []string{"afu9-operators"}, "ci")
	require.NoError(t, err)
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/issues", map[string]any{"title": "y"}, map[string]string{"X-Api-Key": plain})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var is domain.Issue
	require.NoError(t, json.Unmarshal(data, &is))

	evts, err := srv.Engine.Repo.ListTimeline(context.Background(), repo.TimelineFilters{IssueID: is.ID})
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, "ci-bot", evts[0].Actor)
}

func TestLoopRoutes(t *testing.T) {
	srv := newTestServer(t, auth.Policy{})
	is := srv.createIssue(t, map[string]any{"title": "Loop", "githubUrl": "https://github.com/acme/app/issues/7"})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/loop/issues/"+is.ID+"/run", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out loop.Outcome
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, loop.StopBlocked, out.StopReason)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, domain.StepPick, out.Results[0].Step)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/loop/issues/"+is.ID+"/runs", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var runs []domain.LoopRun
	require.NoError(t, json.Unmarshal(data, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, out.Run.ID, runs[0].ID)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/loop/issues/missing/runs", nil, alice)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/loop/batch", map[string]any{"issueIds": []string{is.ID, is.ID}}, alice)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestPublishRoute(t *testing.T) {
	srv := newTestServer(t, auth.Policy{})
	is := srv.createIssue(t, map[string]any{"title": "Publish"})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/issues/"+is.ID+"/publish", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var pub PublishResponse
	require.NoError(t, json.Unmarshal(data, &pub))
	assert.False(t, pub.Success)
	assert.Equal(t, "No active CR bound", pub.Error)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/issues/"+is.ID+"/change-requests", map[string]any{
		"title":      "Publish it",
		"acceptance": []string{"mirrored"},
	}, alice)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/issues/"+is.ID+"/publish", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	pub = PublishResponse{}
	require.NoError(t, json.Unmarshal(data, &pub))
	assert.True(t, pub.Success)
	assert.True(t, pub.Created)
	assert.Equal(t, 1, srv.GitHub.Calls("CreateIssue"))
}

func TestTimelinePagination(t *testing.T) {
	srv := newTestServer(t, auth.Policy{})
	is := srv.createIssue(t, map[string]any{"title": "Paged"})
	for i := 0; i < 3; i++ {
		res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/s1s3/issues/"+is.ID+"/pick", nil, alice)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}

	var ids []int64
	cursor := ""
	for page := 0; page < 5; page++ {
		url := srv.URL + "/issues/" + is.ID + "/timeline?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, srv.client, http.MethodGet, url, nil, alice)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var p paginatedTimeline
		require.NoError(t, json.Unmarshal(data, &p))
		for _, e := range p.Items {
			ids = append(ids, e.ID)
		}
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	// ISSUE_CREATED plus three blocked picks
	require.Len(t, ids, 4)
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i-1], ids[i])
	}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/issues/"+is.ID+"/timeline?cursor=abc", nil, alice)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", decodeError(t, data).Code)
}

func TestDraftRoutes(t *testing.T) {
	srv := newTestServer(t, auth.Policy{})
	is := srv.createIssue(t, map[string]any{"title": "Drafted", "sourceSessionId": "sess-1"})

	res, data := doJSON(t, srv.client, http.MethodPut, srv.URL+"/drafts/sess-1", map[string]any{
		"issueJson": `{"title":"Drafted","body":"b","acceptance":["works"]}`,
	}, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/drafts/sess-1/validate", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var dr DraftResponse
	require.NoError(t, json.Unmarshal(data, &dr))
	assert.Equal(t, domain.ValidationValid, dr.Draft.LastValidationStatus)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/drafts/sess-1/commit", nil, alice)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	got, err := srv.Engine.Repo.GetIssue(context.Background(), is.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraftReady, got.Status)

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/drafts/sess-1/generate", map[string]any{"notes": "x"}, alice)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestOpenAPIAndMetrics(t *testing.T) {
	srv := newTestServer(t, auth.Policy{})
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas map[string]any
	require.NoError(t, json.Unmarshal(data, &oas))
	paths, _ := oas["paths"].(map[string]any)
	assert.Contains(t, paths, "/api/afu9/s5/issues/{id}/merge")
	assert.Contains(t, paths, "/api/afu9/loop/issues/{id}/run")
	components, _ := oas["components"].(map[string]any)
	schemas, _ := components["schemas"].(map[string]any)
	assert.Contains(t, schemas, "PublishResponse")
	assert.Contains(t, schemas, "DraftGenerateResponse")

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL[:len(srv.URL)-len("/api/afu9")]+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "# metrics")
}

func TestWebhookDispatcherForwardsNewEvents(t *testing.T) {
	srv := newTestServer(t, auth.Policy{})
	before := srv.createIssue(t, map[string]any{"title": "Before"})

	var mu sync.Mutex
	var got []webhookEvent
	var headers []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Get("X-AFU9-Secret"))
		mu.Unlock()
	}))
	defer hook.Close()

	d := newWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{domain.EventIssueCreated},
		Secret: "s3",
	}}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.dispatchAll(ctx)

	after := srv.createIssue(t, map[string]any{"title": "After"})
	doJSON(t, srv.client, http.MethodPost, srv.URL+"/s1s3/issues/"+after.ID+"/pick", nil, alice)
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, after.ID, got[0].IssueID)
	assert.NotEqual(t, before.ID, got[0].IssueID)
	assert.Equal(t, domain.EventIssueCreated, got[0].Type)
	assert.Equal(t, "s3", headers[0])
}
