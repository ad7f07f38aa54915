package afu9sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunStepRoutesByStage(t *testing.T) {
	var gotPath, gotActor string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotActor = r.Header.Get("X-Actor-Id")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"runId": "r1", "step": "S5_MERGE", "success": true,
			"stateBefore": "REVIEW_READY", "stateAfter": "DONE", "fieldsChanged": []string{"status"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "alice"
	res, err := c.RunStep(context.Background(), "i-1", "merge", StepOptions{Mode: "dryRun"})
	if err != nil {
		t.Fatalf("run step: %v", err)
	}
	if gotPath != "/api/afu9/s5/issues/i-1/merge" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotActor != "alice" || gotBody["mode"] != "dryRun" {
		t.Fatalf("unexpected request actor=%q body=%v", gotActor, gotBody)
	}
	if !res.Success || res.StateAfter != "DONE" || res.RunID != "r1" {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, err := c.RunStep(context.Background(), "i-1", "deploy-all", StepOptions{}); err == nil {
		t.Fatalf("expected unknown action error")
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"not found"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "afu9_x"
	_, err := c.GetIssue(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestTimelinePageQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[{"id":7,"issue_id":"i-1","event_type":"STEP_BLOCKED"}],"next_cursor":"7"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).TimelinePage(context.Background(), "i-1", 1, "9")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if gotQuery != "cursor=9&limit=1" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if len(page.Items) != 1 || page.NextCursor != "7" {
		t.Fatalf("unexpected page %+v", page)
	}
}
