package afu9sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal AFU-9 Control Center API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no other credential is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api/afu9",
		Timeout:  30 * time.Second,
	}
}

// Issue represents the API issue model (partial).
type Issue struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Status            string   `json:"status"`
	Labels            []string `json:"labels"`
	Assignee          string   `json:"assignee,omitempty"`
	GitHubURL         string   `json:"github_url,omitempty"`
	GitHubIssueNumber *int     `json:"github_issue_number,omitempty"`
	PRURL             string   `json:"pr_url,omitempty"`
	HandoffState      string   `json:"handoff_state,omitempty"`
	LastError         string   `json:"last_error,omitempty"`
}

// StepResult is the outcome of one step invocation.
type StepResult struct {
	RunID          string         `json:"runId"`
	Step           string         `json:"step"`
	Success        bool           `json:"success"`
	Blocked        bool           `json:"blocked"`
	BlockerCode    string         `json:"blockerCode,omitempty"`
	BlockerMessage string         `json:"blockerMessage,omitempty"`
	StateBefore    string         `json:"stateBefore"`
	StateAfter     string         `json:"stateAfter"`
	FieldsChanged  []string       `json:"fieldsChanged"`
	Idempotent     bool           `json:"idempotent"`
	Message        string         `json:"message"`
	DurationMS     int64          `json:"durationMs"`
	Data           map[string]any `json:"data,omitempty"`
}

// StepOptions carries the optional fields of a step request.
type StepOptions struct {
	Mode              string   `json:"mode,omitempty"`
	RequestID         string   `json:"requestId,omitempty"`
	RemediationReason string   `json:"remediationReason,omitempty"`
	FailedStep        string   `json:"failedStep,omitempty"`
	BlockerCode       string   `json:"blockerCode,omitempty"`
	RedVerdict        string   `json:"redVerdict,omitempty"`
	FailedChecks      []string `json:"failedChecks,omitempty"`
	ClosureReason     string   `json:"closureReason,omitempty"`
	MergeMethod       string   `json:"mergeMethod,omitempty"`
}

// LoopRun is the persisted record of a loop execution.
type LoopRun struct {
	ID           string `json:"id"`
	IssueID      string `json:"issue_id"`
	Actor        string `json:"actor"`
	Mode         string `json:"mode"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type LoopOutcome struct {
	Run        LoopRun      `json:"run"`
	Results    []StepResult `json:"results"`
	StopReason string       `json:"stopReason"`
}

type PublishResult struct {
	Success           bool   `json:"success"`
	IssueID           string `json:"issueId"`
	GitHubIssueNumber int    `json:"githubIssueNumber,omitempty"`
	GitHubURL         string `json:"githubUrl,omitempty"`
	Repository        string `json:"repository,omitempty"`
	Created           bool   `json:"created"`
	Idempotent        bool   `json:"idempotent"`
	Error             string `json:"error,omitempty"`
}

// Event represents a timeline entry.
type Event struct {
	ID        int64          `json:"id"`
	IssueID   string         `json:"issue_id"`
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor"`
	EventData map[string]any `json:"event_data"`
	CreatedAt string         `json:"created_at"`
}

// PaginatedEvents wraps timeline responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// stageGroups maps step actions to their route prefix.
var stageGroups = map[string]string{
	"pick":      "s1s3",
	"spec":      "s1s3",
	"implement": "s1s3",
	"review":    "s4",
	"merge":     "s5",
	"deploy":    "s6",
	"verify":    "s7",
	"close":     "s8",
	"remediate": "s9",
}

// CreateIssue creates an issue.
func (c *Client) CreateIssue(ctx context.Context, title string, labels []string) (Issue, error) {
	body := map[string]any{"title": title, "labels": labels}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "issues", body, &resp)
	return resp, err
}

// GetIssue fetches an issue.
func (c *Client) GetIssue(ctx context.Context, id string) (Issue, error) {
	var resp struct {
		Issue Issue `json:"issue"`
	}
	err := c.do(ctx, http.MethodGet, "issues/"+url.PathEscape(id), nil, &resp)
	return resp.Issue, err
}

// RunStep invokes one step by action name, e.g. "merge".
func (c *Client) RunStep(ctx context.Context, issueID, action string, opts StepOptions) (StepResult, error) {
	group, ok := stageGroups[action]
	if !ok {
		return StepResult{}, fmt.Errorf("unknown step action %q", action)
	}
	var resp StepResult
	endpoint := fmt.Sprintf("%s/issues/%s/%s", group, url.PathEscape(issueID), action)
	err := c.do(ctx, http.MethodPost, endpoint, opts, &resp)
	return resp, err
}

// RunLoop drives an issue through the pipeline until it blocks or stops.
func (c *Client) RunLoop(ctx context.Context, issueID string, opts StepOptions) (LoopOutcome, error) {
	var resp LoopOutcome
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("loop/issues/%s/run", url.PathEscape(issueID)), opts, &resp)
	return resp, err
}

// Publish mirrors an issue to GitHub.
func (c *Client) Publish(ctx context.Context, issueID string) (PublishResult, error) {
	var resp PublishResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("issues/%s/publish", url.PathEscape(issueID)), map[string]any{}, &resp)
	return resp, err
}

// Timeline returns recent events of an issue.
func (c *Client) Timeline(ctx context.Context, issueID string, limit int) ([]Event, error) {
	page, err := c.TimelinePage(ctx, issueID, limit, "")
	return page.Items, err
}

// TimelinePage returns a paginated timeline listing, newest first.
func (c *Client) TimelinePage(ctx context.Context, issueID string, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := fmt.Sprintf("issues/%s/timeline", url.PathEscape(issueID))
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SaveDraft stores the issue JSON of a drafting session.
func (c *Client) SaveDraft(ctx context.Context, sessionID string, issueJSON string) error {
	return c.do(ctx, http.MethodPut, "drafts/"+url.PathEscape(sessionID), map[string]any{"issueJson": issueJSON}, nil)
}

// CommitDraft validates then commits the draft of a session.
func (c *Client) CommitDraft(ctx context.Context, sessionID string) error {
	base := "drafts/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodPost, base+"/validate", nil, nil); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, base+"/commit", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
