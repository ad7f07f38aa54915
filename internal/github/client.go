// Package github is the GitHub collaborator of the pipeline: pull request
// lookup, review/check snapshots, merges, deployments and issue mirroring.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// PRRef addresses one pull request.
type PRRef struct {
	Owner  string
	Repo   string
	Number int
}

func (r PRRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

type PullRequest struct {
	Number         int
	State          string
	Merged         bool
	MergeSHA       string
	HeadSHA        string
	HeadRef        string
	Mergeable      *bool
	MergeableState string
	HTMLURL        string
}

// Closed reports a PR closed without merge.
func (p PullRequest) Closed() bool {
	return p.State == "closed" && !p.Merged
}

type Review struct {
	User        string
	State       string
	SubmittedAt string
}

type CheckRun struct {
	Name       string
	Status     string
	Conclusion string
}

// Snapshot is the review and check state of a PR head used by the merge gate.
type Snapshot struct {
	Reviews []Review
	Checks  []CheckRun
}

type MergeResult struct {
	SHA     string
	Merged  bool
	Message string
}

type Deployment struct {
	ID          int64  `json:"id"`
	Environment string `json:"environment"`
	SHA         string `json:"sha"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

type IssueContent struct {
	Title  string
	Body   string
	Labels []string
}

type IssueRef struct {
	Number int
	URL    string
}

// Client is everything the pipeline needs from GitHub.
type Client interface {
	GetPullRequest(ctx context.Context, pr PRRef) (PullRequest, error)
	Snapshot(ctx context.Context, pr PRRef, headSHA string) (Snapshot, error)
	MergePullRequest(ctx context.Context, pr PRRef, method, commitTitle string) (MergeResult, error)
	ListDeployments(ctx context.Context, owner, repo, sha string) ([]Deployment, error)
	CreateIssue(ctx context.Context, owner, repo string, c IssueContent) (IssueRef, error)
	UpdateIssue(ctx context.Context, owner, repo string, number int, c IssueContent) (IssueRef, error)
}

// APIError is a failed GitHub call. StatusCode is 0 for transport failures.
type APIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("github %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("github %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// StatusCode extracts the HTTP status of a GitHub failure, 0 when unknown.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsMergeConflict reports GitHub's "not mergeable" (405) and "head modified" (409) answers.
func IsMergeConflict(err error) bool {
	code := StatusCode(err)
	return code == http.StatusMethodNotAllowed || code == http.StatusConflict
}

// ParsePRURL accepts https://github.com/<owner>/<repo>/pull/<n> (trailing segments allowed).
func ParsePRURL(raw string) (PRRef, error) {
	owner, repo, kind, n, err := parseResourceURL(raw)
	if err != nil {
		return PRRef{}, err
	}
	if kind != "pull" {
		return PRRef{}, fmt.Errorf("not a pull request URL: %s", raw)
	}
	return PRRef{Owner: owner, Repo: repo, Number: n}, nil
}

// ParseIssueURL accepts https://github.com/<owner>/<repo>/issues/<n>.
func ParseIssueURL(raw string) (owner, repo string, number int, err error) {
	owner, repo, kind, number, err := parseResourceURL(raw)
	if err != nil {
		return "", "", 0, err
	}
	if kind != "issues" {
		return "", "", 0, fmt.Errorf("not an issue URL: %s", raw)
	}
	return owner, repo, number, nil
}

// ParseRepository splits "owner/repo".
func ParseRepository(v string) (owner, repo string, err error) {
	parts := strings.Split(strings.TrimSpace(v), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository must be owner/repo, got %q", v)
	}
	return parts[0], parts[1], nil
}

func parseResourceURL(raw string) (owner, repo, kind string, number int, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", "", 0, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", "", "", 0, fmt.Errorf("not a GitHub URL: %s", raw)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) < 4 || segs[0] == "" || segs[1] == "" {
		return "", "", "", 0, fmt.Errorf("not a GitHub resource URL: %s", raw)
	}
	n, err := strconv.Atoi(segs[3])
	if err != nil || n <= 0 {
		return "", "", "", 0, fmt.Errorf("invalid number in %s", raw)
	}
	return segs[0], segs[1], segs[2], n, nil
}
