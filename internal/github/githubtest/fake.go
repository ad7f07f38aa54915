// Package githubtest provides an in-memory github.Client for tests.
package githubtest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"afu9/internal/github"
)

// Fake is a concurrency-safe in-memory GitHub. Errors set on the Fail* fields are
// returned by the matching call.
type Fake struct {
	mu sync.Mutex

	PRs         map[string]*github.PullRequest
	Snapshots   map[string]github.Snapshot
	Deployments map[string][]github.Deployment
	Issues      map[string]github.IssueContent

	FailGet         error
	FailSnapshot    error
	FailMerge       error
	FailDeployments error
	FailIssues      error

	nextIssue int
	calls     map[string]int
}

func New() *Fake {
	return &Fake{
		PRs:         map[string]*github.PullRequest{},
		Snapshots:   map[string]github.Snapshot{},
		Deployments: map[string][]github.Deployment{},
		Issues:      map[string]github.IssueContent{},
		nextIssue:   100,
		calls:       map[string]int{},
	}
}

// PRURL returns the canonical URL of a fake PR.
func PRURL(owner, repo string, n int) string {
	return fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, repo, n)
}

// AddPR registers an open, mergeable PR with a passing snapshot.
func (f *Fake) AddPR(owner, repo string, n int) *github.PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	mergeable := true
	pr := &github.PullRequest{
		Number:         n,
		State:          "open",
		HeadSHA:        fmt.Sprintf("head-%d", n),
		HeadRef:        fmt.Sprintf("afu9/issue-%d", n),
		Mergeable:      &mergeable,
		MergeableState: "clean",
		HTMLURL:        PRURL(owner, repo, n),
	}
	ref := github.PRRef{Owner: owner, Repo: repo, Number: n}.String()
	f.PRs[ref] = pr
	f.Snapshots[ref] = github.Snapshot{
		Reviews: []github.Review{{User: "reviewer", State: "APPROVED"}},
		Checks:  []github.CheckRun{{Name: "ci", Status: "completed", Conclusion: "success"}},
	}
	return pr
}

// MarkMerged flags a PR as merged outside the pipeline.
func (f *Fake) MarkMerged(owner, repo string, n int, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.PRs[github.PRRef{Owner: owner, Repo: repo, Number: n}.String()]; ok {
		pr.Merged = true
		pr.State = "closed"
		pr.MergeSHA = sha
	}
}

func (f *Fake) SetSnapshot(owner, repo string, n int, s github.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Snapshots[github.PRRef{Owner: owner, Repo: repo, Number: n}.String()] = s
}

func (f *Fake) AddDeployment(owner, repo string, d github.Deployment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := owner + "/" + repo + "@" + d.SHA
	f.Deployments[key] = append(f.Deployments[key], d)
}

// Calls returns how often a method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls returns the number of calls of every method.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *Fake) GetPullRequest(_ context.Context, ref github.PRRef) (github.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetPullRequest"]++
	if f.FailGet != nil {
		return github.PullRequest{}, f.FailGet
	}
	pr, ok := f.PRs[ref.String()]
	if !ok {
		return github.PullRequest{}, &github.APIError{Op: "pulls.get", StatusCode: http.StatusNotFound, Err: fmt.Errorf("%s not found", ref)}
	}
	return *pr, nil
}

func (f *Fake) Snapshot(_ context.Context, ref github.PRRef, _ string) (github.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Snapshot"]++
	if f.FailSnapshot != nil {
		return github.Snapshot{}, f.FailSnapshot
	}
	return f.Snapshots[ref.String()], nil
}

func (f *Fake) MergePullRequest(_ context.Context, ref github.PRRef, method, _ string) (github.MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["MergePullRequest"]++
	if f.FailMerge != nil {
		return github.MergeResult{}, f.FailMerge
	}
	pr, ok := f.PRs[ref.String()]
	if !ok {
		return github.MergeResult{}, &github.APIError{Op: "pulls.merge", StatusCode: http.StatusNotFound, Err: fmt.Errorf("%s not found", ref)}
	}
	if pr.Merged {
		return github.MergeResult{}, &github.APIError{Op: "pulls.merge", StatusCode: http.StatusMethodNotAllowed, Err: fmt.Errorf("already merged")}
	}
	pr.Merged = true
	pr.State = "closed"
	pr.MergeSHA = fmt.Sprintf("merge-%s-%d", method, ref.Number)
	return github.MergeResult{SHA: pr.MergeSHA, Merged: true, Message: "Pull Request successfully merged"}, nil
}

func (f *Fake) ListDeployments(_ context.Context, owner, repo, sha string) ([]github.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListDeployments"]++
	if f.FailDeployments != nil {
		return nil, f.FailDeployments
	}
	return append([]github.Deployment(nil), f.Deployments[owner+"/"+repo+"@"+sha]...), nil
}

func (f *Fake) CreateIssue(_ context.Context, owner, repo string, c github.IssueContent) (github.IssueRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateIssue"]++
	if f.FailIssues != nil {
		return github.IssueRef{}, f.FailIssues
	}
	f.nextIssue++
	n := f.nextIssue
	f.Issues[issueKey(owner, repo, n)] = c
	return github.IssueRef{Number: n, URL: fmt.Sprintf("https://github.com/%s/%s/issues/%d", owner, repo, n)}, nil
}

func (f *Fake) UpdateIssue(_ context.Context, owner, repo string, number int, c github.IssueContent) (github.IssueRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateIssue"]++
	if f.FailIssues != nil {
		return github.IssueRef{}, f.FailIssues
	}
	key := issueKey(owner, repo, number)
	if _, ok := f.Issues[key]; !ok {
		return github.IssueRef{}, &github.APIError{Op: "issues.edit", StatusCode: http.StatusNotFound, Err: fmt.Errorf("issue %s not found", key)}
	}
	f.Issues[key] = c
	return github.IssueRef{Number: number, URL: fmt.Sprintf("https://github.com/%s/%s/issues/%d", owner, repo, number)}, nil
}

// Issue returns the stored content of a mirrored issue.
func (f *Fake) Issue(owner, repo string, number int) (github.IssueContent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Issues[issueKey(owner, repo, number)]
	return c, ok
}

func issueKey(owner, repo string, n int) string {
	return strings.ToLower(fmt.Sprintf("%s/%s#%d", owner, repo, n))
}

var _ github.Client = (*Fake)(nil)
