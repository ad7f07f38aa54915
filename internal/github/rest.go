package github

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	gh "github.com/google/go-github/v68/github"

	"afu9/internal/telemetry"
)

type Options struct {
	Token string
	// BaseURL points at a GitHub Enterprise or test server.
	BaseURL         string
	HTTPClient      *http.Client
	Timeout         time.Duration
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	Logger          *log.Logger
}

// REST implements Client on go-github with per-call timeouts and retry of transient failures.
type REST struct {
	client          *gh.Client
	timeout         time.Duration
	maxElapsed      time.Duration
	initialInterval time.Duration
	logger          *log.Logger
}

func NewREST(opts Options) (*REST, error) {
	client := gh.NewClient(opts.HTTPClient)
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}
	if opts.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	return &REST{
		client:          client,
		timeout:         opts.Timeout,
		maxElapsed:      opts.MaxElapsed,
		initialInterval: opts.InitialInterval,
		logger:          opts.Logger,
	}, nil
}

func (c *REST) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	bo.MaxElapsedTime = c.maxElapsed
	return bo
}

// call runs op with a per-attempt timeout, retrying rate limits, 5xx and network errors.
func (c *REST) call(ctx context.Context, name string, op func(ctx context.Context) (*gh.Response, error)) error {
	var last error
	err := backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		resp, err := op(attemptCtx)
		if err == nil {
			return nil
		}
		last = wrapError(name, resp, err)
		if retryable(resp, err) && ctx.Err() == nil {
			if c.logger != nil {
				c.logger.Printf("github %s: retrying after %v", name, err)
			}
			return last
		}
		return backoff.Permanent(last)
	}, backoff.WithContext(c.newBackoff(), ctx))
	telemetry.RecordGitHubCall(ctx, name, err)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr
		}
		if last != nil {
			return last
		}
		return &APIError{Op: name, Err: err}
	}
	return nil
}

func wrapError(op string, resp *gh.Response, err error) *APIError {
	apiErr := &APIError{Op: op, Err: err}
	if resp != nil && resp.Response != nil {
		apiErr.StatusCode = resp.StatusCode
	}
	var errResp *gh.ErrorResponse
	if apiErr.StatusCode == 0 && errors.As(err, &errResp) && errResp.Response != nil {
		apiErr.StatusCode = errResp.Response.StatusCode
	}
	return apiErr
}

func retryable(resp *gh.Response, err error) bool {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if resp != nil && resp.Response != nil {
		return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *REST) GetPullRequest(ctx context.Context, ref PRRef) (PullRequest, error) {
	var pr *gh.PullRequest
	err := c.call(ctx, "pulls.get", func(ctx context.Context) (*gh.Response, error) {
		var resp *gh.Response
		var err error
		pr, resp, err = c.client.PullRequests.Get(ctx, ref.Owner, ref.Repo, ref.Number)
		return resp, err
	})
	if err != nil {
		return PullRequest{}, err
	}
	out := PullRequest{
		Number:         pr.GetNumber(),
		State:          pr.GetState(),
		Merged:         pr.GetMerged(),
		MergeSHA:       pr.GetMergeCommitSHA(),
		HeadSHA:        pr.GetHead().GetSHA(),
		HeadRef:        pr.GetHead().GetRef(),
		Mergeable:      pr.Mergeable,
		MergeableState: pr.GetMergeableState(),
		HTMLURL:        pr.GetHTMLURL(),
	}
	if !out.Merged {
		out.MergeSHA = ""
	}
	return out, nil
}

func (c *REST) Snapshot(ctx context.Context, ref PRRef, headSHA string) (Snapshot, error) {
	var snap Snapshot
	err := c.call(ctx, "pulls.reviews", func(ctx context.Context) (*gh.Response, error) {
		reviews, resp, err := c.client.PullRequests.ListReviews(ctx, ref.Owner, ref.Repo, ref.Number, &gh.ListOptions{PerPage: 100})
		if err != nil {
			return resp, err
		}
		snap.Reviews = snap.Reviews[:0]
		for _, r := range reviews {
			snap.Reviews = append(snap.Reviews, Review{
				User:        r.GetUser().GetLogin(),
				State:       r.GetState(),
				SubmittedAt: r.GetSubmittedAt().Format(time.RFC3339),
			})
		}
		return resp, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	if headSHA == "" {
		return snap, nil
	}
	err = c.call(ctx, "checks.list", func(ctx context.Context) (*gh.Response, error) {
		res, resp, err := c.client.Checks.ListCheckRunsForRef(ctx, ref.Owner, ref.Repo, headSHA, &gh.ListCheckRunsOptions{ListOptions: gh.ListOptions{PerPage: 100}})
		if err != nil {
			return resp, err
		}
		snap.Checks = snap.Checks[:0]
		for _, run := range res.CheckRuns {
			snap.Checks = append(snap.Checks, CheckRun{Name: run.GetName(), Status: run.GetStatus(), Conclusion: run.GetConclusion()})
		}
		return resp, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// MergePullRequest is not retried: a lost response may still have merged the PR,
// and the caller reconciles through GetPullRequest.
func (c *REST) MergePullRequest(ctx context.Context, ref PRRef, method, commitTitle string) (MergeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, resp, err := c.client.PullRequests.Merge(ctx, ref.Owner, ref.Repo, ref.Number, "", &gh.PullRequestOptions{
		CommitTitle: commitTitle,
		MergeMethod: method,
	})
	telemetry.RecordGitHubCall(ctx, "pulls.merge", err)
	if err != nil {
		return MergeResult{}, wrapError("pulls.merge", resp, err)
	}
	return MergeResult{SHA: res.GetSHA(), Merged: res.GetMerged(), Message: res.GetMessage()}, nil
}

func (c *REST) ListDeployments(ctx context.Context, owner, repo, sha string) ([]Deployment, error) {
	var out []Deployment
	err := c.call(ctx, "deployments.list", func(ctx context.Context) (*gh.Response, error) {
		deps, resp, err := c.client.Repositories.ListDeployments(ctx, owner, repo, &gh.DeploymentsListOptions{SHA: sha, ListOptions: gh.ListOptions{PerPage: 100}})
		if err != nil {
			return resp, err
		}
		out = out[:0]
		for _, d := range deps {
			out = append(out, Deployment{
				ID:          d.GetID(),
				Environment: d.GetEnvironment(),
				SHA:         d.GetSHA(),
				CreatedAt:   d.GetCreatedAt().Format(time.RFC3339),
			})
		}
		return resp, nil
	})
	return out, err
}

func issueRequest(c IssueContent) *gh.IssueRequest {
	labels := append([]string{}, c.Labels...)
	return &gh.IssueRequest{
		Title:  gh.Ptr(c.Title),
		Body:   gh.Ptr(c.Body),
		Labels: &labels,
	}
}

// CreateIssue is not retried to avoid duplicate issues on a lost response.
func (c *REST) CreateIssue(ctx context.Context, owner, repo string, content IssueContent) (IssueRef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	is, resp, err := c.client.Issues.Create(ctx, owner, repo, issueRequest(content))
	telemetry.RecordGitHubCall(ctx, "issues.create", err)
	if err != nil {
		return IssueRef{}, wrapError("issues.create", resp, err)
	}
	return IssueRef{Number: is.GetNumber(), URL: is.GetHTMLURL()}, nil
}

func (c *REST) UpdateIssue(ctx context.Context, owner, repo string, number int, content IssueContent) (IssueRef, error) {
	var is *gh.Issue
	err := c.call(ctx, "issues.edit", func(ctx context.Context) (*gh.Response, error) {
		var resp *gh.Response
		var err error
		is, resp, err = c.client.Issues.Edit(ctx, owner, repo, number, issueRequest(content))
		return resp, err
	})
	if err != nil {
		return IssueRef{}, err
	}
	return IssueRef{Number: is.GetNumber(), URL: is.GetHTMLURL()}, nil
}
