package forge

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Branch identifies one side of a pull request.
type Branch struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// User is a forge account reference. Type distinguishes bot accounts
// from humans in review evaluation.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Type  string `json:"type"`
}

// PullRequest is an open PR under governance.
type PullRequest struct {
	Number int64  `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	User   User   `json:"user"`
	Base   Branch `json:"base"`
	Head   Branch `json:"head"`
}

// Review is one submitted PR review.
type Review struct {
	ID          int64  `json:"id"`
	User        User   `json:"user"`
	State       string `json:"state"`
	Body        string `json:"body"`
	SubmittedAt string `json:"submitted_at"`
}

// CommitVerification is the forge's own signature verdict on a commit.
type CommitVerification struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason"`
}

// Commit is one commit of a PR, with whatever signature evidence the
// forge supplied inline.
type Commit struct {
	SHA          string              `json:"sha"`
	Verification *CommitVerification `json:"verification"`
	Commit       struct {
		Message      string              `json:"message"`
		Verification *CommitVerification `json:"verification"`
	} `json:"commit"`

	Signature SignatureEvidence `json:"-"`
}

// CommitStatus is one status line posted against a commit.
type CommitStatus struct {
	State       string `json:"state"`
	Context     string `json:"context"`
	Description string `json:"description"`
}

// OpenPullRequests lists open PRs whose base branch is in targetBranches,
// sorted by ascending number. A nil set defaults to {main, develop}.
func (c *Client) OpenPullRequests(ctx context.Context, targetBranches map[string]bool) ([]PullRequest, error) {
	if targetBranches == nil {
		targetBranches = map[string]bool{"main": true, "develop": true}
	}
	url := c.repoPath(fmt.Sprintf("/pulls?state=open&limit=%d", listLimit))
	var pulls []PullRequest
	if err := c.doJSON(ctx, http.MethodGet, url, "pulls", nil, &pulls); err != nil {
		return nil, err
	}
	if pulls == nil {
		return nil, &APIError{Endpoint: "pulls", StatusCode: http.StatusOK, Body: "expected list"}
	}
	selected := make([]PullRequest, 0, len(pulls))
	for _, pr := range pulls {
		if targetBranches[strings.TrimSpace(pr.Base.Ref)] {
			selected = append(selected, pr)
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].Number < selected[j].Number })
	return selected, nil
}

// PullRequestFiles returns the sorted, deduplicated set of file paths a
// PR touches. Entries without a filename are dropped.
func (c *Client) PullRequestFiles(ctx context.Context, number int64) ([]string, error) {
	url := c.repoPath(fmt.Sprintf("/pulls/%d/files", number))
	endpoint := fmt.Sprintf("pulls/%d/files", number)
	var entries []struct {
		Filename string `json:"filename"`
	}
	if err := c.doJSON(ctx, http.MethodGet, url, endpoint, nil, &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, &APIError{Endpoint: endpoint, StatusCode: http.StatusOK, Body: "expected list"}
	}
	seen := make(map[string]bool, len(entries))
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := strings.TrimSpace(entry.Filename)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// PullRequestReviews lists the reviews submitted on a PR.
func (c *Client) PullRequestReviews(ctx context.Context, number int64) ([]Review, error) {
	url := c.repoPath(fmt.Sprintf("/pulls/%d/reviews", number))
	endpoint := fmt.Sprintf("pulls/%d/reviews", number)
	var reviews []Review
	if err := c.doJSON(ctx, http.MethodGet, url, endpoint, nil, &reviews); err != nil {
		return nil, err
	}
	if reviews == nil {
		return nil, &APIError{Endpoint: endpoint, StatusCode: http.StatusOK, Body: "expected list"}
	}
	return reviews, nil
}

// PullRequestCommits lists a PR's commits enriched with signature
// evidence. Forge-side verification wins when present; otherwise the
// configured prober supplies a local verdict. An empty commit list fails
// closed, since commit-signing gates cannot pass vacuously.
func (c *Client) PullRequestCommits(ctx context.Context, number int64, prober SignatureProber) ([]Commit, error) {
	url := c.repoPath(fmt.Sprintf("/pulls/%d/commits", number))
	endpoint := fmt.Sprintf("pulls/%d/commits", number)
	var commits []Commit
	if err := c.doJSON(ctx, http.MethodGet, url, endpoint, nil, &commits); err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, &APIError{Endpoint: endpoint, StatusCode: http.StatusOK, Body: "empty"}
	}
	if prober != nil {
		if err := prober.FetchPullHead(ctx, number); err != nil {
			c.log.Warn("pull head fetch failed, probing without it", "pr", number, "error", err)
		}
	}
	for i := range commits {
		verification := commits[i].Verification
		if verification == nil {
			verification = commits[i].Commit.Verification
		}
		if verification != nil {
			commits[i].Signature = SignatureEvidence{
				Verifiable: true,
				Verified:   verification.Verified,
				Source:     "gitea",
			}
			continue
		}
		if prober != nil {
			commits[i].Signature = prober.Probe(ctx, commits[i].SHA)
		} else {
			commits[i].Signature = SignatureEvidence{Source: "none", Reason: "no_verification_data"}
		}
	}
	return commits, nil
}

// CommitStatuses lists the statuses posted against a commit.
func (c *Client) CommitStatuses(ctx context.Context, sha string) ([]CommitStatus, error) {
	url := c.repoPath(fmt.Sprintf("/commits/%s/statuses", sha))
	endpoint := fmt.Sprintf("commits/%s/statuses", sha)
	var statuses []CommitStatus
	if err := c.doJSON(ctx, http.MethodGet, url, endpoint, nil, &statuses); err != nil {
		return nil, err
	}
	if statuses == nil {
		return nil, &APIError{Endpoint: endpoint, StatusCode: http.StatusOK, Body: "expected list"}
	}
	return statuses, nil
}

// PostStatus publishes a commit status.
func (c *Client) PostStatus(ctx context.Context, sha, state, statusContext, description string) error {
	url := c.repoPath(fmt.Sprintf("/statuses/%s", sha))
	payload := map[string]string{
		"state":       state,
		"context":     statusContext,
		"description": description,
	}
	return c.doJSON(ctx, http.MethodPost, url, fmt.Sprintf("statuses/%s", sha), payload, nil)
}
