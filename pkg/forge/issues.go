package forge

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Repository is the canonical owner/name record.
type Repository struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
	DefaultBranch string `json:"default_branch"`
}

// Label is a forge issue label.
type Label struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Color       string `json:"color"`
	Description string `json:"description"`
}

// Milestone groups issues into a delivery phase.
type Milestone struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	State string `json:"state"`
}

// Issue is a forge issue, labels and milestone included.
type Issue struct {
	Number    int64      `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"`
	Labels    []Label    `json:"labels"`
	Milestone *Milestone `json:"milestone"`
}

// TimelineEvent is one entry of an issue's timeline; label events carry
// the label and a creation time used for stale-claim age computation.
type TimelineEvent struct {
	Type      string    `json:"type"`
	Label     *Label    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// HasLabel reports whether the issue carries a label by name.
func (i Issue) HasLabel(name string) bool {
	for _, label := range i.Labels {
		if label.Name == name {
			return true
		}
	}
	return false
}

// Repository resolves the canonical owner/name of the governed repo.
func (c *Client) Repository(ctx context.Context) (Repository, error) {
	var repo Repository
	err := c.doJSON(ctx, http.MethodGet, c.repoPath(""), "repo", nil, &repo)
	return repo, err
}

// Issues lists issues in the given state ("open" or "all"), sorted by
// ascending number.
func (c *Client) Issues(ctx context.Context, state string) ([]Issue, error) {
	url := c.repoPath(fmt.Sprintf("/issues?state=%s&limit=%d", state, listLimit))
	var issues []Issue
	if err := c.doJSON(ctx, http.MethodGet, url, "issues", nil, &issues); err != nil {
		return nil, err
	}
	if issues == nil {
		return nil, &APIError{Endpoint: "issues", StatusCode: http.StatusOK, Body: "expected list"}
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].Number < issues[j].Number })
	return issues, nil
}

// IssueTimeline returns the timeline of one issue, oldest first.
func (c *Client) IssueTimeline(ctx context.Context, number int64) ([]TimelineEvent, error) {
	url := c.repoPath(fmt.Sprintf("/issues/%d/timeline", number))
	var events []TimelineEvent
	endpoint := fmt.Sprintf("issues/%d/timeline", number)
	if err := c.doJSON(ctx, http.MethodGet, url, endpoint, nil, &events); err != nil {
		return nil, err
	}
	if events == nil {
		return nil, &APIError{Endpoint: endpoint, StatusCode: http.StatusOK, Body: "expected list"}
	}
	return events, nil
}

// AddLabel attaches an existing label to an issue.
func (c *Client) AddLabel(ctx context.Context, number, labelID int64) error {
	url := c.repoPath(fmt.Sprintf("/issues/%d/labels", number))
	payload := map[string]any{"labels": []int64{labelID}}
	return c.doJSON(ctx, http.MethodPost, url, fmt.Sprintf("issues/%d/labels", number), payload, nil)
}

// RemoveLabel detaches a label from an issue.
func (c *Client) RemoveLabel(ctx context.Context, number, labelID int64) error {
	url := c.repoPath(fmt.Sprintf("/issues/%d/labels/%d", number, labelID))
	return c.doJSON(ctx, http.MethodDelete, url, fmt.Sprintf("issues/%d/labels/%d", number, labelID), nil, nil)
}

// CreateLabel defines a repository label and returns it with its id.
func (c *Client) CreateLabel(ctx context.Context, name, color, description string) (Label, error) {
	payload := map[string]string{"name": name, "color": color, "description": description}
	var label Label
	err := c.doJSON(ctx, http.MethodPost, c.repoPath("/labels"), "labels", payload, &label)
	return label, err
}

// Labels lists the repository's labels.
func (c *Client) Labels(ctx context.Context) ([]Label, error) {
	var labels []Label
	if err := c.doJSON(ctx, http.MethodGet, c.repoPath("/labels"), "labels", nil, &labels); err != nil {
		return nil, err
	}
	if labels == nil {
		return nil, &APIError{Endpoint: "labels", StatusCode: http.StatusOK, Body: "expected list"}
	}
	return labels, nil
}

// CommentOnIssue appends a comment to an issue.
func (c *Client) CommentOnIssue(ctx context.Context, number int64, body string) error {
	url := c.repoPath(fmt.Sprintf("/issues/%d/comments", number))
	return c.doJSON(ctx, http.MethodPost, url, fmt.Sprintf("issues/%d/comments", number), map[string]string{"body": body}, nil)
}

// CreateIssue opens a new issue carrying the given labels.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labelIDs []int64) (Issue, error) {
	payload := map[string]any{"title": title, "body": body, "labels": labelIDs}
	var issue Issue
	err := c.doJSON(ctx, http.MethodPost, c.repoPath("/issues"), "issues", payload, &issue)
	return issue, err
}

// CloseIssue moves an issue to the closed state.
func (c *Client) CloseIssue(ctx context.Context, number int64) error {
	url := c.repoPath(fmt.Sprintf("/issues/%d", number))
	return c.doJSON(ctx, http.MethodPatch, url, fmt.Sprintf("issues/%d", number), map[string]string{"state": "closed"}, nil)
}

// Milestones lists every milestone regardless of state.
func (c *Client) Milestones(ctx context.Context) ([]Milestone, error) {
	var milestones []Milestone
	if err := c.doJSON(ctx, http.MethodGet, c.repoPath("/milestones?state=all"), "milestones", nil, &milestones); err != nil {
		return nil, err
	}
	if milestones == nil {
		return nil, &APIError{Endpoint: "milestones", StatusCode: http.StatusOK, Body: "expected list"}
	}
	return milestones, nil
}
