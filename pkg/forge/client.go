// Package forge is the REST client for the Gitea-compatible forge the
// control plane governs. Every call is bounded by a short timeout and
// fails closed: a response that is not the expected shape is a typed
// error, never an empty result.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 5 * time.Second
	listLimit      = 300
)

// APIError is the fail-closed error for any forge call whose response is
// missing, mis-shaped, or non-2xx.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("forge: api failure endpoint=%s status=%d body=%s", e.Endpoint, e.StatusCode, truncateBody(e.Body))
}

func truncateBody(body string) string {
	const max = 200
	if len(body) > max {
		return body[:max] + "..."
	}
	return body
}

// Client talks to one repository on one forge instance.
type Client struct {
	apiBase string
	owner   string
	repo    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// Option adjusts a Client at construction time.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client; the timeout bound
// still applies per request.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.http = httpClient }
}

// WithRateLimit throttles outbound calls.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

// WithLogger attaches a structured logger. Tokens are redacted before
// anything reaches it.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.log = logger }
}

// NewClient builds a client for owner/repo on the forge at apiBase.
// apiBase may be given with or without the /api/v1 suffix.
func NewClient(apiBase, owner, repo, token string, opts ...Option) (*Client, error) {
	base, err := NormalizeAPIBase(apiBase)
	if err != nil {
		return nil, err
	}
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("forge: owner and repo are required")
	}
	c := &Client{
		apiBase: base,
		owner:   owner,
		repo:    repo,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Inf, 0),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NormalizeAPIBase reduces any base URL to its /api/v1 root.
func NormalizeAPIBase(apiBase string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if base == "" {
		return "", fmt.Errorf("forge: missing api base")
	}
	if strings.HasSuffix(base, "/api/v1") {
		return base, nil
	}
	if idx := strings.Index(base, "/api/v1"); idx >= 0 {
		return base[:idx] + "/api/v1", nil
	}
	return base + "/api/v1", nil
}

func (c *Client) repoPath(suffix string) string {
	return fmt.Sprintf("%s/repos/%s/%s%s", c.apiBase, c.owner, c.repo, suffix)
}

// doJSON performs one call and decodes the response into out (when out is
// non-nil). Decode failure is an APIError: a response we cannot read is a
// response we must not act on.
func (c *Client) doJSON(ctx context.Context, method, url, endpoint string, payload any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("forge: rate limit wait: %w", err)
	}
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("forge: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("forge: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}

	c.log.Debug("forge request", "method", method, "url", Redact(url, c.token), "endpoint", endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Endpoint: endpoint, StatusCode: 0, Body: Redact(err.Error(), c.token)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: "unreadable body"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: Redact(string(raw), c.token)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: Redact(string(raw), c.token)}
	}
	return nil
}

// CurrentUser resolves the authenticated account. Used by the preflight
// connectivity check; a forge that cannot answer this cannot be governed.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.doJSON(ctx, http.MethodGet, c.apiBase+"/user", "user", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Redact strips the bearer token and Authorization header values from
// text destined for logs or error messages.
func Redact(text, token string) string {
	if token != "" {
		text = strings.ReplaceAll(text, token, "<redacted>")
	}
	for _, prefix := range []string{"Authorization: token ", "Authorization: Bearer "} {
		if idx := strings.Index(text, prefix); idx >= 0 {
			end := idx + len(prefix)
			for end < len(text) && text[end] != ' ' && text[end] != '\n' {
				end++
			}
			text = text[:idx+len(prefix)] + "<redacted>" + text[end:]
		}
	}
	return text
}
