// Package github provides the credentialled GitHub API client cherry
// uses: a token cache over the App's two token tiers (app JWT and
// per-installation access tokens) and the handful of REST endpoints the
// controller and command pipeline invoke. The API interface enables
// testing the controller entirely with mocks.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultBaseURL = "https://api.github.com"
	userAgent      = "cryslith/cherry"
	acceptHeader   = "application/vnd.github.machine-man-preview+json"

	requestTimeout = 30 * time.Second
)

// API is the GitHub surface cherry consumes. All methods accept a
// context for cancellation and return an error on failure.
type API interface {
	// PRInfo returns the subset of pull request metadata the controller
	// reads. GET /repos/{owner}/{repo}/pulls/{number}
	PRInfo(ctx context.Context, repo Repository, number int64) (*PRInfo, error)

	// RepoInfo returns repository metadata (default branch).
	// GET /repos/{owner}/{repo}
	RepoInfo(ctx context.Context, repo Repository) (*RepoInfo, error)

	// CommentOnPR posts a comment on a pull request (or issue).
	// POST /repos/{owner}/{repo}/issues/{number}/comments
	CommentOnPR(ctx context.Context, repo Repository, number int64, body string) error

	// CreateBranch creates refs/heads/{name} pointing at sha.
	// POST /repos/{owner}/{repo}/git/refs
	CreateBranch(ctx context.Context, repo Repository, name, sha string) error

	// DeleteBranch deletes refs/heads/{name}.
	// DELETE /repos/{owner}/{repo}/git/refs/heads/{name}
	DeleteBranch(ctx context.Context, repo Repository, name string) error

	// BranchSHA returns the head commit of a branch.
	// GET /repos/{owner}/{repo}/branches/{name}
	BranchSHA(ctx context.Context, repo Repository, name string) (string, error)

	// MergeBranch merges head into base and returns the merge commit
	// SHA. Returns "" when there was nothing to merge (base already
	// contains head). A conflict surfaces as an error recognizable via
	// IsMergeConflict. POST /repos/{owner}/{repo}/merges
	MergeBranch(ctx context.Context, repo Repository, base, head string) (string, error)

	// MergePR lands a pull request on its target branch.
	// PUT /repos/{owner}/{repo}/pulls/{number}/merge
	MergePR(ctx context.Context, repo Repository, number int64) error

	// CreateCommitStatus posts a commit status on a specific SHA.
	// POST /repos/{owner}/{repo}/statuses/{sha}
	CreateCommitStatus(ctx context.Context, repo Repository, sha string, status CommitStatus) error

	// CombinedStatus returns the combined CI state ("success",
	// "pending", "failure") for a ref.
	// GET /repos/{owner}/{repo}/commits/{ref}/status
	CombinedStatus(ctx context.Context, repo Repository, ref string) (string, error)
}

// Client implements API against the GitHub REST API, minting and
// caching tokens as needed. Safe for concurrent use; the cache may be
// shared between many clients.
type Client struct {
	credentials Credentials
	cache       *TokenCache
	baseURL     string
	httpClient  *http.Client
}

var _ API = (*Client)(nil)

// NewClient creates a client bound to credentials and a shared token
// cache. baseURL overrides the API endpoint when non-empty (tests).
func NewClient(credentials Credentials, cache *TokenCache, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		credentials: credentials,
		cache:       cache,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: requestTimeout},
	}
}

// APIError represents a >=400 response. The body is kept both parsed
// (GitHub's {message, errors} envelope) and raw, so callers can match
// on status and humans can read whichever form the server produced.
type APIError struct {
	StatusCode int
	Message    string // parsed "message" field, if the body was JSON
	Body       string // raw body text
}

func (e *APIError) Error() string {
	detail := e.Message
	if detail == "" {
		detail = e.Body
	}

	return fmt.Sprintf("github API error (status %d): %s", e.StatusCode, detail)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsMergeConflict reports whether err is the 409 a conflicting
// POST /merges produces.
func IsMergeConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// authTier selects which Authorization header a request carries.
type authTier int

const (
	tierNone authTier = iota
	tierApp
	tierRepo
)

// appToken returns a fresh app JWT, from cache when possible. Minting
// is purely local (an RS256 signature), but the cache discipline is the
// same as for installation tokens: read under the lock, mint outside
// it, write back under the lock.
func (c *Client) appToken() (Token, error) {
	now := time.Now()
	if t, ok := c.cache.App(now); ok {
		return t, nil
	}

	t, err := mintAppToken(c.credentials, now)
	if err != nil {
		return Token{}, fmt.Errorf("sign app JWT: %w", err)
	}

	c.cache.SetApp(t)

	return t, nil
}

// installationToken returns a fresh installation token for repo, from
// cache when possible. Minting needs two API calls, performed without
// holding the cache lock; racing renewals do duplicate work but are
// otherwise harmless.
func (c *Client) installationToken(ctx context.Context, repo Repository) (Token, error) {
	now := time.Now()
	if t, ok := c.cache.Installation(repo, now); ok {
		return t, nil
	}

	var installation struct {
		ID int64 `json:"id"`
	}
	path := fmt.Sprintf("/repos/%s/%s/installation", repo.Owner, repo.Repo)
	if err := c.call(ctx, tierApp, Repository{}, http.MethodGet, path, nil, &installation); err != nil {
		return Token{}, fmt.Errorf("look up installation for %s: %w", repo, err)
	}

	var created struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	body := map[string]any{
		"permissions": map[string]string{
			"issues":        "write",
			"contents":      "write",
			"pull_requests": "write",
			"statuses":      "write",
		},
	}
	path = fmt.Sprintf("/app/installations/%d/access_tokens", installation.ID)
	if err := c.call(ctx, tierApp, Repository{}, http.MethodPost, path, body, &created); err != nil {
		return Token{}, fmt.Errorf("create installation token for %s: %w", repo, err)
	}

	t := Token{Value: created.Token, RenewDeadline: created.ExpiresAt.Add(-renewAhead)}
	c.cache.SetInstallation(repo, t)

	return t, nil
}

// call performs one API request at the given tier, retrying transport
// errors and 5xx responses with fibonacci backoff. out, when non-nil,
// receives the decoded JSON response body.
func (c *Client) call(ctx context.Context, tier authTier, repo Repository, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	var token string
	switch tier {
	case tierNone:
	case tierApp:
		t, err := c.appToken()
		if err != nil {
			return err
		}

		token = t.Value
	case tierRepo:
		t, err := c.installationToken(ctx, repo)
		if err != nil {
			return err
		}

		token = t.Value
	}

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Accept", acceptHeader)
		req.Header.Set("User-Agent", userAgent)

		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("execute request %s %s: %w", method, path, err))
		}

		defer func() {
			_ = resp.Body.Close()
		}()

		if err := responseOK(resp); err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode >= 500 {
				return retry.RetryableError(err)
			}

			return err
		}

		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response from %s %s: %w", method, path, err)
		}

		return nil
	})
}

// responseOK turns any >=400 response into an *APIError, preferring the
// structured {message, errors} body over raw text. The response body is
// consumed on failure.
func responseOK(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	raw, _ := io.ReadAll(resp.Body)

	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}

	var envelope struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		apiErr.Message = envelope.Message
	}

	return apiErr
}

func (c *Client) PRInfo(ctx context.Context, repo Repository, number int64) (*PRInfo, error) {
	var pr PRInfo

	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", repo.Owner, repo.Repo, number)
	if err := c.call(ctx, tierRepo, repo, http.MethodGet, path, nil, &pr); err != nil {
		return nil, fmt.Errorf("get PR #%d in %s: %w", number, repo, err)
	}

	return &pr, nil
}

func (c *Client) RepoInfo(ctx context.Context, repo Repository) (*RepoInfo, error) {
	var info RepoInfo

	path := fmt.Sprintf("/repos/%s/%s", repo.Owner, repo.Repo)
	if err := c.call(ctx, tierRepo, repo, http.MethodGet, path, nil, &info); err != nil {
		return nil, fmt.Errorf("get repo %s: %w", repo, err)
	}

	return &info, nil
}

func (c *Client) CommentOnPR(ctx context.Context, repo Repository, number int64, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", repo.Owner, repo.Repo, number)
	payload := map[string]string{"body": body}

	if err := c.call(ctx, tierRepo, repo, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("comment on #%d in %s: %w", number, repo, err)
	}

	return nil
}

func (c *Client) CreateBranch(ctx context.Context, repo Repository, name, sha string) error {
	path := fmt.Sprintf("/repos/%s/%s/git/refs", repo.Owner, repo.Repo)
	payload := map[string]string{"ref": "refs/heads/" + name, "sha": sha}

	if err := c.call(ctx, tierRepo, repo, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("create branch %s in %s: %w", name, repo, err)
	}

	return nil
}

func (c *Client) DeleteBranch(ctx context.Context, repo Repository, name string) error {
	path := fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", repo.Owner, repo.Repo, name)

	if err := c.call(ctx, tierRepo, repo, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete branch %s in %s: %w", name, repo, err)
	}

	return nil
}

func (c *Client) BranchSHA(ctx context.Context, repo Repository, name string) (string, error) {
	var branch struct {
		Commit struct {
			Sha string `json:"sha"`
		} `json:"commit"`
	}

	path := fmt.Sprintf("/repos/%s/%s/branches/%s", repo.Owner, repo.Repo, name)
	if err := c.call(ctx, tierRepo, repo, http.MethodGet, path, nil, &branch); err != nil {
		return "", fmt.Errorf("get branch %s in %s: %w", name, repo, err)
	}

	return branch.Commit.Sha, nil
}

func (c *Client) MergeBranch(ctx context.Context, repo Repository, base, head string) (string, error) {
	var merge struct {
		Sha string `json:"sha"`
	}

	path := fmt.Sprintf("/repos/%s/%s/merges", repo.Owner, repo.Repo)
	payload := map[string]string{"base": base, "head": head}

	if err := c.call(ctx, tierRepo, repo, http.MethodPost, path, payload, &merge); err != nil {
		return "", fmt.Errorf("merge %s into %s in %s: %w", head, base, repo, err)
	}

	// 204 means base already contained head; merge.Sha stays empty.
	return merge.Sha, nil
}

func (c *Client) MergePR(ctx context.Context, repo Repository, number int64) error {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", repo.Owner, repo.Repo, number)
	payload := map[string]string{"merge_method": "merge"}

	if err := c.call(ctx, tierRepo, repo, http.MethodPut, path, payload, nil); err != nil {
		return fmt.Errorf("merge PR #%d in %s: %w", number, repo, err)
	}

	return nil
}

func (c *Client) CreateCommitStatus(ctx context.Context, repo Repository, sha string, status CommitStatus) error {
	path := fmt.Sprintf("/repos/%s/%s/statuses/%s", repo.Owner, repo.Repo, sha)

	if err := c.call(ctx, tierRepo, repo, http.MethodPost, path, status, nil); err != nil {
		return fmt.Errorf("set status on %s in %s: %w", sha, repo, err)
	}

	return nil
}

func (c *Client) CombinedStatus(ctx context.Context, repo Repository, ref string) (string, error) {
	var combined struct {
		State string `json:"state"`
	}

	path := fmt.Sprintf("/repos/%s/%s/commits/%s/status", repo.Owner, repo.Repo, ref)
	if err := c.call(ctx, tierRepo, repo, http.MethodGet, path, nil, &combined); err != nil {
		return "", fmt.Errorf("get combined status for %s in %s: %w", ref, repo, err)
	}

	return combined.State, nil
}
