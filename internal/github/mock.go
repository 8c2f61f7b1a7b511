package github

import (
	"context"
	"fmt"
	"sync"
)

// MockCall records a single method call made to the mock API.
type MockCall struct {
	Method string
	Args   []any
}

// MockAPI is a test double for API that records all calls and returns
// configurable responses. Safe for concurrent use.
type MockAPI struct {
	mu    sync.Mutex
	Calls []MockCall

	// Response configurators. Set these before calling the method under
	// test. Each returns (result, error). If nil, the method returns a
	// zero value and nil error unless noted otherwise.

	PRInfoFn             func(ctx context.Context, repo Repository, number int64) (*PRInfo, error)
	RepoInfoFn           func(ctx context.Context, repo Repository) (*RepoInfo, error)
	CommentOnPRFn        func(ctx context.Context, repo Repository, number int64, body string) error
	CreateBranchFn       func(ctx context.Context, repo Repository, name, sha string) error
	DeleteBranchFn       func(ctx context.Context, repo Repository, name string) error
	BranchSHAFn          func(ctx context.Context, repo Repository, name string) (string, error)
	MergeBranchFn        func(ctx context.Context, repo Repository, base, head string) (string, error)
	MergePRFn            func(ctx context.Context, repo Repository, number int64) error
	CreateCommitStatusFn func(ctx context.Context, repo Repository, sha string, status CommitStatus) error
	CombinedStatusFn     func(ctx context.Context, repo Repository, ref string) (string, error)
}

var _ API = (*MockAPI)(nil)

func (m *MockAPI) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

// CallsTo returns all recorded calls to the named method.
func (m *MockAPI) CallsTo(method string) []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []MockCall
	for _, c := range m.Calls {
		if c.Method == method {
			result = append(result, c)
		}
	}

	return result
}

// Comments returns the bodies of all recorded CommentOnPR calls.
func (m *MockAPI) Comments() []string {
	var bodies []string
	for _, c := range m.CallsTo("CommentOnPR") {
		bodies = append(bodies, c.Args[2].(string))
	}

	return bodies
}

// Reset clears all recorded calls.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
}

func (m *MockAPI) PRInfo(ctx context.Context, repo Repository, number int64) (*PRInfo, error) {
	m.record("PRInfo", repo, number)

	if m.PRInfoFn != nil {
		return m.PRInfoFn(ctx, repo, number)
	}

	return nil, fmt.Errorf("PR #%d not found", number)
}

func (m *MockAPI) RepoInfo(ctx context.Context, repo Repository) (*RepoInfo, error) {
	m.record("RepoInfo", repo)

	if m.RepoInfoFn != nil {
		return m.RepoInfoFn(ctx, repo)
	}

	return &RepoInfo{DefaultBranch: "main"}, nil
}

func (m *MockAPI) CommentOnPR(ctx context.Context, repo Repository, number int64, body string) error {
	m.record("CommentOnPR", repo, number, body)

	if m.CommentOnPRFn != nil {
		return m.CommentOnPRFn(ctx, repo, number, body)
	}

	return nil
}

func (m *MockAPI) CreateBranch(ctx context.Context, repo Repository, name, sha string) error {
	m.record("CreateBranch", repo, name, sha)

	if m.CreateBranchFn != nil {
		return m.CreateBranchFn(ctx, repo, name, sha)
	}

	return nil
}

func (m *MockAPI) DeleteBranch(ctx context.Context, repo Repository, name string) error {
	m.record("DeleteBranch", repo, name)

	if m.DeleteBranchFn != nil {
		return m.DeleteBranchFn(ctx, repo, name)
	}

	return nil
}

func (m *MockAPI) BranchSHA(ctx context.Context, repo Repository, name string) (string, error) {
	m.record("BranchSHA", repo, name)

	if m.BranchSHAFn != nil {
		return m.BranchSHAFn(ctx, repo, name)
	}

	return "", nil
}

func (m *MockAPI) MergeBranch(ctx context.Context, repo Repository, base, head string) (string, error) {
	m.record("MergeBranch", repo, base, head)

	if m.MergeBranchFn != nil {
		return m.MergeBranchFn(ctx, repo, base, head)
	}

	return "merge-" + head, nil
}

func (m *MockAPI) MergePR(ctx context.Context, repo Repository, number int64) error {
	m.record("MergePR", repo, number)

	if m.MergePRFn != nil {
		return m.MergePRFn(ctx, repo, number)
	}

	return nil
}

func (m *MockAPI) CreateCommitStatus(ctx context.Context, repo Repository, sha string, status CommitStatus) error {
	m.record("CreateCommitStatus", repo, sha, status)

	if m.CreateCommitStatusFn != nil {
		return m.CreateCommitStatusFn(ctx, repo, sha, status)
	}

	return nil
}

func (m *MockAPI) CombinedStatus(ctx context.Context, repo Repository, ref string) (string, error) {
	m.record("CombinedStatus", repo, ref)

	if m.CombinedStatusFn != nil {
		return m.CombinedStatusFn(ctx, repo, ref)
	}

	return "pending", nil
}
