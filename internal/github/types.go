package github

import (
	"encoding/json"
	"fmt"
)

// Repository identifies a GitHub repository. It is a freely copyable
// value with equality on all three fields, which makes it usable as a
// map key in the token cache.
type Repository struct {
	ID    int64
	Owner string
	Repo  string
}

func (r Repository) String() string {
	return r.Owner + "/" + r.Repo
}

// UnmarshalJSON flattens the API's nested repository object
// ({id, owner: {login}, name}) into the value shape.
func (r *Repository) UnmarshalJSON(data []byte) error {
	var received struct {
		ID    int64 `json:"id"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
		Name string `json:"name"`
	}

	if err := json.Unmarshal(data, &received); err != nil {
		return err
	}

	*r = Repository{ID: received.ID, Owner: received.Owner.Login, Repo: received.Name}

	return nil
}

// PRState is the upstream lifecycle state of a pull request.
type PRState string

const (
	PRStateOpen   PRState = "open"
	PRStateClosed PRState = "closed"
)

// PRInfo is the subset of the pull request object the controller consumes.
type PRInfo struct {
	State      PRState
	Merged     bool
	Draft      bool
	CommitHash string // head.sha at fetch time
}

// UnmarshalJSON flattens head.sha into CommitHash.
func (p *PRInfo) UnmarshalJSON(data []byte) error {
	var received struct {
		State  PRState `json:"state"`
		Merged bool    `json:"merged"`
		Draft  bool    `json:"draft"`
		Head   struct {
			Sha string `json:"sha"`
		} `json:"head"`
	}

	if err := json.Unmarshal(data, &received); err != nil {
		return err
	}

	switch received.State {
	case PRStateOpen, PRStateClosed:
	default:
		return fmt.Errorf("unexpected pull request state %q", received.State)
	}

	*p = PRInfo{
		State:      received.State,
		Merged:     received.Merged,
		Draft:      received.Draft,
		CommitHash: received.Head.Sha,
	}

	return nil
}

// RepoInfo is the subset of the repository object the controller consumes.
type RepoInfo struct {
	DefaultBranch string `json:"default_branch"`
}

// CommitStatus is a status to post on a commit via
// POST /repos/{owner}/{repo}/statuses/{sha}.
type CommitStatus struct {
	Context     string `json:"context"`
	State       string `json:"state"` // "pending", "success", "failure", "error"
	Description string `json:"description"`
	TargetURL   string `json:"target_url,omitempty"`
}

// CherryStatus builds a commit status under the bot's status context.
func CherryStatus(state, description string) CommitStatus {
	return CommitStatus{Context: "cherry", State: state, Description: description}
}
