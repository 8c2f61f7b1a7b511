package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx, so every query can run
// either standalone or inside a caller-owned transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries is a handle for typed queries over a database or transaction.
type Queries struct {
	db DBTX
}

// New creates a Queries handle.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// PullRequest is a row of the pull_request table. State holds the
// snake-case name of a controller PrState; the controller owns the
// mapping.
type PullRequest struct {
	Owner      string
	Repo       string
	Number     int64
	CommitHash string
	State      string
	Timestamp  int64
}

// MergeAttempt is a row of the merge_attempt table.
type MergeAttempt struct {
	ID         string
	Owner      string
	Repo       string
	BranchName string
	State      string
	Timestamp  int64
}

// RepoRef identifies a repository by owner and name.
type RepoRef struct {
	Owner string
	Repo  string
}

func scanPullRequest(row pgx.CollectableRow) (PullRequest, error) {
	var pr PullRequest
	err := row.Scan(&pr.Owner, &pr.Repo, &pr.Number, &pr.CommitHash, &pr.State, &pr.Timestamp)

	return pr, err
}

func scanMergeAttempt(row pgx.CollectableRow) (MergeAttempt, error) {
	var a MergeAttempt
	err := row.Scan(&a.ID, &a.Owner, &a.Repo, &a.BranchName, &a.State, &a.Timestamp)

	return a, err
}

const pullRequestColumns = `owner, repo, number, commit_hash, state, timestamp`

// InsertPullRequest inserts a new pull_request row. A duplicate
// (owner, repo, number) surfaces as a unique-constraint violation.
func (q *Queries) InsertPullRequest(ctx context.Context, pr PullRequest) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO pull_request (`+pullRequestColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		pr.Owner, pr.Repo, pr.Number, pr.CommitHash, pr.State, pr.Timestamp)

	return err
}

// GetPullRequest returns a pull_request row, or pgx.ErrNoRows.
func (q *Queries) GetPullRequest(ctx context.Context, owner, repo string, number int64) (PullRequest, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+pullRequestColumns+` FROM pull_request
		 WHERE owner = $1 AND repo = $2 AND number = $3`,
		owner, repo, number)
	if err != nil {
		return PullRequest{}, err
	}

	return pgx.CollectOneRow(rows, scanPullRequest)
}

// DeletePullRequest removes a pull_request row if present.
func (q *Queries) DeletePullRequest(ctx context.Context, owner, repo string, number int64) error {
	_, err := q.db.Exec(ctx,
		`DELETE FROM pull_request WHERE owner = $1 AND repo = $2 AND number = $3`,
		owner, repo, number)

	return err
}

// UpdatePullRequestState transitions a pull_request row and bumps its
// timestamp. The commit hash is never updated: a moved head means the
// row gets deleted instead.
func (q *Queries) UpdatePullRequestState(ctx context.Context, owner, repo string, number int64, state string, timestamp int64) error {
	_, err := q.db.Exec(ctx,
		`UPDATE pull_request SET state = $4, timestamp = $5
		 WHERE owner = $1 AND repo = $2 AND number = $3`,
		owner, repo, number, state, timestamp)

	return err
}

// ListPullRequestsByState returns the repo's pull_request rows in the
// given state, oldest first.
func (q *Queries) ListPullRequestsByState(ctx context.Context, owner, repo, state string) ([]PullRequest, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+pullRequestColumns+` FROM pull_request
		 WHERE owner = $1 AND repo = $2 AND state = $3
		 ORDER BY timestamp, number`,
		owner, repo, state)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, scanPullRequest)
}

const mergeAttemptColumns = `id, owner, repo, branch_name, state, timestamp`

// InsertMergeAttempt inserts a new merge_attempt row.
func (q *Queries) InsertMergeAttempt(ctx context.Context, a MergeAttempt) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO merge_attempt (`+mergeAttemptColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Owner, a.Repo, a.BranchName, a.State, a.Timestamp)

	return err
}

// GetMergeAttempt returns a merge_attempt row by id, or pgx.ErrNoRows.
func (q *Queries) GetMergeAttempt(ctx context.Context, id string) (MergeAttempt, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+mergeAttemptColumns+` FROM merge_attempt WHERE id = $1`, id)
	if err != nil {
		return MergeAttempt{}, err
	}

	return pgx.CollectOneRow(rows, scanMergeAttempt)
}

// ActiveMergeAttempt returns the repo's attempt in a non-split state,
// or pgx.ErrNoRows. The progress invariant allows at most one.
func (q *Queries) ActiveMergeAttempt(ctx context.Context, owner, repo string) (MergeAttempt, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+mergeAttemptColumns+` FROM merge_attempt
		 WHERE owner = $1 AND repo = $2 AND state <> 'split'`,
		owner, repo)
	if err != nil {
		return MergeAttempt{}, err
	}

	return pgx.CollectOneRow(rows, scanMergeAttempt)
}

// OldestSplitAttempt returns the repo's longest-waiting split attempt,
// or pgx.ErrNoRows.
func (q *Queries) OldestSplitAttempt(ctx context.Context, owner, repo string) (MergeAttempt, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+mergeAttemptColumns+` FROM merge_attempt
		 WHERE owner = $1 AND repo = $2 AND state = 'split'
		 ORDER BY timestamp, id
		 LIMIT 1`,
		owner, repo)
	if err != nil {
		return MergeAttempt{}, err
	}

	return pgx.CollectOneRow(rows, scanMergeAttempt)
}

// ListAttemptsByState returns the repo's attempts in the given state.
func (q *Queries) ListAttemptsByState(ctx context.Context, owner, repo, state string) ([]MergeAttempt, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+mergeAttemptColumns+` FROM merge_attempt
		 WHERE owner = $1 AND repo = $2 AND state = $3
		 ORDER BY timestamp, id`,
		owner, repo, state)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, scanMergeAttempt)
}

// UpdateAttemptState transitions a merge_attempt row and bumps its
// timestamp.
func (q *Queries) UpdateAttemptState(ctx context.Context, id, state string, timestamp int64) error {
	_, err := q.db.Exec(ctx,
		`UPDATE merge_attempt SET state = $2, timestamp = $3 WHERE id = $1`,
		id, state, timestamp)

	return err
}

// UpdateAttemptBranch records the trial branch an attempt is built on.
func (q *Queries) UpdateAttemptBranch(ctx context.Context, id, branchName string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE merge_attempt SET branch_name = $2 WHERE id = $1`,
		id, branchName)

	return err
}

// DeleteMergeAttempt removes an attempt and its PR associations.
func (q *Queries) DeleteMergeAttempt(ctx context.Context, id string) error {
	if _, err := q.db.Exec(ctx,
		`DELETE FROM attempt_pull_request WHERE attempt_id = $1`, id); err != nil {
		return err
	}

	_, err := q.db.Exec(ctx, `DELETE FROM merge_attempt WHERE id = $1`, id)

	return err
}

// AddAttemptPR associates a PR with an attempt.
func (q *Queries) AddAttemptPR(ctx context.Context, attemptID, owner, repo string, number int64) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO attempt_pull_request (attempt_id, owner, repo, pr_number) VALUES ($1, $2, $3, $4)`,
		attemptID, owner, repo, number)

	return err
}

// RemoveAttemptPR removes one PR from an attempt's set.
func (q *Queries) RemoveAttemptPR(ctx context.Context, attemptID string, number int64) error {
	_, err := q.db.Exec(ctx,
		`DELETE FROM attempt_pull_request WHERE attempt_id = $1 AND pr_number = $2`,
		attemptID, number)

	return err
}

// ListAttemptPRs returns the PR numbers subsumed by an attempt, in
// insertion order by number.
func (q *Queries) ListAttemptPRs(ctx context.Context, attemptID string) ([]int64, error) {
	rows, err := q.db.Query(ctx,
		`SELECT pr_number FROM attempt_pull_request WHERE attempt_id = $1 ORDER BY pr_number`,
		attemptID)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (int64, error) {
		var n int64
		err := row.Scan(&n)
		return n, err
	})
}

// AttemptForPR returns the id of the attempt containing a PR, or
// pgx.ErrNoRows.
func (q *Queries) AttemptForPR(ctx context.Context, owner, repo string, number int64) (string, error) {
	var id string
	err := q.db.QueryRow(ctx,
		`SELECT attempt_id FROM attempt_pull_request
		 WHERE owner = $1 AND repo = $2 AND pr_number = $3`,
		owner, repo, number).Scan(&id)

	return id, err
}

// ListTrackedRepos returns every repository with any persistent merge
// state, for reconciliation.
func (q *Queries) ListTrackedRepos(ctx context.Context) ([]RepoRef, error) {
	rows, err := q.db.Query(ctx,
		`SELECT owner, repo FROM pull_request
		 UNION
		 SELECT owner, repo FROM merge_attempt`)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (RepoRef, error) {
		var r RepoRef
		err := row.Scan(&r.Owner, &r.Repo)
		return r, err
	})
}
