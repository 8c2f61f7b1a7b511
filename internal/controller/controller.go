// Package controller implements the merge state machine over pull
// requests and merge attempts. All persistent reads and writes of one
// operation run inside a serializable transaction; platform API calls
// happen outside open transactions, with the split state covering
// crashes between the two.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cryslith/cherry/internal/github"
	"github.com/cryslith/cherry/internal/store"
)

// Controller drives PRs and merge attempts through the
// request → queue → construct → test → success/split lifecycle.
type Controller struct {
	client github.API
	pool   *pgxpool.Pool
}

// New creates a controller over the given API client and database pool.
func New(client github.API, pool *pgxpool.Pool) *Controller {
	return &Controller{client: client, pool: pool}
}

func (c *Controller) queries() *store.Queries {
	return store.New(c.pool)
}

// withTx runs fn inside a serializable transaction. Serializable
// isolation is what upholds the progress invariant: two concurrent
// constructs cannot both observe "no active attempt".
func (c *Controller) withTx(ctx context.Context, fn func(q *store.Queries) error) error {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(store.New(tx)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func epochNow() int64 {
	return time.Now().Unix()
}

// attemptBranchName derives the trial branch for an attempt from its id.
// Deterministic, so a reconstructed split attempt reuses its branch name.
func attemptBranchName(attemptID string) string {
	short := attemptID
	if len(short) > 8 {
		short = short[:8]
	}

	return "cherry/attempt/" + short
}

// unmetConditions lists the readiness conditions a PR does not yet
// satisfy. One entry today; reviews-approved and checks-passed slot in
// here later.
func unmetConditions(info *github.PRInfo) []string {
	var unmet []string
	if info.Draft {
		unmet = append(unmet, "PR not marked as draft")
	}

	return unmet
}

// Request handles a user-issued merge directive for a PR.
func (c *Controller) Request(ctx context.Context, repo github.Repository, pr int64) error {
	slog.Info("merge requested", "repo", repo.String(), "pr", pr)

	info, err := c.client.PRInfo(ctx, repo, pr)
	if err != nil {
		return fmt.Errorf("fetch PR info: %w", err)
	}

	if info.State == github.PRStateClosed {
		return c.client.CommentOnPR(ctx, repo, pr,
			"Error: Refusing to merge PR in closed state.")
	}

	unmet := unmetConditions(info)
	ready := len(unmet) == 0

	state := PrRequested
	if ready {
		state = PrQueued
	}

	err = c.queries().InsertPullRequest(ctx, store.PullRequest{
		Owner:      repo.Owner,
		Repo:       repo.Repo,
		Number:     pr,
		CommitHash: info.CommitHash,
		State:      state.String(),
		Timestamp:  epochNow(),
	})
	if isUniqueViolation(err) {
		return c.client.CommentOnPR(ctx, repo, pr, "This PR is already being merged.")
	}

	if err != nil {
		return fmt.Errorf("insert pull request: %w", err)
	}

	slog.Info("added PR to merge queue", "repo", repo.String(), "pr", pr, "state", state)

	if ready {
		return c.Construct(ctx, repo)
	}

	var msg strings.Builder
	msg.WriteString("This PR cannot be merged yet. It will be merged automatically once the following conditions are resolved:")
	for _, cond := range unmet {
		msg.WriteString("\n- ")
		msg.WriteString(cond)
	}

	return c.client.CommentOnPR(ctx, repo, pr, msg.String())
}

// Initiate re-evaluates a Requested PR after an external signal (PR
// metadata change, check completion) suggests it may now be ready.
// Closed PRs are dropped; a moved head cancels the merge.
func (c *Controller) Initiate(ctx context.Context, repo github.Repository, pr int64) error {
	slog.Debug("initiate", "repo", repo.String(), "pr", pr)

	info, err := c.client.PRInfo(ctx, repo, pr)
	if err != nil {
		return fmt.Errorf("fetch PR info: %w", err)
	}

	if info.State == github.PRStateClosed {
		if err := c.queries().DeletePullRequest(ctx, repo.Owner, repo.Repo, pr); err != nil {
			return fmt.Errorf("delete closed PR: %w", err)
		}

		return nil
	}

	if len(unmetConditions(info)) > 0 {
		return nil
	}

	var (
		promoted  bool
		cancelled bool
	)

	err = c.withTx(ctx, func(q *store.Queries) error {
		row, err := q.GetPullRequest(ctx, repo.Owner, repo.Repo, pr)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("select pull request: %w", err)
		}

		state, err := ParsePrState(row.State)
		if err != nil {
			return err
		}

		if state != PrRequested {
			return nil
		}

		if row.CommitHash != info.CommitHash {
			cancelled = true

			return q.DeletePullRequest(ctx, repo.Owner, repo.Repo, pr)
		}

		promoted = true

		return q.UpdatePullRequestState(ctx, repo.Owner, repo.Repo, pr, PrQueued.String(), epochNow())
	})
	if err != nil {
		return err
	}

	if cancelled {
		return c.client.CommentOnPR(ctx, repo, pr,
			"Merge cancelled: a new commit was pushed to the PR.")
	}

	if !promoted {
		return nil
	}

	slog.Info("queued PR", "repo", repo.String(), "pr", pr)

	return c.Construct(ctx, repo)
}

// Construct forms the next merge attempt for a repo: it reuses the
// oldest split attempt (whose PR set is fixed) or batches all Queued
// PRs into a fresh one, then assembles the trial branch and hands it
// to Test. A no-op while another attempt is active.
func (c *Controller) Construct(ctx context.Context, repo github.Repository) error {
	var (
		attempt       store.MergeAttempt
		batch         []store.PullRequest
		discardBranch string
	)

	err := c.withTx(ctx, func(q *store.Queries) error {
		attempt = store.MergeAttempt{}
		batch = nil
		discardBranch = ""

		_, err := q.ActiveMergeAttempt(ctx, repo.Owner, repo.Repo)
		if err == nil {
			slog.Info("not constructing: merge attempt already in progress", "repo", repo.String())

			return nil
		}

		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check for active attempt: %w", err)
		}

		split, err := q.OldestSplitAttempt(ctx, repo.Owner, repo.Repo)

		switch {
		case err == nil:
			// Reconstruct a bisected attempt over its own PR set.
			attempt = split
			attempt.State = MergeConstructing.String()

			if err := q.UpdateAttemptState(ctx, split.ID, MergeConstructing.String(), epochNow()); err != nil {
				return fmt.Errorf("reactivate split attempt: %w", err)
			}

			numbers, err := q.ListAttemptPRs(ctx, split.ID)
			if err != nil {
				return fmt.Errorf("list attempt PRs: %w", err)
			}

			for _, n := range numbers {
				row, err := q.GetPullRequest(ctx, repo.Owner, repo.Repo, n)
				if errors.Is(err, pgx.ErrNoRows) {
					// PR vanished (cancelled or closed); drop the association.
					if err := q.RemoveAttemptPR(ctx, split.ID, n); err != nil {
						return err
					}

					continue
				}

				if err != nil {
					return fmt.Errorf("load PR #%d: %w", n, err)
				}

				batch = append(batch, row)
			}
		case errors.Is(err, pgx.ErrNoRows):
			queued, err := q.ListPullRequestsByState(ctx, repo.Owner, repo.Repo, PrQueued.String())
			if err != nil {
				return fmt.Errorf("list queued PRs: %w", err)
			}

			if len(queued) == 0 {
				return nil
			}

			id := uuid.NewString()
			attempt = store.MergeAttempt{
				ID:         id,
				Owner:      repo.Owner,
				Repo:       repo.Repo,
				BranchName: attemptBranchName(id),
				State:      MergeConstructing.String(),
				Timestamp:  epochNow(),
			}

			if err := q.InsertMergeAttempt(ctx, attempt); err != nil {
				return fmt.Errorf("insert merge attempt: %w", err)
			}

			for _, pr := range queued {
				if err := q.AddAttemptPR(ctx, id, repo.Owner, repo.Repo, pr.Number); err != nil {
					return fmt.Errorf("associate PR #%d: %w", pr.Number, err)
				}
			}

			batch = queued
		default:
			return fmt.Errorf("check for split attempt: %w", err)
		}

		if len(batch) == 0 {
			// A reused split attempt whose PRs all vanished: discard it.
			if attempt.ID != "" {
				if err := q.DeleteMergeAttempt(ctx, attempt.ID); err != nil {
					return err
				}

				discardBranch = attempt.BranchName
				attempt = store.MergeAttempt{}
			}

			return nil
		}

		for _, pr := range batch {
			if err := q.UpdatePullRequestState(ctx, repo.Owner, repo.Repo, pr.Number, PrMerging.String(), epochNow()); err != nil {
				return fmt.Errorf("mark PR #%d merging: %w", pr.Number, err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	if discardBranch != "" {
		if err := c.client.DeleteBranch(ctx, repo, discardBranch); err != nil && !github.IsNotFound(err) {
			slog.Warn("failed to delete trial branch", "branch", discardBranch, "error", err)
		}
	}

	if attempt.ID == "" {
		return nil
	}

	slog.Info("constructing merge attempt",
		"repo", repo.String(), "attempt", attempt.ID,
		"branch", attempt.BranchName, "prs", len(batch))

	included, err := c.assembleBranch(ctx, repo, attempt, batch)
	if err != nil {
		// Leave the attempt in split state so the next construct retries.
		c.abandonAttempt(ctx, repo, attempt.ID)

		return fmt.Errorf("assemble branch %s: %w", attempt.BranchName, err)
	}

	if len(included) == 0 {
		// Every PR in the batch was evicted.
		err := c.withTx(ctx, func(q *store.Queries) error {
			return q.DeleteMergeAttempt(ctx, attempt.ID)
		})
		if err != nil {
			return fmt.Errorf("discard empty attempt: %w", err)
		}

		_ = c.client.DeleteBranch(ctx, repo, attempt.BranchName)

		return nil
	}

	return c.Test(ctx, repo, attempt.ID, included)
}

// assembleBranch recreates the trial branch from the default branch head
// and merges each PR of the batch into it. Conflicting PRs are evicted
// (row deleted, user told to rebase) and assembly continues with the
// rest. Returns the PRs that made it in.
func (c *Controller) assembleBranch(ctx context.Context, repo github.Repository, attempt store.MergeAttempt, batch []store.PullRequest) ([]store.PullRequest, error) {
	repoInfo, err := c.client.RepoInfo(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("fetch repo info: %w", err)
	}

	baseSHA, err := c.client.BranchSHA(ctx, repo, repoInfo.DefaultBranch)
	if err != nil {
		return nil, fmt.Errorf("resolve %s head: %w", repoInfo.DefaultBranch, err)
	}

	// A stale branch may linger from a crashed or bisected attempt.
	if err := c.client.DeleteBranch(ctx, repo, attempt.BranchName); err != nil && !github.IsNotFound(err) {
		slog.Warn("failed to delete stale trial branch",
			"branch", attempt.BranchName, "error", err)
	}

	if err := c.client.CreateBranch(ctx, repo, attempt.BranchName, baseSHA); err != nil {
		return nil, fmt.Errorf("create trial branch: %w", err)
	}

	var included []store.PullRequest

	for _, pr := range batch {
		if _, err := c.client.MergeBranch(ctx, repo, attempt.BranchName, pr.CommitHash); err != nil {
			if github.IsMergeConflict(err) {
				slog.Info("merge conflict, evicting PR",
					"repo", repo.String(), "pr", pr.Number)

				if err := c.evictPR(ctx, repo, attempt.ID, pr.Number); err != nil {
					return nil, err
				}

				continue
			}

			return nil, fmt.Errorf("merge PR #%d: %w", pr.Number, err)
		}

		included = append(included, pr)
	}

	return included, nil
}

// evictPR removes a conflicting PR from the queue entirely and tells
// the user to rebase.
func (c *Controller) evictPR(ctx context.Context, repo github.Repository, attemptID string, pr int64) error {
	err := c.withTx(ctx, func(q *store.Queries) error {
		if err := q.RemoveAttemptPR(ctx, attemptID, pr); err != nil {
			return err
		}

		return q.DeletePullRequest(ctx, repo.Owner, repo.Repo, pr)
	})
	if err != nil {
		return fmt.Errorf("evict PR #%d: %w", pr, err)
	}

	return c.client.CommentOnPR(ctx, repo, pr,
		"Removed from merge queue: merge conflict with the target branch. Please rebase and request again.")
}

// abandonAttempt parks an attempt (and its PRs) in split state after a
// mid-construction failure, so the next construct retries it.
func (c *Controller) abandonAttempt(ctx context.Context, repo github.Repository, attemptID string) {
	err := c.withTx(ctx, func(q *store.Queries) error {
		if err := q.UpdateAttemptState(ctx, attemptID, MergeSplit.String(), epochNow()); err != nil {
			return err
		}

		numbers, err := q.ListAttemptPRs(ctx, attemptID)
		if err != nil {
			return err
		}

		for _, n := range numbers {
			if err := q.UpdatePullRequestState(ctx, repo.Owner, repo.Repo, n, PrSplit.String(), epochNow()); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		slog.Error("failed to park attempt for retry",
			"attempt", attemptID, "error", err)
	}
}

// Test marks an attempt as under test: the attempt advances to testing
// and each batched PR's head commit gets a pending status so users see
// progress on their PR. The CI verdict is read off the trial branch,
// which carries no cherry status of its own.
func (c *Controller) Test(ctx context.Context, repo github.Repository, attemptID string, batch []store.PullRequest) error {
	for _, pr := range batch {
		if err := c.client.CreateCommitStatus(ctx, repo, pr.CommitHash,
			github.CherryStatus("pending", "Batch under test")); err != nil {
			slog.Warn("failed to set pending status",
				"attempt", attemptID, "pr", pr.Number, "error", err)
		}
	}

	err := c.withTx(ctx, func(q *store.Queries) error {
		return q.UpdateAttemptState(ctx, attemptID, MergeTesting.String(), epochNow())
	})
	if err != nil {
		return fmt.Errorf("advance attempt to testing: %w", err)
	}

	slog.Info("attempt under test", "repo", repo.String(), "attempt", attemptID, "prs", len(batch))

	return nil
}

// Complete consumes a CI verdict for a testing attempt. Success lands
// every contained PR; failure of a batch of one removes the PR; failure
// of a larger batch bisects it into two split attempts. Either way the
// next attempt is constructed immediately.
func (c *Controller) Complete(ctx context.Context, repo github.Repository, attemptID string, passed bool) error {
	var (
		attempt store.MergeAttempt
		numbers []int64
	)

	err := c.withTx(ctx, func(q *store.Queries) error {
		row, err := q.GetMergeAttempt(ctx, attemptID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("select attempt: %w", err)
		}

		state, err := ParseMergeState(row.State)
		if err != nil {
			return err
		}

		// Duplicate verdicts (webhook + poll) are dropped here.
		if state != MergeTesting {
			return nil
		}

		attempt = row

		if numbers, err = q.ListAttemptPRs(ctx, attemptID); err != nil {
			return fmt.Errorf("list attempt PRs: %w", err)
		}

		if passed {
			return q.UpdateAttemptState(ctx, attemptID, MergeSuccess.String(), epochNow())
		}

		return nil
	})
	if err != nil {
		return err
	}

	if attempt.ID == "" {
		return nil
	}

	if passed {
		return c.land(ctx, repo, attempt, numbers)
	}

	return c.split(ctx, repo, attempt, numbers)
}

// land merges every PR of a successful attempt upstream and clears the
// persistent state. A PR that fails to land (e.g. branch protection) is
// reported and dropped; it does not block the rest of the batch.
func (c *Controller) land(ctx context.Context, repo github.Repository, attempt store.MergeAttempt, numbers []int64) error {
	slog.Info("landing attempt", "repo", repo.String(), "attempt", attempt.ID, "prs", len(numbers))

	for _, n := range numbers {
		if err := c.client.MergePR(ctx, repo, n); err != nil {
			slog.Error("failed to land PR", "repo", repo.String(), "pr", n, "error", err)

			if err := c.client.CommentOnPR(ctx, repo, n,
				fmt.Sprintf("Error landing this PR: %v", err)); err != nil {
				slog.Error("failed to report landing error", "pr", n, "error", err)
			}
		}
	}

	err := c.withTx(ctx, func(q *store.Queries) error {
		for _, n := range numbers {
			if err := q.DeletePullRequest(ctx, repo.Owner, repo.Repo, n); err != nil {
				return err
			}
		}

		return q.DeleteMergeAttempt(ctx, attempt.ID)
	})
	if err != nil {
		return fmt.Errorf("clear landed attempt: %w", err)
	}

	if err := c.client.DeleteBranch(ctx, repo, attempt.BranchName); err != nil && !github.IsNotFound(err) {
		slog.Warn("failed to delete trial branch", "branch", attempt.BranchName, "error", err)
	}

	return c.Construct(ctx, repo)
}

// split handles a failed attempt: a batch of one is terminal for its
// PR; a larger batch is halved into two split attempts which construct
// picks up one at a time.
func (c *Controller) split(ctx context.Context, repo github.Repository, attempt store.MergeAttempt, numbers []int64) error {
	if len(numbers) <= 1 {
		for _, n := range numbers {
			if err := c.client.CommentOnPR(ctx, repo, n,
				"Tests failed for this PR; removing it from the merge queue."); err != nil {
				slog.Error("failed to report test failure", "pr", n, "error", err)
			}
		}

		err := c.withTx(ctx, func(q *store.Queries) error {
			for _, n := range numbers {
				if err := q.DeletePullRequest(ctx, repo.Owner, repo.Repo, n); err != nil {
					return err
				}
			}

			return q.DeleteMergeAttempt(ctx, attempt.ID)
		})
		if err != nil {
			return fmt.Errorf("clear failed attempt: %w", err)
		}
	} else {
		slog.Info("bisecting failed attempt",
			"repo", repo.String(), "attempt", attempt.ID, "prs", len(numbers))

		// The first half stays with the original attempt; the second
		// half moves to a fresh one.
		move := numbers[len(numbers)/2:]
		newID := uuid.NewString()

		err := c.withTx(ctx, func(q *store.Queries) error {
			if err := q.UpdateAttemptState(ctx, attempt.ID, MergeSplit.String(), epochNow()); err != nil {
				return err
			}

			if err := q.InsertMergeAttempt(ctx, store.MergeAttempt{
				ID:         newID,
				Owner:      repo.Owner,
				Repo:       repo.Repo,
				BranchName: attemptBranchName(newID),
				State:      MergeSplit.String(),
				Timestamp:  epochNow(),
			}); err != nil {
				return err
			}

			for _, n := range move {
				if err := q.RemoveAttemptPR(ctx, attempt.ID, n); err != nil {
					return err
				}

				if err := q.AddAttemptPR(ctx, newID, repo.Owner, repo.Repo, n); err != nil {
					return err
				}
			}

			for _, n := range numbers {
				if err := q.UpdatePullRequestState(ctx, repo.Owner, repo.Repo, n, PrSplit.String(), epochNow()); err != nil {
					return err
				}
			}

			return nil
		})
		if err != nil {
			return fmt.Errorf("bisect attempt: %w", err)
		}

		for _, n := range numbers {
			if err := c.client.CommentOnPR(ctx, repo, n,
				"Tests failed for this batch; retrying in smaller batches."); err != nil {
				slog.Error("failed to report bisection", "pr", n, "error", err)
			}
		}
	}

	if err := c.client.DeleteBranch(ctx, repo, attempt.BranchName); err != nil && !github.IsNotFound(err) {
		slog.Warn("failed to delete trial branch", "branch", attempt.BranchName, "error", err)
	}

	return c.Construct(ctx, repo)
}

// Cancel withdraws a PR from the queue at the user's request. Cancelling
// a PR that is mid-attempt parks the attempt in split state so the rest
// of the batch is reconstructed without it.
func (c *Controller) Cancel(ctx context.Context, repo github.Repository, pr int64) error {
	var (
		found     bool
		inAttempt string
	)

	err := c.withTx(ctx, func(q *store.Queries) error {
		row, err := q.GetPullRequest(ctx, repo.Owner, repo.Repo, pr)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("select pull request: %w", err)
		}

		found = true

		state, err := ParsePrState(row.State)
		if err != nil {
			return err
		}

		if state == PrMerging || state == PrSplit {
			id, err := q.AttemptForPR(ctx, repo.Owner, repo.Repo, pr)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("find attempt for PR: %w", err)
			}

			if err == nil {
				inAttempt = id

				if err := q.RemoveAttemptPR(ctx, id, pr); err != nil {
					return err
				}

				if state == PrMerging {
					if err := q.UpdateAttemptState(ctx, id, MergeSplit.String(), epochNow()); err != nil {
						return err
					}
				}
			}
		}

		return q.DeletePullRequest(ctx, repo.Owner, repo.Repo, pr)
	})
	if err != nil {
		return err
	}

	if !found {
		return c.client.CommentOnPR(ctx, repo, pr, "This PR is not being merged.")
	}

	slog.Info("merge cancelled", "repo", repo.String(), "pr", pr, "attempt", inAttempt)

	if err := c.client.CommentOnPR(ctx, repo, pr, "Merge cancelled."); err != nil {
		return err
	}

	if inAttempt != "" {
		return c.Construct(ctx, repo)
	}

	return nil
}
