package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/cryslith/cherry/internal/github"
	"github.com/cryslith/cherry/internal/store"
)

// pollConcurrency bounds how many repos one poll pass reconciles at a
// time.
const pollConcurrency = 4

// Poll reconciles every tracked repository against upstream state. It
// backstops lost webhooks: Requested PRs are re-evaluated, testing
// attempts have their CI verdict fetched, and a fresh attempt is
// constructed if none is active.
func (c *Controller) Poll(ctx context.Context) error {
	repos, err := c.queries().ListTrackedRepos(ctx)
	if err != nil {
		return fmt.Errorf("list tracked repos: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(pollConcurrency)

	for _, ref := range repos {
		group.Go(func() error {
			repo := github.Repository{Owner: ref.Owner, Repo: ref.Repo}

			if err := c.pollRepo(ctx, repo); err != nil {
				// One broken repo must not starve the rest.
				slog.Error("poll failed", "repo", repo.String(), "error", err)
			}

			return nil
		})
	}

	return group.Wait()
}

func (c *Controller) pollRepo(ctx context.Context, repo github.Repository) error {
	requested, err := c.queries().ListPullRequestsByState(ctx, repo.Owner, repo.Repo, PrRequested.String())
	if err != nil {
		return fmt.Errorf("list requested PRs: %w", err)
	}

	for _, pr := range requested {
		if err := c.Initiate(ctx, repo, pr.Number); err != nil {
			return err
		}
	}

	testing, err := c.queries().ListAttemptsByState(ctx, repo.Owner, repo.Repo, MergeTesting.String())
	if err != nil {
		return fmt.Errorf("list testing attempts: %w", err)
	}

	for _, attempt := range testing {
		if err := c.pollAttempt(ctx, repo, attempt); err != nil {
			return err
		}
	}

	return c.Construct(ctx, repo)
}

// StatusChanged re-checks any testing attempt whose trial branch is
// among the branches a commit status event was reported on.
func (c *Controller) StatusChanged(ctx context.Context, repo github.Repository, branches []string) error {
	testing, err := c.queries().ListAttemptsByState(ctx, repo.Owner, repo.Repo, MergeTesting.String())
	if err != nil {
		return fmt.Errorf("list testing attempts: %w", err)
	}

	for _, attempt := range testing {
		if !slices.Contains(branches, attempt.BranchName) {
			continue
		}

		if err := c.pollAttempt(ctx, repo, attempt); err != nil {
			return err
		}
	}

	return nil
}

// pollAttempt fetches the combined CI status of a testing attempt's
// trial branch and completes the attempt on a settled verdict.
func (c *Controller) pollAttempt(ctx context.Context, repo github.Repository, attempt store.MergeAttempt) error {
	sha, err := c.client.BranchSHA(ctx, repo, attempt.BranchName)
	if err != nil {
		if github.IsNotFound(err) {
			// Trial branch is gone; rebuild the attempt from scratch.
			slog.Warn("trial branch missing for testing attempt",
				"repo", repo.String(), "attempt", attempt.ID, "branch", attempt.BranchName)

			return c.retryAttempt(ctx, repo, attempt.ID)
		}

		return fmt.Errorf("resolve trial branch head: %w", err)
	}

	state, err := c.client.CombinedStatus(ctx, repo, sha)
	if err != nil {
		return fmt.Errorf("fetch combined status: %w", err)
	}

	switch state {
	case "success":
		return c.Complete(ctx, repo, attempt.ID, true)
	case "failure", "error":
		return c.Complete(ctx, repo, attempt.ID, false)
	default:
		return nil
	}
}

// retryAttempt parks a testing attempt back in split state so the next
// construct reassembles its branch.
func (c *Controller) retryAttempt(ctx context.Context, repo github.Repository, attemptID string) error {
	return c.withTx(ctx, func(q *store.Queries) error {
		row, err := q.GetMergeAttempt(ctx, attemptID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}

		if err != nil {
			return err
		}

		if row.State != MergeTesting.String() {
			return nil
		}

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
}
