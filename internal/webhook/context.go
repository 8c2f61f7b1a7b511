package webhook

import (
	"context"

	"github.com/cryslith/cherry/internal/command"
	"github.com/cryslith/cherry/internal/controller"
	"github.com/cryslith/cherry/internal/github"
)

// commandContext binds comment directives to the thread they were
// posted on. Replies become comments there; merge and cancel go to the
// controller.
type commandContext struct {
	ctrl   *controller.Controller
	client github.API
	repo   github.Repository
	pr     int64
}

var _ command.Context = (*commandContext)(nil)

func (c *commandContext) Reply(ctx context.Context, message string) error {
	return c.client.CommentOnPR(ctx, c.repo, c.pr, message)
}

func (c *commandContext) Merge(ctx context.Context) error {
	return c.ctrl.Request(ctx, c.repo, c.pr)
}

func (c *commandContext) Cancel(ctx context.Context) error {
	return c.ctrl.Cancel(ctx, c.repo, c.pr)
}
