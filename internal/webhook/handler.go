// Package webhook implements the HTTP handler that receives GitHub App
// webhook events and routes them to the controller. Events are
// acknowledged with 202 before processing so slow controller work never
// trips the delivery timeout.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	gh "github.com/google/go-github/v84/github"

	"github.com/cryslith/cherry/internal/command"
	"github.com/cryslith/cherry/internal/controller"
	"github.com/cryslith/cherry/internal/github"
)

// processTimeout bounds the asynchronous handling of one event. The
// request context cannot be used: it is cancelled when the 202 is
// written.
const processTimeout = 2 * time.Minute

// Handler processes GitHub webhook deliveries.
type Handler struct {
	secret string
	ctrl   *controller.Controller
	client github.API

	// dispatch runs event processing after the response is written.
	// Replaced with a synchronous function in tests.
	dispatch func(fn func())
}

// New creates a webhook handler. An empty secret disables signature
// verification; Load warns about that at startup.
func New(secret string, ctrl *controller.Controller, client github.API) *Handler {
	h := &Handler{secret: secret, ctrl: ctrl, client: client}
	h.dispatch = func(fn func()) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic while processing webhook event", "panic", r)
				}
			}()

			fn()
		}()
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if event == "" {
		http.Error(w, "missing X-GitHub-Event header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if h.secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if !ValidateSignature(body, sig, h.secret) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var process func(ctx context.Context)

	switch event {
	case "issue_comment":
		process, err = h.parseIssueComment(body)
	case "pull_request":
		process, err = h.parsePullRequest(body)
	case "status":
		process, err = h.parseStatus(body)
	default:
		slog.Debug("ignoring webhook event", "event", event)
	}

	if err != nil {
		slog.Warn("malformed webhook payload", "event", event, "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Acknowledge before doing any controller work.
	w.WriteHeader(http.StatusAccepted)

	if process == nil {
		return
	}

	h.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()

		process(ctx)
	})
}

func toRepository(repo *gh.Repository) github.Repository {
	return github.Repository{
		ID:    repo.GetID(),
		Owner: repo.GetOwner().GetLogin(),
		Repo:  repo.GetName(),
	}
}

// parseIssueComment handles new comments: the body is scanned for
// cherry directives which run against the comment's thread. Plain
// issues are not filtered out; a command that needs a PR fails there
// and reports the platform's error.
func (h *Handler) parseIssueComment(body []byte) (func(ctx context.Context), error) {
	var ev gh.IssueCommentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}

	// Edits and deletions never trigger commands.
	if ev.GetAction() != "created" {
		return nil, nil
	}

	repo := toRepository(ev.GetRepo())
	number := int64(ev.GetIssue().GetNumber())
	text := ev.GetComment().GetBody()

	return func(ctx context.Context) {
		cc := &commandContext{ctrl: h.ctrl, client: h.client, repo: repo, pr: number}
		runComment(ctx, cc, text)
	}, nil
}

// runComment parses and executes the directives of one comment in
// order. The first failure is reported back onto the thread and aborts
// the remaining directives.
func runComment(ctx context.Context, cc command.Context, text string) {
	commands, err := command.ParseComment(text)
	if err != nil {
		if replyErr := cc.Reply(ctx, "Error: "+err.Error()); replyErr != nil {
			slog.Error("failed to reply with parse error", "error", replyErr)
		}

		return
	}

	for _, cmd := range commands {
		if err := cmd.Run(ctx, cc); err != nil {
			slog.Error("command failed", "command", cmd.String(), "error", err)

			msg := "Error running command: " + cmd.String() + ": " + err.Error()
			if replyErr := cc.Reply(ctx, msg); replyErr != nil {
				slog.Error("failed to reply with command error", "error", replyErr)
			}

			return
		}
	}
}

// parsePullRequest handles PR lifecycle changes that can affect a
// tracked PR: readiness flips, new commits, closure.
func (h *Handler) parsePullRequest(body []byte) (func(ctx context.Context), error) {
	var ev gh.PullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}

	switch ev.GetAction() {
	case "synchronize", "edited", "ready_for_review", "closed", "reopened":
	default:
		return nil, nil
	}

	repo := toRepository(ev.GetRepo())
	number := int64(ev.GetNumber())

	return func(ctx context.Context) {
		if err := h.ctrl.Initiate(ctx, repo, number); err != nil {
			slog.Error("failed to process PR event",
				"repo", repo.String(), "pr", number, "error", err)
		}
	}, nil
}

// parseStatus handles commit status events, which deliver CI verdicts
// for trial branches.
func (h *Handler) parseStatus(body []byte) (func(ctx context.Context), error) {
	var ev gh.StatusEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}

	// Our own pending statuses fire this hook too.
	if ev.GetContext() == "cherry" {
		return nil, nil
	}

	switch ev.GetState() {
	case "success", "failure", "error":
	default:
		return nil, nil
	}

	repo := toRepository(ev.GetRepo())

	var branches []string
	for _, b := range ev.Branches {
		branches = append(branches, b.GetName())
	}

	if len(branches) == 0 {
		return nil, nil
	}

	return func(ctx context.Context) {
		if err := h.ctrl.StatusChanged(ctx, repo, branches); err != nil {
			slog.Error("failed to process status event",
				"repo", repo.String(), "error", err)
		}
	}, nil
}
