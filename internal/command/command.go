// Package command parses cherry directives out of comment bodies and runs
// them against an execution context. A directive is a line of the form
// `cherry <cmd> [args...]`; all other lines are ignored.
package command

import (
	"context"
	"fmt"
	"strings"
)

// Command is a single recognized directive.
type Command int

const (
	// Ping replies "pong!", a liveness check for the bot.
	Ping Command = iota
	// Merge requests that the PR the comment was posted on be merged.
	Merge
	// Cancel withdraws a previous merge request.
	Cancel
)

func (c Command) String() string {
	switch c {
	case Ping:
		return "ping"
	case Merge:
		return "merge"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// UnknownCommandError reports a `cherry` line whose command token is not
// recognized. Token is "[none]" when the line had no second token.
type UnknownCommandError struct {
	Token string
}

func (e *UnknownCommandError) Error() string {
	return "unknown command: " + e.Token
}

// Context is the channel a command runs against. Reply posts a message
// visible to the user who issued the command; Merge and Cancel are the
// controller entry points for the bound (repository, PR).
type Context interface {
	Reply(ctx context.Context, message string) error
	Merge(ctx context.Context) error
	Cancel(ctx context.Context) error
}

// ParseComment extracts the ordered list of commands from a comment body.
// Lines are split on '\n' and tokens on single spaces. A line is a
// directive iff its first token is exactly "cherry". Tokens after the
// command are tolerated and ignored (reserved for future grammar).
//
// The first unrecognized directive aborts the whole comment: earlier
// commands are discarded and an *UnknownCommandError is returned.
func ParseComment(body string) ([]Command, error) {
	var commands []Command

	for _, line := range strings.Split(body, "\n") {
		tokens := strings.Split(line, " ")
		if tokens[0] != "cherry" {
			continue
		}

		if len(tokens) < 2 {
			return nil, &UnknownCommandError{Token: "[none]"}
		}

		switch tokens[1] {
		case "ping":
			commands = append(commands, Ping)
		case "merge", "r+":
			commands = append(commands, Merge)
		case "cancel", "r-":
			commands = append(commands, Cancel)
		default:
			return nil, &UnknownCommandError{Token: tokens[1]}
		}
	}

	return commands, nil
}

// Run executes the command against cc.
func (c Command) Run(ctx context.Context, cc Context) error {
	switch c {
	case Ping:
		return cc.Reply(ctx, "pong!")
	case Merge:
		return cc.Merge(ctx)
	case Cancel:
		return cc.Cancel(ctx)
	default:
		return fmt.Errorf("unhandled command %v", c)
	}
}
