// Package turnengine implements the iterative tool-call loop: context
// assembly, provider invocation, ordered commit of tool responses, and the
// terminal respond/no-response exit. Tool calls within a single round
// dispatch in parallel and commit back in their original index order, so
// message ordering stays deterministic regardless of completion order.
package turnengine

import (
	"github.com/cireilclaw/cireilclaw/internal/session"
)

// MaxTurns is the history window the context builder truncates to.
const MaxTurns = 30

// TruncateToTurns returns the tail of history containing at most maxTurns
// turns, where a turn begins at a user-role message or at the start of
// history. It never splits a turn.
func TruncateToTurns(history []session.Message, maxTurns int) []session.Message {
	if maxTurns <= 0 {
		return nil
	}
	turnStarts := make([]int, 0, maxTurns+1)
	for i, m := range history {
		if m.Role == session.RoleUser {
			turnStarts = append(turnStarts, i)
		}
	}
	if len(turnStarts) == 0 {
		// No user message yet; the whole thing is one "turn" starting at 0.
		return history
	}
	if len(turnStarts) <= maxTurns {
		return history[turnStarts[0]:]
	}
	start := turnStarts[len(turnStarts)-maxTurns]
	return history[start:]
}

// SquashMessages merges consecutive messages of the same role (user or
// assistant only) by concatenating their content arrays, preserving
// relative content ordering.
func SquashMessages(messages []session.Message) []session.Message {
	if len(messages) == 0 {
		return messages
	}
	out := make([]session.Message, 0, len(messages))
	for _, m := range messages {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if squashable(last.Role) && last.Role == m.Role {
				last.Content = append(last.Content, m.Content...)
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

func squashable(role session.Role) bool {
	return role == session.RoleUser || role == session.RoleAssistant
}
