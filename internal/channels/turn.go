// Package channels holds the pieces shared by every chat transport adapter
// (internal/channels/discord, internal/channels/matrix): the busy-gate wait
// policy and turn-invocation helper. An inbound message waits up to 5
// seconds, polling every 500ms, for the session's busy gate to clear, and
// drops the event if it never does.
package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/cireilclaw/cireilclaw/internal/agent"
	"github.com/cireilclaw/cireilclaw/internal/scheduler"
	"github.com/cireilclaw/cireilclaw/internal/session"
	"github.com/cireilclaw/cireilclaw/internal/turnengine"
)

const (
	busyWaitTotal = 5 * time.Second
	busyWaitInterval = 500 * time.Millisecond
)

// WaitAndAcquire polls sess's busy gate for up to busyWaitTotal, returning
// true once acquired. Returns false if the gate never clears in time, in
// which case the caller drops the inbound event.
func WaitAndAcquire(sess *session.Session) bool {
	deadline := time.Now().Add(busyWaitTotal)
	for {
		if sess.TryAcquire() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(busyWaitInterval)
	}
}

// InboundMessage is one chat message routed into a turn.
type InboundMessage struct {
	Text string
	Images []session.ImageContent
	ChannelFields map[string]string
}

// RunInboundTurn appends msg to sess's history, runs one turn, persists the
// session, and logs (rather than propagates) a failed turn, after rolling
// history back to its length before msg was appended; the harness
// never retries a failed turn automatically. It drops the event entirely
// if the session is still busy after the poll in WaitAndAcquire.
func RunInboundTurn(ctx context.Context, a *agent.Agent, eng *turnengine.Engine, sched *scheduler.Scheduler, sess *session.Session, channel, subKey string, msg InboundMessage, log *slog.Logger) {
	if !WaitAndAcquire(sess) {
		if log != nil {
			log.Warn("dropping inbound message, session still busy", "session", sess.ID)
		}
		return
	}
	defer sess.Release()

	sess.Lock()
	historyLenBefore := len(sess.History)
	sess.History = append(sess.History, session.UserText(msg.Text))
	sess.PendingImages = append(sess.PendingImages, msg.Images...)
	sess.LastActivity = time.Now()
	sess.Unlock()

	var scheduleOneShot func(id, at, prompt, delivery, target string) error
	if sched != nil {
		scheduleOneShot = sched.AddOneShot
	}
	tc := a.BuildToolCtx(sess, scheduleOneShot)
	promptCtx := a.PromptContext(msg.ChannelFields)

	if err := eng.Run(ctx, sess, tc, promptCtx, channel, subKey); err != nil {
		sess.Lock()
		if len(sess.History) > historyLenBefore {
			sess.History = sess.History[:historyLenBefore]
		}
		sess.Unlock()
		if log != nil {
			log.Warn("inbound turn failed", "session", sess.ID, "error", err)
		}
	}
	a.Store.Save(sess)
}
