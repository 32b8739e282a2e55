package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cireilclaw/cireilclaw/internal/config"
	"github.com/cireilclaw/cireilclaw/internal/session"
)

// armHeartbeat starts the heartbeat loop, re-arming itself after every tick
// regardless of outcome.
func (s *Scheduler) armHeartbeat(ctx context.Context, hb *config.HeartbeatConfig) {
	interval := time.Duration(hb.IntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.fireHeartbeat(ctx, hb)
			}
		}
	}()
}

func (s *Scheduler) fireHeartbeat(ctx context.Context, hb *config.HeartbeatConfig) {
	// Step 1: active-hours check, comparing the wall-clock HH:MM in the
	// configured timezone lexicographically against [start, end].
	if hb.ActiveHours != nil {
		loc := time.Local
		if hb.ActiveHours.TZ != "" {
			if l, err := time.LoadLocation(hb.ActiveHours.TZ); err == nil {
				loc = l
			}
		}
		now := time.Now().In(loc).Format("15:04")
		if now < hb.ActiveHours.Start || now > hb.ActiveHours.End {
			return
		}
	}

	// Step 2: HEARTBEAT.md must exist and be non-empty.
	checklistPath := filepath.Join(s.agent.AgentRoot, "workspace", "HEARTBEAT.md")
	data, err := os.ReadFile(checklistPath)
	if err != nil || len(data) == 0 {
		return
	}

	// Step 3: resolve target.
	sess, ok := resolveTarget(s.agent, hb.Target)
	if !ok {
		return
	}

	// Step 4: busy gate.
	if !sess.TryAcquire() {
		return
	}
	defer sess.Release()

	// Step 5: install the transient OK-classifying sendFilter.
	sess.Lock()
	previousFilter := sess.SendFilter
	sess.SendFilter = func(content string) bool {
		if isHeartbeatOK(content) {
			return hb.Visibility.ShowOk
		}
		return hb.Visibility.ShowAlerts
	}
	historyLenBefore := len(sess.History)
	sess.History = append(sess.History, session.UserText(formatHeartbeatPrompt(string(data))))
	sess.Unlock()

	tc := s.agent.BuildToolCtx(sess, s.AddOneShot)
	channel, subKey := channelSubKey(sess)
	promptCtx := s.agent.PromptContext(nil)

	runErr := runTurnWithModelOverride(ctx, s.engine, s.agent, hb.Model, sess, tc, promptCtx, channel, subKey)

	// Step 7: on error, roll back to the pre-heartbeat length; always
	// restore the filter, clear busy (via defer), and persist.
	sess.Lock()
	if runErr != nil && len(sess.History) > historyLenBefore {
		sess.History = sess.History[:historyLenBefore]
	}
	sess.SendFilter = previousFilter
	sess.Unlock()

	if runErr != nil {
		s.log.Warn("heartbeat turn failed", "session", sess.ID, "error", runErr)
	}
	s.agent.Store.Save(sess)
}
