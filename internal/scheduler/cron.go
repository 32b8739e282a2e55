package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cireilclaw/cireilclaw/internal/config"
	"github.com/cireilclaw/cireilclaw/internal/session"
)

// armJob schedules job according to its variant (every/cron/at) and
// registers its stop-handle under the job's id.
func (s *Scheduler) armJob(ctx context.Context, job config.CronJobConfig) {
	jobCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cronJobs[job.ID] = &cronJobHandle{cfg: job, cancel: cancel}
	s.mu.Unlock()

	switch {
	case job.Every > 0:
		s.armEvery(jobCtx, job)
	case job.Cron != "":
		s.armCronExpr(jobCtx, job)
	case job.At != "":
		s.armAt(jobCtx, job)
	default:
		s.log.Warn("cron job has no schedule variant", "job", job.ID)
		cancel()
	}
}

func (s *Scheduler) armEvery(ctx context.Context, job config.CronJobConfig) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Duration(job.Every) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.fireJob(ctx, job)
				s.updateJobLastRun(job.ID, time.Now())
			}
		}
	}()
}

func (s *Scheduler) armCronExpr(ctx context.Context, job config.CronJobConfig) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(cronCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				due, err := s.gron.IsDue(job.Cron, now)
				if err != nil {
					s.log.Warn("invalid cron expression", "job", job.ID, "expr", job.Cron, "error", err)
					continue
				}
				if due {
					s.fireJob(ctx, job)
					s.updateJobLastRun(job.ID, now)
				}
			}
		}
	}()
}

func (s *Scheduler) armAt(ctx context.Context, job config.CronJobConfig) {
	at, err := time.Parse(time.RFC3339, job.At)
	if err != nil {
		s.log.Warn("invalid at timestamp", "job", job.ID, "at", job.At, "error", err)
		return
	}
	delay := time.Until(at)
	if delay < 0 {
		s.log.Warn("skipping one-shot job scheduled in the past", "job", job.ID, "at", job.At)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.fireJob(ctx, job)
			if err := s.removeJob(job.ID); err != nil {
				s.log.Warn("remove fired one-shot job", "job", job.ID, "error", err)
			}
		}
	}()
}

func (s *Scheduler) fireJob(ctx context.Context, job config.CronJobConfig) {
	if job.Execution == "isolated" {
		s.fireIsolated(ctx, job)
		return
	}
	s.fireMain(ctx, job)
}

// fireMain behaves like a user turn in the resolved session: same busy gate
// and history rollback as the heartbeat; skips if busy.
func (s *Scheduler) fireMain(ctx context.Context, job config.CronJobConfig) {
	sess, ok := resolveTarget(s.agent, job.Target)
	if !ok {
		return
	}
	if !sess.TryAcquire() {
		return
	}
	defer sess.Release()

	sess.Lock()
	historyLenBefore := len(sess.History)
	sess.History = append(sess.History, session.UserText(job.Prompt))
	sess.Unlock()

	tc := s.agent.BuildToolCtx(sess, s.AddOneShot)
	channel, subKey := channelSubKey(sess)
	promptCtx := s.agent.PromptContext(nil)

	if err := runTurnWithModelOverride(ctx, s.engine, s.agent, job.Model, sess, tc, promptCtx, channel, subKey); err != nil {
		sess.Lock()
		if len(sess.History) > historyLenBefore {
			sess.History = sess.History[:historyLenBefore]
		}
		sess.Unlock()
		s.log.Warn("cron job (main) failed", "job", job.ID, "error", err)
	}
	s.agent.Store.Save(sess)
}

// fireIsolated runs job in a fresh ephemeral session, capturing all output
// instead of delivering it live, then delivers the capture per job.Delivery.
func (s *Scheduler) fireIsolated(ctx context.Context, job config.CronJobConfig) {
	sess := session.NewSession(session.InternalSessionID(job.ID), session.ChannelInternal)
	sess.History = append(sess.History, session.UserText(job.Prompt))

	var captured string
	sess.SendFilter = func(content string) bool {
		captured += content
		return false
	}

	tc := s.agent.BuildToolCtx(sess, s.AddOneShot)
	promptCtx := s.agent.PromptContext(nil)

	if err := runTurnWithModelOverride(ctx, s.engine, s.agent, job.Model, sess, tc, promptCtx, string(session.ChannelInternal), ""); err != nil {
		s.log.Warn("cron job (isolated) failed", "job", job.ID, "error", err)
		return
	}
	deliverCaptured(ctx, s.agent, job, captured)
}

func postWebhook(ctx context.Context, webhookURL, agentSlug, jobID, content string) {
	if webhookURL == "" {
		return
	}
	body, err := json.Marshal(map[string]string{"agentSlug": agentSlug, "jobId": jobID, "content": content})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

func writeCronConfig(agentRoot string, cfg *config.CronConfig) error {
	path := filepath.Join(agentRoot, "config", "cron.toml")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
