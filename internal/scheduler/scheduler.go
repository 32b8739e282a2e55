// Package scheduler drives the per-agent heartbeat and cron jobs: a single
// cancellation signal plus one stop-handle per heartbeat/cron job, arming
// timers and invoking the turn engine on fire. Cron-expression matching
// uses github.com/adhocore/gronx.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/cireilclaw/cireilclaw/internal/agent"
	"github.com/cireilclaw/cireilclaw/internal/config"
	"github.com/cireilclaw/cireilclaw/internal/session"
	"github.com/cireilclaw/cireilclaw/internal/tools"
	"github.com/cireilclaw/cireilclaw/internal/turnengine"
)

// cronCheckInterval is the granularity at which cron-expression jobs are
// evaluated; gronx.IsDue is minute-resolution so checking every minute
// never double-fires a job within one due minute.
const cronCheckInterval = time.Minute

// Scheduler owns every timer for one agent: the heartbeat (if enabled) and
// every configured or dynamically-registered cron job.
type Scheduler struct {
	agent *agent.Agent
	engine *turnengine.Engine
	log *slog.Logger
	gron gronx.Gronx

	mu sync.Mutex
	cronJobs map[string]*cronJobHandle
	ctx context.Context
	cancel context.CancelFunc
	wg sync.WaitGroup
}

type cronJobHandle struct {
	cfg config.CronJobConfig
	cancel context.CancelFunc
}

// New builds a Scheduler bound to a, which must already be loaded.
func New(a *agent.Agent, eng *turnengine.Engine, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		agent: a,
		engine: eng,
		log: log.With("agent", a.Slug),
		gron: gronx.New(),
		cronJobs: map[string]*cronJobHandle{},
	}
}

// Start arms the heartbeat (if configured) and every persisted cron job.
// The supplied context is the process-wide abort signal; Start derives its
// own cancelable child so Stop can tear down this agent's timers alone.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	hb, err := config.LoadHeartbeatConfig(s.agent.AgentRoot)
	if err != nil {
		cancel()
		return err
	}
	if hb.Enabled {
		s.armHeartbeat(ctx, hb)
	}

	cronCfg, err := config.LoadCronConfig(s.agent.AgentRoot)
	if err != nil {
		cancel()
		return err
	}
	for _, job := range cronCfg.Jobs {
		if !job.Enabled {
			continue
		}
		s.armJob(ctx, job)
	}
	return nil
}

// Stop cancels every timer owned by this scheduler and waits for in-flight
// job goroutines to observe cancellation and return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// AddOneShot persists a new one-shot cron job and arms it immediately on
// the live scheduler, for dynamically scheduled jobs.
func (s *Scheduler) AddOneShot(id, at, prompt, delivery, target string) error {
	job := config.CronJobConfig{
		ID: id,
		Enabled: true,
		Execution: "isolated",
		Delivery: delivery,
		Target: target,
		Prompt: prompt,
		At: at,
	}
	if err := s.persistAddJob(job); err != nil {
		return err
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return fmt.Errorf("scheduler not started")
	}
	s.armJob(ctx, job)
	return nil
}

func (s *Scheduler) persistAddJob(job config.CronJobConfig) error {
	cfg, err := config.LoadCronConfig(s.agent.AgentRoot)
	if err != nil {
		return err
	}
	cfg.Jobs = append(cfg.Jobs, job)
	return writeCronConfig(s.agent.AgentRoot, cfg)
}

func (s *Scheduler) removeJob(id string) error {
	cfg, err := config.LoadCronConfig(s.agent.AgentRoot)
	if err != nil {
		return err
	}
	out := cfg.Jobs[:0]
	for _, j := range cfg.Jobs {
		if j.ID != id {
			out = append(out, j)
		}
	}
	cfg.Jobs = out
	return writeCronConfig(s.agent.AgentRoot, cfg)
}

func (s *Scheduler) updateJobLastRun(id string, t time.Time) {
	cfg, err := config.LoadCronConfig(s.agent.AgentRoot)
	if err != nil {
		s.log.Warn("load cron config for lastRun update", "error", err)
		return
	}
	for i := range cfg.Jobs {
		if cfg.Jobs[i].ID == id {
			// lastRun is tracked only for observability here; the
			// CronJobConfig schema carries schedule fields, not run
			// history, so this is a log line rather than a persisted field.
			s.log.Info("cron job fired", "job", id, "at", t.Format(time.RFC3339))
			break
		}
	}
}

// resolveTarget maps a target string to a session: "none" skips, "last"
// picks the greatest lastActivity, anything else is an exact session id
// lookup.
func resolveTarget(a *agent.Agent, target string) (*session.Session, bool) {
	switch target {
	case "none", "":
		return nil, false
	case "last":
		return a.Store.LastActive()
	default:
		return a.Store.Get(target)
	}
}

// deliverCaptured sends the captured content of an isolated-mode job per
// its delivery field.
func deliverCaptured(ctx context.Context, a *agent.Agent, job config.CronJobConfig, content string) {
	if content == "" {
		return
	}
	switch job.Delivery {
	case "announce":
		target, ok := resolveTarget(a, job.Target)
		if !ok {
			return
		}
		_ = a.Send(target, content, nil)
	case "webhook":
		postWebhook(ctx, job.WebhookURL, a.Slug, job.ID, content)
	case "none", "":
		// discard
	}
}

// runTurnWithModelOverride runs one turn, optionally cloning the agent's
// engine config with a different model for the duration of the call.
func runTurnWithModelOverride(ctx context.Context, eng *turnengine.Engine, a *agent.Agent, model string, sess *session.Session, tc *tools.Ctx, promptCtx turnengine.PromptContext, channel, subKey string) error {
	runner := eng
	if model != "" {
		cfg := *a.EngineConfig()
		cfg.Model = model
		runner = &turnengine.Engine{Provider: eng.Provider, Tools: eng.Tools, Engine: &cfg}
	}
	return runner.Run(ctx, sess, tc, promptCtx, channel, subKey)
}

func channelSubKey(sess *session.Session) (channel, subKey string) {
	switch sess.Channel {
	case session.ChannelDiscord:
		if sess.Discord != nil {
			return string(session.ChannelDiscord), sess.Discord.GuildID
		}
		return string(session.ChannelDiscord), ""
	case session.ChannelMatrix:
		if sess.Matrix != nil {
			return string(session.ChannelMatrix), sess.Matrix.RoomID
		}
		return string(session.ChannelMatrix), ""
	default:
		return string(session.ChannelInternal), ""
	}
}

func formatHeartbeatPrompt(checklist string) string {
	return fmt.Sprintf("[HEARTBEAT] Evaluate your heartbeat checklist.\n\n%s", checklist)
}

func isHeartbeatOK(content string) bool {
	return strings.TrimSpace(content) == "HEARTBEAT_OK"
}
