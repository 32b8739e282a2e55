// Package harness is the process-wide registry of loaded agents: it loads
// every configured agent, starts each agent's scheduler and channel
// transports, and stops all of them again on Stop. Each agent owns
// its own database, schedulers, and channel credentials, so the harness
// keeps a per-agent registry rather than routing through a shared bus.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cireilclaw/cireilclaw/internal/agent"
	"github.com/cireilclaw/cireilclaw/internal/cerrors"
	"github.com/cireilclaw/cireilclaw/internal/config"
	"github.com/cireilclaw/cireilclaw/internal/provider"
	"github.com/cireilclaw/cireilclaw/internal/scheduler"
	"github.com/cireilclaw/cireilclaw/internal/tools"
	"github.com/cireilclaw/cireilclaw/internal/turnengine"
)

// ChannelTransport is the lifecycle contract a chat transport adapter
// implements: a name for logging, and start/stop hooks the harness drives.
type ChannelTransport interface {
	Name() string
	Start() error
	Stop() error
}

// ChannelFactory builds the transports one agent should run, based on
// whichever channel config files are present under its config/channels/
// directory. Returning an empty slice is valid (an agent with no chat
// transport configured, reachable only via its schedulers). eng is the
// same turn engine the agent's scheduler drives turns with, and sched is
// that same scheduler, so a channel's inbound messages can wire the
// `schedule` tool's live-arming callback exactly like cron/heartbeat turns
// do.
type ChannelFactory func(a *agent.Agent, eng *turnengine.Engine, sched *scheduler.Scheduler) ([]ChannelTransport, error)

type agentEntry struct {
	agent *agent.Agent
	engine *turnengine.Engine
	scheduler *scheduler.Scheduler
	transports []ChannelTransport
}

// Harness owns every loaded agent, its scheduler, and its channel
// transports. Constructed once at process start by cmd/run.go; torn down
// exactly once on shutdown.
type Harness struct {
	rootDir string
	log *slog.Logger
	provider *provider.Client
	factory ChannelFactory

	mu sync.RWMutex
	agents map[string]*agentEntry
}

// New constructs an unloaded Harness rooted at rootDir. factory builds the
// channel transports for each agent once it is loaded; pass nil to run
// with schedulers only (as the tests do).
func New(rootDir string, log *slog.Logger, factory ChannelFactory) *Harness {
	if log == nil {
		log = slog.Default()
	}
	return &Harness{
		rootDir: rootDir,
		log: log,
		provider: provider.New(),
		factory: factory,
		agents: map[string]*agentEntry{},
	}
}

// LoadAgents enumerates {root}/agents/* and loads each one, registering its
// standard tool set and constructing its scheduler. It does not start
// anything; call Start afterward.
func (h *Harness) LoadAgents() error {
	slugs, err := config.ListAgentSlugs(h.rootDir)
	if err != nil {
		return err
	}
	if len(slugs) == 0 {
		h.log.Warn("no agents configured", "root", h.rootDir)
	}
	for _, slug := range slugs {
		if err := h.loadAgent(slug); err != nil {
			return fmt.Errorf("load agent %s: %w", slug, err)
		}
	}
	return nil
}

func (h *Harness) loadAgent(slug string) error {
	a, err := agent.Load(h.rootDir, slug)
	if err != nil {
		return err
	}

	integrations, err := config.LoadIntegrationsConfig(h.rootDir)
	if err != nil {
		return err
	}
	braveKeyFn := func() string {
		if integrations.Brave == nil {
			return ""
		}
		return integrations.Brave.APIKey
	}
	execCfgFn := func() tools.ExecConfig {
		setting := a.ToolsConfig().Tools["exec"]
		return tools.ExecConfig{
			Enabled: setting.Enabled,
			AllowedBinaries: setting.AllowedBinaries,
			TimeoutMs: setting.TimeoutMs,
			AgentRoot: a.AgentRoot,
		}
	}
	if err := tools.RegisterStandard(a.Tools, braveKeyFn, execCfgFn); err != nil {
		return cerrors.New(cerrors.KindConfig, "register tools for "+slug, err)
	}

	eng := &turnengine.Engine{Provider: h.provider, Tools: a.Tools, Engine: a.EngineConfig()}
	sched := scheduler.New(a, eng, h.log)

	h.mu.Lock()
	h.agents[slug] = &agentEntry{agent: a, engine: eng, scheduler: sched}
	h.mu.Unlock()
	return nil
}

// Start arms every agent's scheduler, then starts its channel transports.
func (h *Harness) Start(ctx context.Context) error {
	h.mu.RLock()
	entries := make([]*agentEntry, 0, len(h.agents))
	for _, e := range h.agents {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	for _, e := range entries {
		if err := e.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler for %s: %w", e.agent.Slug, err)
		}
		if h.factory == nil {
			continue
		}
		transports, err := h.factory(e.agent, e.engine, e.scheduler)
		if err != nil {
			return fmt.Errorf("build channel transports for %s: %w", e.agent.Slug, err)
		}
		for _, t := range transports {
			if err := t.Start(); err != nil {
				return fmt.Errorf("start %s transport for %s: %w", t.Name(), e.agent.Slug, err)
			}
			h.log.Info("channel transport started", "agent", e.agent.Slug, "channel", t.Name())
		}
		e.transports = transports
	}
	return nil
}

// Stop stops every channel transport, stops every scheduler, and flushes
// every agent's session store. Safe to call once; a second call is a no-op
// beyond re-iterating already-stopped entries.
func (h *Harness) Stop() {
	h.mu.RLock()
	entries := make([]*agentEntry, 0, len(h.agents))
	for _, e := range h.agents {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	for _, e := range entries {
		for _, t := range e.transports {
			if err := t.Stop(); err != nil {
				h.log.Warn("channel transport stop failed", "agent", e.agent.Slug, "channel", t.Name(), "error", err)
			}
		}
		e.transports = nil
		e.scheduler.Stop()
		if err := e.agent.Store.FlushAllSessions(); err != nil {
			h.log.Warn("flush sessions failed", "agent", e.agent.Slug, "error", err)
		}
		if err := e.agent.Store.Close(); err != nil {
			h.log.Warn("close session store failed", "agent", e.agent.Slug, "error", err)
		}
	}
}

// GetAgent returns the loaded agent for slug, if any.
func (h *Harness) GetAgent(slug string) (*agent.Agent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.agents[slug]
	if !ok {
		return nil, false
	}
	return e.agent, true
}

// GetScheduler returns the scheduler for slug, if any.
func (h *Harness) GetScheduler(slug string) (*scheduler.Scheduler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.agents[slug]
	if !ok {
		return nil, false
	}
	return e.scheduler, true
}

// Slugs returns every loaded agent's slug.
func (h *Harness) Slugs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.agents))
	for slug := range h.agents {
		out = append(out, slug)
	}
	return out
}

// ReloadAgent re-reads {agentRoot}/config/engine.toml and swaps it into the
// live agent atomically. It does not restart the scheduler or channel
// transports; only the engine config (apiBase/apiKey/model/channelOverrides)
// is reloaded.
func (h *Harness) ReloadAgent(slug string) error {
	h.mu.RLock()
	e, ok := h.agents[slug]
	h.mu.RUnlock()
	if !ok {
		return cerrors.New(cerrors.KindConfig, "unknown agent "+slug, nil)
	}
	cfg, err := config.LoadEngineConfig(e.agent.AgentRoot)
	if err != nil {
		return err
	}
	e.agent.SetEngineConfig(cfg)
	h.log.Info("reloaded engine config", "agent", slug)
	return nil
}
