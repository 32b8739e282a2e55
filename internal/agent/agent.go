// Package agent owns the per-agent runtime state: engine configuration, the
// session map (backed by the store package), and the registered
// send/react/download handlers keyed by channel kind. The turn-execution
// loop itself lives in internal/turnengine, kept importable without
// dragging in filesystem loading concerns.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/cireilclaw/cireilclaw/internal/cerrors"
	"github.com/cireilclaw/cireilclaw/internal/config"
	"github.com/cireilclaw/cireilclaw/internal/pathresolver"
	"github.com/cireilclaw/cireilclaw/internal/session"
	"github.com/cireilclaw/cireilclaw/internal/store"
	"github.com/cireilclaw/cireilclaw/internal/tools"
	"github.com/cireilclaw/cireilclaw/internal/turnengine"
)

// SendFunc delivers content (with optional attachments) to one session via
// its channel-specific transport.
type SendFunc func(sess *session.Session, content string, attachments []tools.Attachment) error

// ReactFunc reacts to a channel message with an emoji.
type ReactFunc func(sess *session.Session, emoji, messageID string) error

// DownloadFunc fetches the attachments carried by a channel message.
type DownloadFunc func(sess *session.Session, messageID string) ([]tools.Attachment, error)

// Agent is the runtime bundle for one slug: engine config, the session
// store, the tool registry, the resolver rooted at this agent's directory,
// and the channel handlers registered by the harness at startup.
type Agent struct {
	Slug string
	RootDir string
	AgentRoot string

	Resolver *pathresolver.Resolver
	Store *store.Store
	Tools *tools.Registry

	engineMu sync.RWMutex
	engine *config.EngineConfig

	toolsConfig *config.ToolsConfig

	CoreInstructions string
	MemoryBlocks []session.MemoryBlock
	Skills []session.Skill

	handlersMu sync.RWMutex
	sendFuncs map[session.Channel]SendFunc
	reactFuncs map[session.Channel]ReactFunc
	dlFuncs map[session.Channel]DownloadFunc
}

// Load builds an Agent from {rootDir}/agents/{slug}, reading its engine
// config, tools config, core instructions, memory blocks, and skills, and
// opening its session database. Lifecycle: called once at startup per
// configured slug; later config hot-reload swaps EngineConfig atomically
// via SetEngineConfig.
func Load(rootDir, slug string) (*Agent, error) {
	if !config.ValidSlug(slug) {
		return nil, cerrors.New(cerrors.KindConfig, fmt.Sprintf("invalid agent slug %q", slug), nil)
	}
	agentRoot := config.AgentRoot(rootDir, slug)

	engineCfg, err := config.LoadEngineConfig(agentRoot)
	if err != nil {
		return nil, err
	}
	toolsCfg, err := config.LoadToolsConfig(agentRoot)
	if err != nil {
		return nil, err
	}

	resolver := pathresolver.New(agentRoot)

	st, err := store.Open(agentRoot)
	if err != nil {
		return nil, cerrors.New(cerrors.KindConfig, "open session store", err)
	}

	core, err := loadCoreInstructions(agentRoot)
	if err != nil {
		return nil, err
	}
	blocks, err := loadMemoryBlocksFromDisk(agentRoot)
	if err != nil {
		return nil, err
	}
	skills, err := loadSkillsFromDisk(agentRoot)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		Slug: slug,
		RootDir: rootDir,
		AgentRoot: agentRoot,
		Resolver: resolver,
		Store: st,
		Tools: tools.NewRegistry(),
		engine: engineCfg,
		toolsConfig: toolsCfg,
		CoreInstructions: core,
		MemoryBlocks: blocks,
		Skills: skills,
		sendFuncs: map[session.Channel]SendFunc{},
		reactFuncs: map[session.Channel]ReactFunc{},
		dlFuncs: map[session.Channel]DownloadFunc{},
	}
	return a, nil
}

// EngineConfig returns the currently active engine config.
func (a *Agent) EngineConfig() *config.EngineConfig {
	a.engineMu.RLock()
	defer a.engineMu.RUnlock()
	return a.engine
}

// SetEngineConfig atomically swaps the engine config, used by config hot-reload.
func (a *Agent) SetEngineConfig(cfg *config.EngineConfig) {
	a.engineMu.Lock()
	defer a.engineMu.Unlock()
	a.engine = cfg
}

// ToolsConfig returns the currently loaded tool enablement table.
func (a *Agent) ToolsConfig() *config.ToolsConfig {
	return a.toolsConfig
}

// RegisterSend installs the send handler for a channel kind.
func (a *Agent) RegisterSend(channel session.Channel, fn SendFunc) {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	a.sendFuncs[channel] = fn
}

// RegisterReact installs the react handler for a channel kind.
func (a *Agent) RegisterReact(channel session.Channel, fn ReactFunc) {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	a.reactFuncs[channel] = fn
}

// RegisterDownload installs the attachment-download handler for a channel kind.
func (a *Agent) RegisterDownload(channel session.Channel, fn DownloadFunc) {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	a.dlFuncs[channel] = fn
}

// Send delivers content to sess, consulting sess.SendFilter first and
// falling back to a no-op for the internal channel.
func (a *Agent) Send(sess *session.Session, content string, attachments []tools.Attachment) error {
	sess.Lock()
	filter := sess.SendFilter
	channel := sess.Channel
	sess.Unlock()

	if filter != nil && !filter(content) {
		return nil
	}
	if channel == session.ChannelInternal {
		return nil
	}

	a.handlersMu.RLock()
	fn := a.sendFuncs[channel]
	a.handlersMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(sess, content, attachments)
}

// BuildToolCtx constructs a tools.Ctx bound to sess for one turn.
func (a *Agent) BuildToolCtx(sess *session.Session, scheduleOneShot func(id, at, prompt, delivery, target string) error) *tools.Ctx {
	return &tools.Ctx{
		Session: sess,
		AgentSlug: a.Slug,
		Resolver: a.Resolver,
		Send: func(content string, attachments []tools.Attachment) {
			_ = a.Send(sess, content, attachments)
		},
		React: func(emoji, messageID string) error {
			a.handlersMu.RLock()
			fn := a.reactFuncs[sess.Channel]
			a.handlersMu.RUnlock()
			if fn == nil {
				return nil
			}
			return fn(sess, emoji, messageID)
		},
		DownloadAttachments: func(messageID string) ([]tools.Attachment, error) {
			a.handlersMu.RLock()
			fn := a.dlFuncs[sess.Channel]
			a.handlersMu.RUnlock()
			if fn == nil {
				return nil, nil
			}
			return fn(sess, messageID)
		},
		SessionInfo: func() map[string]interface{} {
			return sessionInfoFields(sess)
		},
		ScheduleOneShot: scheduleOneShot,
	}
}

// PromptContext builds the turnengine.PromptContext for one turn, resolving
// pinned files through the agent's resolver.
func (a *Agent) PromptContext(channelFields map[string]string) turnengine.PromptContext {
	return turnengine.PromptContext{
		BaseInstructions: a.CoreInstructions,
		ChannelFields: channelFields,
		MemoryBlocks: a.MemoryBlocks,
		Skills: a.Skills,
		ResolvePinned: func(path string) (string, int, error) {
			real, err := a.Resolver.Resolve(path)
			if err != nil {
				return "", 0, err
			}
			data, err := os.ReadFile(real)
			if err != nil {
				return "", 0, err
			}
			return string(data), len(data), nil
		},
	}
}

func sessionInfoFields(sess *session.Session) map[string]interface{} {
	out := map[string]interface{}{"sessionId": sess.ID, "channel": string(sess.Channel)}
	switch sess.Channel {
	case session.ChannelDiscord:
		if sess.Discord != nil {
			out["channelId"] = sess.Discord.ChannelID
			out["guildId"] = sess.Discord.GuildID
			out["isNsfw"] = sess.Discord.IsNSFW
		}
	case session.ChannelMatrix:
		if sess.Matrix != nil {
			out["roomId"] = sess.Matrix.RoomID
		}
	case session.ChannelInternal:
		if sess.Internal != nil {
			out["jobId"] = sess.Internal.JobID
		}
	}
	return out
}

func loadCoreInstructions(agentRoot string) (string, error) {
	data, err := os.ReadFile(filepath.Join(agentRoot, "core.md"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", cerrors.New(cerrors.KindConfig, "read core.md", err)
	}
	return string(data), nil
}

func loadMemoryBlocksFromDisk(agentRoot string) ([]session.MemoryBlock, error) {
	dir := filepath.Join(agentRoot, "blocks")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cerrors.New(cerrors.KindConfig, "list blocks", err)
	}
	files := map[string]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		label := strings.TrimSuffix(e.Name(), ".md")
		files[label] = filepath.Join(dir, e.Name())
	}
	return turnengine.LoadMemoryBlocks(files)
}

type skillFrontmatter struct {
	Summary string `toml:"summary"`
	WhenToUse string `toml:"whenToUse"`
}

// loadSkillsFromDisk reads every /skills/*.md file's TOML frontmatter
// ({summary, whenToUse}), validating both fields are present.
func loadSkillsFromDisk(agentRoot string) ([]session.Skill, error) {
	dir := filepath.Join(agentRoot, "skills")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cerrors.New(cerrors.KindConfig, "list skills", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var skills []session.Skill
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, cerrors.New(cerrors.KindConfig, "read skill "+name, err)
		}
		fm, _ := splitToolFrontmatter(string(raw))
		var sf skillFrontmatter
		if _, err := toml.Decode(fm, &sf); err != nil {
			return nil, cerrors.New(cerrors.KindConfig, "invalid frontmatter in skill "+name, err)
		}
		if sf.Summary == "" || sf.WhenToUse == "" {
			return nil, cerrors.New(cerrors.KindConfig, "skill "+name+" requires summary and whenToUse", nil)
		}
		skills = append(skills, session.Skill{
			Slug: strings.TrimSuffix(name, ".md"),
			Summary: sf.Summary,
			WhenToUse: sf.WhenToUse,
		})
	}
	return skills, nil
}

func splitToolFrontmatter(raw string) (frontmatter, body string) {
	const delim = "+++"
	if !strings.HasPrefix(raw, delim) {
		return "", raw
	}
	rest := raw[len(delim):]
	end := strings.Index(rest, delim)
	if end < 0 {
		return "", raw
	}
	return rest[:end], strings.TrimPrefix(rest[end+len(delim):], "\n")
}
