// Package config loads the on-disk TOML configuration layout for an agent
// (and the global root directory) using github.com/BurntSushi/toml: engine
// settings, tool enablement, heartbeat and cron schedules, and per-channel
// credentials, each validated and defaulted as it is loaded.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/cireilclaw/cireilclaw/internal/cerrors"
)

// ChannelOverride is a partial per-(guild|room) override of engine fields.
type ChannelOverride struct {
	APIBase *string `toml:"apiBase"`
	APIKey *string `toml:"apiKey"`
	Model *string `toml:"model"`
}

// EngineConfig is {apiBase, apiKey, model, channelOverrides}.
type EngineConfig struct {
	APIBase string `toml:"apiBase"`
	APIKey string `toml:"apiKey"`
	Model string `toml:"model"`

	// Channel -> subKey (guild id / room id) -> override.
	ChannelOverrides map[string]map[string]ChannelOverride `toml:"-"`
}

type engineFile struct {
	APIBase string `toml:"apiBase"`
	APIKey string `toml:"apiKey"`
	Model string `toml:"model"`
	Channel map[string]map[string]ChannelOverride `toml:"channel"`
}

// LoadEngineConfig reads config/engine.toml for one agent.
func LoadEngineConfig(agentRoot string) (*EngineConfig, error) {
	path := filepath.Join(agentRoot, "config", "engine.toml")
	var f engineFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, cerrors.New(cerrors.KindConfig, "invalid engine.toml", err)
	}
	if f.APIBase == "" || f.Model == "" {
		return nil, cerrors.New(cerrors.KindConfig, "engine.toml requires apiBase and model", nil)
	}
	return &EngineConfig{
		APIBase: f.APIBase,
		APIKey: f.APIKey,
		Model: f.Model,
		ChannelOverrides: f.Channel,
	}, nil
}

// Resolve applies a channel/subKey override onto the base config.
func (c *EngineConfig) Resolve(channel, subKey string) (apiBase, apiKey, model string) {
	apiBase, apiKey, model = c.APIBase, c.APIKey, c.Model
	if c.ChannelOverrides == nil {
		return
	}
	bySub, ok := c.ChannelOverrides[channel]
	if !ok {
		return
	}
	override, ok := bySub[subKey]
	if !ok {
		return
	}
	if override.APIBase != nil {
		apiBase = *override.APIBase
	}
	if override.APIKey != nil {
		apiKey = *override.APIKey
	}
	if override.Model != nil {
		model = *override.Model
	}
	return
}

// ToolSetting is either a bare bool or {enabled...tool-specific}.
type ToolSetting struct {
	Enabled bool `toml:"enabled"`
	AllowedBinaries []string `toml:"allowedBinaries"`
	TimeoutMs int `toml:"timeoutMs"`
}

// ToolsConfig is the decoded config/tools.toml table.
type ToolsConfig struct {
	Tools map[string]ToolSetting `toml:"-"`
}

// LoadToolsConfig reads config/tools.toml, tolerating bare `name = true`
// entries by decoding into a generic map first.
func LoadToolsConfig(agentRoot string) (*ToolsConfig, error) {
	path := filepath.Join(agentRoot, "config", "tools.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &ToolsConfig{Tools: map[string]ToolSetting{}}, nil
	}
	var raw map[string]interface{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, cerrors.New(cerrors.KindConfig, "invalid tools.toml", err)
	}
	out := map[string]ToolSetting{}
	for name, v := range raw {
		switch val := v.(type) {
		case bool:
			out[name] = ToolSetting{Enabled: val}
		case map[string]interface{}:
			setting := ToolSetting{Enabled: true}
			if en, ok := val["enabled"].(bool); ok {
				setting.Enabled = en
			}
			if to, ok := val["timeoutMs"].(int64); ok {
				setting.TimeoutMs = int(to)
			}
			if bins, ok := val["allowedBinaries"].([]interface{}); ok {
				for _, b := range bins {
					if s, ok := b.(string); ok {
						setting.AllowedBinaries = append(setting.AllowedBinaries, s)
					}
				}
			}
			out[name] = setting
		}
	}
	return &ToolsConfig{Tools: out}, nil
}

// HeartbeatConfig is the decoded config/heartbeat.toml.
type HeartbeatConfig struct {
	Enabled bool `toml:"enabled"`
	IntervalSec int `toml:"intervalSec"`
	Target string `toml:"target"`
	Model string `toml:"model"`

	ActiveHours *ActiveHours `toml:"activeHours"`
	Visibility Visibility `toml:"visibility"`
}

// ActiveHours is {start, end, tz} in HH:MM.
type ActiveHours struct {
	Start string `toml:"start"`
	End string `toml:"end"`
	TZ string `toml:"tz"`
}

// Visibility is {showAlerts, showOk, useIndicator}.
type Visibility struct {
	ShowAlerts bool `toml:"showAlerts"`
	ShowOk bool `toml:"showOk"`
	UseIndicator bool `toml:"useIndicator"`
}

// LoadHeartbeatConfig reads config/heartbeat.toml. A missing file means
// heartbeat is disabled. An active-hours window where start > end
// lexicographically is rejected at load time: midnight wraparound is not
// supported.
func LoadHeartbeatConfig(agentRoot string) (*HeartbeatConfig, error) {
	path := filepath.Join(agentRoot, "config", "heartbeat.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &HeartbeatConfig{Enabled: false}, nil
	}
	var hb HeartbeatConfig
	if _, err := toml.DecodeFile(path, &hb); err != nil {
		return nil, cerrors.New(cerrors.KindConfig, "invalid heartbeat.toml", err)
	}
	if hb.ActiveHours != nil && hb.ActiveHours.Start > hb.ActiveHours.End {
		return nil, cerrors.New(cerrors.KindConfig, fmt.Sprintf(
			"heartbeat activeHours window %s-%s wraps midnight, which is not supported; split it into two windows or adjust the range",
			hb.ActiveHours.Start, hb.ActiveHours.End), nil)
	}
	return &hb, nil
}

// CronJobConfig mirrors a persisted CronJob row's configurable fields.
type CronJobConfig struct {
	ID string `toml:"id"`
	Enabled bool `toml:"enabled"`
	Execution string `toml:"execution"` // "main" | "isolated"
	Delivery string `toml:"delivery"` // "announce" | "webhook" | "none"
	Target string `toml:"target"`
	Prompt string `toml:"prompt"`
	Model string `toml:"model"`
	WebhookURL string `toml:"webhookUrl"`

	Every int `toml:"every"`
	Cron string `toml:"cron"`
	At string `toml:"at"`
}

// CronConfig is the decoded config/cron.toml {jobs: [...]}.
type CronConfig struct {
	Jobs []CronJobConfig `toml:"jobs"`
}

// LoadCronConfig reads config/cron.toml. Structural TOML errors abort the
// load; per-job schedule validation happens in the scheduler, which logs
// and skips a single bad job rather than aborting startup.
func LoadCronConfig(agentRoot string) (*CronConfig, error) {
	path := filepath.Join(agentRoot, "config", "cron.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &CronConfig{}, nil
	}
	var cc CronConfig
	if _, err := toml.DecodeFile(path, &cc); err != nil {
		return nil, cerrors.New(cerrors.KindConfig, "invalid cron.toml", err)
	}
	return &cc, nil
}

// DiscordChannelConfig is config/channels/discord.toml.
type DiscordChannelConfig struct {
	BotToken string `toml:"botToken"`
}

// LoadDiscordChannelConfig reads config/channels/discord.toml, if present.
func LoadDiscordChannelConfig(agentRoot string) (*DiscordChannelConfig, error) {
	path := filepath.Join(agentRoot, "config", "channels", "discord.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var c DiscordChannelConfig
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, cerrors.New(cerrors.KindConfig, "invalid channels/discord.toml", err)
	}
	return &c, nil
}

// MatrixChannelConfig is config/channels/matrix.toml, following the same
// per-channel-file convention as discord.toml.
type MatrixChannelConfig struct {
	HomeserverURL string `toml:"homeserverUrl"`
	UserID string `toml:"userId"`
	AccessToken string `toml:"accessToken"`
}

// LoadMatrixChannelConfig reads config/channels/matrix.toml, if present.
func LoadMatrixChannelConfig(agentRoot string) (*MatrixChannelConfig, error) {
	path := filepath.Join(agentRoot, "config", "channels", "matrix.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var c MatrixChannelConfig
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, cerrors.New(cerrors.KindConfig, "invalid channels/matrix.toml", err)
	}
	return &c, nil
}

// IntegrationsConfig is the global {root}/config/integrations.toml.
type IntegrationsConfig struct {
	Brave *BraveConfig `toml:"brave"`
}

// BraveConfig is {apiKey} for the brave-search tool.
type BraveConfig struct {
	APIKey string `toml:"apiKey"`
}

// LoadIntegrationsConfig reads {root}/config/integrations.toml.
func LoadIntegrationsConfig(rootDir string) (*IntegrationsConfig, error) {
	path := filepath.Join(rootDir, "config", "integrations.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &IntegrationsConfig{}, nil
	}
	var ic IntegrationsConfig
	if _, err := toml.DecodeFile(path, &ic); err != nil {
		return nil, cerrors.New(cerrors.KindConfig, "invalid integrations.toml", err)
	}
	return &ic, nil
}

// HomeDir resolves $HOME/.cireilclaw environment variable contract.
func HomeDir() (string, error) {
	home := os.Getenv("HOME")
	if home == "" {
		return "", cerrors.New(cerrors.KindConfig, "HOME environment variable is not set", nil)
	}
	return filepath.Join(home, ".cireilclaw"), nil
}

// AgentRoot returns {root}/agents/{slug}.
func AgentRoot(rootDir, slug string) string {
	return filepath.Join(rootDir, "agents", slug)
}

// ValidSlug reports whether slug is a URL-safe agent identifier.
func ValidSlug(slug string) bool {
	if slug == "" {
		return false
	}
	for _, r := range slug {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

// ListAgentSlugs enumerates {root}/agents/* directories.
func ListAgentSlugs(rootDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(rootDir, "agents"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var slugs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			slugs = append(slugs, e.Name())
		}
	}
	return slugs, nil
}
