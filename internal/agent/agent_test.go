package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cireilclaw/cireilclaw/internal/session"
	"github.com/cireilclaw/cireilclaw/internal/tools"
)

func newTestAgent(t *testing.T) (*Agent, string) {
	t.Helper()
	rootDir := t.TempDir()
	agentRoot := filepath.Join(rootDir, "agents", "demo")
	for _, d := range []string{"workspace", "memories", "blocks", "skills", "config"} {
		if err := os.MkdirAll(filepath.Join(agentRoot, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(agentRoot, "core.md"), []byte("You are a helpful agent."), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(agentRoot, "config", "engine.toml"), []byte(`apiBase = "https://example.invalid/v1"
model = "gpt-test"
`), 0o644); err != nil {
		t.Fatal(err)
	}
	block := "+++\ndescription = \"identity\"\n+++\nYou are Demo.\n"
	if err := os.WriteFile(filepath.Join(agentRoot, "blocks", "identity.md"), []byte(block), 0o644); err != nil {
		t.Fatal(err)
	}
	skill := "+++\nsummary = \"does a thing\"\nwhenToUse = \"when asked to do the thing\"\n+++\nDo the thing.\n"
	if err := os.WriteFile(filepath.Join(agentRoot, "skills", "thing.md"), []byte(skill), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := Load(rootDir, "demo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { a.Store.Close() })
	return a, rootDir
}

func TestLoad_ReadsCoreBlocksAndSkills(t *testing.T) {
	a, _ := newTestAgent(t)

	if a.CoreInstructions != "You are a helpful agent." {
		t.Fatalf("core instructions = %q", a.CoreInstructions)
	}
	if len(a.MemoryBlocks) != 1 || a.MemoryBlocks[0].Label != "identity" {
		t.Fatalf("memory blocks = %+v", a.MemoryBlocks)
	}
	if a.MemoryBlocks[0].Description != "identity" {
		t.Fatalf("block description = %q", a.MemoryBlocks[0].Description)
	}
	if len(a.Skills) != 1 || a.Skills[0].Slug != "thing" {
		t.Fatalf("skills = %+v", a.Skills)
	}
	if a.EngineConfig().Model != "gpt-test" {
		t.Fatalf("engine model = %q", a.EngineConfig().Model)
	}
}

func TestSetEngineConfig_SwapsAtomically(t *testing.T) {
	a, _ := newTestAgent(t)
	orig := a.EngineConfig()

	next := *orig
	next.Model = "gpt-next"
	a.SetEngineConfig(&next)

	if a.EngineConfig().Model != "gpt-next" {
		t.Fatalf("engine config not swapped: %+v", a.EngineConfig())
	}
}

func TestSend_InternalChannelIsANoOp(t *testing.T) {
	a, _ := newTestAgent(t)

	sess := session.NewSession(session.InternalSessionID("job-1"), session.ChannelInternal)
	if err := a.Send(sess, "hello", nil); err != nil {
		t.Fatalf("Send on internal channel: %v", err)
	}
}

func TestSend_FilterSuppressesDelivery(t *testing.T) {
	a, _ := newTestAgent(t)

	delivered := false
	a.RegisterSend(session.ChannelDiscord, func(sess *session.Session, content string, attachments []tools.Attachment) error {
		delivered = true
		return nil
	})

	sess := session.NewSession(session.DiscordSessionID("c1", ""), session.ChannelDiscord)
	sess.SendFilter = func(content string) bool { return false }

	if err := a.Send(sess, "hello", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if delivered {
		t.Fatal("expected SendFilter to suppress delivery")
	}
}

func TestBuildToolCtx_SessionInfoReflectsChannel(t *testing.T) {
	a, _ := newTestAgent(t)
	sess := session.NewSession(session.DiscordSessionID("c1", "g1"), session.ChannelDiscord)
	sess.Discord = &session.DiscordMeta{ChannelID: "c1", GuildID: "g1"}

	tc := a.BuildToolCtx(sess, nil)
	info := tc.SessionInfo()
	if info["channelId"] != "c1" || info["guildId"] != "g1" {
		t.Fatalf("session info = %+v", info)
	}
}
