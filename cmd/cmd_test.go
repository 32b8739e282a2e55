package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"log/slog"

	"github.com/cireilclaw/cireilclaw/internal/agent"
	"github.com/cireilclaw/cireilclaw/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"error", slog.LevelError, false},
		{"warning", slog.LevelWarn, false},
		{"info", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"trace", 0, true},
		{"", 0, true},
	}
	for _, c := range cases {
		got, err := parseLogLevel(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseLogLevel(%q): expected error, got nil", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseLogLevel(%q): unexpected error %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestRunInit_WritesAgentFiles(t *testing.T) {
	rootDir := t.TempDir()
	input := strings.NewReader("demo\nhttps://api.example.com/v1\nsk-test\ngpt-test\nBe terse.\nn\nn\n")
	var out bytes.Buffer

	if err := runInit(rootDir, input, &out); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	agentRoot := config.AgentRoot(rootDir, "demo")
	for _, f := range []string{"core.md", filepath.Join("config", "engine.toml")} {
		if _, err := os.Stat(filepath.Join(agentRoot, f)); err != nil {
			t.Errorf("expected %s to be created: %v", f, err)
		}
	}
	for _, d := range []string{"workspace", "memories", "blocks", "skills"} {
		if fi, err := os.Stat(filepath.Join(agentRoot, d)); err != nil || !fi.IsDir() {
			t.Errorf("expected directory %s to exist", d)
		}
	}
	if _, err := os.Stat(filepath.Join(agentRoot, "config", "channels", "discord.toml")); err == nil {
		t.Error("expected no discord.toml since the wizard answered 'n'")
	}

	if _, err := agent.Load(rootDir, "demo"); err != nil {
		t.Fatalf("expected the written agent to load cleanly: %v", err)
	}
}

func TestRunInit_RejectsInvalidSlug(t *testing.T) {
	rootDir := t.TempDir()
	input := strings.NewReader("Not Valid!\n")
	var out bytes.Buffer
	if err := runInit(rootDir, input, &out); err == nil {
		t.Fatal("expected an error for an invalid slug")
	}
}

func TestRunInit_RejectsExistingAgent(t *testing.T) {
	rootDir := t.TempDir()
	if err := os.MkdirAll(config.AgentRoot(rootDir, "demo"), 0o755); err != nil {
		t.Fatal(err)
	}
	input := strings.NewReader("demo\n")
	var out bytes.Buffer
	if err := runInit(rootDir, input, &out); err == nil {
		t.Fatal("expected an error when the agent directory already exists")
	}
}

func newClearTestAgent(t *testing.T, rootDir, slug string) {
	t.Helper()
	agentRoot := config.AgentRoot(rootDir, slug)
	for _, d := range []string{"workspace", "memories", "blocks", "skills", "config"} {
		if err := os.MkdirAll(filepath.Join(agentRoot, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(agentRoot, "core.md"), []byte("be helpful"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(agentRoot, "config", "engine.toml"), []byte(`apiBase = "https://example.com"
model = "test-model"
`), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunClear_RemovesAllSessionsForOneAgent(t *testing.T) {
	rootDir := t.TempDir()
	newClearTestAgent(t, rootDir, "demo")

	a, err := agent.Load(rootDir, "demo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s1 := a.Store.GetOrCreate("discord:c1", "discord")
	s2 := a.Store.GetOrCreate("discord:c2", "discord")
	a.Store.Save(s1)
	a.Store.Save(s2)
	a.Store.FlushAllSessions()
	a.Store.Close()

	if err := runClear(rootDir, "demo"); err != nil {
		t.Fatalf("runClear: %v", err)
	}

	a2, err := agent.Load(rootDir, "demo")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer a2.Store.Close()
	if len(a2.Store.List()) != 0 {
		t.Fatalf("expected no sessions left after clear, got %v", a2.Store.List())
	}
}

func TestRunClear_AllAgentsWhenSlugEmpty(t *testing.T) {
	rootDir := t.TempDir()
	newClearTestAgent(t, rootDir, "alpha")
	newClearTestAgent(t, rootDir, "beta")

	for _, slug := range []string{"alpha", "beta"} {
		a, err := agent.Load(rootDir, slug)
		if err != nil {
			t.Fatalf("Load %s: %v", slug, err)
		}
		sess := a.Store.GetOrCreate("discord:c1", "discord")
		a.Store.Save(sess)
		a.Store.FlushAllSessions()
		a.Store.Close()
	}

	if err := runClear(rootDir, ""); err != nil {
		t.Fatalf("runClear: %v", err)
	}

	for _, slug := range []string{"alpha", "beta"} {
		a, err := agent.Load(rootDir, slug)
		if err != nil {
			t.Fatalf("reload %s: %v", slug, err)
		}
		if len(a.Store.List()) != 0 {
			t.Fatalf("expected agent %s to have no sessions left", slug)
		}
		a.Store.Close()
	}
}
