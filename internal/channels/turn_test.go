package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cireilclaw/cireilclaw/internal/agent"
	"github.com/cireilclaw/cireilclaw/internal/provider"
	"github.com/cireilclaw/cireilclaw/internal/session"
	"github.com/cireilclaw/cireilclaw/internal/tools"
	"github.com/cireilclaw/cireilclaw/internal/turnengine"
)

func newTestAgent(t *testing.T, apiBase string) *agent.Agent {
	t.Helper()
	rootDir := t.TempDir()
	agentRoot := filepath.Join(rootDir, "agents", "demo")
	for _, d := range []string{"workspace", "memories", "blocks", "skills", "config"} {
		if err := os.MkdirAll(filepath.Join(agentRoot, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(agentRoot, "core.md"), []byte("be helpful"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(agentRoot, "config", "engine.toml"), []byte(`apiBase = "`+apiBase+`"
model = "test-model"
`), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := agent.Load(rootDir, "demo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() {
		a.Store.FlushAllSessions()
		a.Store.Close()
	})
	return a
}

func newRegistry() *tools.Registry {
	r := tools.NewRegistry()
	r.Register(tools.RespondTool)
	r.Register(tools.NoResponseTool)
	return r
}

func respondResponse(id, content string) []byte {
	resp := map[string]interface{}{
		"choices": []map[string]interface{}{
			{
				"message": map[string]interface{}{
					"content": "",
					"tool_calls": []map[string]interface{}{
						{"id": id, "type": "function", "function": map[string]interface{}{
							"name":      "respond",
							"arguments": `{"content":"` + content + `"}`,
						}},
					},
				},
				"finish_reason": "tool_calls",
			},
		},
	}
	b, _ := json.Marshal(resp)
	return b
}

func TestWaitAndAcquire_SucceedsImmediatelyWhenFree(t *testing.T) {
	sess := session.NewSession("s1", session.ChannelDiscord)
	if !WaitAndAcquire(sess) {
		t.Fatal("expected immediate acquire on a free session")
	}
	if !sess.IsBusy() {
		t.Fatal("expected session to be marked busy after acquire")
	}
}

func TestWaitAndAcquire_DropsAfterDeadlineWhenBusy(t *testing.T) {
	sess := session.NewSession("s1", session.ChannelDiscord)
	if !sess.TryAcquire() {
		t.Fatal("setup: expected to acquire the gate")
	}

	start := time.Now()
	acquired := WaitAndAcquire(sess)
	elapsed := time.Since(start)

	if acquired {
		t.Fatal("expected WaitAndAcquire to fail while the gate is held")
	}
	if elapsed < busyWaitTotal {
		t.Fatalf("expected to poll for at least %s, took %s", busyWaitTotal, elapsed)
	}
}

func TestWaitAndAcquire_SucceedsOnceReleasedMidPoll(t *testing.T) {
	sess := session.NewSession("s1", session.ChannelDiscord)
	if !sess.TryAcquire() {
		t.Fatal("setup: expected to acquire the gate")
	}
	go func() {
		time.Sleep(600 * time.Millisecond)
		sess.Release()
	}()

	if !WaitAndAcquire(sess) {
		t.Fatal("expected WaitAndAcquire to succeed once the gate is released mid-poll")
	}
}

func TestRunInboundTurn_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(respondResponse("call-1", "hello back"))
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	sess := a.Store.GetOrCreate(session.DiscordSessionID("c1", ""), session.ChannelDiscord)
	sess.Discord = &session.DiscordMeta{ChannelID: "c1"}

	var delivered []string
	a.RegisterSend(session.ChannelDiscord, func(sess *session.Session, content string, attachments []tools.Attachment) error {
		delivered = append(delivered, content)
		return nil
	})

	eng := &turnengine.Engine{Provider: provider.New(), Tools: newRegistry(), Engine: a.EngineConfig()}
	RunInboundTurn(context.Background(), a, eng, nil, sess, string(session.ChannelDiscord), "", InboundMessage{Text: "hi there"}, nil)

	if sess.IsBusy() {
		t.Fatal("expected busy gate to be released after the turn")
	}
	if len(delivered) != 1 || delivered[0] != "hello back" {
		t.Fatalf("expected one delivered reply %q, got %v", "hello back", delivered)
	}
}

func TestRunInboundTurn_DropsWhenSessionBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider must not be called when the inbound event is dropped")
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	sess := a.Store.GetOrCreate(session.DiscordSessionID("c1", ""), session.ChannelDiscord)
	if !sess.TryAcquire() {
		t.Fatal("setup: expected to acquire the gate")
	}
	defer sess.Release()

	eng := &turnengine.Engine{Provider: provider.New(), Tools: newRegistry(), Engine: a.EngineConfig()}
	RunInboundTurn(context.Background(), a, eng, nil, sess, string(session.ChannelDiscord), "", InboundMessage{Text: "hi there"}, nil)
}

func TestRunInboundTurn_RollsBackHistoryOnProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	sess := a.Store.GetOrCreate(session.DiscordSessionID("c1", ""), session.ChannelDiscord)
	sess.Discord = &session.DiscordMeta{ChannelID: "c1"}

	eng := &turnengine.Engine{Provider: provider.New(), Tools: newRegistry(), Engine: a.EngineConfig()}
	RunInboundTurn(context.Background(), a, eng, nil, sess, string(session.ChannelDiscord), "", InboundMessage{Text: "hi there"}, nil)

	if sess.IsBusy() {
		t.Fatal("expected busy gate to be released even when the turn fails")
	}
	if len(sess.History) != 0 {
		t.Fatalf("expected the inbound message to be rolled back, history len %d", len(sess.History))
	}
}
