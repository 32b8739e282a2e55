package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cireilclaw/cireilclaw/internal/agent"
	"github.com/cireilclaw/cireilclaw/internal/config"
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

func newRegistry() *tools.Registry {
	r := tools.NewRegistry()
	r.Register(tools.RespondTool)
	r.Register(tools.NoResponseTool)
	return r
}

func TestHeartbeat_OKSuppression(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write(respondResponse("call-1", "HEARTBEAT_OK"))
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	if err := os.WriteFile(filepath.Join(a.AgentRoot, "workspace", "HEARTBEAT.md"), []byte("check things"), 0o644); err != nil {
		t.Fatal(err)
	}

	sess := a.Store.GetOrCreate(session.DiscordSessionID("c1", ""), session.ChannelDiscord)
	sess.Discord = &session.DiscordMeta{ChannelID: "c1"}
	sess.LastActivity = time.Now()

	var delivered []string
	a.RegisterSend(session.ChannelDiscord, func(sess *session.Session, content string, attachments []tools.Attachment) error {
		delivered = append(delivered, content)
		return nil
	})

	eng := &turnengine.Engine{Provider: provider.New(), Tools: newRegistry(), Engine: a.EngineConfig()}
	s := New(a, eng, nil)

	hb := &config.HeartbeatConfig{Enabled: true, Target: "last", Visibility: config.Visibility{ShowOk: false, ShowAlerts: true}}
	s.fireHeartbeat(context.Background(), hb)

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one provider call, got %d", calls)
	}
	if len(delivered) != 0 {
		t.Fatalf("expected HEARTBEAT_OK to be suppressed (showOk=false), got %v", delivered)
	}
	if sess.IsBusy() {
		t.Fatal("expected busy gate to be cleared after heartbeat")
	}
	if sess.SendFilter != nil {
		t.Fatal("expected the transient sendFilter to be restored to nil")
	}
}

func TestHeartbeat_SkipsWhenChecklistMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider should not be called when HEARTBEAT.md is absent")
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	sess := a.Store.GetOrCreate(session.DiscordSessionID("c1", ""), session.ChannelDiscord)
	sess.LastActivity = time.Now()

	eng := &turnengine.Engine{Provider: provider.New(), Tools: newRegistry(), Engine: a.EngineConfig()}
	s := New(a, eng, nil)

	hb := &config.HeartbeatConfig{Enabled: true, Target: "last"}
	s.fireHeartbeat(context.Background(), hb)
}

func TestFireMain_SingleFlightUnderConcurrentFires(t *testing.T) {
	var inFlight int32
	var maxObserved int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.Header().Set("Content-Type", "application/json")
		w.Write(respondResponse("call-1", "ok"))
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	sess := a.Store.GetOrCreate(session.DiscordSessionID("c1", ""), session.ChannelDiscord)

	eng := &turnengine.Engine{Provider: provider.New(), Tools: newRegistry(), Engine: a.EngineConfig()}
	s := New(a, eng, nil)

	job := config.CronJobConfig{ID: "j1", Execution: "main", Target: session.DiscordSessionID("c1", ""), Prompt: "do it"}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.fireMain(context.Background(), job)
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&maxObserved) > 1 {
		t.Fatalf("expected at most one concurrent turn execution, observed %d", maxObserved)
	}
}

func TestAddOneShot_PersistsAndArms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(respondResponse("call-1", "fired"))
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	eng := &turnengine.Engine{Provider: provider.New(), Tools: newRegistry(), Engine: a.EngineConfig()}
	s := New(a, eng, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	at := time.Now().Add(50 * time.Millisecond).UTC().Format(time.RFC3339)
	if err := s.AddOneShot("job-1", at, "say hi", "none", "none"); err != nil {
		t.Fatalf("AddOneShot: %v", err)
	}

	cfg, err := config.LoadCronConfig(a.AgentRoot)
	if err != nil {
		t.Fatalf("LoadCronConfig: %v", err)
	}
	found := false
	for _, j := range cfg.Jobs {
		if j.ID == "job-1" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected job-1 to be persisted to cron.toml")
	}
}
