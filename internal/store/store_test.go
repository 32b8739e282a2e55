package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cireilclaw/cireilclaw/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "workspace"), 0o755); err != nil {
		t.Fatal(err)
	}
	s, err := Open(root)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreate_PersistsDiscordSession(t *testing.T) {
	s := newTestStore(t)
	id := session.DiscordSessionID("123", "")
	sess := s.GetOrCreate(id, session.ChannelDiscord)
	sess.Discord = &session.DiscordMeta{ChannelID: "123"}
	sess.History = append(sess.History, session.UserText("hello"))

	s.Save(sess)
	if err := s.FlushAllSessions(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	s2, err := Open(s.agentRoot)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	reloaded, ok := s2.Get(id)
	if !ok {
		t.Fatal("expected session to be persisted")
	}
	if len(reloaded.History) != 1 || reloaded.History[0].Text() != "hello" {
		t.Fatalf("unexpected history: %+v", reloaded.History)
	}
}

func TestInternalSessionNeverPersisted(t *testing.T) {
	s := newTestStore(t)
	id := session.InternalSessionID("job1")
	sess := s.GetOrCreate(id, session.ChannelInternal)
	sess.History = append(sess.History, session.UserText("hi"))
	s.Save(sess)
	if err := s.FlushAllSessions(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected internal session to never be written, found %d rows", count)
	}
}

func TestDebouncedSave_CoalescesRepeatedCalls(t *testing.T) {
	s := newTestStore(t)
	id := session.DiscordSessionID("1", "")
	sess := s.GetOrCreate(id, session.ChannelDiscord)
	sess.Discord = &session.DiscordMeta{ChannelID: "1"}

	for i := 0; i < 5; i++ {
		sess.Lock()
		sess.History = append(sess.History, session.UserText("msg"))
		sess.Unlock()
		s.Save(sess)
		time.Sleep(50 * time.Millisecond)
	}

	time.Sleep(debounceInterval + 500*time.Millisecond)

	s.mu.Lock()
	pending := len(s.timers)
	s.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected no pending timers after debounce window, got %d", pending)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row, got %d", count)
	}
}

func TestImageDedupAndGC(t *testing.T) {
	s := newTestStore(t)
	idA := session.DiscordSessionID("a", "")
	idB := session.DiscordSessionID("b", "")
	sessA := s.GetOrCreate(idA, session.ChannelDiscord)
	sessA.Discord = &session.DiscordMeta{ChannelID: "a"}
	sessB := s.GetOrCreate(idB, session.ChannelDiscord)
	sessB.Discord = &session.DiscordMeta{ChannelID: "b"}

	data := []byte("same-bytes")
	img := session.Content{Kind: session.ContentImage, Image: session.ImageContent{MediaType: "image/jpeg", Data: data}}
	sessA.History = append(sessA.History, session.Message{Role: session.RoleUser, Content: []session.Content{img}, Persist: true})
	sessB.History = append(sessB.History, session.Message{Role: session.RoleUser, Content: []session.Content{img}, Persist: true})

	s.Save(sessA)
	s.Save(sessB)
	if err := s.FlushAllSessions(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	id := hashBytes(data)
	imgPath := s.imagePath(id, "image/jpeg")
	if _, err := os.Stat(imgPath); err != nil {
		t.Fatalf("expected image file to exist: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM images WHERE id = ?`, id).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected 2 reference rows, got %d", count)
	}

	if err := s.DeleteSession(idA); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := os.Stat(imgPath); err != nil {
		t.Fatalf("expected image file to survive GC while B still refs it: %v", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM images WHERE id = ? AND sessionId = ?`, id, idA).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected session A's image row removed, got %d", count)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM images WHERE id = ? AND sessionId = ?`, id, idB).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected session B's image row to remain, got %d", count)
	}

	if err := s.DeleteSession(idB); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(imgPath); !os.IsNotExist(err) {
		t.Fatalf("expected image file removed once refcount hits zero, err=%v", err)
	}
}
