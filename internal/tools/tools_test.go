package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cireilclaw/cireilclaw/internal/pathresolver"
	"github.com/cireilclaw/cireilclaw/internal/session"
)

func newTestCtx(t *testing.T) (*Ctx, *session.Session) {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"workspace", "memories", "blocks", "skills"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	sess := session.NewSession(session.DiscordSessionID("1", ""), session.ChannelDiscord)
	return &Ctx{
		Session:   sess,
		AgentSlug: "test",
		Resolver:  pathresolver.New(root),
	}, sess
}

func TestRegistry_ValidationFailureReturnsStructuredError(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(RespondTool); err != nil {
		t.Fatal(err)
	}
	tc, _ := newTestCtx(t)
	out, err := r.Dispatch(context.Background(), tc, "respond", map[string]interface{}{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["success"] != false {
		t.Fatalf("expected success=false, got %+v", out)
	}
}

func TestRespondTool_SendsAndTerminates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(RespondTool); err != nil {
		t.Fatal(err)
	}
	tc, _ := newTestCtx(t)
	var sent string
	tc.Send = func(content string, attachments []Attachment) { sent = content }

	out, err := r.Dispatch(context.Background(), tc, "respond", map[string]interface{}{"content": "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != "hi" {
		t.Fatalf("expected send to receive 'hi', got %q", sent)
	}
	if !IsTerminal("respond", out) {
		t.Fatal("expected respond to be terminal")
	}
}

func TestListDirTool(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(ListDirTool); err != nil {
		t.Fatal(err)
	}
	tc, _ := newTestCtx(t)
	resolved, err := tc.Resolver.Resolve("/workspace/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(resolved, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	resolvedB, _ := tc.Resolver.Resolve("/workspace/b.txt")
	if err := os.WriteFile(resolvedB, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := r.Dispatch(context.Background(), tc, "list-dir", map[string]interface{}{"path": "/workspace"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, ok := out["entries"].([]map[string]interface{})
	if !ok || len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", out)
	}
}

func TestStrReplaceTool_RejectsNonUniqueMatch(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(StrReplaceTool); err != nil {
		t.Fatal(err)
	}
	tc, _ := newTestCtx(t)
	real, _ := tc.Resolver.Resolve("/workspace/f.txt")
	if err := os.WriteFile(real, []byte("abc abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := r.Dispatch(context.Background(), tc, "str-replace", map[string]interface{}{
		"path": "/workspace/f.txt", "old_text": "abc", "new_text": "xyz",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["success"] != false {
		t.Fatalf("expected failure for non-unique match, got %+v", out)
	}
}

func TestOpenFileCloseFileTool(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(OpenFileTool); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(CloseFileTool); err != nil {
		t.Fatal(err)
	}
	tc, sess := newTestCtx(t)
	real, _ := tc.Resolver.Resolve("/workspace/f.txt")
	if err := os.WriteFile(real, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Dispatch(context.Background(), tc, "open-file", map[string]interface{}{"path": "/workspace/f.txt"}); err != nil {
		t.Fatal(err)
	}
	if len(sess.PinnedFiles) != 1 {
		t.Fatalf("expected 1 pinned file, got %v", sess.PinnedFiles)
	}

	out, err := r.Dispatch(context.Background(), tc, "close-file", map[string]interface{}{"path": "/workspace/f.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if out["removed"] != true {
		t.Fatalf("expected removed=true, got %+v", out)
	}
	if len(sess.PinnedFiles) != 0 {
		t.Fatalf("expected no pinned files, got %v", sess.PinnedFiles)
	}
}
