package pathresolver

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cireilclaw/cireilclaw/internal/cerrors"
)

func newTestAgentRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"workspace", "memories", "blocks", "skills"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestResolve_Basic(t *testing.T) {
	root := newTestAgentRoot(t)
	if err := os.WriteFile(filepath.Join(root, "workspace", "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := New(root)
	real, err := r.Resolve("/workspace/a.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := filepath.EvalSymlinks(filepath.Join(root, "workspace", "a.txt"))
	if real != want {
		t.Fatalf("got %s want %s", real, want)
	}
}

func TestResolve_RejectsUnknownRoot(t *testing.T) {
	root := newTestAgentRoot(t)
	r := New(root)
	if _, err := r.Resolve("/etc/passwd"); err == nil {
		t.Fatal("expected AccessDenied")
	} else if !errors.Is(err, cerrors.AccessDenied) {
		t.Fatalf("expected AccessDenied kind, got %v", err)
	}
}

func TestResolve_RejectsDotDotTraversal(t *testing.T) {
	root := newTestAgentRoot(t)
	r := New(root)
	if _, err := r.Resolve("/workspace/../../../etc/passwd"); err == nil {
		t.Fatal("expected AccessDenied")
	} else if !errors.Is(err, cerrors.AccessDenied) {
		t.Fatalf("expected AccessDenied kind, got %v", err)
	}
}

func TestResolve_RejectsSymlinkEscape(t *testing.T) {
	root := newTestAgentRoot(t)
	link := filepath.Join(root, "workspace", "link")
	if err := os.Symlink("/etc", link); err != nil {
		t.Fatal(err)
	}
	r := New(root)
	_, err := r.Resolve("/workspace/link/passwd")
	if err == nil {
		t.Fatal("expected AccessDenied for symlink escape")
	}
	if !errors.Is(err, cerrors.AccessDenied) {
		t.Fatalf("expected AccessDenied kind, got %v", err)
	}
}

func TestResolve_AllowsNonexistentFileForWrite(t *testing.T) {
	root := newTestAgentRoot(t)
	r := New(root)
	real, err := r.Resolve("/workspace/new/nested/file.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(root, "workspace", "new", "nested", "file.md")
	if real != want {
		t.Fatalf("got %s want %s", real, want)
	}
}

func TestResolve_SanitizesErrorMessage(t *testing.T) {
	root := newTestAgentRoot(t)
	r := New(root)
	_, err := r.Resolve("/bogus/x")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got == "" {
		t.Fatal("expected non-empty error")
	}
}
