package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/cireilclaw/cireilclaw/internal/cerrors"
)

func TestRun_AllowlistMiss(t *testing.T) {
	_, err := Run(context.Background(), Request{
		Command:         "nmap",
		AllowedBinaries: []string{"ls"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, cerrors.Sandbox) {
		t.Fatalf("expected SandboxError, got %v", err)
	}
	want := "Command 'nmap' is not in the allowed binaries list."
	var ce *cerrors.Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected *cerrors.Error, got %T", err)
	}
	if ce.Message != want {
		t.Fatalf("got message %q want %q", ce.Message, want)
	}
}

func TestRun_DisallowedCharacters(t *testing.T) {
	_, err := Run(context.Background(), Request{
		Command:         "ls; rm -rf /",
		AllowedBinaries: []string{"ls; rm -rf /"},
	})
	if err == nil || !errors.Is(err, cerrors.Sandbox) {
		t.Fatalf("expected SandboxError for disallowed characters, got %v", err)
	}
}

func TestRun_EmptyCommand(t *testing.T) {
	_, err := Run(context.Background(), Request{Command: ""})
	if err == nil || !errors.Is(err, cerrors.Sandbox) {
		t.Fatalf("expected SandboxError for empty command, got %v", err)
	}
}
