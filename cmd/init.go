package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cireilclaw/cireilclaw/internal/config"
)

// initCmd is the interactive new-agent wizard, prompting for a slug,
// provider credentials, and optional channel connections, then writing the
// resulting agent directory tree. A plain bufio.Scanner line wizard rather
// than a full-screen TUI, so it stays driven by io.Reader/io.Writer for
// testing.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively create a new agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(rootDirFlag, os.Stdin, os.Stdout)
		},
	}
}

func runInit(rootDir string, in io.Reader, out io.Writer) error {
	reader := bufio.NewScanner(in)
	prompt := func(label, def string) string {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		if !reader.Scan() {
			return def
		}
		v := reader.Text()
		if v == "" {
			return def
		}
		return v
	}

	slug := prompt("Agent slug (lowercase, digits, -, _)", "")
	if !config.ValidSlug(slug) {
		return fmt.Errorf("invalid slug %q: must be lowercase letters, digits, - or _", slug)
	}
	agentRoot := config.AgentRoot(rootDir, slug)
	if _, err := os.Stat(agentRoot); err == nil {
		return fmt.Errorf("agent %q already exists at %s", slug, agentRoot)
	}

	apiBase := prompt("Provider API base URL", "https://api.openai.com/v1")
	apiKey := prompt("Provider API key", "")
	model := prompt("Model", "gpt-4o-mini")
	coreInstructions := prompt("One-line core instructions", "You are a helpful assistant.")

	dirs := []string{"workspace", "memories", "blocks", "skills", filepath.Join("config", "channels")}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(agentRoot, d), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}

	if err := os.WriteFile(filepath.Join(agentRoot, "core.md"), []byte(coreInstructions+"\n"), 0o644); err != nil {
		return fmt.Errorf("write core.md: %w", err)
	}

	engineTOML := fmt.Sprintf("apiBase = %q\napiKey = %q\nmodel = %q\n", apiBase, apiKey, model)
	if err := os.WriteFile(filepath.Join(agentRoot, "config", "engine.toml"), []byte(engineTOML), 0o644); err != nil {
		return fmt.Errorf("write engine.toml: %w", err)
	}

	wantsDiscord := prompt("Connect a Discord bot now? (y/N)", "n")
	if wantsDiscord == "y" || wantsDiscord == "Y" {
		token := prompt("Discord bot token", "")
		body := fmt.Sprintf("botToken = %q\n", token)
		if err := os.WriteFile(filepath.Join(agentRoot, "config", "channels", "discord.toml"), []byte(body), 0o644); err != nil {
			return fmt.Errorf("write discord.toml: %w", err)
		}
	}

	wantsMatrix := prompt("Connect a Matrix bot now? (y/N)", "n")
	if wantsMatrix == "y" || wantsMatrix == "Y" {
		homeserver := prompt("Matrix homeserver URL", "https://matrix.org")
		userID := prompt("Matrix bot user id", "")
		token := prompt("Matrix access token", "")
		body := fmt.Sprintf("homeserverUrl = %q\nuserId = %q\naccessToken = %q\n", homeserver, userID, token)
		if err := os.WriteFile(filepath.Join(agentRoot, "config", "channels", "matrix.toml"), []byte(body), 0o644); err != nil {
			return fmt.Errorf("write matrix.toml: %w", err)
		}
	}

	fmt.Fprintf(out, "\nCreated agent %q at %s\n", slug, agentRoot)
	fmt.Fprintf(out, "Run `cireilclaw run --root %s` to start it.\n", rootDir)
	return nil
}
