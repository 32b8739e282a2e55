package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cireilclaw/cireilclaw/internal/agent"
	"github.com/cireilclaw/cireilclaw/internal/config"
)

var clearAgentFlag string

// clearCmd implements "clear [--agent=slug]", removing one or all agents' sessions.
func clearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove one or all agents' sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(rootDirFlag, clearAgentFlag)
		},
	}
	cmd.Flags().StringVar(&clearAgentFlag, "agent", "", "agent slug (default: all agents)")
	return cmd
}

func runClear(rootDir, slug string) error {
	slugs := []string{slug}
	if slug == "" {
		var err error
		slugs, err = config.ListAgentSlugs(rootDir)
		if err != nil {
			return fmt.Errorf("list agents: %w", err)
		}
	}

	for _, s := range slugs {
		a, err := agent.Load(rootDir, s)
		if err != nil {
			return fmt.Errorf("load agent %s: %w", s, err)
		}
		ids := a.Store.List()
		for _, id := range ids {
			if err := a.Store.DeleteSession(id); err != nil {
				a.Store.Close()
				return fmt.Errorf("delete session %s for agent %s: %w", id, s, err)
			}
		}
		a.Store.Close()
		fmt.Printf("cleared %d session(s) for agent %s\n", len(ids), s)
	}
	return nil
}
