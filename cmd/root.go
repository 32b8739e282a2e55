// Package cmd wires the cireilclaw CLI surface: `init`, `run`, and `clear`,
// registered on a cobra root command.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cireilclaw/cireilclaw/internal/config"
)

// Version is set at build time via -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var rootDirFlag string

var rootCmd = &cobra.Command{
	Use:   "cireilclaw",
	Short: "cireilclaw — scheduled, tool-using chat agents",
	Long:  "cireilclaw runs one or more agents, each with its own session store, scheduler, and chat transports, driven by an OpenAI-compatible provider.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDirFlag, "root", defaultRootDir(), "agent root directory (default: $HOME/.cireilclaw)")
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cireilclaw " + Version)
		},
	}
}

func defaultRootDir() string {
	if dir, err := config.HomeDir(); err == nil {
		return dir
	}
	return ".cireilclaw"
}

// Execute runs the root cobra command, exiting 1 on any command error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
