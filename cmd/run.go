package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cireilclaw/cireilclaw/internal/agent"
	"github.com/cireilclaw/cireilclaw/internal/channels/discord"
	"github.com/cireilclaw/cireilclaw/internal/channels/matrix"
	"github.com/cireilclaw/cireilclaw/internal/config"
	"github.com/cireilclaw/cireilclaw/internal/harness"
	"github.com/cireilclaw/cireilclaw/internal/scheduler"
	"github.com/cireilclaw/cireilclaw/internal/turnengine"
)

var logLevelFlag string

// runCmd implements "run --logLevel={error|warning|info|debug}": it loads
// every configured agent, arms each one's scheduler, connects its chat
// transports, and blocks until a shutdown signal arrives.
func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the harness: load every agent, arm schedulers, connect channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarness(rootDirFlag, logLevelFlag)
		},
	}
	cmd.Flags().StringVar(&logLevelFlag, "logLevel", "info", "error|warning|info|debug")
	return cmd
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "error":
		return slog.LevelError, nil
	case "warning":
		return slog.LevelWarn, nil
	case "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	default:
		return 0, fmt.Errorf("unknown logLevel %q: want error|warning|info|debug", s)
	}
}

func runHarness(rootDir, logLevel string) error {
	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	factory := func(a *agent.Agent, eng *turnengine.Engine, sched *scheduler.Scheduler) ([]harness.ChannelTransport, error) {
		var transports []harness.ChannelTransport

		dcfg, err := config.LoadDiscordChannelConfig(a.AgentRoot)
		if err != nil {
			return nil, err
		}
		if dcfg != nil {
			ch, err := discord.New(a, eng, sched, dcfg, log)
			if err != nil {
				return nil, fmt.Errorf("build discord channel: %w", err)
			}
			transports = append(transports, ch)
		}

		mcfg, err := config.LoadMatrixChannelConfig(a.AgentRoot)
		if err != nil {
			return nil, err
		}
		if mcfg != nil {
			ch, err := matrix.New(a, eng, sched, mcfg, log)
			if err != nil {
				return nil, fmt.Errorf("build matrix channel: %w", err)
			}
			transports = append(transports, ch)
		}

		return transports, nil
	}

	h := harness.New(rootDir, log, factory)
	if err := h.LoadAgents(); err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("start harness: %w", err)
	}
	log.Info("harness started", "agents", h.Slugs())

	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	go func() {
		for range reloadCh {
			for _, slug := range h.Slugs() {
				if err := h.ReloadAgent(slug); err != nil {
					log.Warn("config reload failed", "agent", slug, "error", err)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info("shutdown initiated", "signal", sig)

	done := make(chan struct{})
	go func() {
		cancel()
		h.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("shutdown complete")
		return nil
	case <-sigCh:
		log.Warn("second interrupt received, forcing exit")
		os.Exit(1)
		return nil
	}
}
