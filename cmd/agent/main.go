// Command agent runs one backend's Agent Task Runner: it polls the
// Controller's Task API and drives an executor.Adapter through each
// task's stage transitions (spec.md §4.G). Stateless across restarts by
// design — every tick rediscovers its work from the Controller and the
// executor's own GetStatus.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opensafely-core/job-runner/internal/agent"
	"github.com/opensafely-core/job-runner/internal/config"
	"github.com/opensafely-core/job-runner/internal/events"
	"github.com/opensafely-core/job-runner/internal/executor"
	"github.com/opensafely-core/job-runner/internal/supervisor"
)

// Build-time variables (set via ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agent",
		Short:         "Agent task runner for one backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "agent version %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadAgent()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	bus.Subscribe(events.LogHandler(events.LogConfig{}))

	exec, err := executor.NewCLI(cfg.ContainerRuntime, cfg.StageRoot, cfg.OutputHighPrivacyRoot)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	client := agent.NewClient(cfg.TaskAPIURL, cfg.TaskAPIToken)

	// No DBProbe is wired: this backend's DB maintenance window has no
	// local health check in this pack, so DBSTATUS tasks report
	// not-in-maintenance (the Runner's documented nil-Probe default).
	runner := agent.NewRunner(cfg.Backend, exec, client, nil, bus)

	log.Printf("agent starting for backend %s, runtime %s, poll interval %s", cfg.Backend, exec.Runtime, cfg.PollInterval)

	group := supervisor.NewGroup(ctx)
	group.Go(supervisor.Loop{
		Name:     "agent-tick-" + cfg.Backend,
		Interval: cfg.PollInterval,
		Run:      runner.Tick,
	})

	return group.Wait()
}
