// Command controller runs the Controller process: the scheduler state
// machine, its Task API / RAP HTTP surface, the job-server sync loop, and
// the operator dashboard, all ticking independently in one process
// (spec.md §5).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opensafely-core/job-runner/internal/config"
	"github.com/opensafely-core/job-runner/internal/controller"
	"github.com/opensafely-core/job-runner/internal/dashboard"
	"github.com/opensafely-core/job-runner/internal/escalate"
	"github.com/opensafely-core/job-runner/internal/events"
	"github.com/opensafely-core/job-runner/internal/flags"
	"github.com/opensafely-core/job-runner/internal/git"
	"github.com/opensafely-core/job-runner/internal/jobserver"
	"github.com/opensafely-core/job-runner/internal/store"
	"github.com/opensafely-core/job-runner/internal/supervisor"
	"github.com/opensafely-core/job-runner/internal/syncloop"
	"github.com/opensafely-core/job-runner/internal/taskapi"
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
		fmt.Fprintf(os.Stderr, "controller: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "controller",
		Short:         "Controller state machine, Task API and operator dashboard",
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
			fmt.Fprintf(cmd.OutOrStdout(), "controller version %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the controller until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadController()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	bus.Subscribe(events.LogHandler(events.LogConfig{}))

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	flagWriter := flags.NewWriter(st)
	pipelineSrc := git.NewResolver(".")

	esc, err := escalate.FromConfig(escalate.Config{
		Backends:     escalateBackends(cfg),
		SlackWebhook: cfg.EscalateSlack,
		WebhookURL:   cfg.EscalateWebhook,
	})
	if err != nil {
		return fmt.Errorf("escalate: %w", err)
	}

	ctrl := controller.New(st, flagWriter, pipelineSrc, esc, bus, cfg.MaxWorkers, cfg.MaxDBWorkers, cfg.MaxTaskRetries, "")

	api := taskapi.New(taskapi.Config{
		Addr:          cfg.TaskAPIAddr,
		TaskAPITokens: cfg.TaskAPITokens,
		RAPTokens:     cfg.RAPClientTokens,
	}, ctrl, st, flagWriter)
	if err := api.Start(); err != nil {
		return fmt.Errorf("start task api: %w", err)
	}
	defer api.Stop(context.Background())

	tokens := map[string]string{}
	for _, backend := range cfg.Backends {
		tokens[backend] = cfg.JobServerToken
	}
	jsClient := jobserver.New(cfg.JobServerURL, tokens)
	sync := syncloop.New(jsClient, st, bus, cfg.Backends)

	dash := dashboard.New(dashboard.Config{Backends: cfg.Backends}, st, flagWriter, bus)
	if err := dash.Start(); err != nil {
		return fmt.Errorf("start dashboard: %w", err)
	}
	defer dash.Stop(context.Background())

	group := supervisor.NewGroup(ctx)
	for _, backend := range cfg.Backends {
		backend := backend
		group.Go(supervisor.Loop{
			Name:     "controller-tick-" + backend,
			Interval: cfg.TickInterval,
			Run: func(ctx context.Context) error {
				return ctrl.Tick(ctx, backend)
			},
		})
	}
	group.Go(supervisor.Loop{
		Name:     "sync-loop",
		Interval: cfg.SyncInterval,
		Run:      sync.Tick,
	})

	log.Printf("controller listening on %s, dashboard on %s", api.Addr(), dash.Addr())

	return group.Wait()
}

// escalateBackends picks which escalation channels to wire up based on
// which config values are present: terminal always runs (it has no
// external dependency), slack/webhook join in only when their target is
// configured.
func escalateBackends(cfg *config.Controller) []string {
	backends := []string{"terminal"}
	if cfg.EscalateSlack != "" {
		backends = append(backends, "slack")
	}
	if cfg.EscalateWebhook != "" {
		backends = append(backends, "webhook")
	}
	return backends
}
