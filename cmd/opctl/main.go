// Command opctl is the operator's CLI: pause/resume a backend, flip its
// db-maintenance or reboot-prep window, and launch the live dashboard
// (spec.md §4.H, §9). It talks to a running controller over the Task
// API's RAP surface rather than touching internal/store directly — opctl
// is meant to run from an operator's laptop, not beside the controller
// process.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/opensafely-core/job-runner/internal/dashboard"
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
		fmt.Fprintf(os.Stderr, "opctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var controllerURL, token string

	root := &cobra.Command{
		Use:           "opctl",
		Short:         "Operator controls for the job-runner controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&controllerURL, "controller-url", "http://localhost:8000", "base URL of the controller's Task API")
	root.PersistentFlags().StringVar(&token, "token", "", "RAP client token for the target backend")

	client := &flagClient{baseURL: &controllerURL, token: &token, http: &http.Client{Timeout: 10 * time.Second}}

	root.AddCommand(newFlagCmd("pause", "paused", true, client))
	root.AddCommand(newFlagCmd("resume", "paused", false, client))
	root.AddCommand(newFlagCmd("db-maintenance", "db_maintenance", true, client))
	root.AddCommand(newFlagCmd("db-maintenance-off", "db_maintenance", false, client))
	root.AddCommand(newFlagCmd("reboot-prep", "reboot_prep", true, client))
	root.AddCommand(newFlagCmd("reboot-prep-off", "reboot_prep", false, client))
	root.AddCommand(newDashboardCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "opctl version %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
			return nil
		},
	}
}

// flagClient is a thin client for the controller's `POST /backend/flag/`
// admin endpoint — the same RAP token scope job-server uses, since opctl
// is an operator tool rather than an Agent.
type flagClient struct {
	baseURL *string
	token   *string
	http    *http.Client
}

type backendFlagRequest struct {
	Backend string `json:"backend"`
	Flag    string `json:"flag"`
	On      bool   `json:"on"`
}

func (c *flagClient) set(backend, flag string, on bool) error {
	body, err := json.Marshal(backendFlagRequest{Backend: backend, Flag: flag, On: on})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, *c.baseURL+"/backend/flag/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+*c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("opctl: set flag: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("opctl: set flag: controller returned %s", resp.Status)
	}
	return nil
}

// newFlagCmd builds one `opctl <name> <backend>` command that flips flag
// to on. Pause/resume and the two maintenance-window toggles are all the
// same shape, so they share this one builder rather than six near-copies.
func newFlagCmd(name, flag string, on bool, client *flagClient) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <backend>",
		Short: fmt.Sprintf("Set %s=%v for a backend", flag, on),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.set(args[0], flag, on); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s set to %v\n", args[0], flag, on)
			return nil
		},
	}
}

func newDashboardCmd() *cobra.Command {
	dashboardAddr := "http://localhost:8081"
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Launch the live operator dashboard TUI",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return fmt.Errorf("opctl: dashboard requires an interactive terminal")
			}
			p := tea.NewProgram(dashboard.NewTUIModel(dashboardAddr), tea.WithAltScreen())
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&dashboardAddr, "dashboard-url", dashboardAddr, "dashboard server's base URL")
	return cmd
}
