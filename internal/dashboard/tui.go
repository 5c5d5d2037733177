package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/opensafely-core/job-runner/internal/model"
)

// pollInterval is how often the TUI refreshes its snapshot from the
// dashboard server's GET /state.
const pollInterval = 2 * time.Second

// TUIStyles mirrors the teacher's tui.Styles split: one lipgloss style
// per semantic role rather than inline styling at render time.
type TUIStyles struct {
	Title      lipgloss.Style
	Backend    lipgloss.Style
	JobRunning lipgloss.Style
	JobFailed  lipgloss.Style
	JobDone    lipgloss.Style
	Flag       lipgloss.Style
	Footer     lipgloss.Style
}

func defaultTUIStyles() TUIStyles {
	return TUIStyles{
		Title:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Backend:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		JobRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		JobFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		JobDone:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Flag:       lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true),
		Footer:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")).MarginTop(1),
	}
}

// TUIModel is the bubbletea model for `opctl dashboard`: it polls a
// dashboard server's /state endpoint and renders the latest Snapshot.
type TUIModel struct {
	BaseURL string
	Styles  TUIStyles
	Client  *http.Client

	snapshot Snapshot
	err      error
	quitting bool
}

// NewTUIModel builds a model that polls baseURL (the dashboard server's
// address) for its snapshot.
func NewTUIModel(baseURL string) *TUIModel {
	return &TUIModel{
		BaseURL: baseURL,
		Styles:  defaultTUIStyles(),
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type snapshotMsg struct {
	snapshot Snapshot
	err      error
}

func (m *TUIModel) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), pollInterval)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.BaseURL+"/state", nil)
		if err != nil {
			return snapshotMsg{err: err}
		}
		resp, err := m.Client.Do(req)
		if err != nil {
			return snapshotMsg{err: err}
		}
		defer resp.Body.Close()

		var snap Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{snapshot: snap}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return t })
}

// Init implements tea.Model.
func (m *TUIModel) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tickCmd())
}

// Update implements tea.Model.
func (m *TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
	case snapshotMsg:
		m.snapshot = msg.snapshot
		m.err = msg.err
	case time.Time:
		return m, tea.Batch(m.fetchCmd(), tickCmd())
	}
	return m, nil
}

// View implements tea.Model.
func (m *TUIModel) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.Styles.Title.Render("job-runner operator dashboard") + "\n\n")

	if m.err != nil {
		b.WriteString(fmt.Sprintf("fetch error: %v\n", m.err))
	}

	for _, bs := range m.snapshot.Backends {
		b.WriteString(m.Styles.Backend.Render(bs.Backend) + "\n")
		for _, flag := range bs.Flags {
			b.WriteString("  " + m.Styles.Flag.Render(fmt.Sprintf("%s=%s", flag.Key, flag.Value)) + "\n")
		}
		for _, job := range bs.Jobs {
			b.WriteString("  " + m.jobLine(job) + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(m.Styles.Footer.Render("q to quit"))
	return b.String()
}

func (m *TUIModel) jobLine(j *model.Job) string {
	line := fmt.Sprintf("%-12s %-20s %s", j.ID, j.Action, j.StatusCode)
	switch j.State {
	case model.JobFailed:
		return m.Styles.JobFailed.Render(line)
	case model.JobSucceeded:
		return m.Styles.JobDone.Render(line)
	default:
		return m.Styles.JobRunning.Render(line)
	}
}
