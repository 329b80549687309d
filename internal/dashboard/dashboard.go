// Package dashboard renders a live view of fuzzing progress: executions,
// coverage, and crashes, refreshed on a fixed tick. It is a thin
// bubbletea/lipgloss shell around a *stats.Stats snapshot — all the real
// work happens in internal/worker.
package dashboard

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/joelengelcrona/gingersnap/internal/stats"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle = lipgloss.NewStyle().Bold(true)
	crashStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
)

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Model is the bubbletea model for the fuzzing dashboard.
type Model struct {
	target   string
	shared   *stats.Stats
	started  time.Time
	spinner  spinner.Model
	lastDone uint64
	execsSec float64
}

// New returns a dashboard model polling shared for its snapshot.
func New(target string, shared *stats.Stats) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		target:  target,
		shared:  shared,
		started: timeNow(),
		spinner: sp,
	}
}

// timeNow is the dashboard's one source of the current time, used by New
// and by Update.
func timeNow() time.Time { return time.Now() }

func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		snap := m.shared.Snapshot()
		elapsed := timeNow().Sub(m.started).Seconds()
		if elapsed > 0 {
			m.execsSec = float64(snap.Cases) / elapsed
		}
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	snap := m.shared.Snapshot()

	row := func(label string, value string) string {
		return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
	}

	var crashes string
	if snap.Crashes > 0 {
		crashes = crashStyle.Render(fmt.Sprintf("%d", snap.Crashes))
	} else {
		crashes = valueStyle.Render("0")
	}

	return titleStyle.Render(fmt.Sprintf("%s gingersnap — %s", m.spinner.View(), m.target)) + "\n\n" +
		row("cases", fmt.Sprintf("%d", snap.Cases)) +
		row("execs/sec", fmt.Sprintf("%.1f", m.execsSec)) +
		row("instructions", fmt.Sprintf("%d", snap.Instructions)) +
		row("new coverage", fmt.Sprintf("%d", snap.NewCoverage)) +
		fmt.Sprintf("%s %s\n", labelStyle.Render("crashes:"), crashes) +
		"\n" + labelStyle.Render("press q to quit")
}
