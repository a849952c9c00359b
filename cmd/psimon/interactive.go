package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/wippyai/psimon/config"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	firedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	tableStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#666666"))
)

// recentWindow is how long a row stays highlighted after its trigger fires.
const recentWindow = 2 * time.Second

type triggerRow struct {
	last  time.Time
	name  string
	spec  string
	count int
}

type dashboardModel struct {
	err        error
	started    time.Time
	now        time.Time
	index      map[string]int
	dispatcher string
	rows       []triggerRow
	table      table.Model
	total      int
	stopped    bool
}

type firedMsg struct {
	at   time.Time
	name string
}

type stoppedMsg struct {
	err error
}

type tickMsg time.Time

func newDashboardModel(cfg *config.Config, m *monitor) *dashboardModel {
	model := &dashboardModel{
		dispatcher: cfg.Dispatcher,
		index:      make(map[string]int, len(m.order)),
		started:    time.Now(),
		now:        time.Now(),
	}
	for _, id := range m.order {
		model.index[m.names[id]] = len(model.rows)
		model.rows = append(model.rows, triggerRow{
			name: m.names[id],
			spec: m.specs[id].String(),
		})
	}

	columns := []table.Column{
		{Title: "Trigger", Width: 20},
		{Title: "Spec", Width: 44},
		{Title: "Fired", Width: 8},
		{Title: "Last", Width: 12},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(min(len(model.rows), 20)+1),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#666666")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#7D56F4"))
	t.SetStyles(styles)
	model.table = t
	model.refresh()
	return model
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *dashboardModel) Init() tea.Cmd {
	return tick()
}

func (m *dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "r":
			for i := range m.rows {
				m.rows[i].count = 0
				m.rows[i].last = time.Time{}
			}
			m.total = 0
			m.refresh()
			return m, nil
		}

	case firedMsg:
		if i, ok := m.index[msg.name]; ok {
			m.rows[i].count++
			m.rows[i].last = msg.at
		}
		m.total++
		m.now = msg.at
		m.refresh()
		return m, nil

	case stoppedMsg:
		m.stopped = true
		m.err = msg.err
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		m.refresh()
		return m, tick()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *dashboardModel) refresh() {
	rows := make([]table.Row, len(m.rows))
	for i, r := range m.rows {
		last := "never"
		if !r.last.IsZero() {
			last = formatAgo(m.now.Sub(r.last))
		}
		rows[i] = table.Row{r.name, r.spec, strconv.Itoa(r.count), last}
	}
	m.table.SetRows(rows)
}

func formatAgo(d time.Duration) string {
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}

func (m *dashboardModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("PSI Monitor"))
	b.WriteString(" ")
	b.WriteString(infoStyle.Render(fmt.Sprintf("%s dispatcher • %d triggers • up %s",
		m.dispatcher, len(m.rows), m.now.Sub(m.started).Truncate(time.Second))))
	b.WriteString("\n\n")
	b.WriteString(tableStyle.Render(m.table.View()))
	b.WriteString("\n\n")

	var recent []string
	for _, r := range m.rows {
		if !r.last.IsZero() && m.now.Sub(r.last) < recentWindow {
			recent = append(recent, r.name)
		}
	}
	if len(recent) > 0 {
		b.WriteString(firedStyle.Render("● " + strings.Join(recent, ", ")))
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("%d events\n", m.total))

	if m.stopped {
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Dispatcher stopped: %v", m.err)))
		} else {
			b.WriteString(errorStyle.Render("Dispatcher stopped"))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ scroll • r reset counters • q quit"))
	return b.String()
}

func runInteractive(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	mon, err := openMonitor(cfg, log)
	if err != nil {
		return err
	}
	defer mon.Close()

	mctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newDashboardModel(cfg, mon), tea.WithAltScreen(), tea.WithContext(ctx))
	done := make(chan error, 1)
	go func() {
		err := mon.Run(mctx, func(name string, at time.Time) {
			p.Send(firedMsg{name: name, at: at})
		})
		p.Send(stoppedMsg{err: err})
		done <- err
	}()

	_, err = p.Run()
	cancel()
	runErr := <-done
	if err != nil && !stderrors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return runErr
}
