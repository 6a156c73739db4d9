package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/store"
)

func newWatchCmd() *cobra.Command {
	var interval time.Duration
	var deviceID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of security events and report outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isTerminal() {
				return fmt.Errorf("watch needs an interactive terminal; use `attestd events` instead")
			}
			s, err := readStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close() //nolint:errcheck // best-effort cleanup

			m := newWatchModel(cmd.Context(), s, deviceID, interval)
			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
			return err
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	cmd.Flags().StringVar(&deviceID, "device", "", "only show events for this device")
	return cmd
}

// watchSource is the slice of the store the live view polls.
type watchSource interface {
	QueryEvents(ctx context.Context, f store.EventFilter, p store.Page) ([]attest.SecurityEvent, error)
	ReportStats(ctx context.Context, since, until time.Time) (store.Stats, error)
}

type snapshotMsg struct {
	events []attest.SecurityEvent
	stats  store.Stats
	at     time.Time
	err    error
}

type tickMsg time.Time

type watchModel struct {
	ctx      context.Context
	src      watchSource
	deviceID string
	interval time.Duration

	table table.Model
	last  snapshotMsg
}

var (
	watchTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	watchDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErr   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	watchStat  = lipgloss.NewStyle().Padding(0, 2, 0, 0)
)

func newWatchModel(ctx context.Context, src watchSource, deviceID string, interval time.Duration) watchModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Time", Width: 19},
			{Title: "Severity", Width: 9},
			{Title: "Type", Width: 24},
			{Title: "Device", Width: 36},
			{Title: "Description", Width: 50},
		}),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return watchModel{ctx: ctx, src: src, deviceID: deviceID, interval: interval, table: t}
}

func (m watchModel) Init() tea.Cmd {
	return m.fetch
}

func (m watchModel) fetch() tea.Msg {
	now := time.Now().UTC()
	events, err := m.src.QueryEvents(m.ctx, store.EventFilter{DeviceID: m.deviceID}, store.Page{Limit: 200})
	if err != nil {
		return snapshotMsg{err: err, at: now}
	}
	st, err := m.src.ReportStats(m.ctx, now.Add(-24*time.Hour), now)
	return snapshotMsg{events: events, stats: st, at: now, err: err}
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		if h := msg.Height - 6; h > 3 {
			m.table.SetHeight(h)
		}
	case tickMsg:
		return m, m.fetch
	case snapshotMsg:
		m.last = msg
		if msg.err == nil {
			m.table.SetRows(eventRows(msg.events))
		}
		return m, m.tick()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func eventRows(events []attest.SecurityEvent) []table.Row {
	rows := make([]table.Row, 0, len(events))
	for _, e := range events {
		rows = append(rows, table.Row{
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			string(e.Severity),
			e.EventType,
			e.DeviceID,
			e.Description,
		})
	}
	return rows
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(watchTitle.Render("attestd watch"))
	if m.deviceID != "" {
		b.WriteString(watchDim.Render("  device " + m.deviceID))
	}
	b.WriteString("\n")

	st := m.last.stats
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		watchStat.Render(fmt.Sprintf("24h reports %d", st.Total)),
		watchStat.Render(fmt.Sprintf("verified %d", st.ByStatus[attest.VerificationVerified])),
		watchStat.Render(fmt.Sprintf("failed %d", st.ByStatus[attest.VerificationFailed])),
		watchStat.Render(fmt.Sprintf("pending %d", st.ByStatus[attest.VerificationPending])),
		watchStat.Render(fmt.Sprintf("non-compliant %d", st.ByCompliance[attest.ComplianceNonCompliant])),
	))
	b.WriteString("\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")

	if m.last.err != nil {
		b.WriteString(watchErr.Render("refresh failed: " + m.last.err.Error()))
	} else if !m.last.at.IsZero() {
		b.WriteString(watchDim.Render("updated " + m.last.at.Local().Format("15:04:05") + "  q quit"))
	}
	return b.String()
}
