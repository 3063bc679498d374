package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/marcus/herd/internal/realtime"
	"github.com/marcus/herd/internal/store"
)

const defaultWidth = 100

// View implements tea.Model
func (m Model) View() string {
	width := m.width
	if width <= 0 {
		width = defaultWidth
	}
	inner := max(width-4, 20)

	var sb strings.Builder
	sb.WriteString(m.renderHeader())
	sb.WriteString("\n")
	sb.WriteString(panel("Collections", m.renderStates(inner), width))
	sb.WriteString("\n")
	if len(m.recent) > 0 {
		sb.WriteString(panel("Recent errors", m.renderErrors(inner), width))
		sb.WriteString("\n")
	}
	sb.WriteString(panel("Replication log", m.renderHistory(inner), width))
	sb.WriteString("\n")
	sb.WriteString(m.renderFooter())
	return sb.String()
}

func panel(title, body string, width int) string {
	return panelTitleStyle.Render(title) + "\n" + panelStyle.Width(max(width-2, 10)).Render(body)
}

func (m Model) renderHeader() string {
	parts := []string{titleStyle.Render("herd monitor")}
	if m.cfg.Version != "" {
		parts = append(parts, subtleStyle.Render(m.cfg.Version))
	}
	if m.busy() {
		parts = append(parts, m.spinner.View()+" syncing")
	}
	parts = append(parts, renderConn(m.snap))
	if m.fetchErr != nil {
		parts = append(parts, errStyle.Render("refresh failed: "+m.fetchErr.Error()))
	}
	return strings.Join(parts, "  ")
}

func renderConn(snap Snapshot) string {
	if snap.Offline {
		return warnStyle.Render("offline")
	}
	if snap.Realtime == nil {
		return subtleStyle.Render("realtime off, polling")
	}
	st := snap.Realtime
	switch {
	case st.GaveUp:
		return warnStyle.Render(fmt.Sprintf("realtime gave up after %d attempts, polling", st.Attempts))
	case st.State == realtime.StateConnected:
		return okStyle.Render("realtime connected") + subtleStyle.Render(fmt.Sprintf(" (%d changes)", st.Notifications))
	case st.State == realtime.StateConnecting:
		return warnStyle.Render("realtime connecting")
	default:
		line := errStyle.Render(fmt.Sprintf("realtime down (attempt %d)", st.Attempts))
		if st.LastError != "" {
			line += subtleStyle.Render(" " + st.LastError)
		}
		return line
	}
}

func (m Model) renderStates(width int) string {
	if !m.loaded {
		return m.spinner.View() + " loading"
	}
	if len(m.snap.States) == 0 {
		return subtleStyle.Render("no replicators running")
	}
	header := fmt.Sprintf("%-22s %-10s %7s %7s %7s  %s", "COLLECTION", "PHASE", "PENDING", "PULLED", "PUSHED", "LAST PULL")
	lines := []string{subtleStyle.Render(ansi.Truncate(header, width, ""))}
	for _, st := range m.snap.States {
		phase := string(st.Phase)
		if style, ok := phaseStyles[st.Phase]; ok {
			phase = style.Render(fmt.Sprintf("%-10s", st.Phase))
		}
		line := fmt.Sprintf("%-22s %s %7d %7d %7d  %s",
			ansi.Truncate(st.Collection, 22, "…"), phase, st.Pending, st.Pulled, st.Pushed, since(st.LastPullAt))
		if st.ConsecutiveErrors > 0 {
			line += " " + errStyle.Render(fmt.Sprintf("%d× %s", st.ConsecutiveErrors, st.LastError))
		}
		lines = append(lines, ansi.Truncate(line, width, "…"))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderErrors(width int) string {
	lines := make([]string, 0, len(m.recent))
	for i := len(m.recent) - 1; i >= 0; i-- {
		e := m.recent[i]
		line := fmt.Sprintf("%s %s %s %s",
			timestampStyle.Render(e.At.Local().Format("15:04:05")),
			e.Collection, warnStyle.Render(string(e.Kind)), e.Err)
		lines = append(lines, ansi.Truncate(line, width, "…"))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderHistory(width int) string {
	if len(m.snap.History) == 0 {
		return subtleStyle.Render("nothing replicated yet")
	}
	entries := m.snap.History
	if len(entries) > historyRows {
		entries = entries[len(entries)-historyRows:]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, ansi.Truncate(historyLine(e), width, "…"))
	}
	return strings.Join(lines, "\n")
}

func historyLine(e store.HistoryEntry) string {
	dir := okStyle.Render("pull")
	if e.Direction == store.DirectionPush {
		dir = lipgloss.NewStyle().Foreground(lipgloss.Color("141")).Render("push")
	}
	line := fmt.Sprintf("%s %s %s/%s %s", timestampStyle.Render(e.RecordedAt.Local().Format("15:04:05")),
		dir, e.Collection, e.PrimaryKey, subtleStyle.Render(e.UpdatedAt))
	if e.Deleted {
		line += " " + errStyle.Render("deleted")
	}
	return line
}

func (m Model) renderFooter() string {
	help := helpStyle.Render("r resync  c clear errors  q quit")
	if m.status != "" {
		help = warnStyle.Render(m.status) + "  " + help
	}
	if !m.lastFetch.IsZero() {
		help += subtleStyle.Render("  updated " + m.lastFetch.Format("15:04:05"))
	}
	return help
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t).Round(time.Second)
	if d < time.Second {
		return "now"
	}
	return d.String() + " ago"
}
