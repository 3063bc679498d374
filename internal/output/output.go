// Package output provides styled terminal output helpers (messages,
// documents, replication state) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/herd/internal/realtime"
	"github.com/marcus/herd/internal/replication"
	"github.com/marcus/herd/internal/schema"
	"github.com/marcus/herd/internal/store"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	phaseStyles  = map[replication.Phase]lipgloss.Style{
		replication.PhaseIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		replication.PhasePulling: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		replication.PhasePushing: lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		replication.PhaseError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		replication.PhaseStopped: lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
	connStyles = map[realtime.ConnState]lipgloss.Style{
		realtime.StateConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		realtime.StateConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		realtime.StateDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Stdout is where the message helpers write. Tests swap it.
var Stdout io.Writer = os.Stdout

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Fprintln(Stdout, successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Fprintln(Stdout, errorStyle.Render("ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Fprintln(Stdout, warningStyle.Render("Warning: "+fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Fprintf(Stdout, format+"\n", args...)
}

// JSON outputs data as indented JSON.
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(Stdout, string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound      = "not_found"
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeConflict      = "conflict"
	ErrCodeStoreError    = "store_error"
	ErrCodeStoreLocked   = "store_locked"
	ErrCodeAuthRequired  = "auth_required"
	ErrCodeRemoteError   = "remote_error"
	ErrCodeStartupFailed = "startup_failed"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	JSONErrorWithDetails(code, message, nil)
}

// JSONErrorWithDetails outputs an error as JSON with additional context
func JSONErrorWithDetails(code, message string, details map[string]any) {
	errObj := map[string]any{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		errObj["details"] = details
	}
	data, _ := json.MarshalIndent(map[string]any{"error": errObj}, "", "  ")
	fmt.Fprintln(Stdout, string(data))
}

// FormatPhase formats a replication phase with color
func FormatPhase(p replication.Phase) string {
	style, ok := phaseStyles[p]
	if !ok {
		return string(p)
	}
	return style.Render(fmt.Sprintf("[%s]", p))
}

// FormatConn formats a realtime connection state with color
func FormatConn(s realtime.Status) string {
	label := string(s.State)
	if s.GaveUp {
		label = "polling only"
	}
	style, ok := connStyles[s.State]
	if !ok || s.GaveUp {
		return warningStyle.Render(label)
	}
	return style.Render(label)
}

// FormatDocumentShort formats a document as one line: key, a label field
// when the collection has one, and a deleted marker for tombstones.
func FormatDocumentShort(sc *schema.Schema, doc schema.Document) string {
	parts := []string{keyStyle.Render(doc.Key(sc.PrimaryKey))}
	for _, f := range []string{"name", "title", "registration"} {
		if f == sc.PrimaryKey {
			continue
		}
		if v, ok := doc[f].(string); ok && v != "" {
			parts = append(parts, v)
			break
		}
	}
	parts = append(parts, subtleStyle.Render(doc.UpdatedAt()))
	if deleted, _ := doc[schema.FieldDeleted].(bool); deleted {
		parts = append(parts, errorStyle.Render("[deleted]"))
	}
	return strings.Join(parts, "  ")
}

// FormatDocumentLong formats every field of a document, one per line, in
// name order with the primary key first.
func FormatDocumentLong(sc *schema.Schema, doc schema.Document) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("%s %s", sc.Name, doc.Key(sc.PrimaryKey))))
	sb.WriteString("\n")

	names := make([]string, 0, len(doc))
	for k := range doc {
		if k != sc.PrimaryKey {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	for _, k := range names {
		sb.WriteString(fmt.Sprintf("  %s %v\n", subtleStyle.Render(k+":"), formatValue(doc[k])))
	}
	return sb.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case map[string]any, []any:
		data, _ := json.Marshal(x)
		return string(data)
	default:
		return fmt.Sprint(x)
	}
}

// FormatState formats one replicator snapshot as a single line.
func FormatState(st replication.State) string {
	parts := []string{
		titleStyle.Render(fmt.Sprintf("%-20s", st.Collection)),
		FormatPhase(st.Phase),
		fmt.Sprintf("pending %d", st.Pending),
		subtleStyle.Render("cursor " + FormatCheckpoint(st.Checkpoint)),
	}
	if !st.LastPullAt.IsZero() {
		parts = append(parts, subtleStyle.Render("pulled "+FormatTimeAgo(st.LastPullAt)))
	}
	if st.ConsecutiveErrors > 0 {
		parts = append(parts, errorStyle.Render(fmt.Sprintf("%d errors: %s", st.ConsecutiveErrors, st.LastError)))
	}
	return strings.Join(parts, "  ")
}

// FormatCheckpoint renders a pull cursor, or "epoch" before the first pull.
func FormatCheckpoint(cp store.Checkpoint) string {
	if cp.IsZero() {
		return "epoch"
	}
	if cp.PrimaryKey == "" {
		return cp.UpdatedAt
	}
	return cp.UpdatedAt + "/" + cp.PrimaryKey
}

// FormatHistory formats one replication log entry.
func FormatHistory(e store.HistoryEntry) string {
	arrow := "↓"
	if e.Direction == store.DirectionPush {
		arrow = "↑"
	}
	line := fmt.Sprintf("%s %s %s/%s %s",
		subtleStyle.Render(e.RecordedAt.Local().Format("15:04:05")),
		arrow, e.Collection, keyStyle.Render(e.PrimaryKey), subtleStyle.Render(e.UpdatedAt))
	if e.Deleted {
		line += " " + errorStyle.Render("[deleted]")
	}
	return line
}

// FormatConflict formats a resolved conflict.
func FormatConflict(c store.ConflictRecord) string {
	return fmt.Sprintf("%s  %s/%s  %s  winner %s  %s",
		subtleStyle.Render(c.ResolvedAt.Local().Format("2006-01-02 15:04:05")),
		c.Collection, keyStyle.Render(c.PrimaryKey), c.Policy,
		titleStyle.Render(string(c.Winner)), subtleStyle.Render(FormatTimeAgo(c.ResolvedAt)))
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nPENDING:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}
