// Package monitor is the live terminal dashboard for replication: one row
// per collection, the realtime connection, recent errors and the
// replication log.
package monitor

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/herd/internal/realtime"
	"github.com/marcus/herd/internal/replication"
	"github.com/marcus/herd/internal/store"
)

const (
	maxRecentErrors = 5
	historyRows     = 8
)

// Snapshot is everything one refresh shows.
type Snapshot struct {
	States []replication.State
	// Realtime is nil when no trigger runs (offline mode).
	Realtime *realtime.Status
	History  []store.HistoryEntry
	Offline  bool
}

// FetchFunc loads a Snapshot.
type FetchFunc func(ctx context.Context) (Snapshot, error)

// Config wires the dashboard to a running session.
type Config struct {
	Fetch    FetchFunc
	Errors   <-chan *replication.Error
	Resync   func()
	Interval time.Duration
	Version  string
}

// TickMsg triggers a data refresh
type TickMsg time.Time

// SnapshotMsg carries a finished fetch.
type SnapshotMsg struct {
	Snapshot Snapshot
	Err      error
}

// ErrorMsg is one replication failure read from the error stream.
type ErrorMsg struct{ Err *replication.Error }

// ClearStatusMsg clears the status line.
type ClearStatusMsg struct{}

// Model is the bubbletea model.
type Model struct {
	cfg     Config
	spinner spinner.Model

	snap      Snapshot
	loaded    bool
	fetchErr  error
	recent    []*replication.Error
	status    string
	width     int
	height    int
	lastFetch time.Time
}

// NewModel creates a dashboard model.
func NewModel(cfg Config) Model {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = titleStyle
	return Model{cfg: cfg, spinner: sp}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.scheduleTick(), m.waitForError(), m.spinner.Tick)
}

func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.cfg.Interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) fetch() tea.Cmd {
	fetch := m.cfg.Fetch
	return func() tea.Msg {
		if fetch == nil {
			return SnapshotMsg{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := fetch(ctx)
		return SnapshotMsg{Snapshot: snap, Err: err}
	}
}

// waitForError blocks on the error stream. A closed or nil stream ends the
// chain.
func (m Model) waitForError() tea.Cmd {
	errs := m.cfg.Errors
	if errs == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-errs
		if !ok {
			return nil
		}
		return ErrorMsg{Err: e}
	}
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case TickMsg:
		return m, tea.Batch(m.fetch(), m.scheduleTick())

	case SnapshotMsg:
		m.fetchErr = msg.Err
		if msg.Err == nil {
			m.snap = msg.Snapshot
			m.loaded = true
			m.lastFetch = time.Now()
		}
		return m, nil

	case ErrorMsg:
		m.recent = append(m.recent, msg.Err)
		if len(m.recent) > maxRecentErrors {
			m.recent = m.recent[len(m.recent)-maxRecentErrors:]
		}
		return m, m.waitForError()

	case ClearStatusMsg:
		m.status = ""
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if m.cfg.Resync == nil || m.snap.Offline {
				m.status = "offline: nothing to resync"
			} else {
				m.cfg.Resync()
				m.status = "resync requested"
			}
			return m, tea.Batch(m.fetch(), tea.Tick(3*time.Second, func(time.Time) tea.Msg { return ClearStatusMsg{} }))
		case "c":
			m.recent = nil
			return m, nil
		}
	}
	return m, nil
}

// busy reports whether any replicator is mid-cycle.
func (m Model) busy() bool {
	for _, st := range m.snap.States {
		if st.Phase == replication.PhasePulling || st.Phase == replication.PhasePushing {
			return true
		}
	}
	return false
}
