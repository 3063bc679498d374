package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/herd/internal/realtime"
	"github.com/marcus/herd/internal/replication"
	"github.com/marcus/herd/internal/store"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	mm, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return mm, cmd
}

func TestSnapshotRendersStates(t *testing.T) {
	m := NewModel(Config{Version: "v1.2.3"})
	if !strings.Contains(m.View(), "loading") {
		t.Error("expected loading placeholder before first fetch")
	}

	m, _ = update(t, m, SnapshotMsg{Snapshot: Snapshot{
		States: []replication.State{
			{Collection: "animals", Phase: replication.PhaseIdle, Pending: 2, Pulled: 10},
			{Collection: "weighings", Phase: replication.PhaseError, ConsecutiveErrors: 3, LastError: "remote HTTP 503"},
		},
		Realtime: &realtime.Status{State: realtime.StateConnected, Notifications: 4},
		History: []store.HistoryEntry{
			{Direction: store.DirectionPull, Collection: "animals", PrimaryKey: "A1", UpdatedAt: "2024-03-01T00:00:00.000Z", RecordedAt: time.Now()},
		},
	}})

	view := m.View()
	for _, want := range []string{"herd monitor", "v1.2.3", "animals", "weighings", "remote HTTP 503", "realtime connected", "animals/A1"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestFetchErrorKeepsLastSnapshot(t *testing.T) {
	m := NewModel(Config{})
	m, _ = update(t, m, SnapshotMsg{Snapshot: Snapshot{States: []replication.State{{Collection: "farms", Phase: replication.PhaseIdle}}}})
	m, _ = update(t, m, SnapshotMsg{Err: errors.New("store closed")})

	view := m.View()
	if !strings.Contains(view, "farms") || !strings.Contains(view, "refresh failed: store closed") {
		t.Errorf("view:\n%s", view)
	}
}

func TestConnectionLine(t *testing.T) {
	tests := []struct {
		snap Snapshot
		want string
	}{
		{Snapshot{Offline: true}, "offline"},
		{Snapshot{}, "realtime off, polling"},
		{Snapshot{Realtime: &realtime.Status{GaveUp: true, Attempts: 10}}, "gave up after 10 attempts"},
		{Snapshot{Realtime: &realtime.Status{State: realtime.StateDisconnected, Attempts: 2, LastError: "dial refused"}}, "realtime down (attempt 2) dial refused"},
	}
	for _, tc := range tests {
		if got := renderConn(tc.snap); !strings.Contains(got, tc.want) {
			t.Errorf("renderConn(%+v) = %q, want %q", tc.snap, got, tc.want)
		}
	}
}

func TestErrorStreamKeepsRecent(t *testing.T) {
	errs := make(chan *replication.Error, 1)
	m := NewModel(Config{Errors: errs})

	for i := 0; i < maxRecentErrors+2; i++ {
		var cmd tea.Cmd
		m, cmd = update(t, m, ErrorMsg{Err: &replication.Error{Collection: "animals", Kind: replication.KindNetwork, At: time.Now(), Err: errors.New("refused")}})
		if cmd == nil {
			t.Fatal("error chain should continue while the stream is open")
		}
	}
	if len(m.recent) != maxRecentErrors {
		t.Errorf("recent = %d, want %d", len(m.recent), maxRecentErrors)
	}

	errs <- &replication.Error{Collection: "farms", Err: errors.New("x")}
	msg := m.waitForError()()
	if em, ok := msg.(ErrorMsg); !ok || em.Err.Collection != "farms" {
		t.Errorf("waitForError = %#v", msg)
	}
	close(errs)
	if msg := m.waitForError()(); msg != nil {
		t.Errorf("closed stream should end the chain, got %#v", msg)
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if len(m.recent) != 0 {
		t.Error("c should clear errors")
	}
}

func TestResyncKey(t *testing.T) {
	calls := 0
	m := NewModel(Config{Resync: func() { calls++ }})
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if calls != 1 || cmd == nil || m.status != "resync requested" {
		t.Errorf("calls=%d status=%q", calls, m.status)
	}

	m, _ = update(t, m, SnapshotMsg{Snapshot: Snapshot{Offline: true}})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if calls != 1 || !strings.Contains(m.status, "offline") {
		t.Errorf("offline resync: calls=%d status=%q", calls, m.status)
	}

	m, _ = update(t, m, ClearStatusMsg{})
	if m.status != "" {
		t.Errorf("status = %q", m.status)
	}
}

func TestQuitKey(t *testing.T) {
	_, cmd := update(t, NewModel(Config{}), tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestFetchUsesFetchFunc(t *testing.T) {
	m := NewModel(Config{Fetch: func(ctx context.Context) (Snapshot, error) {
		return Snapshot{Offline: true}, nil
	}})
	msg, ok := m.fetch()().(SnapshotMsg)
	if !ok || msg.Err != nil || !msg.Snapshot.Offline {
		t.Errorf("fetch = %#v", msg)
	}
}
