package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/bootstrap"
	"github.com/marcus/herd/internal/replication"
	"github.com/marcus/herd/pkg/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live dashboard of replication",
	Long: `Launch a live dashboard showing per-collection replication state, the
realtime connection, recent errors and the replication log. Replication runs
inside the dashboard process when a remote is configured.

Key bindings:
  r    Resync every collection
  c    Clear recent errors
  q    Quit`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 200*time.Millisecond {
			interval = time.Second
		}

		ctrl, err := newController(live)
		if err != nil {
			return fail(false, err)
		}
		defer ctrl.Close()
		sess, err := ctrl.Session(cmd.Context())
		if err != nil {
			return fail(false, err)
		}

		cfg := monitor.Config{
			Fetch:    snapshotFetcher(sess),
			Interval: interval,
			Version:  version,
		}
		if !sess.Offline() {
			cfg.Errors = sess.Manager.Errors()
			cfg.Resync = sess.Manager.ResyncAll
		}

		p := tea.NewProgram(monitor.NewModel(cfg), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("run monitor: %w", err)
		}
		return nil
	},
}

// snapshotFetcher reads dashboard data from a session. Offline sessions
// report store counts in place of replicator state.
func snapshotFetcher(sess *bootstrap.Session) monitor.FetchFunc {
	return func(ctx context.Context) (monitor.Snapshot, error) {
		snap := monitor.Snapshot{Offline: sess.Offline()}
		history, err := sess.Store.HistoryTail(ctx, 20)
		if err != nil {
			return snap, err
		}
		snap.History = history

		if !sess.Offline() {
			snap.States = sess.Manager.States()
			if sess.Trigger != nil {
				st := sess.Trigger.Status()
				snap.Realtime = &st
			}
			return snap, nil
		}

		stats, err := sess.Store.Stats(ctx)
		if err != nil {
			return snap, err
		}
		for _, st := range stats {
			e, _ := sess.Store.Registry().Lookup(st.Collection)
			cp, err := sess.Store.Checkpoint(ctx, e.ReplicationID)
			if err != nil {
				return snap, err
			}
			snap.States = append(snap.States, replication.State{
				Collection: st.Collection,
				Table:      e.RemoteTable,
				Phase:      replication.PhaseStopped,
				Checkpoint: cp,
				Pending:    st.Pending,
			})
		}
		return snap, nil
	}
}

func init() {
	monitorCmd.Flags().Duration("interval", time.Second, "Refresh interval")
	rootCmd.AddCommand(monitorCmd)
}
