package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/bootstrap"
	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/remote"
	"github.com/marcus/herd/internal/replication"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replicate with the remote once",
	Long: `Run one pull and push round for every collection, or one collection with
--collection, then exit. Use "herd sync watch" to keep replicating.`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		only, _ := cmd.Flags().GetString("collection")

		ctrl, sess, err := openOnline(cmd.Context(), oneShot)
		if err != nil {
			return fail(jsonOut, err)
		}
		defer ctrl.Close()

		var runErr error
		if only != "" {
			rep, ok := sess.Manager.Replicator(only)
			if !ok {
				_, err := collectionSchema(sess.Store, only)
				return fail(jsonOut, err)
			}
			runErr = rep.RunOnce(cmd.Context())
		} else {
			runErr = sess.Manager.RunOnce(cmd.Context())
		}

		states := sess.Manager.States()
		if jsonOut {
			if err := output.JSON(states); err != nil {
				return err
			}
		} else {
			for _, st := range states {
				if only != "" && st.Collection != only {
					continue
				}
				fmt.Println(output.FormatState(st))
			}
		}
		if runErr != nil {
			return fail(jsonOut, runErr)
		}
		if !jsonOut {
			output.Success("sync complete")
		}
		return nil
	},
}

var syncWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep replicating until interrupted",
	Long: `Start continuous replication: local writes push as they happen, remote
changes arrive through the realtime channel, and every collection is polled
as a fallback. Replication errors and state changes are logged.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctrl, sess, err := openOnline(ctx, live)
		if err != nil {
			return fail(false, err)
		}
		defer ctrl.Close()

		quiet, _ := cmd.Flags().GetBool("quiet")
		if !quiet {
			unsubscribe := sess.Manager.Subscribe(func(st replication.State) {
				if st.Phase == replication.PhaseIdle || st.Phase == replication.PhaseError {
					fmt.Println(output.FormatState(st))
				}
			})
			defer unsubscribe()
		}

		output.Info("replicating %d collections, Ctrl+C to stop", len(sess.Manager.States()))
		logger := slog.Default().With("component", "sync")
		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case e, ok := <-sess.Manager.Errors():
				if !ok {
					return nil
				}
				logger.Warn("replication error", "collection", e.Collection, "phase", e.Phase, "kind", e.Kind, "err", e.Err)
				if e.Kind == replication.KindUnauthorized {
					output.Warning("%s: credentials rejected, run \"herd auth login\"", e.Collection)
				}
			}
		}
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local replication status",
	Long:  `Show per-collection document counts, pending pushes and pull checkpoints.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		ctx := cmd.Context()

		ctrl, err := newController(localOnly)
		if err != nil {
			return fail(jsonOut, err)
		}
		defer ctrl.Close()
		s, err := ctrl.Store(ctx)
		if err != nil {
			return fail(jsonOut, err)
		}
		stats, err := s.Stats(ctx)
		if err != nil {
			return fail(jsonOut, err)
		}

		type row struct {
			Collection string `json:"collection"`
			Table      string `json:"table"`
			Active     int    `json:"active"`
			Deleted    int    `json:"deleted"`
			Pending    int    `json:"pending"`
			Checkpoint string `json:"checkpoint"`
		}
		var rows []row
		for _, st := range stats {
			e, _ := s.Registry().Lookup(st.Collection)
			cp, err := s.Checkpoint(ctx, e.ReplicationID)
			if err != nil {
				return fail(jsonOut, err)
			}
			rows = append(rows, row{
				Collection: st.Collection,
				Table:      e.RemoteTable,
				Active:     st.Active,
				Deleted:    st.Deleted,
				Pending:    st.Pending,
				Checkpoint: output.FormatCheckpoint(cp),
			})
		}

		if jsonOut {
			return output.JSON(map[string]any{
				"store":       s.Name(),
				"remote":      settings.RemoteURL,
				"offline":     remoteConfig() == nil,
				"logged_in":   settings.AccessToken != "",
				"collections": rows,
			})
		}

		remoteLine := settings.RemoteURL
		switch {
		case remoteLine == "":
			remoteLine = "not configured"
		case settings.Offline:
			remoteLine += " (offline)"
		case settings.AccessToken == "":
			remoteLine += " (not logged in)"
		}
		fmt.Printf("Store:  %s\n", s.Name())
		fmt.Printf("Remote: %s\n\n", remoteLine)
		fmt.Printf("  %-22s %7s %7s %7s  %s\n", "COLLECTION", "ACTIVE", "DELETED", "PENDING", "CHECKPOINT")
		for _, r := range rows {
			fmt.Printf("  %-22s %7d %7d %7d  %s\n", r.Collection, r.Active, r.Deleted, r.Pending, r.Checkpoint)
		}
		return nil
	},
}

// openOnline starts a replicating session in mode, failing when replication
// cannot run.
func openOnline(ctx context.Context, mode sessionMode) (*bootstrap.Controller, *bootstrap.Session, error) {
	switch {
	case settings.RemoteURL == "":
		return nil, nil, errors.New("no remote configured: run \"herd init --remote <url>\"")
	case settings.Offline:
		return nil, nil, errors.New("offline mode is enabled")
	case settings.AccessToken == "":
		return nil, nil, fmt.Errorf("%w: run \"herd auth login\"", remote.ErrAuthRequired)
	}
	ctrl, err := newController(mode)
	if err != nil {
		return nil, nil, err
	}
	sess, err := ctrl.Session(ctx)
	if err != nil {
		ctrl.Close()
		return nil, nil, err
	}
	if sess.Recovered {
		output.Warning("local store did not match the collection schemas and was rebuilt")
	}
	if sess.Offline() {
		ctrl.Close()
		return nil, nil, errors.New("replication unavailable: remote unreachable or not logged in, see logs")
	}
	return ctrl, sess, nil
}

func init() {
	syncCmd.Flags().String("collection", "", "Only sync this collection")
	syncCmd.Flags().Bool("json", false, "Output replication state as JSON")
	syncWatchCmd.Flags().BoolP("quiet", "q", false, "Only log errors")
	syncStatusCmd.Flags().Bool("json", false, "Output as JSON")

	syncCmd.AddCommand(syncWatchCmd)
	syncCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}
