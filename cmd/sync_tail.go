package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/store"
)

var syncTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent replication activity",
	Long: `Show recently pulled and pushed document versions. Use -f to follow.

Following needs the store, so run it from the process that replicates:
"herd sync tail -f --sync" starts replication in the same process.

Examples:
  herd sync tail              # Show last 20 events
  herd sync tail -n 50        # Show last 50 events
  herd sync tail -f --sync    # Replicate and follow new events`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		lines, _ := cmd.Flags().GetInt("lines")
		replicate, _ := cmd.Flags().GetBool("sync")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctrl, err := newController(liveWhen(replicate))
		if err != nil {
			return fail(false, err)
		}
		defer ctrl.Close()
		s, err := ctrl.Store(ctx)
		if err != nil {
			return fail(false, err)
		}

		var entries []store.HistoryEntry
		if lines > 0 {
			if entries, err = s.HistoryTail(ctx, lines); err != nil {
				return fail(false, err)
			}
		}
		var maxID int64
		for _, e := range entries {
			fmt.Println(output.FormatHistory(e))
			maxID = max(maxID, e.ID)
		}

		if !follow {
			if len(entries) == 0 {
				fmt.Println("No replication activity recorded.")
			}
			return nil
		}

		// Skip history that was not asked for.
		if maxID == 0 {
			if tail, _ := s.HistoryTail(ctx, 1); len(tail) > 0 {
				maxID = tail[0].ID
			}
		}

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case <-ticker.C:
				next, err := s.HistorySince(ctx, maxID, 100)
				if err != nil {
					slog.Debug("sync tail: poll", "err", err)
					continue
				}
				for _, e := range next {
					fmt.Println(output.FormatHistory(e))
					maxID = max(maxID, e.ID)
				}
			}
		}
	},
}

func init() {
	syncTailCmd.Flags().BoolP("follow", "f", false, "Follow new events")
	syncTailCmd.Flags().IntP("lines", "n", 20, "Number of initial lines to show")
	syncTailCmd.Flags().Bool("sync", false, "Replicate while following")
	syncCmd.AddCommand(syncTailCmd)
}
