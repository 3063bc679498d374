package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/dateparse"
	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/store"
)

var syncConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show recently resolved conflicts",
	Long: `Show conflicts between pending local edits and pulled remote versions,
with the policy that resolved them and the winning side.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 || limit > 1000 {
			return fail(jsonOut, fmt.Errorf("%w: limit must be between 1 and 1000", store.ErrInvalidQuery))
		}
		sinceStr, _ := cmd.Flags().GetString("since")

		var since *time.Time
		if sinceStr != "" {
			t, err := dateparse.ParseSince(sinceStr, time.Now())
			if err != nil {
				return fail(jsonOut, fmt.Errorf("%w: --since: %v", store.ErrInvalidQuery, err))
			}
			since = &t
		}

		return fail(jsonOut, withStore(cmd.Context(), func(s *store.Store) error {
			conflicts, err := s.RecentConflicts(cmd.Context(), limit, since)
			if err != nil {
				return err
			}
			if jsonOut {
				if conflicts == nil {
					conflicts = []store.ConflictRecord{}
				}
				return output.JSON(conflicts)
			}
			if len(conflicts) == 0 {
				fmt.Println("No conflicts found.")
				return nil
			}
			fmt.Println("Recent conflicts:")
			for _, c := range conflicts {
				fmt.Println("  " + output.FormatConflict(c))
			}
			return nil
		}))
	},
}

func init() {
	syncConflictsCmd.Flags().Int("limit", 20, "Max conflicts to show")
	syncConflictsCmd.Flags().String("since", "", "Only conflicts since a duration or date (24h, 3d, yesterday, 2026-03-01)")
	syncConflictsCmd.Flags().Bool("json", false, "Output as JSON")
	syncCmd.AddCommand(syncConflictsCmd)
}
