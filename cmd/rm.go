package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/store"
)

var rmCmd = &cobra.Command{
	Use:     "rm <collection> <key>",
	Aliases: []string{"remove", "delete"},
	Short:   "Delete a document",
	Long: `Delete a document. The document becomes a tombstone that replicates to
the remote; it no longer appears in list results.`,
	GroupID: "core",
	Args:    keyArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		return fail(jsonOut, withStore(cmd.Context(), func(s *store.Store) error {
			sc, err := collectionSchema(s, args[0])
			if err != nil {
				return err
			}
			if err := s.Remove(cmd.Context(), sc.Name, args[1]); err != nil {
				return err
			}
			if jsonOut {
				return output.JSON(map[string]any{"collection": sc.Name, "key": args[1], "deleted": true})
			}
			output.Success("DELETED %s %s", sc.Name, args[1])
			return nil
		}))
	},
}

func init() {
	rmCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(rmCmd)
}
