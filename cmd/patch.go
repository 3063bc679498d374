package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/store"
)

var patchCmd = &cobra.Command{
	Use:     "patch <collection> <key>",
	Aliases: []string{"update", "set"},
	Short:   "Change fields of a document",
	Long: `Change fields of an existing document. The update is stamped with a new
updated_at and queued for push.

Examples:
  herd patch animals NL-001 --set name=Bella --set pregnant=true
  herd patch weighings 7f3c --set 'notes=null'`,
	GroupID: "core",
	Args:    keyArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		sets, _ := cmd.Flags().GetStringArray("set")

		return fail(jsonOut, withStore(cmd.Context(), func(s *store.Store) error {
			if len(sets) == 0 {
				return fmt.Errorf("nothing to change: pass at least one --set")
			}
			sc, err := collectionSchema(s, args[0])
			if err != nil {
				return err
			}
			fields, err := parseAssignments(sc, sets)
			if err != nil {
				return err
			}
			doc, err := s.Patch(cmd.Context(), sc.Name, args[1], fields)
			if err != nil {
				return err
			}
			if jsonOut {
				return output.JSON(doc)
			}
			output.Success("UPDATED %s %s", sc.Name, args[1])
			return nil
		}))
	},
}

func init() {
	patchCmd.Flags().StringArray("set", nil, "Field assignment field=value (repeatable)")
	patchCmd.Flags().Bool("json", false, "Output the updated document as JSON")
	rootCmd.AddCommand(patchCmd)
}
