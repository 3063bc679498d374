package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/store"
)

var getCmd = &cobra.Command{
	Use:     "get <collection> <key>",
	Aliases: []string{"show"},
	Short:   "Show one document",
	Long: `Show one document by primary key. Deleted documents are shown with a
deleted marker.

Examples:
  herd get animals NL-001
  herd get animals NL-001 --json`,
	GroupID: "core",
	Args:    keyArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		return fail(jsonOut, withStore(cmd.Context(), func(s *store.Store) error {
			sc, err := collectionSchema(s, args[0])
			if err != nil {
				return err
			}
			doc, err := s.FindOne(cmd.Context(), sc.Name, args[1])
			if err != nil {
				return err
			}
			if doc == nil {
				return fmt.Errorf("%w: %s %s", store.ErrNotFound, sc.Name, args[1])
			}
			if jsonOut {
				return output.JSON(doc)
			}
			fmt.Print(output.FormatDocumentLong(sc, doc))
			return nil
		}))
	},
}

func init() {
	getCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(getCmd)
}
