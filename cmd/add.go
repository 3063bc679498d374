package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/input"
	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/schema"
	"github.com/marcus/herd/internal/store"
)

var addCmd = &cobra.Command{
	Use:     "add <collection> [json]",
	Aliases: []string{"insert", "new"},
	Short:   "Insert a document",
	Long: `Insert a document into a collection. Fields come from a JSON object
argument, --set assignments, or both (--set wins). The JSON argument may be
"-" to read stdin or @path to read a file.

Examples:
  herd add animals '{"registration":"NL-001","name":"Bella"}'
  herd add weighings --set animal=NL-001 --set weight_kg=412.5
  herd add farms --set farm_id=F2 --set name="North Field" --json
  herd add reproduction_events @calving.json`,
	GroupID: "core",
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		sets, _ := cmd.Flags().GetStringArray("set")

		return fail(jsonOut, withStore(cmd.Context(), func(s *store.Store) error {
			sc, err := collectionSchema(s, args[0])
			if err != nil {
				return err
			}
			doc := schema.Document{}
			if len(args) == 2 {
				in := input.Reader{Stdin: cmd.InOrStdin()}
				raw, err := in.Value(args[1])
				if err != nil {
					return err
				}
				if doc, err = parseDocument(raw); err != nil {
					return err
				}
			}
			fields, err := parseAssignments(sc, sets)
			if err != nil {
				return err
			}
			for k, v := range fields {
				doc[k] = v
			}

			saved, err := s.Insert(cmd.Context(), sc.Name, doc)
			if err != nil {
				return err
			}
			if jsonOut {
				return output.JSON(saved)
			}
			output.Success("ADDED %s %s", sc.Name, saved.Key(sc.PrimaryKey))
			return nil
		}))
	},
}

func init() {
	addCmd.Flags().StringArray("set", nil, "Field assignment field=value (repeatable)")
	addCmd.Flags().Bool("json", false, "Output the stored document as JSON")
	rootCmd.AddCommand(addCmd)
}

// keyArgs validates "<collection> <key>" arguments.
func keyArgs(cmd *cobra.Command, args []string) error {
	if len(args) != 2 || args[1] == "" {
		return fmt.Errorf("usage: herd %s <collection> <key>", cmd.Name())
	}
	return nil
}
