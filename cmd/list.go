package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/schema"
	"github.com/marcus/herd/internal/store"
)

var listCmd = &cobra.Command{
	Use:     "list <collection>",
	Aliases: []string{"ls", "find"},
	Short:   "List documents matching a query",
	Long: `List documents of a collection. --where adds equality conditions,
--filter takes a JSON selector with $eq, $ne, $gt, $gte, $lt, $lte and $in.

With --watch the query stays open: replication keeps running and the list is
reprinted whenever its result changes.

Examples:
  herd list animals
  herd list animals --where species=cattle --sort birth_date:desc --limit 10
  herd list weighings --filter '{"weight_kg":{"$gt":400}}'
  herd list animals --watch`,
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		watch, _ := cmd.Flags().GetBool("watch")

		ctrl, err := newController(liveWhen(watch))
		if err != nil {
			return fail(jsonOut, err)
		}
		defer ctrl.Close()

		ctx := cmd.Context()
		if watch {
			var stop func()
			ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
		}
		s, err := ctrl.Store(ctx)
		if err != nil {
			return fail(jsonOut, err)
		}
		sc, err := collectionSchema(s, args[0])
		if err != nil {
			return fail(jsonOut, err)
		}
		q, err := buildQuery(cmd, sc)
		if err != nil {
			return fail(jsonOut, err)
		}

		lq, err := s.Find(ctx, sc.Name, q)
		if err != nil {
			return fail(jsonOut, err)
		}
		defer lq.Close()

		if err := printDocuments(sc, lq.Results(), jsonOut); err != nil {
			return fail(jsonOut, err)
		}
		if !watch {
			return nil
		}
		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case docs, ok := <-lq.Updates():
				if !ok {
					return nil
				}
				if !jsonOut {
					fmt.Println(output.SectionHeader("updated"))
				}
				if err := printDocuments(sc, docs, jsonOut); err != nil {
					return fail(jsonOut, err)
				}
			}
		}
	},
}

// buildQuery assembles a store query from the list flags.
func buildQuery(cmd *cobra.Command, sc *schema.Schema) (store.Query, error) {
	where, _ := cmd.Flags().GetStringArray("where")
	filter, _ := cmd.Flags().GetString("filter")
	sorts, _ := cmd.Flags().GetStringSlice("sort")
	limit, _ := cmd.Flags().GetInt("limit")
	deleted, _ := cmd.Flags().GetBool("deleted")

	q := store.Query{Selector: map[string]any{}, Limit: limit, IncludeDeleted: deleted}
	if filter != "" {
		if err := json.Unmarshal([]byte(filter), &q.Selector); err != nil {
			return q, fmt.Errorf("%w: --filter must be a JSON object: %v", store.ErrInvalidQuery, err)
		}
	}
	eq, err := parseAssignments(sc, where)
	if err != nil {
		return q, err
	}
	for k, v := range eq {
		q.Selector[k] = v
	}
	if q.Sort, err = parseSort(sorts); err != nil {
		return q, err
	}
	return q, nil
}

func printDocuments(sc *schema.Schema, docs []schema.Document, jsonOut bool) error {
	if jsonOut {
		if docs == nil {
			docs = []schema.Document{}
		}
		return output.JSON(docs)
	}
	if len(docs) == 0 {
		fmt.Println("No documents found.")
		return nil
	}
	for _, d := range docs {
		fmt.Println(output.FormatDocumentShort(sc, d))
	}
	return nil
}

func init() {
	listCmd.Flags().StringArray("where", nil, "Equality condition field=value (repeatable)")
	listCmd.Flags().String("filter", "", "JSON selector")
	listCmd.Flags().StringSlice("sort", nil, "Sort by field[:desc] (repeatable, comma-separated)")
	listCmd.Flags().IntP("limit", "n", 0, "Maximum number of results (0 = all)")
	listCmd.Flags().Bool("deleted", false, "Include deleted documents")
	listCmd.Flags().BoolP("watch", "w", false, "Keep the query open and reprint on change")
	listCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(listCmd)
}
