package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/schema"
)

var collectionsCmd = &cobra.Command{
	Use:     "collections [name]",
	Aliases: []string{"schemas"},
	Short:   "List collections and their schemas",
	Long: `List the registered collections with their remote table, schema version
and conflict policy. With a name, show that collection's fields.`,
	GroupID: "system",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		reg, err := loadRegistry()
		if err != nil {
			return fail(jsonOut, err)
		}

		if len(args) == 1 {
			e, ok := reg.Lookup(args[0])
			if !ok {
				return fail(jsonOut, unknownCollection(reg.Names(), args[0]))
			}
			if jsonOut {
				return output.JSON(e.Schema)
			}
			fmt.Print(formatSchema(e, settings.ConflictPolicy))
			return nil
		}

		if jsonOut {
			type row struct {
				Name          string `json:"name"`
				Version       int    `json:"version"`
				RemoteTable   string `json:"remote_table"`
				ReplicationID string `json:"replication_id"`
				Conflict      string `json:"conflict"`
			}
			rows := []row{}
			for _, e := range reg.Entries() {
				rows = append(rows, row{e.Name(), e.Schema.Version, e.RemoteTable, e.ReplicationID, policyOf(e, settings.ConflictPolicy)})
			}
			return output.JSON(rows)
		}
		fmt.Printf("Store: %s\n\n", reg.StoreName())
		fmt.Printf("  %-22s %3s  %-22s %s\n", "COLLECTION", "VER", "REMOTE TABLE", "CONFLICT")
		for _, e := range reg.Entries() {
			fmt.Printf("  %-22s %3d  %-22s %s\n", e.Name(), e.Schema.Version, e.RemoteTable, policyOf(e, settings.ConflictPolicy))
		}
		return nil
	},
}

func policyOf(e *schema.Entry, fallback string) string {
	if e.Conflict != "" {
		return e.Conflict
	}
	return fallback
}

func formatSchema(e *schema.Entry, fallbackPolicy string) string {
	sc := e.Schema
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s v%d -> %s\n", sc.Name, sc.Version, e.RemoteTable)
	fmt.Fprintf(&sb, "  primary key: %s", sc.PrimaryKey)
	if sc.GenerateKey {
		sb.WriteString(" (generated)")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  conflict:    %s", policyOf(e, fallbackPolicy))
	if len(e.PriorityFields) > 0 {
		fmt.Fprintf(&sb, " (client fields: %s)", strings.Join(e.PriorityFields, ", "))
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  checkpoint:  %s\n", e.ReplicationID)

	required := make(map[string]bool, len(sc.Required))
	for _, r := range sc.Required {
		required[r] = true
	}
	names := make([]string, 0, len(sc.Fields))
	for n := range sc.Fields {
		names = append(names, n)
	}
	sort.Strings(names)
	sb.WriteString(output.SectionHeader("fields"))
	for _, n := range names {
		f := sc.Fields[n]
		typ := string(f.Type)
		if typ == "" {
			typ = "any"
		}
		var tags []string
		if required[n] {
			tags = append(tags, "required")
		}
		if f.Remote != "" {
			tags = append(tags, "remote:"+f.Remote)
		}
		if f.RemoteOnly {
			tags = append(tags, "remote-only")
		}
		if f.Local {
			tags = append(tags, "local")
		}
		line := fmt.Sprintf("  %-22s %-8s", n, typ)
		if len(tags) > 0 {
			line += " " + strings.Join(tags, ", ")
		}
		sb.WriteString(strings.TrimRight(line, " ") + "\n")
	}
	return sb.String()
}

func init() {
	collectionsCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(collectionsCmd)
}
