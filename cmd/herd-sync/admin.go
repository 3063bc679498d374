package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/marcus/herd/internal/devremote"
)

func runAdmin(args []string) {
	if len(args) == 0 {
		printAdminUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "counts":
		runAdminCounts(args[1:])
	case "get":
		runAdminGet(args[1:])
	case "tables":
		runAdminTables(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n", args[0])
		printAdminUsage()
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Fprintln(os.Stderr, `Usage: herd-sync admin <command> [flags]

Commands:
  counts  Show row and tombstone counts per table
  get     Print one stored record as JSON
  tables  List served tables and their primary keys`)
}

func openDB(dbPath string) *devremote.DB {
	cfg := devremote.LoadConfig()
	if dbPath == "" {
		dbPath = cfg.DBPath
	}
	db, err := devremote.Open(cfg.Driver, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open database: %v\n", err)
		os.Exit(1)
	}
	return db
}

func runAdminCounts(args []string) {
	fs := flag.NewFlagSet("admin counts", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to the sync db (default: from HERD_SYNC_DB_PATH or ./data/herd-sync.db)")
	fs.Parse(args)

	db := openDB(*dbPath)
	defer db.Close()

	counts, err := db.Counts(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tROWS\tDELETED")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%d\t%d\n", c.Table, c.Rows, c.Deleted)
	}
	w.Flush()
}

func runAdminGet(args []string) {
	fs := flag.NewFlagSet("admin get", flag.ExitOnError)
	table := fs.String("table", "", "remote table name")
	key := fs.String("key", "", "primary key value")
	dbPath := fs.String("db", "", "path to the sync db")
	fs.Parse(args)

	if *table == "" || *key == "" {
		fmt.Fprintln(os.Stderr, "error: --table and --key are required")
		fs.Usage()
		os.Exit(1)
	}

	db := openDB(*dbPath)
	defer db.Close()

	rec, err := db.Get(context.Background(), *table, *key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if rec == nil {
		fmt.Fprintf(os.Stderr, "error: %s/%s not found\n", *table, *key)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(rec)
}

func runAdminTables(args []string) {
	fs := flag.NewFlagSet("admin tables", flag.ExitOnError)
	collections := fs.String("collections", "", "collection registry YAML (default: embedded)")
	fs.Parse(args)

	path := *collections
	if path == "" {
		path = devremote.LoadConfig().CollectionsFile
	}
	reg, err := loadRegistry(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tPRIMARY KEY\tSERVER ID")
	for _, t := range devremote.TablesFromRegistry(reg) {
		fmt.Fprintf(w, "%s\t%s\t%t\n", t.Name, t.PrimaryKey, t.ServerID)
	}
	w.Flush()
}
