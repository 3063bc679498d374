package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/bootstrap"
	"github.com/marcus/herd/internal/config"
	"github.com/marcus/herd/internal/conflict"
	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write configuration and create the local store",
	Long: `Write the given settings to ~/.config/herd/config.json and create the
local store. Existing settings not named by a flag are kept.

Examples:
  herd init
  herd init --remote https://example.supabase.co/rest/v1 --api-key anon-key
  herd init --realtime postgres --postgres-dsn postgres://localhost/herd`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fail(false, err)
		}
		if err := applyInitFlags(cmd, cfg); err != nil {
			return fail(false, err)
		}
		if err := config.Save(cfg); err != nil {
			return fail(false, err)
		}
		path, _ := config.Path()
		fmt.Printf("WROTE %s\n", path)

		// Re-resolve so the new file applies to the store location.
		if err := loadSettings(cmd); err != nil {
			return fail(false, err)
		}
		reg, err := loadRegistry()
		if err != nil {
			return fail(false, err)
		}
		existed := bootstrap.Exists(settings.DataDir, reg)
		err = withStore(cmd.Context(), func(s *store.Store) error {
			if existed {
				output.Warning("store %s already exists in %s", s.Name(), settings.DataDir)
				return nil
			}
			fmt.Printf("INITIALIZED %s in %s\n", s.Name(), settings.DataDir)
			return nil
		})
		if err != nil {
			return fail(false, err)
		}

		if settings.RemoteURL != "" && settings.AccessToken == "" {
			fmt.Println("\nNext: run \"herd auth login\" to start replicating.")
		}
		return nil
	},
}

func applyInitFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	str("remote", &cfg.Remote.URL)
	str("realtime-url", &cfg.Remote.RealtimeURL)
	str("api-key", &cfg.Remote.APIKey)
	str("schema", &cfg.Remote.Schema)
	str("realtime", &cfg.Sync.Realtime)
	str("postgres-dsn", &cfg.Sync.PostgresDSN)
	str("conflict-policy", &cfg.Sync.ConflictPolicy)
	str("collections", &cfg.CollectionsFile)
	if f.Changed("data-dir") {
		cfg.DataDir, _ = f.GetString("data-dir")
	}

	switch cfg.Sync.Realtime {
	case "", bootstrap.RealtimeWebSocket, bootstrap.RealtimePostgres, bootstrap.RealtimeOff:
	default:
		return fmt.Errorf("unknown realtime transport %q (want websocket, postgres or off)", cfg.Sync.Realtime)
	}
	if p := cfg.Sync.ConflictPolicy; p != "" {
		if _, err := conflict.ByName(p, nil); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	f := initCmd.Flags()
	f.String("remote", "", "REST endpoint of the backend (e.g. https://host/rest/v1)")
	f.String("realtime-url", "", "Realtime websocket URL (derived from --remote by default)")
	f.String("api-key", "", "Public API key sent as the apikey header")
	f.String("schema", "", "Database schema to subscribe to (default public)")
	f.String("realtime", "", "Realtime transport: websocket, postgres or off")
	f.String("postgres-dsn", "", "Postgres connection string for the postgres transport")
	f.String("conflict-policy", "", "Default conflict policy: lww, server-wins, client-wins or field-merge")
	f.String("collections", "", "YAML file describing collections (default built-in set)")
	rootCmd.AddCommand(initCmd)
}
