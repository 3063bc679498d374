package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/output"
	ver "github.com/marcus/herd/internal/version"
)

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Show version information",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("herd version %s\n", version)

		check, _ := cmd.Flags().GetBool("check")
		if !check {
			return nil
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		res, err := ver.Check(ctx, nil, version)
		if err != nil {
			return fail(false, fmt.Errorf("check for updates: %w", err))
		}
		switch {
		case ver.IsDevelopmentVersion(version):
			output.Info("development build, update check skipped")
		case res.HasUpdate:
			output.Warning("herd %s is available: %s", res.LatestVersion, res.UpdateURL)
			if c := ver.UpdateCommand(res.LatestVersion); c != "" {
				output.Info("  %s", c)
			}
		default:
			output.Success("up to date")
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().Bool("check", false, "Check GitHub for a newer release")
	rootCmd.AddCommand(versionCmd)
}
