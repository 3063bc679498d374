package cmd

import (
	"errors"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/output"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the local store and start over",
	Long: `Delete every local store file, including older schema versions, and
create an empty store. Pending local changes that were not pushed are lost.
When a remote is configured the next sync pulls everything again.`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		ctrl, err := newController(localOnly)
		if err != nil {
			return fail(false, err)
		}
		defer ctrl.Close()
		s, err := ctrl.Store(cmd.Context())
		if err != nil {
			return fail(false, err)
		}

		if !force {
			stats, err := s.Stats(cmd.Context())
			if err != nil {
				return fail(false, err)
			}
			pending := 0
			for _, st := range stats {
				pending += st.Pending
			}
			if !output.IsTerminal(os.Stdin) {
				return fail(false, errors.New("refusing to reset without --force when stdin is not a terminal"))
			}
			confirmed := false
			title := "Delete the local store " + s.Name() + "?"
			desc := "All local documents are removed."
			if pending > 0 {
				desc = "There are unpushed local changes, they will be lost."
			}
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(title).
					Description(desc).
					Affirmative("Delete").
					Negative("Cancel").
					Value(&confirmed),
			))
			if err := form.Run(); err != nil {
				return fail(false, err)
			}
			if !confirmed {
				output.Info("Reset cancelled.")
				return nil
			}
		}

		sess, err := ctrl.Reset(cmd.Context())
		if err != nil {
			return fail(false, err)
		}
		output.Success("RESET %s in %s", sess.Store.Name(), settings.DataDir)
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolP("force", "f", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}
