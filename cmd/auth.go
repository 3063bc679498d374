package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/config"
	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/remote"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	Short:   "Manage remote credentials",
	GroupID: "system",
}

var authLoginCmd = &cobra.Command{
	Use:     "login",
	Aliases: []string{"signin"},
	Short:   "Store an access token for the remote",
	Long: `Store the bearer token used for replication. Without --token an
interactive prompt asks for it. The token is checked against the remote
unless --no-verify is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		email, _ := cmd.Flags().GetString("email")
		ttl, _ := cmd.Flags().GetDuration("expires-in")
		noVerify, _ := cmd.Flags().GetBool("no-verify")

		if settings.RemoteURL == "" {
			return fail(false, errors.New("no remote configured: run \"herd init --remote <url>\" first"))
		}
		if token == "" {
			if !output.IsTerminal(os.Stdin) {
				return fail(false, errors.New("--token is required when stdin is not a terminal"))
			}
			if err := promptLogin(&email, &token); err != nil {
				return fail(false, err)
			}
		}
		if token == "" {
			return fail(false, fmt.Errorf("%w: empty token", remote.ErrAuthRequired))
		}

		if !noVerify {
			if err := verifyToken(cmd.Context(), token); err != nil {
				return fail(false, fmt.Errorf("verify token: %w", err))
			}
		}

		creds := &config.AuthCredentials{
			AccessToken: token,
			Email:       email,
			ServerURL:   settings.RemoteURL,
			DeviceID:    config.DeviceID(),
		}
		if ttl > 0 {
			creds.ExpiresAt = time.Now().Add(ttl).UTC().Format(time.RFC3339)
		}
		if err := config.SaveAuth(creds); err != nil {
			return fail(false, fmt.Errorf("save credentials: %w", err))
		}
		if email != "" {
			output.Success("Logged in as %s", email)
		} else {
			output.Success("Logged in to %s", settings.RemoteURL)
		}
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	Long: `Remove stored credentials. Local data is kept; replication pauses until
the next login.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ClearAuth(); err != nil {
			return fail(false, fmt.Errorf("logout: %w", err))
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := config.LoadAuth()
		if err != nil {
			return fail(false, fmt.Errorf("load auth: %w", err))
		}
		if creds == nil || creds.AccessToken == "" {
			fmt.Println("Not logged in.")
			return nil
		}

		fmt.Printf("Email:   %s\n", valueOr(creds.Email, "-"))
		fmt.Printf("Server:  %s\n", creds.ServerURL)
		fmt.Printf("Token:   %s\n", maskToken(creds.AccessToken))
		fmt.Printf("Device:  %s\n", creds.DeviceID)
		if creds.ExpiresAt != "" {
			status := creds.ExpiresAt
			if creds.Expired(time.Now()) {
				status += " (expired)"
			}
			fmt.Printf("Expires: %s\n", status)
		}
		return nil
	},
}

func promptLogin(email, token *string) error {
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Email").
			Description("Optional, shown in auth status").
			Value(email),
		huh.NewInput().
			Title("Access token").
			EchoMode(huh.EchoModePassword).
			Validate(func(s string) error {
				if s == "" {
					return errors.New("token is required")
				}
				return nil
			}).
			Value(token),
	))
	if err := form.Run(); err != nil {
		return fmt.Errorf("login prompt: %w", err)
	}
	return nil
}

// verifyToken pulls a single row from the first collection's table.
func verifyToken(ctx context.Context, token string) error {
	reg, err := loadRegistry()
	if err != nil {
		return err
	}
	entries := reg.Entries()
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	client := remote.New(settings.RemoteURL, settings.APIKey, remote.StaticToken(token))
	_, err = client.Pull(ctx, remote.PullRequest{
		Table:      entries[0].RemoteTable,
		PrimaryKey: entries[0].Schema.PrimaryKey,
		Limit:      1,
	})
	return err
}

func maskToken(t string) string {
	if len(t) <= 12 {
		return "****"
	}
	return t[:8] + "..."
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func init() {
	authLoginCmd.Flags().String("token", "", "Access token (prompted when omitted)")
	authLoginCmd.Flags().String("email", "", "Account email, for display")
	authLoginCmd.Flags().Duration("expires-in", 0, "Treat the token as expired after this duration")
	authLoginCmd.Flags().Bool("no-verify", false, "Skip checking the token against the remote")

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
