package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/herd/internal/config"
	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/remote"
	"github.com/marcus/herd/internal/store"
)

type checkStatus string

const (
	checkOK   checkStatus = "OK"
	checkWarn checkStatus = "WARN"
	checkFail checkStatus = "FAIL"
	checkSkip checkStatus = "SKIP"
)

type check struct {
	Name   string
	Status checkStatus
	Detail string
}

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	Short:   "Run diagnostic checks for replication setup",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plain, _ := cmd.Flags().GetBool("plain")
		checks := runDoctor(cmd.Context())
		if plain {
			fmt.Print(formatChecksPlain(checks))
			return nil
		}
		rendered, err := output.RenderMarkdown(formatChecksMarkdown(checks))
		if err != nil {
			fmt.Print(formatChecksPlain(checks))
			return nil
		}
		fmt.Print(rendered)
		return nil
	},
}

func runDoctor(ctx context.Context) []check {
	var checks []check
	add := func(name string, st checkStatus, format string, args ...any) {
		checks = append(checks, check{Name: name, Status: st, Detail: fmt.Sprintf(format, args...)})
	}

	path, _ := config.Path()
	add("Config", checkOK, "%s", path)

	reg, err := loadRegistry()
	if err != nil {
		add("Collections", checkFail, "%v", err)
	} else {
		add("Collections", checkOK, "%d collections, store %s", len(reg.Entries()), reg.StoreName())
	}

	creds, err := config.LoadAuth()
	authOK := settings.AccessToken != ""
	switch {
	case err != nil:
		add("Auth config", checkFail, "%v", err)
	case authOK && creds != nil && creds.Email != "":
		add("Auth config", checkOK, "%s", creds.Email)
	case authOK:
		add("Auth config", checkOK, "token set")
	case creds.Expired(time.Now()):
		add("Auth config", checkFail, "token expired at %s", creds.ExpiresAt)
	default:
		add("Auth config", checkFail, "not logged in")
	}

	serverOK := false
	var client *remote.Client
	switch {
	case settings.RemoteURL == "":
		add("Server reachable", checkSkip, "no remote configured")
	case settings.Offline:
		add("Server reachable", checkSkip, "offline mode")
	default:
		client = remote.New(settings.RemoteURL, settings.APIKey, remote.StaticToken(settings.AccessToken))
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := client.Health(hctx)
		cancel()
		if err != nil {
			add("Server reachable", checkFail, "%v", err)
		} else {
			serverOK = true
			add("Server reachable", checkOK, "%s", settings.RemoteURL)
		}
	}

	if !serverOK || !authOK || reg == nil || len(reg.Entries()) == 0 {
		add("Auth valid", checkSkip, "")
	} else {
		e := reg.Entries()[0]
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := client.Pull(pctx, remote.PullRequest{Table: e.RemoteTable, PrimaryKey: e.Schema.PrimaryKey, Limit: 1})
		cancel()
		switch {
		case err == nil:
			add("Auth valid", checkOK, "read %s", e.RemoteTable)
		case errors.Is(err, remote.ErrUnauthorized):
			add("Auth valid", checkFail, "token rejected")
		default:
			add("Auth valid", checkFail, "%v", err)
		}
	}

	if reg == nil {
		add("Local store", checkSkip, "")
		return checks
	}
	err = withStore(ctx, func(s *store.Store) error {
		add("Local store", checkOK, "%s in %s", s.Name(), settings.DataDir)
		stats, err := s.Stats(ctx)
		if err != nil {
			add("Pending pushes", checkFail, "%v", err)
			return nil
		}
		total := 0
		var busy []string
		for _, st := range stats {
			total += st.Pending
			if st.Pending > 0 {
				busy = append(busy, fmt.Sprintf("%s %d", st.Collection, st.Pending))
			}
		}
		if total == 0 {
			add("Pending pushes", checkOK, "0")
		} else {
			add("Pending pushes", checkWarn, "%d (%s)", total, strings.Join(busy, ", "))
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrLocked):
		add("Local store", checkWarn, "in use by another herd process")
	case err != nil:
		add("Local store", checkFail, "%v", err)
	}
	return checks
}

func formatChecksPlain(checks []check) string {
	var sb strings.Builder
	for _, c := range checks {
		dots := strings.Repeat(".", max(2, 24-len(c.Name)))
		line := fmt.Sprintf("%s %s %s", c.Name, dots, c.Status)
		if c.Detail != "" {
			line += " (" + c.Detail + ")"
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}

func formatChecksMarkdown(checks []check) string {
	var sb strings.Builder
	sb.WriteString("# herd doctor\n\n")
	sb.WriteString("| Check | Status | Detail |\n|---|---|---|\n")
	failed := 0
	for _, c := range checks {
		if c.Status == checkFail {
			failed++
		}
		detail := strings.ReplaceAll(c.Detail, "|", "\\|")
		fmt.Fprintf(&sb, "| %s | **%s** | %s |\n", c.Name, c.Status, detail)
	}
	sb.WriteString("\n")
	if failed == 0 {
		sb.WriteString("All checks passed.\n")
	} else {
		fmt.Fprintf(&sb, "%d check(s) failed.\n", failed)
	}
	return sb.String()
}

func init() {
	doctorCmd.Flags().Bool("plain", false, "Print unformatted check lines")
	rootCmd.AddCommand(doctorCmd)
}
