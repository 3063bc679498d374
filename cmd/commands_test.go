package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marcus/herd/internal/devremote"
	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/schema"
)

// resetFlags restores every flag of c and its children to its default so
// runs of the shared command tree do not leak into each other.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, child := range c.Commands() {
		resetFlags(child)
	}
}

// runCLI executes herd with an isolated config and data directory and
// returns what the command wrote through the output package.
func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	return runCLIRemote(t, dir, "", "", args...)
}

// runCLIRemote is runCLI with a remote URL and access token configured.
func runCLIRemote(t *testing.T, dir, remoteURL, token string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HERD_CONFIG_DIR", dir)
	t.Setenv("HERD_DATA_DIR", dir+"/data")
	t.Setenv("HERD_REMOTE_URL", remoteURL)
	t.Setenv("HERD_ACCESS_TOKEN", token)

	var buf bytes.Buffer
	old := output.Stdout
	output.Stdout = &buf
	defer func() { output.Stdout = old }()

	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteContextC(context.Background())
	return buf.String(), err
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return m
}

func TestDocumentCommands(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "add", "animals", `{"registration":"NL-001","farm_id":"F1"}`, "--set", "species=cattle", "--set", "weight_kg=380", "--json")
	if err != nil {
		t.Fatalf("add: %v\n%s", err, out)
	}
	doc := decode(t, out)
	if doc["registration"] != "NL-001" || doc["species"] != "cattle" || doc["weight_kg"] != 380.0 {
		t.Errorf("add returned %v", doc)
	}
	if doc["status"] != "active" {
		t.Errorf("default not applied: %v", doc["status"])
	}

	out, err = runCLI(t, dir, "patch", "animals", "NL-001", "--set", "weight_kg=402.5", "--json")
	if err != nil {
		t.Fatalf("patch: %v\n%s", err, out)
	}
	if decode(t, out)["weight_kg"] != 402.5 {
		t.Errorf("patch returned %s", out)
	}

	out, err = runCLI(t, dir, "list", "animals", "--where", "farm_id=F1", "--json")
	if err != nil {
		t.Fatalf("list: %v\n%s", err, out)
	}
	var docs []map[string]any
	if err := json.Unmarshal([]byte(out), &docs); err != nil || len(docs) != 1 {
		t.Fatalf("list = %s (%v)", out, err)
	}

	if out, err = runCLI(t, dir, "rm", "animals", "NL-001", "--json"); err != nil {
		t.Fatalf("rm: %v\n%s", err, out)
	}
	out, err = runCLI(t, dir, "list", "animals", "--json")
	if err != nil || out != "[]\n" {
		t.Errorf("list after rm = %q, %v", out, err)
	}
	out, err = runCLI(t, dir, "get", "animals", "NL-001", "--json")
	if err != nil {
		t.Fatalf("get tombstone: %v", err)
	}
	if decode(t, out)["_deleted"] != true {
		t.Errorf("expected tombstone, got %s", out)
	}
}

func TestCommandErrorsAsJSON(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		args []string
		code string
	}{
		{[]string{"get", "animals", "missing", "--json"}, output.ErrCodeNotFound},
		{[]string{"get", "horses", "x", "--json"}, output.ErrCodeInvalidInput},
		{[]string{"add", "animals", `{"registration":"A"}`, "--json"}, output.ErrCodeInvalidInput},
		{[]string{"patch", "animals", "missing", "--set", "name=x", "--json"}, output.ErrCodeNotFound},
		{[]string{"list", "animals", "--filter", `{"weight_kg":{"$near":1}}`, "--json"}, output.ErrCodeInvalidInput},
	}
	for _, tc := range tests {
		out, err := runCLI(t, dir, tc.args...)
		if err == nil || !isReported(err) {
			t.Errorf("%v: err = %v", tc.args, err)
			continue
		}
		body := decode(t, out)
		e, _ := body["error"].(map[string]any)
		if e["code"] != tc.code {
			t.Errorf("%v: code = %v, want %s", tc.args, e["code"], tc.code)
		}
	}
}

func TestSyncRequiresRemote(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "sync")
	if err == nil || !isReported(err) {
		t.Fatalf("sync without remote: %v", err)
	}
}

func TestSyncOnceRunsOneCyclePerCollection(t *testing.T) {
	reg, err := schema.Default()
	if err != nil {
		t.Fatal(err)
	}
	db, err := devremote.Open("sqlite", filepath.Join(t.TempDir(), "remote.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	srv, err := devremote.NewServer(devremote.Config{}, db, devremote.TablesFromRegistry(reg))
	if err != nil {
		t.Fatal(err)
	}
	var pulls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/rest/v1/") {
			pulls.Add(1)
		}
		srv.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		srv.Hub().Close()
		ts.Close()
	})
	base := ts.URL + "/rest/v1"

	dir := t.TempDir()
	if out, err := runCLIRemote(t, dir, base, "tok", "add", "animals", `{"registration":"NL-002","farm_id":"F1","species":"cattle"}`); err != nil {
		t.Fatalf("add: %v\n%s", err, out)
	}
	if out, err := runCLIRemote(t, dir, base, "tok", "sync", "--json"); err != nil {
		t.Fatalf("sync: %v\n%s", err, out)
	}

	if got, want := int(pulls.Load()), len(reg.Entries()); got != want {
		t.Errorf("pulls = %d, want one per collection (%d)", got, want)
	}
	entry, _ := reg.Lookup("animals")
	rec, err := db.Get(context.Background(), entry.RemoteTable, "NL-002")
	if err != nil || rec == nil {
		t.Errorf("pushed animal missing on remote: %v, %v", rec, err)
	}
}
