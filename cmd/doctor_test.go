package cmd

import (
	"strings"
	"testing"
)

func TestFormatChecks(t *testing.T) {
	checks := []check{
		{Name: "Config", Status: checkOK, Detail: "/tmp/herd/config.json"},
		{Name: "Auth valid", Status: checkSkip},
		{Name: "Pending pushes", Status: checkFail, Detail: "a|b"},
	}

	plain := formatChecksPlain(checks)
	for _, want := range []string{
		"Config .................. OK (/tmp/herd/config.json)\n",
		"Auth valid .............. SKIP\n",
		"Pending pushes .......... FAIL (a|b)\n",
	} {
		if !strings.Contains(plain, want) {
			t.Errorf("plain output missing %q:\n%s", want, plain)
		}
	}

	md := formatChecksMarkdown(checks)
	if !strings.Contains(md, "| Pending pushes | **FAIL** | a\\|b |") {
		t.Errorf("pipe not escaped:\n%s", md)
	}
	if !strings.Contains(md, "1 check(s) failed.") {
		t.Errorf("missing failure summary:\n%s", md)
	}
	if !strings.Contains(formatChecksMarkdown(checks[:2]), "All checks passed.") {
		t.Error("expected success summary")
	}
}
