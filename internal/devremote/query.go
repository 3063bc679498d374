package devremote

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/marcus/herd/internal/schema"
)

// Table is one served remote table.
type Table struct {
	Name       string
	PrimaryKey string // wire column
	// ServerID and ServerCreatedAt mark the server-owned id and created_at
	// columns the server fills in.
	ServerID        bool
	ServerCreatedAt bool
}

// TablesFromRegistry derives the served tables from a collection registry.
func TablesFromRegistry(reg *schema.Registry) []Table {
	var out []Table
	for _, e := range reg.Entries() {
		sc := e.Schema
		t := Table{
			Name:       e.RemoteTable,
			PrimaryKey: sc.Fields[sc.PrimaryKey].WireName(sc.PrimaryKey),
		}
		if f, ok := sc.Fields["id"]; ok && f.RemoteOnly {
			t.ServerID = true
		}
		if f, ok := sc.Fields["created_at"]; ok && f.RemoteOnly {
			t.ServerCreatedAt = true
		}
		out = append(out, t)
	}
	return out
}

// ErrInvalidQuery marks a pull query the server does not support.
var ErrInvalidQuery = errors.New("invalid query")

const (
	defaultLimit = 1000
	maxLimit     = 10000
)

// parsePull turns PostgREST-style pull parameters into a Page. Only the
// shapes the replication client sends are accepted.
func parsePull(q url.Values, t Table) (Page, error) {
	p := Page{After: schema.EpochCursor, Limit: defaultLimit}

	if sel := q.Get("select"); sel != "" && sel != "*" {
		return p, fmt.Errorf("%w: select=%s (only * is supported)", ErrInvalidQuery, sel)
	}
	if order := q.Get("order"); order != "" {
		want := "updated_at.asc," + t.PrimaryKey + ".asc"
		if order != want && order != "updated_at.asc" {
			return p, fmt.Errorf("%w: order=%s (want %s)", ErrInvalidQuery, order, want)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return p, fmt.Errorf("%w: limit=%s", ErrInvalidQuery, v)
		}
		p.Limit = min(n, maxLimit)
	}

	if v := q.Get(schema.FieldUpdatedAt); v != "" {
		ts, ok := strings.CutPrefix(v, "gt.")
		if !ok {
			return p, fmt.Errorf("%w: updated_at=%s (only gt. is supported)", ErrInvalidQuery, v)
		}
		norm, ok := schema.NormalizeTime(ts)
		if !ok {
			return p, fmt.Errorf("%w: bad timestamp %q", ErrInvalidQuery, ts)
		}
		p.After = norm
	}

	if v := q.Get("or"); v != "" {
		after, pk, err := parseCursorFilter(v, t.PrimaryKey)
		if err != nil {
			return p, err
		}
		p.After, p.AfterPK, p.Tiebreak = after, pk, true
	}
	return p, nil
}

// parseCursorFilter accepts exactly
// (updated_at.gt.T,and(updated_at.eq.T,<pk>.gt.K)).
func parseCursorFilter(v, pkColumn string) (after, pk string, err error) {
	bad := func(reason string) (string, string, error) {
		return "", "", fmt.Errorf("%w: or=%s: %s", ErrInvalidQuery, v, reason)
	}
	inner, ok := unwrap(v, "(", ")")
	if !ok {
		return bad("missing parentheses")
	}
	parts := splitTopLevel(inner)
	if len(parts) != 2 {
		return bad("want two alternatives")
	}
	col, op, gtTS := splitCondition(parts[0])
	if col != schema.FieldUpdatedAt || op != "gt" {
		return bad("first alternative must be updated_at.gt")
	}
	group, ok := unwrap(parts[1], "and(", ")")
	if !ok {
		return bad("second alternative must be and(...)")
	}
	conds := splitTopLevel(group)
	if len(conds) != 2 {
		return bad("and() wants two conditions")
	}
	col, op, eqTS := splitCondition(conds[0])
	if col != schema.FieldUpdatedAt || op != "eq" || eqTS != gtTS {
		return bad("and() must pin updated_at to the cursor")
	}
	col, op, key := splitCondition(conds[1])
	if col != pkColumn || op != "gt" {
		return bad("and() must compare " + pkColumn)
	}
	norm, ok := schema.NormalizeTime(gtTS)
	if !ok {
		return bad("bad timestamp")
	}
	return norm, unquote(key), nil
}

func unwrap(s, prefix, suffix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, suffix) || len(s) < len(prefix)+len(suffix) {
		return "", false
	}
	return s[len(prefix) : len(s)-len(suffix)], true
}

// splitCondition splits col.op.value; the value may itself contain dots.
func splitCondition(s string) (col, op, value string) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return "", "", ""
	}
	return parts[0], parts[1], parts[2]
}

// splitTopLevel splits on commas outside parentheses and double quotes.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	quoted, escaped := false, false
	for i, r := range s {
		switch {
		case escaped:
			escaped = false
		case quoted && r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
		case quoted:
		case r == '(':
			depth++
		case r == ')':
			depth--
		case r == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return strings.ReplaceAll(v[1:len(v)-1], `\"`, `"`)
	}
	return v
}
