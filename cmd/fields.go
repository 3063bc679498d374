package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/herd/internal/dateparse"
	"github.com/marcus/herd/internal/schema"
	"github.com/marcus/herd/internal/store"
	"github.com/marcus/herd/internal/suggest"
)

var now = time.Now

// parseAssignments turns field=value pairs into a document fragment. Values
// are converted by the declared field type; undeclared fields accept JSON
// literals and fall back to strings. String fields named *_date also take
// date shorthands such as "today" or "-3d".
func parseAssignments(sc *schema.Schema, pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q (want field=value)", p)
		}
		f, declared := sc.Fields[name]
		if !declared && sc.Strict {
			return nil, unknownField(sc, name)
		}
		if f.Type == schema.TypeString && strings.HasSuffix(name, "_date") {
			if d, err := dateparse.ParseDateFrom(raw, now()); err == nil {
				raw = d
			}
		}
		v, err := convertValue(f.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func unknownField(sc *schema.Schema, name string) error {
	names := make([]string, 0, len(sc.Fields))
	for n := range sc.Fields {
		names = append(names, n)
	}
	reason := "unknown field"
	if hint := suggest.Hint(name, names); hint != "" {
		reason += ", " + hint
	}
	return &schema.ValidationError{Collection: sc.Name, Field: name, Reason: reason}
}

func convertValue(t schema.FieldType, raw string) (any, error) {
	if raw == "null" {
		return nil, nil
	}
	switch t {
	case schema.TypeString:
		return raw, nil
	case schema.TypeNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		return f, nil
	case schema.TypeInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		return n, nil
	case schema.TypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", raw)
		}
		return b, nil
	case schema.TypeObject, schema.TypeArray:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return v, nil
	default:
		var v any
		if json.Unmarshal([]byte(raw), &v) == nil {
			return v, nil
		}
		return raw, nil
	}
}

// parseDocument decodes a JSON object argument.
func parseDocument(raw string) (schema.Document, error) {
	var doc schema.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	return doc, nil
}

// parseSort parses "field" or "field:desc" sort specs.
func parseSort(specs []string) ([]store.SortField, error) {
	var out []store.SortField
	for _, spec := range specs {
		field, dir, _ := strings.Cut(spec, ":")
		if field == "" {
			return nil, fmt.Errorf("invalid sort %q", spec)
		}
		switch strings.ToLower(dir) {
		case "", "asc":
			out = append(out, store.SortField{Field: field})
		case "desc":
			out = append(out, store.SortField{Field: field, Desc: true})
		default:
			return nil, fmt.Errorf("invalid sort direction %q (want asc or desc)", dir)
		}
	}
	return out, nil
}
