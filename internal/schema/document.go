package schema

import (
	"strings"
	"time"
)

// Reserved replication fields present on every document.
const (
	FieldUpdatedAt = "updated_at"
	FieldDeleted   = "_deleted"
)

// TimeLayout is the fixed-width UTC layout used for updated_at. Fixed width
// keeps lexicographic order equal to chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// EpochCursor is the checkpoint value before the first pull.
const EpochCursor = "1970-01-01T00:00:00.000Z"

// Document is a replicable document: a primary key, updated_at, _deleted
// and arbitrary payload fields.
type Document map[string]any

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// NormalizeTime parses any RFC 3339 timestamp and re-renders it in
// TimeLayout. Remote backends commonly return "+00:00" offsets or
// microsecond precision, neither of which sorts correctly as text.
func NormalizeTime(s string) (string, bool) {
	t, ok := ParseTime(s)
	if !ok {
		return "", false
	}
	return FormatTime(t), true
}

// ParseTime parses the timestamp forms NormalizeTime accepts, keeping full
// precision.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CompareTimes orders two timestamps chronologically. When either side does
// not parse they compare as text.
func CompareTimes(a, b string) int {
	if a == b {
		return 0
	}
	ta, okA := ParseTime(a)
	tb, okB := ParseTime(b)
	if !okA || !okB {
		return strings.Compare(a, b)
	}
	return ta.Compare(tb)
}

// Key returns the document's primary key value as a string, or "" when the
// field is missing or not a string.
func (d Document) Key(field string) string {
	s, _ := d[field].(string)
	return s
}

// UpdatedAt returns the updated_at stamp, or "" if unset.
func (d Document) UpdatedAt() string {
	s, _ := d[FieldUpdatedAt].(string)
	return s
}

// Deleted reports whether the document is a tombstone.
func (d Document) Deleted() bool {
	b, _ := d[FieldDeleted].(bool)
	return b
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies JSON-shaped values (maps, slices, scalars).
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			m[k] = CloneValue(inner)
		}
		return m
	case Document:
		return val.Clone()
	case []any:
		s := make([]any, len(val))
		for i, inner := range val {
			s[i] = CloneValue(inner)
		}
		return s
	default:
		return v
	}
}
