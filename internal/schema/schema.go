// Package schema defines the versioned collection schemas, the remote field
// mapping, and the registry that binds a collection to its remote table and
// checkpoint key.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// FieldType is the declared type of a payload field.
type FieldType string

const (
	TypeAny     FieldType = ""
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// Field describes one payload field.
type Field struct {
	Type    FieldType `yaml:"type"`
	Default any       `yaml:"default"`
	// Remote is the wire name when it differs from the local name.
	Remote string `yaml:"remote"`
	// RemoteOnly fields exist on the server (surrogate ids, server
	// timestamps) and are stripped on pull.
	RemoteOnly bool `yaml:"remote_only"`
	// Local fields are never pushed.
	Local bool `yaml:"local"`
}

// WireName returns the remote column name for the field named local.
func (f Field) WireName(local string) string {
	if f.Remote != "" {
		return f.Remote
	}
	return local
}

// Schema is the versioned shape of one collection.
type Schema struct {
	Name        string           `yaml:"name"`
	Version     int              `yaml:"version"`
	PrimaryKey  string           `yaml:"primary_key"`
	GenerateKey bool             `yaml:"generate_key"`
	Strict      bool             `yaml:"strict"`
	Required    []string         `yaml:"required"`
	Fields      map[string]Field `yaml:"fields"`
}

// ValidationError reports a document that violates its collection schema.
type ValidationError struct {
	Collection string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validate %s: %s", e.Collection, e.Reason)
	}
	return fmt.Sprintf("validate %s: field %q: %s", e.Collection, e.Field, e.Reason)
}

func (s *Schema) invalid(field, format string, args ...any) error {
	return &ValidationError{Collection: s.Name, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks doc against the schema. Reserved fields are checked for
// type only; updated_at may be absent on documents that have not been
// stamped yet.
func (s *Schema) Validate(doc Document) error {
	if doc == nil {
		return s.invalid("", "document is nil")
	}

	pk, present := doc[s.PrimaryKey]
	if !present || pk == nil {
		return s.invalid(s.PrimaryKey, "primary key is required")
	}
	pkStr, ok := pk.(string)
	if !ok {
		return s.invalid(s.PrimaryKey, "primary key must be a string, got %T", pk)
	}
	if strings.TrimSpace(pkStr) == "" {
		return s.invalid(s.PrimaryKey, "primary key is empty")
	}

	if v, ok := doc[FieldUpdatedAt]; ok && v != nil {
		ts, isStr := v.(string)
		if !isStr {
			return s.invalid(FieldUpdatedAt, "must be a string timestamp, got %T", v)
		}
		if _, ok := NormalizeTime(ts); !ok {
			return s.invalid(FieldUpdatedAt, "unparseable timestamp %q", ts)
		}
	}
	if v, ok := doc[FieldDeleted]; ok && v != nil {
		if _, isBool := v.(bool); !isBool {
			return s.invalid(FieldDeleted, "must be a boolean, got %T", v)
		}
	}

	for _, name := range s.Required {
		if v, ok := doc[name]; !ok || v == nil {
			return s.invalid(name, "required")
		}
		if str, ok := doc[name].(string); ok && strings.TrimSpace(str) == "" {
			return s.invalid(name, "required")
		}
	}

	for name, value := range doc {
		if name == FieldUpdatedAt || name == FieldDeleted || name == s.PrimaryKey {
			continue
		}
		field, known := s.Fields[name]
		if !known {
			if s.Strict {
				return s.invalid(name, "unknown field")
			}
			continue
		}
		if value == nil {
			continue
		}
		if !typeMatches(field.Type, value) {
			return s.invalid(name, "expected %s, got %T", field.Type, value)
		}
	}
	return nil
}

func typeMatches(t FieldType, v any) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		_, ok := toFloat(v)
		return ok
	case TypeInteger:
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case TypeObject:
		switch v.(type) {
		case map[string]any, Document:
			return true
		}
		return false
	case TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Fingerprint is a stable digest of everything that changes the on-disk
// interpretation of a collection. The store compares it on open.
func (s *Schema) Fingerprint() string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	required := append([]string(nil), s.Required...)
	sort.Strings(required)

	h := sha256.New()
	fmt.Fprintf(h, "%s|v%d|pk=%s|req=%s", s.Name, s.Version, s.PrimaryKey, strings.Join(required, ","))
	for _, name := range names {
		f := s.Fields[name]
		fmt.Fprintf(h, "|%s:%s:%t:%t", name, f.Type, f.RemoteOnly, f.Local)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ApplyDefaults fills absent fields that declare a default.
func (s *Schema) ApplyDefaults(doc Document) {
	for name, f := range s.Fields {
		if f.Default == nil || f.RemoteOnly {
			continue
		}
		if v, ok := doc[name]; !ok || v == nil {
			doc[name] = CloneValue(f.Default)
		}
	}
}

func (s *Schema) check() error {
	if s.Name == "" {
		return fmt.Errorf("collection name is required")
	}
	if s.PrimaryKey == "" {
		return fmt.Errorf("collection %s: primary_key is required", s.Name)
	}
	if s.PrimaryKey == FieldUpdatedAt || s.PrimaryKey == FieldDeleted {
		return fmt.Errorf("collection %s: primary_key cannot be a reserved field", s.Name)
	}
	wire := map[string]string{}
	for name, f := range s.Fields {
		switch f.Type {
		case TypeAny, TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		default:
			return fmt.Errorf("collection %s: field %s: unknown type %q", s.Name, name, f.Type)
		}
		if f.RemoteOnly && f.Local {
			return fmt.Errorf("collection %s: field %s cannot be both remote_only and local", s.Name, name)
		}
		w := f.WireName(name)
		if prev, dup := wire[w]; dup {
			return fmt.Errorf("collection %s: fields %s and %s map to the same remote column %s", s.Name, prev, name, w)
		}
		wire[w] = name
	}
	return nil
}
