package schema

// Mapper converts between the local document shape and the remote wire
// record for one collection. Implementations must be pure.
type Mapper interface {
	ToRemote(doc Document) map[string]any
	FromRemote(record map[string]any) Document
}

// FieldMapper is the Mapper driven by a schema's Field declarations.
type FieldMapper struct {
	schema   *Schema
	fromWire map[string]string // wire name -> local name
}

// NewFieldMapper builds a mapper for s.
func NewFieldMapper(s *Schema) *FieldMapper {
	m := &FieldMapper{schema: s, fromWire: make(map[string]string, len(s.Fields))}
	for name, f := range s.Fields {
		m.fromWire[f.WireName(name)] = name
	}
	return m
}

// ToRemote renames fields to their wire names and drops local-only fields.
func (m *FieldMapper) ToRemote(doc Document) map[string]any {
	out := make(map[string]any, len(doc))
	for name, v := range doc {
		f, known := m.schema.Fields[name]
		if !known {
			out[name] = CloneValue(v)
			continue
		}
		if f.Local || f.RemoteOnly {
			continue
		}
		out[f.WireName(name)] = CloneValue(v)
	}
	if _, ok := out[FieldDeleted]; !ok {
		out[FieldDeleted] = false
	}
	return out
}

// FromRemote renames wire columns to local names, strips remote-only
// columns, turns nulls into field defaults (or drops them), and normalizes
// updated_at to TimeLayout.
func (m *FieldMapper) FromRemote(record map[string]any) Document {
	doc := make(Document, len(record))
	for wire, v := range record {
		name, known := m.fromWire[wire]
		if !known {
			name = wire
		}
		f := m.schema.Fields[name]
		if f.RemoteOnly {
			continue
		}
		if known && f.Local {
			continue
		}
		if v == nil {
			if f.Default != nil {
				doc[name] = CloneValue(f.Default)
			}
			continue
		}
		if !known && m.schema.Strict && name != m.schema.PrimaryKey && name != FieldUpdatedAt && name != FieldDeleted {
			continue
		}
		doc[name] = v
	}

	if ts, ok := doc[FieldUpdatedAt].(string); ok {
		if norm, ok := NormalizeTime(ts); ok {
			doc[FieldUpdatedAt] = norm
		}
	}
	if _, ok := doc[FieldDeleted].(bool); !ok {
		doc[FieldDeleted] = false
	}
	return doc
}
