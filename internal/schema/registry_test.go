package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "herd_v4", r.StoreName())
	assert.NotContains(t, r.LegacyStoreNames(), "herd_v4")
	assert.Contains(t, r.LegacyStoreNames(), "herd_v3")

	names := r.Names()
	assert.Equal(t, []string{"animals", "farms", "reproduction_events", "sales", "vaccine_doses", "vaccines", "weighings"}, names)

	animals, ok := r.Lookup("animals")
	require.True(t, ok)
	assert.Equal(t, "animals-v2", animals.ReplicationID)
	assert.Equal(t, "registration", animals.Schema.PrimaryKey)

	farms, ok := r.ByRemoteTable("farms")
	require.True(t, ok)
	assert.Equal(t, "farms-v1", farms.ReplicationID)

	repro, _ := r.Lookup("reproduction_events")
	assert.Equal(t, "field-merge", repro.Conflict)
	assert.Equal(t, []string{"notes", "outcome"}, repro.PriorityFields)

	_, ok = r.ByRemoteTable("unknown")
	assert.False(t, ok)
}

func TestLoadRejectsDuplicates(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no store name", `collections: [{name: a, primary_key: id}]`},
		{"duplicate name", `
store_name: s
collections:
  - {name: a, primary_key: id}
  - {name: a, primary_key: id, remote_table: other}
`},
		{"duplicate table", `
store_name: s
collections:
  - {name: a, primary_key: id, remote_table: t}
  - {name: b, primary_key: id, remote_table: t}
`},
		{"duplicate replication id", `
store_name: s
collections:
  - {name: a, primary_key: id, replication_id: same}
  - {name: b, primary_key: id, replication_id: same}
`},
		{"missing primary key", `
store_name: s
collections:
  - {name: a}
`},
		{"unknown field type", `
store_name: s
collections:
  - name: a
    primary_key: id
    fields:
      x: {type: date}
`},
		{"colliding wire names", `
store_name: s
collections:
  - name: a
    primary_key: id
    fields:
      x: {type: string, remote: y}
      y: {type: string}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestFieldMapperRoundTrip(t *testing.T) {
	s := animalsSchema()
	m := NewFieldMapper(s)

	wire := map[string]any{
		"id":                  float64(42),
		"registration_number": "A123",
		"species":             "bovine",
		"status":              nil,
		"weight_kg":           nil,
		"updated_at":          "2024-05-01T08:30:00.5+00:00",
	}
	doc := m.FromRemote(wire)

	assert.Equal(t, Document{
		"registration": "A123",
		"species":      "bovine",
		"status":       "active",
		FieldUpdatedAt: "2024-05-01T08:30:00.500Z",
		FieldDeleted:   false,
	}, doc)

	doc["photo_path"] = "/tmp/cow.jpg"
	out := m.ToRemote(doc)
	assert.Equal(t, "A123", out["registration_number"])
	assert.NotContains(t, out, "registration")
	assert.NotContains(t, out, "photo_path")
	assert.NotContains(t, out, "id")
	assert.Equal(t, false, out[FieldDeleted])
}

func TestFieldMapperKeepsTombstone(t *testing.T) {
	m := NewFieldMapper(animalsSchema())
	doc := m.FromRemote(map[string]any{"registration_number": "A1", FieldDeleted: true})
	assert.True(t, doc.Deleted())
	assert.Equal(t, true, m.ToRemote(doc)[FieldDeleted])
}
