package conflict

import (
	"testing"

	"github.com/marcus/herd/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(pk, ts string, fields ...any) schema.Document {
	d := schema.Document{"registration": pk, schema.FieldUpdatedAt: ts}
	for i := 0; i+1 < len(fields); i += 2 {
		d[fields[i].(string)] = fields[i+1]
	}
	return d
}

const (
	t1 = "2024-01-01T00:00:00.000Z"
	t2 = "2024-01-02T00:00:00.000Z"
	t3 = "2024-01-03T00:00:00.000Z"
)

func TestLastWriteWins(t *testing.T) {
	lww := LastWriteWins{}

	t.Run("later remote wins", func(t *testing.T) {
		local := doc("A123", t2, "name", "local")
		remote := doc("A123", t3, "name", "remote")
		out := lww.Resolve(local, remote)
		assert.Equal(t, SideRemote, out.Side)
		assert.Equal(t, remote, out.Winner)
	})

	t.Run("later local wins", func(t *testing.T) {
		local := doc("A123", t3, "name", "local")
		remote := doc("A123", t2, "name", "remote")
		out := lww.Resolve(local, remote)
		assert.Equal(t, SideLocal, out.Side)
		assert.Equal(t, local, out.Winner)
	})

	t.Run("tie favors remote", func(t *testing.T) {
		local := doc("A123", t1, "name", "local")
		remote := doc("A123", t1, "name", "remote")
		out := lww.Resolve(local, remote)
		assert.Equal(t, SideRemote, out.Side)
		assert.Equal(t, "remote", out.Winner["name"])
	})

	t.Run("identical input is identity", func(t *testing.T) {
		a := doc("A123", t1, "name", "same")
		assert.Equal(t, a, lww.Resolve(a, a).Winner)
	})

	t.Run("swap sides same winner", func(t *testing.T) {
		older := doc("A123", t1, "name", "older")
		newer := doc("A123", t2, "name", "newer")
		assert.Equal(t, lww.Resolve(older, newer).Winner, lww.Resolve(newer, older).Winner)
	})

	t.Run("deterministic", func(t *testing.T) {
		local := doc("A123", t2, "w", 1.0)
		remote := doc("A123", t3, "w", 2.0)
		first := lww.Resolve(local, remote)
		for range 10 {
			assert.Equal(t, first, lww.Resolve(local, remote))
		}
	})

	t.Run("does not alias inputs", func(t *testing.T) {
		remote := doc("A123", t3, "name", "remote")
		out := lww.Resolve(doc("A123", t2), remote)
		out.Winner["name"] = "changed"
		assert.Equal(t, "remote", remote["name"])
	})
}

func TestFixedSidePolicies(t *testing.T) {
	local := doc("A1", t3, "name", "local")
	remote := doc("A1", t1, "name", "remote")

	assert.Equal(t, "remote", ServerWins{}.Resolve(local, remote).Winner["name"])
	assert.Equal(t, "local", ClientWins{}.Resolve(doc("A1", t1, "name", "local"), doc("A1", t3, "name", "remote")).Winner["name"])
}

func TestFieldMerge(t *testing.T) {
	fm := FieldMerge{PriorityFields: []string{"notes"}}

	t.Run("remote base keeps local priority fields", func(t *testing.T) {
		local := doc("E1", t2, "notes", "checked by vet", "outcome", "pending")
		remote := doc("E1", t3, "notes", "", "outcome", "pregnant")
		out := fm.Resolve(local, remote)
		assert.Equal(t, SideMerged, out.Side)
		assert.Equal(t, "checked by vet", out.Winner["notes"])
		assert.Equal(t, "pregnant", out.Winner["outcome"])
		assert.Equal(t, t3, out.Winner.UpdatedAt())
	})

	t.Run("local newer wins whole", func(t *testing.T) {
		local := doc("E1", t3, "outcome", "open")
		remote := doc("E1", t2, "outcome", "pregnant")
		out := fm.Resolve(local, remote)
		assert.Equal(t, SideLocal, out.Side)
		assert.Equal(t, "open", out.Winner["outcome"])
	})

	t.Run("no local priority values", func(t *testing.T) {
		local := doc("E1", t1)
		remote := doc("E1", t2, "notes", "srv")
		out := fm.Resolve(local, remote)
		assert.Equal(t, SideRemote, out.Side)
		assert.Equal(t, "srv", out.Winner["notes"])
	})
}

func TestByName(t *testing.T) {
	for _, name := range []string{"", PolicyLWW, PolicyServerWins, PolicyClientWins, PolicyFieldMerge} {
		r, err := ByName(name, []string{"notes"})
		require.NoError(t, err, name)
		if name == "" {
			assert.Equal(t, PolicyLWW, r.Name())
			continue
		}
		assert.Equal(t, name, r.Name())
	}

	_, err := ByName("coin-flip", nil)
	assert.Error(t, err)
}

func TestForEntry(t *testing.T) {
	e := &schema.Entry{Schema: &schema.Schema{Name: "x", PrimaryKey: "id"}}
	r, err := ForEntry(e, PolicyServerWins)
	require.NoError(t, err)
	assert.Equal(t, PolicyServerWins, r.Name())

	e.Conflict = PolicyFieldMerge
	e.PriorityFields = []string{"notes"}
	r, err = ForEntry(e, PolicyServerWins)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, r.(FieldMerge).PriorityFields)
}
