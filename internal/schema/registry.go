package schema

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed collections.yaml
var defaultCollections []byte

// Entry binds a collection schema to its remote table and checkpoint key.
// Entries are immutable once the registry is built.
type Entry struct {
	Schema        *Schema
	RemoteTable   string
	ReplicationID string
	// Conflict names the resolver for this collection; empty means the
	// configured global default.
	Conflict string
	// PriorityFields are the client-owned fields for the field-merge policy.
	PriorityFields []string
	Mapper         Mapper
}

// Name returns the logical collection name.
func (e *Entry) Name() string { return e.Schema.Name }

// Registry is the ordered, read-only set of collections known to the
// process plus the physical store names.
type Registry struct {
	storeName string
	legacy    []string
	entries   []*Entry
	byName    map[string]*Entry
	byTable   map[string]*Entry
}

type fileCollection struct {
	Schema         `yaml:",inline"`
	RemoteTable    string   `yaml:"remote_table"`
	ReplicationID  string   `yaml:"replication_id"`
	Conflict       string   `yaml:"conflict"`
	PriorityFields []string `yaml:"priority_fields"`
}

type file struct {
	StoreName        string           `yaml:"store_name"`
	LegacyStoreNames []string         `yaml:"legacy_store_names"`
	Collections      []fileCollection `yaml:"collections"`
}

// Default returns the built-in livestock registry.
func Default() (*Registry, error) {
	return Load(defaultCollections)
}

// LoadFile reads a registry from a YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collections file: %w", err)
	}
	return Load(data)
}

// Load parses a registry document.
func Load(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse collections: %w", err)
	}
	entries := make([]*Entry, 0, len(f.Collections))
	for i := range f.Collections {
		c := f.Collections[i]
		s := c.Schema
		entries = append(entries, &Entry{
			Schema:         &s,
			RemoteTable:    c.RemoteTable,
			ReplicationID:  c.ReplicationID,
			Conflict:       c.Conflict,
			PriorityFields: c.PriorityFields,
		})
	}
	return New(f.StoreName, f.LegacyStoreNames, entries...)
}

// New validates entries and builds a registry. Missing remote tables and
// replication ids default from the collection name and schema version.
func New(storeName string, legacy []string, entries ...*Entry) (*Registry, error) {
	if storeName == "" {
		return nil, fmt.Errorf("store_name is required")
	}
	r := &Registry{
		storeName: storeName,
		byName:    make(map[string]*Entry, len(entries)),
		byTable:   make(map[string]*Entry, len(entries)),
	}
	for _, name := range legacy {
		if name != "" && name != storeName {
			r.legacy = append(r.legacy, name)
		}
	}

	ids := make(map[string]string, len(entries))
	for _, e := range entries {
		if e == nil || e.Schema == nil {
			return nil, fmt.Errorf("registry entry without schema")
		}
		if err := e.Schema.check(); err != nil {
			return nil, err
		}
		name := e.Schema.Name
		if e.RemoteTable == "" {
			e.RemoteTable = name
		}
		if e.ReplicationID == "" {
			e.ReplicationID = fmt.Sprintf("%s-v%d", name, e.Schema.Version)
		}
		if e.Mapper == nil {
			e.Mapper = NewFieldMapper(e.Schema)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate collection %s", name)
		}
		if other, dup := r.byTable[e.RemoteTable]; dup {
			return nil, fmt.Errorf("collections %s and %s share remote table %s", other.Name(), name, e.RemoteTable)
		}
		if other, dup := ids[e.ReplicationID]; dup {
			return nil, fmt.Errorf("collections %s and %s share replication id %s", other, name, e.ReplicationID)
		}
		ids[e.ReplicationID] = name
		r.byName[name] = e
		r.byTable[e.RemoteTable] = e
		r.entries = append(r.entries, e)
	}
	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].Name() < r.entries[j].Name() })
	return r, nil
}

// StoreName is the current physical store name.
func (r *Registry) StoreName() string { return r.storeName }

// LegacyStoreNames lists historical store names removed on reset.
func (r *Registry) LegacyStoreNames() []string {
	return append([]string(nil), r.legacy...)
}

// Lookup returns the entry for a collection name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// ByRemoteTable returns the entry that owns a remote table.
func (r *Registry) ByRemoteTable(table string) (*Entry, bool) {
	e, ok := r.byTable[table]
	return e, ok
}

// Entries returns all entries ordered by name.
func (r *Registry) Entries() []*Entry {
	return append([]*Entry(nil), r.entries...)
}

// Names returns all collection names in order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.Name()
	}
	return names
}
