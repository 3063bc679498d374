package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/marcus/herd/internal/schema"
)

// testClock returns strictly increasing millisecond times.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func testRegistry(t *testing.T, animalsVersion int) *schema.Registry {
	t.Helper()
	animals := &schema.Entry{
		Schema: &schema.Schema{
			Name:       "animals",
			Version:    animalsVersion,
			PrimaryKey: "registration",
			Required:   []string{"registration", "species"},
			Fields: map[string]schema.Field{
				"registration": {Type: schema.TypeString},
				"species":      {Type: schema.TypeString},
				"name":         {Type: schema.TypeString},
				"weight_kg":    {Type: schema.TypeNumber},
				"status":       {Type: schema.TypeString, Default: "active"},
				"photo_path":   {Type: schema.TypeString, Local: true},
			},
		},
	}
	doses := &schema.Entry{
		Schema: &schema.Schema{
			Name:        "doses",
			Version:     1,
			PrimaryKey:  "dose_id",
			GenerateKey: true,
			Required:    []string{"registration"},
			Fields: map[string]schema.Field{
				"dose_id":      {Type: schema.TypeString},
				"registration": {Type: schema.TypeString},
			},
		},
	}
	r, err := schema.New("herd_test", []string{"herd_old"}, animals, doses)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return r
}

func openTestStore(t *testing.T, dir string, reg *schema.Registry) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Dir: dir, Registry: reg, Now: newTestClock().Now})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Register(context.Background()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return s
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := openTestStore(t, t.TempDir(), testRegistry(t, 1))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesStoreFile(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, testRegistry(t, 1))
	defer s.Close()

	if _, err := os.Stat(Path(dir, "herd_test")); err != nil {
		t.Fatalf("store file not created: %v", err)
	}
	if s.Name() != "herd_test" {
		t.Errorf("Name = %q", s.Name())
	}
}

func TestSecondOpenIsLocked(t *testing.T) {
	dir := t.TempDir()
	reg := testRegistry(t, 1)
	s := openTestStore(t, dir, reg)
	defer s.Close()

	_, err := Open(context.Background(), Options{Dir: dir, Registry: reg})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if IsSchemaConflict(err) {
		t.Error("a held lock must not be reported as a schema conflict")
	}
}

func TestReopenAfterClose(t *testing.T) {
	dir := t.TempDir()
	reg := testRegistry(t, 1)
	ctx := context.Background()

	s := openTestStore(t, dir, reg)
	if _, err := s.Insert(ctx, "animals", schema.Document{"registration": "A1", "species": "bovine"}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s = openTestStore(t, dir, reg)
	defer s.Close()
	doc, err := s.FindOne(ctx, "animals", "A1")
	if err != nil || doc == nil {
		t.Fatalf("document lost across reopen: %v %v", doc, err)
	}
}

func TestSchemaChangeIsConflict(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, testRegistry(t, 1))
	s.Close()

	_, err := Open(context.Background(), Options{Dir: dir, Registry: testRegistry(t, 2)})
	var sc *SchemaConflictError
	if !errors.As(err, &sc) {
		t.Fatalf("expected SchemaConflictError, got %v", err)
	}
	if sc.Collection != "animals" {
		t.Errorf("Collection = %q, want animals", sc.Collection)
	}
}

func TestCorruptFileIsConflict(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir, "herd_test"), bytes.Repeat([]byte("not a sqlite file "), 512), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(context.Background(), Options{Dir: dir, Registry: testRegistry(t, 1)})
	if !IsSchemaConflict(err) {
		t.Fatalf("expected schema conflict, got %v", err)
	}
}

func TestDestroyRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, testRegistry(t, 1))
	s.Close()

	if err := Destroy(dir, "herd_test"); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	for _, suffix := range []string{"", "-wal", "-shm", ".lock"} {
		if _, err := os.Stat(Path(dir, "herd_test") + suffix); !os.IsNotExist(err) {
			t.Errorf("file %q still present", suffix)
		}
	}
	if err := Destroy(dir, "never_existed"); err != nil {
		t.Errorf("Destroy of missing store: %v", err)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := openTestStore(t, t.TempDir(), testRegistry(t, 1))
	s.Close()

	_, err := s.Insert(context.Background(), "animals", schema.Document{"registration": "A1", "species": "bovine"})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Insert after Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestUnknownCollection(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindOne(context.Background(), "goats", "G1")
	if !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("expected ErrUnknownCollection, got %v", err)
	}
}

func TestMigrationsRecordFormatVersion(t *testing.T) {
	s := newTestStore(t)
	v, err := formatVersion(context.Background(), s.conn)
	if err != nil {
		t.Fatal(err)
	}
	if v != FormatVersion {
		t.Errorf("format version = %d, want %d", v, FormatVersion)
	}
}

func TestNewerFormatIsConflict(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, testRegistry(t, 1))
	if _, err := s.conn.Exec(`UPDATE store_info SET value = '99' WHERE key = 'format_version'`); err != nil {
		t.Fatal(err)
	}
	s.Close()

	_, err := Open(context.Background(), Options{Dir: dir, Registry: testRegistry(t, 1)})
	if !IsSchemaConflict(err) {
		t.Fatalf("expected schema conflict, got %v", err)
	}
}
