package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/marcus/herd/internal/remote"
	"github.com/marcus/herd/internal/schema"
	"github.com/marcus/herd/internal/store"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory PostgREST table set. Push is a last-write-wins
// upsert like the real backend. Timestamps compare as instants, as a
// timestamptz column does.
type fakeRemote struct {
	mu     sync.Mutex
	keys   map[string]string // table -> wire primary key
	rows   map[string]map[string]map[string]any
	pulls  []remote.PullRequest
	pushes [][]map[string]any

	pullErr error
	pushErr error
	// onPull runs before a pull returns, outside the lock.
	onPull func()
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		keys: map[string]string{"animals": "registration_number", "doses": "dose_id"},
		rows: map[string]map[string]map[string]any{},
	}
}

func (f *fakeRemote) seed(table string, recs ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range recs {
		f.upsertLocked(table, rec)
	}
}

func (f *fakeRemote) upsertLocked(table string, rec map[string]any) {
	t, ok := f.rows[table]
	if !ok {
		t = map[string]map[string]any{}
		f.rows[table] = t
	}
	pk, _ := rec[f.keys[table]].(string)
	if cur, ok := t[pk]; ok {
		if compareTS(cur["updated_at"].(string), rec["updated_at"].(string)) > 0 {
			return
		}
	}
	cp := make(map[string]any, len(rec))
	for k, v := range rec {
		cp[k] = v
	}
	t[pk] = cp
}

func (f *fakeRemote) row(table, pk string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[table][pk]
}

func (f *fakeRemote) count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[table])
}

func (f *fakeRemote) setErrors(pull, push error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullErr, f.pushErr = pull, push
}

func (f *fakeRemote) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pulls)
}

func (f *fakeRemote) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakeRemote) Pull(ctx context.Context, req remote.PullRequest) ([]map[string]any, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, req)
	if f.pullErr != nil {
		err := f.pullErr
		f.mu.Unlock()
		return nil, err
	}
	var out []map[string]any
	for pk, rec := range f.rows[req.Table] {
		n := compareTS(rec["updated_at"].(string), req.After.UpdatedAt)
		if n > 0 || (req.After.PrimaryKey != "" && n == 0 && pk > req.After.PrimaryKey) {
			cp := make(map[string]any, len(rec))
			for k, v := range rec {
				cp[k] = v
			}
			out = append(out, cp)
		}
	}
	key := f.keys[req.Table]
	sort.Slice(out, func(i, j int) bool {
		if n := compareTS(out[i]["updated_at"].(string), out[j]["updated_at"].(string)); n != 0 {
			return n < 0
		}
		return out[i][key].(string) < out[j][key].(string)
	})
	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	hook := f.onPull
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (f *fakeRemote) Push(ctx context.Context, table string, records []map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, records)
	for _, rec := range records {
		f.upsertLocked(table, rec)
	}
	return nil
}

func compareTS(a, b string) int {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		panic(fmt.Sprintf("fake remote: bad timestamps %q, %q", a, b))
	}
	return ta.Compare(tb)
}

func wireAnimal(pk, ts string, fields ...any) map[string]any {
	rec := map[string]any{"id": 7, "registration_number": pk, "species": "bovine", "updated_at": ts, "_deleted": false}
	for i := 0; i+1 < len(fields); i += 2 {
		rec[fields[i].(string)] = fields[i+1]
	}
	return rec
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	animals := &schema.Entry{
		Schema: &schema.Schema{
			Name:       "animals",
			Version:    1,
			PrimaryKey: "registration",
			Required:   []string{"registration", "species"},
			Fields: map[string]schema.Field{
				"registration": {Type: schema.TypeString, Remote: "registration_number"},
				"species":      {Type: schema.TypeString},
				"name":         {Type: schema.TypeString},
				"id":           {Type: schema.TypeInteger, RemoteOnly: true},
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
	r, err := schema.New("herd_repl_test", nil, animals, doses)
	require.NoError(t, err)
	return r
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	clock := &testClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	s, err := store.Open(context.Background(), store.Options{Dir: t.TempDir(), Registry: testRegistry(t), Now: clock.Now})
	require.NoError(t, err)
	require.NoError(t, s.Register(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestReplicator(t *testing.T, s *store.Store, rem Remote, mutate func(*Config)) *Replicator {
	t.Helper()
	entry, ok := s.Registry().Lookup("animals")
	require.True(t, ok)
	cfg := Config{Entry: entry, Store: s, Remote: rem, RetryTime: 20 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r
}
