package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marcus/herd/internal/schema"
)

func seedAnimals(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	for _, d := range []schema.Document{
		{"registration": "A3", "species": "bovine", "weight_kg": 500.0},
		{"registration": "A1", "species": "bovine", "weight_kg": 420.0},
		{"registration": "A2", "species": "ovine", "weight_kg": 60.0},
		{"registration": "A4", "species": "caprine", "weight_kg": 45.0},
	} {
		if _, err := s.Insert(ctx, "animals", d); err != nil {
			t.Fatalf("seed %v: %v", d, err)
		}
	}
}

func keys(docs []schema.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Key("registration")
	}
	return out
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFindSelectors(t *testing.T) {
	s := newTestStore(t)
	seedAnimals(t, s)
	ctx := context.Background()

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"all by pk", Query{}, []string{"A1", "A2", "A3", "A4"}},
		{"equality", Query{Selector: map[string]any{"species": "bovine"}}, []string{"A1", "A3"}},
		{"gt", Query{Selector: map[string]any{"weight_kg": map[string]any{"$gt": 100}}}, []string{"A1", "A3"}},
		{"range", Query{Selector: map[string]any{"weight_kg": map[string]any{"$gte": 45, "$lt": 420}}}, []string{"A2", "A4"}},
		{"ne", Query{Selector: map[string]any{"species": map[string]any{"$ne": "bovine"}}}, []string{"A2", "A4"}},
		{"in", Query{Selector: map[string]any{"species": map[string]any{"$in": []any{"ovine", "caprine"}}}}, []string{"A2", "A4"}},
		{"sort desc", Query{Sort: []SortField{{Field: "weight_kg", Desc: true}}}, []string{"A3", "A1", "A2", "A4"}},
		{"sort then limit", Query{Sort: []SortField{{Field: "weight_kg"}}, Limit: 2}, []string{"A4", "A2"}},
		{"missing field never matches", Query{Selector: map[string]any{"name": "x"}}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lq, err := s.Find(ctx, "animals", tt.query)
			if err != nil {
				t.Fatalf("Find failed: %v", err)
			}
			defer lq.Close()
			if got := keys(lq.Results()); !equalKeys(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindInvalidOperator(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Find(context.Background(), "animals", Query{Selector: map[string]any{"weight_kg": map[string]any{"$regex": "x"}}})
	if !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestFindExcludesTombstones(t *testing.T) {
	s := newTestStore(t)
	seedAnimals(t, s)
	ctx := context.Background()
	s.Remove(ctx, "animals", "A2")

	lq, _ := s.Find(ctx, "animals", Query{})
	defer lq.Close()
	if got := keys(lq.Results()); !equalKeys(got, []string{"A1", "A3", "A4"}) {
		t.Errorf("active = %v", got)
	}

	all, _ := s.Find(ctx, "animals", Query{IncludeDeleted: true})
	defer all.Close()
	if len(all.Results()) != 4 {
		t.Errorf("IncludeDeleted returned %d docs", len(all.Results()))
	}
}

func TestLiveQueryReadYourOwnWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lq, err := s.Find(ctx, "animals", Query{Selector: map[string]any{"species": "bovine"}})
	if err != nil {
		t.Fatal(err)
	}
	defer lq.Close()
	if len(lq.Results()) != 0 {
		t.Fatal("expected empty result")
	}

	if _, err := s.Insert(ctx, "animals", schema.Document{"registration": "A123", "species": "bovine"}); err != nil {
		t.Fatal(err)
	}
	// No network, no waiting: the result is current as soon as Insert returns.
	if got := keys(lq.Results()); !equalKeys(got, []string{"A123"}) {
		t.Fatalf("after insert: %v", got)
	}
	select {
	case res := <-lq.Updates():
		if !equalKeys(keys(res), []string{"A123"}) {
			t.Errorf("update = %v", keys(res))
		}
	default:
		t.Error("no update delivered")
	}

	s.Patch(ctx, "animals", "A123", map[string]any{"name": "Bessie"})
	if lq.Results()[0]["name"] != "Bessie" {
		t.Error("patch not reflected")
	}

	s.Remove(ctx, "animals", "A123")
	if len(lq.Results()) != 0 {
		t.Error("remove not reflected")
	}
}

func TestLiveQueryCoalescesToLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lq, _ := s.Find(ctx, "animals", Query{})
	defer lq.Close()

	for _, pk := range []string{"A1", "A2", "A3"} {
		s.Insert(ctx, "animals", schema.Document{"registration": pk, "species": "bovine"})
	}

	select {
	case res := <-lq.Updates():
		if len(res) != 3 {
			t.Errorf("undelivered update should be the latest, got %d docs", len(res))
		}
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
}

func TestLiveQueryIgnoresOtherCollections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lq, _ := s.Find(ctx, "animals", Query{})
	defer lq.Close()

	s.Insert(ctx, "doses", schema.Document{"registration": "A1"})
	select {
	case <-lq.Updates():
		t.Error("animals query re-emitted for a doses write")
	default:
	}
}

func TestLiveQueryCloseAndRerun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lq, _ := s.Find(ctx, "animals", Query{})
	lq.Close()
	lq.Close()
	if _, ok := <-lq.Updates(); ok {
		t.Error("updates open after Close")
	}

	lq2, _ := s.Find(ctx, "animals", Query{})
	defer lq2.Close()
	if err := lq2.Rerun(ctx); err != nil {
		t.Errorf("Rerun: %v", err)
	}
	<-lq2.Updates()
}

func TestStoreCloseClosesLiveQueries(t *testing.T) {
	s := openTestStore(t, t.TempDir(), testRegistry(t, 1))
	lq, _ := s.Find(context.Background(), "animals", Query{})
	s.Close()
	if _, ok := <-lq.Updates(); ok {
		t.Error("live query open after store Close")
	}
}
