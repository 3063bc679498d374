package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/marcus/herd/internal/schema"
)

// SortField orders results by one field.
type SortField struct {
	Field string
	Desc  bool
}

// Query selects documents from one collection. Selector values are either
// literals (equality) or operator maps using $eq, $ne, $gt, $gte, $lt,
// $lte and $in. Results are ordered by Sort, then by primary key.
type Query struct {
	Selector       map[string]any
	Sort           []SortField
	Limit          int
	IncludeDeleted bool
}

var operators = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true, "$in": true,
}

func (q Query) validate() error {
	for field, cond := range q.Selector {
		ops, ok := cond.(map[string]any)
		if !ok || !isOperatorMap(ops) {
			continue
		}
		for op, arg := range ops {
			if !operators[op] {
				return fmt.Errorf("%w: field %s: unknown operator %s", ErrInvalidQuery, field, op)
			}
			if op == "$in" {
				if _, ok := arg.([]any); !ok {
					return fmt.Errorf("%w: field %s: $in needs a list", ErrInvalidQuery, field)
				}
			}
		}
	}
	return nil
}

func isOperatorMap(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func (q Query) matches(doc schema.Document) bool {
	for field, cond := range q.Selector {
		v, present := doc[field]
		ops, isOps := cond.(map[string]any)
		if !isOps || !isOperatorMap(ops) {
			if !present || !valuesEqual(v, cond) {
				return false
			}
			continue
		}
		for op, arg := range ops {
			if !matchOp(op, v, present, arg) {
				return false
			}
		}
	}
	return true
}

func matchOp(op string, v any, present bool, arg any) bool {
	switch op {
	case "$eq":
		return present && valuesEqual(v, arg)
	case "$ne":
		return !present || !valuesEqual(v, arg)
	case "$in":
		if !present {
			return false
		}
		for _, candidate := range arg.([]any) {
			if valuesEqual(v, candidate) {
				return true
			}
		}
		return false
	}
	if !present || v == nil {
		return false
	}
	c, ok := compareValues(v, arg)
	if !ok {
		return false
	}
	switch op {
	case "$gt":
		return c > 0
	case "$gte":
		return c >= 0
	case "$lt":
		return c < 0
	case "$lte":
		return c <= 0
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func valuesEqual(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two scalars of the same kind. ok is false when the
// values are not comparable.
func compareValues(a, b any) (int, bool) {
	if x, ok := number(a); ok {
		y, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// sortKeyCompare orders missing and null values first, then comparable
// values, then everything else by type name.
func sortKeyCompare(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		}
		return 1
	}
	if c, ok := compareValues(a, b); ok {
		return c
	}
	return strings.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}

func (s *Store) evaluate(ctx context.Context, collection string, q Query) ([]schema.Document, error) {
	e, err := s.entry(collection)
	if err != nil {
		return nil, err
	}
	pkField := e.Schema.PrimaryKey

	sqlText := `SELECT data FROM documents WHERE collection = ?`
	if !q.IncludeDeleted {
		sqlText += ` AND deleted = 0`
	}
	rows, err := s.conn.QueryContext(ctx, sqlText, collection)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []schema.Document
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		var doc schema.Document
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", collection, err)
		}
		if q.matches(doc) {
			out = append(out, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		for _, sf := range q.Sort {
			c := sortKeyCompare(out[i][sf.Field], out[j][sf.Field])
			if c == 0 {
				continue
			}
			if sf.Desc {
				return c > 0
			}
			return c < 0
		}
		return out[i].Key(pkField) < out[j].Key(pkField)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// LiveQuery holds the current result of a query and re-delivers the full
// result set after every committed write to its collection.
//
// Updates has capacity one. When a newer result arrives before the reader
// drained the previous one, the newer result replaces it; a reader can skip
// intermediate states but never misses the latest one.
type LiveQuery struct {
	store      *Store
	collection string
	query      Query

	mu      sync.Mutex
	results []schema.Document
	err     error
	updates chan []schema.Document
	closed  bool
}

// Find evaluates q and returns a live query over the result. Tombstones are
// excluded unless q.IncludeDeleted is set.
func (s *Store) Find(ctx context.Context, collection string, q Query) (*LiveQuery, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	results, err := s.evaluate(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	lq := &LiveQuery{
		store:      s,
		collection: collection,
		query:      q,
		results:    results,
		updates:    make(chan []schema.Document, 1),
	}
	if !s.hub.addQuery(lq) {
		return nil, ErrClosed
	}
	return lq, nil
}

// Results returns the latest evaluated result set.
func (lq *LiveQuery) Results() []schema.Document {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	out := make([]schema.Document, len(lq.results))
	for i, d := range lq.results {
		out[i] = d.Clone()
	}
	return out
}

// Updates delivers every re-evaluated result set. It is closed by Close.
func (lq *LiveQuery) Updates() <-chan []schema.Document {
	return lq.updates
}

// Err returns the error from the most recent re-evaluation, if any.
func (lq *LiveQuery) Err() error {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.err
}

// Rerun re-evaluates the query immediately.
func (lq *LiveQuery) Rerun(ctx context.Context) error {
	lq.refresh(ctx)
	return lq.Err()
}

// Close stops updates for this query.
func (lq *LiveQuery) Close() {
	lq.store.hub.removeQuery(lq)
	lq.shutdown()
}

func (lq *LiveQuery) shutdown() {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if lq.closed {
		return
	}
	lq.closed = true
	close(lq.updates)
}

func (lq *LiveQuery) refresh(ctx context.Context) {
	results, err := lq.store.evaluate(ctx, lq.collection, lq.query)

	lq.mu.Lock()
	defer lq.mu.Unlock()
	if lq.closed {
		return
	}
	lq.err = err
	if err != nil {
		return
	}
	lq.results = results

	snapshot := make([]schema.Document, len(results))
	for i, d := range results {
		snapshot[i] = d.Clone()
	}
	select {
	case lq.updates <- snapshot:
		return
	default:
	}
	select {
	case <-lq.updates:
	default:
	}
	select {
	case lq.updates <- snapshot:
	default:
	}
}
