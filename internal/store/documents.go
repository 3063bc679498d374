package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/herd/internal/schema"
)

// row is one persisted document with its bookkeeping.
type row struct {
	doc     schema.Document
	rev     int64
	deleted bool
	dirty   bool
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func loadRow(ctx context.Context, q queryer, collection, pk string) (*row, error) {
	var data string
	var r row
	var deleted, dirty int
	err := q.QueryRowContext(ctx, `
		SELECT d.data, d.rev, d.deleted, CASE WHEN o.pk IS NULL THEN 0 ELSE 1 END
		FROM documents d
		LEFT JOIN outbox o ON o.collection = d.collection AND o.pk = d.pk
		WHERE d.collection = ? AND d.pk = ?
	`, collection, pk).Scan(&data, &r.rev, &deleted, &dirty)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", collection, pk, err)
	}
	if err := json.Unmarshal([]byte(data), &r.doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, pk, err)
	}
	r.deleted = deleted == 1
	r.dirty = dirty == 1
	return &r, nil
}

// writeDoc persists doc at rev and, for local writes, queues it for push.
func (s *Store) writeDoc(ctx context.Context, tx *sql.Tx, collection, pk string, doc schema.Document, rev int64, queue bool) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, pk, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (collection, pk, data, updated_at, deleted, rev)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, pk) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			rev = excluded.rev
	`, collection, pk, string(data), doc.UpdatedAt(), boolInt(doc.Deleted()), rev)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, pk, err)
	}
	if !queue {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (collection, pk, rev, queued_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, pk) DO UPDATE SET rev = excluded.rev
	`, collection, pk, rev, schema.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("queue %s/%s: %w", collection, pk, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// stamp returns a fresh updated_at that sorts strictly after prev, so a
// local edit always supersedes the version it was made on even when the
// clock has not advanced a millisecond.
func (s *Store) stamp(prev string) string {
	now := schema.FormatTime(s.now())
	if now > prev {
		return now
	}
	t, err := time.Parse(schema.TimeLayout, prev)
	if err != nil {
		return now
	}
	return schema.FormatTime(t.Add(time.Millisecond))
}

// tx runs fn in a write transaction under the write lock and publishes the
// events it returns after commit. Live queries are refreshed before the
// write call returns, so callers always read their own writes.
func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) ([]ChangeEvent, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	events, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	s.hub.publish(events)
	touched := make(map[string]bool)
	for _, ev := range events {
		if touched[ev.Collection] {
			continue
		}
		touched[ev.Collection] = true
		for _, lq := range s.hub.queriesFor(ev.Collection) {
			lq.refresh(ctx)
		}
	}
	return nil
}

// Insert adds a new document. The primary key is generated when the
// collection allows it and the caller left it empty. updated_at is stamped
// when absent and _deleted defaults to false.
func (s *Store) Insert(ctx context.Context, collection string, doc schema.Document) (schema.Document, error) {
	e, err := s.entry(collection)
	if err != nil {
		return nil, err
	}
	sc := e.Schema
	doc = doc.Clone()
	if doc == nil {
		doc = schema.Document{}
	}

	if doc.Key(sc.PrimaryKey) == "" && sc.GenerateKey {
		if _, set := doc[sc.PrimaryKey]; !set || doc[sc.PrimaryKey] == nil {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, fmt.Errorf("generate key: %w", err)
			}
			doc[sc.PrimaryKey] = id.String()
		}
	}
	sc.ApplyDefaults(doc)
	if ts := doc.UpdatedAt(); ts == "" {
		doc[schema.FieldUpdatedAt] = s.stamp("")
	} else if norm, ok := schema.NormalizeTime(ts); ok {
		doc[schema.FieldUpdatedAt] = norm
	}
	if _, ok := doc[schema.FieldDeleted]; !ok {
		doc[schema.FieldDeleted] = false
	}
	if err := sc.Validate(doc); err != nil {
		return nil, err
	}

	pk := doc.Key(sc.PrimaryKey)
	err = s.tx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		existing, err := loadRow(ctx, tx, collection, pk)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("insert %s/%s: %w", collection, pk, ErrConflict)
		}
		if err := s.writeDoc(ctx, tx, collection, pk, doc, 1, true); err != nil {
			return nil, err
		}
		return []ChangeEvent{{Collection: collection, PrimaryKey: pk, Operation: OpInsert, Origin: OriginLocal}}, nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// FindOne returns the document with primary key pk, including tombstones,
// or nil when no such document exists.
func (s *Store) FindOne(ctx context.Context, collection, pk string) (schema.Document, error) {
	if _, err := s.entry(collection); err != nil {
		return nil, err
	}
	r, err := loadRow(ctx, s.conn, collection, pk)
	if err != nil || r == nil {
		return nil, err
	}
	return r.doc, nil
}

// Patch merges fields into an existing live document and stamps updated_at.
// Reserved fields cannot be patched and the primary key is immutable.
func (s *Store) Patch(ctx context.Context, collection, pk string, fields map[string]any) (schema.Document, error) {
	e, err := s.entry(collection)
	if err != nil {
		return nil, err
	}
	sc := e.Schema
	for name, v := range fields {
		switch name {
		case schema.FieldUpdatedAt, schema.FieldDeleted:
			return nil, &schema.ValidationError{Collection: collection, Field: name, Reason: "managed by the store"}
		case sc.PrimaryKey:
			if v != pk {
				return nil, &schema.ValidationError{Collection: collection, Field: name, Reason: "primary key is immutable"}
			}
		}
	}

	var out schema.Document
	err = s.tx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		r, err := loadRow(ctx, tx, collection, pk)
		if err != nil {
			return nil, err
		}
		if r == nil || r.deleted {
			return nil, fmt.Errorf("patch %s/%s: %w", collection, pk, ErrNotFound)
		}
		merged := r.doc.Clone()
		for name, v := range fields {
			merged[name] = schema.CloneValue(v)
		}
		merged[schema.FieldUpdatedAt] = s.stamp(r.doc.UpdatedAt())
		if err := sc.Validate(merged); err != nil {
			return nil, err
		}
		if err := s.writeDoc(ctx, tx, collection, pk, merged, r.rev+1, true); err != nil {
			return nil, err
		}
		out = merged
		return []ChangeEvent{{Collection: collection, PrimaryKey: pk, Operation: OpUpdate, Origin: OriginLocal}}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove tombstones a document. The row stays so the deletion replicates.
func (s *Store) Remove(ctx context.Context, collection, pk string) error {
	if _, err := s.entry(collection); err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		r, err := loadRow(ctx, tx, collection, pk)
		if err != nil {
			return nil, err
		}
		if r == nil || r.deleted {
			return nil, fmt.Errorf("remove %s/%s: %w", collection, pk, ErrNotFound)
		}
		doc := r.doc.Clone()
		doc[schema.FieldDeleted] = true
		doc[schema.FieldUpdatedAt] = s.stamp(r.doc.UpdatedAt())
		if err := s.writeDoc(ctx, tx, collection, pk, doc, r.rev+1, true); err != nil {
			return nil, err
		}
		return []ChangeEvent{{Collection: collection, PrimaryKey: pk, Operation: OpDelete, Origin: OriginLocal}}, nil
	})
}
