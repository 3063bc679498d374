package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/herd/internal/conflict"
	"github.com/marcus/herd/internal/schema"
)

// DirectionPush labels replication log rows written on acknowledgment.
const DirectionPush = "push"

// historyRetention bounds the replication log.
const historyRetention = 10000

// HistoryEntry is one replicated document version.
type HistoryEntry struct {
	ID         int64
	Direction  string
	Collection string
	PrimaryKey string
	UpdatedAt  string
	Deleted    bool
	RecordedAt time.Time
}

func (s *Store) recordHistory(ctx context.Context, tx *sql.Tx, entries []HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO replication_log (direction, collection, pk, doc_updated_at, deleted, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare history: %w", err)
	}
	defer stmt.Close()

	now := schema.FormatTime(s.now())
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Direction, e.Collection, e.PrimaryKey, e.UpdatedAt, boolInt(e.Deleted), now); err != nil {
			return fmt.Errorf("record history: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM replication_log WHERE id <= (SELECT MAX(id) FROM replication_log) - ?
	`, historyRetention)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	return nil
}

func scanHistory(rows *sql.Rows) ([]HistoryEntry, error) {
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var deleted int
		var recorded string
		if err := rows.Scan(&e.ID, &e.Direction, &e.Collection, &e.PrimaryKey, &e.UpdatedAt, &deleted, &recorded); err != nil {
			return nil, err
		}
		e.Deleted = deleted == 1
		if t, err := time.Parse(schema.TimeLayout, recorded); err == nil {
			e.RecordedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HistoryTail returns the last n log entries, oldest first.
func (s *Store) HistoryTail(ctx context.Context, n int) ([]HistoryEntry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, direction, collection, pk, doc_updated_at, deleted, recorded_at
		FROM (SELECT * FROM replication_log ORDER BY id DESC LIMIT ?)
		ORDER BY id ASC
	`, n)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return scanHistory(rows)
}

// HistorySince returns up to limit entries with id greater than afterID.
func (s *Store) HistorySince(ctx context.Context, afterID int64, limit int) ([]HistoryEntry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, direction, collection, pk, doc_updated_at, deleted, recorded_at
		FROM replication_log WHERE id > ? ORDER BY id ASC LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return scanHistory(rows)
}

// ConflictRecord is a resolved divergence between a pending local edit and
// a pulled remote version.
type ConflictRecord struct {
	ID         int64
	Collection string
	PrimaryKey string
	Policy     string
	Winner     conflict.Side
	Local      schema.Document
	Remote     schema.Document
	ResolvedAt time.Time
}

// recordConflict logs a resolution once per remote version.
func (s *Store) recordConflict(ctx context.Context, tx *sql.Tx, collection, pk, policy string, out conflict.Outcome, local, remote schema.Document) error {
	ld, err := json.Marshal(local)
	if err != nil {
		return err
	}
	rd, err := json.Marshal(remote)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO conflicts (collection, pk, policy, winner, local_data, remote_data, remote_updated_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, collection, pk, policy, string(out.Side), string(ld), string(rd), remote.UpdatedAt(), schema.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("record conflict %s/%s: %w", collection, pk, err)
	}
	s.logger.Info("resolved conflict", "collection", collection, "pk", pk, "policy", policy, "winner", out.Side, "reason", out.Reason)
	return nil
}

// RecentConflicts returns the newest conflicts first. A non-nil since
// limits the result to conflicts resolved at or after it.
func (s *Store) RecentConflicts(ctx context.Context, limit int, since *time.Time) ([]ConflictRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	after := ""
	if since != nil {
		after = schema.FormatTime(*since)
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, collection, pk, policy, winner, local_data, remote_data, resolved_at
		FROM conflicts
		WHERE resolved_at >= ?
		ORDER BY id DESC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("read conflicts: %w", err)
	}
	defer rows.Close()

	var out []ConflictRecord
	for rows.Next() {
		var c ConflictRecord
		var winner, ld, rd, at string
		if err := rows.Scan(&c.ID, &c.Collection, &c.PrimaryKey, &c.Policy, &winner, &ld, &rd, &at); err != nil {
			return nil, err
		}
		c.Winner = conflict.Side(winner)
		if err := json.Unmarshal([]byte(ld), &c.Local); err != nil {
			return nil, fmt.Errorf("decode conflict %d: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(rd), &c.Remote); err != nil {
			return nil, fmt.Errorf("decode conflict %d: %w", c.ID, err)
		}
		if t, err := time.Parse(schema.TimeLayout, at); err == nil {
			c.ResolvedAt = t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CollectionStats counts documents per collection.
type CollectionStats struct {
	Collection string
	Active     int
	Deleted    int
	Pending    int
}

// Stats returns counts for every registered collection in registry order.
func (s *Store) Stats(ctx context.Context) ([]CollectionStats, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	byName := make(map[string]*CollectionStats)
	var out []CollectionStats
	for _, name := range s.registry.Names() {
		out = append(out, CollectionStats{Collection: name})
	}
	for i := range out {
		byName[out[i].Collection] = &out[i]
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT collection, SUM(CASE WHEN deleted = 0 THEN 1 ELSE 0 END), SUM(deleted)
		FROM documents GROUP BY collection
	`)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	for rows.Next() {
		var name string
		var active, deleted int
		if err := rows.Scan(&name, &active, &deleted); err != nil {
			rows.Close()
			return nil, err
		}
		if st, ok := byName[name]; ok {
			st.Active, st.Deleted = active, deleted
		}
	}
	rows.Close()

	rows, err = s.conn.QueryContext(ctx, `SELECT collection, COUNT(*) FROM outbox GROUP BY collection`)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		if st, ok := byName[name]; ok {
			st.Pending = n
		}
	}
	return out, rows.Err()
}
