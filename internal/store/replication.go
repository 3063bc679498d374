package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/marcus/herd/internal/conflict"
	"github.com/marcus/herd/internal/schema"
)

// Checkpoint is a pull cursor. Documents are consumed in (UpdatedAt,
// PrimaryKey) order, strictly after the cursor. UpdatedAt holds the value
// exactly as the remote sent it so the cursor keeps the server's precision.
type Checkpoint struct {
	UpdatedAt  string
	PrimaryKey string
}

// Before reports whether c sorts strictly before other. Timestamps compare
// as instants, so "+00:00" and "Z" forms of one time are equal.
func (c Checkpoint) Before(other Checkpoint) bool {
	if n := schema.CompareTimes(c.UpdatedAt, other.UpdatedAt); n != 0 {
		return n < 0
	}
	return c.PrimaryKey < other.PrimaryKey
}

// IsZero reports whether the checkpoint is the epoch cursor.
func (c Checkpoint) IsZero() bool {
	return (c.UpdatedAt == "" || c.UpdatedAt == schema.EpochCursor) && c.PrimaryKey == ""
}

// DirectionPull is the checkpoint direction for pulls. Pushes are tracked
// by the outbox and need no cursor.
const DirectionPull = "pull"

// Checkpoint returns the persisted cursor for a replication id, or the
// epoch cursor before the first successful pull.
func (s *Store) Checkpoint(ctx context.Context, replicationID string) (Checkpoint, error) {
	if s.closed.Load() {
		return Checkpoint{}, ErrClosed
	}
	cp := Checkpoint{UpdatedAt: schema.EpochCursor}
	err := s.conn.QueryRowContext(ctx, `
		SELECT last_updated_at, last_pk FROM checkpoints WHERE replication_id = ? AND direction = ?
	`, replicationID, DirectionPull).Scan(&cp.UpdatedAt, &cp.PrimaryKey)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", replicationID, err)
	}
	return cp, nil
}

// SetCheckpoint persists cp. A cursor that sorts before the stored one is
// rejected with ErrCheckpointRegression.
func (s *Store) SetCheckpoint(ctx context.Context, replicationID string, cp Checkpoint) error {
	return s.tx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		var cur Checkpoint
		err := tx.QueryRowContext(ctx, `
			SELECT last_updated_at, last_pk FROM checkpoints WHERE replication_id = ? AND direction = ?
		`, replicationID, DirectionPull).Scan(&cur.UpdatedAt, &cur.PrimaryKey)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("read checkpoint %s: %w", replicationID, err)
		}
		if err == nil && cp.Before(cur) {
			return nil, fmt.Errorf("%w: %s at %s/%s, got %s/%s", ErrCheckpointRegression, replicationID,
				cur.UpdatedAt, cur.PrimaryKey, cp.UpdatedAt, cp.PrimaryKey)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoints (replication_id, direction, last_updated_at, last_pk, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(replication_id, direction) DO UPDATE SET
				last_updated_at = excluded.last_updated_at,
				last_pk = excluded.last_pk,
				updated_at = excluded.updated_at
		`, replicationID, DirectionPull, cp.UpdatedAt, cp.PrimaryKey, schema.FormatTime(s.now()))
		if err != nil {
			return nil, fmt.Errorf("write checkpoint %s: %w", replicationID, err)
		}
		return nil, nil
	})
}

// ApplyResult summarizes one ApplyPulled batch.
type ApplyResult struct {
	Applied   int
	Unchanged int
	Rejected  int
	Conflicts int
	// LocalWins counts dirty documents whose local version was kept.
	LocalWins int
}

// ApplyPulled upserts a batch of normalized remote documents in one
// transaction. Documents without a pending local edit take the remote
// version. Documents with one are settled by resolver; when the remote side
// wins the pending edit is dropped, when the local side wins it stays
// queued. Replaying a batch leaves the store unchanged.
func (s *Store) ApplyPulled(ctx context.Context, collection string, docs []schema.Document, resolver conflict.Resolver) (ApplyResult, error) {
	var res ApplyResult
	e, err := s.entry(collection)
	if err != nil {
		return res, err
	}
	if resolver == nil {
		resolver = conflict.LastWriteWins{}
	}
	sc := e.Schema

	err = s.tx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		res = ApplyResult{}
		var events []ChangeEvent
		var history []HistoryEntry
		for _, remote := range docs {
			if err := sc.Validate(remote); err != nil || remote.UpdatedAt() == "" {
				res.Rejected++
				s.logger.Warn("rejected remote document", "collection", collection, "pk", remote.Key(sc.PrimaryKey), "err", err)
				continue
			}
			pk := remote.Key(sc.PrimaryKey)
			local, err := loadRow(ctx, tx, collection, pk)
			if err != nil {
				return nil, err
			}

			if local != nil {
				remote = keepLocalFields(sc, local.doc, remote)
			}
			winner := remote
			queue := false
			switch {
			case local == nil:
			case !local.dirty:
				if sameDocument(local.doc, remote) {
					res.Unchanged++
					continue
				}
			default:
				out := resolver.Resolve(local.doc, remote)
				res.Conflicts++
				if err := s.recordConflict(ctx, tx, collection, pk, resolver.Name(), out, local.doc, remote); err != nil {
					return nil, err
				}
				switch out.Side {
				case conflict.SideLocal:
					res.LocalWins++
					continue
				case conflict.SideMerged:
					winner = out.Winner
					queue = true
				default:
					winner = out.Winner
					if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE collection = ? AND pk = ?`, collection, pk); err != nil {
						return nil, fmt.Errorf("drop outbox %s/%s: %w", collection, pk, err)
					}
				}
			}

			rev := int64(1)
			if local != nil {
				rev = local.rev + 1
			}
			if err := s.writeDoc(ctx, tx, collection, pk, winner, rev, queue); err != nil {
				return nil, err
			}
			res.Applied++
			events = append(events, ChangeEvent{Collection: collection, PrimaryKey: pk, Operation: OpUpsert, Origin: OriginRemote})
			history = append(history, HistoryEntry{
				Direction:  DirectionPull,
				Collection: collection,
				PrimaryKey: pk,
				UpdatedAt:  winner.UpdatedAt(),
				Deleted:    winner.Deleted(),
			})
		}
		if err := s.recordHistory(ctx, tx, history); err != nil {
			return nil, err
		}
		return events, nil
	})
	return res, err
}

// keepLocalFields copies fields that never leave the device from the local
// copy onto an incoming remote version.
func keepLocalFields(sc *schema.Schema, local, remote schema.Document) schema.Document {
	var out schema.Document
	for name, f := range sc.Fields {
		if !f.Local {
			continue
		}
		v, ok := local[name]
		if !ok {
			continue
		}
		if _, set := remote[name]; set {
			continue
		}
		if out == nil {
			out = remote.Clone()
		}
		out[name] = schema.CloneValue(v)
	}
	if out == nil {
		return remote
	}
	return out
}

func sameDocument(a, b schema.Document) bool {
	if a.UpdatedAt() != b.UpdatedAt() || a.Deleted() != b.Deleted() {
		return false
	}
	// Compare through JSON so stored float64 numbers equal freshly
	// decoded ones regardless of the Go type the caller used.
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	var na, nb any
	if json.Unmarshal(ja, &na) != nil || json.Unmarshal(jb, &nb) != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

// OutboxItem is a queued local write awaiting push. Rev identifies the
// exact version; Ack ignores items superseded by a newer local write.
type OutboxItem struct {
	PrimaryKey string
	Rev        int64
	Doc        schema.Document
}

// Pending returns up to limit queued documents in queue order.
func (s *Store) Pending(ctx context.Context, collection string, limit int) ([]OutboxItem, error) {
	if _, err := s.entry(collection); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT o.pk, o.rev, d.data
		FROM outbox o
		JOIN documents d ON d.collection = o.collection AND d.pk = o.pk
		WHERE o.collection = ?
		ORDER BY o.queued_at, o.pk
		LIMIT ?
	`, collection, limit)
	if err != nil {
		return nil, fmt.Errorf("read outbox %s: %w", collection, err)
	}
	defer rows.Close()

	var items []OutboxItem
	for rows.Next() {
		var it OutboxItem
		var data string
		if err := rows.Scan(&it.PrimaryKey, &it.Rev, &data); err != nil {
			return nil, fmt.Errorf("scan outbox %s: %w", collection, err)
		}
		if err := json.Unmarshal([]byte(data), &it.Doc); err != nil {
			return nil, fmt.Errorf("decode outbox %s/%s: %w", collection, it.PrimaryKey, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// PendingCount returns the outbox size for a collection.
func (s *Store) PendingCount(ctx context.Context, collection string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE collection = ?`, collection).Scan(&n)
	return n, err
}

// Ack removes pushed items from the outbox. An item whose document was
// written again after Pending returned stays queued. It returns the number
// of items acknowledged.
func (s *Store) Ack(ctx context.Context, collection string, items []OutboxItem) (int, error) {
	if _, err := s.entry(collection); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	acked := 0
	err := s.tx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		acked = 0
		var history []HistoryEntry
		for _, it := range items {
			r, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE collection = ? AND pk = ? AND rev = ?`, collection, it.PrimaryKey, it.Rev)
			if err != nil {
				return nil, fmt.Errorf("ack %s/%s: %w", collection, it.PrimaryKey, err)
			}
			if n, _ := r.RowsAffected(); n > 0 {
				acked++
				history = append(history, HistoryEntry{
					Direction:  DirectionPush,
					Collection: collection,
					PrimaryKey: it.PrimaryKey,
					UpdatedAt:  it.Doc.UpdatedAt(),
					Deleted:    it.Doc.Deleted(),
				})
			}
		}
		return nil, s.recordHistory(ctx, tx, history)
	})
	return acked, err
}
