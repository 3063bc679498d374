package devremote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marcus/herd/internal/schema"
)

// ErrMissingKey is returned for a pushed record without its primary key.
var ErrMissingKey = errors.New("record has no primary key")

const recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	tbl        TEXT NOT NULL,
	pk         TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	body       TEXT NOT NULL,
	PRIMARY KEY (tbl, pk)
);
CREATE INDEX IF NOT EXISTS idx_records_cursor ON records (tbl, updated_at, pk);
`

// DB stores every table's rows as JSON bodies keyed by (table, pk).
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// Open opens or creates the backing database. driver is a database/sql
// driver name; "sqlite" (modernc) when empty.
func Open(driver, path string) (*DB, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	conn, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := conn.Exec(recordsSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{conn: conn, now: time.Now}, nil
}

// Ping checks the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close checkpoints the WAL and closes the database connection.
func (db *DB) Close() error {
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// Page selects records strictly after a cursor.
type Page struct {
	After   string
	AfterPK string
	// Tiebreak admits rows at After with a key greater than AfterPK.
	Tiebreak bool
	Limit    int
}

// Pull returns raw record bodies ordered by updated_at, then key.
func (db *DB) Pull(ctx context.Context, table string, p Page) ([]json.RawMessage, error) {
	var rows *sql.Rows
	var err error
	if p.Tiebreak {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT body FROM records
			WHERE tbl = ? AND (updated_at > ? OR (updated_at = ? AND pk > ?))
			ORDER BY updated_at ASC, pk ASC
			LIMIT ?
		`, table, p.After, p.After, p.AfterPK, p.Limit)
	} else {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT body FROM records
			WHERE tbl = ? AND updated_at > ?
			ORDER BY updated_at ASC, pk ASC
			LIMIT ?
		`, table, p.After, p.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	out := []json.RawMessage{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, json.RawMessage(body))
	}
	return out, rows.Err()
}

// Change is one accepted write.
type Change struct {
	PK      string
	Created bool
	Deleted bool
}

// UpsertResult counts the outcome of one push batch.
type UpsertResult struct {
	Changes []Change
	// Stale counts records dropped because the stored row is newer.
	Stale int
}

// Upsert merges records by primary key in one transaction. A stored row is
// replaced only when the incoming updated_at is not older; records without
// updated_at get the server clock. Server-owned columns declared by the
// table are assigned on insert and kept on update.
func (db *DB) Upsert(ctx context.Context, t Table, records []map[string]any) (UpsertResult, error) {
	var res UpsertResult
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	now := schema.FormatTime(db.now())
	for i, rec := range records {
		pk, ok := keyString(rec[t.PrimaryKey])
		if !ok {
			return UpsertResult{}, fmt.Errorf("record %d: %w (%s)", i, ErrMissingKey, t.PrimaryKey)
		}
		ts, _ := rec[schema.FieldUpdatedAt].(string)
		if norm, ok := schema.NormalizeTime(ts); ok {
			ts = norm
		} else {
			ts = now
		}
		rec[schema.FieldUpdatedAt] = ts
		deleted, _ := rec[schema.FieldDeleted].(bool)

		var stored, createdAt string
		var seq int64
		err = tx.QueryRowContext(ctx, `
			SELECT updated_at, seq, created_at FROM records WHERE tbl = ? AND pk = ?
		`, t.Name, pk).Scan(&stored, &seq, &createdAt)
		created := errors.Is(err, sql.ErrNoRows)
		switch {
		case created:
			err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM records WHERE tbl = ?`, t.Name).Scan(&seq)
			if err != nil {
				return UpsertResult{}, fmt.Errorf("next id for %s: %w", t.Name, err)
			}
			createdAt = now
		case err != nil:
			return UpsertResult{}, fmt.Errorf("read %s: %w", pk, err)
		case ts < stored:
			res.Stale++
			continue
		}

		if t.ServerID {
			rec["id"] = seq
		}
		if t.ServerCreatedAt {
			rec["created_at"] = createdAt
		}
		body, err := json.Marshal(rec)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("encode record %s: %w", pk, err)
		}

		if created {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO records (tbl, pk, seq, created_at, updated_at, deleted, body)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, t.Name, pk, seq, createdAt, ts, boolInt(deleted), string(body))
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE records SET updated_at = ?, deleted = ?, body = ? WHERE tbl = ? AND pk = ?
			`, ts, boolInt(deleted), string(body), t.Name, pk)
		}
		if err != nil {
			return UpsertResult{}, fmt.Errorf("write %s: %w", pk, err)
		}
		res.Changes = append(res.Changes, Change{PK: pk, Created: created, Deleted: deleted})
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

// Get returns one stored body, or nil when absent.
func (db *DB) Get(ctx context.Context, table, pk string) (map[string]any, error) {
	var body string
	err := db.conn.QueryRowContext(ctx, `SELECT body FROM records WHERE tbl = ? AND pk = ?`, table, pk).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, pk, err)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", table, pk, err)
	}
	return rec, nil
}

// TableCount is the row census of one table.
type TableCount struct {
	Table   string `json:"table"`
	Rows    int    `json:"rows"`
	Deleted int    `json:"deleted"`
}

// Counts returns row counts for every table with data.
func (db *DB) Counts(ctx context.Context) ([]TableCount, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT tbl, COUNT(*), COALESCE(SUM(deleted), 0) FROM records GROUP BY tbl ORDER BY tbl
	`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()
	var out []TableCount
	for rows.Next() {
		var c TableCount
		if err := rows.Scan(&c.Table, &c.Rows, &c.Deleted); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// keyString renders a JSON primary key value. Numbers keep their integer
// form.
func keyString(v any) (string, bool) {
	switch k := v.(type) {
	case string:
		return k, k != ""
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64), true
	case json.Number:
		return k.String(), true
	case int:
		return strconv.Itoa(k), true
	case int64:
		return strconv.FormatInt(k, 10), true
	default:
		return "", false
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
