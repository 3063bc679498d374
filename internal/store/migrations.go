package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

var errFormatTooNew = errors.New("store format is newer than this binary")

// FormatVersion is the layout version of the store's own bookkeeping
// tables. A file written by a newer binary is a schema conflict.
const FormatVersion = 3

// Migration upgrades the bookkeeping layout by one version. These never
// touch document payloads; collection schema changes go through a new
// store name instead.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "documents, outbox and checkpoints",
		SQL: `
CREATE TABLE IF NOT EXISTS collections (
	name TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	fingerprint TEXT NOT NULL,
	registered_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	pk TEXT NOT NULL,
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	rev INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (collection, pk)
);
CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(collection, updated_at, pk);
CREATE TABLE IF NOT EXISTS outbox (
	collection TEXT NOT NULL,
	pk TEXT NOT NULL,
	rev INTEGER NOT NULL,
	queued_at TEXT NOT NULL,
	PRIMARY KEY (collection, pk)
);
CREATE TABLE IF NOT EXISTS checkpoints (
	replication_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	last_updated_at TEXT NOT NULL,
	last_pk TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (replication_id, direction)
);`,
	},
	{
		Version:     2,
		Description: "replication log",
		SQL: `
CREATE TABLE IF NOT EXISTS replication_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	direction TEXT NOT NULL,
	collection TEXT NOT NULL,
	pk TEXT NOT NULL,
	doc_updated_at TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_replication_log_collection ON replication_log(collection, id);`,
	},
	{
		Version:     3,
		Description: "conflict log",
		SQL: `
CREATE TABLE IF NOT EXISTS conflicts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT NOT NULL,
	pk TEXT NOT NULL,
	policy TEXT NOT NULL,
	winner TEXT NOT NULL,
	local_data TEXT NOT NULL,
	remote_data TEXT NOT NULL,
	remote_updated_at TEXT NOT NULL,
	resolved_at TEXT NOT NULL,
	UNIQUE (collection, pk, remote_updated_at)
);`,
	},
}

func formatVersion(ctx context.Context, conn *sql.DB) (int, error) {
	var v string
	err := conn.QueryRowContext(ctx, `SELECT value FROM store_info WHERE key = 'format_version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse format_version %q: %w", v, err)
	}
	return n, nil
}

// migrate brings the bookkeeping tables up to FormatVersion and returns the
// number of migrations applied.
func migrate(ctx context.Context, conn *sql.DB) (int, error) {
	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS store_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create store_info: %w", err)
	}
	current, err := formatVersion(ctx, conn)
	if err != nil {
		return 0, fmt.Errorf("read format version: %w", err)
	}
	if current > FormatVersion {
		return 0, fmt.Errorf("%w: found %d, supported %d", errFormatTooNew, current, FormatVersion)
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return applied, err
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO store_info (key, value) VALUES ('format_version', ?)`, strconv.Itoa(m.Version)); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}
