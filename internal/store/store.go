// Package store is the on-device document store: one SQLite file per named
// store version holding every collection, its replication outbox and pull
// checkpoints. All writes, local or replicated, go through one write path
// that emits change events and refreshes live queries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus/herd/internal/schema"
	_ "modernc.org/sqlite"
)

// Options configures Open.
type Options struct {
	// Dir holds the store files. Created if missing.
	Dir string
	// Registry supplies the store name and collection schemas.
	Registry *schema.Registry
	// Driver is the database/sql driver name. Defaults to "sqlite".
	Driver string
	Now    func() time.Time
	Logger *slog.Logger
}

// Store is a handle on one physical store. It is safe for concurrent use.
type Store struct {
	conn     *sql.DB
	name     string
	path     string
	registry *schema.Registry
	lock     *instanceLock
	now      func() time.Time
	logger   *slog.Logger

	// mu serializes the write path.
	mu     sync.Mutex
	hub    *hub
	closed atomic.Bool
}

// Path returns the database file for store name under dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".db")
}

// Open opens or creates the store named by the registry. A persisted store
// that cannot serve the registry yields a *SchemaConflictError; any other
// failure is returned as-is.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("open store: registry is required")
	}
	if opts.Driver == "" {
		opts.Driver = "sqlite"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	name := opts.Registry.StoreName()
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	path := Path(opts.Dir, name)

	lock := newInstanceLock(path)
	if err := lock.acquire(lockTimeout); err != nil {
		return nil, err
	}

	s := &Store{
		name:     name,
		path:     path,
		registry: opts.Registry,
		lock:     lock,
		now:      opts.Now,
		logger:   opts.Logger.With("store", name),
		hub:      newHub(),
	}
	if err := s.init(ctx, opts.Driver); err != nil {
		if s.conn != nil {
			s.conn.Close()
		}
		lock.release()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context, driver string) error {
	conn, err := sql.Open(driver, s.path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s.conn = conn

	// WAL lets live-query reads proceed while a write transaction is open.
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return s.classify("enable WAL mode", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		return s.classify("set busy timeout", err)
	}
	conn.ExecContext(ctx, "PRAGMA synchronous=NORMAL")

	n, err := migrate(ctx, conn)
	if err != nil {
		return s.classify("migrate store", err)
	}
	if n > 0 {
		s.logger.Debug("store migrated", "applied", n, "format", FormatVersion)
	}
	if err := s.checkName(ctx); err != nil {
		return err
	}
	return s.checkFingerprints(ctx)
}

// classify turns corruption and format errors into schema conflicts.
func (s *Store) classify(op string, err error) error {
	if errors.Is(err, errFormatTooNew) {
		return &SchemaConflictError{Store: s.name, Reason: "store format mismatch", Err: err}
	}
	if isCorruption(err) {
		return &SchemaConflictError{Store: s.name, Reason: "storage unreadable", Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) checkName(ctx context.Context) error {
	var stored string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM store_info WHERE key = 'store_name'`).Scan(&stored)
	if err == sql.ErrNoRows {
		_, err = s.conn.ExecContext(ctx, `INSERT INTO store_info (key, value) VALUES ('store_name', ?)`, s.name)
		if err != nil {
			return fmt.Errorf("record store name: %w", err)
		}
		return nil
	}
	if err != nil {
		return s.classify("read store name", err)
	}
	if stored != s.name {
		return &SchemaConflictError{Store: s.name, Reason: fmt.Sprintf("file belongs to store %s", stored)}
	}
	return nil
}

// checkFingerprints compares each collection's persisted fingerprint with
// the registry. Collections not yet registered are left for Register.
func (s *Store) checkFingerprints(ctx context.Context) error {
	rows, err := s.conn.QueryContext(ctx, `SELECT name, version, fingerprint FROM collections`)
	if err != nil {
		return s.classify("read collections", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, fp string
		var version int
		if err := rows.Scan(&name, &version, &fp); err != nil {
			return s.classify("scan collection", err)
		}
		entry, ok := s.registry.Lookup(name)
		if !ok {
			continue
		}
		if current := entry.Schema.Fingerprint(); current != fp {
			return &SchemaConflictError{
				Store:      s.name,
				Collection: name,
				Reason:     fmt.Sprintf("persisted v%d fingerprint %s, registry v%d fingerprint %s", version, fp, entry.Schema.Version, current),
			}
		}
	}
	return rows.Err()
}

// Register records the fingerprint of every registry collection that has
// not been registered before.
func (s *Store) Register(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin register: %w", err)
	}
	defer tx.Rollback()

	now := schema.FormatTime(s.now())
	for _, e := range s.registry.Entries() {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO collections (name, version, fingerprint, registered_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO NOTHING
		`, e.Name(), e.Schema.Version, e.Schema.Fingerprint(), now)
		if err != nil {
			return fmt.Errorf("register %s: %w", e.Name(), err)
		}
	}
	return tx.Commit()
}

// Name returns the physical store name.
func (s *Store) Name() string { return s.name }

// Registry returns the registry the store was opened with.
func (s *Store) Registry() *schema.Registry { return s.registry }

// Subscribe streams change events for collection, or for every collection
// when collection is empty. Call cancel to stop.
func (s *Store) Subscribe(collection string) (<-chan ChangeEvent, func()) {
	return s.hub.subscribe(collection)
}

// Close closes live queries and subscriptions, then the database, then
// releases the instance lock.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lq := range s.hub.close() {
		lq.shutdown()
	}
	err := s.conn.Close()
	if lerr := s.lock.release(); err == nil {
		err = lerr
	}
	return err
}

// Destroy deletes every file belonging to store name under dir. Missing
// files are not an error.
func Destroy(dir, name string) error {
	base := Path(dir, name)
	for _, p := range []string{base, base + "-wal", base + "-shm", base + "-journal", base + ".lock"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

func (s *Store) entry(collection string) (*schema.Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	e, ok := s.registry.Lookup(collection)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return e, nil
}
