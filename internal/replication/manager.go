package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/herd/internal/conflict"
	"github.com/marcus/herd/internal/store"
)

// ManagerConfig configures a Manager. Zero values take the Replicator
// defaults.
type ManagerConfig struct {
	Store  *store.Store
	Remote Remote
	// ConflictPolicy is used for entries that do not name their own.
	ConflictPolicy string

	BatchSize          int
	PushBatchSize      int
	RetryTime          time.Duration
	SoftErrorThreshold int

	Logger *slog.Logger
	Now    func() time.Time
}

// Manager owns one Replicator per registered collection. Collections
// replicate independently; a failure in one never stalls another.
type Manager struct {
	reps    []*Replicator
	byTable map[string]*Replicator
	byName  map[string]*Replicator
	errs    chan *Error
	logger  *slog.Logger

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(State)
}

// NewManager builds replicators for every entry in the store's registry.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil || cfg.Remote == nil {
		return nil, fmt.Errorf("manager needs a store and a remote")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = conflict.PolicyLWW
	}
	m := &Manager{
		byTable:   make(map[string]*Replicator),
		byName:    make(map[string]*Replicator),
		errs:      make(chan *Error, errorBuffer),
		logger:    cfg.Logger,
		listeners: make(map[int]func(State)),
	}
	for _, e := range cfg.Store.Registry().Entries() {
		resolver, err := conflict.ForEntry(e, cfg.ConflictPolicy)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", e.Name(), err)
		}
		r, err := New(Config{
			Entry:              e,
			Store:              cfg.Store,
			Remote:             cfg.Remote,
			Resolver:           resolver,
			BatchSize:          cfg.BatchSize,
			PushBatchSize:      cfg.PushBatchSize,
			RetryTime:          cfg.RetryTime,
			SoftErrorThreshold: cfg.SoftErrorThreshold,
			Logger:             cfg.Logger,
			Now:                cfg.Now,
			OnState:            m.notify,
			OnError:            m.forward,
		})
		if err != nil {
			return nil, err
		}
		m.reps = append(m.reps, r)
		m.byTable[e.RemoteTable] = r
		m.byName[e.Name()] = r
	}
	return m, nil
}

// Start launches every replicator.
func (m *Manager) Start(ctx context.Context) {
	for _, r := range m.reps {
		r.Start(ctx)
	}
	m.logger.Info("replication started", "collections", len(m.reps))
}

// Stop stops every replicator and waits for them.
func (m *Manager) Stop() {
	var wg sync.WaitGroup
	for _, r := range m.reps {
		wg.Add(1)
		go func(r *Replicator) {
			defer wg.Done()
			r.Stop()
		}(r)
	}
	wg.Wait()
	m.logger.Info("replication stopped")
}

// ResyncAll asks every replicator to sync now.
func (m *Manager) ResyncAll() {
	for _, r := range m.reps {
		r.Resync()
	}
}

// ResyncTable asks the replicator for a remote table to sync now. It
// reports false for tables no collection maps to.
func (m *Manager) ResyncTable(table string) bool {
	r, ok := m.byTable[table]
	if ok {
		r.Resync()
	}
	return ok
}

// ResyncCollection is ResyncTable keyed by local collection name.
func (m *Manager) ResyncCollection(name string) bool {
	r, ok := m.byName[name]
	if ok {
		r.Resync()
	}
	return ok
}

// Replicator returns the replicator for a collection.
func (m *Manager) Replicator(name string) (*Replicator, bool) {
	r, ok := m.byName[name]
	return r, ok
}

// States returns a snapshot per collection, ordered by collection name.
func (m *Manager) States() []State {
	out := make([]State, len(m.reps))
	for i, r := range m.reps {
		out[i] = r.State()
	}
	return out
}

// RunOnce syncs every collection once, in registry order. Every
// collection is attempted; the failures are joined.
func (m *Manager) RunOnce(ctx context.Context) error {
	var errs []error
	for _, r := range m.reps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.RunOnce(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Errors is the fan-in of every replicator's error stream. Like each
// replicator's own stream it drops the oldest entry when full.
func (m *Manager) Errors() <-chan *Error { return m.errs }

// Subscribe registers fn for every replicator state change and returns a
// function that removes it. fn runs on replicator goroutines and must not
// block.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) notify(st State) {
	m.mu.Lock()
	fns := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// forward copies an error into the fan-in stream. Replicators publish
// concurrently, so a full buffer evicts under the lock.
func (m *Manager) forward(e *Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		select {
		case m.errs <- e:
			return
		default:
		}
		select {
		case <-m.errs:
		default:
		}
	}
}
