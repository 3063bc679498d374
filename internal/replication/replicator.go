// Package replication keeps each local collection in step with its remote
// table: pulls by checkpoint, pushes the outbox, and retries forever.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus/herd/internal/conflict"
	"github.com/marcus/herd/internal/remote"
	"github.com/marcus/herd/internal/schema"
	"github.com/marcus/herd/internal/store"
)

// Defaults for Config fields left zero.
const (
	DefaultBatchSize          = 1000
	DefaultPushBatchSize      = 100
	DefaultRetryTime          = 5 * time.Second
	DefaultSoftErrorThreshold = 5

	errorBuffer = 16
)

// Remote is the backend a replicator talks to. *remote.Client satisfies it.
type Remote interface {
	Pull(ctx context.Context, req remote.PullRequest) ([]map[string]any, error)
	Push(ctx context.Context, table string, records []map[string]any) error
}

// Config configures one Replicator.
type Config struct {
	Entry    *schema.Entry
	Store    *store.Store
	Remote   Remote
	Resolver conflict.Resolver

	BatchSize          int
	PushBatchSize      int
	RetryTime          time.Duration
	SoftErrorThreshold int

	Logger *slog.Logger
	Now    func() time.Time

	// OnState and OnError are called synchronously from the replicator
	// goroutine. They must not block.
	OnState func(State)
	OnError func(*Error)
}

// Replicator runs the pull and push cycles for one collection.
type Replicator struct {
	cfg    Config
	entry  *schema.Entry
	pkWire string
	tsWire string
	logger *slog.Logger

	cycleMu sync.Mutex

	mu       sync.Mutex
	state    State
	warned   bool
	pullOwed bool
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopped  atomic.Bool
	resyncCh chan struct{}
	pushCh   chan struct{}
	errs     chan *Error
}

// New validates cfg and returns a stopped-until-Start replicator.
func New(cfg Config) (*Replicator, error) {
	if cfg.Entry == nil || cfg.Store == nil || cfg.Remote == nil {
		return nil, fmt.Errorf("replicator needs an entry, a store and a remote")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = conflict.LastWriteWins{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PushBatchSize <= 0 {
		cfg.PushBatchSize = DefaultPushBatchSize
	}
	if cfg.RetryTime <= 0 {
		cfg.RetryTime = DefaultRetryTime
	}
	if cfg.SoftErrorThreshold <= 0 {
		cfg.SoftErrorThreshold = DefaultSoftErrorThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := cfg.Entry
	pk := e.Schema.PrimaryKey
	r := &Replicator{
		cfg:      cfg,
		entry:    e,
		pkWire:   e.Schema.Fields[pk].WireName(pk),
		tsWire:   e.Schema.Fields[schema.FieldUpdatedAt].WireName(schema.FieldUpdatedAt),
		logger:   cfg.Logger.With("collection", e.Name()),
		resyncCh: make(chan struct{}, 1),
		pushCh:   make(chan struct{}, 1),
		errs:     make(chan *Error, errorBuffer),
	}
	r.state = State{Collection: e.Name(), Table: e.RemoteTable, Phase: PhaseIdle}
	return r, nil
}

// Collection returns the local collection name.
func (r *Replicator) Collection() string { return r.entry.Name() }

// Table returns the remote table name.
func (r *Replicator) Table() string { return r.entry.RemoteTable }

// State returns a snapshot of the replicator.
func (r *Replicator) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Errors streams failed attempts. The buffer is small; when it is full the
// oldest error is dropped.
func (r *Replicator) Errors() <-chan *Error { return r.errs }

// Start runs the replicator in the background until Stop or ctx ends. It
// syncs immediately, pushes after every local write, and retries failures
// every RetryTime.
func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.stopped.Load() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})

	events, unsubscribe := r.cfg.Store.Subscribe(r.entry.Name())
	go r.loop(ctx, events, unsubscribe)
	r.Resync()
}

// Stop ends the background loop and waits for it. Results of any request
// still in flight are discarded. Stop is final.
func (r *Replicator) Stop() {
	if r.stopped.Swap(true) {
		return
	}
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	r.setPhase(PhaseStopped)
}

// Resync asks the loop to pull and push now, skipping any pending retry
// wait. It never blocks.
func (r *Replicator) Resync() {
	select {
	case r.resyncCh <- struct{}{}:
	default:
	}
}

func (r *Replicator) requestPush() {
	select {
	case r.pushCh <- struct{}{}:
	default:
	}
}

func (r *Replicator) loop(ctx context.Context, events <-chan store.ChangeEvent, unsubscribe func()) {
	defer close(r.done)
	defer unsubscribe()

	var retry <-chan time.Time
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
			} else if ev.Origin == store.OriginLocal {
				r.requestPush()
			}
			continue
		case <-r.resyncCh:
			err = r.cycle(ctx, true)
		case <-r.pushCh:
			err = r.cycle(ctx, false)
		case <-retry:
			err = r.cycle(ctx, true)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			retry = time.After(r.cfg.RetryTime)
		} else if !r.owesPull() {
			retry = nil
		}
	}
}

// RunOnce pulls until the remote has nothing newer, then drains the
// outbox. It returns the first failure.
func (r *Replicator) RunOnce(ctx context.Context) error {
	if r.stopped.Load() {
		return ErrStopped
	}
	return r.cycle(ctx, true)
}

func (r *Replicator) cycle(ctx context.Context, pull bool) error {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	if pull {
		r.setPhase(PhasePulling)
		if err := r.pull(ctx); err != nil {
			r.setPullOwed(true)
			return r.fail(PhasePulling, err)
		}
		r.setPullOwed(false)
	}
	r.setPhase(PhasePushing)
	if err := r.push(ctx); err != nil {
		return r.fail(PhasePushing, err)
	}
	if r.owesPull() {
		// A push-only cycle after a failed pull: the pull retry stays armed.
		r.setPhase(PhaseError)
		return nil
	}
	r.succeed()
	return nil
}

func (r *Replicator) owesPull() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pullOwed
}

func (r *Replicator) setPullOwed(v bool) {
	r.mu.Lock()
	r.pullOwed = v
	r.mu.Unlock()
}

func (r *Replicator) pull(ctx context.Context) error {
	id := r.entry.ReplicationID
	cp, err := r.cfg.Store.Checkpoint(ctx, id)
	if err != nil {
		return err
	}
	for {
		if r.stopped.Load() {
			return ErrStopped
		}
		records, err := r.cfg.Remote.Pull(ctx, remote.PullRequest{
			Table:      r.entry.RemoteTable,
			PrimaryKey: r.pkWire,
			After:      remote.Cursor{UpdatedAt: cp.UpdatedAt, PrimaryKey: cp.PrimaryKey},
			Limit:      r.cfg.BatchSize,
		})
		if err != nil {
			return err
		}
		if r.stopped.Load() {
			return ErrStopped
		}

		docs := make([]schema.Document, 0, len(records))
		for _, rec := range records {
			docs = append(docs, r.entry.Mapper.FromRemote(rec))
		}
		next := cp
		if len(docs) > 0 {
			res, err := r.cfg.Store.ApplyPulled(ctx, r.entry.Name(), docs, r.cfg.Resolver)
			if err != nil {
				return fmt.Errorf("apply pulled batch: %w", err)
			}
			next = r.advance(cp, records, docs)
			if next != cp {
				if err := r.cfg.Store.SetCheckpoint(ctx, id, next); err != nil {
					return err
				}
			}
			r.mu.Lock()
			r.state.Pulled += res.Applied
			r.state.Conflicts += res.Conflicts
			r.mu.Unlock()
			r.logger.Debug("pulled batch", "received", len(docs), "applied", res.Applied,
				"unchanged", res.Unchanged, "rejected", res.Rejected, "conflicts", res.Conflicts,
				"checkpoint", next.UpdatedAt)
		}

		r.mu.Lock()
		r.state.LastPullAt = r.cfg.Now()
		r.state.Checkpoint = next
		r.mu.Unlock()

		if len(records) < r.cfg.BatchSize {
			return nil
		}
		if next == cp {
			// A full page that cannot move the cursor would be fetched again
			// forever.
			return fmt.Errorf("pull %s: full batch without a usable updated_at", r.entry.RemoteTable)
		}
		cp = next
	}
}

// advance returns the cursor of the last record in server order that
// carries a timestamp, never moving backwards from cp. The timestamp comes
// from the wire record, not the normalized document.
func (r *Replicator) advance(cp store.Checkpoint, records []map[string]any, docs []schema.Document) store.Checkpoint {
	pk := r.entry.Schema.PrimaryKey
	for i := len(records) - 1; i >= 0; i-- {
		ts, _ := records[i][r.tsWire].(string)
		if _, ok := schema.ParseTime(ts); !ok {
			continue
		}
		next := store.Checkpoint{UpdatedAt: ts, PrimaryKey: docs[i].Key(pk)}
		if cp.Before(next) {
			return next
		}
		return cp
	}
	return cp
}

func (r *Replicator) push(ctx context.Context) error {
	coll := r.entry.Name()
	for {
		items, err := r.cfg.Store.Pending(ctx, coll, r.cfg.PushBatchSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}
		records := make([]map[string]any, len(items))
		for i, it := range items {
			records[i] = r.entry.Mapper.ToRemote(it.Doc)
		}
		if err := r.cfg.Remote.Push(ctx, r.entry.RemoteTable, records); err != nil {
			return err
		}
		if r.stopped.Load() {
			return ErrStopped
		}
		acked, err := r.cfg.Store.Ack(ctx, coll, items)
		if err != nil {
			return fmt.Errorf("ack pushed batch: %w", err)
		}
		r.mu.Lock()
		r.state.Pushed += acked
		r.state.LastPushAt = r.cfg.Now()
		r.mu.Unlock()
		r.logger.Debug("pushed batch", "sent", len(items), "acked", acked)

		if len(items) < r.cfg.PushBatchSize {
			break
		}
	}
	return r.refreshPending(ctx)
}

func (r *Replicator) refreshPending(ctx context.Context) error {
	n, err := r.cfg.Store.PendingCount(ctx, r.entry.Name())
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.state.Pending = n
	r.mu.Unlock()
	return nil
}

func (r *Replicator) setPhase(p Phase) {
	r.mu.Lock()
	if r.state.Phase == PhaseStopped {
		r.mu.Unlock()
		return
	}
	r.state.Phase = p
	st := r.state
	r.mu.Unlock()
	if r.cfg.OnState != nil {
		r.cfg.OnState(st)
	}
}

func (r *Replicator) succeed() {
	r.mu.Lock()
	r.state.ConsecutiveErrors = 0
	r.warned = false
	r.mu.Unlock()
	r.setPhase(PhaseIdle)
}

func (r *Replicator) fail(phase Phase, err error) error {
	if errors.Is(err, ErrStopped) || (errors.Is(err, context.Canceled) && r.stopped.Load()) {
		return err
	}
	e := &Error{Collection: r.entry.Name(), Phase: phase, Kind: classify(err), At: r.cfg.Now(), Err: err}

	r.mu.Lock()
	r.state.ErrorCount++
	r.state.ConsecutiveErrors++
	r.state.LastError = err.Error()
	r.state.LastErrorAt = e.At
	streak := r.state.ConsecutiveErrors
	warn := streak >= r.cfg.SoftErrorThreshold && !r.warned
	if warn {
		r.warned = true
	}
	r.mu.Unlock()

	if e.Kind == KindAuthRequired {
		r.logger.Info("replication waiting for credentials", "phase", phase)
	} else {
		r.logger.Warn("replication failed", "phase", phase, "kind", e.Kind, "attempt", streak, "err", err)
	}
	if warn {
		r.logger.Warn("replication keeps failing", "consecutive_errors", streak, "kind", e.Kind)
	}

	r.publish(e)
	r.setPhase(PhaseError)
	return e
}

// publish drops the oldest buffered error when the stream is full. Only the
// goroutine holding cycleMu calls it.
func (r *Replicator) publish(e *Error) {
	for {
		select {
		case r.errs <- e:
			if r.cfg.OnError != nil {
				r.cfg.OnError(e)
			}
			return
		default:
		}
		select {
		case <-r.errs:
		default:
		}
	}
}
