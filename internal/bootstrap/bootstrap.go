// Package bootstrap brings the local store and its replication up exactly
// once per process. A store that no longer matches the collection
// registry is destroyed and recreated; any other startup failure is fatal.
package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/marcus/herd/internal/realtime"
	"github.com/marcus/herd/internal/remote"
	"github.com/marcus/herd/internal/replication"
	"github.com/marcus/herd/internal/schema"
	"github.com/marcus/herd/internal/store"
)

// Realtime transports.
const (
	RealtimeWebSocket = "websocket"
	RealtimePostgres  = "postgres"
	RealtimeOff       = "off"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bootstrap controller closed")

// FatalError is a startup failure with no automatic recovery.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return "startup failed: " + e.Op + ": " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// RemoteConfig describes the backend. A nil RemoteConfig means offline.
type RemoteConfig struct {
	URL    string
	APIKey string
	Token  remote.TokenSource

	Realtime     string // websocket, postgres or off
	RealtimeURL  string
	Schema       string
	PostgresDSN  string
	PollInterval time.Duration

	ConflictPolicy string
	BatchSize      int
	RetryTime      time.Duration

	// ProbeInterval is how often a live session checks that the remote is
	// reachable. Zero uses the default; negative disables the check.
	ProbeInterval time.Duration
}

// Options configures a Controller.
type Options struct {
	Dir      string
	Registry *schema.Registry
	Remote   *RemoteConfig
	// Online reports network reachability. Nil means always online.
	Online func() bool
	// OneShot builds replication without starting it: no background loops,
	// no realtime connection. Callers drive Manager.RunOnce themselves.
	OneShot bool
	Logger  *slog.Logger
	Now     func() time.Time
}

// Session is a started store plus, when online, its replication.
type Session struct {
	Store   *store.Store
	Manager *replication.Manager
	Trigger *realtime.Trigger
	// Connectivity is nil for one-shot sessions or when probing is off.
	Connectivity *realtime.Connectivity
	Client       *remote.Client
	// Recovered is set when the store was reset on this start.
	Recovered bool

	cancel context.CancelFunc
}

// Offline reports whether replication is disabled for this session.
func (s *Session) Offline() bool { return s.Manager == nil }

func (s *Session) close() error {
	if s.Connectivity != nil {
		s.Connectivity.Stop()
	}
	if s.Trigger != nil {
		s.Trigger.Stop()
	}
	if s.Manager != nil {
		s.Manager.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	return s.Store.Close()
}

type initCall struct {
	done chan struct{}
	sess *Session
	err  error
}

// Controller owns the process-wide session.
type Controller struct {
	opts   Options
	logger *slog.Logger
	open   func(ctx context.Context, opts store.Options) (*store.Store, error)

	mu       sync.Mutex
	sess     *Session
	inflight *initCall
	closed   bool
}

// New returns a controller. Nothing is opened until the first Session.
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		opts:   opts,
		logger: opts.Logger.With("component", "bootstrap"),
		open:   store.Open,
	}
}

// Store returns the shared store, starting the session on first use.
func (c *Controller) Store(ctx context.Context) (*store.Store, error) {
	sess, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	return sess.Store, nil
}

// Session returns the shared session. Concurrent first callers wait on one
// initialization; a failed initialization is retried by the next call.
func (c *Controller) Session(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.sess != nil {
		sess := c.sess
		c.mu.Unlock()
		return sess, nil
	}
	call := c.inflight
	if call == nil {
		call = &initCall{done: make(chan struct{})}
		c.inflight = call
		// One caller giving up must not abort the shared start.
		go c.run(context.WithoutCancel(ctx), call)
	}
	c.mu.Unlock()

	select {
	case <-call.done:
		return call.sess, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) run(ctx context.Context, call *initCall) {
	sess, err := c.start(ctx)

	c.mu.Lock()
	c.inflight = nil
	if err == nil && c.closed {
		sess.close()
		sess, err = nil, ErrClosed
	}
	if err == nil {
		c.sess = sess
	}
	c.mu.Unlock()

	call.sess, call.err = sess, err
	close(call.done)
}

// Reset closes the session, destroys every store file and starts again.
func (c *Controller) Reset(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	call := c.inflight
	c.mu.Unlock()
	if call != nil {
		<-call.done
	}

	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess != nil {
		if err := sess.close(); err != nil {
			c.logger.Warn("close store before reset", "err", err)
		}
	}
	if err := c.destroyAll(); err != nil {
		return nil, &FatalError{Op: "reset store", Err: err}
	}
	c.logger.Warn("local store reset", "reason", "requested")
	return c.Session(ctx)
}

// Close tears down realtime, replication and the store in that order.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.close()
}

func (c *Controller) start(ctx context.Context) (*Session, error) {
	if c.opts.Registry == nil {
		return nil, &FatalError{Op: "load registry", Err: errors.New("no collection registry")}
	}
	st, err := c.openStore(ctx)
	recovered := false
	if store.IsSchemaConflict(err) {
		c.logger.Error("local store reset", "store", c.opts.Registry.StoreName(), "err", err)
		if derr := c.destroyAll(); derr != nil {
			return nil, &FatalError{Op: "reset store", Err: derr}
		}
		recovered = true
		st, err = c.openStore(ctx)
	}
	if err != nil {
		return nil, &FatalError{Op: "open store", Err: err}
	}

	sess := &Session{Store: st, Recovered: recovered}
	if err := c.startReplication(ctx, sess); err != nil {
		st.Close()
		return nil, &FatalError{Op: "start replication", Err: err}
	}
	return sess, nil
}

func (c *Controller) openStore(ctx context.Context) (*store.Store, error) {
	st, err := c.open(ctx, store.Options{
		Dir:      c.opts.Dir,
		Registry: c.opts.Registry,
		Now:      c.opts.Now,
		Logger:   c.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Register(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// destroyAll removes the current store and every legacy store version.
func (c *Controller) destroyAll() error {
	names := append(c.opts.Registry.LegacyStoreNames(), c.opts.Registry.StoreName())
	var errs []error
	for _, name := range names {
		if err := store.Destroy(c.opts.Dir, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) online() bool {
	return c.opts.Online == nil || c.opts.Online()
}

func (c *Controller) startReplication(ctx context.Context, sess *Session) error {
	rc := c.opts.Remote
	switch {
	case rc == nil || rc.URL == "":
		c.logger.Info("offline mode", "reason", "no remote configured")
		return nil
	case rc.Token == nil || rc.Token() == "":
		c.logger.Info("offline mode", "reason", "not logged in")
		return nil
	case !c.online():
		c.logger.Info("offline mode", "reason", "network unavailable")
		return nil
	}

	client := remote.New(rc.URL, rc.APIKey, rc.Token)
	mgr, err := replication.NewManager(replication.ManagerConfig{
		Store:          sess.Store,
		Remote:         client,
		ConflictPolicy: rc.ConflictPolicy,
		BatchSize:      rc.BatchSize,
		RetryTime:      rc.RetryTime,
		Logger:         c.opts.Logger,
		Now:            c.opts.Now,
	})
	if err != nil {
		return err
	}
	sess.Client, sess.Manager = client, mgr
	if c.opts.OneShot {
		return nil
	}

	trigger, err := realtime.NewTrigger(realtime.TriggerConfig{
		Source:       c.source(rc),
		Target:       mgr,
		PollInterval: rc.PollInterval,
		Logger:       c.opts.Logger,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	mgr.Start(runCtx)
	trigger.Start(runCtx)
	sess.Trigger, sess.cancel = trigger, cancel
	if rc.ProbeInterval >= 0 {
		sess.Connectivity = realtime.NewConnectivity(realtime.ConnectivityConfig{
			Probe:    client.Reachable,
			Interval: rc.ProbeInterval,
			OnOnline: trigger.NetworkOnline,
			Logger:   c.opts.Logger,
		})
		sess.Connectivity.Start(runCtx)
	}
	return nil
}

func (c *Controller) source(rc *RemoteConfig) realtime.Source {
	switch rc.Realtime {
	case RealtimeOff:
		return nil
	case RealtimePostgres:
		if rc.PostgresDSN == "" {
			c.logger.Warn("realtime postgres selected without a DSN, polling only")
			return nil
		}
		return &realtime.PostgresSource{DSN: rc.PostgresDSN, Logger: c.opts.Logger}
	default:
		if rc.RealtimeURL == "" {
			return nil
		}
		return &realtime.WebSocketSource{URL: rc.RealtimeURL, APIKey: rc.APIKey, Schema: rc.Schema, Token: rc.Token}
	}
}

// Exists reports whether a current store file is present under dir.
func Exists(dir string, reg *schema.Registry) bool {
	_, err := os.Stat(store.Path(dir, reg.StoreName()))
	return err == nil
}
