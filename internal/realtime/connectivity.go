package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for ConnectivityConfig fields left zero.
const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// ConnectivityConfig configures a Connectivity watcher.
type ConnectivityConfig struct {
	// Probe reports whether the remote is reachable.
	// (*remote.Client).Reachable fits.
	Probe    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	// OnOnline runs when a probe succeeds after a failed one.
	// (*Trigger).NetworkOnline fits.
	OnOnline func()

	Logger *slog.Logger
}

// Connectivity polls the remote and reports unreachable to reachable
// transitions.
type Connectivity struct {
	cfg    ConnectivityConfig
	logger *slog.Logger

	mu     sync.Mutex
	online bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConnectivity fills defaults. The watcher assumes the remote is
// reachable until a probe says otherwise.
func NewConnectivity(cfg ConnectivityConfig) *Connectivity {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Connectivity{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "connectivity"),
		online: true,
	}
}

// Online returns the result of the last probe.
func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Check probes once and records the result, calling OnOnline on recovery.
func (c *Connectivity) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	err := c.cfg.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return c.Online()
	}

	now := err == nil
	c.mu.Lock()
	was := c.online
	c.online = now
	c.mu.Unlock()

	switch {
	case was && !now:
		c.logger.Warn("remote unreachable", "err", err)
	case !was && now:
		c.logger.Info("remote reachable again")
		if c.cfg.OnOnline != nil {
			c.cfg.OnOnline()
		}
	}
	return now
}

// Start probes every Interval until Stop or ctx ends.
func (c *Connectivity) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
}

// Stop ends the probe loop and waits for it.
func (c *Connectivity) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Connectivity) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}
