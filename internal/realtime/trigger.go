package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConnState is the realtime connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Target receives resync requests. *replication.Manager satisfies it.
type Target interface {
	ResyncTable(table string) bool
	ResyncAll()
}

// Defaults for TriggerConfig fields left zero.
const (
	DefaultBaseDelay    = 5 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 10
	DefaultPollInterval = 30 * time.Second
)

// TriggerConfig configures a Trigger.
type TriggerConfig struct {
	Source Source
	Target Target

	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts is the number of consecutive failed connections before
	// the trigger falls back to polling only. Negative means never give up.
	MaxAttempts  int
	PollInterval time.Duration

	Logger *slog.Logger
}

// Status is a snapshot for display.
type Status struct {
	State            ConnState
	Attempts         int
	GaveUp           bool
	LastError        string
	ConnectedAt      time.Time
	Notifications    int
	LastNotification time.Time
}

// Trigger keeps a Source connected and maps notifications to resyncs.
type Trigger struct {
	cfg    TriggerConfig
	logger *slog.Logger
	wake   chan struct{}

	mu        sync.Mutex
	status    Status
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connected bool // set by the current Run once live
}

// NewTrigger fills defaults and validates cfg.
func NewTrigger(cfg TriggerConfig) (*Trigger, error) {
	if cfg.Target == nil {
		return nil, fmt.Errorf("realtime trigger needs a target")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Trigger{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "realtime"),
		wake:   make(chan struct{}, 1),
		status: Status{State: StateDisconnected},
	}, nil
}

// Backoff returns the wait before reconnect attempt n (1-based): base,
// doubling each attempt, capped at ceiling.
func Backoff(n int, base, ceiling time.Duration) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Start launches the connection and poll loops. A nil Source runs the
// poll loop only.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.pollLoop(ctx)
	if t.cfg.Source != nil {
		t.wg.Add(1)
		go t.connectLoop(ctx)
	}
}

// Stop ends both loops and waits for them.
func (t *Trigger) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	t.wg.Wait()
	t.mu.Lock()
	t.status.State = StateDisconnected
	t.mu.Unlock()
}

// Status returns the current status.
func (t *Trigger) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// NetworkOnline reports that connectivity came back.
func (t *Trigger) NetworkOnline() { t.kick("network online") }

// Foreground reports that the application returned to the foreground.
func (t *Trigger) Foreground() { t.kick("foreground") }

// kick resyncs everything and, unless connected, grants a fresh attempt
// budget. A trigger waiting out its backoff reconnects now; one already
// connecting is left alone.
func (t *Trigger) kick(reason string) {
	t.cfg.Target.ResyncAll()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.State == StateConnected {
		return
	}
	t.status.Attempts = 0
	t.status.GaveUp = false
	if t.status.State != StateDisconnected {
		return
	}
	t.logger.Debug("realtime: reconnect requested", "reason", reason)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Trigger) pollLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.cfg.Target.ResyncAll()
		}
	}
}

func (t *Trigger) connectLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		t.status.State = StateConnecting
		t.connected = false
		select {
		case <-t.wake:
		default:
		}
		t.mu.Unlock()

		err := t.cfg.Source.Run(ctx, t.onConnected, t.onNotification)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("connection closed")
		}

		t.mu.Lock()
		if t.connected {
			t.status.Attempts = 0
		}
		t.status.State = StateDisconnected
		t.status.Attempts++
		t.status.LastError = err.Error()
		attempts := t.status.Attempts
		gaveUp := t.cfg.MaxAttempts > 0 && attempts >= t.cfg.MaxAttempts
		t.status.GaveUp = gaveUp
		t.mu.Unlock()

		if gaveUp {
			t.logger.Warn("realtime unavailable, polling only", "attempts", attempts, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-t.wake:
			}
			continue
		}

		delay := Backoff(attempts, t.cfg.BaseDelay, t.cfg.MaxDelay)
		t.logger.Debug("realtime disconnected", "attempt", attempts, "retry_in", delay, "err", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-t.wake:
			timer.Stop()
		}
	}
}

func (t *Trigger) onConnected() {
	t.mu.Lock()
	t.connected = true
	t.status.State = StateConnected
	t.status.Attempts = 0
	t.status.GaveUp = false
	t.status.LastError = ""
	t.status.ConnectedAt = time.Now()
	t.mu.Unlock()

	t.logger.Info("realtime connected")
	// Changes made while disconnected produced no notifications.
	t.cfg.Target.ResyncAll()
}

func (t *Trigger) onNotification(n Notification) {
	t.mu.Lock()
	t.status.Notifications++
	t.status.LastNotification = time.Now()
	t.mu.Unlock()

	if n.Table == "" {
		t.cfg.Target.ResyncAll()
		return
	}
	if !t.cfg.Target.ResyncTable(n.Table) {
		t.logger.Debug("realtime: ignoring change for unknown table", "schema", n.Schema, "table", n.Table, "type", n.Type)
	}
}
