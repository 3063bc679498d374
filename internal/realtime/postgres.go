package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// DefaultChannel is the LISTEN channel the backend's change trigger
// notifies.
const DefaultChannel = "herd_changes"

// PostgresSource listens for NOTIFY payloads on a Postgres channel. The
// payload is the flat {schema,table,type} JSON object.
type PostgresSource struct {
	DSN     string
	Channel string
	// MinReconnect and MaxReconnect bound the driver's own redial interval
	// inside one Run. Defaults 1s and 30s.
	MinReconnect time.Duration
	MaxReconnect time.Duration
	Logger       *slog.Logger
}

type listenerEvent struct {
	kind pq.ListenerEventType
	err  error
}

// Run opens a listener and returns on the first disconnect so the Trigger
// owns reconnect pacing.
func (s *PostgresSource) Run(ctx context.Context, connected func(), notify func(Notification)) error {
	channel := s.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	minRe, maxRe := s.MinReconnect, s.MaxReconnect
	if minRe <= 0 {
		minRe = time.Second
	}
	if maxRe <= 0 {
		maxRe = 30 * time.Second
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	events := make(chan listenerEvent, 8)
	l := pq.NewListener(s.DSN, minRe, maxRe, func(kind pq.ListenerEventType, err error) {
		select {
		case events <- listenerEvent{kind: kind, err: err}:
		default:
		}
	})
	defer l.Close()

	// Listen blocks until the first connection succeeds; Close unblocks it.
	listenErr := make(chan error, 1)
	go func() { listenErr <- l.Listen(channel) }()

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-listenErr:
			if err != nil {
				return fmt.Errorf("listen %s: %w", channel, err)
			}
			connected()
		case ev := <-events:
			switch ev.kind {
			case pq.ListenerEventReconnected:
				connected()
			case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
				return fmt.Errorf("postgres listener: %w", ev.err)
			}
		case n := <-l.Notify:
			if n == nil {
				// The driver reconnected; changes in the gap are unknown.
				notify(Notification{})
				continue
			}
			parsed, err := ParseNotification([]byte(n.Extra))
			if err != nil {
				logger.Debug("realtime: bad notify payload", "channel", n.Channel, "err", err)
				continue
			}
			notify(parsed)
		case <-ping.C:
			go func() {
				if err := l.Ping(); err != nil {
					logger.Debug("realtime: listener ping", "err", err)
				}
			}()
		}
	}
}
