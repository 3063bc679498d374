package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is the Phoenix channel envelope used by the realtime endpoint.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// Phoenix channel events.
const (
	EventJoin            = "phx_join"
	EventReply           = "phx_reply"
	EventError           = "phx_error"
	EventClose           = "phx_close"
	EventHeartbeat       = "heartbeat"
	EventPostgresChanges = "postgres_changes"
)

// JoinPayload subscribes to every change in one schema.
type JoinPayload struct {
	Config struct {
		PostgresChanges []ChangeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

// ChangeFilter selects changes by event and schema.
type ChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
}

// Topic returns the channel topic for a schema.
func Topic(schema string) string { return "realtime:" + schema }

// WebSocketSource subscribes to a realtime websocket endpoint.
type WebSocketSource struct {
	URL    string
	APIKey string
	Schema string
	// Token returns the bearer credential, or "" when signed out.
	Token     func() string
	Heartbeat time.Duration
	Dialer    *websocket.Dialer
}

const defaultHeartbeat = 25 * time.Second

func (s *WebSocketSource) endpoint() (string, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	if s.APIKey != "" {
		q.Set("apikey", s.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run dials, joins the schema topic, and forwards postgres_changes frames
// until the socket closes.
func (s *WebSocketSource) Run(ctx context.Context, connected func(), notify func(Notification)) error {
	endpoint, err := s.endpoint()
	if err != nil {
		return err
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}
	defer conn.Close()

	schema := s.Schema
	if schema == "" {
		schema = "public"
	}
	topic := Topic(schema)
	var join JoinPayload
	join.Config.PostgresChanges = []ChangeFilter{{Event: "*", Schema: schema}}
	if s.Token != nil {
		join.AccessToken = s.Token()
	}
	payload, _ := json.Marshal(join)
	if err := conn.WriteJSON(Frame{Topic: topic, Event: EventJoin, Payload: payload, Ref: "1"}); err != nil {
		return fmt.Errorf("join %s: %w", topic, err)
	}

	frames := make(chan Frame)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var f Frame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			select {
			case frames <- f:
			case <-done:
				return
			}
		}
	}()

	interval := s.Heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	ref := 1
	joined := false
	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("realtime read: %w", err)
		case <-heartbeat.C:
			ref++
			if err := conn.WriteJSON(Frame{Topic: "phoenix", Event: EventHeartbeat, Payload: json.RawMessage(`{}`), Ref: strconv.Itoa(ref)}); err != nil {
				return fmt.Errorf("realtime heartbeat: %w", err)
			}
		case f := <-frames:
			switch f.Event {
			case EventReply:
				if joined || f.Topic != topic {
					continue
				}
				var reply struct {
					Status string `json:"status"`
				}
				json.Unmarshal(f.Payload, &reply)
				if reply.Status != "ok" {
					return fmt.Errorf("join %s rejected: %s", topic, reply.Status)
				}
				joined = true
				connected()
			case EventPostgresChanges:
				n, err := ParseNotification(f.Payload)
				if err != nil {
					continue
				}
				notify(n)
			case EventError, EventClose:
				if f.Topic == topic {
					return errors.New("realtime channel closed: " + f.Event)
				}
			}
		}
	}
}
