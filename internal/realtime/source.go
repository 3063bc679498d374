// Package realtime turns server-side change notifications into replication
// resyncs. A Trigger keeps one Source connected with capped exponential
// backoff and polls on a fixed interval regardless of connection state.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// EventType is the kind of row change a notification reports.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Notification says a remote table changed. An empty Table means the
// source cannot tell which, so everything should resync.
type Notification struct {
	Schema string    `json:"schema"`
	Table  string    `json:"table"`
	Type   EventType `json:"type"`
}

// Source is one realtime transport.
type Source interface {
	// Run connects and blocks until the connection ends or ctx is done. It
	// calls connected once the subscription is live and notify for every
	// change. A nil return with ctx still live counts as a disconnect.
	Run(ctx context.Context, connected func(), notify func(Notification)) error
}

// ParseNotification decodes a change payload. It accepts the flat
// {schema,table,type} shape and the postgres_changes {data:{...}} shape.
func ParseNotification(payload []byte) (Notification, error) {
	var wrapped struct {
		Data *Notification `json:"data"`
		Notification
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	n := wrapped.Notification
	if wrapped.Data != nil {
		n = *wrapped.Data
	}
	n.Type = EventType(strings.ToUpper(string(n.Type)))
	return n, nil
}
