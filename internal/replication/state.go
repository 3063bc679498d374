package replication

import (
	"errors"
	"fmt"
	"time"

	"github.com/marcus/herd/internal/remote"
	"github.com/marcus/herd/internal/store"
)

// Phase is where a replicator is in its cycle.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhasePulling Phase = "pulling"
	PhasePushing Phase = "pushing"
	PhaseError   Phase = "error"
	PhaseStopped Phase = "stopped"
)

// State is a point-in-time snapshot of one replicator.
type State struct {
	Collection string
	Table      string
	Phase      Phase
	Checkpoint store.Checkpoint
	Pending    int

	Pulled     int // documents applied since start
	Pushed     int // documents acknowledged since start
	Conflicts  int
	LastPullAt time.Time
	LastPushAt time.Time

	ErrorCount        int
	ConsecutiveErrors int
	LastError         string
	LastErrorAt       time.Time
}

// Healthy reports whether the last cycle succeeded.
func (s State) Healthy() bool { return s.ConsecutiveErrors == 0 }

// ErrorKind groups failures for display and alerting.
type ErrorKind string

const (
	KindAuthRequired ErrorKind = "auth_required"
	KindUnauthorized ErrorKind = "unauthorized"
	KindNetwork      ErrorKind = "network"
	KindRemote       ErrorKind = "remote"
	KindLocal        ErrorKind = "local"
)

// Error is one failed replication attempt as published on Errors().
type Error struct {
	Collection string
	Phase      Phase
	Kind       ErrorKind
	At         time.Time
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collection, e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrStopped is returned by operations on a stopped replicator.
var ErrStopped = errors.New("replicator stopped")

func classify(err error) ErrorKind {
	var ne *remote.NetworkError
	var re *remote.RemoteError
	switch {
	case errors.Is(err, remote.ErrAuthRequired):
		return KindAuthRequired
	case errors.Is(err, remote.ErrUnauthorized):
		return KindUnauthorized
	case errors.As(err, &ne):
		return KindNetwork
	case errors.As(err, &re):
		return KindRemote
	default:
		return KindLocal
	}
}
