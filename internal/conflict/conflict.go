// Package conflict decides which version of a document survives when the
// local store holds an unpushed edit and a pull delivers a remote version of
// the same document. Every resolver is a pure function of its inputs.
package conflict

import (
	"fmt"

	"github.com/marcus/herd/internal/schema"
)

// Side identifies where a winning document came from.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
	SideMerged Side = "merged"
)

// Policy names accepted by ByName.
const (
	PolicyLWW        = "lww"
	PolicyServerWins = "server-wins"
	PolicyClientWins = "client-wins"
	PolicyFieldMerge = "field-merge"
)

// Resolver picks the surviving version of a document. Implementations must
// not retain or mutate their arguments.
type Resolver interface {
	Name() string
	Resolve(local, remote schema.Document) Outcome
}

// Outcome is the result of a resolution.
type Outcome struct {
	Winner schema.Document
	Side   Side
	Reason string
}

// LastWriteWins keeps the document with the strictly later updated_at.
// Equal stamps favor the remote copy so replicas converge on the server.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return PolicyLWW }

func (LastWriteWins) Resolve(local, remote schema.Document) Outcome {
	l, r := local.UpdatedAt(), remote.UpdatedAt()
	if l > r {
		return Outcome{Winner: local.Clone(), Side: SideLocal, Reason: fmt.Sprintf("local %s newer than remote %s", l, r)}
	}
	if l == r {
		return Outcome{Winner: remote.Clone(), Side: SideRemote, Reason: "equal updated_at, remote wins tie"}
	}
	return Outcome{Winner: remote.Clone(), Side: SideRemote, Reason: fmt.Sprintf("remote %s newer than local %s", r, l)}
}

// ServerWins always keeps the remote version.
type ServerWins struct{}

func (ServerWins) Name() string { return PolicyServerWins }

func (ServerWins) Resolve(_, remote schema.Document) Outcome {
	return Outcome{Winner: remote.Clone(), Side: SideRemote, Reason: "server wins"}
}

// ClientWins always keeps the local version. The local copy stays in the
// outbox and overwrites the server on the next push.
type ClientWins struct{}

func (ClientWins) Name() string { return PolicyClientWins }

func (ClientWins) Resolve(local, _ schema.Document) Outcome {
	return Outcome{Winner: local.Clone(), Side: SideLocal, Reason: "client wins"}
}

// FieldMerge starts from the last-write-wins winner and then takes each
// priority field from the local copy when the local copy has it set.
type FieldMerge struct {
	PriorityFields []string
}

func (FieldMerge) Name() string { return PolicyFieldMerge }

func (f FieldMerge) Resolve(local, remote schema.Document) Outcome {
	base := LastWriteWins{}.Resolve(local, remote)
	if base.Side == SideLocal {
		return base
	}

	merged := base.Winner
	changed := false
	for _, field := range f.PriorityFields {
		v, ok := local[field]
		if !ok || v == nil {
			continue
		}
		merged[field] = schema.CloneValue(v)
		changed = true
	}
	if !changed {
		return base
	}
	return Outcome{Winner: merged, Side: SideMerged, Reason: "remote base with local priority fields"}
}

// ByName returns the resolver for a policy name. An empty name selects
// last-write-wins.
func ByName(name string, priorityFields []string) (Resolver, error) {
	switch name {
	case "", PolicyLWW:
		return LastWriteWins{}, nil
	case PolicyServerWins:
		return ServerWins{}, nil
	case PolicyClientWins:
		return ClientWins{}, nil
	case PolicyFieldMerge:
		return FieldMerge{PriorityFields: append([]string(nil), priorityFields...)}, nil
	}
	return nil, fmt.Errorf("unknown conflict policy %q", name)
}

// ForEntry resolves the policy for a registry entry, falling back to
// fallback when the entry does not name one.
func ForEntry(e *schema.Entry, fallback string) (Resolver, error) {
	name := e.Conflict
	if name == "" {
		name = fallback
	}
	return ByName(name, e.PriorityFields)
}
