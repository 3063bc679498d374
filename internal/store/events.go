package store

import (
	"sync"
)

// Operation is the kind of write that produced a change event.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpUpsert Operation = "upsert"
)

// Origin distinguishes application writes from replicated ones.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// ChangeEvent is emitted after every committed write.
type ChangeEvent struct {
	Collection string
	PrimaryKey string
	Operation  Operation
	Origin     Origin
}

const subscriberBuffer = 64

type subscriber struct {
	collection string
	ch         chan ChangeEvent
}

// hub fans change events out to subscribers and refreshes live queries.
// publish is only called from the store's write path, so events reach
// every listener in commit order.
type hub struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]*subscriber
	queries map[string]map[*LiveQuery]struct{}
	closed  bool
}

func newHub() *hub {
	return &hub{
		subs:    make(map[int]*subscriber),
		queries: make(map[string]map[*LiveQuery]struct{}),
	}
}

// subscribe registers a listener for one collection, or all when
// collection is empty. A subscriber that falls behind loses events; the
// outbox, not the event stream, is the record of pending work.
func (h *hub) subscribe(collection string) (<-chan ChangeEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan ChangeEvent, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = &subscriber{collection: collection, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if s, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(s.ch)
			}
		})
	}
}

func (h *hub) addQuery(lq *LiveQuery) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.queries[lq.collection]
	if !ok {
		set = make(map[*LiveQuery]struct{})
		h.queries[lq.collection] = set
	}
	set[lq] = struct{}{}
	return true
}

func (h *hub) removeQuery(lq *LiveQuery) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.queries[lq.collection]; ok {
		delete(set, lq)
	}
}

func (h *hub) queriesFor(collection string) []*LiveQuery {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*LiveQuery, 0, len(h.queries[collection]))
	for lq := range h.queries[collection] {
		out = append(out, lq)
	}
	return out
}

func (h *hub) publish(events []ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range events {
		for _, s := range h.subs {
			if s.collection != "" && s.collection != ev.Collection {
				continue
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}

// close ends every subscription and returns the live queries that were
// still registered so the caller can close them outside the hub lock.
func (h *hub) close() []*LiveQuery {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
	var open []*LiveQuery
	for _, set := range h.queries {
		for lq := range set {
			open = append(open, lq)
		}
	}
	h.queries = make(map[string]map[*LiveQuery]struct{})
	return open
}
