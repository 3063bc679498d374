package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marcus/herd/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, rem *fakeRemote) *Manager {
	t.Helper()
	s := newTestStore(t)
	m, err := NewManager(ManagerConfig{Store: s, Remote: rem, RetryTime: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestManagerBuildsOneReplicatorPerCollection(t *testing.T) {
	m := newTestManager(t, newFakeRemote())
	states := m.States()
	require.Len(t, states, 2)
	assert.Equal(t, "animals", states[0].Collection)
	assert.Equal(t, "doses", states[1].Collection)

	assert.True(t, m.ResyncTable("animals"))
	assert.False(t, m.ResyncTable("invoices"))
	assert.True(t, m.ResyncCollection("doses"))
	assert.False(t, m.ResyncCollection("registration_number"))
}

func TestManagerRejectsUnknownPolicy(t *testing.T) {
	s := newTestStore(t)
	_, err := NewManager(ManagerConfig{Store: s, Remote: newFakeRemote(), ConflictPolicy: "coin-flip"})
	assert.ErrorContains(t, err, "coin-flip")
}

func TestManagerRunOnceIsolatesCollections(t *testing.T) {
	rem := newFakeRemote()
	rem.seed("animals", wireAnimal("A1", "2024-01-01T00:00:01.000Z"))
	m := newTestManager(t, rem)
	ctx := context.Background()

	animals, ok := m.Replicator("animals")
	require.True(t, ok)
	require.NoError(t, m.RunOnce(ctx))
	assert.Equal(t, 1, animals.State().Pulled)

	// A failure is reported per collection and does not stop the others.
	rem.setErrors(&remote.RemoteError{Status: 500, Message: "boom"}, nil)
	err := m.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "animals pulling")
	assert.Contains(t, err.Error(), "doses pulling")
	for _, st := range m.States() {
		assert.Equal(t, 1, st.ErrorCount, st.Collection)
	}
}

func TestManagerErrorFanIn(t *testing.T) {
	rem := newFakeRemote()
	rem.setErrors(remote.ErrAuthRequired, nil)
	m := newTestManager(t, rem)

	m.RunOnce(context.Background())
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-m.Errors():
			assert.Equal(t, KindAuthRequired, e.Kind)
			seen[e.Collection] = true
		case <-time.After(time.Second):
			t.Fatal("missing fan-in error")
		}
	}
	assert.Equal(t, map[string]bool{"animals": true, "doses": true}, seen)
}

func TestManagerSubscribe(t *testing.T) {
	rem := newFakeRemote()
	m := newTestManager(t, rem)

	var mu sync.Mutex
	var phases []Phase
	unsubscribe := m.Subscribe(func(st State) {
		if st.Collection != "animals" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, st.Phase)
	})

	animals, _ := m.Replicator("animals")
	require.NoError(t, animals.RunOnce(context.Background()))
	mu.Lock()
	assert.Equal(t, []Phase{PhasePulling, PhasePushing, PhaseIdle}, phases)
	mu.Unlock()

	unsubscribe()
	require.NoError(t, animals.RunOnce(context.Background()))
	mu.Lock()
	assert.Len(t, phases, 3)
	mu.Unlock()
}

func TestManagerStartAndResync(t *testing.T) {
	rem := newFakeRemote()
	m := newTestManager(t, rem)
	ctx := context.Background()

	m.Start(ctx)
	require.Eventually(t, func() bool { return rem.pullCount() >= 2 }, 2*time.Second, 5*time.Millisecond)

	rem.seed("animals", wireAnimal("A7", "2024-02-01T00:00:00.000Z"))
	m.ResyncAll()
	animals, _ := m.Replicator("animals")
	require.Eventually(t, func() bool { return animals.State().Pulled == 1 }, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	for _, st := range m.States() {
		assert.Equal(t, PhaseStopped, st.Phase)
	}
}
