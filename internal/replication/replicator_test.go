package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus/herd/internal/conflict"
	"github.com/marcus/herd/internal/remote"
	"github.com/marcus/herd/internal/schema"
	"github.com/marcus/herd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPullAppliesAndAdvancesCheckpoint(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	rem.seed("animals",
		wireAnimal("A1", "2024-01-01T00:00:01.000Z"),
		wireAnimal("A2", "2024-01-01T00:00:02.000Z", "name", "Bessie"),
		wireAnimal("A3", "2024-01-01T00:00:03.000Z"),
	)
	r := newTestReplicator(t, s, rem, nil)
	ctx := context.Background()

	require.NoError(t, r.RunOnce(ctx))

	doc, err := s.FindOne(ctx, "animals", "A2")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Bessie", doc["name"])
	assert.NotContains(t, doc, "id", "remote-only column must be stripped")

	cp, err := s.Checkpoint(ctx, "animals-v1")
	require.NoError(t, err)
	assert.Equal(t, store.Checkpoint{UpdatedAt: "2024-01-01T00:00:03.000Z", PrimaryKey: "A3"}, cp)

	st := r.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, 3, st.Pulled)
	assert.Equal(t, cp, st.Checkpoint)

	first := rem.pulls[0]
	assert.Equal(t, "registration_number", first.PrimaryKey)
	assert.Equal(t, schema.EpochCursor, first.After.UpdatedAt)
	assert.Empty(t, first.After.PrimaryKey)
	assert.Equal(t, DefaultBatchSize, first.Limit)
}

func TestPullBatchBoundaryWithEqualTimestamps(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	for i := 1; i <= 5; i++ {
		rem.seed("animals", wireAnimal(fmt.Sprintf("A%d", i), "2024-01-01T00:00:00.000Z"))
	}
	r := newTestReplicator(t, s, rem, func(c *Config) { c.BatchSize = 2 })
	ctx := context.Background()

	require.NoError(t, r.RunOnce(ctx))

	for i := 1; i <= 5; i++ {
		doc, err := s.FindOne(ctx, "animals", fmt.Sprintf("A%d", i))
		require.NoError(t, err)
		assert.NotNil(t, doc, "A%d lost at a batch boundary", i)
	}
	assert.Equal(t, 3, rem.pullCount(), "pages of 2, 2 and 1")
	assert.Equal(t, "A2", rem.pulls[1].After.PrimaryKey)
	assert.Equal(t, "A4", rem.pulls[2].After.PrimaryKey)
}

func TestPullKeepsServerTimestampPrecision(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	const ts = "2024-01-01T00:00:00.123456+00:00"
	for i := 1; i <= 5; i++ {
		rem.seed("animals", wireAnimal(fmt.Sprintf("A%d", i), ts))
	}
	r := newTestReplicator(t, s, rem, func(c *Config) { c.BatchSize = 2 })
	ctx := context.Background()

	require.NoError(t, r.RunOnce(ctx))

	for i := 1; i <= 5; i++ {
		doc, err := s.FindOne(ctx, "animals", fmt.Sprintf("A%d", i))
		require.NoError(t, err)
		require.NotNil(t, doc, "A%d never pulled", i)
		assert.Equal(t, "2024-01-01T00:00:00.123Z", doc["updated_at"])
	}
	require.Equal(t, 3, rem.pullCount())
	assert.Equal(t, ts, rem.pulls[1].After.UpdatedAt, "cursor must echo the server value")

	cp, err := s.Checkpoint(ctx, "animals-v1")
	require.NoError(t, err)
	assert.Equal(t, store.Checkpoint{UpdatedAt: ts, PrimaryKey: "A5"}, cp)

	rem.seed("animals", wireAnimal("A6", "2024-01-01T00:00:00.123457+00:00"))
	require.NoError(t, r.RunOnce(ctx))
	doc, err := s.FindOne(ctx, "animals", "A6")
	require.NoError(t, err)
	assert.NotNil(t, doc, "a record one microsecond later is still pulled")
}

func TestPullSecondRunFetchesNothingNew(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	rem.seed("animals", wireAnimal("A1", "2024-01-01T00:00:01.000Z"))
	r := newTestReplicator(t, s, rem, nil)
	ctx := context.Background()

	require.NoError(t, r.RunOnce(ctx))
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, 1, r.State().Pulled)

	rem.seed("animals", wireAnimal("A0", "2024-01-01T00:00:01.000Z"), wireAnimal("A2", "2024-01-01T00:00:01.000Z"))
	require.NoError(t, r.RunOnce(ctx))
	a0, _ := s.FindOne(ctx, "animals", "A0")
	a2, _ := s.FindOne(ctx, "animals", "A2")
	assert.Nil(t, a0, "A0 sorts before the cursor and is not refetched")
	assert.NotNil(t, a2)
}

func TestPushDrainsOutboxInBatches(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	r := newTestReplicator(t, s, rem, func(c *Config) { c.PushBatchSize = 2 })
	ctx := context.Background()

	for _, pk := range []string{"A1", "A2", "A3"} {
		_, err := s.Insert(ctx, "animals", schema.Document{"registration": pk, "species": "ovine", "photo_path": "/tmp/" + pk})
		require.NoError(t, err)
	}
	require.NoError(t, r.RunOnce(ctx))

	assert.Equal(t, 2, rem.pushCount())
	assert.Equal(t, 3, rem.count("animals"))
	rec := rem.row("animals", "A1")
	require.NotNil(t, rec)
	assert.Equal(t, "ovine", rec["species"])
	assert.Equal(t, false, rec["_deleted"])
	assert.NotContains(t, rec, "photo_path", "local-only field pushed")
	assert.NotContains(t, rec, "registration")

	n, err := s.PendingCount(ctx, "animals")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, r.State().Pushed)
	assert.Zero(t, r.State().Pending)
}

func TestPushFailureKeepsOutbox(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	rem.setErrors(nil, &remote.NetworkError{Op: "POST /animals", Err: errors.New("connection refused")})
	r := newTestReplicator(t, s, rem, nil)
	ctx := context.Background()

	_, err := s.Insert(ctx, "animals", schema.Document{"registration": "A1", "species": "bovine"})
	require.NoError(t, err)

	err = r.RunOnce(ctx)
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindNetwork, re.Kind)
	assert.Equal(t, PhasePushing, re.Phase)

	n, _ := s.PendingCount(ctx, "animals")
	assert.Equal(t, 1, n)

	st := r.State()
	assert.Equal(t, PhaseError, st.Phase)
	assert.Equal(t, 1, st.ErrorCount)
	assert.Equal(t, 1, st.ConsecutiveErrors)
	assert.Contains(t, st.LastError, "connection refused")

	select {
	case got := <-r.Errors():
		assert.Same(t, re, got)
	default:
		t.Fatal("error not published")
	}
}

func TestAuthRequiredSkipsPull(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	rem.seed("animals", wireAnimal("A1", "2024-01-01T00:00:01.000Z"))
	rem.setErrors(remote.ErrAuthRequired, remote.ErrAuthRequired)
	r := newTestReplicator(t, s, rem, nil)
	ctx := context.Background()

	err := r.RunOnce(ctx)
	assert.ErrorIs(t, err, remote.ErrAuthRequired)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindAuthRequired, re.Kind)
	assert.Equal(t, PhasePulling, re.Phase)

	cp, _ := s.Checkpoint(ctx, "animals-v1")
	assert.True(t, cp.IsZero(), "checkpoint moved without a pull")
	assert.Zero(t, rem.pushCount())
	assert.Equal(t, 1, r.State().ErrorCount)
}

func TestSoftErrorWarningOncePerStreak(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{w: &buf, mu: &mu}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	warnings := func() int {
		mu.Lock()
		defer mu.Unlock()
		return strings.Count(buf.String(), "replication keeps failing")
	}

	s := newTestStore(t)
	rem := newFakeRemote()
	rem.setErrors(&remote.RemoteError{Status: 503, Message: "unavailable"}, nil)
	r := newTestReplicator(t, s, rem, func(c *Config) {
		c.SoftErrorThreshold = 3
		c.Logger = logger
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.Error(t, r.RunOnce(ctx))
	}
	assert.Equal(t, 1, warnings())
	assert.Equal(t, 5, r.State().ConsecutiveErrors)

	rem.setErrors(nil, nil)
	require.NoError(t, r.RunOnce(ctx))
	st := r.State()
	assert.Zero(t, st.ConsecutiveErrors)
	assert.Equal(t, 5, st.ErrorCount)
	assert.True(t, st.Healthy())

	rem.setErrors(&remote.RemoteError{Status: 503}, nil)
	for i := 0; i < 3; i++ {
		r.RunOnce(ctx)
	}
	assert.Equal(t, 2, warnings(), "a new streak warns again")
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestOfflineWriteThenReconnect(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	offline := &remote.NetworkError{Op: "GET /animals", Err: errors.New("no route to host")}
	rem.setErrors(offline, offline)
	r := newTestReplicator(t, s, rem, nil)
	ctx := context.Background()

	_, err := s.Insert(ctx, "animals", schema.Document{"registration": "A123", "species": "bovine"})
	require.NoError(t, err)

	// The write is readable offline.
	lq, err := s.Find(ctx, "animals", store.Query{Selector: map[string]any{"registration": "A123"}})
	require.NoError(t, err)
	defer lq.Close()
	require.Len(t, lq.Results(), 1)

	require.Error(t, r.RunOnce(ctx))
	assert.Equal(t, 0, rem.count("animals"))

	rem.setErrors(nil, nil)
	require.NoError(t, r.RunOnce(ctx))
	assert.NotNil(t, rem.row("animals", "A123"))
	n, _ := s.PendingCount(ctx, "animals")
	assert.Zero(t, n)
}

func TestConflictRemoteNewerWins(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	r := newTestReplicator(t, s, rem, nil)
	ctx := context.Background()

	_, err := s.Insert(ctx, "animals", schema.Document{"registration": "A1", "species": "bovine", "name": "Local"})
	require.NoError(t, err)
	// Another device edited the same animal later.
	rem.seed("animals", wireAnimal("A1", "2030-01-01T00:00:00.000Z", "name", "Remote"))

	require.NoError(t, r.RunOnce(ctx))

	doc, _ := s.FindOne(ctx, "animals", "A1")
	assert.Equal(t, "Remote", doc["name"])
	assert.Equal(t, "Remote", rem.row("animals", "A1")["name"], "stale local edit must not overwrite the server")
	assert.Equal(t, 1, r.State().Conflicts)
	n, _ := s.PendingCount(ctx, "animals")
	assert.Zero(t, n)
}

func TestConflictLocalNewerWins(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	r := newTestReplicator(t, s, rem, nil)
	ctx := context.Background()

	rem.seed("animals", wireAnimal("A1", "2020-01-01T00:00:00.000Z", "name", "Remote"))
	_, err := s.Insert(ctx, "animals", schema.Document{"registration": "A1", "species": "bovine", "name": "Local"})
	require.NoError(t, err)

	require.NoError(t, r.RunOnce(ctx))

	doc, _ := s.FindOne(ctx, "animals", "A1")
	assert.Equal(t, "Local", doc["name"])
	assert.Equal(t, "Local", rem.row("animals", "A1")["name"], "local win is pushed in the same cycle")
}

func TestClientWinsPolicy(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	r := newTestReplicator(t, s, rem, func(c *Config) { c.Resolver = conflict.ClientWins{} })
	ctx := context.Background()

	_, err := s.Insert(ctx, "animals", schema.Document{"registration": "A1", "species": "bovine", "name": "Local"})
	require.NoError(t, err)
	rem.seed("animals", wireAnimal("A1", "2030-01-01T00:00:00.000Z", "name", "Remote"))

	require.NoError(t, r.RunOnce(ctx))
	doc, _ := s.FindOne(ctx, "animals", "A1")
	assert.Equal(t, "Local", doc["name"])
	// The server arbitrates pushes by updated_at and keeps its newer row.
	assert.Equal(t, "Remote", rem.row("animals", "A1")["name"])
}

func TestTombstonePropagation(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	r := newTestReplicator(t, s, rem, nil)
	ctx := context.Background()

	_, err := s.Insert(ctx, "animals", schema.Document{"registration": "A1", "species": "bovine"})
	require.NoError(t, err)
	require.NoError(t, r.RunOnce(ctx))
	require.NoError(t, s.Remove(ctx, "animals", "A1"))
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, true, rem.row("animals", "A1")["_deleted"])

	rem.seed("animals", wireAnimal("A9", "2030-01-01T00:00:00.000Z", "_deleted", true))
	require.NoError(t, r.RunOnce(ctx))
	doc, err := s.FindOne(ctx, "animals", "A9")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.True(t, doc.Deleted())

	lq, _ := s.Find(ctx, "animals", store.Query{})
	defer lq.Close()
	assert.Empty(t, lq.Results())
}

func TestStartPushesLocalWrites(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	r := newTestReplicator(t, s, rem, nil)
	ctx := context.Background()

	r.Start(ctx)
	require.Eventually(t, func() bool { return rem.pullCount() >= 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := s.Insert(ctx, "animals", schema.Document{"registration": "A5", "species": "bovine"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rem.row("animals", "A5") != nil }, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	assert.Equal(t, PhaseStopped, r.State().Phase)
	assert.ErrorIs(t, r.RunOnce(ctx), ErrStopped)
}

func TestRetryAfterFailure(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	rem.seed("animals", wireAnimal("A1", "2024-01-01T00:00:01.000Z"))
	rem.setErrors(&remote.NetworkError{Op: "GET", Err: errors.New("timeout")}, nil)
	r := newTestReplicator(t, s, rem, nil)
	ctx := context.Background()

	r.Start(ctx)
	require.Eventually(t, func() bool { return r.State().ErrorCount >= 1 }, 2*time.Second, 5*time.Millisecond)
	rem.setErrors(nil, nil)

	require.Eventually(t, func() bool {
		doc, _ := s.FindOne(ctx, "animals", "A1")
		return doc != nil && r.State().Healthy()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPushKeepsPendingPullRetry(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	rem.setErrors(&remote.RemoteError{Status: 503, Message: "unavailable"}, nil)
	r := newTestReplicator(t, s, rem, func(c *Config) { c.RetryTime = 300 * time.Millisecond })
	ctx := context.Background()

	r.Start(ctx)
	require.Eventually(t, func() bool { return r.State().ErrorCount >= 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := s.Insert(ctx, "animals", schema.Document{"registration": "L1", "species": "ovine"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rem.row("animals", "L1") != nil }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return r.State().Phase == PhaseError }, time.Second, 5*time.Millisecond,
		"a successful push must not report idle while a pull is owed")

	rem.setErrors(nil, nil)
	rem.seed("animals", wireAnimal("R1", "2024-01-01T00:00:01.000Z"))
	require.Eventually(t, func() bool {
		doc, _ := s.FindOne(ctx, "animals", "R1")
		return doc != nil && r.State().Healthy()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStopDiscardsInFlightPull(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	rem.seed("animals", wireAnimal("A1", "2024-01-01T00:00:01.000Z"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rem.onPull = func() {
		once.Do(func() { close(entered) })
		<-release
	}
	r := newTestReplicator(t, s, rem, nil)
	ctx := context.Background()

	r.Start(ctx)
	<-entered

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	require.Eventually(t, r.stopped.Load, time.Second, time.Millisecond)
	close(release)
	<-stopped

	doc, err := s.FindOne(ctx, "animals", "A1")
	require.NoError(t, err)
	assert.Nil(t, doc, "pull result applied after Stop")
	cp, _ := s.Checkpoint(ctx, "animals-v1")
	assert.True(t, cp.IsZero())
	assert.Zero(t, r.State().ErrorCount, "Stop is not a failure")
}

func TestErrorStreamDropsOldest(t *testing.T) {
	s := newTestStore(t)
	rem := newFakeRemote()
	rem.setErrors(&remote.RemoteError{Status: 500}, nil)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &testClock{t: base}
	r := newTestReplicator(t, s, rem, func(c *Config) { c.Now = clock.Now })
	ctx := context.Background()

	// Each failed pull reads the clock once, so attempt n is stamped base+n.
	for i := 0; i < errorBuffer+3; i++ {
		r.RunOnce(ctx)
	}
	assert.Len(t, r.Errors(), errorBuffer)
	first := <-r.Errors()
	assert.Equal(t, base.Add(4*time.Second), first.At, "the three oldest errors were dropped")
}
