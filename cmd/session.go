package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marcus/herd/internal/bootstrap"
	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/remote"
	"github.com/marcus/herd/internal/schema"
	"github.com/marcus/herd/internal/store"
	"github.com/marcus/herd/internal/suggest"
)

// reachTimeout bounds the reachability check made before replication starts.
const reachTimeout = 5 * time.Second

// reportedError marks an error already shown to the user.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func isReported(err error) bool {
	var re *reportedError
	return errors.As(err, &re)
}

// fail prints err in the requested format and returns it marked as
// reported.
func fail(jsonOut bool, err error) error {
	if err == nil {
		return nil
	}
	if jsonOut {
		output.JSONError(errorCode(err), err.Error())
	} else {
		output.Error("%v", err)
	}
	return &reportedError{err: err}
}

func errorCode(err error) string {
	var ve *schema.ValidationError
	var fe *bootstrap.FatalError
	var re *remote.RemoteError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return output.ErrCodeNotFound
	case errors.Is(err, store.ErrConflict):
		return output.ErrCodeConflict
	case errors.Is(err, store.ErrLocked):
		return output.ErrCodeStoreLocked
	case errors.Is(err, remote.ErrAuthRequired), errors.Is(err, remote.ErrUnauthorized):
		return output.ErrCodeAuthRequired
	case errors.As(err, &ve), errors.Is(err, store.ErrUnknownCollection), errors.Is(err, store.ErrInvalidQuery):
		return output.ErrCodeInvalidInput
	case errors.As(err, &re):
		return output.ErrCodeRemoteError
	case errors.As(err, &fe):
		return output.ErrCodeStartupFailed
	default:
		return output.ErrCodeStoreError
	}
}

// loadRegistry returns the configured collection registry.
func loadRegistry() (*schema.Registry, error) {
	if settings.CollectionsFile != "" {
		reg, err := schema.LoadFile(settings.CollectionsFile)
		if err != nil {
			return nil, fmt.Errorf("load collections: %w", err)
		}
		return reg, nil
	}
	return schema.Default()
}

// remoteConfig builds the replication settings, or nil when the remote is
// disabled.
func remoteConfig() *bootstrap.RemoteConfig {
	if settings.Offline || settings.RemoteURL == "" {
		return nil
	}
	return &bootstrap.RemoteConfig{
		URL:            settings.RemoteURL,
		APIKey:         settings.APIKey,
		Token:          remote.StaticToken(settings.AccessToken),
		Realtime:       settings.Realtime,
		RealtimeURL:    settings.RealtimeURL,
		Schema:         settings.Schema,
		PostgresDSN:    settings.PostgresDSN,
		PollInterval:   settings.PollInterval,
		ConflictPolicy: settings.ConflictPolicy,
		BatchSize:      settings.BatchSize,
		RetryTime:      settings.RetryTime,
	}
}

// sessionMode selects how much replication a command brings up.
type sessionMode int

const (
	// localOnly opens the store without replication.
	localOnly sessionMode = iota
	// oneShot builds replication for the caller to drive with RunOnce.
	oneShot
	// live runs background replication, realtime and connectivity probing.
	live
)

// newController creates a bootstrap controller for mode.
func newController(mode sessionMode) (*bootstrap.Controller, error) {
	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}
	opts := bootstrap.Options{
		Dir:      settings.DataDir,
		Registry: reg,
		Logger:   slog.Default().With("component", "bootstrap"),
	}
	if mode != localOnly {
		opts.Remote = remoteConfig()
		opts.Online = remoteReachable
		opts.OneShot = mode == oneShot
	}
	return bootstrap.New(opts), nil
}

// liveWhen returns live when on is set, localOnly otherwise.
func liveWhen(on bool) sessionMode {
	if on {
		return live
	}
	return localOnly
}

// remoteReachable reports whether the configured remote answers at all.
func remoteReachable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), reachTimeout)
	defer cancel()
	c := remote.New(settings.RemoteURL, settings.APIKey, remote.StaticToken(settings.AccessToken))
	if err := c.Reachable(ctx); err != nil {
		slog.Warn("remote unreachable, starting offline", "url", settings.RemoteURL, "err", err)
		return false
	}
	return true
}

// withStore opens the local store without replication and runs fn.
func withStore(ctx context.Context, fn func(*store.Store) error) error {
	ctrl, err := newController(localOnly)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	s, err := ctrl.Store(ctx)
	if err != nil {
		return err
	}
	return fn(s)
}

func unknownCollection(known []string, name string) error {
	if hint := suggest.Hint(name, known); hint != "" {
		return fmt.Errorf("%w: %s, %s", store.ErrUnknownCollection, name, hint)
	}
	return fmt.Errorf("%w: %s (known: %s)", store.ErrUnknownCollection, name, strings.Join(known, ", "))
}

// collectionSchema resolves a collection name against the registry.
func collectionSchema(s *store.Store, name string) (*schema.Schema, error) {
	e, ok := s.Registry().Lookup(name)
	if !ok {
		return nil, unknownCollection(s.Registry().Names(), name)
	}
	return e.Schema, nil
}
