package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/marcus/herd/internal/bootstrap"
	"github.com/marcus/herd/internal/output"
	"github.com/marcus/herd/internal/remote"
	"github.com/marcus/herd/internal/schema"
	"github.com/marcus/herd/internal/store"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("get: %w", store.ErrNotFound), output.ErrCodeNotFound},
		{store.ErrConflict, output.ErrCodeConflict},
		{&bootstrap.FatalError{Op: "open store", Err: store.ErrLocked}, output.ErrCodeStoreLocked},
		{fmt.Errorf("sync: %w", remote.ErrAuthRequired), output.ErrCodeAuthRequired},
		{remote.ErrUnauthorized, output.ErrCodeAuthRequired},
		{&schema.ValidationError{Collection: "animals", Reason: "bad"}, output.ErrCodeInvalidInput},
		{store.ErrUnknownCollection, output.ErrCodeInvalidInput},
		{store.ErrInvalidQuery, output.ErrCodeInvalidInput},
		{&remote.RemoteError{Status: 500}, output.ErrCodeRemoteError},
		{&bootstrap.FatalError{Op: "load registry", Err: errors.New("x")}, output.ErrCodeStartupFailed},
		{errors.New("disk full"), output.ErrCodeStoreError},
	}
	for _, tc := range tests {
		if got := errorCode(tc.err); got != tc.want {
			t.Errorf("errorCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestFailMarksReported(t *testing.T) {
	old := output.Stdout
	output.Stdout = &discard{}
	defer func() { output.Stdout = old }()

	if fail(false, nil) != nil {
		t.Error("fail(nil) should be nil")
	}
	err := fail(true, store.ErrNotFound)
	if !isReported(err) || !errors.Is(err, store.ErrNotFound) {
		t.Errorf("fail = %v", err)
	}
	if isReported(errors.New("plain")) {
		t.Error("plain errors are not reported")
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
