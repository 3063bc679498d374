package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Patch and Remove when the target is
	// absent or already tombstoned.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned by Insert when the primary key exists.
	ErrConflict = errors.New("document already exists")
	// ErrUnknownCollection is returned for names missing from the registry.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store closed")
	// ErrLocked is returned by Open when another handle owns the store file.
	ErrLocked = errors.New("store locked by another instance")
	// ErrCheckpointRegression is returned when a checkpoint would move back.
	ErrCheckpointRegression = errors.New("checkpoint cannot move backwards")
	// ErrInvalidQuery is returned by Find for malformed selectors.
	ErrInvalidQuery = errors.New("invalid query")
)

// SchemaConflictError means the persisted store cannot be used with the
// current registry. The only recovery is destroying and recreating it.
type SchemaConflictError struct {
	Store      string
	Collection string
	Reason     string
	Err        error
}

func (e *SchemaConflictError) Error() string {
	msg := fmt.Sprintf("schema conflict in store %s", e.Store)
	if e.Collection != "" {
		msg += fmt.Sprintf(" (collection %s)", e.Collection)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchemaConflictError) Unwrap() error { return e.Err }

// IsSchemaConflict reports whether err carries a SchemaConflictError.
func IsSchemaConflict(err error) bool {
	var sc *SchemaConflictError
	return errors.As(err, &sc)
}

// corruptionSignatures are sqlite error texts that mean the file itself is
// unusable rather than a transient failure.
var corruptionSignatures = []string{
	"file is not a database",
	"database disk image is malformed",
	"malformed database schema",
}

func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range corruptionSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
