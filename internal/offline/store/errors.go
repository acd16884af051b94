package store

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaMismatch is returned by Open when the on-disk schema cannot be
	// reconciled with the migrations this build knows about and destructive
	// reset was not allowed.
	ErrSchemaMismatch = errors.New("local schema version mismatch")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// SchemaMismatchError carries the details of a schema mismatch.
// It matches ErrSchemaMismatch with errors.Is.
type SchemaMismatchError struct {
	OnDisk int
	Want   int
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("%v: on disk v%d, want v%d: %s", ErrSchemaMismatch, e.OnDisk, e.Want, e.Reason)
}

// Is reports whether target is ErrSchemaMismatch.
func (e *SchemaMismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

// IsSchemaMismatch reports whether err is a schema mismatch.
func IsSchemaMismatch(err error) bool {
	return errors.Is(err, ErrSchemaMismatch)
}
