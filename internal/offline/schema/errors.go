package schema

import "errors"

// Errors shared by the store, queue and repository layers.
//
// Check them with errors.Is:
//
//	if errors.Is(err, schema.ErrNotFound) {
//	    // record does not exist locally or remotely
//	}
var (
	// ErrNotFound is returned when a record or queue entry does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRecord is returned when a record fails validation.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrUnknownStore is returned for a store name outside AllStores.
	ErrUnknownStore = errors.New("unknown store")
)

// IsNotFound reports whether err means the record is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
