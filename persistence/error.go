package persistence

import (
	"errors"
	"fmt"
)

// ErrDataStoreClosed is returned when performing any persistence operation on
// a closed data-store.
var ErrDataStoreClosed = errors.New("data store is closed")

// ErrDataStoreLocked is returned by Provider.Open() if the data-store is in
// use by another engine instance.
var ErrDataStoreLocked = errors.New("data store is locked")

// ConflictError is an error indicating one or more operations within a batch
// caused an optimistic concurrency conflict.
type ConflictError struct {
	// Cause is the operation that caused the conflict.
	Cause Operation
}

func (e ConflictError) Error() string {
	return fmt.Sprintf(
		"optimistic concurrency conflict in %T operation",
		e.Cause,
	)
}

// NotFoundError is an error indicating an operation within a batch referred
// to an entity that does not exist.
type NotFoundError struct {
	// Cause is the operation that caused the error.
	Cause Operation
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf(
		"record not found in %T operation",
		e.Cause,
	)
}
