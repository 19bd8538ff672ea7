package persistence

import (
	"context"

	"github.com/obflow/obflow/eventlog"
)

// Result is the result of a successfully persisted batch of operations.
type Result struct {
	// Events contains the events from SaveEvent operations, in batch order,
	// with their assigned sequence numbers.
	Events []eventlog.Recorded
}

// A Persister is an interface for committing batches of atomic operations to
// the data store.
type Persister interface {
	// Persist commits a batch of operations atomically.
	//
	// If any one of the operations causes an optimistic concurrency conflict
	// the entire batch is aborted and a ConflictError is returned.
	Persist(context.Context, Batch) (Result, error)
}
