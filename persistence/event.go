package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/obflow/obflow/eventlog"
)

// EventRepository is an interface for reading an instance's event log.
//
// It satisfies eventlog.Reader.
type EventRepository interface {
	// ReadEvents returns events for the given instance with sequence numbers
	// in the half-open range [fromSeq, fromSeq+n). It returns fewer than n
	// events only when the log does not (yet) contain them.
	ReadEvents(ctx context.Context, id uuid.UUID, fromSeq uint64, n int) ([]eventlog.Recorded, error)

	// NextEventSeq returns the sequence number that will be assigned to the
	// next event appended to the given instance's log.
	NextEventSeq(ctx context.Context, id uuid.UUID) (uint64, error)
}
