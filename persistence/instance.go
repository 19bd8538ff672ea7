package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/obflow/obflow/process"
)

// InstanceRepository is an interface for reading process instance state.
type InstanceRepository interface {
	// LoadInstance loads a process instance.
	//
	// ok is false if no such instance exists.
	LoadInstance(ctx context.Context, id uuid.UUID) (_ process.Instance, ok bool, _ error)

	// LoadDueInstanceIDs returns the IDs of up to n running instances with a
	// timer or race deadline at or before the given time.
	LoadDueInstanceIDs(ctx context.Context, t time.Time, n int) ([]uuid.UUID, error)
}
