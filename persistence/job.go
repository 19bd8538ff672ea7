package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/obflow/obflow/process"
)

// JobRepository is an interface for reading jobs on the work queue.
type JobRepository interface {
	// LoadJob loads the job with the given key.
	//
	// ok is false if no such job exists.
	LoadJob(ctx context.Context, key string) (_ process.Job, ok bool, _ error)

	// LoadActivatableJobs loads up to n jobs of the given task type that are
	// due and not currently leased, in enqueue order (oldest first).
	LoadActivatableJobs(
		ctx context.Context,
		taskType string,
		now time.Time,
		n int,
	) ([]process.Job, error)

	// LoadJobsByInstance loads all jobs belonging to a process instance, in
	// enqueue order.
	LoadJobsByInstance(ctx context.Context, id uuid.UUID) ([]process.Job, error)
}
