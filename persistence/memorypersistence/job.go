package memorypersistence

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
)

// LoadJob loads the job with the given key.
func (ds *dataStore) LoadJob(
	_ context.Context,
	key string,
) (process.Job, bool, error) {
	if err := ds.checkOpen(); err != nil {
		return process.Job{}, false, err
	}

	ds.db.RLock()
	defer ds.db.RUnlock()

	if j, ok := ds.db.jobs[key]; ok {
		return j.Clone(), true, nil
	}

	return process.Job{}, false, nil
}

// LoadActivatableJobs loads up to n jobs of the given task type that are due
// and not currently leased, oldest first.
func (ds *dataStore) LoadActivatableJobs(
	_ context.Context,
	taskType string,
	now time.Time,
	n int,
) ([]process.Job, error) {
	if err := ds.checkOpen(); err != nil {
		return nil, err
	}

	ds.db.RLock()
	defer ds.db.RUnlock()

	var jobs []process.Job
	for _, j := range ds.db.jobs {
		if j.TaskType != taskType {
			continue
		}
		if j.IsLeased(now) {
			continue
		}
		if j.NextAttemptAt.After(now) {
			continue
		}
		jobs = append(jobs, j.Clone())
	}

	sortJobs(jobs)

	if len(jobs) > n {
		jobs = jobs[:n]
	}

	return jobs, nil
}

// LoadJobsByInstance loads all jobs belonging to a process instance, oldest
// first.
func (ds *dataStore) LoadJobsByInstance(
	_ context.Context,
	id uuid.UUID,
) ([]process.Job, error) {
	if err := ds.checkOpen(); err != nil {
		return nil, err
	}

	ds.db.RLock()
	defer ds.db.RUnlock()

	var jobs []process.Job
	for _, j := range ds.db.jobs {
		if j.InstanceID == id {
			jobs = append(jobs, j.Clone())
		}
	}

	sortJobs(jobs)

	return jobs, nil
}

func sortJobs(jobs []process.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].EnqueuedAt.Equal(jobs[b].EnqueuedAt) {
			return jobs[a].Key < jobs[b].Key
		}
		return jobs[a].EnqueuedAt.Before(jobs[b].EnqueuedAt)
	})
}

// VisitSaveJob returns an error if a "SaveJob" operation can not be applied
// to the database.
func (v *validator) VisitSaveJob(
	_ context.Context,
	op persistence.SaveJob,
) error {
	if op.Job.Revision == v.db.jobs[op.Job.Key].Revision {
		return nil
	}

	return persistence.ConflictError{
		Cause: op,
	}
}

// VisitRemoveJob returns an error if a "RemoveJob" operation can not be
// applied to the database.
func (v *validator) VisitRemoveJob(
	_ context.Context,
	op persistence.RemoveJob,
) error {
	if j, ok := v.db.jobs[op.Job.Key]; ok {
		if op.Job.Revision == j.Revision {
			return nil
		}

		return persistence.ConflictError{
			Cause: op,
		}
	}

	return persistence.NotFoundError{
		Cause: op,
	}
}

// VisitSaveJob applies the changes in a "SaveJob" operation to the database.
func (c *committer) VisitSaveJob(
	_ context.Context,
	op persistence.SaveJob,
) error {
	j := op.Job.Clone()
	j.Revision++
	c.db.jobs[j.Key] = j

	return nil
}

// VisitRemoveJob applies the changes in a "RemoveJob" operation to the
// database.
func (c *committer) VisitRemoveJob(
	_ context.Context,
	op persistence.RemoveJob,
) error {
	delete(c.db.jobs, op.Job.Key)
	return nil
}
