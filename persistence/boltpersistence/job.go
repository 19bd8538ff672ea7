package boltpersistence

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/obflow/obflow/internal/x/bboltx"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
)

// jobBucketKey is the key for the root bucket for the work queue.
//
// The keys are job keys. The values are jobRecord values marshaled as JSON.
var jobBucketKey = []byte("job")

// LoadJob loads the job with the given key.
func (ds *dataStore) LoadJob(
	_ context.Context,
	key string,
) (_ process.Job, ok bool, err error) {
	defer bboltx.Recover(&err)

	var j process.Job

	verr := ds.view(
		func(root *bbolt.Bucket) {
			b, found := bboltx.TryBucket(root, jobBucketKey)
			if !found {
				return
			}

			data := b.Get([]byte(key))
			if data == nil {
				return
			}

			j = unmarshalJob(data)
			ok = true
		},
	)
	if verr != nil {
		return process.Job{}, false, verr
	}

	return j, ok, nil
}

// LoadActivatableJobs loads up to n jobs of the given task type that are due
// and not currently leased, oldest first.
func (ds *dataStore) LoadActivatableJobs(
	_ context.Context,
	taskType string,
	now time.Time,
	n int,
) (_ []process.Job, err error) {
	defer bboltx.Recover(&err)

	var jobs []process.Job

	verr := ds.view(
		func(root *bbolt.Bucket) {
			scanJobs(root, func(j process.Job) {
				if j.TaskType != taskType {
					return
				}
				if j.IsLeased(now) {
					return
				}
				if j.NextAttemptAt.After(now) {
					return
				}
				jobs = append(jobs, j)
			})
		},
	)
	if verr != nil {
		return nil, verr
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
) (_ []process.Job, err error) {
	defer bboltx.Recover(&err)

	var jobs []process.Job

	verr := ds.view(
		func(root *bbolt.Bucket) {
			scanJobs(root, func(j process.Job) {
				if j.InstanceID == id {
					jobs = append(jobs, j)
				}
			})
		},
	)
	if verr != nil {
		return nil, verr
	}

	sortJobs(jobs)

	return jobs, nil
}

func scanJobs(root *bbolt.Bucket, fn func(process.Job)) {
	b, ok := bboltx.TryBucket(root, jobBucketKey)
	if !ok {
		return
	}

	bboltx.Must(b.ForEach(func(_, data []byte) error {
		fn(unmarshalJob(data))
		return nil
	}))
}

func unmarshalJob(data []byte) process.Job {
	var rec jobRecord
	unmarshalJSON(data, &rec)

	j := rec.Job
	j.Revision = rec.Revision

	return j
}

func sortJobs(jobs []process.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].EnqueuedAt.Equal(jobs[b].EnqueuedAt) {
			return jobs[a].Key < jobs[b].Key
		}
		return jobs[a].EnqueuedAt.Before(jobs[b].EnqueuedAt)
	})
}

// VisitSaveJob applies the changes in a "SaveJob" operation to the database.
func (c *committer) VisitSaveJob(
	_ context.Context,
	op persistence.SaveJob,
) error {
	b := bboltx.CreateBucketIfNotExists(c.root, jobBucketKey)

	var rev uint64
	if data := b.Get([]byte(op.Job.Key)); data != nil {
		var rec jobRecord
		unmarshalJSON(data, &rec)
		rev = rec.Revision
	}

	if op.Job.Revision != rev {
		return persistence.ConflictError{
			Cause: op,
		}
	}

	bboltx.Put(
		b,
		[]byte(op.Job.Key),
		marshalJSON(jobRecord{
			Revision: rev + 1,
			Job:      op.Job,
		}),
	)

	return nil
}

// VisitRemoveJob applies the changes in a "RemoveJob" operation to the
// database.
func (c *committer) VisitRemoveJob(
	_ context.Context,
	op persistence.RemoveJob,
) error {
	b := bboltx.CreateBucketIfNotExists(c.root, jobBucketKey)

	data := b.Get([]byte(op.Job.Key))
	if data == nil {
		return persistence.NotFoundError{
			Cause: op,
		}
	}

	var rec jobRecord
	unmarshalJSON(data, &rec)

	if op.Job.Revision != rec.Revision {
		return persistence.ConflictError{
			Cause: op,
		}
	}

	bboltx.Delete(b, []byte(op.Job.Key))

	return nil
}
