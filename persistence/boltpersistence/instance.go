package boltpersistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/obflow/obflow/internal/x/bboltx"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
)

// instanceBucketKey is the key for the root bucket for process instances.
//
// The keys are instance IDs in binary form. The values are instanceRecord
// values marshaled as JSON.
var instanceBucketKey = []byte("instance")

// errStopIteration terminates a bucket scan early. It is never surfaced.
var errStopIteration = errors.New("stop iteration")

// LoadInstance loads a process instance.
func (ds *dataStore) LoadInstance(
	_ context.Context,
	id uuid.UUID,
) (_ process.Instance, ok bool, err error) {
	defer bboltx.Recover(&err)

	var inst process.Instance

	verr := ds.view(
		func(root *bbolt.Bucket) {
			b, found := bboltx.TryBucket(root, instanceBucketKey)
			if !found {
				return
			}

			data := b.Get(id[:])
			if data == nil {
				return
			}

			var rec instanceRecord
			unmarshalJSON(data, &rec)

			inst = rec.Instance
			inst.Revision = rec.Revision
			ok = true
		},
	)
	if verr != nil {
		return process.Instance{}, false, verr
	}

	return inst, ok, nil
}

// LoadDueInstanceIDs returns the IDs of up to n running instances with a
// timer or race deadline at or before the given time.
func (ds *dataStore) LoadDueInstanceIDs(
	_ context.Context,
	t time.Time,
	n int,
) (_ []uuid.UUID, err error) {
	defer bboltx.Recover(&err)

	var ids []uuid.UUID

	verr := ds.view(
		func(root *bbolt.Bucket) {
			b, found := bboltx.TryBucket(root, instanceBucketKey)
			if !found {
				return
			}

			_ = b.ForEach(func(_, data []byte) error {
				if len(ids) == n {
					return errStopIteration
				}

				var rec instanceRecord
				unmarshalJSON(data, &rec)

				if rec.Instance.State != process.StateRunning {
					return nil
				}

				if dl := rec.Instance.NextDeadline(); !dl.IsZero() && !dl.After(t) {
					ids = append(ids, rec.Instance.ID)
				}

				return nil
			})
		},
	)
	if verr != nil {
		return nil, verr
	}

	return ids, nil
}

// VisitSaveInstance applies the changes in a "SaveInstance" operation to the
// database.
func (c *committer) VisitSaveInstance(
	_ context.Context,
	op persistence.SaveInstance,
) error {
	b := bboltx.CreateBucketIfNotExists(c.root, instanceBucketKey)

	var rev uint64
	if data := b.Get(op.Instance.ID[:]); data != nil {
		var rec instanceRecord
		unmarshalJSON(data, &rec)
		rev = rec.Revision
	}

	if op.Instance.Revision != rev {
		return persistence.ConflictError{
			Cause: op,
		}
	}

	bboltx.Put(
		b,
		op.Instance.ID[:],
		marshalJSON(instanceRecord{
			Revision: rev + 1,
			Instance: op.Instance,
		}),
	)

	return nil
}
