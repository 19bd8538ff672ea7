package boltpersistence

import (
	"context"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/internal/x/bboltx"
	"github.com/obflow/obflow/persistence"
)

// eventBucketKey is the key for the root bucket for event logs.
//
// The keys are instance IDs in binary form. The values are buckets that map
// big-endian sequence numbers to eventlog.Recorded values marshaled as JSON.
var eventBucketKey = []byte("event")

// ReadEvents returns events for the given instance with sequence numbers in
// the half-open range [fromSeq, fromSeq+n).
func (ds *dataStore) ReadEvents(
	_ context.Context,
	id uuid.UUID,
	fromSeq uint64,
	n int,
) (_ []eventlog.Recorded, err error) {
	defer bboltx.Recover(&err)

	var events []eventlog.Recorded

	verr := ds.view(
		func(root *bbolt.Bucket) {
			b, found := bboltx.TryBucket(root, eventBucketKey, id[:])
			if !found {
				return
			}

			cur := b.Cursor()
			k, v := cur.Seek(marshalUint64(fromSeq))

			for k != nil && len(events) < n {
				var rec eventlog.Recorded
				unmarshalJSON(v, &rec)
				events = append(events, rec)

				k, v = cur.Next()
			}
		},
	)
	if verr != nil {
		return nil, verr
	}

	return events, nil
}

// NextEventSeq returns the sequence number that will be assigned to the next
// event appended to the given instance's log.
func (ds *dataStore) NextEventSeq(
	_ context.Context,
	id uuid.UUID,
) (_ uint64, err error) {
	defer bboltx.Recover(&err)

	var next uint64

	verr := ds.view(
		func(root *bbolt.Bucket) {
			if b, found := bboltx.TryBucket(root, eventBucketKey, id[:]); found {
				next = nextEventSeq(b)
			}
		},
	)
	if verr != nil {
		return 0, verr
	}

	return next, nil
}

func nextEventSeq(b *bbolt.Bucket) uint64 {
	k, _ := b.Cursor().Last()
	if k == nil {
		return 0
	}

	return unmarshalUint64(k) + 1
}

// VisitSaveEvent applies the changes in a "SaveEvent" operation to the
// database, assigning the event's sequence number.
func (c *committer) VisitSaveEvent(
	_ context.Context,
	op persistence.SaveEvent,
) error {
	b := bboltx.CreateBucketIfNotExists(
		c.root,
		eventBucketKey,
		op.InstanceID[:],
	)

	rec := eventlog.Recorded{
		InstanceID: op.InstanceID,
		Seq:        nextEventSeq(b),
		RecordedAt: op.RecordedAt,
		Event:      op.Event,
	}

	bboltx.Put(
		b,
		marshalUint64(rec.Seq),
		marshalJSON(rec),
	)

	c.result.Events = append(c.result.Events, rec)

	return nil
}
