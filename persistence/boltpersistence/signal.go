package boltpersistence

import (
	"context"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/obflow/obflow/internal/x/bboltx"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
)

var (
	// memoBucketKey is the key for the root bucket for signal memos.
	//
	// The keys are instance IDs in binary form. The values are buckets that
	// map message IDs to process.SignalMemo values marshaled as JSON.
	memoBucketKey = []byte("memo")

	// signalBucketKey is the key for the root bucket for buffered signals.
	//
	// The keys are instance IDs in binary form. The values are buckets that
	// map big-endian arrival sequence numbers to process.BufferedSignal
	// values marshaled as JSON.
	signalBucketKey = []byte("signal")
)

// LoadSignalMemo loads the memo for a previously processed message ID.
func (ds *dataStore) LoadSignalMemo(
	_ context.Context,
	instanceID uuid.UUID,
	msgID string,
) (_ process.SignalMemo, ok bool, err error) {
	defer bboltx.Recover(&err)

	var memo process.SignalMemo

	verr := ds.view(
		func(root *bbolt.Bucket) {
			b, found := bboltx.TryBucket(root, memoBucketKey, instanceID[:])
			if !found {
				return
			}

			data := b.Get([]byte(msgID))
			if data == nil {
				return
			}

			unmarshalJSON(data, &memo)
			ok = true
		},
	)
	if verr != nil {
		return process.SignalMemo{}, false, verr
	}

	return memo, ok, nil
}

// LoadBufferedSignals loads an instance's retained signals in arrival order.
func (ds *dataStore) LoadBufferedSignals(
	_ context.Context,
	instanceID uuid.UUID,
) (_ []process.BufferedSignal, err error) {
	defer bboltx.Recover(&err)

	var signals []process.BufferedSignal

	verr := ds.view(
		func(root *bbolt.Bucket) {
			b, found := bboltx.TryBucket(root, signalBucketKey, instanceID[:])
			if !found {
				return
			}

			bboltx.Must(b.ForEach(func(_, data []byte) error {
				var s process.BufferedSignal
				unmarshalJSON(data, &s)
				signals = append(signals, s)
				return nil
			}))
		},
	)
	if verr != nil {
		return nil, verr
	}

	return signals, nil
}

// VisitSaveSignalMemo applies the changes in a "SaveSignalMemo" operation to
// the database.
func (c *committer) VisitSaveSignalMemo(
	_ context.Context,
	op persistence.SaveSignalMemo,
) error {
	b := bboltx.CreateBucketIfNotExists(
		c.root,
		memoBucketKey,
		op.Memo.InstanceID[:],
	)

	bboltx.Put(
		b,
		[]byte(op.Memo.MsgID),
		marshalJSON(op.Memo),
	)

	return nil
}

// VisitSaveBufferedSignal applies the changes in a "SaveBufferedSignal"
// operation to the database, assigning the signal's arrival sequence.
func (c *committer) VisitSaveBufferedSignal(
	_ context.Context,
	op persistence.SaveBufferedSignal,
) error {
	b := bboltx.CreateBucketIfNotExists(
		c.root,
		signalBucketKey,
		op.Signal.InstanceID[:],
	)

	s := op.Signal

	if k, _ := b.Cursor().Last(); k != nil {
		s.Seq = unmarshalUint64(k) + 1
	} else {
		s.Seq = 0
	}

	bboltx.Put(
		b,
		marshalUint64(s.Seq),
		marshalJSON(s),
	)

	return nil
}

// VisitRemoveBufferedSignal applies the changes in a "RemoveBufferedSignal"
// operation to the database.
func (c *committer) VisitRemoveBufferedSignal(
	_ context.Context,
	op persistence.RemoveBufferedSignal,
) error {
	b, found := bboltx.TryBucket(
		c.root,
		signalBucketKey,
		op.Signal.InstanceID[:],
	)
	if !found {
		return persistence.NotFoundError{
			Cause: op,
		}
	}

	cur := b.Cursor()
	for k, data := cur.First(); k != nil; k, data = cur.Next() {
		var s process.BufferedSignal
		unmarshalJSON(data, &s)

		if s.MsgID == op.Signal.MsgID {
			bboltx.Delete(b, k)
			return nil
		}
	}

	return persistence.NotFoundError{
		Cause: op,
	}
}
