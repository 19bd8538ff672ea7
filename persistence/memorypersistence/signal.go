package memorypersistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
)

// LoadSignalMemo loads the memo for a previously processed message ID.
func (ds *dataStore) LoadSignalMemo(
	_ context.Context,
	instanceID uuid.UUID,
	msgID string,
) (process.SignalMemo, bool, error) {
	if err := ds.checkOpen(); err != nil {
		return process.SignalMemo{}, false, err
	}

	ds.db.RLock()
	defer ds.db.RUnlock()

	memo, ok := ds.db.memos[memoKey{instanceID, msgID}]
	return memo, ok, nil
}

// LoadBufferedSignals loads an instance's retained signals in arrival order.
func (ds *dataStore) LoadBufferedSignals(
	_ context.Context,
	instanceID uuid.UUID,
) ([]process.BufferedSignal, error) {
	if err := ds.checkOpen(); err != nil {
		return nil, err
	}

	ds.db.RLock()
	defer ds.db.RUnlock()

	return append([]process.BufferedSignal(nil), ds.db.buffered[instanceID]...), nil
}

// VisitSaveSignalMemo returns an error if a "SaveSignalMemo" operation can
// not be applied to the database.
func (v *validator) VisitSaveSignalMemo(
	_ context.Context,
	_ persistence.SaveSignalMemo,
) error {
	return nil
}

// VisitSaveBufferedSignal returns an error if a "SaveBufferedSignal"
// operation can not be applied to the database.
func (v *validator) VisitSaveBufferedSignal(
	_ context.Context,
	_ persistence.SaveBufferedSignal,
) error {
	return nil
}

// VisitRemoveBufferedSignal returns an error if a "RemoveBufferedSignal"
// operation can not be applied to the database.
func (v *validator) VisitRemoveBufferedSignal(
	_ context.Context,
	op persistence.RemoveBufferedSignal,
) error {
	for _, s := range v.db.buffered[op.Signal.InstanceID] {
		if s.MsgID == op.Signal.MsgID {
			return nil
		}
	}

	return persistence.NotFoundError{
		Cause: op,
	}
}

// VisitSaveSignalMemo applies the changes in a "SaveSignalMemo" operation to
// the database.
func (c *committer) VisitSaveSignalMemo(
	_ context.Context,
	op persistence.SaveSignalMemo,
) error {
	m := op.Memo
	c.db.memos[memoKey{m.InstanceID, m.MsgID}] = m

	return nil
}

// VisitSaveBufferedSignal applies the changes in a "SaveBufferedSignal"
// operation to the database.
func (c *committer) VisitSaveBufferedSignal(
	_ context.Context,
	op persistence.SaveBufferedSignal,
) error {
	s := op.Signal
	s.Seq = uint64(len(c.db.buffered[s.InstanceID]))
	c.db.buffered[s.InstanceID] = append(c.db.buffered[s.InstanceID], s)

	return nil
}

// VisitRemoveBufferedSignal applies the changes in a "RemoveBufferedSignal"
// operation to the database.
func (c *committer) VisitRemoveBufferedSignal(
	_ context.Context,
	op persistence.RemoveBufferedSignal,
) error {
	signals := c.db.buffered[op.Signal.InstanceID]

	for i, s := range signals {
		if s.MsgID == op.Signal.MsgID {
			c.db.buffered[op.Signal.InstanceID] = append(
				signals[:i:i],
				signals[i+1:]...,
			)
			break
		}
	}

	return nil
}
