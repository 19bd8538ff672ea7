package memorypersistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/persistence"
)

// ReadEvents returns events for the given instance with sequence numbers in
// the half-open range [fromSeq, fromSeq+n).
func (ds *dataStore) ReadEvents(
	_ context.Context,
	id uuid.UUID,
	fromSeq uint64,
	n int,
) ([]eventlog.Recorded, error) {
	if err := ds.checkOpen(); err != nil {
		return nil, err
	}

	ds.db.RLock()
	defer ds.db.RUnlock()

	log := ds.db.events[id]
	if fromSeq >= uint64(len(log)) {
		return nil, nil
	}

	events := log[fromSeq:]
	if len(events) > n {
		events = events[:n]
	}

	return append([]eventlog.Recorded(nil), events...), nil
}

// NextEventSeq returns the sequence number that will be assigned to the next
// event appended to the given instance's log.
func (ds *dataStore) NextEventSeq(
	_ context.Context,
	id uuid.UUID,
) (uint64, error) {
	if err := ds.checkOpen(); err != nil {
		return 0, err
	}

	ds.db.RLock()
	defer ds.db.RUnlock()

	return uint64(len(ds.db.events[id])), nil
}

// VisitSaveEvent returns an error if a "SaveEvent" operation can not be
// applied to the database.
//
// The log is append-only, so an event can always be appended.
func (v *validator) VisitSaveEvent(
	_ context.Context,
	_ persistence.SaveEvent,
) error {
	return nil
}

// VisitSaveEvent applies the changes in a "SaveEvent" operation to the
// database, assigning the event's sequence number.
func (c *committer) VisitSaveEvent(
	_ context.Context,
	op persistence.SaveEvent,
) error {
	rec := eventlog.Recorded{
		InstanceID: op.InstanceID,
		Seq:        uint64(len(c.db.events[op.InstanceID])),
		RecordedAt: op.RecordedAt,
		Event:      op.Event,
	}

	c.db.events[op.InstanceID] = append(c.db.events[op.InstanceID], rec)
	c.result.Events = append(c.result.Events, rec)

	return nil
}
