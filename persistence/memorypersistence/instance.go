package memorypersistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
)

// LoadInstance loads a process instance.
func (ds *dataStore) LoadInstance(
	_ context.Context,
	id uuid.UUID,
) (process.Instance, bool, error) {
	if err := ds.checkOpen(); err != nil {
		return process.Instance{}, false, err
	}

	ds.db.RLock()
	defer ds.db.RUnlock()

	if inst, ok := ds.db.instances[id]; ok {
		return inst.Clone(), true, nil
	}

	return process.Instance{}, false, nil
}

// LoadDueInstanceIDs returns the IDs of up to n running instances with a
// timer or race deadline at or before the given time.
func (ds *dataStore) LoadDueInstanceIDs(
	_ context.Context,
	t time.Time,
	n int,
) ([]uuid.UUID, error) {
	if err := ds.checkOpen(); err != nil {
		return nil, err
	}

	ds.db.RLock()
	defer ds.db.RUnlock()

	var ids []uuid.UUID

	for id, inst := range ds.db.instances {
		if len(ids) == n {
			break
		}

		if inst.State != process.StateRunning {
			continue
		}

		if dl := inst.NextDeadline(); !dl.IsZero() && !dl.After(t) {
			ids = append(ids, id)
		}
	}

	return ids, nil
}

// VisitSaveInstance returns an error if a "SaveInstance" operation can not be
// applied to the database.
func (v *validator) VisitSaveInstance(
	_ context.Context,
	op persistence.SaveInstance,
) error {
	if op.Instance.Revision == v.db.instances[op.Instance.ID].Revision {
		return nil
	}

	return persistence.ConflictError{
		Cause: op,
	}
}

// VisitSaveInstance applies the changes in a "SaveInstance" operation to the
// database.
func (c *committer) VisitSaveInstance(
	_ context.Context,
	op persistence.SaveInstance,
) error {
	inst := op.Instance.Clone()
	inst.Revision++
	c.db.instances[inst.ID] = inst

	return nil
}
