package memorypersistence

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
)

// LoadIncident loads the incident with the given ID.
func (ds *dataStore) LoadIncident(
	_ context.Context,
	id uuid.UUID,
) (process.Incident, bool, error) {
	if err := ds.checkOpen(); err != nil {
		return process.Incident{}, false, err
	}

	ds.db.RLock()
	defer ds.db.RUnlock()

	inc, ok := ds.db.incidents[id]
	return inc, ok, nil
}

// LoadOpenIncidents loads the unresolved incidents of a process instance, in
// creation order.
func (ds *dataStore) LoadOpenIncidents(
	_ context.Context,
	instanceID uuid.UUID,
) ([]process.Incident, error) {
	if err := ds.checkOpen(); err != nil {
		return nil, err
	}

	ds.db.RLock()
	defer ds.db.RUnlock()

	var incidents []process.Incident
	for _, inc := range ds.db.incidents {
		if inc.InstanceID == instanceID && inc.IsOpen() {
			incidents = append(incidents, inc)
		}
	}

	sort.Slice(incidents, func(a, b int) bool {
		if incidents[a].CreatedAt.Equal(incidents[b].CreatedAt) {
			return incidents[a].ID.String() < incidents[b].ID.String()
		}
		return incidents[a].CreatedAt.Before(incidents[b].CreatedAt)
	})

	return incidents, nil
}

// VisitSaveIncident returns an error if a "SaveIncident" operation can not be
// applied to the database.
func (v *validator) VisitSaveIncident(
	_ context.Context,
	_ persistence.SaveIncident,
) error {
	return nil
}

// VisitSaveIncident applies the changes in a "SaveIncident" operation to the
// database.
func (c *committer) VisitSaveIncident(
	_ context.Context,
	op persistence.SaveIncident,
) error {
	c.db.incidents[op.Incident.ID] = op.Incident
	return nil
}
