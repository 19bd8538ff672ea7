package boltpersistence

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/obflow/obflow/internal/x/bboltx"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
)

// incidentBucketKey is the key for the root bucket for incidents.
//
// The keys are incident IDs in binary form. The values are process.Incident
// values marshaled as JSON.
var incidentBucketKey = []byte("incident")

// LoadIncident loads the incident with the given ID.
func (ds *dataStore) LoadIncident(
	_ context.Context,
	id uuid.UUID,
) (_ process.Incident, ok bool, err error) {
	defer bboltx.Recover(&err)

	var inc process.Incident

	verr := ds.view(
		func(root *bbolt.Bucket) {
			b, found := bboltx.TryBucket(root, incidentBucketKey)
			if !found {
				return
			}

			data := b.Get(id[:])
			if data == nil {
				return
			}

			unmarshalJSON(data, &inc)
			ok = true
		},
	)
	if verr != nil {
		return process.Incident{}, false, verr
	}

	return inc, ok, nil
}

// LoadOpenIncidents loads the unresolved incidents of a process instance, in
// creation order.
func (ds *dataStore) LoadOpenIncidents(
	_ context.Context,
	instanceID uuid.UUID,
) (_ []process.Incident, err error) {
	defer bboltx.Recover(&err)

	var incidents []process.Incident

	verr := ds.view(
		func(root *bbolt.Bucket) {
			b, found := bboltx.TryBucket(root, incidentBucketKey)
			if !found {
				return
			}

			bboltx.Must(b.ForEach(func(_, data []byte) error {
				var inc process.Incident
				unmarshalJSON(data, &inc)

				if inc.InstanceID == instanceID && inc.IsOpen() {
					incidents = append(incidents, inc)
				}

				return nil
			}))
		},
	)
	if verr != nil {
		return nil, verr
	}

	sort.Slice(incidents, func(a, b int) bool {
		if incidents[a].CreatedAt.Equal(incidents[b].CreatedAt) {
			return incidents[a].ID.String() < incidents[b].ID.String()
		}
		return incidents[a].CreatedAt.Before(incidents[b].CreatedAt)
	})

	return incidents, nil
}

// VisitSaveIncident applies the changes in a "SaveIncident" operation to the
// database.
func (c *committer) VisitSaveIncident(
	_ context.Context,
	op persistence.SaveIncident,
) error {
	b := bboltx.CreateBucketIfNotExists(c.root, incidentBucketKey)

	bboltx.Put(
		b,
		op.Incident.ID[:],
		marshalJSON(op.Incident),
	)

	return nil
}
