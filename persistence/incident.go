package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/obflow/obflow/process"
)

// IncidentRepository is an interface for reading incidents.
type IncidentRepository interface {
	// LoadIncident loads the incident with the given ID.
	//
	// ok is false if no such incident exists.
	LoadIncident(ctx context.Context, id uuid.UUID) (_ process.Incident, ok bool, _ error)

	// LoadOpenIncidents loads the unresolved incidents of a process instance,
	// in creation order.
	LoadOpenIncidents(ctx context.Context, instanceID uuid.UUID) ([]process.Incident, error)
}
