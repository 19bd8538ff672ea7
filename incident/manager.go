// Package incident implements operator resolution of incidents.
//
// An incident isolates a failure to the fiber that raised it; sibling fibers
// of the same instance continue unaffected. Clearing one always requires an
// explicit external action.
package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/google/uuid"

	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
	"github.com/obflow/obflow/runtime"
)

// UnknownIncidentError is the error returned when an incident referenced by
// its ID does not exist.
type UnknownIncidentError struct {
	IncidentID uuid.UUID
}

func (e UnknownIncidentError) Error() string {
	return fmt.Sprintf("incident %s does not exist", e.IncidentID)
}

// ResolvedIncidentError is the error returned when an incident has already
// been resolved.
type ResolvedIncidentError struct {
	IncidentID uuid.UUID
	Resolution process.Resolution
}

func (e ResolvedIncidentError) Error() string {
	return fmt.Sprintf(
		"incident %s has already been resolved with %s",
		e.IncidentID, e.Resolution,
	)
}

// Manager applies incident resolutions to the blocked fibers.
type Manager struct {
	// DataStore is the persistence backend.
	DataStore persistence.DataStore

	// Now is the clock used to stamp resolutions.
	Now func() time.Time

	// Logger is the target for log messages about resolutions.
	Logger logging.Logger
}

// Resolve applies an operator resolution to an open incident.
//
// ResolutionRetry marks the blocked fiber running again without advancing it,
// so the next tick re-executes the failed instruction with a fresh retry
// budget. ResolutionCancelFiber discards the blocked fiber only; when it was
// the last one the instance is cancelled.
//
// Resolving an incident of a failed instance revives it; this is the one
// exception to the monotonic lifecycle.
func (m *Manager) Resolve(
	ctx context.Context,
	incidentID uuid.UUID,
	r process.Resolution,
) error {
	switch r {
	case process.ResolutionRetry, process.ResolutionCancelFiber:
	default:
		return fmt.Errorf("invalid incident resolution %q", r)
	}

	inc, ok, err := m.DataStore.LoadIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if !ok {
		return UnknownIncidentError{IncidentID: incidentID}
	}

	if !inc.IsOpen() {
		return ResolvedIncidentError{
			IncidentID: incidentID,
			Resolution: inc.Resolution,
		}
	}

	inst, ok, err := m.DataStore.LoadInstance(ctx, inc.InstanceID)
	if err != nil {
		return err
	}
	if !ok {
		return runtime.UnknownInstanceError{InstanceID: inc.InstanceID}
	}

	switch inst.State {
	case process.StateRunning, process.StateFailed:
	default:
		return runtime.InstanceTerminalError{
			InstanceID: inst.ID,
			State:      inst.State,
		}
	}

	idx := inst.FiberByID(inc.FiberID)
	if idx < 0 {
		return fmt.Errorf(
			"incident %s refers to fiber %s, which no longer exists",
			incidentID, inc.FiberID,
		)
	}

	now := m.Now()

	inc.ResolvedAt = now
	inc.Resolution = r

	events := []eventlog.Event{
		eventlog.IncidentResolved{
			IncidentID: incidentID,
			Resolution: r,
		},
	}

	switch r {
	case process.ResolutionRetry:
		inst.Fibers[idx].Wait = process.Running()

	case process.ResolutionCancelFiber:
		f := inst.Fibers[idx]
		events = append(events, eventlog.WaitCancelled{
			FiberID: f.ID,
			Waiting: f.Wait.Describe(),
		})
		inst.RemoveFiber(idx)
	}

	if inst.State == process.StateFailed && !allIncidents(&inst) {
		inst.State = process.StateRunning
		inst.FailureIncident = uuid.Nil
	}

	if len(inst.Fibers) == 0 {
		reason := fmt.Sprintf("incident %s resolved by cancelling the last fiber", incidentID)
		inst.State = process.StateCancelled
		inst.StateReason = reason
		events = append(events, eventlog.InstanceCancelled{Reason: reason})
	}

	batch := persistence.Batch{
		persistence.SaveIncident{Incident: inc},
		persistence.SaveInstance{Instance: inst},
	}

	for _, ev := range events {
		batch = append(batch, persistence.SaveEvent{
			InstanceID: inst.ID,
			RecordedAt: now,
			Event:      ev,
		})
	}

	if _, err := m.DataStore.Persist(ctx, batch); err != nil {
		return fmt.Errorf("unable to resolve incident %s: %w", incidentID, err)
	}

	logging.Log(m.Logger, "incident %s resolved with %s", incidentID, r)

	return nil
}

// allIncidents reports whether every live fiber is blocked on an incident.
func allIncidents(inst *process.Instance) bool {
	if len(inst.Fibers) == 0 {
		return false
	}

	for i := range inst.Fibers {
		if inst.Fibers[i].Wait.Kind != process.WaitIncident {
			return false
		}
	}

	return true
}
