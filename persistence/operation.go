package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/process"
)

// Operation is a persistence operation that can be performed as part of an
// atomic batch.
type Operation interface {
	// AcceptVisitor calls the appropriate visit method on the given visitor.
	AcceptVisitor(context.Context, OperationVisitor) error

	// entityKey identifies the entity the operation applies to. A batch may
	// not contain two operations with the same non-empty key. Append-only
	// operations return an empty key.
	entityKey() entityKey
}

// OperationVisitor visits each type of operation in a batch.
type OperationVisitor interface {
	VisitSaveDefinition(context.Context, SaveDefinition) error
	VisitSaveInstance(context.Context, SaveInstance) error
	VisitSaveJob(context.Context, SaveJob) error
	VisitRemoveJob(context.Context, RemoveJob) error
	VisitSaveIncident(context.Context, SaveIncident) error
	VisitSaveEvent(context.Context, SaveEvent) error
	VisitSaveSignalMemo(context.Context, SaveSignalMemo) error
	VisitSaveBufferedSignal(context.Context, SaveBufferedSignal) error
	VisitRemoveBufferedSignal(context.Context, RemoveBufferedSignal) error
}

// entityKey uniquely identifies the entity that an operation applies to.
type entityKey [3]string

func (k entityKey) isZero() bool {
	return k == entityKey{}
}

// SaveDefinition is an Operation that persists a compiled process definition.
//
// Definitions are content-addressed and immutable. Persisting the same
// version twice is a no-op, never a conflict.
type SaveDefinition struct {
	// Definition is the definition to persist.
	Definition Definition
}

// AcceptVisitor calls v.VisitSaveDefinition().
func (op SaveDefinition) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveDefinition(ctx, op)
}

func (op SaveDefinition) entityKey() entityKey {
	return entityKey{"definition", op.Definition.Version.String()}
}

// SaveInstance is an Operation that creates or updates a process instance.
type SaveInstance struct {
	// Instance is the instance to persist.
	//
	// Instance.Revision must be the revision of the instance as currently
	// persisted, otherwise an optimistic concurrency conflict occurs and the
	// entire batch of operations is rejected. A revision of zero creates the
	// instance.
	Instance process.Instance
}

// AcceptVisitor calls v.VisitSaveInstance().
func (op SaveInstance) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveInstance(ctx, op)
}

func (op SaveInstance) entityKey() entityKey {
	return entityKey{"instance", op.Instance.ID.String()}
}

// SaveJob is an Operation that creates or updates a job on the work queue.
type SaveJob struct {
	// Job is the job to persist.
	//
	// Job.Revision must be the revision of the job as currently persisted,
	// otherwise an optimistic concurrency conflict occurs and the entire
	// batch of operations is rejected. A revision of zero creates the job.
	Job process.Job
}

// AcceptVisitor calls v.VisitSaveJob().
func (op SaveJob) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveJob(ctx, op)
}

func (op SaveJob) entityKey() entityKey {
	return entityKey{"job", op.Job.Key}
}

// RemoveJob is an Operation that removes a job from the work queue.
type RemoveJob struct {
	// Job is the job to remove.
	//
	// Job.Revision must be the revision of the job as currently persisted,
	// otherwise an optimistic concurrency conflict occurs and the entire
	// batch of operations is rejected.
	Job process.Job
}

// AcceptVisitor calls v.VisitRemoveJob().
func (op RemoveJob) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitRemoveJob(ctx, op)
}

func (op RemoveJob) entityKey() entityKey {
	return entityKey{"job", op.Job.Key}
}

// SaveIncident is an Operation that creates or updates an incident.
type SaveIncident struct {
	// Incident is the incident to persist.
	Incident process.Incident
}

// AcceptVisitor calls v.VisitSaveIncident().
func (op SaveIncident) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveIncident(ctx, op)
}

func (op SaveIncident) entityKey() entityKey {
	return entityKey{"incident", op.Incident.ID.String()}
}

// SaveEvent is an Operation that appends an event to an instance's log.
//
// The event's sequence number is assigned by the persister when the batch is
// committed. The recorded events are returned in the batch result, in the
// order the operations appear in the batch.
type SaveEvent struct {
	// InstanceID is the instance whose log the event is appended to.
	InstanceID uuid.UUID

	// RecordedAt is the time at which the event occurred.
	RecordedAt time.Time

	// Event is the event to append.
	Event eventlog.Event
}

// AcceptVisitor calls v.VisitSaveEvent().
func (op SaveEvent) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveEvent(ctx, op)
}

func (op SaveEvent) entityKey() entityKey {
	return entityKey{} // append-only
}

// SaveSignalMemo is an Operation that records the outcome of a processed
// message ID so that redelivery of the same ID is idempotent.
type SaveSignalMemo struct {
	// Memo is the memo to persist.
	Memo process.SignalMemo
}

// AcceptVisitor calls v.VisitSaveSignalMemo().
func (op SaveSignalMemo) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveSignalMemo(ctx, op)
}

func (op SaveSignalMemo) entityKey() entityKey {
	return entityKey{"memo", op.Memo.InstanceID.String(), op.Memo.MsgID}
}

// SaveBufferedSignal is an Operation that retains a signal that arrived
// before any fiber subscribed to it.
type SaveBufferedSignal struct {
	// Signal is the signal to retain.
	Signal process.BufferedSignal
}

// AcceptVisitor calls v.VisitSaveBufferedSignal().
func (op SaveBufferedSignal) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveBufferedSignal(ctx, op)
}

func (op SaveBufferedSignal) entityKey() entityKey {
	return entityKey{"signal", op.Signal.InstanceID.String(), op.Signal.MsgID}
}

// RemoveBufferedSignal is an Operation that removes a retained signal after
// it has been delivered.
type RemoveBufferedSignal struct {
	// Signal is the signal to remove.
	Signal process.BufferedSignal
}

// AcceptVisitor calls v.VisitRemoveBufferedSignal().
func (op RemoveBufferedSignal) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitRemoveBufferedSignal(ctx, op)
}

func (op RemoveBufferedSignal) entityKey() entityKey {
	return entityKey{"signal", op.Signal.InstanceID.String(), op.Signal.MsgID}
}
