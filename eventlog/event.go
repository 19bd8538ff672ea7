// Package eventlog defines the append-only per-instance audit log.
//
// Every state transition of a process instance is recorded as an event with
// a gapless per-instance sequence number. The log is the source of truth for
// observing an instance from outside the engine.
package eventlog

import (
	"time"

	"github.com/google/uuid"

	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/process"
	"github.com/obflow/obflow/value"
)

// Event is a single entry in an instance's audit log.
//
// The set of implementations is closed.
type Event interface {
	// EventName returns the discriminator used on the wire.
	EventName() string

	isEvent()
}

// Recorded is an event that has been appended to an instance's log.
type Recorded struct {
	InstanceID uuid.UUID
	Seq        uint64
	RecordedAt time.Time
	Event      Event
}

// InstanceStarted records creation of a new process instance.
type InstanceStarted struct {
	ProcessKey      string     `json:"processKey"`
	BytecodeVersion value.Hash `json:"bytecodeVersion"`
	CorrelationID   string     `json:"correlationId,omitempty"`
}

// FiberSpawned records creation of a fiber, including the root fiber.
type FiberSpawned struct {
	FiberID uuid.UUID    `json:"fiberId"`
	PC      compile.Addr `json:"pc"`
}

// Forked records a parallel split. The parent fiber ends and each branch
// continues on a fresh fiber.
type Forked struct {
	ParentID uuid.UUID      `json:"parentId"`
	ChildIDs []uuid.UUID    `json:"childIds"`
	Targets  []compile.Addr `json:"targets"`
}

// InclusiveForked records a conditional split. Only the branches whose
// condition held (or the default branch) spawn children, and the paired
// join barrier expects exactly that many arrivals.
type InclusiveForked struct {
	ParentID uuid.UUID      `json:"parentId"`
	ChildIDs []uuid.UUID    `json:"childIds"`
	Targets  []compile.Addr `json:"targets"`
	JoinID   compile.JoinID `json:"joinId"`
}

// JoinArrived records a fiber reaching a join whose counter is not yet full.
// The arriving fiber is consumed.
type JoinArrived struct {
	FiberID  uuid.UUID      `json:"fiberId"`
	JoinID   compile.JoinID `json:"joinId"`
	Arrived  int            `json:"arrived"`
	Expected int            `json:"expected"`
}

// JoinReleased records the last fiber arriving at a join. The counter resets
// and the fiber continues past the join.
type JoinReleased struct {
	FiberID uuid.UUID      `json:"fiberId"`
	JoinID  compile.JoinID `json:"joinId"`
}

// TimerSet records a fiber parking on a timer.
type TimerSet struct {
	FiberID   uuid.UUID `json:"fiberId"`
	ElementID string    `json:"elementId,omitempty"`
	Deadline  time.Time `json:"deadline"`
}

// TimerFired records a timer deadline elapsing and its fiber resuming.
type TimerFired struct {
	FiberID uuid.UUID `json:"fiberId"`
}

// MsgSubscribed records a fiber parking until a named message arrives.
type MsgSubscribed struct {
	FiberID uuid.UUID   `json:"fiberId"`
	Name    string      `json:"name"`
	CorrKey value.Lit `json:"corrKey"`
	HasCorr bool      `json:"hasCorr,omitempty"`
}

// MsgReceived records delivery of a signal to a waiting fiber.
type MsgReceived struct {
	FiberID uuid.UUID `json:"fiberId"`
	Name    string    `json:"name"`
	MsgID   string    `json:"msgId,omitempty"`
}

// SignalBuffered records a signal retained because no fiber was waiting.
type SignalBuffered struct {
	Name  string `json:"name"`
	MsgID string `json:"msgId,omitempty"`
}

// SignalIgnored records a signal that matched no waiting fiber and was
// dropped. The reason distinguishes ghosts from other mismatches.
type SignalIgnored struct {
	Name   string `json:"name,omitempty"`
	MsgID  string `json:"msgId,omitempty"`
	Reason string `json:"reason"`
}

// JobEnqueued records a service task job becoming available to workers.
type JobEnqueued struct {
	FiberID          uuid.UUID `json:"fiberId"`
	JobKey           string    `json:"jobKey"`
	TaskType         string    `json:"taskType"`
	RetriesRemaining int       `json:"retriesRemaining"`
}

// JobActivated records a worker leasing a job.
type JobActivated struct {
	JobKey   string    `json:"jobKey"`
	TaskType string    `json:"taskType"`
	Deadline time.Time `json:"deadline"`
}

// JobCompleted records a worker completing a job and its fiber resuming.
type JobCompleted struct {
	FiberID uuid.UUID `json:"fiberId"`
	JobKey  string    `json:"jobKey"`
}

// JobRetried records a transient failure that consumed retry budget. The job
// is re-queued for a later attempt.
type JobRetried struct {
	JobKey           string        `json:"jobKey"`
	RetriesRemaining int           `json:"retriesRemaining"`
	Delay            time.Duration `json:"delay"`
	Message          string        `json:"message,omitempty"`
}

// IncidentCreated records a job failure escalating to an incident. The
// owning fiber parks until the incident is resolved.
type IncidentCreated struct {
	IncidentID uuid.UUID          `json:"incidentId"`
	FiberID    uuid.UUID          `json:"fiberId"`
	JobKey     string             `json:"jobKey,omitempty"`
	ErrorClass process.ErrorClass `json:"errorClass"`
	Message    string             `json:"message,omitempty"`
}

// IncidentResolved records an operator resolving an incident.
type IncidentResolved struct {
	IncidentID uuid.UUID          `json:"incidentId"`
	Resolution process.Resolution `json:"resolution"`
}

// RaceRegistered records a fiber parking on an event race.
type RaceRegistered struct {
	FiberID uuid.UUID      `json:"fiberId"`
	RaceID  compile.RaceID `json:"raceId"`
	Arms    int            `json:"arms"`
}

// RaceWon records the first arm of a race firing.
type RaceWon struct {
	FiberID uuid.UUID       `json:"fiberId"`
	RaceID  compile.RaceID  `json:"raceId"`
	Arm     compile.ArmKind `json:"arm"`
}

// RaceCancelled records the losing arms of a resolved race being withdrawn.
type RaceCancelled struct {
	FiberID uuid.UUID      `json:"fiberId"`
	RaceID  compile.RaceID `json:"raceId"`
}

// FlagSet records an orchestration flag changing value.
type FlagSet struct {
	FiberID uuid.UUID `json:"fiberId"`
	Flag    string    `json:"flag"`
	Value   value.Lit `json:"value"`
}

// WaitCancelled records a parked fiber being cancelled, with a description
// of what it was waiting on.
type WaitCancelled struct {
	FiberID uuid.UUID `json:"fiberId"`
	Waiting string    `json:"waiting"`
}

// InstanceCompleted records an instance reaching a regular end event with no
// live fibers remaining.
type InstanceCompleted struct{}

// InstanceCancelled records explicit cancellation of an instance.
type InstanceCancelled struct {
	Reason string `json:"reason,omitempty"`
}

// InstanceTerminated records a terminate end event halting the instance,
// cancelling all sibling fibers.
type InstanceTerminated struct {
	FiberID uuid.UUID `json:"fiberId"`
}

// InstanceFailed records every live fiber of an instance parking on an
// incident, leaving nothing runnable.
type InstanceFailed struct {
	Reason string `json:"reason,omitempty"`
}

func (InstanceStarted) EventName() string    { return "instance.started" }
func (FiberSpawned) EventName() string       { return "fiber.spawned" }
func (Forked) EventName() string             { return "fiber.forked" }
func (InclusiveForked) EventName() string    { return "fiber.forked.inclusive" }
func (JoinArrived) EventName() string        { return "join.arrived" }
func (JoinReleased) EventName() string       { return "join.released" }
func (TimerSet) EventName() string           { return "timer.set" }
func (TimerFired) EventName() string         { return "timer.fired" }
func (MsgSubscribed) EventName() string      { return "msg.subscribed" }
func (MsgReceived) EventName() string        { return "msg.received" }
func (SignalBuffered) EventName() string     { return "signal.buffered" }
func (SignalIgnored) EventName() string      { return "signal.ignored" }
func (JobEnqueued) EventName() string        { return "job.enqueued" }
func (JobActivated) EventName() string       { return "job.activated" }
func (JobCompleted) EventName() string       { return "job.completed" }
func (JobRetried) EventName() string         { return "job.retried" }
func (IncidentCreated) EventName() string    { return "incident.created" }
func (IncidentResolved) EventName() string   { return "incident.resolved" }
func (RaceRegistered) EventName() string     { return "race.registered" }
func (RaceWon) EventName() string            { return "race.won" }
func (RaceCancelled) EventName() string      { return "race.cancelled" }
func (FlagSet) EventName() string            { return "flag.set" }
func (WaitCancelled) EventName() string      { return "wait.cancelled" }
func (InstanceCompleted) EventName() string  { return "instance.completed" }
func (InstanceCancelled) EventName() string  { return "instance.cancelled" }
func (InstanceTerminated) EventName() string { return "instance.terminated" }
func (InstanceFailed) EventName() string     { return "instance.failed" }

func (InstanceStarted) isEvent()    {}
func (FiberSpawned) isEvent()       {}
func (Forked) isEvent()             {}
func (InclusiveForked) isEvent()    {}
func (JoinArrived) isEvent()        {}
func (JoinReleased) isEvent()       {}
func (TimerSet) isEvent()           {}
func (TimerFired) isEvent()         {}
func (MsgSubscribed) isEvent()      {}
func (MsgReceived) isEvent()        {}
func (SignalBuffered) isEvent()     {}
func (SignalIgnored) isEvent()      {}
func (JobEnqueued) isEvent()        {}
func (JobActivated) isEvent()       {}
func (JobCompleted) isEvent()       {}
func (JobRetried) isEvent()         {}
func (IncidentCreated) isEvent()    {}
func (IncidentResolved) isEvent()   {}
func (RaceRegistered) isEvent()     {}
func (RaceWon) isEvent()            {}
func (RaceCancelled) isEvent()      {}
func (FlagSet) isEvent()            {}
func (WaitCancelled) isEvent()      {}
func (InstanceCompleted) isEvent()  {}
func (InstanceCancelled) isEvent()  {}
func (InstanceTerminated) isEvent() {}
func (InstanceFailed) isEvent()     {}

// IsTerminal returns true for events that mark the end of an instance's
// active execution. A subscription closes after observing one. An incident
// stalls the subscription's instance but may yet be resolved, so it counts
// as terminal for observers that only care about "needs attention".
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case InstanceCompleted, InstanceCancelled, InstanceTerminated, InstanceFailed, IncidentCreated:
		return true
	default:
		return false
	}
}
