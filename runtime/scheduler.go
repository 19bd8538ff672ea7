package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/google/uuid"

	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
	"github.com/obflow/obflow/value"
)

// UnknownInstanceError is the error returned when an instance referenced by
// its ID does not exist.
type UnknownInstanceError struct {
	InstanceID uuid.UUID
}

func (e UnknownInstanceError) Error() string {
	return fmt.Sprintf("instance %s does not exist", e.InstanceID)
}

// InstanceTerminalError is the error returned when an operation attempts to
// mutate an instance that has already reached a terminal state.
type InstanceTerminalError struct {
	InstanceID uuid.UUID
	State      process.State
}

func (e InstanceTerminalError) Error() string {
	return fmt.Sprintf("instance %s is %s", e.InstanceID, e.State)
}

// HashMismatchError is the error returned when a payload does not match its
// declared content hash.
type HashMismatchError struct {
	Declared value.Hash
	Actual   value.Hash
}

func (e HashMismatchError) Error() string {
	return fmt.Sprintf(
		"payload hash mismatch: declared %s, actual %s",
		e.Declared, e.Actual,
	)
}

// Scheduler owns instance and fiber state transitions.
//
// All fibers belonging to one instance execute sequentially within a single
// Tick call; different instances are independent and may be ticked
// concurrently.
type Scheduler struct {
	// DataStore is the persistence backend.
	DataStore persistence.DataStore

	// Now is the clock used to resolve timer deadlines.
	Now func() time.Time

	// Logger is the target for log messages about instance execution.
	Logger logging.Logger
}

// Start creates a process instance pinned to the given definition and spawns
// its root fiber.
//
// The fiber does not execute until the first Tick.
func (s *Scheduler) Start(
	ctx context.Context,
	def persistence.Definition,
	payload []byte,
	hash value.Hash,
	correlationID string,
) (uuid.UUID, error) {
	if actual := value.SumHash(payload); actual != hash {
		return uuid.Nil, HashMismatchError{
			Declared: hash,
			Actual:   actual,
		}
	}

	now := s.Now()

	inst := process.Instance{
		ID:                uuid.New(),
		ProcessKey:        def.ProcessKey,
		BytecodeVersion:   def.Version,
		DomainPayload:     payload,
		DomainPayloadHash: hash,
		CorrelationID:     correlationID,
		State:             process.StateRunning,
		Symbols:           append([]string(nil), def.Program.Symbols...),
		Fibers: []process.Fiber{
			{
				ID:   uuid.New(),
				PC:   0,
				Wait: process.Running(),
			},
		},
		CreatedAt: now,
	}

	_, err := s.DataStore.Persist(ctx, persistence.Batch{
		persistence.SaveInstance{Instance: inst},
		persistence.SaveEvent{
			InstanceID: inst.ID,
			RecordedAt: now,
			Event: eventlog.InstanceStarted{
				ProcessKey:      inst.ProcessKey,
				BytecodeVersion: inst.BytecodeVersion,
				CorrelationID:   correlationID,
			},
		},
		persistence.SaveEvent{
			InstanceID: inst.ID,
			RecordedAt: now,
			Event: eventlog.FiberSpawned{
				FiberID: inst.Fibers[0].ID,
				PC:      0,
			},
		},
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("unable to start instance: %w", err)
	}

	logging.Log(
		s.Logger,
		"instance %s started from %s@%s",
		inst.ID,
		inst.ProcessKey,
		inst.BytecodeVersion,
	)

	return inst.ID, nil
}

// Tick performs one cooperative, synchronous execution step: it expires due
// timers, then advances every running fiber until it suspends, forks, joins
// or the instance reaches a terminal state.
//
// Ticking an instance with nothing to run is a no-op, so the call is safe to
// make speculatively after every external event.
func (s *Scheduler) Tick(ctx context.Context, id uuid.UUID) error {
	inst, ok, err := s.DataStore.LoadInstance(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return UnknownInstanceError{InstanceID: id}
	}

	if inst.State.IsTerminal() {
		return nil
	}

	prog, err := s.loadProgram(ctx, inst.BytecodeVersion)
	if err != nil {
		return err
	}

	var buffered []process.BufferedSignal
	if prog.BufferSignals {
		buffered, err = s.DataStore.LoadBufferedSignals(ctx, id)
		if err != nil {
			return err
		}
	}

	m := newVM(&inst, prog, s.Now(), buffered)

	m.expireTimers()

	if err := s.drain(m); err != nil {
		return err
	}

	s.settle(m)

	if !m.dirty && len(m.events) == 0 && len(m.ops) == 0 && len(m.removals) == 0 {
		// nothing happened; avoid burning a revision
		return nil
	}

	return s.persist(ctx, m)
}

// Cancel unconditionally moves the instance to the Cancelled state: every
// fiber's wait is discarded and outstanding jobs are withdrawn, pre-empting
// any in-flight race resolution.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	inst, ok, err := s.DataStore.LoadInstance(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return UnknownInstanceError{InstanceID: id}
	}

	if inst.State.IsTerminal() {
		return InstanceTerminalError{
			InstanceID: id,
			State:      inst.State,
		}
	}

	prog, err := s.loadProgram(ctx, inst.BytecodeVersion)
	if err != nil {
		return err
	}

	m := newVM(&inst, prog, s.Now(), nil)

	for i := range inst.Fibers {
		f := &inst.Fibers[i]
		if f.Wait.Kind != process.WaitNone {
			m.emit(eventlog.WaitCancelled{
				FiberID: f.ID,
				Waiting: f.Wait.Describe(),
			})
		}
	}

	inst.Fibers = nil
	inst.State = process.StateCancelled
	inst.StateReason = reason
	m.purgeJobs = true

	m.emit(eventlog.InstanceCancelled{Reason: reason})

	logging.Log(s.Logger, "instance %s cancelled: %s", id, reason)

	return s.persist(ctx, m)
}

// drain advances every running fiber until none remain runnable. Fibers
// spawned by forks during the pass are advanced within the same tick.
func (s *Scheduler) drain(m *vm) error {
	for {
		var runnable []uuid.UUID
		for i := range m.inst.Fibers {
			if m.inst.Fibers[i].IsRunning() {
				runnable = append(runnable, m.inst.Fibers[i].ID)
			}
		}

		if len(runnable) == 0 {
			return nil
		}

		for _, id := range runnable {
			if err := m.runFiber(id); err != nil {
				return err
			}
		}
	}
}

// settle applies the end-of-tick instance state transitions.
func (s *Scheduler) settle(m *vm) {
	inst := m.inst

	if inst.State != process.StateRunning {
		return
	}

	if len(inst.Fibers) == 0 {
		inst.State = process.StateCompleted
		m.emit(eventlog.InstanceCompleted{})

		logging.Log(s.Logger, "instance %s completed", inst.ID)
		return
	}

	// the instance fails only when every live fiber is blocked on an
	// incident; sibling branches keep it running otherwise
	for i := range inst.Fibers {
		if inst.Fibers[i].Wait.Kind != process.WaitIncident {
			return
		}
	}

	inst.State = process.StateFailed
	inst.FailureIncident = inst.Fibers[0].Wait.Incident
	m.emit(eventlog.InstanceFailed{
		Reason: "all fibers are blocked on incidents",
	})

	logging.Log(s.Logger, "instance %s failed", inst.ID)
}

// persist assembles the tick's effects into one atomic batch: the instance
// record, job and incident operations, job withdrawals, then the audit
// events in occurrence order.
func (s *Scheduler) persist(ctx context.Context, m *vm) error {
	batch := persistence.Batch{
		persistence.SaveInstance{Instance: *m.inst},
	}

	ops := m.ops
	if m.purgeJobs {
		// Jobs enqueued earlier in this same tick have not been persisted
		// yet, so the purge scan below cannot see them. Discard the pending
		// saves instead.
		ops = nil
		for _, op := range m.ops {
			if _, ok := op.(persistence.SaveJob); ok {
				continue
			}
			ops = append(ops, op)
		}
	}
	batch = append(batch, ops...)

	removals := m.removals
	if m.purgeJobs {
		jobs, err := s.DataStore.LoadJobsByInstance(ctx, m.inst.ID)
		if err != nil {
			return err
		}

		removals = removals[:0]
		for _, j := range jobs {
			removals = append(removals, j.Key)
		}
	}

	for _, key := range removals {
		j, ok, err := s.DataStore.LoadJob(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		batch = append(batch, persistence.RemoveJob{Job: j})
	}

	now := s.Now()
	for _, ev := range m.events {
		batch = append(batch, persistence.SaveEvent{
			InstanceID: m.inst.ID,
			RecordedAt: now,
			Event:      ev,
		})
	}

	if _, err := s.DataStore.Persist(ctx, batch); err != nil {
		return fmt.Errorf("unable to persist tick of instance %s: %w", m.inst.ID, err)
	}

	return nil
}

func (s *Scheduler) loadProgram(ctx context.Context, v value.Hash) (*compile.Program, error) {
	def, ok, err := s.DataStore.LoadDefinition(ctx, v)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("definition %s does not exist", v)
	}

	return def.Program, nil
}
