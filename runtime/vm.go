// Package runtime contains the cooperative fiber scheduler: it owns
// instance and fiber state transitions, executes bytecode on tick, and
// performs fork/join bookkeeping, race resolution and cancellation.
package runtime

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
	"github.com/obflow/obflow/value"
)

// maxSteps bounds the number of instructions a single fiber may execute in
// one tick, as a guard against malformed bytecode.
const maxSteps = 10000

// vm advances the fibers of a single instance through its bytecode.
//
// All mutation happens on the in-memory instance; the side effects that must
// be persisted alongside it accumulate in ops, removals and events. The
// caller assembles them into one atomic batch.
type vm struct {
	inst *process.Instance
	prog *compile.Program
	now  time.Time

	// buffered holds the instance's retained signals, offered to msg waits
	// as they are reached. Consumed entries are recorded in consumed.
	buffered []process.BufferedSignal
	consumed map[string]struct{}

	// ops collects job and incident operations, removals the keys of
	// previously persisted jobs that must be withdrawn, and events the audit
	// trail, all in occurrence order.
	ops      persistence.Batch
	removals []string
	events   []eventlog.Event

	// purgeJobs is set when the whole instance halts and every outstanding
	// job must be withdrawn.
	purgeJobs bool

	// dirty is set when any fiber state changes, including changes that
	// produce no operations or events of their own.
	dirty bool
}

func newVM(
	inst *process.Instance,
	prog *compile.Program,
	now time.Time,
	buffered []process.BufferedSignal,
) *vm {
	return &vm{
		inst:     inst,
		prog:     prog,
		now:      now,
		buffered: buffered,
		consumed: map[string]struct{}{},
	}
}

func (m *vm) emit(ev eventlog.Event) {
	m.events = append(m.events, ev)
}

// runFiber executes the named fiber until it parks, ends, or halts the
// instance. Fibers are re-located by ID on every step because forks, joins
// and termination reshuffle the instance's fiber arena.
func (m *vm) runFiber(id uuid.UUID) error {
	for steps := 0; ; steps++ {
		if steps == maxSteps {
			return fmt.Errorf(
				"fiber %s exceeded %d steps, bytecode is malformed",
				id, maxSteps,
			)
		}

		idx := m.inst.FiberByID(id)
		if idx < 0 {
			// consumed by a fork, join or termination
			return nil
		}

		f := &m.inst.Fibers[idx]

		if !f.IsRunning() {
			return nil
		}

		if int(f.PC) >= len(m.prog.Code) {
			return fmt.Errorf(
				"fiber %s program counter %d is out of range",
				f.ID, f.PC,
			)
		}

		m.dirty = true

		in := m.prog.Code[f.PC]

		switch in.Op {
		case compile.OpJump:
			f.PC = in.Target

		case compile.OpBranch:
			if m.inst.Flag(in.Flag).Truthy() == in.When {
				f.PC = in.Target
			} else {
				f.PC++
			}

		case compile.OpSetFlag:
			m.inst.SetFlag(in.Flag, in.Value)
			m.emit(eventlog.FlagSet{
				FiberID: f.ID,
				Flag:    m.inst.Resolve(in.Flag),
				Value:   value.Resolve(in.Value, m.inst.Resolve),
			})
			f.PC++

		case compile.OpExec:
			m.enqueueJob(f, in.TaskType, in.TaskID, in.Retries)
			return nil

		case compile.OpFork:
			m.fork(idx, in.Targets)
			return nil

		case compile.OpForkInclusive:
			m.forkInclusive(idx, in)
			return nil

		case compile.OpJoin:
			m.arrive(idx, in, in.Expected)

		case compile.OpJoinDynamic:
			if err := m.joinDynamic(idx, in); err != nil {
				return err
			}

		case compile.OpWaitTimer:
			deadline := m.deadline(in.Duration, in.Deadline)
			f.PC++
			f.Wait = process.Wait{
				Kind:     process.WaitTimer,
				Deadline: deadline,
			}

			id, _ := m.prog.ElementAt(f.PC - 1)
			m.emit(eventlog.TimerSet{
				FiberID:   f.ID,
				ElementID: id,
				Deadline:  deadline,
			})
			return nil

		case compile.OpWaitMsg:
			if m.subscribe(f, in) {
				// a buffered signal satisfied the wait immediately
				continue
			}
			return nil

		case compile.OpWaitAny:
			if m.waitAny(f, in) {
				continue
			}
			return nil

		case compile.OpEnd:
			m.inst.RemoveFiber(idx)
			return nil

		case compile.OpEndTerminate:
			m.terminate(f.ID)
			return nil

		case compile.OpFail:
			m.fail(f, in.Code)
			return nil

		default:
			return fmt.Errorf("invalid opcode %d at %d", in.Op, f.PC)
		}
	}
}

// expireTimers wakes every fiber whose timer deadline has passed, and
// resolves race groups whose timer arm fires first.
func (m *vm) expireTimers() {
	for i := range m.inst.Fibers {
		f := &m.inst.Fibers[i]

		switch f.Wait.Kind {
		case process.WaitTimer:
			if !f.Wait.Deadline.After(m.now) {
				f.Wait = process.Running()
				m.dirty = true
				m.emit(eventlog.TimerFired{FiberID: f.ID})
			}

		case process.WaitRace:
			if f.Wait.Deadline.IsZero() || f.Wait.Deadline.After(m.now) {
				continue
			}

			// The expiring arm was recorded when the race registered, with
			// every timer form resolved to an absolute time.
			arms := m.prog.Races[f.Wait.Race]
			if f.Wait.TimerArm >= len(arms) {
				continue
			}
			arm := arms[f.Wait.TimerArm]
			if arm.Kind != compile.ArmTimer {
				continue
			}

			m.resolveRace(f, arm, eventlog.TimerFired{FiberID: f.ID})
		}
	}
}

// resolveRace resumes a race-parked fiber via the winning arm, withdrawing
// the losing arms' jobs.
func (m *vm) resolveRace(f *process.Fiber, winner compile.Arm, trigger eventlog.Event) {
	withdraw, events := ResolveRace(f, winner)

	m.removals = append(m.removals, withdraw...)

	if trigger != nil {
		m.emit(trigger)
	}

	for _, ev := range events {
		m.emit(ev)
	}
}

// enqueueJob surfaces a service task as a job and parks the fiber on it.
//
// The program counter is deliberately not advanced; completing the job is
// what moves the fiber past the instruction.
func (m *vm) enqueueJob(
	f *process.Fiber,
	taskType, taskID value.Sym,
	retries int,
) {
	key := m.createJob(f.PC, taskType, taskID, retries)

	f.Wait = process.Wait{
		Kind:   process.WaitJob,
		JobKey: key,
	}

	m.emit(eventlog.JobEnqueued{
		FiberID:          f.ID,
		JobKey:           key,
		TaskType:         m.inst.Resolve(taskType),
		RetriesRemaining: retries,
	})
}

// createJob builds the job record for a service-task instruction and queues
// its save operation.
func (m *vm) createJob(
	pc compile.Addr,
	taskType, taskID value.Sym,
	retries int,
) string {
	key := process.JobKey(m.inst.ID, m.inst.Resolve(taskID), pc)

	flags := make(map[string]value.Lit, len(m.inst.Env))
	for s, v := range m.inst.Env {
		flags[m.inst.Resolve(s)] = value.Resolve(v, m.inst.Resolve)
	}

	m.ops = append(m.ops, persistence.SaveJob{
		Job: process.Job{
			Key:               key,
			InstanceID:        m.inst.ID,
			TaskType:          m.inst.Resolve(taskType),
			ServiceTaskID:     m.inst.Resolve(taskID),
			DomainPayload:     m.inst.DomainPayload,
			DomainPayloadHash: m.inst.DomainPayloadHash,
			OrchFlags:         flags,
			RetriesRemaining:  retries,
			EnqueuedAt:        m.now,
			NextAttemptAt:     m.now,
		},
	})

	return key
}

// fork spawns one child fiber per target and ends the parent.
func (m *vm) fork(idx int, targets []compile.Addr) {
	parent := m.inst.Fibers[idx]

	children := make([]uuid.UUID, len(targets))
	for i, t := range targets {
		id := uuid.New()
		children[i] = id

		m.inst.Fibers = append(m.inst.Fibers, process.Fiber{
			ID:   id,
			PC:   t,
			Wait: process.Running(),
		})
	}

	m.emit(eventlog.Forked{
		ParentID: parent.ID,
		ChildIDs: children,
		Targets:  targets,
	})

	m.inst.RemoveFiber(idx)
}

// forkInclusive spawns a child fiber per branch whose condition holds,
// falling back to the default branch, and ends the parent. The spawn count
// is recorded for the paired dynamic join barrier.
//
// An inclusive fork with no matched condition and no default branch cannot
// proceed, so it raises an incident instead.
func (m *vm) forkInclusive(idx int, in compile.Instr) {
	var targets []compile.Addr

	for _, b := range in.Branches {
		if b.HasFlag && m.inst.Flag(b.Flag).Truthy() == b.When {
			targets = append(targets, b.Target)
		}
	}

	if len(targets) == 0 {
		for _, b := range in.Branches {
			if !b.HasFlag {
				targets = append(targets, b.Target)
			}
		}
	}

	if len(targets) == 0 {
		m.raiseIncident(
			&m.inst.Fibers[idx],
			process.ErrorContractViolation,
			"no branch condition matched and no default branch is declared",
		)
		return
	}

	if m.inst.JoinExpected == nil {
		m.inst.JoinExpected = map[compile.JoinID]int{}
	}
	m.inst.JoinExpected[in.Join] = len(targets)

	parent := m.inst.Fibers[idx]

	children := make([]uuid.UUID, len(targets))
	for i, t := range targets {
		id := uuid.New()
		children[i] = id

		m.inst.Fibers = append(m.inst.Fibers, process.Fiber{
			ID:   id,
			PC:   t,
			Wait: process.Running(),
		})
	}

	m.emit(eventlog.InclusiveForked{
		ParentID: parent.ID,
		ChildIDs: children,
		Targets:  targets,
		JoinID:   in.Join,
	})

	m.inst.RemoveFiber(idx)
}

// joinDynamic arrives at a barrier whose expected count was recorded by an
// inclusive fork. The recorded count is discarded once the barrier releases
// so a later execution of the same fork starts fresh.
func (m *vm) joinDynamic(idx int, in compile.Instr) error {
	expected, ok := m.inst.JoinExpected[in.Join]
	if !ok {
		return fmt.Errorf(
			"join %d has no recorded arrival count, bytecode is malformed",
			in.Join,
		)
	}

	if m.arrive(idx, in, expected) {
		delete(m.inst.JoinExpected, in.Join)
	}

	return nil
}

// arrive advances a join barrier by one arrival, reporting whether that
// released it.
//
// Early arrivals park; the arrival that completes the barrier resets its
// counter, discards the parked siblings and continues at the barrier's
// continuation.
func (m *vm) arrive(idx int, in compile.Instr, expected int) bool {
	f := &m.inst.Fibers[idx]

	if m.inst.Joins == nil {
		m.inst.Joins = map[compile.JoinID]int{}
	}

	arrived := m.inst.Joins[in.Join] + 1

	if arrived < expected {
		m.inst.Joins[in.Join] = arrived
		f.Wait = process.Wait{
			Kind: process.WaitJoin,
			Join: in.Join,
		}

		m.emit(eventlog.JoinArrived{
			FiberID:  f.ID,
			JoinID:   in.Join,
			Arrived:  arrived,
			Expected: expected,
		})
		return false
	}

	// last arrival: reset the barrier and consume the parked siblings
	m.inst.Joins[in.Join] = 0

	m.emit(eventlog.JoinReleased{
		FiberID: f.ID,
		JoinID:  in.Join,
	})

	id := f.ID

	for i := len(m.inst.Fibers) - 1; i >= 0; i-- {
		sib := &m.inst.Fibers[i]
		if sib.ID != id && sib.Wait.Kind == process.WaitJoin && sib.Wait.Join == in.Join {
			m.inst.RemoveFiber(i)
		}
	}

	// indices may have shifted
	idx = m.inst.FiberByID(id)
	f = &m.inst.Fibers[idx]
	f.PC = in.Target
	f.Wait = process.Running()

	return true
}

// subscribe parks the fiber on a msg wait, unless a buffered signal already
// satisfies it, in which case the fiber keeps running and true is returned.
func (m *vm) subscribe(f *process.Fiber, in compile.Instr) bool {
	name := m.inst.Resolve(in.MsgName)

	var (
		corr value.Value
		lit  value.Lit
	)
	if in.HasCorr {
		corr = m.inst.Flag(in.CorrFlag)
		lit = value.Resolve(corr, m.inst.Resolve)
	}

	f.PC++

	if s, ok := m.takeBuffered(name, lit, in.HasCorr); ok {
		m.emit(eventlog.MsgReceived{
			FiberID: f.ID,
			Name:    name,
			MsgID:   s.MsgID,
		})
		return true
	}

	f.Wait = process.Wait{
		Kind:    process.WaitMsg,
		MsgName: name,
		CorrKey: corr,
		HasCorr: in.HasCorr,
	}

	m.emit(eventlog.MsgSubscribed{
		FiberID: f.ID,
		Name:    name,
		CorrKey: lit,
		HasCorr: in.HasCorr,
	})

	return false
}

// waitAny parks the fiber on a race group, creating jobs for its job arms
// and computing the earliest timer deadline.
//
// If a buffered signal already satisfies one of the msg arms the race
// resolves immediately and the fiber keeps running; true is returned and no
// arms are registered.
func (m *vm) waitAny(f *process.Fiber, in compile.Instr) bool {
	arms := m.prog.Races[in.Race]

	for _, a := range arms {
		if a.Kind != compile.ArmMsg {
			continue
		}

		name := m.inst.Resolve(a.MsgName)

		var lit value.Lit
		if a.HasCorr {
			lit = value.Resolve(m.inst.Flag(a.CorrFlag), m.inst.Resolve)
		}

		if s, ok := m.takeBuffered(name, lit, a.HasCorr); ok {
			f.PC = a.ResumeAt
			m.emit(eventlog.MsgReceived{
				FiberID: f.ID,
				Name:    name,
				MsgID:   s.MsgID,
			})
			m.emit(eventlog.RaceWon{
				FiberID: f.ID,
				RaceID:  in.Race,
				Arm:     compile.ArmMsg,
			})
			return true
		}
	}

	wait := process.Wait{
		Kind: process.WaitRace,
		Race: in.Race,
	}

	for i, a := range arms {
		switch a.Kind {
		case compile.ArmTimer:
			d := m.deadline(a.Duration, a.Deadline)
			if wait.Deadline.IsZero() || d.Before(wait.Deadline) {
				wait.Deadline = d
				wait.TimerArm = i
			}

		case compile.ArmJob:
			key := m.createJob(f.PC, a.TaskType, a.TaskID, a.Retries)
			wait.JobKeys = append(wait.JobKeys, key)

			m.emit(eventlog.JobEnqueued{
				FiberID:          f.ID,
				JobKey:           key,
				TaskType:         m.inst.Resolve(a.TaskType),
				RetriesRemaining: a.Retries,
			})
		}
	}

	f.Wait = wait

	m.emit(eventlog.RaceRegistered{
		FiberID: f.ID,
		RaceID:  in.Race,
		Arms:    len(arms),
	})

	return false
}

// terminate halts the whole instance: every other fiber's wait is cancelled,
// all fibers are discarded and outstanding jobs are withdrawn.
func (m *vm) terminate(by uuid.UUID) {
	for i := range m.inst.Fibers {
		f := &m.inst.Fibers[i]
		if f.ID == by {
			continue
		}

		if f.Wait.Kind != process.WaitNone {
			m.emit(eventlog.WaitCancelled{
				FiberID: f.ID,
				Waiting: f.Wait.Describe(),
			})
		}
	}

	m.inst.Fibers = nil
	m.inst.State = process.StateTerminated
	m.purgeJobs = true

	m.emit(eventlog.InstanceTerminated{
		FiberID: by,
	})
}

// fail raises a business incident directly from the process and parks the
// fiber on it.
func (m *vm) fail(f *process.Fiber, code string) {
	m.raiseIncident(f, process.ErrorClass(code), fmt.Sprintf("process raised %s", code))
}

// raiseIncident records an incident against the fiber and parks it.
func (m *vm) raiseIncident(f *process.Fiber, class process.ErrorClass, message string) {
	inc := process.Incident{
		ID:         uuid.New(),
		InstanceID: m.inst.ID,
		FiberID:    f.ID,
		ErrorClass: class,
		Message:    message,
		CreatedAt:  m.now,
	}

	m.ops = append(m.ops, persistence.SaveIncident{Incident: inc})

	f.Wait = process.Wait{
		Kind:     process.WaitIncident,
		Incident: inc.ID,
	}

	m.emit(eventlog.IncidentCreated{
		IncidentID: inc.ID,
		FiberID:    f.ID,
		ErrorClass: inc.ErrorClass,
		Message:    inc.Message,
	})
}

// deadline resolves a timer operand pair to an absolute time. A non-zero
// absolute deadline (Unix milliseconds) takes precedence over a duration.
func (m *vm) deadline(d time.Duration, abs int64) time.Time {
	if abs != 0 {
		return time.UnixMilli(abs)
	}
	return m.now.Add(d)
}

// takeBuffered consumes the oldest buffered signal matching the given
// subscription, if any.
func (m *vm) takeBuffered(name string, corr value.Lit, hasCorr bool) (process.BufferedSignal, bool) {
	for _, s := range m.buffered {
		if _, done := m.consumed[s.MsgID]; done {
			continue
		}

		if !matchSignal(s, name, corr, hasCorr) {
			continue
		}

		m.consumed[s.MsgID] = struct{}{}
		m.ops = append(m.ops, persistence.RemoveBufferedSignal{Signal: s})

		if len(s.Payload) != 0 {
			m.inst.DomainPayload = s.Payload
			m.inst.DomainPayloadHash = value.SumHash(s.Payload)
		}

		return s, true
	}

	return process.BufferedSignal{}, false
}

// matchSignal reports whether a buffered signal satisfies a subscription.
func matchSignal(s process.BufferedSignal, name string, corr value.Lit, hasCorr bool) bool {
	if s.Name != name {
		return false
	}

	if !hasCorr {
		return true
	}

	return s.HasCorr && s.CorrKey == corr
}
