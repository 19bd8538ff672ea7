// Package correlate delivers external signals to the fibers subscribed to
// them, idempotently against at-least-once upstream delivery.
package correlate

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
	"github.com/obflow/obflow/runtime"
	"github.com/obflow/obflow/value"
)

// Correlator matches signals against msg wait-states and race arms.
type Correlator struct {
	// DataStore is the persistence backend.
	DataStore persistence.DataStore

	// Now is the clock used to stamp memos and buffered signals.
	Now func() time.Time

	// Logger is the target for log messages about signal outcomes.
	Logger logging.Logger
}

// Signal delivers a named message to the instance.
//
// The outcome depends on the instance's subscriptions: a matching msg wait or
// race arm resumes its fiber, otherwise the signal is buffered for later
// correlation if the definition opts in, or ignored.
//
// When msgID is non-empty the outcome is memoized against it; repeating the
// call with the same msgID is a no-op that returns the prior outcome.
func (c *Correlator) Signal(
	ctx context.Context,
	instanceID uuid.UUID,
	name string,
	corrKey value.Lit,
	hasCorr bool,
	payload []byte,
	hash value.Hash,
	msgID string,
) (process.SignalOutcome, error) {
	if msgID != "" {
		memo, ok, err := c.DataStore.LoadSignalMemo(ctx, instanceID, msgID)
		if err != nil {
			return "", err
		}
		if ok {
			logging.Debug(
				c.Logger,
				"signal %s to instance %s replayed, prior outcome %s",
				msgID, instanceID, memo.Outcome,
			)
			return memo.Outcome, nil
		}
	}

	if actual := value.SumHash(payload); actual != hash {
		return "", runtime.HashMismatchError{
			Declared: hash,
			Actual:   actual,
		}
	}

	inst, ok, err := c.DataStore.LoadInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", runtime.UnknownInstanceError{InstanceID: instanceID}
	}

	if inst.State.IsTerminal() {
		return "", runtime.InstanceTerminalError{
			InstanceID: instanceID,
			State:      inst.State,
		}
	}

	now := c.Now()

	if idx := findMsgFiber(&inst, name, corrKey, hasCorr); idx >= 0 {
		return c.deliver(ctx, inst, idx, nil, name, payload, hash, msgID, now)
	}

	prog, err := c.loadProgram(ctx, inst.BytecodeVersion)
	if err != nil {
		return "", err
	}

	if idx, arm, ok := findRaceFiber(&inst, prog, name, corrKey, hasCorr); ok {
		return c.deliver(ctx, inst, idx, &arm, name, payload, hash, msgID, now)
	}

	if prog.BufferSignals {
		return c.buffer(ctx, inst.ID, name, corrKey, hasCorr, payload, msgID, now)
	}

	return c.ignore(ctx, inst.ID, name, msgID, now)
}

// deliver resumes the fiber at idx with the signal. A non-nil arm means the
// fiber is race-parked and the signal wins via that arm.
func (c *Correlator) deliver(
	ctx context.Context,
	inst process.Instance,
	idx int,
	arm *compile.Arm,
	name string,
	payload []byte,
	hash value.Hash,
	msgID string,
	now time.Time,
) (process.SignalOutcome, error) {
	f := &inst.Fibers[idx]

	events := []eventlog.Event{
		eventlog.MsgReceived{
			FiberID: f.ID,
			Name:    name,
			MsgID:   msgID,
		},
	}

	var batch persistence.Batch

	if arm != nil {
		withdraw, raceEvents := runtime.ResolveRace(f, *arm)
		events = append(events, raceEvents...)

		for _, k := range withdraw {
			j, ok, err := c.DataStore.LoadJob(ctx, k)
			if err != nil || !ok {
				continue
			}
			batch = append(batch, persistence.RemoveJob{Job: j})
		}
	} else {
		// pc already points past the wait instruction
		f.Wait = process.Running()
	}

	if len(payload) != 0 {
		inst.DomainPayload = payload
		inst.DomainPayloadHash = hash
	}

	batch = append(batch, persistence.SaveInstance{Instance: inst})

	if msgID != "" {
		batch = append(batch, persistence.SaveSignalMemo{
			Memo: process.SignalMemo{
				InstanceID: inst.ID,
				MsgID:      msgID,
				Outcome:    process.SignalDelivered,
				RecordedAt: now,
			},
		})
	}

	for _, ev := range events {
		batch = append(batch, persistence.SaveEvent{
			InstanceID: inst.ID,
			RecordedAt: now,
			Event:      ev,
		})
	}

	if _, err := c.DataStore.Persist(ctx, batch); err != nil {
		return "", fmt.Errorf(
			"unable to deliver signal %q to instance %s: %w",
			name, inst.ID, err,
		)
	}

	logging.Debug(c.Logger, "signal %q delivered to instance %s", name, inst.ID)

	return process.SignalDelivered, nil
}

// buffer retains the signal for a subscription that has not been reached yet.
func (c *Correlator) buffer(
	ctx context.Context,
	instanceID uuid.UUID,
	name string,
	corrKey value.Lit,
	hasCorr bool,
	payload []byte,
	msgID string,
	now time.Time,
) (process.SignalOutcome, error) {
	batch := persistence.Batch{
		persistence.SaveBufferedSignal{
			Signal: process.BufferedSignal{
				InstanceID: instanceID,
				MsgID:      msgID,
				Name:       name,
				CorrKey:    corrKey,
				HasCorr:    hasCorr,
				Payload:    payload,
				ReceivedAt: now,
			},
		},
		persistence.SaveEvent{
			InstanceID: instanceID,
			RecordedAt: now,
			Event: eventlog.SignalBuffered{
				Name:  name,
				MsgID: msgID,
			},
		},
	}

	if msgID != "" {
		batch = append(batch, persistence.SaveSignalMemo{
			Memo: process.SignalMemo{
				InstanceID: instanceID,
				MsgID:      msgID,
				Outcome:    process.SignalBuffered,
				RecordedAt: now,
			},
		})
	}

	if _, err := c.DataStore.Persist(ctx, batch); err != nil {
		return "", fmt.Errorf(
			"unable to buffer signal %q for instance %s: %w",
			name, instanceID, err,
		)
	}

	logging.Debug(c.Logger, "signal %q buffered for instance %s", name, instanceID)

	return process.SignalBuffered, nil
}

// ignore records that the signal had no subscription and was dropped.
func (c *Correlator) ignore(
	ctx context.Context,
	instanceID uuid.UUID,
	name string,
	msgID string,
	now time.Time,
) (process.SignalOutcome, error) {
	batch := persistence.Batch{
		persistence.SaveEvent{
			InstanceID: instanceID,
			RecordedAt: now,
			Event: eventlog.SignalIgnored{
				Name:   name,
				MsgID:  msgID,
				Reason: "no matching subscription",
			},
		},
	}

	if msgID != "" {
		batch = append(batch, persistence.SaveSignalMemo{
			Memo: process.SignalMemo{
				InstanceID: instanceID,
				MsgID:      msgID,
				Outcome:    process.SignalIgnored,
				RecordedAt: now,
			},
		})
	}

	if _, err := c.DataStore.Persist(ctx, batch); err != nil {
		return "", fmt.Errorf(
			"unable to record ignored signal %q for instance %s: %w",
			name, instanceID, err,
		)
	}

	logging.Debug(c.Logger, "signal %q to instance %s ignored", name, instanceID)

	return process.SignalIgnored, nil
}

func (c *Correlator) loadProgram(
	ctx context.Context,
	v value.Hash,
) (*compile.Program, error) {
	def, ok, err := c.DataStore.LoadDefinition(ctx, v)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("definition %s does not exist", v)
	}

	return def.Program, nil
}

// findMsgFiber locates a fiber parked on a msg wait that the signal matches.
func findMsgFiber(
	inst *process.Instance,
	name string,
	corrKey value.Lit,
	hasCorr bool,
) int {
	for i := range inst.Fibers {
		w := inst.Fibers[i].Wait

		if w.Kind != process.WaitMsg || w.MsgName != name {
			continue
		}

		if !w.HasCorr {
			return i
		}

		if hasCorr && value.Resolve(w.CorrKey, inst.Resolve) == corrKey {
			return i
		}
	}

	return -1
}

// findRaceFiber locates a race-parked fiber with a msg arm the signal
// matches.
func findRaceFiber(
	inst *process.Instance,
	prog *compile.Program,
	name string,
	corrKey value.Lit,
	hasCorr bool,
) (int, compile.Arm, bool) {
	for i := range inst.Fibers {
		f := &inst.Fibers[i]

		if f.Wait.Kind != process.WaitRace {
			continue
		}

		if arm, ok := runtime.MsgArm(inst, prog, f, name, corrKey, hasCorr); ok {
			return i, arm, true
		}
	}

	return -1, compile.Arm{}, false
}
