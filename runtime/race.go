package runtime

import (
	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/process"
	"github.com/obflow/obflow/value"
)

// ResolveRace resumes a race-parked fiber via the winning arm.
//
// It returns the keys of the race's job arms, all of which must be withdrawn
// by the caller, and the audit events of the resolution. The completed job's
// own key is included; withdrawing it is idempotent with its removal.
func ResolveRace(f *process.Fiber, winner compile.Arm) ([]string, []eventlog.Event) {
	race := f.Wait.Race
	withdraw := f.Wait.JobKeys

	f.PC = winner.ResumeAt
	f.Wait = process.Running()

	return withdraw, []eventlog.Event{
		eventlog.RaceWon{
			FiberID: f.ID,
			RaceID:  race,
			Arm:     winner.Kind,
		},
		eventlog.RaceCancelled{
			FiberID: f.ID,
			RaceID:  race,
		},
	}
}

// JobArm finds the job arm of the fiber's race group that surfaced the job
// with the given key.
func JobArm(
	inst *process.Instance,
	prog *compile.Program,
	f *process.Fiber,
	key string,
) (compile.Arm, bool) {
	for _, a := range prog.Races[f.Wait.Race] {
		if a.Kind != compile.ArmJob {
			continue
		}

		if process.JobKey(inst.ID, inst.Resolve(a.TaskID), f.PC) == key {
			return a, true
		}
	}

	return compile.Arm{}, false
}

// MsgArm finds the msg arm of the fiber's race group that matches a signal
// with the given name and correlation key.
func MsgArm(
	inst *process.Instance,
	prog *compile.Program,
	f *process.Fiber,
	name string,
	corr value.Lit,
	hasCorr bool,
) (compile.Arm, bool) {
	for _, a := range prog.Races[f.Wait.Race] {
		if a.Kind != compile.ArmMsg {
			continue
		}

		if inst.Resolve(a.MsgName) != name {
			continue
		}

		if !a.HasCorr {
			return a, true
		}

		if hasCorr && value.Resolve(inst.Flag(a.CorrFlag), inst.Resolve) == corr {
			return a, true
		}
	}

	return compile.Arm{}, false
}
