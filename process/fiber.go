package process

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/value"
)

// WaitKind enumerates the closed set of reasons a fiber is not running.
type WaitKind uint8

const (
	// WaitNone means the fiber is running and can be advanced by a tick.
	WaitNone WaitKind = iota

	// WaitTimer means the fiber is parked until a deadline passes.
	WaitTimer

	// WaitMsg means the fiber is parked until a message is correlated to it.
	WaitMsg

	// WaitJob means the fiber is parked until its service-task job is
	// completed or failed.
	WaitJob

	// WaitJoin means the fiber arrived early at a join barrier.
	WaitJoin

	// WaitRace means the fiber is parked on a race group awaiting its first
	// arm to resolve.
	WaitRace

	// WaitIncident means the fiber is blocked on an incident and requires an
	// external resolution.
	WaitIncident
)

// String returns a human-readable name for the wait kind.
func (k WaitKind) String() string {
	switch k {
	case WaitNone:
		return "running"
	case WaitTimer:
		return "timer"
	case WaitMsg:
		return "msg"
	case WaitJob:
		return "job"
	case WaitJoin:
		return "join"
	case WaitRace:
		return "race"
	case WaitIncident:
		return "incident"
	default:
		return fmt.Sprintf("<unknown wait %d>", uint8(k))
	}
}

// Wait describes why a fiber is suspended. The fields in use depend on Kind.
type Wait struct {
	Kind WaitKind `json:"kind"`

	// Deadline is the expiry time of a timer wait, or the earliest timer-arm
	// deadline of a race wait.
	Deadline time.Time `json:"deadline,omitempty"`

	// MsgName and CorrKey identify the message a msg wait is subscribed to.
	// CorrKey is only compared when HasCorr is set.
	MsgName string      `json:"msgName,omitempty"`
	CorrKey value.Value `json:"corrKey,omitempty"`
	HasCorr bool        `json:"hasCorr,omitempty"`

	// JobKey is the derived key of the job a job wait is parked on.
	JobKey string `json:"jobKey,omitempty"`

	// Join is the barrier a join wait arrived at.
	Join compile.JoinID `json:"join,omitempty"`

	// Race identifies the race group of a race wait. JobKeys holds the keys
	// of any job arms so they can be withdrawn when another arm wins.
	// TimerArm indexes the race's arm list at the timer arm whose absolute
	// expiry is recorded in Deadline.
	Race     compile.RaceID `json:"race,omitempty"`
	JobKeys  []string       `json:"jobKeys,omitempty"`
	TimerArm int            `json:"timerArm,omitempty"`

	// Incident is the incident blocking an incident wait.
	Incident uuid.UUID `json:"incident,omitempty"`
}

// Running is the wait-state of a runnable fiber.
func Running() Wait {
	return Wait{Kind: WaitNone}
}

// Describe returns a short human-readable description of the wait, used in
// audit events.
func (w Wait) Describe() string {
	switch w.Kind {
	case WaitNone:
		return ""
	case WaitTimer:
		return fmt.Sprintf("timer until %s", w.Deadline.Format(time.RFC3339))
	case WaitMsg:
		return fmt.Sprintf("msg %q", w.MsgName)
	case WaitJob:
		return fmt.Sprintf("job %s", w.JobKey)
	case WaitJoin:
		return fmt.Sprintf("join %d", w.Join)
	case WaitRace:
		return fmt.Sprintf("race %d", w.Race)
	case WaitIncident:
		return fmt.Sprintf("incident %s", w.Incident)
	default:
		return "<unknown wait>"
	}
}

// Fiber is a single logical thread of control within a process instance.
//
// Fibers are exclusively owned by their instance and addressed positionally
// within it; they never refer back to the instance.
type Fiber struct {
	ID   uuid.UUID    `json:"id"`
	PC   compile.Addr `json:"pc"`
	Wait Wait         `json:"wait"`
}

// IsRunning returns true if the fiber can be advanced by a tick.
func (f *Fiber) IsRunning() bool {
	return f.Wait.Kind == WaitNone
}
