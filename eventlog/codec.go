package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// envelope is the wire form of a recorded event. The event body is embedded
// under a discriminator key so the log can be decoded without knowing the
// variant in advance.
type envelope struct {
	InstanceID uuid.UUID       `json:"instanceId"`
	Seq        uint64          `json:"seq"`
	RecordedAt time.Time       `json:"recordedAt"`
	Name       string          `json:"name"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Recorded) MarshalJSON() ([]byte, error) {
	if r.Event == nil {
		return nil, fmt.Errorf("recorded event %s/%d has no event body", r.InstanceID, r.Seq)
	}

	body, err := json.Marshal(r.Event)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal %s event: %w", r.Event.EventName(), err)
	}

	return json.Marshal(envelope{
		InstanceID: r.InstanceID,
		Seq:        r.Seq,
		RecordedAt: r.RecordedAt,
		Name:       r.Event.EventName(),
		Body:       body,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Recorded) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	ev, err := decodeEvent(env.Name, env.Body)
	if err != nil {
		return err
	}

	r.InstanceID = env.InstanceID
	r.Seq = env.Seq
	r.RecordedAt = env.RecordedAt
	r.Event = ev

	return nil
}

func decodeEvent(name string, body json.RawMessage) (Event, error) {
	var ev Event

	switch name {
	case "instance.started":
		ev = &InstanceStarted{}
	case "fiber.spawned":
		ev = &FiberSpawned{}
	case "fiber.forked":
		ev = &Forked{}
	case "fiber.forked.inclusive":
		ev = &InclusiveForked{}
	case "join.arrived":
		ev = &JoinArrived{}
	case "join.released":
		ev = &JoinReleased{}
	case "timer.set":
		ev = &TimerSet{}
	case "timer.fired":
		ev = &TimerFired{}
	case "msg.subscribed":
		ev = &MsgSubscribed{}
	case "msg.received":
		ev = &MsgReceived{}
	case "signal.buffered":
		ev = &SignalBuffered{}
	case "signal.ignored":
		ev = &SignalIgnored{}
	case "job.enqueued":
		ev = &JobEnqueued{}
	case "job.activated":
		ev = &JobActivated{}
	case "job.completed":
		ev = &JobCompleted{}
	case "job.retried":
		ev = &JobRetried{}
	case "incident.created":
		ev = &IncidentCreated{}
	case "incident.resolved":
		ev = &IncidentResolved{}
	case "race.registered":
		ev = &RaceRegistered{}
	case "race.won":
		ev = &RaceWon{}
	case "race.cancelled":
		ev = &RaceCancelled{}
	case "flag.set":
		ev = &FlagSet{}
	case "wait.cancelled":
		ev = &WaitCancelled{}
	case "instance.completed":
		ev = &InstanceCompleted{}
	case "instance.cancelled":
		ev = &InstanceCancelled{}
	case "instance.terminated":
		ev = &InstanceTerminated{}
	case "instance.failed":
		ev = &InstanceFailed{}
	default:
		return nil, fmt.Errorf("unrecognized event name %q", name)
	}

	if len(body) != 0 {
		if err := json.Unmarshal(body, ev); err != nil {
			return nil, fmt.Errorf("unable to unmarshal %s event: %w", name, err)
		}
	}

	return deref(ev), nil
}

// deref converts the pointer used for decoding back to the value form that
// the rest of the engine records.
func deref(ev Event) Event {
	switch e := ev.(type) {
	case *InstanceStarted:
		return *e
	case *FiberSpawned:
		return *e
	case *Forked:
		return *e
	case *InclusiveForked:
		return *e
	case *JoinArrived:
		return *e
	case *JoinReleased:
		return *e
	case *TimerSet:
		return *e
	case *TimerFired:
		return *e
	case *MsgSubscribed:
		return *e
	case *MsgReceived:
		return *e
	case *SignalBuffered:
		return *e
	case *SignalIgnored:
		return *e
	case *JobEnqueued:
		return *e
	case *JobActivated:
		return *e
	case *JobCompleted:
		return *e
	case *JobRetried:
		return *e
	case *IncidentCreated:
		return *e
	case *IncidentResolved:
		return *e
	case *RaceRegistered:
		return *e
	case *RaceWon:
		return *e
	case *RaceCancelled:
		return *e
	case *FlagSet:
		return *e
	case *WaitCancelled:
		return *e
	case *InstanceCompleted:
		return *e
	case *InstanceCancelled:
		return *e
	case *InstanceTerminated:
		return *e
	case *InstanceFailed:
		return *e
	default:
		return ev
	}
}
