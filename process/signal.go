package process

import (
	"time"

	"github.com/google/uuid"

	"github.com/obflow/obflow/value"
)

// SignalOutcome records what happened to a delivered signal.
type SignalOutcome string

const (
	// SignalDelivered means a waiting fiber consumed the signal.
	SignalDelivered SignalOutcome = "delivered"

	// SignalBuffered means no fiber was waiting and the signal was retained
	// for future delivery.
	SignalBuffered SignalOutcome = "buffered"

	// SignalIgnored means no fiber was waiting and the definition does not
	// buffer signals, or the signal arrived with a stale job key.
	SignalIgnored SignalOutcome = "ignored"
)

// SignalMemo records the outcome of a message ID that has already been
// processed. Redelivery of the same ID replays the memo instead of
// re-applying the signal.
type SignalMemo struct {
	InstanceID uuid.UUID     `json:"instanceId"`
	MsgID      string        `json:"msgId"`
	Outcome    SignalOutcome `json:"outcome"`
	RecordedAt time.Time     `json:"recordedAt"`
}

// BufferedSignal is a signal retained because no fiber was waiting for it
// when it arrived. Buffered signals are delivered in arrival order the next
// time a fiber subscribes to a matching wait.
type BufferedSignal struct {
	InstanceID uuid.UUID   `json:"instanceId"`
	MsgID      string      `json:"msgId"`
	Name       string      `json:"name"`
	CorrKey    value.Lit `json:"corrKey"`
	HasCorr    bool        `json:"hasCorr,omitempty"`
	Payload    []byte      `json:"payload,omitempty"`
	ReceivedAt time.Time   `json:"receivedAt"`

	// Seq orders buffered signals within an instance.
	Seq uint64 `json:"seq"`
}
