package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/obflow/obflow/process"
)

// SignalRepository is an interface for reading signal memos and buffered
// signals.
type SignalRepository interface {
	// LoadSignalMemo loads the memo for a previously processed message ID.
	//
	// ok is false if the message ID has not been processed.
	LoadSignalMemo(
		ctx context.Context,
		instanceID uuid.UUID,
		msgID string,
	) (_ process.SignalMemo, ok bool, _ error)

	// LoadBufferedSignals loads an instance's retained signals in arrival
	// order.
	LoadBufferedSignals(ctx context.Context, instanceID uuid.UUID) ([]process.BufferedSignal, error)
}
