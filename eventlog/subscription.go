package eventlog

import (
	"context"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/google/uuid"
)

// Reader reads recorded events from an instance's log.
type Reader interface {
	// ReadEvents returns events for the given instance with sequence numbers
	// in the half-open range [fromSeq, fromSeq+n). It returns fewer than n
	// events only when the log does not (yet) contain them.
	ReadEvents(ctx context.Context, id uuid.UUID, fromSeq uint64, n int) ([]Recorded, error)
}

// DefaultPollInterval is the interval at which a subscription polls for new
// events when the log is idle.
const DefaultPollInterval = 100 * time.Millisecond

// Subscription streams an instance's events in sequence order.
type Subscription struct {
	Reader       Reader
	InstanceID   uuid.UUID
	FromSeq      uint64
	PollInterval time.Duration

	// BatchSize is the maximum number of events read per poll. A value of
	// zero means 50.
	BatchSize int
}

// Range invokes fn for each event in sequence order, starting at FromSeq.
//
// It blocks waiting for new events until a terminal event is observed, fn
// returns a non-nil error, or ctx is canceled. Observing a terminal event
// returns nil after fn has seen it.
func (s *Subscription) Range(
	ctx context.Context,
	fn func(context.Context, Recorded) error,
) error {
	cursor := s.FromSeq

	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	n := s.BatchSize
	if n <= 0 {
		n = 50
	}

	for {
		events, err := s.Reader.ReadEvents(ctx, s.InstanceID, cursor, n)
		if err != nil {
			return err
		}

		for _, rec := range events {
			if err := fn(ctx, rec); err != nil {
				return err
			}

			cursor = rec.Seq + 1

			if IsTerminal(rec.Event) {
				return nil
			}
		}

		if len(events) == 0 {
			if err := linger.Sleep(ctx, interval); err != nil {
				return err
			}
		}
	}
}
