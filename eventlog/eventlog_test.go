package eventlog_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/value"
)

func TestEventLog(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "eventlog")
}

var _ = Describe("type Recorded", func() {
	instanceID := uuid.MustParse("414f4e3a-4f39-4a65-8366-647f4e65734b")
	recordedAt := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	Describe("func MarshalJSON()", func() {
		It("embeds the event body under its discriminator name", func() {
			rec := Recorded{
				InstanceID: instanceID,
				Seq:        3,
				RecordedAt: recordedAt,
				Event: JobRetried{
					JobKey:           "<job>",
					RetriesRemaining: 2,
					Delay:            5 * time.Second,
					Message:          "worker timed out",
				},
			}

			data, err := json.Marshal(rec)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(`"name":"job.retried"`))

			var out Recorded
			Expect(json.Unmarshal(data, &out)).ShouldNot(HaveOccurred())
			Expect(out).To(Equal(rec))
		})

		It("round-trips events that carry literal values", func() {
			rec := Recorded{
				InstanceID: instanceID,
				Seq:        7,
				RecordedAt: recordedAt,
				Event: FlagSet{
					FiberID: uuid.New(),
					Flag:    "premium",
					Value:   value.LitOfBool(true),
				},
			}

			data, err := json.Marshal(rec)
			Expect(err).ShouldNot(HaveOccurred())

			var out Recorded
			Expect(json.Unmarshal(data, &out)).ShouldNot(HaveOccurred())
			Expect(out).To(Equal(rec))
		})

		It("fails if the event body is absent", func() {
			_, err := json.Marshal(Recorded{InstanceID: instanceID})
			Expect(err).Should(HaveOccurred())
		})
	})

	Describe("func UnmarshalJSON()", func() {
		It("rejects an unknown event name", func() {
			var out Recorded
			err := json.Unmarshal(
				[]byte(`{"instanceId":"414f4e3a-4f39-4a65-8366-647f4e65734b","seq":0,"name":"no.such.event"}`),
				&out,
			)
			Expect(err).Should(HaveOccurred())
		})
	})
})

var _ = Describe("func IsTerminal()", func() {
	It("is true only for end-of-execution events", func() {
		Expect(IsTerminal(InstanceCompleted{})).To(BeTrue())
		Expect(IsTerminal(InstanceCancelled{Reason: "operator request"})).To(BeTrue())
		Expect(IsTerminal(InstanceTerminated{})).To(BeTrue())
		Expect(IsTerminal(InstanceFailed{})).To(BeTrue())

		Expect(IsTerminal(InstanceStarted{})).To(BeFalse())
		Expect(IsTerminal(JobActivated{})).To(BeFalse())
	})

	It("is true for an incident, which stalls the instance", func() {
		Expect(IsTerminal(IncidentCreated{
			IncidentID: uuid.MustParse("6f1a2b3c-4d5e-4f60-8172-839405a6b7c8"),
			ErrorClass: "CONTRACT_VIOLATION",
		})).To(BeTrue())
	})
})

// readerStub serves a fixed log from memory.
type readerStub struct {
	log []Recorded
}

func (r *readerStub) ReadEvents(
	_ context.Context,
	_ uuid.UUID,
	fromSeq uint64,
	n int,
) ([]Recorded, error) {
	if fromSeq >= uint64(len(r.log)) {
		return nil, nil
	}

	events := r.log[fromSeq:]
	if len(events) > n {
		events = events[:n]
	}

	return events, nil
}

var _ = Describe("type Subscription", func() {
	instanceID := uuid.MustParse("414f4e3a-4f39-4a65-8366-647f4e65734b")

	log := func(events ...Event) *readerStub {
		r := &readerStub{}
		for i, ev := range events {
			r.log = append(r.log, Recorded{
				InstanceID: instanceID,
				Seq:        uint64(i),
				Event:      ev,
			})
		}
		return r
	}

	Describe("func Range()", func() {
		It("delivers events in sequence order and stops at the terminal event", func() {
			sub := &Subscription{
				Reader: log(
					InstanceStarted{ProcessKey: "order"},
					FiberSpawned{},
					InstanceCompleted{},
				),
				InstanceID: instanceID,
			}

			var seqs []uint64
			err := sub.Range(
				context.Background(),
				func(_ context.Context, rec Recorded) error {
					seqs = append(seqs, rec.Seq)
					return nil
				},
			)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(seqs).To(Equal([]uint64{0, 1, 2}))
		})

		It("closes when an incident is recorded, even if the log continues", func() {
			sub := &Subscription{
				Reader: log(
					InstanceStarted{ProcessKey: "order"},
					IncidentCreated{ErrorClass: "CONTRACT_VIOLATION"},
					JobRetried{},
				),
				InstanceID: instanceID,
			}

			var names []string
			err := sub.Range(
				context.Background(),
				func(_ context.Context, rec Recorded) error {
					names = append(names, rec.Event.EventName())
					return nil
				},
			)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(names).To(Equal([]string{"instance.started", "incident.created"}))
		})

		It("starts at the requested sequence", func() {
			sub := &Subscription{
				Reader: log(
					InstanceStarted{ProcessKey: "order"},
					FiberSpawned{},
					InstanceCompleted{},
				),
				InstanceID: instanceID,
				FromSeq:    2,
			}

			var seqs []uint64
			err := sub.Range(
				context.Background(),
				func(_ context.Context, rec Recorded) error {
					seqs = append(seqs, rec.Seq)
					return nil
				},
			)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(seqs).To(Equal([]uint64{2}))
		})

		It("blocks on an idle log until the context is canceled", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			sub := &Subscription{
				Reader: log(
					InstanceStarted{ProcessKey: "order"},
				),
				InstanceID:   instanceID,
				PollInterval: 5 * time.Millisecond,
			}

			err := sub.Range(
				ctx,
				func(context.Context, Recorded) error { return nil },
			)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})

		It("propagates the callback's error", func() {
			sub := &Subscription{
				Reader: log(
					InstanceStarted{ProcessKey: "order"},
					InstanceCompleted{},
				),
				InstanceID: instanceID,
			}

			expected := context.Canceled
			err := sub.Range(
				context.Background(),
				func(_ context.Context, rec Recorded) error {
					return expected
				},
			)
			Expect(err).To(MatchError(expected))
		})
	})
})
