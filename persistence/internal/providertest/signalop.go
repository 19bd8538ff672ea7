package providertest

import (
	"time"

	"github.com/google/uuid"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
	"github.com/obflow/obflow/value"
)

// declareSignalOperationTests declares a functional test-suite for
// persistence operations related to signals.
func declareSignalOperationTests(tc *TestContext) {
	ginkgo.Context("signal operations", func() {
		var (
			dataStore  persistence.DataStore
			instanceID uuid.UUID
			now        time.Time
		)

		newSignal := func(msgID string) process.BufferedSignal {
			return process.BufferedSignal{
				InstanceID: instanceID,
				MsgID:      msgID,
				Name:       "payment-confirmed",
				CorrKey:    value.LitOfInt(42),
				HasCorr:    true,
				ReceivedAt: now,
			}
		}

		ginkgo.BeforeEach(func() {
			var tearDown func()
			dataStore, tearDown = tc.SetupDataStore()
			ginkgo.DeferCleanup(tearDown)

			instanceID = uuid.New()
			now = time.Now().Truncate(time.Millisecond)
		})

		ginkgo.Describe("type persistence.SaveSignalMemo", func() {
			ginkgo.It("saves a memo that can be loaded by message ID", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.SaveSignalMemo{
						Memo: process.SignalMemo{
							InstanceID: instanceID,
							MsgID:      "<msg-1>",
							Outcome:    process.SignalDelivered,
							RecordedAt: now,
						},
					},
				)

				memo, ok, err := dataStore.LoadSignalMemo(tc.Context, instanceID, "<msg-1>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
				gomega.Expect(memo.Outcome).To(gomega.Equal(process.SignalDelivered))
			})

			ginkgo.It("returns false for an unprocessed message ID", func() {
				_, ok, err := dataStore.LoadSignalMemo(tc.Context, instanceID, "<msg-unknown>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeFalse())
			})
		})

		ginkgo.Describe("type persistence.SaveBufferedSignal", func() {
			ginkgo.It("retains signals in arrival order", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.SaveBufferedSignal{Signal: newSignal("<msg-1>")},
				)
				persist(
					tc.Context,
					dataStore,
					persistence.SaveBufferedSignal{Signal: newSignal("<msg-2>")},
				)

				signals, err := dataStore.LoadBufferedSignals(tc.Context, instanceID)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(signals).To(gomega.HaveLen(2))
				gomega.Expect(signals[0].MsgID).To(gomega.Equal("<msg-1>"))
				gomega.Expect(signals[1].MsgID).To(gomega.Equal("<msg-2>"))
			})
		})

		ginkgo.Describe("type persistence.RemoveBufferedSignal", func() {
			ginkgo.It("removes the signal with the matching message ID", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.SaveBufferedSignal{Signal: newSignal("<msg-1>")},
				)
				persist(
					tc.Context,
					dataStore,
					persistence.SaveBufferedSignal{Signal: newSignal("<msg-2>")},
				)

				persist(
					tc.Context,
					dataStore,
					persistence.RemoveBufferedSignal{Signal: newSignal("<msg-1>")},
				)

				signals, err := dataStore.LoadBufferedSignals(tc.Context, instanceID)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(signals).To(gomega.HaveLen(1))
				gomega.Expect(signals[0].MsgID).To(gomega.Equal("<msg-2>"))
			})

			ginkgo.It("returns a not-found error if no signal matches", func() {
				op := persistence.RemoveBufferedSignal{Signal: newSignal("<msg-unknown>")}

				_, err := dataStore.Persist(
					tc.Context,
					persistence.Batch{op},
				)
				gomega.Expect(err).To(gomega.Equal(
					persistence.NotFoundError{
						Cause: op,
					},
				))
			})
		})
	})
}
