package providertest

import (
	"time"

	"github.com/google/uuid"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/persistence"
)

// declareEventOperationTests declares a functional test-suite for persistence
// operations related to the event log.
func declareEventOperationTests(tc *TestContext) {
	ginkgo.Context("event operations", func() {
		var (
			dataStore  persistence.DataStore
			instanceID uuid.UUID
			now        time.Time
		)

		ginkgo.BeforeEach(func() {
			var tearDown func()
			dataStore, tearDown = tc.SetupDataStore()
			ginkgo.DeferCleanup(tearDown)

			instanceID = uuid.New()
			now = time.Now().Truncate(time.Millisecond)
		})

		ginkgo.Describe("type persistence.SaveEvent", func() {
			ginkgo.It("assigns gapless sequence numbers starting at zero", func() {
				res := persist(
					tc.Context,
					dataStore,
					persistence.SaveEvent{
						InstanceID: instanceID,
						RecordedAt: now,
						Event: eventlog.InstanceStarted{
							ProcessKey: "order",
						},
					},
					persistence.SaveEvent{
						InstanceID: instanceID,
						RecordedAt: now,
						Event: eventlog.FiberSpawned{
							FiberID: uuid.New(),
						},
					},
				)

				gomega.Expect(res.Events).To(gomega.HaveLen(2))
				gomega.Expect(res.Events[0].Seq).To(gomega.BeEquivalentTo(0))
				gomega.Expect(res.Events[1].Seq).To(gomega.BeEquivalentTo(1))

				res = persist(
					tc.Context,
					dataStore,
					persistence.SaveEvent{
						InstanceID: instanceID,
						RecordedAt: now,
						Event:      eventlog.InstanceCompleted{},
					},
				)

				gomega.Expect(res.Events).To(gomega.HaveLen(1))
				gomega.Expect(res.Events[0].Seq).To(gomega.BeEquivalentTo(2))
			})

			ginkgo.It("sequences each instance's log independently", func() {
				other := uuid.New()

				persist(
					tc.Context,
					dataStore,
					persistence.SaveEvent{
						InstanceID: instanceID,
						RecordedAt: now,
						Event:      eventlog.InstanceStarted{ProcessKey: "order"},
					},
				)

				res := persist(
					tc.Context,
					dataStore,
					persistence.SaveEvent{
						InstanceID: other,
						RecordedAt: now,
						Event:      eventlog.InstanceStarted{ProcessKey: "order"},
					},
				)

				gomega.Expect(res.Events[0].Seq).To(gomega.BeEquivalentTo(0))
			})
		})

		ginkgo.Describe("func ReadEvents()", func() {
			ginkgo.BeforeEach(func() {
				persist(
					tc.Context,
					dataStore,
					persistence.SaveEvent{
						InstanceID: instanceID,
						RecordedAt: now,
						Event:      eventlog.InstanceStarted{ProcessKey: "order"},
					},
					persistence.SaveEvent{
						InstanceID: instanceID,
						RecordedAt: now,
						Event:      eventlog.FlagSet{Flag: "approved"},
					},
					persistence.SaveEvent{
						InstanceID: instanceID,
						RecordedAt: now,
						Event:      eventlog.InstanceCompleted{},
					},
				)
			})

			ginkgo.It("returns events in sequence order", func() {
				events, err := dataStore.ReadEvents(tc.Context, instanceID, 0, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(events).To(gomega.HaveLen(3))
				gomega.Expect(events[0].Event).To(gomega.Equal(
					eventlog.InstanceStarted{ProcessKey: "order"},
				))
				gomega.Expect(events[2].Event).To(gomega.Equal(
					eventlog.InstanceCompleted{},
				))
			})

			ginkgo.It("honors the starting sequence number and limit", func() {
				events, err := dataStore.ReadEvents(tc.Context, instanceID, 1, 1)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(events).To(gomega.HaveLen(1))
				gomega.Expect(events[0].Seq).To(gomega.BeEquivalentTo(1))
			})

			ginkgo.It("returns nothing past the end of the log", func() {
				events, err := dataStore.ReadEvents(tc.Context, instanceID, 3, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(events).To(gomega.BeEmpty())
			})
		})

		ginkgo.Describe("func NextEventSeq()", func() {
			ginkgo.It("returns zero for an instance with no events", func() {
				seq, err := dataStore.NextEventSeq(tc.Context, uuid.New())
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(seq).To(gomega.BeEquivalentTo(0))
			})

			ginkgo.It("returns the sequence number after the last event", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.SaveEvent{
						InstanceID: instanceID,
						RecordedAt: now,
						Event:      eventlog.InstanceStarted{ProcessKey: "order"},
					},
				)

				seq, err := dataStore.NextEventSeq(tc.Context, instanceID)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(seq).To(gomega.BeEquivalentTo(1))
			})
		})
	})
}
