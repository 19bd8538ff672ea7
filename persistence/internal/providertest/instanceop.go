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

// declareInstanceOperationTests declares a functional test-suite for
// persistence operations related to process instances.
func declareInstanceOperationTests(tc *TestContext) {
	ginkgo.Context("instance operations", func() {
		var (
			dataStore  persistence.DataStore
			instanceID uuid.UUID
		)

		newInstance := func() process.Instance {
			return process.Instance{
				ID:         instanceID,
				ProcessKey: "order",
				State:      process.StateRunning,
			}
		}

		ginkgo.BeforeEach(func() {
			var tearDown func()
			dataStore, tearDown = tc.SetupDataStore()
			ginkgo.DeferCleanup(tearDown)

			instanceID = uuid.New()
		})

		ginkgo.Describe("type persistence.SaveInstance", func() {
			ginkgo.When("the instance does not exist", func() {
				ginkgo.It("saves the instance with a revision of 1", func() {
					persist(
						tc.Context,
						dataStore,
						persistence.SaveInstance{Instance: newInstance()},
					)

					inst, ok, err := dataStore.LoadInstance(tc.Context, instanceID)
					gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
					gomega.Expect(ok).To(gomega.BeTrue())
					gomega.Expect(inst.Revision).To(gomega.BeEquivalentTo(1))
				})

				ginkgo.It("does not save the instance when an OCC conflict occurs", func() {
					inst := newInstance()
					inst.Revision = 123

					op := persistence.SaveInstance{Instance: inst}

					_, err := dataStore.Persist(
						tc.Context,
						persistence.Batch{op},
					)
					gomega.Expect(err).To(gomega.Equal(
						persistence.ConflictError{
							Cause: op,
						},
					))

					_, ok, err := dataStore.LoadInstance(tc.Context, instanceID)
					gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
					gomega.Expect(ok).To(gomega.BeFalse())
				})
			})

			ginkgo.When("the instance exists", func() {
				ginkgo.BeforeEach(func() {
					persist(
						tc.Context,
						dataStore,
						persistence.SaveInstance{Instance: newInstance()},
					)
				})

				ginkgo.It("increments the revision even if nothing has changed", func() {
					inst := newInstance()
					inst.Revision = 1

					persist(
						tc.Context,
						dataStore,
						persistence.SaveInstance{Instance: inst},
					)

					loaded, _, err := dataStore.LoadInstance(tc.Context, instanceID)
					gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
					gomega.Expect(loaded.Revision).To(gomega.BeEquivalentTo(2))
				})

				ginkgo.It("persists fiber and environment state", func() {
					inst := newInstance()
					inst.Revision = 1
					inst.Symbols = []string{"approved"}
					inst.SetFlag(0, value.OfBool(true))
					inst.Fibers = []process.Fiber{
						{
							ID:   uuid.New(),
							PC:   3,
							Wait: process.Running(),
						},
					}

					persist(
						tc.Context,
						dataStore,
						persistence.SaveInstance{Instance: inst},
					)

					loaded, _, err := dataStore.LoadInstance(tc.Context, instanceID)
					gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
					gomega.Expect(loaded.Fibers).To(gomega.HaveLen(1))
					gomega.Expect(loaded.Fibers[0].PC).To(gomega.BeEquivalentTo(3))
					gomega.Expect(loaded.Flag(0)).To(gomega.Equal(value.OfBool(true)))
				})

				ginkgo.It("does not save the instance when a stale revision is given", func() {
					inst := newInstance()
					inst.Revision = 0
					inst.StateReason = "stale write"

					op := persistence.SaveInstance{Instance: inst}

					_, err := dataStore.Persist(
						tc.Context,
						persistence.Batch{op},
					)
					gomega.Expect(err).To(gomega.Equal(
						persistence.ConflictError{
							Cause: op,
						},
					))

					loaded, _, lerr := dataStore.LoadInstance(tc.Context, instanceID)
					gomega.Expect(lerr).ShouldNot(gomega.HaveOccurred())
					gomega.Expect(loaded.StateReason).To(gomega.BeEmpty())
				})
			})
		})

		ginkgo.Describe("func LoadInstance()", func() {
			ginkgo.It("returns false for an unknown instance", func() {
				_, ok, err := dataStore.LoadInstance(tc.Context, uuid.New())
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeFalse())
			})
		})

		ginkgo.Describe("func LoadDueInstanceIDs()", func() {
			now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

			saveWaiting := func(state process.State, deadline time.Time) uuid.UUID {
				inst := process.Instance{
					ID:         uuid.New(),
					ProcessKey: "order",
					State:      state,
					Fibers: []process.Fiber{
						{
							ID: uuid.New(),
							Wait: process.Wait{
								Kind:     process.WaitTimer,
								Deadline: deadline,
							},
						},
					},
				}

				persist(
					tc.Context,
					dataStore,
					persistence.SaveInstance{Instance: inst},
				)

				return inst.ID
			}

			ginkgo.It("returns running instances with an expired deadline", func() {
				id := saveWaiting(process.StateRunning, now.Add(-time.Minute))

				ids, err := dataStore.LoadDueInstanceIDs(tc.Context, now, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ids).To(gomega.ConsistOf([]uuid.UUID{id}))
			})

			ginkgo.It("includes deadlines exactly at the given time", func() {
				id := saveWaiting(process.StateRunning, now)

				ids, err := dataStore.LoadDueInstanceIDs(tc.Context, now, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ids).To(gomega.ConsistOf([]uuid.UUID{id}))
			})

			ginkgo.It("excludes instances whose deadline is in the future", func() {
				saveWaiting(process.StateRunning, now.Add(time.Minute))

				ids, err := dataStore.LoadDueInstanceIDs(tc.Context, now, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ids).To(gomega.BeEmpty())
			})

			ginkgo.It("excludes instances without a deadline", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.SaveInstance{Instance: newInstance()},
				)

				ids, err := dataStore.LoadDueInstanceIDs(tc.Context, now, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ids).To(gomega.BeEmpty())
			})

			ginkgo.It("excludes terminal instances", func() {
				saveWaiting(process.StateCancelled, now.Add(-time.Minute))

				ids, err := dataStore.LoadDueInstanceIDs(tc.Context, now, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ids).To(gomega.BeEmpty())
			})

			ginkgo.It("limits the number of results", func() {
				saveWaiting(process.StateRunning, now.Add(-time.Minute))
				saveWaiting(process.StateRunning, now.Add(-time.Minute))
				saveWaiting(process.StateRunning, now.Add(-time.Minute))

				ids, err := dataStore.LoadDueInstanceIDs(tc.Context, now, 2)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ids).To(gomega.HaveLen(2))
			})
		})
	})
}
