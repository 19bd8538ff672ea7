package providertest

import (
	"time"

	"github.com/google/uuid"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
)

// declareJobOperationTests declares a functional test-suite for persistence
// operations related to the work queue.
func declareJobOperationTests(tc *TestContext) {
	ginkgo.Context("job operations", func() {
		var (
			dataStore  persistence.DataStore
			instanceID uuid.UUID
			now        time.Time
		)

		newJob := func(key string, enqueuedAt time.Time) process.Job {
			return process.Job{
				Key:              key,
				InstanceID:       instanceID,
				TaskType:         "charge-card",
				ServiceTaskID:    "charge",
				RetriesRemaining: 3,
				EnqueuedAt:       enqueuedAt,
				NextAttemptAt:    enqueuedAt,
			}
		}

		ginkgo.BeforeEach(func() {
			var tearDown func()
			dataStore, tearDown = tc.SetupDataStore()
			ginkgo.DeferCleanup(tearDown)

			instanceID = uuid.New()
			now = time.Now().Truncate(time.Millisecond)
		})

		ginkgo.Describe("type persistence.SaveJob", func() {
			ginkgo.It("saves the job with a revision of 1", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.SaveJob{Job: newJob("<job-1>", now)},
				)

				j, ok, err := dataStore.LoadJob(tc.Context, "<job-1>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
				gomega.Expect(j.Revision).To(gomega.BeEquivalentTo(1))
			})

			ginkgo.It("does not save the job when an OCC conflict occurs", func() {
				j := newJob("<job-1>", now)
				j.Revision = 123

				op := persistence.SaveJob{Job: j}

				_, err := dataStore.Persist(
					tc.Context,
					persistence.Batch{op},
				)
				gomega.Expect(err).To(gomega.Equal(
					persistence.ConflictError{
						Cause: op,
					},
				))
			})

			ginkgo.It("allows the lease to be updated against the current revision", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.SaveJob{Job: newJob("<job-1>", now)},
				)

				j, _, err := dataStore.LoadJob(tc.Context, "<job-1>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				j.LeasedUntil = now.Add(30 * time.Second)

				persist(
					tc.Context,
					dataStore,
					persistence.SaveJob{Job: j},
				)

				j, _, err = dataStore.LoadJob(tc.Context, "<job-1>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(j.Revision).To(gomega.BeEquivalentTo(2))
				gomega.Expect(j.IsLeased(now)).To(gomega.BeTrue())
			})
		})

		ginkgo.Describe("type persistence.RemoveJob", func() {
			ginkgo.It("removes the job", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.SaveJob{Job: newJob("<job-1>", now)},
				)

				j, _, err := dataStore.LoadJob(tc.Context, "<job-1>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				persist(
					tc.Context,
					dataStore,
					persistence.RemoveJob{Job: j},
				)

				_, ok, err := dataStore.LoadJob(tc.Context, "<job-1>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeFalse())
			})

			ginkgo.It("returns a not-found error if the job does not exist", func() {
				op := persistence.RemoveJob{Job: newJob("<job-1>", now)}

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

			ginkgo.It("does not remove the job when an OCC conflict occurs", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.SaveJob{Job: newJob("<job-1>", now)},
				)

				stale := newJob("<job-1>", now)
				stale.Revision = 123

				op := persistence.RemoveJob{Job: stale}

				_, err := dataStore.Persist(
					tc.Context,
					persistence.Batch{op},
				)
				gomega.Expect(err).To(gomega.Equal(
					persistence.ConflictError{
						Cause: op,
					},
				))

				_, ok, err := dataStore.LoadJob(tc.Context, "<job-1>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
			})
		})

		ginkgo.Describe("func LoadActivatableJobs()", func() {
			ginkgo.It("returns due, unleased jobs of the requested type, oldest first", func() {
				older := newJob("<job-older>", now.Add(-2*time.Minute))
				newer := newJob("<job-newer>", now.Add(-1*time.Minute))
				other := newJob("<job-other>", now.Add(-3*time.Minute))
				other.TaskType = "send-email"

				persist(
					tc.Context,
					dataStore,
					persistence.SaveJob{Job: newer},
					persistence.SaveJob{Job: older},
					persistence.SaveJob{Job: other},
				)

				jobs, err := dataStore.LoadActivatableJobs(tc.Context, "charge-card", now, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(jobs).To(gomega.HaveLen(2))
				gomega.Expect(jobs[0].Key).To(gomega.Equal("<job-older>"))
				gomega.Expect(jobs[1].Key).To(gomega.Equal("<job-newer>"))
			})

			ginkgo.It("excludes leased jobs", func() {
				j := newJob("<job-1>", now)
				j.LeasedUntil = now.Add(time.Minute)

				persist(
					tc.Context,
					dataStore,
					persistence.SaveJob{Job: j},
				)

				jobs, err := dataStore.LoadActivatableJobs(tc.Context, "charge-card", now, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(jobs).To(gomega.BeEmpty())
			})

			ginkgo.It("excludes jobs that are not yet due", func() {
				j := newJob("<job-1>", now)
				j.NextAttemptAt = now.Add(time.Minute)

				persist(
					tc.Context,
					dataStore,
					persistence.SaveJob{Job: j},
				)

				jobs, err := dataStore.LoadActivatableJobs(tc.Context, "charge-card", now, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(jobs).To(gomega.BeEmpty())
			})

			ginkgo.It("limits the number of jobs returned", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.SaveJob{Job: newJob("<job-1>", now.Add(-2*time.Minute))},
					persistence.SaveJob{Job: newJob("<job-2>", now.Add(-1*time.Minute))},
				)

				jobs, err := dataStore.LoadActivatableJobs(tc.Context, "charge-card", now, 1)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(jobs).To(gomega.HaveLen(1))
				gomega.Expect(jobs[0].Key).To(gomega.Equal("<job-1>"))
			})
		})

		ginkgo.Describe("func LoadJobsByInstance()", func() {
			ginkgo.It("returns only the instance's jobs", func() {
				mine := newJob("<job-mine>", now)

				theirs := newJob("<job-theirs>", now)
				theirs.InstanceID = uuid.New()

				persist(
					tc.Context,
					dataStore,
					persistence.SaveJob{Job: mine},
					persistence.SaveJob{Job: theirs},
				)

				jobs, err := dataStore.LoadJobsByInstance(tc.Context, instanceID)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(jobs).To(gomega.HaveLen(1))
				gomega.Expect(jobs[0].Key).To(gomega.Equal("<job-mine>"))
			})
		})
	})
}
