package providertest

import (
	"time"

	"github.com/google/uuid"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
)

// declareIncidentOperationTests declares a functional test-suite for
// persistence operations related to incidents.
func declareIncidentOperationTests(tc *TestContext) {
	ginkgo.Context("incident operations", func() {
		var (
			dataStore  persistence.DataStore
			instanceID uuid.UUID
			now        time.Time
		)

		newIncident := func(createdAt time.Time) process.Incident {
			return process.Incident{
				ID:         uuid.New(),
				InstanceID: instanceID,
				FiberID:    uuid.New(),
				ErrorClass: process.ErrorContractViolation,
				Message:    "job payload hash mismatch",
				CreatedAt:  createdAt,
			}
		}

		ginkgo.BeforeEach(func() {
			var tearDown func()
			dataStore, tearDown = tc.SetupDataStore()
			ginkgo.DeferCleanup(tearDown)

			instanceID = uuid.New()
			now = time.Now().Truncate(time.Millisecond)
		})

		ginkgo.Describe("type persistence.SaveIncident", func() {
			ginkgo.It("saves an incident that can be loaded by ID", func() {
				inc := newIncident(now)

				persist(
					tc.Context,
					dataStore,
					persistence.SaveIncident{Incident: inc},
				)

				loaded, ok, err := dataStore.LoadIncident(tc.Context, inc.ID)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
				gomega.Expect(loaded.ErrorClass).To(gomega.Equal(process.ErrorContractViolation))
				gomega.Expect(loaded.IsOpen()).To(gomega.BeTrue())
			})

			ginkgo.It("updates an existing incident when it is resolved", func() {
				inc := newIncident(now)

				persist(
					tc.Context,
					dataStore,
					persistence.SaveIncident{Incident: inc},
				)

				inc.ResolvedAt = now.Add(time.Minute)
				inc.Resolution = process.ResolutionRetry

				persist(
					tc.Context,
					dataStore,
					persistence.SaveIncident{Incident: inc},
				)

				loaded, _, err := dataStore.LoadIncident(tc.Context, inc.ID)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(loaded.IsOpen()).To(gomega.BeFalse())
				gomega.Expect(loaded.Resolution).To(gomega.Equal(process.ResolutionRetry))
			})
		})

		ginkgo.Describe("func LoadOpenIncidents()", func() {
			ginkgo.It("returns open incidents in creation order, excluding resolved ones", func() {
				first := newIncident(now.Add(-2 * time.Minute))
				second := newIncident(now.Add(-1 * time.Minute))

				resolved := newIncident(now.Add(-3 * time.Minute))
				resolved.ResolvedAt = now
				resolved.Resolution = process.ResolutionCancelFiber

				persist(
					tc.Context,
					dataStore,
					persistence.SaveIncident{Incident: second},
					persistence.SaveIncident{Incident: first},
					persistence.SaveIncident{Incident: resolved},
				)

				incidents, err := dataStore.LoadOpenIncidents(tc.Context, instanceID)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(incidents).To(gomega.HaveLen(2))
				gomega.Expect(incidents[0].ID).To(gomega.Equal(first.ID))
				gomega.Expect(incidents[1].ID).To(gomega.Equal(second.ID))
			})
		})
	})
}
