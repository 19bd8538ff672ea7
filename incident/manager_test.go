package incident_test

import (
	"context"
	"testing"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/obflow/obflow/incident"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/persistence/memorypersistence"
	"github.com/obflow/obflow/process"
	"github.com/obflow/obflow/runtime"
)

func TestIncident(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "incident")
}

var _ = Describe("type Manager", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		now       time.Time
		dataStore persistence.DataStore
		manager   *Manager

		inst process.Instance
		inc  process.Incident
	)

	save := func() {
		_, err := dataStore.Persist(ctx, persistence.Batch{
			persistence.SaveInstance{Instance: inst},
			persistence.SaveIncident{Incident: inc},
		})
		Expect(err).ShouldNot(HaveOccurred())

		inst.Revision++
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)

		now = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

		p := &memorypersistence.Provider{}
		ds, err := p.Open(ctx, "<deployment>")
		Expect(err).ShouldNot(HaveOccurred())
		dataStore = ds

		manager = &Manager{
			DataStore: dataStore,
			Now:       func() time.Time { return now },
			Logger:    logging.DiscardLogger{},
		}

		fiberID := uuid.New()
		incidentID := uuid.New()

		inst = process.Instance{
			ID:         uuid.New(),
			ProcessKey: "order",
			State:      process.StateFailed,
			Fibers: []process.Fiber{
				{
					ID: fiberID,
					PC: 4,
					Wait: process.Wait{
						Kind:     process.WaitIncident,
						Incident: incidentID,
					},
				},
			},
			CreatedAt: now,
		}
		inst.FailureIncident = incidentID

		inc = process.Incident{
			ID:         incidentID,
			InstanceID: inst.ID,
			FiberID:    fiberID,
			ErrorClass: process.ErrorContractViolation,
			Message:    "bad payload",
			CreatedAt:  now,
		}

		save()
	})

	AfterEach(func() {
		dataStore.Close()
		cancel()
	})

	Describe("func Resolve()", func() {
		It("rejects an unknown resolution", func() {
			err := manager.Resolve(ctx, inc.ID, process.Resolution("ignore"))
			Expect(err).To(MatchError(`invalid incident resolution "ignore"`))
		})

		It("rejects an unknown incident", func() {
			err := manager.Resolve(ctx, uuid.New(), process.ResolutionRetry)
			Expect(err).To(BeAssignableToTypeOf(UnknownIncidentError{}))
		})

		It("rejects a resolution of an already-resolved incident", func() {
			err := manager.Resolve(ctx, inc.ID, process.ResolutionRetry)
			Expect(err).ShouldNot(HaveOccurred())

			err = manager.Resolve(ctx, inc.ID, process.ResolutionCancelFiber)
			Expect(err).To(BeAssignableToTypeOf(ResolvedIncidentError{}))
		})

		It("rejects a resolution when the instance is terminal", func() {
			inst.State = process.StateCancelled
			inst.Fibers = nil
			save()

			err := manager.Resolve(ctx, inc.ID, process.ResolutionRetry)
			Expect(err).To(BeAssignableToTypeOf(runtime.InstanceTerminalError{}))
		})

		It("retry revives a failed instance and marks the fiber runnable", func() {
			err := manager.Resolve(ctx, inc.ID, process.ResolutionRetry)
			Expect(err).ShouldNot(HaveOccurred())

			out, ok, err := dataStore.LoadInstance(ctx, inst.ID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			Expect(out.State).To(Equal(process.StateRunning))
			Expect(out.Fibers[0].Wait.Kind).To(Equal(process.WaitNone))

			// the fiber resumes at the failed instruction
			Expect(out.Fibers[0].PC).To(Equal(inst.Fibers[0].PC))

			stored, ok, err := dataStore.LoadIncident(ctx, inc.ID)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(stored.IsOpen()).To(BeFalse())
			Expect(stored.Resolution).To(Equal(process.ResolutionRetry))
		})

		It("cancelling the last fiber cancels the instance", func() {
			err := manager.Resolve(ctx, inc.ID, process.ResolutionCancelFiber)
			Expect(err).ShouldNot(HaveOccurred())

			out, _, err := dataStore.LoadInstance(ctx, inst.ID)
			Expect(err).ShouldNot(HaveOccurred())

			Expect(out.State).To(Equal(process.StateCancelled))
			Expect(out.Fibers).To(BeEmpty())
		})

		It("cancelling one of several fibers leaves the others alone", func() {
			sibling := process.Fiber{
				ID:   uuid.New(),
				PC:   9,
				Wait: process.Wait{Kind: process.WaitTimer, Deadline: now.Add(time.Hour)},
			}
			inst.Fibers = append(inst.Fibers, sibling)
			inst.State = process.StateRunning
			inst.FailureIncident = uuid.Nil
			save()

			err := manager.Resolve(ctx, inc.ID, process.ResolutionCancelFiber)
			Expect(err).ShouldNot(HaveOccurred())

			out, _, err := dataStore.LoadInstance(ctx, inst.ID)
			Expect(err).ShouldNot(HaveOccurred())

			Expect(out.State).To(Equal(process.StateRunning))
			Expect(out.Fibers).To(HaveLen(1))
			Expect(out.Fibers[0].ID).To(Equal(sibling.ID))
		})
	})
})
