package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger/backoff"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/obflow/obflow/broker"
	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/persistence/memorypersistence"
	"github.com/obflow/obflow/process"
	"github.com/obflow/obflow/runtime"
	"github.com/obflow/obflow/value"
)

func TestBroker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "broker")
}

var _ = Describe("type Broker", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		now       time.Time
		dataStore persistence.DataStore
		scheduler *runtime.Scheduler
		subject   *Broker
	)

	source := `
process: billing
elements:
  - id: start
    type: start
    next: charge
  - id: charge
    type: service
    task: charge
    retries: 1
    next: done
  - id: done
    type: end
`

	start := func() uuid.UUID {
		p, _, err := compile.Compile([]byte(source))
		Expect(err).ShouldNot(HaveOccurred())

		def := persistence.Definition{
			ProcessKey: p.Key,
			Version:    p.Version,
			Program:    p,
			DeployedAt: now,
		}

		// registering the same version twice is a no-op
		_, err = dataStore.Persist(ctx, persistence.Batch{
			persistence.SaveDefinition{Definition: def},
		})
		Expect(err).ShouldNot(HaveOccurred())

		id, err := scheduler.Start(ctx, def, nil, value.SumHash(nil), "")
		Expect(err).ShouldNot(HaveOccurred())
		Expect(scheduler.Tick(ctx, id)).ShouldNot(HaveOccurred())

		return id
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)

		now = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

		p := &memorypersistence.Provider{}
		ds, err := p.Open(ctx, "<deployment>")
		Expect(err).ShouldNot(HaveOccurred())
		dataStore = ds

		clock := func() time.Time { return now }

		scheduler = &runtime.Scheduler{
			DataStore: dataStore,
			Now:       clock,
			Logger:    logging.DiscardLogger{},
		}

		subject = &Broker{
			DataStore: dataStore,
			Now:       clock,
			Backoff:   backoff.Constant(30 * time.Second),
			Logger:    logging.DiscardLogger{},
		}
	})

	AfterEach(func() {
		dataStore.Close()
		cancel()
	})

	Describe("func ActivateJobs()", func() {
		It("hands out jobs oldest first", func() {
			older := start()
			now = now.Add(time.Minute)
			start()

			jobs, err := subject.ActivateJobs(ctx, []string{"charge"}, 1)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].InstanceID).To(Equal(older))
		})

		It("respects the overall job cap", func() {
			start()
			start()
			start()

			jobs, err := subject.ActivateJobs(ctx, []string{"charge"}, 2)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(jobs).To(HaveLen(2))
		})

		It("returns nothing for task types with no jobs", func() {
			jobs, err := subject.ActivateJobs(ctx, []string{"refund"}, 10)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(jobs).To(BeEmpty())
		})
	})

	Describe("func CompleteJob()", func() {
		It("returns an error for an unknown job key", func() {
			err := subject.CompleteJob(
				ctx,
				process.JobKey(uuid.New(), "charge", 1),
				nil,
				value.SumHash(nil),
				nil,
			)
			Expect(err).To(BeAssignableToTypeOf(UnknownJobError{}))
		})

		It("rejects a payload that does not match its hash", func() {
			start()

			jobs, err := subject.ActivateJobs(ctx, []string{"charge"}, 1)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(jobs).To(HaveLen(1))

			err = subject.CompleteJob(
				ctx,
				jobs[0].Key,
				[]byte(`{"charged":true}`),
				value.SumHash(nil),
				nil,
			)
			Expect(err).To(BeAssignableToTypeOf(runtime.HashMismatchError{}))
		})

		It("replaces the instance's domain payload", func() {
			id := start()

			jobs, err := subject.ActivateJobs(ctx, []string{"charge"}, 1)
			Expect(err).ShouldNot(HaveOccurred())

			updated := []byte(`{"charged":true}`)
			err = subject.CompleteJob(
				ctx, jobs[0].Key, updated, value.SumHash(updated), nil,
			)
			Expect(err).ShouldNot(HaveOccurred())

			inst, _, err := dataStore.LoadInstance(ctx, id)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(inst.DomainPayload).To(Equal(updated))
			Expect(inst.DomainPayloadHash).To(Equal(value.SumHash(updated)))
		})
	})

	Describe("func FailJob()", func() {
		It("schedules the redelivery using the backoff strategy", func() {
			start()

			jobs, err := subject.ActivateJobs(ctx, []string{"charge"}, 1)
			Expect(err).ShouldNot(HaveOccurred())

			err = subject.FailJob(ctx, jobs[0].Key, process.ErrorTransient, "timeout")
			Expect(err).ShouldNot(HaveOccurred())

			j, ok, err := dataStore.LoadJob(ctx, jobs[0].Key)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			Expect(j.NextAttemptAt).To(Equal(now.Add(30 * time.Second)))
			Expect(j.RetriesRemaining).To(Equal(0))
			Expect(j.Attempts).To(Equal(1))
			Expect(j.IsLeased(now)).To(BeFalse())
		})

		It("returns an error for an unknown job key", func() {
			err := subject.FailJob(
				ctx,
				process.JobKey(uuid.New(), "charge", 1),
				process.ErrorTransient,
				"timeout",
			)
			Expect(err).To(BeAssignableToTypeOf(UnknownJobError{}))
		})

		It("records the failure detail on the incident", func() {
			start()

			jobs, err := subject.ActivateJobs(ctx, []string{"charge"}, 1)
			Expect(err).ShouldNot(HaveOccurred())
			id := jobs[0].InstanceID

			err = subject.FailJob(
				ctx,
				jobs[0].Key,
				process.ErrorClass("INSUFFICIENT_FUNDS"),
				"card declined",
			)
			Expect(err).ShouldNot(HaveOccurred())

			incidents, err := dataStore.LoadOpenIncidents(ctx, id)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(incidents).To(HaveLen(1))

			Expect(incidents[0].ErrorClass).To(Equal(process.ErrorClass("INSUFFICIENT_FUNDS")))
			Expect(incidents[0].Message).To(Equal("card declined"))
			Expect(incidents[0].JobKey).To(Equal(jobs[0].Key))

			// the job itself is gone
			_, ok, err := dataStore.LoadJob(ctx, jobs[0].Key)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})
})
