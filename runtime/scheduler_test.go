package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/obflow/obflow/broker"
	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/persistence/memorypersistence"
	"github.com/obflow/obflow/process"
	. "github.com/obflow/obflow/runtime"
	"github.com/obflow/obflow/value"
)

func TestRuntime(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "runtime")
}

var _ = Describe("type Scheduler", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		now       time.Time
		dataStore persistence.DataStore
		scheduler *Scheduler
	)

	deploy := func(src string) persistence.Definition {
		p, _, err := compile.Compile([]byte(src))
		Expect(err).ShouldNot(HaveOccurred())

		def := persistence.Definition{
			ProcessKey: p.Key,
			Version:    p.Version,
			Program:    p,
			DeployedAt: now,
		}

		_, err = dataStore.Persist(ctx, persistence.Batch{
			persistence.SaveDefinition{Definition: def},
		})
		Expect(err).ShouldNot(HaveOccurred())

		return def
	}

	start := func(def persistence.Definition) uuid.UUID {
		id, err := scheduler.Start(ctx, def, nil, value.SumHash(nil), "")
		Expect(err).ShouldNot(HaveOccurred())
		Expect(scheduler.Tick(ctx, id)).ShouldNot(HaveOccurred())
		return id
	}

	inspect := func(id uuid.UUID) process.Instance {
		inst, ok, err := dataStore.LoadInstance(ctx, id)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		return inst
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)

		now = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

		p := &memorypersistence.Provider{}
		ds, err := p.Open(ctx, "<deployment>")
		Expect(err).ShouldNot(HaveOccurred())
		dataStore = ds

		scheduler = &Scheduler{
			DataStore: dataStore,
			Now:       func() time.Time { return now },
			Logger:    logging.DiscardLogger{},
		}
	})

	AfterEach(func() {
		dataStore.Close()
		cancel()
	})

	Describe("func Tick()", func() {
		It("returns an error for an unknown instance", func() {
			err := scheduler.Tick(ctx, uuid.New())
			Expect(err).To(BeAssignableToTypeOf(UnknownInstanceError{}))
		})

		It("is a no-op on a terminal instance", func() {
			id := start(deploy(`
process: p
elements:
  - id: start
    type: start
    next: done
  - id: done
    type: end
`))

			Expect(inspect(id).State).To(Equal(process.StateCompleted))
			Expect(scheduler.Tick(ctx, id)).ShouldNot(HaveOccurred())
		})

		It("routes a switch on the flag environment", func() {
			id := start(deploy(`
process: p
elements:
  - id: start
    type: start
    next: mark
  - id: mark
    type: set
    flag: premium
    value: true
    next: route
  - id: route
    type: switch
    cases:
      - flag: premium
        next: done
      - next: reject
  - id: reject
    type: fail
    code: NOT_ELIGIBLE
  - id: done
    type: end
`))

			Expect(inspect(id).State).To(Equal(process.StateCompleted))
		})

		It("falls through to the default case when no flag matches", func() {
			id := start(deploy(`
process: p
elements:
  - id: start
    type: start
    next: route
  - id: route
    type: switch
    cases:
      - flag: premium
        next: done
      - next: hold
  - id: hold
    type: timer
    duration: 1h
    next: done
  - id: done
    type: end
`))

			inst := inspect(id)
			Expect(inst.State).To(Equal(process.StateRunning))
			Expect(inst.Fibers[0].Wait.Kind).To(Equal(process.WaitTimer))
		})

		It("raises a business incident for a fail element", func() {
			id := start(deploy(`
process: p
elements:
  - id: start
    type: start
    next: route
  - id: route
    type: switch
    cases:
      - flag: in-stock
        next: done
      - next: reject
  - id: reject
    type: fail
    code: OUT_OF_STOCK
  - id: done
    type: end
`))

			inst := inspect(id)
			Expect(inst.State).To(Equal(process.StateFailed))
			Expect(inst.Fibers[0].Wait.Kind).To(Equal(process.WaitIncident))

			incidents, err := dataStore.LoadOpenIncidents(ctx, id)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(incidents).To(HaveLen(1))
			Expect(incidents[0].ErrorClass).To(Equal(process.ErrorClass("OUT_OF_STOCK")))
			Expect(incidents[0].Message).To(Equal("process raised OUT_OF_STOCK"))
		})

		It("terminate end halts every fiber and withdraws outstanding jobs", func() {
			id := start(deploy(`
process: p
elements:
  - id: start
    type: start
    next: split
  - id: split
    type: fork
    branches: [work, kill]
  - id: work
    type: service
    task: work
    retries: 1
    next: done
  - id: kill
    type: end
    terminate: true
  - id: done
    type: end
`))

			inst := inspect(id)
			Expect(inst.State).To(Equal(process.StateTerminated))
			Expect(inst.Fibers).To(BeEmpty())

			jobs, err := dataStore.LoadActivatableJobs(ctx, "work", now, 10)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(jobs).To(BeEmpty())
		})

		It("runs forked children within the same tick", func() {
			id := start(deploy(`
process: p
elements:
  - id: start
    type: start
    next: split
  - id: split
    type: fork
    branches: [a, b]
  - id: a
    type: service
    task: a
    retries: 1
    next: merge
  - id: b
    type: service
    task: b
    retries: 1
    next: merge
  - id: merge
    type: join
    next: done
  - id: done
    type: end
`))

			inst := inspect(id)
			Expect(inst.Fibers).To(HaveLen(2))
			Expect(inst.Fibers[0].Wait.Kind).To(Equal(process.WaitJob))
			Expect(inst.Fibers[1].Wait.Kind).To(Equal(process.WaitJob))
		})
	})

	When("a service task declares a boundary timeout", func() {
		var (
			def persistence.Definition
			id  uuid.UUID
			b   *broker.Broker
		)

		BeforeEach(func() {
			def = deploy(`
process: p
elements:
  - id: start
    type: start
    next: charge
  - id: charge
    type: service
    task: charge
    retries: 1
    timeout: 30m
    on_timeout: compensate
    next: done
  - id: compensate
    type: service
    task: compensate
    retries: 1
    next: done
  - id: done
    type: end
`)
			id = start(def)

			b = &broker.Broker{
				DataStore: dataStore,
				Now:       func() time.Time { return now },
				Logger:    logging.DiscardLogger{},
			}
		})

		It("completes normally when the job finishes in time", func() {
			jobs, err := b.ActivateJobs(ctx, []string{"charge"}, 1)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(jobs).To(HaveLen(1))

			err = b.CompleteJob(ctx, jobs[0].Key, nil, value.SumHash(nil), nil)
			Expect(err).ShouldNot(HaveOccurred())

			Expect(scheduler.Tick(ctx, id)).ShouldNot(HaveOccurred())
			Expect(inspect(id).State).To(Equal(process.StateCompleted))
		})

		It("takes the timeout path when the deadline passes first", func() {
			now = now.Add(31 * time.Minute)

			Expect(scheduler.Tick(ctx, id)).ShouldNot(HaveOccurred())

			// the stale job has been withdrawn
			jobs, err := b.ActivateJobs(ctx, []string{"charge"}, 1)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(jobs).To(BeEmpty())

			jobs, err = b.ActivateJobs(ctx, []string{"compensate"}, 1)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(jobs).To(HaveLen(1))
		})
	})

	When("a fork is inclusive", func() {
		activate := func(b *broker.Broker, task string) []process.Job {
			jobs, err := b.ActivateJobs(ctx, []string{task}, 10)
			Expect(err).ShouldNot(HaveOccurred())
			return jobs
		}

		It("spawns a child per matched condition and joins on their count", func() {
			id := start(deploy(`
process: notify
elements:
  - id: start
    type: start
    next: mark-email
  - id: mark-email
    type: set
    flag: email_ok
    value: true
    next: mark-sms
  - id: mark-sms
    type: set
    flag: sms_ok
    value: true
    next: split
  - id: split
    type: fork
    mode: inclusive
    join: merge
    cases:
      - flag: email_ok
        next: email
      - flag: sms_ok
        next: sms
      - next: letter
  - id: email
    type: service
    task: send-email
    retries: 1
    next: merge
  - id: sms
    type: service
    task: send-sms
    retries: 1
    next: merge
  - id: letter
    type: service
    task: send-letter
    retries: 1
    next: merge
  - id: merge
    type: join
    next: done
  - id: done
    type: end
`))

			inst := inspect(id)
			Expect(inst.Fibers).To(HaveLen(2))
			Expect(inst.Fibers[0].Wait.Kind).To(Equal(process.WaitJob))
			Expect(inst.Fibers[1].Wait.Kind).To(Equal(process.WaitJob))

			b := &broker.Broker{
				DataStore: dataStore,
				Now:       func() time.Time { return now },
				Logger:    logging.DiscardLogger{},
			}

			// the default branch was not taken
			Expect(activate(b, "send-letter")).To(BeEmpty())

			for _, task := range []string{"send-email", "send-sms"} {
				jobs := activate(b, task)
				Expect(jobs).To(HaveLen(1))
				Expect(b.CompleteJob(ctx, jobs[0].Key, nil, value.SumHash(nil), nil)).ShouldNot(HaveOccurred())
				Expect(scheduler.Tick(ctx, id)).ShouldNot(HaveOccurred())
			}

			Expect(inspect(id).State).To(Equal(process.StateCompleted))
		})

		It("falls back to the default branch when no condition matches", func() {
			id := start(deploy(`
process: notify
elements:
  - id: start
    type: start
    next: split
  - id: split
    type: fork
    mode: inclusive
    join: merge
    cases:
      - flag: email_ok
        next: email
      - next: letter
  - id: email
    type: service
    task: send-email
    retries: 1
    next: merge
  - id: letter
    type: service
    task: send-letter
    retries: 1
    next: merge
  - id: merge
    type: join
    next: done
  - id: done
    type: end
`))

			b := &broker.Broker{
				DataStore: dataStore,
				Now:       func() time.Time { return now },
				Logger:    logging.DiscardLogger{},
			}

			Expect(activate(b, "send-email")).To(BeEmpty())

			jobs := activate(b, "send-letter")
			Expect(jobs).To(HaveLen(1))
			Expect(b.CompleteJob(ctx, jobs[0].Key, nil, value.SumHash(nil), nil)).ShouldNot(HaveOccurred())
			Expect(scheduler.Tick(ctx, id)).ShouldNot(HaveOccurred())

			Expect(inspect(id).State).To(Equal(process.StateCompleted))
		})

		It("raises an incident when nothing matches and there is no default", func() {
			id := start(deploy(`
process: notify
elements:
  - id: start
    type: start
    next: split
  - id: split
    type: fork
    mode: inclusive
    join: merge
    cases:
      - flag: email_ok
        next: email
      - flag: sms_ok
        next: sms
  - id: email
    type: service
    task: send-email
    retries: 1
    next: merge
  - id: sms
    type: service
    task: send-sms
    retries: 1
    next: merge
  - id: merge
    type: join
    next: done
  - id: done
    type: end
`))

			inst := inspect(id)
			Expect(inst.State).To(Equal(process.StateFailed))
			Expect(inst.Fibers[0].Wait.Kind).To(Equal(process.WaitIncident))

			incidents, err := dataStore.LoadOpenIncidents(ctx, id)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(incidents).To(HaveLen(1))
			Expect(incidents[0].ErrorClass).To(Equal(process.ErrorContractViolation))
			Expect(incidents[0].Message).To(Equal(
				"no branch condition matched and no default branch is declared",
			))
		})
	})

	When("a race mixes duration and absolute timer arms", func() {
		It("resolves the arm that actually expires first", func() {
			prog := &compile.Program{
				Version: value.SumHash([]byte("two-timer-race")),
				Key:     "p",
				Code: []compile.Instr{
					{Op: compile.OpWaitAny, Race: 0},
					{Op: compile.OpEnd},
					{Op: compile.OpWaitTimer, Duration: 24 * time.Hour},
					{Op: compile.OpJump, Target: 1},
				},
				Races: map[compile.RaceID][]compile.Arm{
					0: {
						{Kind: compile.ArmTimer, ResumeAt: 1, Duration: 2 * time.Hour},
						{Kind: compile.ArmTimer, ResumeAt: 2, Deadline: now.Add(3 * time.Hour).UnixMilli()},
					},
				},
			}

			def := persistence.Definition{
				ProcessKey: prog.Key,
				Version:    prog.Version,
				Program:    prog,
				DeployedAt: now,
			}
			_, err := dataStore.Persist(ctx, persistence.Batch{
				persistence.SaveDefinition{Definition: def},
			})
			Expect(err).ShouldNot(HaveOccurred())

			id := start(def)

			inst := inspect(id)
			Expect(inst.Fibers[0].Wait.Kind).To(Equal(process.WaitRace))
			Expect(inst.Fibers[0].Wait.Deadline).To(Equal(now.Add(2 * time.Hour)))

			now = now.Add(2*time.Hour + time.Minute)
			Expect(scheduler.Tick(ctx, id)).ShouldNot(HaveOccurred())

			Expect(inspect(id).State).To(Equal(process.StateCompleted))
		})
	})

	Describe("func Cancel()", func() {
		It("discards every fiber's wait", func() {
			id := start(deploy(`
process: p
elements:
  - id: start
    type: start
    next: wait
  - id: wait
    type: timer
    duration: 1h
    next: done
  - id: done
    type: end
`))

			err := scheduler.Cancel(ctx, id, "operator request")
			Expect(err).ShouldNot(HaveOccurred())

			inst := inspect(id)
			Expect(inst.State).To(Equal(process.StateCancelled))
			Expect(inst.Fibers).To(BeEmpty())
		})
	})
})
