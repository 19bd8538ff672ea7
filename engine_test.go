package obflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/dogmatiq/linger/backoff"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/obflow/obflow"
	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/persistence/memorypersistence"
	"github.com/obflow/obflow/process"
	"github.com/obflow/obflow/runtime"
	"github.com/obflow/obflow/value"
)

func TestEngine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "obflow")
}

var _ = Describe("type Engine", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		now    time.Time
		engine *Engine
	)

	payload := []byte(`{"orderId":"o-1"}`)
	phash := value.SumHash(payload)

	deploy := func(src string) value.Hash {
		version, _, err := engine.Compile(ctx, []byte(src))
		Expect(err).ShouldNot(HaveOccurred())
		return version
	}

	start := func(key string, version value.Hash) uuid.UUID {
		id, err := engine.StartProcess(ctx, key, version, payload, phash, "corr-1")
		Expect(err).ShouldNot(HaveOccurred())
		return id
	}

	complete := func(j process.Job) {
		err := engine.CompleteJob(ctx, j.Key, j.DomainPayload, j.DomainPayloadHash, nil)
		Expect(err).ShouldNot(HaveOccurred())
	}

	activateOne := func(taskType string) process.Job {
		jobs, err := engine.ActivateJobs(ctx, []string{taskType}, 1)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(jobs).To(HaveLen(1))
		return jobs[0]
	}

	inspect := func(id uuid.UUID) process.Instance {
		inst, err := engine.Inspect(ctx, id)
		Expect(err).ShouldNot(HaveOccurred())
		return inst
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)

		now = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

		engine = New(
			WithPersistence(&memorypersistence.Provider{}),
			WithClock(func() time.Time { return now }),
			WithBackoff(backoff.Constant(1*time.Minute)),
		)
	})

	AfterEach(func() {
		engine.Close()
		cancel()
	})

	Describe("func Compile()", func() {
		It("registers the definition under its content-derived version", func() {
			v1 := deploy(linearSource)
			v2 := deploy(linearSource)
			Expect(v2).To(Equal(v1))
		})

		It("registers nothing for source that fails to compile", func() {
			_, _, err := engine.Compile(ctx, []byte("process: broken"))
			Expect(err).Should(HaveOccurred())
		})
	})

	Describe("func StartProcess()", func() {
		It("rejects a payload that does not match its hash", func() {
			version := deploy(linearSource)

			_, err := engine.StartProcess(
				ctx, "shipping", version, payload, value.SumHash([]byte("other")), "",
			)
			Expect(err).To(BeAssignableToTypeOf(runtime.HashMismatchError{}))
		})

		It("rejects an unknown definition version", func() {
			_, err := engine.StartProcess(
				ctx, "shipping", value.SumHash([]byte("no such version")), payload, phash, "",
			)
			Expect(err).To(MatchError(ContainSubstring("does not exist")))
		})

		It("rejects a version that belongs to a different process", func() {
			version := deploy(linearSource)

			_, err := engine.StartProcess(ctx, "billing", version, payload, phash, "")
			Expect(err).To(MatchError(ContainSubstring(`belongs to process "shipping"`)))
		})
	})

	When("running a linear process", func() {
		var (
			version value.Hash
			id      uuid.UUID
		)

		BeforeEach(func() {
			version = deploy(linearSource)
			id = start("shipping", version)
		})

		It("surfaces the service task as an activatable job", func() {
			j := activateOne("dispatch")

			Expect(j.InstanceID).To(Equal(id))
			Expect(j.ServiceTaskID).To(Equal("dispatch"))
			Expect(j.DomainPayload).To(Equal(payload))
			Expect(j.RetriesRemaining).To(Equal(2))
		})

		It("completes the instance when its only job completes", func() {
			complete(activateOne("dispatch"))

			Expect(inspect(id).State).To(Equal(process.StateCompleted))
		})

		It("does not hand the same job to two workers", func() {
			activateOne("dispatch")

			jobs, err := engine.ActivateJobs(ctx, []string{"dispatch"}, 1)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(jobs).To(BeEmpty())
		})

		It("hands the job out again after the lease lapses", func() {
			activateOne("dispatch")

			now = now.Add(31 * time.Second)

			activateOne("dispatch")
		})

		It("merges the worker's orchestration flags into the instance", func() {
			j := activateOne("dispatch")

			err := engine.CompleteJob(
				ctx, j.Key, j.DomainPayload, j.DomainPayloadHash,
				map[string]value.Lit{"expedited": value.LitOfBool(true)},
			)
			Expect(err).ShouldNot(HaveOccurred())

			events, err := engine.ReadEvents(ctx, id, 0, 100)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(events).NotTo(BeEmpty())
		})

		It("records a gapless, ordered event log ending in a terminal event", func() {
			complete(activateOne("dispatch"))

			events, err := engine.ReadEvents(ctx, id, 0, 100)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(events).NotTo(BeEmpty())

			for i, rec := range events {
				Expect(rec.Seq).To(Equal(uint64(i)))
			}

			Expect(events[0].Event).To(Equal(eventlog.InstanceStarted{
				ProcessKey:      "shipping",
				BytecodeVersion: version,
				CorrelationID:   "corr-1",
			}))
			Expect(events[len(events)-1].Event).To(Equal(eventlog.InstanceCompleted{}))
		})

		It("rejects mutation of a completed instance", func() {
			complete(activateOne("dispatch"))

			_, err := engine.Signal(ctx, id, "anything", value.Lit{}, false, nil, value.SumHash(nil), "")
			Expect(err).To(BeAssignableToTypeOf(runtime.InstanceTerminalError{}))
		})
	})

	When("running parallel branches", func() {
		var id uuid.UUID

		BeforeEach(func() {
			id = start("fulfilment", deploy(forkJoinSource))
		})

		It("surfaces one job per branch", func() {
			jobs, err := engine.ActivateJobs(ctx, []string{"pick", "pack"}, 10)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(jobs).To(HaveLen(2))
		})

		It("stays running until every branch has joined", func() {
			complete(activateOne("pick"))

			Expect(inspect(id).State).To(Equal(process.StateRunning))

			complete(activateOne("pack"))

			Expect(inspect(id).State).To(Equal(process.StateCompleted))
		})

		It("isolates a branch failure to its own fiber", func() {
			err := engine.FailJob(
				ctx,
				activateOne("pick").Key,
				process.ErrorContractViolation,
				"payload field missing",
			)
			Expect(err).ShouldNot(HaveOccurred())

			inst := inspect(id)
			Expect(inst.State).To(Equal(process.StateRunning))

			incidents, err := engine.OpenIncidents(ctx, id)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(incidents).To(HaveLen(1))
			Expect(incidents[0].ErrorClass).To(Equal(process.ErrorContractViolation))

			// the sibling branch is still workable
			activateOne("pack")
		})
	})

	When("a job fails transiently", func() {
		var (
			id  uuid.UUID
			key string
		)

		BeforeEach(func() {
			id = start("shipping", deploy(linearSource))
			key = activateOne("dispatch").Key
		})

		It("requeues the job after the redelivery delay", func() {
			err := engine.FailJob(ctx, key, process.ErrorTransient, "carrier API timed out")
			Expect(err).ShouldNot(HaveOccurred())

			jobs, err := engine.ActivateJobs(ctx, []string{"dispatch"}, 1)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(jobs).To(BeEmpty())

			now = now.Add(1 * time.Minute)

			j := activateOne("dispatch")
			Expect(j.Key).To(Equal(key))
			Expect(j.RetriesRemaining).To(Equal(1))
			Expect(j.Attempts).To(Equal(1))
		})

		It("escalates to an incident when the budget is exhausted", func() {
			for i := 0; i < 2; i++ {
				err := engine.FailJob(ctx, key, process.ErrorTransient, "carrier API timed out")
				Expect(err).ShouldNot(HaveOccurred())

				now = now.Add(1 * time.Minute)

				jobs, err := engine.ActivateJobs(ctx, []string{"dispatch"}, 1)
				Expect(err).ShouldNot(HaveOccurred())
				Expect(jobs).To(HaveLen(1))
			}

			err := engine.FailJob(ctx, key, process.ErrorTransient, "carrier API timed out")
			Expect(err).ShouldNot(HaveOccurred())

			inst := inspect(id)
			Expect(inst.State).To(Equal(process.StateFailed))
			Expect(inst.Fibers[0].Wait.Kind).To(Equal(process.WaitIncident))

			jobs, err := engine.ActivateJobs(ctx, []string{"dispatch"}, 1)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(jobs).To(BeEmpty())
		})

		It("escalates a non-retryable class immediately", func() {
			err := engine.FailJob(ctx, key, process.ErrorContractViolation, "bad payload")
			Expect(err).ShouldNot(HaveOccurred())

			Expect(inspect(id).State).To(Equal(process.StateFailed))
		})
	})

	When("resolving an incident", func() {
		var (
			id         uuid.UUID
			incidentID uuid.UUID
		)

		BeforeEach(func() {
			id = start("shipping", deploy(linearSource))

			err := engine.FailJob(
				ctx,
				activateOne("dispatch").Key,
				process.ErrorContractViolation,
				"bad payload",
			)
			Expect(err).ShouldNot(HaveOccurred())

			incidents, err := engine.OpenIncidents(ctx, id)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(incidents).To(HaveLen(1))
			incidentID = incidents[0].ID
		})

		It("retry revives the instance and re-queues the job with a fresh budget", func() {
			err := engine.ResolveIncident(ctx, incidentID, process.ResolutionRetry)
			Expect(err).ShouldNot(HaveOccurred())

			Expect(inspect(id).State).To(Equal(process.StateRunning))

			j := activateOne("dispatch")
			Expect(j.RetriesRemaining).To(Equal(2))
		})

		It("cancelling the last fiber cancels the instance", func() {
			err := engine.ResolveIncident(ctx, incidentID, process.ResolutionCancelFiber)
			Expect(err).ShouldNot(HaveOccurred())

			Expect(inspect(id).State).To(Equal(process.StateCancelled))
		})

		It("rejects a second resolution of the same incident", func() {
			err := engine.ResolveIncident(ctx, incidentID, process.ResolutionRetry)
			Expect(err).ShouldNot(HaveOccurred())

			err = engine.ResolveIncident(ctx, incidentID, process.ResolutionRetry)
			Expect(err).To(MatchError(ContainSubstring("already been resolved")))
		})
	})

	When("a fiber waits on a timer", func() {
		var id uuid.UUID

		BeforeEach(func() {
			id = start("reminder", deploy(timerSource))
		})

		It("parks the fiber until the deadline passes", func() {
			inst := inspect(id)
			Expect(inst.Fibers[0].Wait.Kind).To(Equal(process.WaitTimer))
			Expect(inst.Fibers[0].Wait.Deadline).To(Equal(now.Add(48 * time.Hour)))

			Expect(engine.Tick(ctx, id)).ShouldNot(HaveOccurred())
			Expect(inspect(id).State).To(Equal(process.StateRunning))

			now = now.Add(48 * time.Hour)

			Expect(engine.Tick(ctx, id)).ShouldNot(HaveOccurred())
			Expect(inspect(id).State).To(Equal(process.StateCompleted))
		})
	})

	When("a fiber waits on a message", func() {
		var id uuid.UUID

		BeforeEach(func() {
			id = start("claims", deploy(receiveSource))
		})

		It("delivers a signal with a matching correlation key", func() {
			outcome, err := engine.Signal(
				ctx, id, "approval",
				value.LitOfStr("o-1"), true,
				nil, value.SumHash(nil), "",
			)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).To(Equal(process.SignalDelivered))

			Expect(inspect(id).State).To(Equal(process.StateCompleted))
		})

		It("ignores a signal with a non-matching correlation key", func() {
			outcome, err := engine.Signal(
				ctx, id, "approval",
				value.LitOfStr("someone-else"), true,
				nil, value.SumHash(nil), "",
			)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).To(Equal(process.SignalIgnored))

			Expect(inspect(id).State).To(Equal(process.StateRunning))
		})

		It("ignores a signal with an unknown name", func() {
			outcome, err := engine.Signal(
				ctx, id, "rejection",
				value.Lit{}, false,
				nil, value.SumHash(nil), "",
			)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).To(Equal(process.SignalIgnored))
		})

		It("replays the memoized outcome when a message ID is redelivered", func() {
			outcome, err := engine.Signal(
				ctx, id, "approval",
				value.LitOfStr("o-1"), true,
				nil, value.SumHash(nil), "msg-1",
			)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).To(Equal(process.SignalDelivered))

			outcome, err = engine.Signal(
				ctx, id, "approval",
				value.LitOfStr("o-1"), true,
				nil, value.SumHash(nil), "msg-1",
			)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).To(Equal(process.SignalDelivered))

			events, err := engine.ReadEvents(ctx, id, 0, 100)
			Expect(err).ShouldNot(HaveOccurred())

			received := 0
			for _, rec := range events {
				if _, ok := rec.Event.(eventlog.MsgReceived); ok {
					received++
				}
			}
			Expect(received).To(Equal(1))
		})
	})

	When("the definition buffers signals", func() {
		var id uuid.UUID

		BeforeEach(func() {
			id = start("claims", deploy(bufferedReceiveSource))
		})

		It("buffers an early signal and delivers it on subscription", func() {
			payload := []byte(`{"approved":true}`)

			outcome, err := engine.Signal(
				ctx, id, "approval",
				value.LitOfStr("o-1"), true,
				payload, value.SumHash(payload), "msg-1",
			)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).To(Equal(process.SignalBuffered))

			// unblock the service task so the fiber reaches the receive
			complete(activateOne("triage"))

			inst := inspect(id)
			Expect(inst.State).To(Equal(process.StateCompleted))
			Expect(inst.DomainPayload).To(Equal(payload))
			Expect(inst.DomainPayloadHash).To(Equal(value.SumHash(payload)))
		})
	})

	When("a race is pending", func() {
		var id uuid.UUID

		BeforeEach(func() {
			id = start("escalation", deploy(raceSource))
		})

		It("resumes on the message arm when the signal arrives first", func() {
			outcome, err := engine.Signal(
				ctx, id, "response",
				value.Lit{}, false,
				nil, value.SumHash(nil), "",
			)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).To(Equal(process.SignalDelivered))

			Expect(inspect(id).State).To(Equal(process.StateCompleted))
		})

		It("resumes on the timer arm when the deadline passes first", func() {
			now = now.Add(4 * time.Hour)

			Expect(engine.Tick(ctx, id)).ShouldNot(HaveOccurred())

			// the timer arm leads to the escalation task
			activateOne("escalate")

			// the losing message arm has been withdrawn
			outcome, err := engine.Signal(
				ctx, id, "response",
				value.Lit{}, false,
				nil, value.SumHash(nil), "",
			)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).To(Equal(process.SignalIgnored))
		})
	})

	Describe("func Cancel()", func() {
		It("withdraws outstanding jobs", func() {
			id := start("shipping", deploy(linearSource))

			err := engine.Cancel(ctx, id, "customer withdrew the order")
			Expect(err).ShouldNot(HaveOccurred())

			inst := inspect(id)
			Expect(inst.State).To(Equal(process.StateCancelled))
			Expect(inst.StateReason).To(Equal("customer withdrew the order"))

			jobs, err := engine.ActivateJobs(ctx, []string{"dispatch"}, 1)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(jobs).To(BeEmpty())
		})

		It("rejects cancellation of a terminal instance", func() {
			id := start("shipping", deploy(linearSource))

			Expect(engine.Cancel(ctx, id, "first")).ShouldNot(HaveOccurred())
			Expect(engine.Cancel(ctx, id, "second")).To(
				BeAssignableToTypeOf(runtime.InstanceTerminalError{}),
			)
		})

		It("does not touch other instances of the same definition", func() {
			version := deploy(linearSource)
			a := start("shipping", version)
			b := start("shipping", version)

			Expect(engine.Cancel(ctx, a, "no longer needed")).ShouldNot(HaveOccurred())

			Expect(inspect(b).State).To(Equal(process.StateRunning))

			j := activateOne("dispatch")
			Expect(j.InstanceID).To(Equal(b))
		})
	})

	Describe("func Subscribe()", func() {
		It("streams events in order and stops at the terminal event", func() {
			id := start("shipping", deploy(linearSource))
			complete(activateOne("dispatch"))

			sub, err := engine.Subscribe(ctx, id, 0)
			Expect(err).ShouldNot(HaveOccurred())

			var names []string
			err = sub.Range(ctx, func(_ context.Context, rec eventlog.Recorded) error {
				names = append(names, rec.Event.EventName())
				return nil
			})
			Expect(err).ShouldNot(HaveOccurred())

			Expect(names[0]).To(Equal("instance.started"))
			Expect(names[len(names)-1]).To(Equal("instance.completed"))
		})
	})
})

const linearSource = `
process: shipping
elements:
  - id: start
    type: start
    next: dispatch
  - id: dispatch
    type: service
    task: dispatch
    retries: 2
    next: done
  - id: done
    type: end
`

const forkJoinSource = `
process: fulfilment
elements:
  - id: start
    type: start
    next: split
  - id: split
    type: fork
    branches: [pick, pack]
  - id: pick
    type: service
    task: pick
    retries: 1
    next: merge
  - id: pack
    type: service
    task: pack
    retries: 1
    next: merge
  - id: merge
    type: join
    next: done
  - id: done
    type: end
`

const timerSource = `
process: reminder
elements:
  - id: start
    type: start
    next: wait
  - id: wait
    type: timer
    duration: 48h
    next: done
  - id: done
    type: end
`

const receiveSource = `
process: claims
elements:
  - id: start
    type: start
    next: tag
  - id: tag
    type: set
    flag: claimant
    value: o-1
    next: await
  - id: await
    type: receive
    message: approval
    correlation: claimant
    next: done
  - id: done
    type: end
`

const bufferedReceiveSource = `
process: claims
buffer_signals: true
elements:
  - id: start
    type: start
    next: tag
  - id: tag
    type: set
    flag: claimant
    value: o-1
    next: triage
  - id: triage
    type: service
    task: triage
    retries: 1
    next: await
  - id: await
    type: receive
    message: approval
    correlation: claimant
    next: done
  - id: done
    type: end
`

const raceSource = `
process: escalation
elements:
  - id: start
    type: start
    next: either
  - id: either
    type: race
    arms:
      - message: response
        next: done
      - timer: 4h
        next: escalate
  - id: escalate
    type: service
    task: escalate
    retries: 1
    next: done
  - id: done
    type: end
`
