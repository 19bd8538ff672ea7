// Package broker implements the pull-based job queue: workers lease jobs by
// task type, then complete or fail them.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/google/uuid"

	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
	"github.com/obflow/obflow/runtime"
	"github.com/obflow/obflow/value"
)

var (
	// DefaultLeaseTTL is the default duration of a job lease.
	//
	// It is overridden by the engine's WithLeaseTTL() option.
	DefaultLeaseTTL = 30 * time.Second

	// DefaultBackoff is the default strategy used to delay redelivery of a
	// job after a transient failure.
	//
	// It is overridden by the engine's WithBackoff() option.
	DefaultBackoff backoff.Strategy = backoff.WithTransforms(
		backoff.Exponential(100*time.Millisecond),
		linger.FullJitter,
		linger.Limiter(0, 1*time.Minute),
	)
)

// UnknownJobError is the error returned when a job referenced by its key does
// not exist. Completing a job that lost a race produces this error, as the
// winning arm withdraws it.
type UnknownJobError struct {
	JobKey string
}

func (e UnknownJobError) Error() string {
	return fmt.Sprintf("job %s does not exist", e.JobKey)
}

// Broker hands out jobs to workers and applies their outcomes.
//
// Lease-once semantics hang off the job record's revision: two workers racing
// to lease the same job produce one persistence conflict, and the loser
// simply skips it.
type Broker struct {
	// DataStore is the persistence backend.
	DataStore persistence.DataStore

	// Now is the clock used to judge leases and schedule redeliveries.
	Now func() time.Time

	// LeaseTTL is the duration of a lease granted by ActivateJobs. If it is
	// zero, DefaultLeaseTTL is used.
	LeaseTTL time.Duration

	// Backoff is the redelivery delay strategy for transient failures. If it
	// is nil, DefaultBackoff is used.
	Backoff backoff.Strategy

	// Logger is the target for log messages about job outcomes.
	Logger logging.Logger
}

// ActivateJobs leases up to maxJobs unleased jobs of the requested task
// types, oldest first within each type.
//
// It never blocks; an empty result means nothing is currently activatable.
func (b *Broker) ActivateJobs(
	ctx context.Context,
	taskTypes []string,
	maxJobs int,
) ([]process.Job, error) {
	now := b.Now()

	ttl := b.LeaseTTL
	if ttl == 0 {
		ttl = DefaultLeaseTTL
	}

	var leased []process.Job

	for _, t := range taskTypes {
		if len(leased) == maxJobs {
			break
		}

		jobs, err := b.DataStore.LoadActivatableJobs(
			ctx,
			t,
			now,
			maxJobs-len(leased),
		)
		if err != nil {
			return nil, err
		}

		for _, j := range jobs {
			j.LeasedUntil = now.Add(ttl)

			_, err := b.DataStore.Persist(ctx, persistence.Batch{
				persistence.SaveJob{Job: j},
				persistence.SaveEvent{
					InstanceID: j.InstanceID,
					RecordedAt: now,
					Event: eventlog.JobActivated{
						JobKey:   j.Key,
						TaskType: j.TaskType,
						Deadline: j.LeasedUntil,
					},
				},
			})
			if err != nil {
				if _, ok := err.(persistence.ConflictError); ok {
					// another worker leased it first
					continue
				}
				return nil, err
			}

			leased = append(leased, j)
		}
	}

	return leased, nil
}

// CompleteJob applies a successful job outcome: the payload is verified
// against its hash, the worker's orchestration flags are merged into the
// instance environment, and the waiting fiber is marked running.
//
// The fiber does not advance until the next tick; completion and advancement
// are deliberately decoupled so callers can batch.
func (b *Broker) CompleteJob(
	ctx context.Context,
	key string,
	payload []byte,
	hash value.Hash,
	orchFlags map[string]value.Lit,
) error {
	if actual := value.SumHash(payload); actual != hash {
		return runtime.HashMismatchError{
			Declared: hash,
			Actual:   actual,
		}
	}

	job, inst, err := b.loadJob(ctx, key)
	if err != nil {
		return err
	}

	now := b.Now()

	batch := persistence.Batch{
		persistence.RemoveJob{Job: job},
	}

	var events []eventlog.Event

	idx, raced := findJobFiber(&inst, key)
	if idx < 0 {
		return fmt.Errorf("job %s is not awaited by any fiber", key)
	}

	f := &inst.Fibers[idx]

	inst.DomainPayload = payload
	inst.DomainPayloadHash = hash
	for name, v := range orchFlags {
		inst.SetFlag(inst.Intern(name), v.Intern(&inst))
	}

	events = append(events, eventlog.JobCompleted{
		FiberID: f.ID,
		JobKey:  key,
	})

	if raced {
		prog, err := b.loadProgram(ctx, inst.BytecodeVersion)
		if err != nil {
			return err
		}

		arm, ok := runtime.JobArm(&inst, prog, f, key)
		if !ok {
			return fmt.Errorf("job %s does not match an arm of race %d", key, f.Wait.Race)
		}

		withdraw, raceEvents := runtime.ResolveRace(f, arm)
		events = append(events, raceEvents...)

		batch = b.withdraw(ctx, batch, withdraw, key)
	} else {
		f.PC++
		f.Wait = process.Running()
	}

	batch = append(batch, persistence.SaveInstance{Instance: inst})

	for _, ev := range events {
		batch = append(batch, persistence.SaveEvent{
			InstanceID: inst.ID,
			RecordedAt: now,
			Event:      ev,
		})
	}

	if _, err := b.DataStore.Persist(ctx, batch); err != nil {
		return fmt.Errorf("unable to complete job %s: %w", key, err)
	}

	logging.Debug(b.Logger, "job %s completed", key)

	return nil
}

// FailJob applies a failed job outcome.
//
// A transient failure with retry budget remaining re-queues the job with a
// backoff delay. Any other failure, or an exhausted budget, escalates to an
// incident: the job is withdrawn and the fiber blocks until the incident is
// resolved.
func (b *Broker) FailJob(
	ctx context.Context,
	key string,
	class process.ErrorClass,
	message string,
) error {
	job, inst, err := b.loadJob(ctx, key)
	if err != nil {
		return err
	}

	now := b.Now()

	if class.IsRetryable() && job.RetriesRemaining > 0 {
		return b.requeue(ctx, job, now, message)
	}

	idx, raced := findJobFiber(&inst, key)
	if idx < 0 {
		return fmt.Errorf("job %s is not awaited by any fiber", key)
	}

	f := &inst.Fibers[idx]

	inc := process.Incident{
		ID:            uuid.New(),
		InstanceID:    inst.ID,
		FiberID:       f.ID,
		ServiceTaskID: job.ServiceTaskID,
		JobKey:        key,
		ErrorClass:    class,
		Message:       message,
		CreatedAt:     now,
	}

	batch := persistence.Batch{
		persistence.RemoveJob{Job: job},
		persistence.SaveIncident{Incident: inc},
	}

	events := []eventlog.Event{
		eventlog.IncidentCreated{
			IncidentID: inc.ID,
			FiberID:    f.ID,
			JobKey:     key,
			ErrorClass: class,
			Message:    message,
		},
	}

	if raced {
		// the incident pre-empts the race; the sibling arms are withdrawn
		events = append(events, eventlog.RaceCancelled{
			FiberID: f.ID,
			RaceID:  f.Wait.Race,
		})
		batch = b.withdraw(ctx, batch, f.Wait.JobKeys, key)
	}

	f.Wait = process.Wait{
		Kind:     process.WaitIncident,
		Incident: inc.ID,
	}

	if failed(&inst) {
		inst.State = process.StateFailed
		inst.FailureIncident = inc.ID
		events = append(events, eventlog.InstanceFailed{
			Reason: "all fibers are blocked on incidents",
		})
	}

	batch = append(batch, persistence.SaveInstance{Instance: inst})

	for _, ev := range events {
		batch = append(batch, persistence.SaveEvent{
			InstanceID: inst.ID,
			RecordedAt: now,
			Event:      ev,
		})
	}

	if _, err := b.DataStore.Persist(ctx, batch); err != nil {
		return fmt.Errorf("unable to fail job %s: %w", key, err)
	}

	logging.Log(
		b.Logger,
		"job %s failed with %s, incident %s raised: %s",
		key, class, inc.ID, message,
	)

	return nil
}

// requeue schedules a transiently-failed job for redelivery.
func (b *Broker) requeue(
	ctx context.Context,
	job process.Job,
	now time.Time,
	message string,
) error {
	strategy := b.Backoff
	if strategy == nil {
		strategy = DefaultBackoff
	}

	job.RetriesRemaining--
	job.Attempts++
	job.LeasedUntil = time.Time{}

	delay := strategy(nil, uint(job.Attempts))
	job.NextAttemptAt = now.Add(delay)

	_, err := b.DataStore.Persist(ctx, persistence.Batch{
		persistence.SaveJob{Job: job},
		persistence.SaveEvent{
			InstanceID: job.InstanceID,
			RecordedAt: now,
			Event: eventlog.JobRetried{
				JobKey:           job.Key,
				RetriesRemaining: job.RetriesRemaining,
				Delay:            delay,
				Message:          message,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("unable to requeue job %s: %w", job.Key, err)
	}

	logging.Debug(
		b.Logger,
		"job %s requeued after transient failure, %d retries remaining",
		job.Key,
		job.RetriesRemaining,
	)

	return nil
}

// withdraw appends removal operations for the given job keys, skipping the
// one already removed by the caller.
func (b *Broker) withdraw(
	ctx context.Context,
	batch persistence.Batch,
	keys []string,
	except string,
) persistence.Batch {
	for _, k := range keys {
		if k == except {
			continue
		}

		j, ok, err := b.DataStore.LoadJob(ctx, k)
		if err != nil || !ok {
			continue
		}

		batch = append(batch, persistence.RemoveJob{Job: j})
	}

	return batch
}

func (b *Broker) loadJob(
	ctx context.Context,
	key string,
) (process.Job, process.Instance, error) {
	job, ok, err := b.DataStore.LoadJob(ctx, key)
	if err != nil {
		return process.Job{}, process.Instance{}, err
	}
	if !ok {
		return process.Job{}, process.Instance{}, UnknownJobError{JobKey: key}
	}

	inst, ok, err := b.DataStore.LoadInstance(ctx, job.InstanceID)
	if err != nil {
		return process.Job{}, process.Instance{}, err
	}
	if !ok {
		return process.Job{}, process.Instance{}, runtime.UnknownInstanceError{
			InstanceID: job.InstanceID,
		}
	}

	if inst.State.IsTerminal() {
		return process.Job{}, process.Instance{}, runtime.InstanceTerminalError{
			InstanceID: inst.ID,
			State:      inst.State,
		}
	}

	return job, inst, nil
}

func (b *Broker) loadProgram(
	ctx context.Context,
	v value.Hash,
) (*compile.Program, error) {
	def, ok, err := b.DataStore.LoadDefinition(ctx, v)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("definition %s does not exist", v)
	}

	return def.Program, nil
}

// findJobFiber locates the fiber awaiting the given job, either directly or
// as an arm of a race.
func findJobFiber(inst *process.Instance, key string) (idx int, raced bool) {
	for i := range inst.Fibers {
		w := inst.Fibers[i].Wait

		switch w.Kind {
		case process.WaitJob:
			if w.JobKey == key {
				return i, false
			}

		case process.WaitRace:
			for _, k := range w.JobKeys {
				if k == key {
					return i, true
				}
			}
		}
	}

	return -1, false
}

// failed reports whether every live fiber is blocked on an incident.
func failed(inst *process.Instance) bool {
	if len(inst.Fibers) == 0 {
		return false
	}

	for i := range inst.Fibers {
		if inst.Fibers[i].Wait.Kind != process.WaitIncident {
			return false
		}
	}

	return true
}
