package process

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/value"
)

// Job is the externally-visible representation of a service-task instruction,
// leased by workers via pull.
type Job struct {
	// Key is the derived job key. It is reproducible from fiber state alone
	// and never independently assigned.
	Key string `json:"key"`

	// InstanceID is the owning process instance.
	InstanceID uuid.UUID `json:"instanceId"`

	// TaskType is the worker capability the job requires; ServiceTaskID the
	// source element that produced it.
	TaskType      string `json:"taskType"`
	ServiceTaskID string `json:"serviceTaskId"`

	// DomainPayload is the instance's business payload snapshot at the time
	// the job surfaced, with its content hash.
	DomainPayload     []byte     `json:"domainPayload,omitempty"`
	DomainPayloadHash value.Hash `json:"domainPayloadHash"`

	// OrchFlags is the instance's flag environment resolved to literals, for
	// the wire.
	OrchFlags map[string]value.Lit `json:"orchFlags,omitempty"`

	// RetriesRemaining only ever decreases. Reaching zero is irreversible
	// without external intervention.
	RetriesRemaining int `json:"retriesRemaining"`

	// Attempts counts transient failures so far, used to scale the
	// redelivery backoff.
	Attempts int `json:"attempts,omitempty"`

	// EnqueuedAt orders jobs of the same task type, oldest first.
	// NextAttemptAt delays redelivery after a transient failure.
	EnqueuedAt    time.Time `json:"enqueuedAt"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`

	// LeasedUntil is the expiry of the current lease, or zero if the job is
	// not leased. A leased job is not handed out again until the lease
	// lapses, or the job is failed-and-requeued or completed.
	LeasedUntil time.Time `json:"leasedUntil,omitempty"`

	// Revision is the optimistic-concurrency revision of the persisted
	// record; lease-once semantics hang off it.
	Revision uint64 `json:"-"`
}

// IsLeased returns true if the job is leased at the given time.
func (j *Job) IsLeased(now time.Time) bool {
	return j.LeasedUntil.After(now)
}

// JobKey derives the key for the job surfaced by a service-task instruction.
//
// The key is a deterministic composite of the owning instance, the source
// element and the instruction address, so outstanding jobs are always
// reconstructable from fiber state alone.
func JobKey(instanceID uuid.UUID, serviceTaskID string, pc compile.Addr) string {
	return fmt.Sprintf("%s:%s:%d", instanceID, serviceTaskID, pc)
}

// ParseJobKey splits a job key into its components.
func ParseJobKey(key string) (instanceID uuid.UUID, serviceTaskID string, pc compile.Addr, err error) {
	// The element id may itself contain colons, so split the instance id off
	// the left and the address off the right.
	head, rest, ok := strings.Cut(key, ":")
	if !ok {
		return uuid.Nil, "", 0, fmt.Errorf("invalid job key %q", key)
	}

	i := strings.LastIndex(rest, ":")
	if i < 1 {
		return uuid.Nil, "", 0, fmt.Errorf("invalid job key %q", key)
	}

	instanceID, err = uuid.Parse(head)
	if err != nil {
		return uuid.Nil, "", 0, fmt.Errorf("invalid job key %q: %w", key, err)
	}

	n, err := strconv.ParseUint(rest[i+1:], 10, 32)
	if err != nil {
		return uuid.Nil, "", 0, fmt.Errorf("invalid job key %q: %w", key, err)
	}

	return instanceID, rest[:i], compile.Addr(n), nil
}
