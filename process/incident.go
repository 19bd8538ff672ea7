package process

import (
	"time"

	"github.com/google/uuid"
)

// ErrorClass classifies a job failure.
//
// Transient failures are retried within the job's budget. Every other class,
// and an exhausted budget, escalates to an incident immediately.
type ErrorClass string

const (
	// ErrorTransient is a failure expected to succeed on retry.
	ErrorTransient ErrorClass = "TRANSIENT"

	// ErrorContractViolation indicates the worker and the process disagree
	// about the job's contract. Retrying cannot help.
	ErrorContractViolation ErrorClass = "CONTRACT_VIOLATION"
)

// IsRetryable returns true if failures of this class consume retry budget
// rather than escalating immediately.
func (c ErrorClass) IsRetryable() bool {
	return c == ErrorTransient
}

// IsBusinessRejection returns true for domain-specific rejection codes, which
// are any class other than the two built-in ones.
func (c ErrorClass) IsBusinessRejection() bool {
	return c != ErrorTransient && c != ErrorContractViolation
}

// Resolution is the operator action that clears an incident.
type Resolution string

const (
	// ResolutionRetry re-queues the failed job with a fresh retry budget.
	ResolutionRetry Resolution = "retry"

	// ResolutionCancelFiber cancels the blocked fiber only; sibling fibers
	// are unaffected.
	ResolutionCancelFiber Resolution = "cancel_fiber"
)

// Incident records a fiber-level failure that requires external resolution.
//
// An incident isolates failure to the owning fiber: sibling fibers of the
// same instance continue unaffected.
type Incident struct {
	ID            uuid.UUID  `json:"id"`
	InstanceID    uuid.UUID  `json:"instanceId"`
	FiberID       uuid.UUID  `json:"fiberId"`
	ServiceTaskID string     `json:"serviceTaskId,omitempty"`
	JobKey        string     `json:"jobKey,omitempty"`
	ErrorClass    ErrorClass `json:"errorClass"`
	Message       string     `json:"message"`
	CreatedAt     time.Time  `json:"createdAt"`

	// ResolvedAt is zero while the incident is open.
	ResolvedAt time.Time  `json:"resolvedAt,omitempty"`
	Resolution Resolution `json:"resolution,omitempty"`
}

// IsOpen returns true if the incident has not been resolved.
func (i *Incident) IsOpen() bool {
	return i.ResolvedAt.IsZero()
}
