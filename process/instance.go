package process

import (
	"time"

	"github.com/google/uuid"
	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/value"
)

// Instance is a single execution of a compiled process definition.
//
// An instance exclusively owns its fibers, flag environment and symbol
// extensions; they are mutated only within the scope of a single engine
// operation and persisted as one record. Instances are never destroyed —
// terminal instances are retained for audit.
type Instance struct {
	// ID uniquely identifies the instance.
	ID uuid.UUID `json:"id"`

	// ProcessKey is the business identifier of the definition.
	ProcessKey string `json:"processKey"`

	// BytecodeVersion pins the instance to the definition version that was
	// active when it started. It never changes, even if a newer version of
	// the same process is compiled later.
	BytecodeVersion value.Hash `json:"bytecodeVersion"`

	// DomainPayload is the opaque business payload travelling with the
	// instance, and DomainPayloadHash its content hash.
	DomainPayload     []byte     `json:"domainPayload,omitempty"`
	DomainPayloadHash value.Hash `json:"domainPayloadHash"`

	// CorrelationID links the instance to the external business entity it
	// orchestrates.
	CorrelationID string `json:"correlationId,omitempty"`

	// State is the monotonic lifecycle state. StateReason carries the
	// cancellation reason; FailureIncident the incident that failed it.
	State           State     `json:"state"`
	StateReason     string    `json:"stateReason,omitempty"`
	FailureIncident uuid.UUID `json:"failureIncident,omitempty"`

	// Env is the orchestration flag environment, keyed by symbol.
	Env map[value.Sym]value.Value `json:"env,omitempty"`

	// Symbols is the instance's symbol arena: the definition's symbols
	// extended with any interned at runtime. Indices are stable.
	Symbols []string `json:"symbols"`

	// Fibers are the live fibers, addressed by position. Fibers of terminal
	// instances are discarded.
	Fibers []Fiber `json:"fibers,omitempty"`

	// Joins counts arrivals per join barrier. JoinExpected holds the
	// arrival counts recorded by inclusive forks for their paired dynamic
	// barriers; entries are removed when the barrier releases.
	Joins        map[compile.JoinID]int `json:"joins,omitempty"`
	JoinExpected map[compile.JoinID]int `json:"joinExpected,omitempty"`

	// Revision is the optimistic-concurrency revision of the persisted
	// record. It is zero for an instance that has never been persisted.
	Revision uint64 `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
}

// SymbolTable reconstitutes the instance's symbol arena.
func (i *Instance) SymbolTable() *value.Table {
	return value.TableOf(i.Symbols)
}

// Resolve returns the text of a symbol in the instance's arena.
func (i *Instance) Resolve(s value.Sym) string {
	if int(s) >= len(i.Symbols) {
		return ""
	}
	return i.Symbols[s]
}

// Intern returns the symbol for s, extending the instance arena if needed.
func (i *Instance) Intern(s string) value.Sym {
	for idx, sym := range i.Symbols {
		if sym == s {
			return value.Sym(idx)
		}
	}

	i.Symbols = append(i.Symbols, s)

	return value.Sym(len(i.Symbols) - 1)
}

// SetFlag stores a flag value in the environment.
func (i *Instance) SetFlag(s value.Sym, v value.Value) {
	if i.Env == nil {
		i.Env = map[value.Sym]value.Value{}
	}
	i.Env[s] = v
}

// Flag returns the value of a flag, defaulting to false.
func (i *Instance) Flag(s value.Sym) value.Value {
	if v, ok := i.Env[s]; ok {
		return v
	}
	return value.OfBool(false)
}

// NextDeadline returns the earliest timer or race deadline among the
// instance's fibers, or the zero time if no fiber carries one.
func (i *Instance) NextDeadline() time.Time {
	var dl time.Time

	for idx := range i.Fibers {
		d := i.Fibers[idx].Wait.Deadline
		if d.IsZero() {
			continue
		}

		if dl.IsZero() || d.Before(dl) {
			dl = d
		}
	}

	return dl
}

// FiberByID returns the index of the fiber with the given id, or -1.
func (i *Instance) FiberByID(id uuid.UUID) int {
	for idx := range i.Fibers {
		if i.Fibers[idx].ID == id {
			return idx
		}
	}
	return -1
}

// RemoveFiber removes the fiber at the given index, preserving order.
func (i *Instance) RemoveFiber(idx int) {
	i.Fibers = append(i.Fibers[:idx], i.Fibers[idx+1:]...)
}
