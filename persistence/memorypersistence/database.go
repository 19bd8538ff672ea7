package memorypersistence

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
	"github.com/obflow/obflow/value"
)

// memoKey identifies a signal memo within a deployment.
type memoKey struct {
	instanceID uuid.UUID
	msgID      string
}

// database encapsulates a single deployment's data.
type database struct {
	sync.RWMutex

	open uint32 // atomic

	definition struct {
		byVersion map[value.Hash]persistence.Definition
		latest    map[string]value.Hash
	}

	instances map[uuid.UUID]process.Instance
	jobs      map[string]process.Job
	incidents map[uuid.UUID]process.Incident
	events    map[uuid.UUID][]eventlog.Recorded
	memos     map[memoKey]process.SignalMemo
	buffered  map[uuid.UUID][]process.BufferedSignal
}

// newDatabase returns a new empty database.
func newDatabase() *database {
	db := &database{
		instances: map[uuid.UUID]process.Instance{},
		jobs:      map[string]process.Job{},
		incidents: map[uuid.UUID]process.Incident{},
		events:    map[uuid.UUID][]eventlog.Recorded{},
		memos:     map[memoKey]process.SignalMemo{},
		buffered:  map[uuid.UUID][]process.BufferedSignal{},
	}

	db.definition.byVersion = map[value.Hash]persistence.Definition{}
	db.definition.latest = map[string]value.Hash{}

	return db
}

// TryOpen attempts to open the database. If the database is already open it
// returns false.
//
// This is used to enforce the requirement that persistence providers only
// allow a single open data-store for each deployment.
func (db *database) TryOpen() bool {
	return atomic.CompareAndSwapUint32(&db.open, 0, 1)
}

// Close closes an open database.
//
// This allows a new data-store for this deployment to be opened via the
// provider.
func (db *database) Close() {
	atomic.CompareAndSwapUint32(&db.open, 1, 0)
}
