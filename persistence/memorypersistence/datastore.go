package memorypersistence

import (
	"context"
	"sync/atomic"

	"github.com/obflow/obflow/persistence"
)

// dataStore is an implementation of persistence.DataStore for in-memory
// persistence.
type dataStore struct {
	db     *database
	closed uint32 // atomic
}

// Persist commits a batch of operations atomically.
//
// If any one of the operations causes an optimistic concurrency conflict the
// entire batch is aborted and a ConflictError is returned.
func (ds *dataStore) Persist(
	ctx context.Context,
	b persistence.Batch,
) (persistence.Result, error) {
	b.MustValidate()

	if err := ds.checkOpen(); err != nil {
		return persistence.Result{}, err
	}

	ds.db.Lock()
	defer ds.db.Unlock()

	v := &validator{ds.db}
	for _, op := range b {
		if err := op.AcceptVisitor(ctx, v); err != nil {
			return persistence.Result{}, err
		}
	}

	c := &committer{db: ds.db}
	for _, op := range b {
		if err := op.AcceptVisitor(ctx, c); err != nil {
			// The validator has already accepted the batch; a commit fault
			// here means the store itself is defective.
			panic(err)
		}
	}

	return c.result, nil
}

// Close closes the data store.
func (ds *dataStore) Close() error {
	if !atomic.CompareAndSwapUint32(&ds.closed, 0, 1) {
		return persistence.ErrDataStoreClosed
	}

	ds.db.Close()

	return nil
}

func (ds *dataStore) checkOpen() error {
	if atomic.LoadUint32(&ds.closed) != 0 {
		return persistence.ErrDataStoreClosed
	}

	return nil
}

// validator checks whether each operation in a batch can be applied to the
// database without conflict.
type validator struct {
	db *database
}

// committer applies each operation in a validated batch to the database.
type committer struct {
	db     *database
	result persistence.Result
}
