package boltpersistence

import (
	"context"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/obflow/obflow/internal/x/bboltx"
	"github.com/obflow/obflow/persistence"
)

// dataStore is an implementation of persistence.DataStore for BoltDB.
type dataStore struct {
	db   *bbolt.DB
	root []byte

	m       sync.RWMutex
	release func(string) error
}

// Persist commits a batch of operations atomically.
//
// If any one of the operations causes an optimistic concurrency conflict the
// entire batch is aborted and a ConflictError is returned.
func (ds *dataStore) Persist(
	ctx context.Context,
	b persistence.Batch,
) (_ persistence.Result, err error) {
	b.MustValidate()

	defer bboltx.Recover(&err)

	ds.m.RLock()
	defer ds.m.RUnlock()

	if ds.release == nil {
		return persistence.Result{}, persistence.ErrDataStoreClosed
	}

	c := &committer{}

	bboltx.Update(
		ds.db,
		func(tx *bbolt.Tx) {
			c.root = bboltx.CreateBucketIfNotExists(tx, ds.root)
			bboltx.Must(b.AcceptVisitor(ctx, c))
		},
	)

	return c.result, nil
}

// Close closes the data store.
//
// Closing a data-store causes any future operations to return
// ErrDataStoreClosed. Close() blocks until any in-flight calls to Persist()
// return.
func (ds *dataStore) Close() error {
	ds.m.Lock()
	defer ds.m.Unlock()

	if ds.release == nil {
		return persistence.ErrDataStoreClosed
	}

	r := ds.release
	ds.db = nil
	ds.release = nil

	return r(string(ds.root))
}

// view executes fn inside a read-only transaction, passing it the deployment's
// root bucket. fn is not called if the root bucket does not exist yet.
func (ds *dataStore) view(fn func(root *bbolt.Bucket)) error {
	ds.m.RLock()
	defer ds.m.RUnlock()

	if ds.release == nil {
		return persistence.ErrDataStoreClosed
	}

	bboltx.View(
		ds.db,
		func(tx *bbolt.Tx) {
			if root, ok := bboltx.TryBucket(tx, ds.root); ok {
				fn(root)
			}
		},
	)

	return nil
}

// committer is an implementation of persistence.OperationVisitor that applies
// operations to the database.
//
// Optimistic concurrency conflicts are detected as each operation is applied;
// any conflict aborts the enclosing transaction.
type committer struct {
	root   *bbolt.Bucket
	result persistence.Result
}
