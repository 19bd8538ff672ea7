package bboltx

import (
	"go.etcd.io/bbolt"
)

// Update executes fn inside a read/write transaction.
//
// The transaction is committed if fn returns normally, and rolled back if it
// panics.
func Update(db *bbolt.DB, fn func(*bbolt.Tx)) {
	tx := BeginWrite(db)
	defer tx.Rollback()

	fn(tx)

	Commit(tx)
}

// View executes fn inside a read-only transaction.
func View(db *bbolt.DB, fn func(*bbolt.Tx)) {
	tx := BeginRead(db)
	defer tx.Rollback()

	fn(tx)
}

// TryBucket gets nested buckets with names given by the elements of path.
//
// ok is false if any of the nested buckets does not exist.
func TryBucket(p BucketParent, path ...[]byte) (*bbolt.Bucket, bool) {
	b := Bucket(p, path...)
	return b, b != nil
}
