package boltpersistence

import (
	"context"

	"go.etcd.io/bbolt"

	"github.com/obflow/obflow/internal/x/bboltx"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/value"
)

var (
	// definitionBucketKey is the key for the root bucket for process
	// definitions.
	definitionBucketKey = []byte("definition")

	// definitionByVersionBucketKey is the key for a child bucket that maps
	// version hashes to definitionRecord values marshaled as JSON.
	definitionByVersionBucketKey = []byte("byversion")

	// definitionLatestBucketKey is the key for a child bucket that maps
	// process keys to the version hash of their most recent deployment.
	definitionLatestBucketKey = []byte("latest")
)

// LoadDefinition loads the definition with the given version hash.
func (ds *dataStore) LoadDefinition(
	_ context.Context,
	v value.Hash,
) (_ persistence.Definition, ok bool, err error) {
	defer bboltx.Recover(&err)

	var def persistence.Definition

	verr := ds.view(
		func(root *bbolt.Bucket) {
			def, ok = loadDefinition(root, v)
		},
	)
	if verr != nil {
		return persistence.Definition{}, false, verr
	}

	return def, ok, nil
}

// LoadLatestDefinition loads the most recently deployed definition with the
// given process key.
func (ds *dataStore) LoadLatestDefinition(
	_ context.Context,
	key string,
) (_ persistence.Definition, ok bool, err error) {
	defer bboltx.Recover(&err)

	var def persistence.Definition

	verr := ds.view(
		func(root *bbolt.Bucket) {
			latest, found := bboltx.TryBucket(
				root,
				definitionBucketKey,
				definitionLatestBucketKey,
			)
			if !found {
				return
			}

			data := latest.Get([]byte(key))
			if data == nil {
				return
			}

			v, herr := value.HashFromBytes(data)
			bboltx.Must(herr)

			def, ok = loadDefinition(root, v)
		},
	)
	if verr != nil {
		return persistence.Definition{}, false, verr
	}

	return def, ok, nil
}

func loadDefinition(root *bbolt.Bucket, v value.Hash) (persistence.Definition, bool) {
	b, ok := bboltx.TryBucket(
		root,
		definitionBucketKey,
		definitionByVersionBucketKey,
	)
	if !ok {
		return persistence.Definition{}, false
	}

	data := b.Get(v[:])
	if data == nil {
		return persistence.Definition{}, false
	}

	var rec definitionRecord
	unmarshalJSON(data, &rec)

	return persistence.Definition{
		ProcessKey: rec.ProcessKey,
		Version:    rec.Version,
		Program:    rec.Program,
		DeployedAt: rec.DeployedAt,
	}, true
}

// VisitSaveDefinition applies the changes in a "SaveDefinition" operation to
// the database.
//
// Definitions are content-addressed, so re-deploying an existing version
// leaves the stored record untouched.
func (c *committer) VisitSaveDefinition(
	_ context.Context,
	op persistence.SaveDefinition,
) error {
	def := op.Definition

	byVersion := bboltx.CreateBucketIfNotExists(
		c.root,
		definitionBucketKey,
		definitionByVersionBucketKey,
	)

	if byVersion.Get(def.Version[:]) == nil {
		bboltx.Put(
			byVersion,
			def.Version[:],
			marshalJSON(definitionRecord{
				ProcessKey: def.ProcessKey,
				Version:    def.Version,
				Program:    def.Program,
				DeployedAt: def.DeployedAt,
			}),
		)
	}

	latest := bboltx.CreateBucketIfNotExists(
		c.root,
		definitionBucketKey,
		definitionLatestBucketKey,
	)

	bboltx.Put(latest, []byte(def.ProcessKey), def.Version[:])

	return nil
}
