package memorypersistence

import (
	"context"

	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/value"
)

// LoadDefinition loads the definition with the given version hash.
func (ds *dataStore) LoadDefinition(
	_ context.Context,
	v value.Hash,
) (persistence.Definition, bool, error) {
	if err := ds.checkOpen(); err != nil {
		return persistence.Definition{}, false, err
	}

	ds.db.RLock()
	defer ds.db.RUnlock()

	def, ok := ds.db.definition.byVersion[v]
	return def, ok, nil
}

// LoadLatestDefinition loads the most recently deployed definition with the
// given process key.
func (ds *dataStore) LoadLatestDefinition(
	_ context.Context,
	key string,
) (persistence.Definition, bool, error) {
	if err := ds.checkOpen(); err != nil {
		return persistence.Definition{}, false, err
	}

	ds.db.RLock()
	defer ds.db.RUnlock()

	v, ok := ds.db.definition.latest[key]
	if !ok {
		return persistence.Definition{}, false, nil
	}

	def, ok := ds.db.definition.byVersion[v]
	return def, ok, nil
}

// VisitSaveDefinition returns an error if a "SaveDefinition" operation can
// not be applied to the database.
//
// Definitions are content-addressed, so re-deploying an existing version is
// always permitted.
func (v *validator) VisitSaveDefinition(
	_ context.Context,
	_ persistence.SaveDefinition,
) error {
	return nil
}

// VisitSaveDefinition applies the changes in a "SaveDefinition" operation to
// the database.
func (c *committer) VisitSaveDefinition(
	_ context.Context,
	op persistence.SaveDefinition,
) error {
	def := op.Definition

	if _, ok := c.db.definition.byVersion[def.Version]; !ok {
		c.db.definition.byVersion[def.Version] = def
	}

	c.db.definition.latest[def.ProcessKey] = def.Version

	return nil
}
