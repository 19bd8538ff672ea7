// Package persistence defines the engine's persistence model: a set of typed
// repositories for reads, and atomic batches of visitor-style operations for
// writes, guarded by optimistic concurrency control.
package persistence

import (
	"context"
)

// Provider is an interface used by the engine to open its data store.
type Provider interface {
	// Open returns the data-store for a specific engine deployment.
	//
	// k is the deployment's identity key.
	//
	// Data stores are opened for exclusive use. If another engine instance
	// has already opened this deployment's data-store, ErrDataStoreLocked is
	// returned.
	Open(ctx context.Context, k string) (DataStore, error)
}
