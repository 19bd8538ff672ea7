package persistence

import (
	"context"
	"time"

	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/value"
)

// Definition is a deployed process definition.
type Definition struct {
	// ProcessKey is the human-readable identifier of the process.
	ProcessKey string

	// Version is the content hash of the compiled program.
	Version value.Hash

	// Program is the compiled program.
	Program *compile.Program

	// DeployedAt is the time at which the definition was first persisted.
	DeployedAt time.Time
}

// DefinitionRepository is an interface for reading deployed process
// definitions.
type DefinitionRepository interface {
	// LoadDefinition loads the definition with the given version hash.
	//
	// ok is false if no such definition has been deployed.
	LoadDefinition(ctx context.Context, v value.Hash) (_ Definition, ok bool, _ error)

	// LoadLatestDefinition loads the most recently deployed definition with
	// the given process key.
	//
	// ok is false if no definition with that key has been deployed.
	LoadLatestDefinition(ctx context.Context, key string) (_ Definition, ok bool, _ error)
}
