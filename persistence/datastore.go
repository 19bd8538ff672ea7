package persistence

// DataStore is an interface used by the engine to persist and retrieve data
// for a single engine deployment.
type DataStore interface {
	DefinitionRepository
	InstanceRepository
	JobRepository
	IncidentRepository
	EventRepository
	SignalRepository
	Persister

	// Close closes the data store.
	//
	// Closing a data-store prevents any further reads or writes. Operations
	// on a closed data-store return ErrDataStoreClosed.
	Close() error
}
