// Package obflow is a business-process execution engine.
//
// Process definitions are compiled to content-addressed bytecode, instances
// of them run as cooperative fibers advanced by ticks, and the side effects
// of every operation are persisted in one atomic batch alongside the events
// that describe it.
package obflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
	"github.com/google/uuid"

	"github.com/obflow/obflow/broker"
	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/correlate"
	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/incident"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/process"
	"github.com/obflow/obflow/runtime"
	"github.com/obflow/obflow/value"
)

// dueInstanceBatchSize is the maximum number of due instances ticked per
// scan of the engine's run loop.
const dueInstanceBatchSize = 100

// Engine executes business processes.
type Engine struct {
	opts *engineOptions

	m          sync.Mutex
	dataStore  persistence.DataStore
	scheduler  *runtime.Scheduler
	broker     *broker.Broker
	correlator *correlate.Correlator
	incidents  *incident.Manager
}

// New returns a new engine that uses the given options.
func New(options ...EngineOption) *Engine {
	return &Engine{
		opts: resolveEngineOptions(options...),
	}
}

// Run drives time-based progress until ctx is canceled or an error occurs.
//
// It periodically scans for instances with expired timer deadlines and ticks
// them. All other progress is made synchronously by the engine's methods;
// Run is only required for processes that use timers.
func (e *Engine) Run(ctx context.Context) error {
	ds, err := e.open(ctx)
	if err != nil {
		return err
	}

	for {
		if err := linger.Sleep(ctx, e.opts.TickInterval); err != nil {
			return err
		}

		ids, err := ds.LoadDueInstanceIDs(ctx, e.opts.Now(), dueInstanceBatchSize)
		if err != nil {
			return err
		}

		for _, id := range ids {
			if err := e.Tick(ctx, id); err != nil {
				if _, ok := err.(persistence.ConflictError); ok {
					// lost a race with a concurrent operation, the next scan
					// will pick the instance up again
					continue
				}
				return err
			}
		}
	}
}

// Close closes the engine's data store.
func (e *Engine) Close() error {
	e.m.Lock()
	defer e.m.Unlock()

	if e.dataStore == nil {
		return nil
	}

	ds := e.dataStore
	e.dataStore = nil

	return ds.Close()
}

// Compile compiles YAML process source and registers the resulting
// definition.
//
// Compilation is deterministic, so re-compiling an already-registered
// definition is a no-op that returns the same version. A source that fails
// to compile registers nothing; the returned error carries the diagnostics.
func (e *Engine) Compile(
	ctx context.Context,
	src []byte,
) (value.Hash, []compile.Diagnostic, error) {
	p, diags, err := compile.Compile(src)
	if err != nil {
		return value.Hash{}, nil, err
	}

	ds, err := e.open(ctx)
	if err != nil {
		return value.Hash{}, nil, err
	}

	_, err = ds.Persist(ctx, persistence.Batch{
		persistence.SaveDefinition{
			Definition: persistence.Definition{
				ProcessKey: p.Key,
				Version:    p.Version,
				Program:    p,
				DeployedAt: e.opts.Now(),
			},
		},
	})
	if err != nil {
		return value.Hash{}, nil, fmt.Errorf("unable to register definition: %w", err)
	}

	logging.Log(e.opts.Logger, "definition %s compiled to %s", p.Key, p.Version)

	return p.Version, diags, nil
}

// StartProcess starts a new instance of a registered definition and ticks it.
func (e *Engine) StartProcess(
	ctx context.Context,
	processKey string,
	version value.Hash,
	payload []byte,
	hash value.Hash,
	correlationID string,
) (uuid.UUID, error) {
	ds, err := e.open(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	def, ok, err := ds.LoadDefinition(ctx, version)
	if err != nil {
		return uuid.Nil, err
	}
	if !ok {
		return uuid.Nil, fmt.Errorf("definition %s does not exist", version)
	}

	if def.ProcessKey != processKey {
		return uuid.Nil, fmt.Errorf(
			"definition %s belongs to process %q, not %q",
			version, def.ProcessKey, processKey,
		)
	}

	id, err := e.scheduler.Start(ctx, def, payload, hash, correlationID)
	if err != nil {
		return uuid.Nil, err
	}

	return id, e.scheduler.Tick(ctx, id)
}

// Tick performs one cooperative execution step of the instance.
func (e *Engine) Tick(ctx context.Context, id uuid.UUID) error {
	if _, err := e.open(ctx); err != nil {
		return err
	}

	return e.scheduler.Tick(ctx, id)
}

// Signal delivers a named message to the instance, then ticks it.
//
// When msgID is non-empty the outcome is memoized against it and repeated
// deliveries are no-ops returning the prior outcome.
func (e *Engine) Signal(
	ctx context.Context,
	id uuid.UUID,
	name string,
	corrKey value.Lit,
	hasCorr bool,
	payload []byte,
	hash value.Hash,
	msgID string,
) (process.SignalOutcome, error) {
	if _, err := e.open(ctx); err != nil {
		return "", err
	}

	outcome, err := e.correlator.Signal(
		ctx, id, name, corrKey, hasCorr, payload, hash, msgID,
	)
	if err != nil {
		return "", err
	}

	if outcome == process.SignalDelivered {
		return outcome, e.scheduler.Tick(ctx, id)
	}

	return outcome, nil
}

// Cancel unconditionally cancels the instance.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	if _, err := e.open(ctx); err != nil {
		return err
	}

	return e.scheduler.Cancel(ctx, id, reason)
}

// Inspect returns a snapshot of the instance, including each fiber's
// wait-state.
func (e *Engine) Inspect(ctx context.Context, id uuid.UUID) (process.Instance, error) {
	ds, err := e.open(ctx)
	if err != nil {
		return process.Instance{}, err
	}

	inst, ok, err := ds.LoadInstance(ctx, id)
	if err != nil {
		return process.Instance{}, err
	}
	if !ok {
		return process.Instance{}, runtime.UnknownInstanceError{InstanceID: id}
	}

	return inst, nil
}

// ActivateJobs leases up to maxJobs jobs of the requested task types.
func (e *Engine) ActivateJobs(
	ctx context.Context,
	taskTypes []string,
	maxJobs int,
) ([]process.Job, error) {
	if _, err := e.open(ctx); err != nil {
		return nil, err
	}

	return e.broker.ActivateJobs(ctx, taskTypes, maxJobs)
}

// CompleteJob applies a successful job outcome, then ticks the instance.
func (e *Engine) CompleteJob(
	ctx context.Context,
	jobKey string,
	payload []byte,
	hash value.Hash,
	orchFlags map[string]value.Lit,
) error {
	if _, err := e.open(ctx); err != nil {
		return err
	}

	if err := e.broker.CompleteJob(ctx, jobKey, payload, hash, orchFlags); err != nil {
		return err
	}

	id, _, _, err := process.ParseJobKey(jobKey)
	if err != nil {
		return err
	}

	return e.scheduler.Tick(ctx, id)
}

// FailJob applies a failed job outcome.
func (e *Engine) FailJob(
	ctx context.Context,
	jobKey string,
	class process.ErrorClass,
	message string,
) error {
	if _, err := e.open(ctx); err != nil {
		return err
	}

	return e.broker.FailJob(ctx, jobKey, class, message)
}

// ReadEvents returns up to n events of the instance with a sequence of
// fromSeq or greater, in sequence order.
func (e *Engine) ReadEvents(
	ctx context.Context,
	id uuid.UUID,
	fromSeq uint64,
	n int,
) ([]eventlog.Recorded, error) {
	ds, err := e.open(ctx)
	if err != nil {
		return nil, err
	}

	return ds.ReadEvents(ctx, id, fromSeq, n)
}

// Subscribe returns a subscription that delivers the instance's events in
// sequence order, starting at fromSeq, until a terminal event is observed.
func (e *Engine) Subscribe(
	ctx context.Context,
	id uuid.UUID,
	fromSeq uint64,
) (*eventlog.Subscription, error) {
	ds, err := e.open(ctx)
	if err != nil {
		return nil, err
	}

	return &eventlog.Subscription{
		Reader:       ds,
		InstanceID:   id,
		FromSeq:      fromSeq,
		PollInterval: e.opts.PollInterval,
	}, nil
}

// ResolveIncident applies an operator resolution to an open incident, then
// ticks the instance it belongs to.
func (e *Engine) ResolveIncident(
	ctx context.Context,
	incidentID uuid.UUID,
	r process.Resolution,
) error {
	ds, err := e.open(ctx)
	if err != nil {
		return err
	}

	inc, ok, err := ds.LoadIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if !ok {
		return incident.UnknownIncidentError{IncidentID: incidentID}
	}

	if err := e.incidents.Resolve(ctx, incidentID, r); err != nil {
		return err
	}

	return e.scheduler.Tick(ctx, inc.InstanceID)
}

// OpenIncidents returns the unresolved incidents of the instance.
func (e *Engine) OpenIncidents(
	ctx context.Context,
	id uuid.UUID,
) ([]process.Incident, error) {
	ds, err := e.open(ctx)
	if err != nil {
		return nil, err
	}

	return ds.LoadOpenIncidents(ctx, id)
}

// open opens the engine's data store and builds the components that use it.
// It is idempotent.
func (e *Engine) open(ctx context.Context) (persistence.DataStore, error) {
	e.m.Lock()
	defer e.m.Unlock()

	if e.dataStore != nil {
		return e.dataStore, nil
	}

	ds, err := e.opts.PersistenceProvider.Open(ctx, e.opts.DeploymentKey)
	if err != nil {
		return nil, fmt.Errorf("unable to open data store: %w", err)
	}

	e.dataStore = ds

	e.scheduler = &runtime.Scheduler{
		DataStore: ds,
		Now:       e.opts.Now,
		Logger:    e.opts.Logger,
	}

	e.broker = &broker.Broker{
		DataStore: ds,
		Now:       e.opts.Now,
		LeaseTTL:  e.opts.LeaseTTL,
		Backoff:   e.opts.Backoff,
		Logger:    e.opts.Logger,
	}

	e.correlator = &correlate.Correlator{
		DataStore: ds,
		Now:       e.opts.Now,
		Logger:    e.opts.Logger,
	}

	e.incidents = &incident.Manager{
		DataStore: ds,
		Now:       e.opts.Now,
		Logger:    e.opts.Logger,
	}

	return ds, nil
}
