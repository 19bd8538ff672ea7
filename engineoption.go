package obflow

import (
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger/backoff"

	"github.com/obflow/obflow/broker"
	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/persistence/boltpersistence"
)

var (
	// DefaultPersistenceProvider is the default persistence provider.
	//
	// It is overridden by the WithPersistence() option.
	DefaultPersistenceProvider persistence.Provider = &boltpersistence.FileProvider{
		Path: "/var/run/obflow.boltdb",
	}

	// DefaultDeploymentKey is the default key under which the engine opens
	// its data store.
	//
	// It is overridden by the WithDeploymentKey() option.
	DefaultDeploymentKey = "obflow"

	// DefaultTickInterval is the default interval at which the engine scans
	// for instances with expired timer deadlines.
	//
	// It is overridden by the WithTickInterval() option.
	DefaultTickInterval = 1 * time.Second

	// DefaultLogger is the default target for log messages produced by the
	// engine.
	//
	// It is overridden by the WithLogger() option.
	DefaultLogger = logging.DefaultLogger
)

// EngineOption configures the behavior of an engine.
type EngineOption func(*engineOptions)

// WithPersistence returns an engine option that sets the persistence provider
// used to store and retrieve engine state.
//
// If this option is omitted or p is nil, DefaultPersistenceProvider is used.
func WithPersistence(p persistence.Provider) EngineOption {
	return func(opts *engineOptions) {
		opts.PersistenceProvider = p
	}
}

// WithDeploymentKey returns an engine option that sets the key under which
// the engine opens its data store. Engines with distinct deployment keys
// share nothing.
//
// If this option is omitted or k is empty, DefaultDeploymentKey is used.
func WithDeploymentKey(k string) EngineOption {
	return func(opts *engineOptions) {
		opts.DeploymentKey = k
	}
}

// WithLeaseTTL returns an engine option that sets the duration of the lease
// granted to a worker that activates a job.
//
// If this option is omitted or d is zero broker.DefaultLeaseTTL is used.
func WithLeaseTTL(d time.Duration) EngineOption {
	if d < 0 {
		panic("duration must not be negative")
	}

	return func(opts *engineOptions) {
		opts.LeaseTTL = d
	}
}

// WithBackoff returns an engine option that sets the backoff strategy used to
// delay redelivery of a job after a transient failure.
//
// If this option is omitted or s is nil broker.DefaultBackoff is used.
func WithBackoff(s backoff.Strategy) EngineOption {
	return func(opts *engineOptions) {
		opts.Backoff = s
	}
}

// WithTickInterval returns an engine option that sets the interval at which
// the engine scans for instances with expired timer deadlines.
//
// If this option is omitted or d is zero DefaultTickInterval is used.
func WithTickInterval(d time.Duration) EngineOption {
	if d < 0 {
		panic("duration must not be negative")
	}

	return func(opts *engineOptions) {
		opts.TickInterval = d
	}
}

// WithPollInterval returns an engine option that sets the interval at which
// event subscriptions poll for new events.
//
// If this option is omitted or d is zero eventlog.DefaultPollInterval is
// used.
func WithPollInterval(d time.Duration) EngineOption {
	if d < 0 {
		panic("duration must not be negative")
	}

	return func(opts *engineOptions) {
		opts.PollInterval = d
	}
}

// WithClock returns an engine option that sets the clock used to resolve
// timer deadlines, leases and redelivery delays.
//
// If this option is omitted or now is nil, time.Now is used.
func WithClock(now func() time.Time) EngineOption {
	return func(opts *engineOptions) {
		opts.Now = now
	}
}

// WithLogger returns an engine option that sets the target for log messages
// produced by the engine.
//
// If this option is omitted or l is nil DefaultLogger is used.
func WithLogger(l logging.Logger) EngineOption {
	return func(opts *engineOptions) {
		opts.Logger = l
	}
}

// engineOptions is a container for a fully-resolved set of engine options.
type engineOptions struct {
	PersistenceProvider persistence.Provider
	DeploymentKey       string
	LeaseTTL            time.Duration
	Backoff             backoff.Strategy
	TickInterval        time.Duration
	PollInterval        time.Duration
	Now                 func() time.Time
	Logger              logging.Logger
}

// resolveEngineOptions returns a fully-populated set of engine options built
// from the given set of option functions.
func resolveEngineOptions(options ...EngineOption) *engineOptions {
	opts := &engineOptions{}

	for _, o := range options {
		o(opts)
	}

	if opts.PersistenceProvider == nil {
		opts.PersistenceProvider = DefaultPersistenceProvider
	}

	if opts.DeploymentKey == "" {
		opts.DeploymentKey = DefaultDeploymentKey
	}

	if opts.LeaseTTL == 0 {
		opts.LeaseTTL = broker.DefaultLeaseTTL
	}

	if opts.Backoff == nil {
		opts.Backoff = broker.DefaultBackoff
	}

	if opts.TickInterval == 0 {
		opts.TickInterval = DefaultTickInterval
	}

	if opts.PollInterval == 0 {
		opts.PollInterval = eventlog.DefaultPollInterval
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Logger == nil {
		opts.Logger = DefaultLogger
	}

	return opts
}
