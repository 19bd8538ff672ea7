package obflow

import (
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger/backoff"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/obflow/obflow/broker"
	"github.com/obflow/obflow/eventlog"
	"github.com/obflow/obflow/persistence/memorypersistence"
)

var _ = Describe("func WithPersistence()", func() {
	It("sets the persistence provider", func() {
		p := &memorypersistence.Provider{}

		opts := resolveEngineOptions(
			WithPersistence(p),
		)

		Expect(opts.PersistenceProvider).To(Equal(p))
	})

	It("uses the default if the provider is nil", func() {
		opts := resolveEngineOptions(
			WithPersistence(nil),
		)

		Expect(opts.PersistenceProvider).To(Equal(DefaultPersistenceProvider))
	})
})

var _ = Describe("func WithDeploymentKey()", func() {
	It("sets the deployment key", func() {
		opts := resolveEngineOptions(
			WithDeploymentKey("<deployment>"),
		)

		Expect(opts.DeploymentKey).To(Equal("<deployment>"))
	})

	It("uses the default if the key is empty", func() {
		opts := resolveEngineOptions(
			WithDeploymentKey(""),
		)

		Expect(opts.DeploymentKey).To(Equal(DefaultDeploymentKey))
	})
})

var _ = Describe("func WithLeaseTTL()", func() {
	It("sets the lease duration", func() {
		opts := resolveEngineOptions(
			WithLeaseTTL(10 * time.Minute),
		)

		Expect(opts.LeaseTTL).To(Equal(10 * time.Minute))
	})

	It("uses the default if the duration is zero", func() {
		opts := resolveEngineOptions(
			WithLeaseTTL(0),
		)

		Expect(opts.LeaseTTL).To(Equal(broker.DefaultLeaseTTL))
	})

	It("panics if the duration is less than zero", func() {
		Expect(func() {
			WithLeaseTTL(-1)
		}).To(Panic())
	})
})

var _ = Describe("func WithBackoff()", func() {
	It("sets the backoff strategy", func() {
		p := backoff.Constant(10 * time.Second)

		opts := resolveEngineOptions(
			WithBackoff(p),
		)

		Expect(opts.Backoff(nil, 1)).To(Equal(10 * time.Second))
	})

	It("uses the default if the strategy is nil", func() {
		opts := resolveEngineOptions(
			WithBackoff(nil),
		)

		Expect(opts.Backoff).ToNot(BeNil())
	})
})

var _ = Describe("func WithTickInterval()", func() {
	It("sets the tick interval", func() {
		opts := resolveEngineOptions(
			WithTickInterval(250 * time.Millisecond),
		)

		Expect(opts.TickInterval).To(Equal(250 * time.Millisecond))
	})

	It("uses the default if the interval is zero", func() {
		opts := resolveEngineOptions(
			WithTickInterval(0),
		)

		Expect(opts.TickInterval).To(Equal(DefaultTickInterval))
	})
})

var _ = Describe("func WithPollInterval()", func() {
	It("sets the subscription poll interval", func() {
		opts := resolveEngineOptions(
			WithPollInterval(25 * time.Millisecond),
		)

		Expect(opts.PollInterval).To(Equal(25 * time.Millisecond))
	})

	It("uses the default if the interval is zero", func() {
		opts := resolveEngineOptions(
			WithPollInterval(0),
		)

		Expect(opts.PollInterval).To(Equal(eventlog.DefaultPollInterval))
	})
})

var _ = Describe("func WithClock()", func() {
	It("sets the clock", func() {
		now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

		opts := resolveEngineOptions(
			WithClock(func() time.Time { return now }),
		)

		Expect(opts.Now()).To(Equal(now))
	})

	It("uses the wall clock if the function is nil", func() {
		opts := resolveEngineOptions(
			WithClock(nil),
		)

		Expect(opts.Now).ToNot(BeNil())
	})
})

var _ = Describe("func WithLogger()", func() {
	It("sets the logger", func() {
		opts := resolveEngineOptions(
			WithLogger(logging.DebugLogger),
		)

		Expect(opts.Logger).To(BeIdenticalTo(logging.DebugLogger))
	})

	It("uses the default if the logger is nil", func() {
		opts := resolveEngineOptions(
			WithLogger(nil),
		)

		Expect(opts.Logger).To(Equal(DefaultLogger))
	})
})
