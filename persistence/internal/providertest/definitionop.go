package providertest

import (
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/value"
)

// declareDefinitionOperationTests declares a functional test-suite for
// persistence operations related to process definitions.
func declareDefinitionOperationTests(tc *TestContext) {
	ginkgo.Context("definition operations", func() {
		var dataStore persistence.DataStore

		newDefinition := func(key string, seed string) persistence.Definition {
			p := &compile.Program{
				Key: key,
				Code: []compile.Instr{
					{Op: compile.OpEnd},
				},
			}
			p.Version = value.SumHash([]byte(seed))

			return persistence.Definition{
				ProcessKey: key,
				Version:    p.Version,
				Program:    p,
			}
		}

		ginkgo.BeforeEach(func() {
			var tearDown func()
			dataStore, tearDown = tc.SetupDataStore()
			ginkgo.DeferCleanup(tearDown)
		})

		ginkgo.Describe("type persistence.SaveDefinition", func() {
			ginkgo.It("saves a definition that can be loaded by version", func() {
				def := newDefinition("order", "v1")

				persist(
					tc.Context,
					dataStore,
					persistence.SaveDefinition{Definition: def},
				)

				loaded, ok, err := dataStore.LoadDefinition(tc.Context, def.Version)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
				gomega.Expect(loaded.ProcessKey).To(gomega.Equal("order"))
				gomega.Expect(loaded.Version).To(gomega.Equal(def.Version))
			})

			ginkgo.It("tracks the latest deployment per process key", func() {
				v1 := newDefinition("order", "v1")
				v2 := newDefinition("order", "v2")

				persist(
					tc.Context,
					dataStore,
					persistence.SaveDefinition{Definition: v1},
				)
				persist(
					tc.Context,
					dataStore,
					persistence.SaveDefinition{Definition: v2},
				)

				latest, ok, err := dataStore.LoadLatestDefinition(tc.Context, "order")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
				gomega.Expect(latest.Version).To(gomega.Equal(v2.Version))

				// the older version remains loadable by hash
				_, ok, err = dataStore.LoadDefinition(tc.Context, v1.Version)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
			})

			ginkgo.It("is idempotent for the same version", func() {
				def := newDefinition("order", "v1")

				persist(
					tc.Context,
					dataStore,
					persistence.SaveDefinition{Definition: def},
				)
				persist(
					tc.Context,
					dataStore,
					persistence.SaveDefinition{Definition: def},
				)

				_, ok, err := dataStore.LoadDefinition(tc.Context, def.Version)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
			})
		})

		ginkgo.Describe("func LoadDefinition()", func() {
			ginkgo.It("returns false for an unknown version", func() {
				_, ok, err := dataStore.LoadDefinition(
					tc.Context,
					value.SumHash([]byte("unknown")),
				)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeFalse())
			})
		})

		ginkgo.Describe("func LoadLatestDefinition()", func() {
			ginkgo.It("returns false for an unknown process key", func() {
				_, ok, err := dataStore.LoadLatestDefinition(tc.Context, "unknown")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeFalse())
			})
		})
	})
}
