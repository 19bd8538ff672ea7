package memorypersistence_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/persistence/internal/providertest"
	. "github.com/obflow/obflow/persistence/memorypersistence"
)

func TestMemoryPersistence(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "persistence/memorypersistence")
}

var _ = Describe("type Provider", func() {
	providertest.Declare(
		func(ctx context.Context, in providertest.In) providertest.Out {
			return providertest.Out{
				NewProvider: func() (persistence.Provider, func()) {
					return &Provider{}, nil
				},
			}
		},
		nil,
	)

	Describe("func Open()", func() {
		It("returns the same data for repeat openings of the same deployment", func() {
			p := &Provider{}

			ds, err := p.Open(context.Background(), "<deployment>")
			Expect(err).ShouldNot(HaveOccurred())

			_, err = ds.Persist(
				context.Background(),
				persistence.Batch{
					persistence.SaveDefinition{
						Definition: persistence.Definition{
							ProcessKey: "order",
						},
					},
				},
			)
			Expect(err).ShouldNot(HaveOccurred())

			Expect(ds.Close()).ShouldNot(HaveOccurred())

			ds, err = p.Open(context.Background(), "<deployment>")
			Expect(err).ShouldNot(HaveOccurred())
			defer ds.Close()

			_, ok, err := ds.LoadLatestDefinition(context.Background(), "order")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})
	})
})
