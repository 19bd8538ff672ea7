package providertest

import (
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/obflow/obflow/persistence"
)

func declareProviderTests(tc *TestContext) {
	ginkgo.Describe("type Provider (interface)", func() {
		ginkgo.Describe("func Open()", func() {
			ginkgo.It("locks the data-store for exclusive use", func() {
				p, close := tc.Out.NewProvider()
				if close != nil {
					ginkgo.DeferCleanup(close)
				}

				ds, err := p.Open(tc.Context, DefaultDeploymentKey)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				defer ds.Close()

				_, err = p.Open(tc.Context, DefaultDeploymentKey)
				gomega.Expect(err).To(gomega.Equal(persistence.ErrDataStoreLocked))
			})

			ginkgo.It("allows the data-store to be re-opened after it is closed", func() {
				p, close := tc.Out.NewProvider()
				if close != nil {
					ginkgo.DeferCleanup(close)
				}

				ds, err := p.Open(tc.Context, DefaultDeploymentKey)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				err = ds.Close()
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				ds, err = p.Open(tc.Context, DefaultDeploymentKey)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				ds.Close()
			})

			ginkgo.It("allows different deployments to be opened independently", func() {
				p, close := tc.Out.NewProvider()
				if close != nil {
					ginkgo.DeferCleanup(close)
				}

				ds1, err := p.Open(tc.Context, "<deployment-1>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				defer ds1.Close()

				ds2, err := p.Open(tc.Context, "<deployment-2>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				defer ds2.Close()

				gomega.Expect(ds1).ToNot(gomega.BeIdenticalTo(ds2))
			})
		})
	})

	ginkgo.Describe("type DataStore (interface)", func() {
		ginkgo.Describe("func Close()", func() {
			ginkgo.It("returns an error if the data-store is already closed", func() {
				ds, tearDown := tc.SetupDataStore()
				ginkgo.DeferCleanup(tearDown)

				err := ds.Close()
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				err = ds.Close()
				gomega.Expect(err).To(gomega.Equal(persistence.ErrDataStoreClosed))
			})

			ginkgo.It("prevents further persistence operations", func() {
				ds, tearDown := tc.SetupDataStore()
				ginkgo.DeferCleanup(tearDown)

				ds.Close()

				_, err := ds.Persist(tc.Context, persistence.Batch{})
				gomega.Expect(err).To(gomega.Equal(persistence.ErrDataStoreClosed))
			})
		})
	})
}
