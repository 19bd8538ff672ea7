package providertest

import (
	"context"

	"github.com/onsi/gomega"

	"github.com/obflow/obflow/persistence"
)

// persist persists a batch of operations, asserting success.
func persist(
	ctx context.Context,
	p persistence.Persister,
	ops ...persistence.Operation,
) persistence.Result {
	res, err := p.Persist(ctx, persistence.Batch(ops))
	gomega.ExpectWithOffset(1, err).ShouldNot(gomega.HaveOccurred())
	return res
}
