package persistence

import (
	"context"
	"fmt"
)

// Batch is a set of operations that are committed to the data store
// atomically using a Persister.
type Batch []Operation

// AcceptVisitor visits each operation in the batch in order, stopping at the
// first operation that causes an error.
func (b Batch) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	for _, op := range b {
		if err := op.AcceptVisitor(ctx, v); err != nil {
			return err
		}
	}

	return nil
}

// MustValidate panics if the batch contains multiple operations that operate
// on the same entity.
func (b Batch) MustValidate() {
	for i, x := range b {
		xk := x.entityKey()
		if xk.isZero() {
			continue
		}

		for _, y := range b[i+1:] {
			if xk == y.entityKey() {
				panic(fmt.Sprintf(
					"batch contains multiple operations for the same entity (%s/%s/%s)",
					xk[0], xk[1], xk[2],
				))
			}
		}
	}
}
