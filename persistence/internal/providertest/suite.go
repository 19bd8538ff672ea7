package providertest

import (
	"context"

	"github.com/onsi/ginkgo/v2"
)

// Declare declares generic behavioral tests for a specific persistence
// provider implementation.
func Declare(
	before func(context.Context, In) Out,
	after func(),
) {
	tc := &TestContext{}

	ginkgo.Context("standard provider test suite", func() {
		var cancel func()

		ginkgo.BeforeEach(func() {
			setupCtx, cancelSetup := context.WithTimeout(context.Background(), DefaultTestTimeout)
			defer cancelSetup()

			tc.In = In{}
			tc.Out = before(setupCtx, tc.In)

			if tc.Out.TestTimeout <= 0 {
				tc.Out.TestTimeout = DefaultTestTimeout
			}

			tc.Context, cancel = context.WithTimeout(context.Background(), tc.Out.TestTimeout)
		})

		ginkgo.AfterEach(func() {
			if after != nil {
				after()
			}

			cancel()
		})

		declareProviderTests(tc)
		declareDefinitionOperationTests(tc)
		declareInstanceOperationTests(tc)
		declareJobOperationTests(tc)
		declareIncidentOperationTests(tc)
		declareEventOperationTests(tc)
		declareSignalOperationTests(tc)
	})
}
