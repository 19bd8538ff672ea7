package compile_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/value"
)

func TestCompile(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "compile")
}

var _ = Describe("func Compile()", func() {
	src := func(s string) []byte {
		return []byte(s)
	}

	When("the source is well-formed", func() {
		source := src(`
process: order
elements:
  - id: start
    type: start
    next: reserve
  - id: reserve
    type: service
    task: reserve-stock
    retries: 2
    next: done
  - id: done
    type: end
`)

		It("returns a program keyed by the process", func() {
			p, _, err := Compile(source)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(p.Key).To(Equal("order"))
			Expect(p.TaskTypes).To(ConsistOf("reserve-stock"))
		})

		It("assigns a content-derived version", func() {
			p, _, err := Compile(source)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(p.Version).NotTo(Equal(value.Hash{}))
		})

		It("produces the same version for the same source", func() {
			a, _, err := Compile(source)
			Expect(err).ShouldNot(HaveOccurred())

			b, _, err := Compile(source)
			Expect(err).ShouldNot(HaveOccurred())

			Expect(b.Version).To(Equal(a.Version))
			Expect(cmp.Diff(a, b)).To(BeEmpty())
		})

		It("produces the same version when only comments differ", func() {
			commented := src(`
# reservation flow
process: order
elements:
  - id: start
    type: start
    next: reserve
  - id: reserve
    type: service
    task: reserve-stock
    retries: 2
    next: done
  - id: done
    type: end
`)

			a, _, err := Compile(source)
			Expect(err).ShouldNot(HaveOccurred())

			b, _, err := Compile(commented)
			Expect(err).ShouldNot(HaveOccurred())

			Expect(b.Version).To(Equal(a.Version))
		})

		It("produces a different version when the source changes meaningfully", func() {
			changed := src(`
process: order
elements:
  - id: start
    type: start
    next: reserve
  - id: reserve
    type: service
    task: reserve-stock
    retries: 5
    next: done
  - id: done
    type: end
`)

			a, _, err := Compile(source)
			Expect(err).ShouldNot(HaveOccurred())

			b, _, err := Compile(changed)
			Expect(err).ShouldNot(HaveOccurred())

			Expect(b.Version).NotTo(Equal(a.Version))
		})

		It("carries the signal buffering policy", func() {
			buffered := src(`
process: order
buffer_signals: true
elements:
  - id: start
    type: start
    next: done
  - id: done
    type: end
`)

			p, _, err := Compile(buffered)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(p.BufferSignals).To(BeTrue())
		})
	})

	When("the source declares an inclusive fork", func() {
		source := src(`
process: notify
elements:
  - id: start
    type: start
    next: split
  - id: split
    type: fork
    mode: inclusive
    join: merge
    cases:
      - flag: email_ok
        next: email
      - flag: sms_ok
        next: sms
      - next: letter
  - id: email
    type: service
    task: send-email
    retries: 1
    next: merge
  - id: sms
    type: service
    task: send-sms
    retries: 1
    next: merge
  - id: letter
    type: service
    task: send-letter
    retries: 1
    next: merge
  - id: merge
    type: join
    next: done
  - id: done
    type: end
`)

		find := func(p *Program, op Op) (Instr, bool) {
			for _, in := range p.Code {
				if in.Op == op {
					return in, true
				}
			}
			return Instr{}, false
		}

		It("lowers the fork with its branch conditions", func() {
			p, _, err := Compile(source)
			Expect(err).ShouldNot(HaveOccurred())

			in, ok := find(p, OpForkInclusive)
			Expect(ok).To(BeTrue())
			Expect(in.Branches).To(HaveLen(3))
			Expect(in.Branches[0].HasFlag).To(BeTrue())
			Expect(in.Branches[0].When).To(BeTrue())
			Expect(in.Branches[2].HasFlag).To(BeFalse())
		})

		It("lowers the paired join without a static arrival count", func() {
			p, _, err := Compile(source)
			Expect(err).ShouldNot(HaveOccurred())

			join, ok := find(p, OpJoinDynamic)
			Expect(ok).To(BeTrue())
			Expect(join.Expected).To(BeZero())

			fork, _ := find(p, OpForkInclusive)
			Expect(fork.Join).To(Equal(join.Join))
		})

		It("rejects a fork that names no join", func() {
			_, _, err := Compile(src(`
process: notify
elements:
  - id: start
    type: start
    next: split
  - id: split
    type: fork
    mode: inclusive
    cases:
      - flag: email_ok
        next: done
      - next: done
  - id: done
    type: end
`))

			var cerr Error
			Expect(err).To(BeAssignableToTypeOf(cerr))
			Expect(err.(Error).Diagnostics).To(ContainElement(Diagnostic{
				Severity: SeverityError,
				Element:  "split",
				Message:  "inclusive fork names no join",
			}))
		})

		It("rejects a join reference to a non-join element", func() {
			_, _, err := Compile(src(`
process: notify
elements:
  - id: start
    type: start
    next: split
  - id: split
    type: fork
    mode: inclusive
    join: done
    cases:
      - flag: email_ok
        next: done
      - next: done
  - id: done
    type: end
`))

			var cerr Error
			Expect(err).To(BeAssignableToTypeOf(cerr))
			Expect(err.(Error).Diagnostics).To(ContainElement(Diagnostic{
				Severity: SeverityError,
				Element:  "split",
				Message:  `join reference "done" is not a join`,
			}))
		})

		It("rejects an unknown fork mode", func() {
			_, _, err := Compile(src(`
process: notify
elements:
  - id: start
    type: start
    next: split
  - id: split
    type: fork
    mode: sideways
    branches: [done, done]
  - id: done
    type: end
`))

			var cerr Error
			Expect(err).To(BeAssignableToTypeOf(cerr))
			Expect(err.(Error).Diagnostics).To(ContainElement(Diagnostic{
				Severity: SeverityError,
				Element:  "split",
				Message:  `unknown fork mode "sideways"`,
			}))
		})
	})

	When("the source triggers warnings", func() {
		It("returns them alongside the program", func() {
			p, diags, err := Compile(src(`
process: order
elements:
  - id: start
    type: start
    next: reserve
  - id: reserve
    type: service
    task: reserve-stock
    next: done
  - id: done
    type: end
`))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(p).NotTo(BeNil())
			Expect(diags).To(ContainElement(Diagnostic{
				Severity: SeverityWarning,
				Element:  "reserve",
				Message:  "no retry budget declared, defaulting to 3",
			}))
		})
	})

	When("the source is structurally invalid", func() {
		It("reports every fault it can find", func() {
			_, _, err := Compile(src(`
process: order
elements:
  - id: start
    type: start
    next: reserve
  - id: reserve
    type: service
    retries: 2
    next: missing
`))

			var cerr Error
			Expect(err).To(BeAssignableToTypeOf(cerr))
			cerr = err.(Error)

			Expect(cerr.Diagnostics).To(ContainElements(
				Diagnostic{
					Severity: SeverityError,
					Element:  "reserve",
					Message:  "service task has no task type",
				},
				Diagnostic{
					Severity: SeverityError,
					Element:  "reserve",
					Message:  `dangling reference to "missing"`,
				},
				Diagnostic{
					Severity: SeverityError,
					Message:  "no end event",
				},
			))
		})

		It("rejects elements that can not be reached from the start event", func() {
			_, _, err := Compile(src(`
process: order
elements:
  - id: start
    type: start
    next: done
  - id: orphan
    type: timer
    duration: 1h
    next: done
  - id: done
    type: end
`))

			var cerr Error
			Expect(err).To(BeAssignableToTypeOf(cerr))
			Expect(err.(Error).Diagnostics).To(ContainElement(Diagnostic{
				Severity: SeverityError,
				Element:  "orphan",
				Message:  "unreachable from start",
			}))
		})

		It("rejects source that is not valid YAML", func() {
			_, _, err := Compile(src("process: [unclosed"))
			Expect(err).To(HaveOccurred())
			Expect(err).To(BeAssignableToTypeOf(Error{}))
		})
	})
})
