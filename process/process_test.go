package process_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/obflow/obflow/process"
	"github.com/obflow/obflow/value"
)

func TestProcess(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "process")
}

var _ = Describe("func JobKey()", func() {
	It("round-trips through ParseJobKey()", func() {
		instanceID := uuid.New()

		key := JobKey(instanceID, "reserve-stock", 7)

		id, taskID, pc, err := ParseJobKey(key)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(id).To(Equal(instanceID))
		Expect(taskID).To(Equal("reserve-stock"))
		Expect(pc).To(BeEquivalentTo(7))
	})

	It("tolerates colons in the element id", func() {
		instanceID := uuid.New()

		key := JobKey(instanceID, "billing:charge", 3)

		id, taskID, pc, err := ParseJobKey(key)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(id).To(Equal(instanceID))
		Expect(taskID).To(Equal("billing:charge"))
		Expect(pc).To(BeEquivalentTo(3))
	})

	It("rejects a key with no separators", func() {
		_, _, _, err := ParseJobKey("garbage")
		Expect(err).Should(HaveOccurred())
	})
})

var _ = Describe("type Instance", func() {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	Describe("func NextDeadline()", func() {
		It("returns the earliest fiber deadline", func() {
			inst := Instance{
				Fibers: []Fiber{
					{Wait: Wait{Kind: WaitTimer, Deadline: now.Add(2 * time.Hour)}},
					{Wait: Wait{Kind: WaitRace, Deadline: now.Add(1 * time.Hour)}},
					{Wait: Wait{Kind: WaitJob}},
				},
			}

			Expect(inst.NextDeadline()).To(Equal(now.Add(1 * time.Hour)))
		})

		It("returns zero when no fiber has a deadline", func() {
			inst := Instance{
				Fibers: []Fiber{
					{Wait: Wait{Kind: WaitJob}},
				},
			}

			Expect(inst.NextDeadline().IsZero()).To(BeTrue())
		})
	})

	Describe("func Intern()", func() {
		It("extends the arena without disturbing existing symbols", func() {
			inst := Instance{Symbols: []string{"a", "b"}}

			sym := inst.Intern("c")

			Expect(inst.Resolve(sym)).To(Equal("c"))
			Expect(inst.Resolve(0)).To(Equal("a"))
			Expect(inst.Symbols).To(Equal([]string{"a", "b", "c"}))
		})

		It("returns the existing symbol for a known string", func() {
			inst := Instance{Symbols: []string{"a", "b"}}

			Expect(inst.Intern("b")).To(BeEquivalentTo(1))
			Expect(inst.Symbols).To(HaveLen(2))
		})
	})

	Describe("func Clone()", func() {
		It("produces an independent copy", func() {
			inst := Instance{
				ID:      uuid.New(),
				Symbols: []string{"flag"},
				Fibers: []Fiber{
					{ID: uuid.New(), Wait: Running()},
				},
			}
			inst.SetFlag(0, value.OfBool(true))

			clone := inst.Clone()
			clone.Symbols[0] = "changed"
			clone.Fibers[0].PC = 99
			clone.SetFlag(0, value.OfBool(false))

			Expect(inst.Symbols[0]).To(Equal("flag"))
			Expect(inst.Fibers[0].PC).To(BeEquivalentTo(0))
			Expect(inst.Flag(0)).To(Equal(value.OfBool(true)))
		})
	})
})
