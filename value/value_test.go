package value_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/obflow/obflow/value"
)

func TestValue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "value")
}

var _ = Describe("type Table", func() {
	Describe("func Intern()", func() {
		It("returns the same symbol for repeated interning", func() {
			t := NewTable()

			a := t.Intern("reserve-stock")
			b := t.Intern("reserve-stock")

			Expect(b).To(Equal(a))
			Expect(t.Len()).To(Equal(1))
		})

		It("assigns symbols in interning order", func() {
			t := NewTable()

			a := t.Intern("a")
			b := t.Intern("b")

			Expect(t.String(a)).To(Equal("a"))
			Expect(t.String(b)).To(Equal("b"))
			Expect(t.Symbols()).To(Equal([]string{"a", "b"}))
		})
	})

	Describe("func TableOf()", func() {
		It("reconstructs an equivalent table from its symbol slice", func() {
			t := NewTable()
			t.Intern("a")
			sym := t.Intern("b")

			r := TableOf(t.Symbols())

			got, ok := r.Lookup("b")
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(sym))
		})
	})
})

var _ = Describe("type Value", func() {
	Describe("func Truthy()", func() {
		It("treats false and zero as falsy", func() {
			Expect(OfBool(false).Truthy()).To(BeFalse())
			Expect(OfInt(0).Truthy()).To(BeFalse())
			Expect(Value{}.Truthy()).To(BeFalse())
		})

		It("treats interned kinds as truthy", func() {
			t := NewTable()

			Expect(OfBool(true).Truthy()).To(BeTrue())
			Expect(OfInt(-1).Truthy()).To(BeTrue())
			Expect(OfStr(t.Intern("x")).Truthy()).To(BeTrue())
			Expect(OfRef(t.Intern("order")).Truthy()).To(BeTrue())
		})
	})
})

var _ = Describe("type Lit", func() {
	It("survives a round trip through a symbol table", func() {
		t := NewTable()

		for _, l := range []Lit{
			LitOfBool(true),
			LitOfInt(42),
			LitOfStr("o-1"),
		} {
			v := l.Intern(t)
			Expect(Resolve(v, t.String)).To(Equal(l))
		}
	})

	It("compares by value", func() {
		Expect(LitOfStr("o-1") == LitOfStr("o-1")).To(BeTrue())
		Expect(LitOfStr("o-1") == LitOfStr("o-2")).To(BeFalse())
		Expect(LitOfInt(1) == LitOfBool(true)).To(BeFalse())
	})
})

var _ = Describe("type Hash", func() {
	Describe("func ParseHash()", func() {
		It("round-trips the textual form", func() {
			h := SumHash([]byte("payload"))

			parsed, err := ParseHash(h.String())
			Expect(err).ShouldNot(HaveOccurred())
			Expect(parsed).To(Equal(h))
		})

		It("rejects input of the wrong length", func() {
			_, err := ParseHash("abcdef")
			Expect(err).Should(HaveOccurred())
		})

		It("rejects non-hexadecimal input", func() {
			_, err := ParseHash(
				"zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz",
			)
			Expect(err).Should(HaveOccurred())
		})
	})

	Describe("func SumHash()", func() {
		It("is stable for equal input", func() {
			Expect(SumHash([]byte("a"))).To(Equal(SumHash([]byte("a"))))
			Expect(SumHash([]byte("a"))).NotTo(Equal(SumHash([]byte("b"))))
		})

		It("hashes nil and empty input identically", func() {
			Expect(SumHash(nil)).To(Equal(SumHash([]byte{})))
		})
	})
})
