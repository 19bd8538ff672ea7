package value

import "fmt"

// Kind enumerates the closed set of value kinds understood by the engine.
type Kind uint8

const (
	// KindBool is the kind of boolean values.
	KindBool Kind = iota

	// KindInt is the kind of 64-bit signed integer values.
	KindInt

	// KindStr is the kind of interned string values.
	KindStr

	// KindRef is the kind of interned reference values. A reference is an
	// opaque identifier for an entity owned by an external collaborator; the
	// engine never dereferences it.
	KindRef
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindStr:
		return "str"
	case KindRef:
		return "ref"
	default:
		return fmt.Sprintf("<unknown kind %d>", uint8(k))
	}
}

// Sym is a stable index into a symbol Table.
//
// Values never carry owned strings; string and reference payloads are interned
// once and addressed by index to keep values compact and cheap to hash.
type Sym uint32

// Value is a small tagged value.
//
// The zero-value is the boolean false.
type Value struct {
	Kind Kind  `json:"k"`
	Bool bool  `json:"b,omitempty"`
	Int  int64 `json:"n,omitempty"`
	Sym  Sym   `json:"s,omitempty"`
}

// OfBool returns a boolean value.
func OfBool(b bool) Value {
	return Value{Kind: KindBool, Bool: b}
}

// OfInt returns an integer value.
func OfInt(n int64) Value {
	return Value{Kind: KindInt, Int: n}
}

// OfStr returns an interned string value.
func OfStr(s Sym) Value {
	return Value{Kind: KindStr, Sym: s}
}

// OfRef returns an interned reference value.
func OfRef(s Sym) Value {
	return Value{Kind: KindRef, Sym: s}
}

// Truthy returns the boolean interpretation of v, as used by conditional
// branch instructions.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int != 0
	case KindStr, KindRef:
		return true
	default:
		return false
	}
}

// Equal returns true if v and o have the same kind and payload.
func (v Value) Equal(o Value) bool {
	return v == o
}

// String returns a human-readable representation of v.
//
// Interned kinds render their index; resolving the text requires the owning
// symbol table.
func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindStr:
		return fmt.Sprintf("str:%d", v.Sym)
	case KindRef:
		return fmt.Sprintf("ref:%d", v.Sym)
	default:
		return fmt.Sprintf("<unknown kind %d>", uint8(v.Kind))
	}
}
