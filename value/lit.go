package value

// Lit is an un-interned literal value.
//
// It is the boundary representation of a Value: workers and external callers
// have no symbol arena in scope, so string and reference payloads travel as
// text and are interned on arrival.
type Lit struct {
	Kind Kind   `json:"k"`
	Bool bool   `json:"b,omitempty"`
	Int  int64  `json:"n,omitempty"`
	Str  string `json:"s,omitempty"`
}

// LitOfBool returns a boolean literal.
func LitOfBool(b bool) Lit {
	return Lit{Kind: KindBool, Bool: b}
}

// LitOfInt returns an integer literal.
func LitOfInt(n int64) Lit {
	return Lit{Kind: KindInt, Int: n}
}

// LitOfStr returns a string literal.
func LitOfStr(s string) Lit {
	return Lit{Kind: KindStr, Str: s}
}

// LitOfRef returns a reference literal.
func LitOfRef(s string) Lit {
	return Lit{Kind: KindRef, Str: s}
}

// Interner is an interface for interning strings into a symbol arena.
//
// It is implemented by Table and by process instances, which extend their
// arena at runtime.
type Interner interface {
	Intern(s string) Sym
}

// Intern converts the literal to a Value against the given arena.
func (l Lit) Intern(t Interner) Value {
	switch l.Kind {
	case KindBool:
		return OfBool(l.Bool)
	case KindInt:
		return OfInt(l.Int)
	case KindRef:
		return OfRef(t.Intern(l.Str))
	default:
		return OfStr(t.Intern(l.Str))
	}
}

// Resolve converts a Value back to a literal using the given symbol resolver.
func Resolve(v Value, resolve func(Sym) string) Lit {
	switch v.Kind {
	case KindBool:
		return LitOfBool(v.Bool)
	case KindInt:
		return LitOfInt(v.Int)
	case KindRef:
		return LitOfRef(resolve(v.Sym))
	default:
		return LitOfStr(resolve(v.Sym))
	}
}
