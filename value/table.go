package value

// Table is an append-only arena of interned strings.
//
// A symbol table is built once per compiled definition and extended, never
// rewritten, by the instances that execute it. Existing indices remain valid
// for the lifetime of the table.
type Table struct {
	syms  []string
	index map[string]Sym
}

// NewTable returns an empty symbol table.
func NewTable() *Table {
	return &Table{
		index: map[string]Sym{},
	}
}

// TableOf returns a symbol table pre-populated with the given symbols, in
// order.
//
// It is used to reconstitute a table from its persisted form.
func TableOf(syms []string) *Table {
	t := NewTable()
	for _, s := range syms {
		t.Intern(s)
	}
	return t
}

// Intern returns the symbol for s, adding it to the table if it has not been
// seen before.
func (t *Table) Intern(s string) Sym {
	if sym, ok := t.index[s]; ok {
		return sym
	}

	sym := Sym(len(t.syms))
	t.syms = append(t.syms, s)
	t.index[s] = sym

	return sym
}

// Lookup returns the symbol for s, if it has been interned.
func (t *Table) Lookup(s string) (Sym, bool) {
	sym, ok := t.index[s]
	return sym, ok
}

// String returns the text of the given symbol.
//
// It returns the empty string for a symbol that is not in the table.
func (t *Table) String(sym Sym) string {
	if int(sym) >= len(t.syms) {
		return ""
	}
	return t.syms[sym]
}

// Len returns the number of interned symbols.
func (t *Table) Len() int {
	return len(t.syms)
}

// Symbols returns the interned strings in index order.
//
// The returned slice is a copy; mutating it does not affect the table.
func (t *Table) Symbols() []string {
	return append([]string(nil), t.syms...)
}

// Clone returns a table containing the same symbols as t.
//
// It is used to give each process instance its own extendable copy of the
// definition's table without aliasing.
func (t *Table) Clone() *Table {
	return TableOf(t.syms)
}
