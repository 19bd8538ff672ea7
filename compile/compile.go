// Package compile turns process definitions into versioned bytecode.
//
// Compilation is deterministic: identical source always yields an identical
// bytecode version, across repeated calls and across process restarts. The
// version is the content hash of the program's canonical encoding, which is
// how "has this exact definition already been deployed" is answered without
// a central registry.
package compile

import (
	"fmt"

	"github.com/obflow/obflow/value"
)

// Compile compiles YAML process source into a versioned program.
//
// On success it returns the program and any non-fatal diagnostics. On
// structural failure it returns an Error carrying every diagnostic found;
// nothing is registered for a definition that fails to compile.
func Compile(src []byte) (*Program, []Diagnostic, error) {
	s, err := parseSource(src)
	if err != nil {
		return nil, nil, Error{
			Diagnostics: []Diagnostic{
				{Severity: SeverityError, Message: err.Error()},
			},
		}
	}

	diags := verify(s)
	if hasErrors(diags) {
		return nil, nil, Error{Diagnostics: diags}
	}

	p, err := lower(s)
	if err != nil {
		// Verification is meant to reject anything lower() can not handle, so
		// this indicates a bug in the compiler itself.
		return nil, nil, fmt.Errorf("internal compiler error: %w", err)
	}

	p.Version = value.SumHash(p.canonical())

	return p, diags, nil
}

// litValue is a literal flag value parsed from source, prior to symbol
// interning.
type litValue struct {
	kind value.Kind
	b    bool
	n    int64
	s    string
}

// intern converts the literal to a Value against the given symbol table.
func (l litValue) intern(t *value.Table) value.Value {
	switch l.kind {
	case value.KindBool:
		return value.OfBool(l.b)
	case value.KindInt:
		return value.OfInt(l.n)
	default:
		return value.OfStr(t.Intern(l.s))
	}
}

// flagValue parses the YAML representation of a flag value.
func flagValue(v any) (litValue, error) {
	switch v := v.(type) {
	case bool:
		return litValue{kind: value.KindBool, b: v}, nil
	case int:
		return litValue{kind: value.KindInt, n: int64(v)}, nil
	case int64:
		return litValue{kind: value.KindInt, n: v}, nil
	case string:
		return litValue{kind: value.KindStr, s: v}, nil
	case nil:
		return litValue{}, fmt.Errorf("set has no value")
	default:
		return litValue{}, fmt.Errorf("unsupported value type %T", v)
	}
}
