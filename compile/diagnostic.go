package compile

import (
	"fmt"
	"strings"
)

// Severity is the severity of a diagnostic.
type Severity uint8

const (
	// SeverityError marks a structural fault that prevents compilation.
	SeverityError Severity = iota

	// SeverityWarning marks a non-fatal advisory.
	SeverityWarning
)

// String returns a human-readable name for the severity.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return fmt.Sprintf("<unknown severity %d>", uint8(s))
	}
}

// Diagnostic is a single message produced while compiling a definition.
//
// Warnings are returned alongside a successful compilation; errors abort it.
type Diagnostic struct {
	Severity Severity
	Element  string
	Message  string
}

// String returns a human-readable representation of the diagnostic.
func (d Diagnostic) String() string {
	if d.Element == "" {
		return fmt.Sprintf("%s: %s", d.Severity, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Severity, d.Element, d.Message)
}

// Error is returned when a definition is structurally invalid.
//
// Nothing is registered for a definition that fails to compile.
type Error struct {
	Diagnostics []Diagnostic
}

func (e Error) Error() string {
	var lines []string

	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			lines = append(lines, d.String())
		}
	}

	return fmt.Sprintf(
		"compilation failed:\n%s",
		strings.Join(lines, "\n"),
	)
}
