package compile

import "fmt"

// verify performs structural verification of a parsed source.
//
// It returns every diagnostic it can find rather than stopping at the first,
// so a failed compile reports all structural faults at once.
func verify(s *Source) []Diagnostic {
	var diags []Diagnostic

	errf := func(element, format string, v ...any) {
		diags = append(diags, Diagnostic{
			Severity: SeverityError,
			Element:  element,
			Message:  fmt.Sprintf(format, v...),
		})
	}
	warnf := func(element, format string, v ...any) {
		diags = append(diags, Diagnostic{
			Severity: SeverityWarning,
			Element:  element,
			Message:  fmt.Sprintf(format, v...),
		})
	}

	if s.Process == "" {
		errf("", "missing process key")
	}

	byID := map[string]*SourceElement{}
	var start *SourceElement
	endCount := 0

	for i := range s.Elements {
		e := &s.Elements[i]

		if e.ID == "" {
			errf("", "element %d has no id", i)
			continue
		}

		if _, ok := byID[e.ID]; ok {
			errf(e.ID, "duplicate element id")
			continue
		}
		byID[e.ID] = e

		switch e.Type {
		case typeStart:
			if start != nil {
				errf(e.ID, "multiple start events (first is %q)", start.ID)
			} else {
				start = e
			}
			if e.Next == "" {
				errf(e.ID, "start event has no outgoing flow")
			}

		case typeEnd:
			endCount++

		case typeService:
			if e.Task == "" {
				errf(e.ID, "service task has no task type")
			}
			if e.Next == "" {
				errf(e.ID, "service task has no outgoing flow")
			}
			if e.Retries == nil {
				warnf(e.ID, "no retry budget declared, defaulting to %d", DefaultRetries)
			} else if *e.Retries < 0 {
				errf(e.ID, "retry budget must not be negative")
			}
			if (e.Timeout == "") != (e.OnTimeout == "") {
				errf(e.ID, "timeout and on_timeout must be declared together")
			}
			if e.Timeout != "" {
				if _, err := parseDuration(e.Timeout); err != nil {
					errf(e.ID, "invalid timeout: %s", err)
				}
			}

		case typeTimer:
			if e.Duration == "" {
				errf(e.ID, "timer has no duration")
			} else if _, err := parseDuration(e.Duration); err != nil {
				errf(e.ID, "invalid duration: %s", err)
			}
			if e.Next == "" {
				errf(e.ID, "timer has no outgoing flow")
			}

		case typeReceive:
			if e.Message == "" {
				errf(e.ID, "receive has no message name")
			}
			if e.Correlation == "" {
				warnf(e.ID, "no correlation key, matching on message name only")
			}
			if e.Next == "" {
				errf(e.ID, "receive has no outgoing flow")
			}

		case typeSet:
			if e.Flag == "" {
				errf(e.ID, "set has no flag name")
			}
			if _, err := flagValue(e.Value); err != nil {
				errf(e.ID, "%s", err)
			}
			if e.Next == "" {
				errf(e.ID, "set has no outgoing flow")
			}

		case typeSwitch:
			if len(e.Cases) == 0 {
				errf(e.ID, "switch has no cases")
			}
			def := -1
			for i, c := range e.Cases {
				if c.Next == "" {
					errf(e.ID, "case %d has no target", i)
				}
				if c.Flag == "" {
					if def >= 0 {
						errf(e.ID, "multiple default cases")
					}
					def = i
				} else if def >= 0 {
					warnf(e.ID, "case %d is unreachable, it follows the default case", i)
				}
			}
			if def < 0 {
				errf(e.ID, "switch has no default case")
			}

		case typeFork:
			switch e.Mode {
			case "":
				if len(e.Branches) < 2 {
					errf(e.ID, "fork needs at least two branches")
				}

			case modeInclusive:
				if len(e.Cases) < 2 {
					errf(e.ID, "inclusive fork needs at least two branches")
				}
				def := false
				for i, c := range e.Cases {
					if c.Next == "" {
						errf(e.ID, "branch %d has no target", i)
					}
					if c.Flag == "" {
						if def {
							errf(e.ID, "multiple default branches")
						}
						def = true
					}
				}
				if e.Join == "" {
					errf(e.ID, "inclusive fork names no join")
				}

			default:
				errf(e.ID, "unknown fork mode %q", e.Mode)
			}

		case typeJoin:
			if e.Next == "" {
				errf(e.ID, "join has no outgoing flow")
			}

		case typeRace:
			if len(e.Arms) < 2 {
				errf(e.ID, "race needs at least two arms")
			}
			for i, a := range e.Arms {
				if a.Next == "" {
					errf(e.ID, "arm %d has no target", i)
				}
				switch {
				case a.Message != "" && a.Timer != "":
					errf(e.ID, "arm %d declares both a message and a timer", i)
				case a.Message == "" && a.Timer == "":
					errf(e.ID, "arm %d declares neither a message nor a timer", i)
				case a.Timer != "":
					if _, err := parseDuration(a.Timer); err != nil {
						errf(e.ID, "invalid arm %d timer: %s", i, err)
					}
				}
			}

		case typeFail:
			if e.Code == "" {
				errf(e.ID, "fail has no code")
			}

		default:
			errf(e.ID, "unknown element type %q", e.Type)
		}
	}

	if start == nil {
		errf("", "no start event")
	}
	if endCount == 0 {
		errf("", "no end event")
	}

	// Dangling references.
	for i := range s.Elements {
		e := &s.Elements[i]
		for _, ref := range outgoing(e) {
			if _, ok := byID[ref]; !ok {
				errf(e.ID, "dangling reference to %q", ref)
			}
		}
	}

	// Inclusive forks must pair with a join element.
	for i := range s.Elements {
		e := &s.Elements[i]
		if e.Type != typeFork || e.Join == "" {
			continue
		}
		if j, ok := byID[e.Join]; !ok {
			errf(e.ID, "dangling reference to %q", e.Join)
		} else if j.Type != typeJoin {
			errf(e.ID, "join reference %q is not a join", e.Join)
		}
	}

	// Reachability. Only meaningful if the graph is otherwise sound.
	if start != nil && !hasErrors(diags) {
		reached := map[string]bool{}
		walk(byID, start.ID, reached)

		reachableEnd := false
		for i := range s.Elements {
			e := &s.Elements[i]
			if !reached[e.ID] {
				errf(e.ID, "unreachable from start")
			} else if e.Type == typeEnd {
				reachableEnd = true
			}
		}
		if !reachableEnd && endCount > 0 {
			errf("", "no end event is reachable from start")
		}
	}

	return diags
}

// outgoing returns every element id referenced by e's outgoing flows.
func outgoing(e *SourceElement) []string {
	var refs []string

	if e.Next != "" {
		refs = append(refs, e.Next)
	}
	if e.OnTimeout != "" {
		refs = append(refs, e.OnTimeout)
	}
	for _, c := range e.Cases {
		if c.Next != "" {
			refs = append(refs, c.Next)
		}
	}
	refs = append(refs, e.Branches...)
	for _, a := range e.Arms {
		if a.Next != "" {
			refs = append(refs, a.Next)
		}
	}

	return refs
}

func walk(byID map[string]*SourceElement, id string, reached map[string]bool) {
	if reached[id] {
		return
	}
	reached[id] = true

	for _, ref := range outgoing(byID[id]) {
		walk(byID, ref, reached)
	}
}

func hasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}
