package compile

import (
	"fmt"

	"github.com/obflow/obflow/value"
)

// lower emits bytecode for a verified source.
//
// Elements are laid out in breadth-first order from the start event, which
// keeps the layout (and therefore the bytecode version) stable for a given
// source regardless of map iteration order.
func lower(s *Source) (*Program, error) {
	byID := map[string]*SourceElement{}
	var start *SourceElement

	for i := range s.Elements {
		e := &s.Elements[i]
		byID[e.ID] = e
		if e.Type == typeStart {
			start = e
		}
	}

	order := bfsOrder(byID, start.ID)

	// First pass: assign a base address to each element.
	base := map[string]Addr{}
	var addr Addr
	for _, id := range order {
		base[id] = addr
		addr += instrCount(byID[id])
	}

	// Join barriers are released by their incoming edge count.
	incoming := map[string]int{}
	for _, id := range order {
		for _, ref := range outgoing(byID[id]) {
			incoming[ref]++
		}
	}

	symbols := value.NewTable()
	l := &lowerer{
		src:      s,
		byID:     byID,
		base:     base,
		incoming: incoming,
		symbols:  symbols,
		taskIDs:  map[string]value.Sym{},
		joins:    map[string]JoinID{},
		dynamic:  map[string]bool{},
		races:    map[RaceID][]Arm{},
		elements: map[Addr]string{},
	}

	// Barrier ids are assigned up front so an inclusive fork can reference
	// its paired join regardless of layout order. Joins referenced by an
	// inclusive fork learn their expected count at runtime.
	for _, id := range order {
		e := byID[id]
		switch {
		case e.Type == typeJoin:
			l.joins[id] = l.nextJoin
			l.nextJoin++
		case e.Type == typeFork && e.Mode == modeInclusive:
			l.dynamic[e.Join] = true
		}
	}

	for _, id := range order {
		if err := l.emit(byID[id]); err != nil {
			return nil, err
		}
	}

	if Addr(len(l.code)) != addr {
		return nil, fmt.Errorf(
			"layout mismatch: emitted %d instructions, expected %d",
			len(l.code),
			addr,
		)
	}

	return &Program{
		Key:           s.Process,
		Code:          l.code,
		Races:         l.races,
		Symbols:       symbols.Symbols(),
		TaskTypes:     l.taskTypes,
		Elements:      l.elements,
		BufferSignals: s.BufferSignals,
	}, nil
}

type lowerer struct {
	src      *Source
	byID     map[string]*SourceElement
	base     map[string]Addr
	incoming map[string]int
	symbols  *value.Table

	code      []Instr
	races     map[RaceID][]Arm
	elements  map[Addr]string
	taskTypes []string
	taskIDs   map[string]value.Sym
	joins     map[string]JoinID
	dynamic   map[string]bool

	nextJoin JoinID
	nextRace RaceID
}

// emit appends the instructions for a single element.
func (l *lowerer) emit(e *SourceElement) error {
	l.elements[Addr(len(l.code))] = e.ID

	switch e.Type {
	case typeStart:
		l.push(Instr{Op: OpJump, Target: l.base[e.Next]})

	case typeEnd:
		if e.Terminate {
			l.push(Instr{Op: OpEndTerminate})
		} else {
			l.push(Instr{Op: OpEnd})
		}

	case typeFail:
		l.push(Instr{Op: OpFail, Code: e.Code})

	case typeService:
		retries := DefaultRetries
		if e.Retries != nil {
			retries = *e.Retries
		}

		taskType := l.internTaskType(e.Task)
		taskID := l.symbols.Intern(e.ID)

		if e.Timeout == "" {
			l.push(Instr{
				Op:       OpExec,
				TaskType: taskType,
				TaskID:   taskID,
				Retries:  retries,
			})
			l.push(Instr{Op: OpJump, Target: l.base[e.Next]})
			return nil
		}

		// A service task with a boundary timeout races its own job against
		// the timer; whichever resolves first cancels the other.
		timeout, err := parseDuration(e.Timeout)
		if err != nil {
			return err
		}

		race := l.nextRace
		l.nextRace++

		l.races[race] = []Arm{
			{
				Kind:     ArmJob,
				ResumeAt: l.base[e.Next],
				TaskType: taskType,
				TaskID:   taskID,
				Retries:  retries,
			},
			{
				Kind:     ArmTimer,
				ResumeAt: l.base[e.OnTimeout],
				Duration: timeout,
			},
		}

		l.push(Instr{Op: OpWaitAny, Race: race})

	case typeTimer:
		d, err := parseDuration(e.Duration)
		if err != nil {
			return err
		}
		l.push(Instr{Op: OpWaitTimer, Duration: d})
		l.push(Instr{Op: OpJump, Target: l.base[e.Next]})

	case typeReceive:
		in := Instr{
			Op:      OpWaitMsg,
			MsgName: l.symbols.Intern(e.Message),
		}
		if e.Correlation != "" {
			in.CorrFlag = l.symbols.Intern(e.Correlation)
			in.HasCorr = true
		}
		l.push(in)
		l.push(Instr{Op: OpJump, Target: l.base[e.Next]})

	case typeSet:
		lit, err := flagValue(e.Value)
		if err != nil {
			return err
		}
		l.push(Instr{
			Op:    OpSetFlag,
			Flag:  l.symbols.Intern(e.Flag),
			Value: lit.intern(l.symbols),
		})
		l.push(Instr{Op: OpJump, Target: l.base[e.Next]})

	case typeSwitch:
		var def Addr
		for _, c := range e.Cases {
			if c.Flag == "" {
				def = l.base[c.Next]
				continue
			}
			when := true
			if c.When != nil {
				when = *c.When
			}
			l.push(Instr{
				Op:     OpBranch,
				Flag:   l.symbols.Intern(c.Flag),
				When:   when,
				Target: l.base[c.Next],
			})
		}
		l.push(Instr{Op: OpJump, Target: def})

	case typeFork:
		if e.Mode == modeInclusive {
			branches := make([]Branch, len(e.Cases))
			for i, c := range e.Cases {
				b := Branch{Target: l.base[c.Next]}
				if c.Flag != "" {
					b.HasFlag = true
					b.Flag = l.symbols.Intern(c.Flag)
					b.When = true
					if c.When != nil {
						b.When = *c.When
					}
				}
				branches[i] = b
			}
			l.push(Instr{
				Op:       OpForkInclusive,
				Branches: branches,
				Join:     l.joins[e.Join],
			})
			return nil
		}

		targets := make([]Addr, len(e.Branches))
		for i, b := range e.Branches {
			targets[i] = l.base[b]
		}
		l.push(Instr{Op: OpFork, Targets: targets})

	case typeJoin:
		id := l.joins[e.ID]

		if l.dynamic[e.ID] {
			l.push(Instr{
				Op:     OpJoinDynamic,
				Join:   id,
				Target: l.base[e.Next],
			})
			return nil
		}

		l.push(Instr{
			Op:       OpJoin,
			Join:     id,
			Expected: l.incoming[e.ID],
			Target:   l.base[e.Next],
		})

	case typeRace:
		race := l.nextRace
		l.nextRace++

		arms := make([]Arm, len(e.Arms))
		for i, a := range e.Arms {
			if a.Timer != "" {
				d, err := parseDuration(a.Timer)
				if err != nil {
					return err
				}
				arms[i] = Arm{
					Kind:     ArmTimer,
					ResumeAt: l.base[a.Next],
					Duration: d,
				}
				continue
			}

			arm := Arm{
				Kind:     ArmMsg,
				ResumeAt: l.base[a.Next],
				MsgName:  l.symbols.Intern(a.Message),
			}
			if a.Correlation != "" {
				arm.CorrFlag = l.symbols.Intern(a.Correlation)
				arm.HasCorr = true
			}
			arms[i] = arm
		}

		l.races[race] = arms
		l.push(Instr{Op: OpWaitAny, Race: race})

	default:
		return fmt.Errorf("unknown element type %q", e.Type)
	}

	return nil
}

func (l *lowerer) push(in Instr) {
	l.code = append(l.code, in)
}

func (l *lowerer) internTaskType(name string) value.Sym {
	if _, seen := l.taskIDs[name]; !seen {
		l.taskIDs[name] = l.symbols.Intern(name)
		l.taskTypes = append(l.taskTypes, name)
	}
	return l.taskIDs[name]
}

// instrCount returns the exact number of instructions an element lowers to.
func instrCount(e *SourceElement) Addr {
	switch e.Type {
	case typeStart, typeEnd, typeFail, typeFork, typeJoin, typeRace:
		return 1
	case typeService:
		if e.Timeout != "" {
			return 1
		}
		return 2
	case typeTimer, typeReceive, typeSet:
		return 2
	case typeSwitch:
		n := Addr(1) // default jump
		for _, c := range e.Cases {
			if c.Flag != "" {
				n++
			}
		}
		return n
	default:
		return 0
	}
}

// bfsOrder returns element ids in breadth-first order from the start event.
func bfsOrder(byID map[string]*SourceElement, startID string) []string {
	var order []string
	seen := map[string]bool{startID: true}
	queue := []string{startID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, ref := range outgoing(byID[id]) {
			if !seen[ref] {
				seen[ref] = true
				queue = append(queue, ref)
			}
		}
	}

	return order
}
