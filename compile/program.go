package compile

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"

	"github.com/obflow/obflow/value"
)

// Addr is a bytecode address: an index into a program's instruction slice.
type Addr uint32

// JoinID identifies a join barrier within a single program.
type JoinID uint32

// RaceID identifies a race group within a single program.
type RaceID uint32

// Op enumerates the closed instruction set.
type Op uint8

const (
	// OpJump moves the program counter to Target.
	OpJump Op = iota

	// OpBranch moves the program counter to Target if the flag's truthiness
	// matches the When operand, otherwise falls through.
	OpBranch

	// OpSetFlag stores Value into the instance's flag environment under Flag.
	OpSetFlag

	// OpExec surfaces a service task as a job and parks the fiber until the
	// job is completed. The program counter is not advanced until then.
	OpExec

	// OpFork spawns one child fiber per entry in Targets and ends the
	// executing fiber.
	OpFork

	// OpJoin arrives at a join barrier. The fiber that completes the barrier
	// continues at Target; earlier arrivals end.
	OpJoin

	// OpWaitTimer parks the fiber until a deadline derived from Duration or
	// Deadline passes, then continues at the next instruction.
	OpWaitTimer

	// OpWaitMsg parks the fiber until a matching message is correlated, then
	// continues at the next instruction.
	OpWaitMsg

	// OpWaitAny parks the fiber on a race group; the first arm of Race to
	// resolve wins and resumes the fiber at that arm's resume address.
	OpWaitAny

	// OpEnd ends the executing fiber. The instance completes when its last
	// fiber ends.
	OpEnd

	// OpEndTerminate terminates the entire instance immediately.
	OpEndTerminate

	// OpFail raises a business incident against the executing fiber.
	OpFail

	// OpForkInclusive spawns one child fiber per branch whose condition
	// holds, falling back to the default branch when none do, and ends the
	// executing fiber. The number of children spawned is recorded against
	// Join so the paired OpJoinDynamic barrier knows how many to expect.
	OpForkInclusive

	// OpJoinDynamic arrives at a join barrier whose expected count was
	// recorded by the OpForkInclusive that spawned the arriving fibers.
	OpJoinDynamic
)

// String returns the mnemonic for the opcode.
func (o Op) String() string {
	switch o {
	case OpJump:
		return "JUMP"
	case OpBranch:
		return "BRANCH"
	case OpSetFlag:
		return "SET_FLAG"
	case OpExec:
		return "EXEC"
	case OpFork:
		return "FORK"
	case OpJoin:
		return "JOIN"
	case OpWaitTimer:
		return "WAIT_TIMER"
	case OpWaitMsg:
		return "WAIT_MSG"
	case OpWaitAny:
		return "WAIT_ANY"
	case OpEnd:
		return "END"
	case OpEndTerminate:
		return "END_TERMINATE"
	case OpFail:
		return "FAIL"
	case OpForkInclusive:
		return "FORK_INCLUSIVE"
	case OpJoinDynamic:
		return "JOIN_DYNAMIC"
	default:
		return "<invalid>"
	}
}

// Instr is a single bytecode instruction.
//
// The operand fields in use depend on Op; unused operands are zero and do not
// contribute to the canonical encoding.
type Instr struct {
	Op Op `json:"op"`

	// Target is the branch/jump destination, or the join continuation.
	Target Addr `json:"target,omitempty"`

	// When controls OpBranch: branch when the flag's truthiness equals When.
	When bool `json:"when,omitempty"`

	// Flag is the environment flag read by OpBranch or written by OpSetFlag.
	Flag value.Sym `json:"flag,omitempty"`

	// Value is the value written by OpSetFlag.
	Value value.Value `json:"value,omitempty"`

	// TaskType and TaskID describe the service task surfaced by OpExec.
	TaskType value.Sym `json:"taskType,omitempty"`
	TaskID   value.Sym `json:"taskId,omitempty"`

	// Retries is the retry budget for jobs produced by OpExec.
	Retries int `json:"retries,omitempty"`

	// Targets are the child entry points of OpFork.
	Targets []Addr `json:"targets,omitempty"`

	// Branches are the conditional child entry points of OpForkInclusive.
	Branches []Branch `json:"branches,omitempty"`

	// Join identifies the barrier for OpJoin; Expected is the number of
	// sibling arrivals that release it.
	Join     JoinID `json:"join,omitempty"`
	Expected int    `json:"expected,omitempty"`

	// Duration and Deadline parameterize OpWaitTimer. Deadline, when non-zero,
	// is an absolute Unix-millisecond time and takes precedence.
	Duration time.Duration `json:"duration,omitempty"`
	Deadline int64         `json:"deadline,omitempty"`

	// MsgName and CorrFlag parameterize OpWaitMsg. When HasCorr is set the
	// current value of CorrFlag is captured as the correlation key.
	MsgName  value.Sym `json:"msgName,omitempty"`
	CorrFlag value.Sym `json:"corrFlag,omitempty"`
	HasCorr  bool      `json:"hasCorr,omitempty"`

	// Race identifies the race group for OpWaitAny.
	Race RaceID `json:"race,omitempty"`

	// Code is the business failure code raised by OpFail.
	Code string `json:"code,omitempty"`
}

// Branch is one conditional child entry point of an inclusive fork.
//
// A branch without a flag is the default: it is taken only when no flagged
// branch's condition holds.
type Branch struct {
	// Target is the child fiber's entry address.
	Target Addr `json:"target"`

	// Flag and When form the branch condition: taken when the flag's
	// truthiness equals When. HasFlag distinguishes the default branch.
	Flag    value.Sym `json:"flag,omitempty"`
	When    bool      `json:"when,omitempty"`
	HasFlag bool      `json:"hasFlag,omitempty"`
}

// ArmKind enumerates the closed set of race arm kinds.
type ArmKind uint8

const (
	// ArmTimer resolves when its deadline passes.
	ArmTimer ArmKind = iota

	// ArmMsg resolves when a matching message is correlated.
	ArmMsg

	// ArmJob resolves when the raced service-task job is completed. Job arms
	// are produced by lowering a service task with a boundary timeout.
	ArmJob
)

// String returns a human-readable name for the arm kind.
func (k ArmKind) String() string {
	switch k {
	case ArmTimer:
		return "timer"
	case ArmMsg:
		return "msg"
	case ArmJob:
		return "job"
	default:
		return "<invalid>"
	}
}

// Arm is one candidate trigger of a race group.
type Arm struct {
	Kind ArmKind `json:"kind"`

	// ResumeAt is the address the fiber resumes at if this arm wins.
	ResumeAt Addr `json:"resumeAt"`

	// Timer operands.
	Duration time.Duration `json:"duration,omitempty"`
	Deadline int64         `json:"deadline,omitempty"`

	// Msg operands.
	MsgName  value.Sym `json:"msgName,omitempty"`
	CorrFlag value.Sym `json:"corrFlag,omitempty"`
	HasCorr  bool      `json:"hasCorr,omitempty"`

	// Job operands.
	TaskType value.Sym `json:"taskType,omitempty"`
	TaskID   value.Sym `json:"taskId,omitempty"`
	Retries  int       `json:"retries,omitempty"`
}

// Program is an immutable compiled process definition.
//
// A program is safely shared, read-only, by any number of concurrent
// instances. Its version is the content hash of the canonical encoding, so
// identical source always compiles to an identical version.
type Program struct {
	// Version is the content-addressed identity of the program.
	Version value.Hash `json:"version"`

	// Key is the process key declared by the source.
	Key string `json:"key"`

	// Code is the instruction sequence.
	Code []Instr `json:"code"`

	// Races maps each race group to its candidate arms, in declaration order.
	Races map[RaceID][]Arm `json:"races,omitempty"`

	// Symbols is the program's interned string arena, in index order. Flags,
	// task types, element identifiers and message names are all symbols.
	Symbols []string `json:"symbols"`

	// TaskTypes is the manifest of service-task types referenced by the
	// program, in order of first appearance.
	TaskTypes []string `json:"taskTypes,omitempty"`

	// Elements maps each element's base address back to its source
	// identifier, for inspection and audit events.
	Elements map[Addr]string `json:"elements,omitempty"`

	// BufferSignals controls correlation of signals that arrive before any
	// fiber is waiting for them: buffered when true, dropped when false.
	BufferSignals bool `json:"bufferSignals,omitempty"`
}

// SymbolTable reconstitutes the program's symbol arena.
func (p *Program) SymbolTable() *value.Table {
	return value.TableOf(p.Symbols)
}

// ElementAt returns the source identifier of the element whose lowering
// starts at the given address.
func (p *Program) ElementAt(addr Addr) (string, bool) {
	id, ok := p.Elements[addr]
	return id, ok
}

// canonical returns the deterministic binary encoding of the program that is
// hashed to produce its version.
//
// The encoding covers everything that affects execution: instructions, race
// plans and the symbol arena. It deliberately excludes the element debug map.
func (p *Program) canonical() []byte {
	var buf bytes.Buffer

	writeString(&buf, p.Key)
	writeBool(&buf, p.BufferSignals)

	writeUint(&buf, uint64(len(p.Code)))
	for _, in := range p.Code {
		writeInstr(&buf, in)
	}

	ids := make([]RaceID, 0, len(p.Races))
	for id := range p.Races {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	writeUint(&buf, uint64(len(ids)))
	for _, id := range ids {
		writeUint(&buf, uint64(id))
		arms := p.Races[id]
		writeUint(&buf, uint64(len(arms)))
		for _, a := range arms {
			writeArm(&buf, a)
		}
	}

	writeUint(&buf, uint64(len(p.Symbols)))
	for _, s := range p.Symbols {
		writeString(&buf, s)
	}

	return buf.Bytes()
}

func writeInstr(buf *bytes.Buffer, in Instr) {
	buf.WriteByte(byte(in.Op))
	writeUint(buf, uint64(in.Target))
	writeBool(buf, in.When)
	writeUint(buf, uint64(in.Flag))
	writeValue(buf, in.Value)
	writeUint(buf, uint64(in.TaskType))
	writeUint(buf, uint64(in.TaskID))
	writeUint(buf, uint64(in.Retries))
	writeUint(buf, uint64(len(in.Targets)))
	for _, t := range in.Targets {
		writeUint(buf, uint64(t))
	}
	writeUint(buf, uint64(len(in.Branches)))
	for _, b := range in.Branches {
		writeUint(buf, uint64(b.Target))
		writeUint(buf, uint64(b.Flag))
		writeBool(buf, b.When)
		writeBool(buf, b.HasFlag)
	}
	writeUint(buf, uint64(in.Join))
	writeUint(buf, uint64(in.Expected))
	writeUint(buf, uint64(in.Duration))
	writeUint(buf, uint64(in.Deadline))
	writeUint(buf, uint64(in.MsgName))
	writeUint(buf, uint64(in.CorrFlag))
	writeBool(buf, in.HasCorr)
	writeUint(buf, uint64(in.Race))
	writeString(buf, in.Code)
}

func writeArm(buf *bytes.Buffer, a Arm) {
	buf.WriteByte(byte(a.Kind))
	writeUint(buf, uint64(a.ResumeAt))
	writeUint(buf, uint64(a.Duration))
	writeUint(buf, uint64(a.Deadline))
	writeUint(buf, uint64(a.MsgName))
	writeUint(buf, uint64(a.CorrFlag))
	writeBool(buf, a.HasCorr)
	writeUint(buf, uint64(a.TaskType))
	writeUint(buf, uint64(a.TaskID))
	writeUint(buf, uint64(a.Retries))
}

func writeValue(buf *bytes.Buffer, v value.Value) {
	buf.WriteByte(byte(v.Kind))
	writeBool(buf, v.Bool)
	writeUint(buf, uint64(v.Int))
	writeUint(buf, uint64(v.Sym))
}

func writeUint(buf *bytes.Buffer, n uint64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], n)
	buf.Write(scratch[:])
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint(buf, uint64(len(s)))
	buf.WriteString(s)
}
