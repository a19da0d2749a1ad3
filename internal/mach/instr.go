// Package mach is the target-agnostic machine-instruction
// representation shared by instruction selection, live-range analysis,
// the linear-scan allocator, and the encoder (spec.md §4.G: "Instructions
// form a singly-linked list with fields: opcode, data type, input/
// output/temp/clobber counts, operand array …, flags …, memory
// operand …, property payload").
//
// Grounded on xyproto/c67's X86_64CodeGen, generalized from "one Go
// method per mnemonic that writes bytes immediately" (x86_64_codegen.go)
// into "one Instr value per mnemonic that the allocator can still
// rewrite before any bytes exist".
package mach

import "github.com/xyproto/nodeback/internal/ir"

// RegClass is the allocator's two register classes (spec.md §4.F: "GPR/
// XMM").
type RegClass uint8

const (
	ClassGPR RegClass = iota
	ClassXMM
)

// Reg names either a physical register (id 0..31: 16 GPR then 16 XMM,
// §4.H step 2) or a virtual register (an index into the function's
// interval table, §4.F), distinguished by sign: non-negative is
// physical, negative is virtual (bitwise complement of the vreg index).
// A single numeric type keeps every Instr field identical before and
// after allocation; only the encoder ever needs physical register
// identity, and it panics if it's handed a still-virtual Reg.
type Reg int32

const NoReg Reg = 0x7fffffff

// VReg constructs a virtual-register Reg for vreg index id.
func VReg(id int) Reg { return Reg(^int32(id)) }

// PReg constructs a physical-register Reg for encoding id (0..31).
func PReg(id int) Reg { return Reg(id) }

func (r Reg) IsVirtual() bool { return r != NoReg && r < 0 }
func (r Reg) IsPhysical() bool { return r != NoReg && r >= 0 }

// VIndex returns the virtual-register index. Panics if r is physical.
func (r Reg) VIndex() int {
	if !r.IsVirtual() {
		panic("mach: VIndex called on a non-virtual Reg")
	}
	return int(^r)
}

// PIndex returns the physical encoding (0..31). Panics if r is virtual.
func (r Reg) PIndex() int {
	if !r.IsPhysical() {
		panic("mach: PIndex called on a non-physical Reg")
	}
	return int(r)
}

// Opcode is the machine mnemonic. The set matches spec.md §4.G's
// per-node lowering rules one-for-one.
type Opcode uint8

const (
	OpMovImm Opcode = iota
	OpMovRR
	OpMovRM // load: reg <- [mem]
	OpMovMR // store: [mem] <- reg
	OpMovZX
	OpMovSX
	OpLea
	OpAdd
	OpSub
	OpImul
	OpImulImm
	OpAnd
	OpOr
	OpXor
	OpNot
	OpNeg
	OpShl
	OpShr
	OpSar
	OpCmp
	OpTest
	OpSetcc
	OpUcomi // ucomiss/ucomisd, class-sensitive
	OpCvt   // cvtsi2sd / cvttsd2si / cvtss2sd etc., Cvt describes which in Aux
	OpAddSSE
	OpSubSSE
	OpMulSSE
	OpDivSSE
	OpXorSSE // used for fp neg via sign-mask xor
	OpPush
	OpPop
	OpCallSym
	OpCallReg
	OpJmp
	OpJcc
	OpLabel   // pseudo: defines a branch target at this point in the stream
	OpPrologue // pseudo: push rbp; mov rbp,rsp; sub rsp,imm
	OpEpilogue // pseudo: add rsp,imm; pop rbp; ret
	OpSyscall
	OpNop
	OpUD2 // trap/unreachable
	OpReloadSpill
	OpSpillStore
)

// Cond is an x86 condition code, produced by compare lowering and
// consumed by Setcc/Jcc (spec.md §4.G "compare … Returns an x86
// condition code that drives subsequent setcc / jcc").
type Cond uint8

const (
	CondE Cond = iota
	CondNE
	CondL
	CondLE
	CondG
	CondGE
	CondB // below, unsigned <
	CondBE
	CondA // above, unsigned >
	CondAE
)

// Negate returns the condition that holds exactly when c does not.
func (c Cond) Negate() Cond {
	switch c {
	case CondE:
		return CondNE
	case CondNE:
		return CondE
	case CondL:
		return CondGE
	case CondGE:
		return CondL
	case CondLE:
		return CondG
	case CondG:
		return CondLE
	case CondB:
		return CondAE
	case CondAE:
		return CondB
	case CondBE:
		return CondA
	case CondA:
		return CondBE
	default:
		return c
	}
}

// Mem is an addressing operand: [base + index*scale + disp], or
// [rip + disp32] when RIPRelative is set (spec.md §4.I addressing
// forms).
type Mem struct {
	Base        Reg
	HasBase     bool
	Index       Reg
	HasIndex    bool
	Scale       uint8 // 1, 2, 4, or 8
	Disp        int32
	RIPRelative bool
	Sym         ir.SymbolID // valid when RIPRelative and referencing a symbol
	HasSym      bool
}

// Flag bits, spec.md §4.G: "flags (MEM, GLOBAL, INDEXED, IMMEDIATE,
// ABSOLUTE, NODE label, LOCK, REP, SPILL)".
type Flag uint16

const (
	FlagMem Flag = 1 << iota
	FlagGlobal
	FlagIndexed
	FlagImmediate
	FlagAbsolute
	FlagLock
	FlagRep
	FlagSpill
)

// Instr is one machine instruction. Defs/Uses list the Regs it writes/
// reads (virtual before allocation, physical after); Mem, when Flags&
// FlagMem is set, holds the addressing operand, whose Base/Index are
// also mirrored into Uses so the allocator sees every register read.
type Instr struct {
	Op    Opcode
	Class ir.MachineClass
	Cond  Cond

	Defs []Reg
	Uses []Reg
	Temps []Reg // scratch registers the allocator must also reserve (e.g. imul three-operand form)

	Imm int64
	Mem Mem

	Sym    ir.SymbolID
	HasSym bool

	Target *Label // branch/call-by-label target

	Flags Flag

	// Clobbers lists caller-saved physical registers a call site
	// destroys (spec.md §4.G: "caller-saved register clobber list
	// attached to the call instruction so the allocator spills across
	// the call").
	Clobbers []Reg

	Node ir.NodeID // originating IR node, for diagnostics

	// Position is this instruction's index in the function's linear
	// instruction-time order, filled in once the whole list is known
	// (internal/regalloc assigns it before building live intervals).
	Position int

	Next *Instr
	Prev *Instr
}

// Label is a branch target. Position is resolved once the final
// instruction stream is known (spec.md §4.I: "Label relocations are
// emitted as 32-bit placeholders and patched when the target label's
// final position is known").
type Label struct {
	Name     string
	Resolved bool
	Offset   int // byte offset within the function body once encoded
}

// List is a singly-(and doubly-)linked instruction list for one basic
// block or one whole function body, matching spec.md §4.G: "Instructions
// form a … linked list".
type List struct {
	Head *Instr
	Tail *Instr
	n    int
}

// Append adds ins at the end of the list.
func (l *List) Append(ins *Instr) {
	ins.Prev, ins.Next = l.Tail, nil
	if l.Tail != nil {
		l.Tail.Next = ins
	} else {
		l.Head = ins
	}
	l.Tail = ins
	l.n++
}

// InsertBefore splices ins immediately before at.
func (l *List) InsertBefore(at, ins *Instr) {
	ins.Prev = at.Prev
	ins.Next = at
	if at.Prev != nil {
		at.Prev.Next = ins
	} else {
		l.Head = ins
	}
	at.Prev = ins
	l.n++
}

// InsertAfter splices ins immediately after at.
func (l *List) InsertAfter(at, ins *Instr) {
	ins.Next = at.Next
	ins.Prev = at
	if at.Next != nil {
		at.Next.Prev = ins
	} else {
		l.Tail = ins
	}
	at.Next = ins
	l.n++
}

// Len reports how many instructions are linked.
func (l *List) Len() int { return l.n }

// Each walks the list in order.
func (l *List) Each(fn func(*Instr)) {
	for i := l.Head; i != nil; i = i.Next {
		fn(i)
	}
}

// AssignPositions numbers every instruction 0, 2, 4, … (even slots,
// leaving odd slots free for regalloc to splice a spill/reload without
// renumbering everything — the standard linear-scan convention).
func (l *List) AssignPositions() {
	pos := 0
	for i := l.Head; i != nil; i = i.Next {
		i.Position = pos
		pos += 2
	}
}
