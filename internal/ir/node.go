package ir

import "fmt"

// NodeID is a node's stable index within its owning Function's arena
// (spec.md §3: "Identity: a stable index … unique within its owning
// function"). Grounded on the sea-of-nodes family shown across the pack
// (other_examples' arc-language/core-builder "ir" package and
// wazero's internal ssa package both key instructions by a dense integer
// id rather than a pointer, which is what makes O(1) arena teardown
// possible).
type NodeID uint32

// InvalidNodeID marks an absent operand (e.g. a root node's control
// input).
const InvalidNodeID NodeID = ^NodeID(0)

// Op is the node-type tag (spec.md §3 "Node type enumeration").
type Op uint8

const (
	OpEntry Op = iota
	OpExit
	OpRegion
	OpPhi
	OpProjection
	OpBranch
	OpCall
	OpSystemCall
	OpTailCall

	OpIntegerConstant
	OpAdd
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpSar
	OpNeg
	OpNot
	OpSignExtend
	OpZeroExtend
	OpTruncate

	OpCmpEq
	OpCmpNe
	OpCmpSlt
	OpCmpSle
	OpCmpUlt
	OpCmpUle
	OpCmpFlt
	OpCmpFle

	OpLoad
	OpStore
	OpAtomicLoad
	OpRead
	OpWrite

	OpLocal
	OpSymbol
	OpMemberAccess
	OpArrayAccess

	OpTrap
	OpUnreachable
)

var opNames = [...]string{
	"Entry", "Exit", "Region", "Phi", "Projection", "Branch", "Call",
	"SystemCall", "TailCall", "IntegerConstant", "Add", "Sub", "Mul",
	"And", "Or", "Xor", "Shl", "Shr", "Sar", "Neg", "Not", "SignExtend",
	"ZeroExtend", "Truncate", "CmpEq", "CmpNe", "CmpSlt", "CmpSle",
	"CmpUlt", "CmpUle", "CmpFlt", "CmpFle", "Load", "Store", "AtomicLoad",
	"Read", "Write", "Local", "Symbol", "MemberAccess", "ArrayAccess",
	"Trap", "Unreachable",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "?"
}

// IsControl reports whether nodes of this kind occupy slot 0 of their
// users as a control predecessor (spec.md §3 invariant 4).
func (o Op) IsControl() bool {
	switch o {
	case OpEntry, OpExit, OpRegion, OpBranch:
		return true
	default:
		return false
	}
}

// IsEffectful reports whether the node consumes and produces a memory
// state (spec.md §4.D).
func (o Op) IsEffectful() bool {
	switch o {
	case OpLoad, OpStore, OpAtomicLoad, OpRead, OpWrite, OpCall, OpSystemCall, OpTailCall:
		return true
	default:
		return false
	}
}

// Overflow describes the overflow-behavior enum attached to arithmetic
// nodes (spec.md §3 "arithmetic → {overflow-behavior enum}").
type Overflow uint8

const (
	OverflowNone Overflow = iota
	OverflowNSW           // no signed wrap
	OverflowNUW           // no unsigned wrap
)

// Input slot conventions, spec.md §3:
//   slot 0 = control predecessor (control-shaped nodes)
//   slot 1 = memory predecessor (memory-consuming nodes)
//   slot 2+ = data operands
const (
	SlotControl = 0
	SlotMemory  = 1
	SlotData    = 2
)

// Node is the unit of IR. Property payloads are stored in the `prop`
// field as one of the concrete *Prop types below, selected by Op —
// spec.md §3's "variant selected by type tag" maps directly onto a
// tagged union in a systems language; in Go the idiomatic equivalent is
// an `any` field with typed accessors that assert the expected concrete
// type, which is what AsRegion/AsBranch/etc. below do.
type Node struct {
	id     NodeID
	op     Op
	typ    DataType
	inputs []NodeID
	users  []NodeID // back-edges; User(B) holds for every A with B in A.inputs
	prop   any
}

func (n *Node) ID() NodeID      { return n.id }
func (n *Node) Op() Op          { return n.op }
func (n *Node) Type() DataType  { return n.typ }
func (n *Node) Inputs() []NodeID { return n.inputs }
func (n *Node) Users() []NodeID  { return n.users }

func (n *Node) addUser(u NodeID) {
	for _, e := range n.users {
		if e == u {
			return
		}
	}
	n.users = append(n.users, u)
}

func (n *Node) removeUser(u NodeID) {
	for i, e := range n.users {
		if e == u {
			n.users = append(n.users[:i], n.users[i+1:]...)
			return
		}
	}
}

// RegionProp backs region, phi, and exit nodes: spec.md §3 "region
// property {memory-in, memory-out, end-of-block terminator, dominator
// link}".
type RegionProp struct {
	MemoryIn   NodeID
	MemoryOut  NodeID
	Terminator NodeID
	IDom       NodeID // immediate dominator region, filled in by internal/cfg
}

// BranchProp backs branch nodes.
type BranchProp struct {
	Successors []NodeID // target regions
	CmpKeys    []uint64 // comparison keys for switch-shaped branches; len 1 for if/else
}

// CallProp backs call/system_call/tail_call nodes: spec.md §3 "{callee
// signature, 2+N projection handles}". Number is only meaningful for
// system_call, where there is no callee symbol, just a raw syscall
// number (spec.md §3 "system_call").
type CallProp struct {
	Callee      SymbolID
	Number      uint64
	Signature   Signature
	Projections []NodeID // projection 0 = control-out, 1 = memory-out, 2+ = returns
}

// ProjectionProp backs projection nodes.
type ProjectionProp struct {
	Index uint64
}

// LocalProp backs local (stack-slot) nodes.
type LocalProp struct {
	Size  uint32
	Align uint32
}

// MemberAccessProp backs member_access nodes.
type MemberAccessProp struct {
	Offset uint32
}

// ArrayAccessProp backs array_access nodes.
type ArrayAccessProp struct {
	Stride int64
}

// MemOpProp backs load/store/read/write nodes.
type MemOpProp struct {
	Align    uint32
	Volatile bool
}

// SymbolProp backs symbol nodes.
type SymbolProp struct {
	Symbol SymbolID
}

// ConstProp backs integer_constant nodes.
type ConstProp struct {
	Value    uint64
	BitWidth uint8
}

// ArithProp backs the arithmetic family (add/sub/mul/and/or/xor/shl/
// shr/sar/neg/not/sign_extend/zero_extend/truncate).
type ArithProp struct {
	Overflow Overflow
}

// CompareProp backs the cmp_* family: "comparison data type of the
// operands" (spec.md §3).
type CompareProp struct {
	OperandType DataType
}

func (n *Node) AsRegion() *RegionProp {
	p, ok := n.prop.(*RegionProp)
	if !ok {
		panic(fmt.Sprintf("ir: node %d (%s) has no region property", n.id, n.op))
	}
	return p
}

func (n *Node) AsBranch() *BranchProp {
	p, ok := n.prop.(*BranchProp)
	if !ok {
		panic(fmt.Sprintf("ir: node %d (%s) has no branch property", n.id, n.op))
	}
	return p
}

func (n *Node) AsCall() *CallProp {
	p, ok := n.prop.(*CallProp)
	if !ok {
		panic(fmt.Sprintf("ir: node %d (%s) has no call property", n.id, n.op))
	}
	return p
}

func (n *Node) AsProjection() *ProjectionProp {
	p, ok := n.prop.(*ProjectionProp)
	if !ok {
		panic(fmt.Sprintf("ir: node %d (%s) has no projection property", n.id, n.op))
	}
	return p
}

func (n *Node) AsLocal() *LocalProp {
	p, ok := n.prop.(*LocalProp)
	if !ok {
		panic(fmt.Sprintf("ir: node %d (%s) has no local property", n.id, n.op))
	}
	return p
}

func (n *Node) AsMemberAccess() *MemberAccessProp {
	p, ok := n.prop.(*MemberAccessProp)
	if !ok {
		panic(fmt.Sprintf("ir: node %d (%s) has no member-access property", n.id, n.op))
	}
	return p
}

func (n *Node) AsArrayAccess() *ArrayAccessProp {
	p, ok := n.prop.(*ArrayAccessProp)
	if !ok {
		panic(fmt.Sprintf("ir: node %d (%s) has no array-access property", n.id, n.op))
	}
	return p
}

func (n *Node) AsMemOp() *MemOpProp {
	p, ok := n.prop.(*MemOpProp)
	if !ok {
		panic(fmt.Sprintf("ir: node %d (%s) has no memory-op property", n.id, n.op))
	}
	return p
}

func (n *Node) AsSymbol() *SymbolProp {
	p, ok := n.prop.(*SymbolProp)
	if !ok {
		panic(fmt.Sprintf("ir: node %d (%s) has no symbol property", n.id, n.op))
	}
	return p
}

func (n *Node) AsConst() *ConstProp {
	p, ok := n.prop.(*ConstProp)
	if !ok {
		panic(fmt.Sprintf("ir: node %d (%s) has no constant property", n.id, n.op))
	}
	return p
}

func (n *Node) AsArith() *ArithProp {
	p, ok := n.prop.(*ArithProp)
	if !ok {
		panic(fmt.Sprintf("ir: node %d (%s) has no arithmetic property", n.id, n.op))
	}
	return p
}

func (n *Node) AsCompare() *CompareProp {
	p, ok := n.prop.(*CompareProp)
	if !ok {
		panic(fmt.Sprintf("ir: node %d (%s) has no compare property", n.id, n.op))
	}
	return p
}
