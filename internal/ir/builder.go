package ir

// Builder is the front-end-facing façade (spec.md §4.B): "Front ends
// construct IR exclusively through the builder." Grounded on
// xyproto/c67's compiler-as-façade pattern (C67Compiler methods like
// generateArenaInit calling through fc.out), generalized from "emit
// bytes now" to "build a node graph now, lower it later".
//
// A Builder holds a current insert point (the active Function) and a
// current control node (spec.md §4.B); every mutation checks that an
// insert point is set, and effectful ones thread the memory chain per
// spec.md §4.D.
type Builder struct {
	module *Module
	fn     *Function
	ctrl   NodeID
	mem    NodeID
	// lastCall tracks the most recent call/tail_call node so
	// CreateTailCall can mark it as a terminator after finishCall has
	// already advanced the control/memory chain.
	lastCall NodeID
}

// NewBuilder creates a builder bound to module. CreateFunction must be
// called before anything else.
func NewBuilder(module *Module) *Builder {
	return &Builder{module: module, ctrl: InvalidNodeID, mem: InvalidNodeID}
}

func (b *Builder) requireInsertPoint() {
	if b.fn == nil {
		panic("ir: builder has no insert point; call CreateFunction first")
	}
}

// CreateFunction starts a new function and makes it the insert point,
// positioned at the entry node with the entry's memory projection live.
func (b *Builder) CreateFunction(name string, sig Signature, link Linkage) *Function {
	f := NewFunction(name, sig, link)
	b.module.DeclareFunction(f, link)
	b.fn = f
	b.ctrl = f.entry
	b.mem = f.params[1]
	return f
}

// Function returns the function currently being built.
func (b *Builder) Function() *Function { b.requireInsertPoint(); return b.fn }

// SetInsertPoint repositions the builder inside the current function at
// the given control node, with mem as the live memory-out for that
// point (used when resuming emission into a block created earlier, e.g.
// a loop body after both predecessors of its header are known).
func (b *Builder) SetInsertPoint(ctrl, mem NodeID) {
	b.requireInsertPoint()
	b.ctrl, b.mem = ctrl, mem
}

// GetParameter returns the i'th user-visible parameter (control-in,
// memory-in, continuation-in are not counted; i is 0-based over Sig.Params).
func (b *Builder) GetParameter(i int) NodeID {
	b.requireInsertPoint()
	return b.fn.params[3+i]
}

// CreateRegion creates a new basic-block head with a single-input memory
// phi (spec.md §4.D: "On region creation the memory phi is allocated
// with a single input (slot 0 = region)"). Additional predecessors are
// wired later with AddInputLate + AddPredecessor.
func (b *Builder) CreateRegion() NodeID {
	b.requireInsertPoint()
	region := b.fn.newNode(OpRegion, Ctrl, nil)
	phi := b.fn.newNode(OpPhi, Mem, []NodeID{region})
	b.fn.Node(region).prop = &RegionProp{MemoryIn: phi, MemoryOut: phi}
	return region
}

// AddPredecessor wires an additional control edge (and the matching
// memory-phi input) into region, maintaining spec.md §3 invariant 2:
// "phi input count equals the region's predecessor count + 1".
func (b *Builder) AddPredecessor(region, fromCtrl, fromMem NodeID) {
	b.requireInsertPoint()
	b.fn.AddInputLate(region, fromCtrl)
	rp := b.fn.Node(region).AsRegion()
	b.fn.AddInputLate(rp.MemoryIn, fromMem)
}

// CreatePhi creates a data phi at region holding only the region itself
// in slot 0 (spec.md §3 invariant 2: "inputs[0] == region"). Callers
// append one data input per predecessor with AddInputLate, in the
// region's predecessor order.
func (b *Builder) CreatePhi(region NodeID, typ DataType) NodeID {
	b.requireInsertPoint()
	return b.fn.newNode(OpPhi, typ, []NodeID{region})
}

// CreateBranch creates an unconditional jump to target.
func (b *Builder) CreateBranch(target NodeID) NodeID {
	b.requireInsertPoint()
	n := b.fn.newNode(OpBranch, Ctrl, []NodeID{b.ctrl})
	b.fn.Node(n).prop = &BranchProp{Successors: []NodeID{target}}
	b.markTerminator(n)
	return n
}

// CreateConditionalBranch creates a two-way branch on cond, true first
// (spec.md §4.G: "a single jcc to one successor plus an implicit
// fallthrough to the other").
func (b *Builder) CreateConditionalBranch(cond, whenTrue, whenFalse NodeID) NodeID {
	b.requireInsertPoint()
	n := b.fn.newNode(OpBranch, Ctrl, []NodeID{b.ctrl, cond})
	b.fn.Node(n).prop = &BranchProp{Successors: []NodeID{whenTrue, whenFalse}}
	b.markTerminator(n)
	return n
}

func (b *Builder) markTerminator(n NodeID) {
	b.fn.terminators = append(b.fn.terminators, n)
}

// CreateCall emits a call to an already-declared symbol (external or
// module-local function) and returns its projections: 0 = control-out,
// 1 = memory-out, 2+ = return values, per spec.md §3 "call → {callee
// signature, 2+N projection handles}". The builder advances both the
// control and memory chain to the call's own projections.
func (b *Builder) CreateCall(callee SymbolID, sig Signature, args []NodeID) []NodeID {
	return b.call(OpCall, callee, sig, args)
}

// CreateTailCall is CreateCall's tail-position variant; it still
// terminates the caller's control flow (no fallthrough).
func (b *Builder) CreateTailCall(callee SymbolID, sig Signature, args []NodeID) []NodeID {
	projs := b.call(OpTailCall, callee, sig, args)
	b.markTerminator(b.lastCall)
	return projs
}

// CreateSystemCall lowers to a raw `syscall` instruction rather than a
// call-by-symbol (spec.md §3: "system_call").
func (b *Builder) CreateSystemCall(number uint64, args []NodeID, sig Signature) []NodeID {
	b.requireInsertPoint()
	inputs := append([]NodeID{b.ctrl, b.mem}, args...)
	n := b.fn.newNode(OpSystemCall, Tuple, inputs)
	b.fn.Node(n).prop = &CallProp{Number: number, Signature: sig}
	return b.finishCall(n, sig, len(args))
}

func (b *Builder) call(op Op, callee SymbolID, sig Signature, args []NodeID) []NodeID {
	b.requireInsertPoint()
	inputs := append([]NodeID{b.ctrl, b.mem}, args...)
	n := b.fn.newNode(op, Tuple, inputs)
	b.fn.Node(n).prop = &CallProp{Callee: callee, Signature: sig}
	b.lastCall = n
	return b.finishCall(n, sig, len(args))
}

func (b *Builder) finishCall(n NodeID, sig Signature, nargs int) []NodeID {
	projs := make([]NodeID, 0, 2+len(sig.Returns))
	ctrlOut := b.fn.newNode(OpProjection, Ctrl, []NodeID{n})
	b.fn.Node(ctrlOut).prop = &ProjectionProp{Index: 0}
	memOut := b.fn.newNode(OpProjection, Mem, []NodeID{n})
	b.fn.Node(memOut).prop = &ProjectionProp{Index: 1}
	projs = append(projs, ctrlOut, memOut)
	for i, rt := range sig.Returns {
		p := b.fn.newNode(OpProjection, rt, []NodeID{n})
		b.fn.Node(p).prop = &ProjectionProp{Index: uint64(2 + i)}
		projs = append(projs, p)
	}
	if cp, ok := b.fn.Node(n).prop.(*CallProp); ok {
		cp.Projections = projs
	}
	b.ctrl, b.mem = ctrlOut, memOut
	return projs
}

// CreateReturn collects values into the function's single exit region,
// per spec.md §3 invariant 3: "all returns flow through the single
// exit". The first call to CreateReturn in a function lazily creates
// the shared exit node and one result phi per return slot, mirroring
// the memory phi (spec.md §4.D).
func (b *Builder) CreateReturn(values []NodeID) NodeID {
	b.requireInsertPoint()
	if b.fn.exit == InvalidNodeID {
		exit := b.fn.newNode(OpExit, Ctrl, nil)
		memPhi := b.fn.newNode(OpPhi, Mem, []NodeID{exit})
		b.fn.Node(exit).prop = &RegionProp{MemoryIn: memPhi, MemoryOut: memPhi}
		b.fn.exit = exit
		b.fn.resultPhis = make([]NodeID, len(b.fn.Sig.Returns))
		for i, rt := range b.fn.Sig.Returns {
			b.fn.resultPhis[i] = b.fn.newNode(OpPhi, rt, []NodeID{exit})
		}
	}
	exit := b.fn.exit
	b.fn.AddInputLate(exit, b.ctrl)
	rp := b.fn.Node(exit).AsRegion()
	b.fn.AddInputLate(rp.MemoryIn, b.mem)
	for i, v := range values {
		b.fn.AddInputLate(b.fn.resultPhis[i], v)
	}
	b.markTerminator(exit)
	return exit
}

func (b *Builder) binary(op Op, typ DataType, lhs, rhs NodeID, ov Overflow) NodeID {
	b.requireInsertPoint()
	n := b.fn.newNode(op, typ, []NodeID{InvalidNodeID, InvalidNodeID, lhs, rhs})
	b.fn.Node(n).prop = &ArithProp{Overflow: ov}
	return n
}

func (b *Builder) CreateAdd(typ DataType, lhs, rhs NodeID, ov Overflow) NodeID {
	return b.binary(OpAdd, typ, lhs, rhs, ov)
}
func (b *Builder) CreateSub(typ DataType, lhs, rhs NodeID, ov Overflow) NodeID {
	return b.binary(OpSub, typ, lhs, rhs, ov)
}
func (b *Builder) CreateMul(typ DataType, lhs, rhs NodeID, ov Overflow) NodeID {
	return b.binary(OpMul, typ, lhs, rhs, ov)
}
func (b *Builder) CreateAnd(typ DataType, lhs, rhs NodeID) NodeID {
	return b.binary(OpAnd, typ, lhs, rhs, OverflowNone)
}
func (b *Builder) CreateOr(typ DataType, lhs, rhs NodeID) NodeID {
	return b.binary(OpOr, typ, lhs, rhs, OverflowNone)
}
func (b *Builder) CreateXor(typ DataType, lhs, rhs NodeID) NodeID {
	return b.binary(OpXor, typ, lhs, rhs, OverflowNone)
}
func (b *Builder) CreateShl(typ DataType, lhs, rhs NodeID) NodeID {
	return b.binary(OpShl, typ, lhs, rhs, OverflowNone)
}
func (b *Builder) CreateShr(typ DataType, lhs, rhs NodeID) NodeID {
	return b.binary(OpShr, typ, lhs, rhs, OverflowNone)
}
func (b *Builder) CreateSar(typ DataType, lhs, rhs NodeID) NodeID {
	return b.binary(OpSar, typ, lhs, rhs, OverflowNone)
}

func (b *Builder) unary(op Op, typ DataType, v NodeID) NodeID {
	b.requireInsertPoint()
	n := b.fn.newNode(op, typ, []NodeID{InvalidNodeID, InvalidNodeID, v})
	b.fn.Node(n).prop = &ArithProp{}
	return n
}

func (b *Builder) CreateNeg(typ DataType, v NodeID) NodeID { return b.unary(OpNeg, typ, v) }
func (b *Builder) CreateNot(typ DataType, v NodeID) NodeID { return b.unary(OpNot, typ, v) }

// CreateCmp builds one of the eight cmp_* nodes. signed/unsigned and
// gt/ge-vs-lt/le are spec.md §4.B's "signed vs unsigned flag"; greater-
// than forms are synthesized by swapping operands, matching how the
// selector only ever needs to know slt/sle/ult/ule (spec.md §4.G).
type CmpKind uint8

const (
	CmpEQ CmpKind = iota
	CmpNE
	CmpLT
	CmpLE
	CmpGT
	CmpGE
)

func (b *Builder) CreateCmp(kind CmpKind, signed bool, operandType DataType, lhs, rhs NodeID) NodeID {
	b.requireInsertPoint()
	op := OpCmpEq
	a, c := lhs, rhs
	switch kind {
	case CmpEQ:
		op = OpCmpEq
	case CmpNE:
		op = OpCmpNe
	case CmpLT:
		op = pick(signed, OpCmpSlt, OpCmpUlt)
	case CmpLE:
		op = pick(signed, OpCmpSle, OpCmpUle)
	case CmpGT:
		op = pick(signed, OpCmpSlt, OpCmpUlt)
		a, c = rhs, lhs
	case CmpGE:
		op = pick(signed, OpCmpSle, OpCmpUle)
		a, c = rhs, lhs
	}
	if operandType.Kind == KindFloat {
		if kind == CmpLT || kind == CmpGT {
			op = OpCmpFlt
		} else if kind == CmpLE || kind == CmpGE {
			op = OpCmpFle
		}
	}
	n := b.fn.newNode(op, Bool, []NodeID{InvalidNodeID, InvalidNodeID, a, c})
	b.fn.Node(n).prop = &CompareProp{OperandType: operandType}
	return n
}

func pick(cond bool, a, b Op) Op {
	if cond {
		return a
	}
	return b
}

func (b *Builder) CreateSignExtend(typ DataType, from NodeID) NodeID {
	return b.unary(OpSignExtend, typ, from)
}
func (b *Builder) CreateZeroExtend(typ DataType, from NodeID) NodeID {
	return b.unary(OpZeroExtend, typ, from)
}
func (b *Builder) CreateTruncate(typ DataType, from NodeID) NodeID {
	return b.unary(OpTruncate, typ, from)
}

// CreateIntegerConstant materializes a constant of the given bit width.
func (b *Builder) CreateIntegerConstant(width uint8, value uint64) NodeID {
	b.requireInsertPoint()
	n := b.fn.newNode(OpIntegerConstant, DataType{Kind: KindInt, Width: width}, nil)
	b.fn.Node(n).prop = &ConstProp{Value: value, BitWidth: width}
	return n
}

// CreateBool is sugar for a 1-bit integer constant.
func (b *Builder) CreateBool(v bool) NodeID {
	var val uint64
	if v {
		val = 1
	}
	return b.CreateIntegerConstant(1, val)
}

// CreateLocal reserves a stack-resident local of size/align bytes
// (spec.md §3 "local → {u32 size, u32 alignment}").
func (b *Builder) CreateLocal(size, align uint32) NodeID {
	b.requireInsertPoint()
	n := b.fn.newNode(OpLocal, Ptr, []NodeID{b.ctrl})
	b.fn.Node(n).prop = &LocalProp{Size: size, Align: align}
	return n
}

// CreateMemberAccess computes base+offset as a new pointer value
// (spec.md §3 "member_access → {u32 offset}").
func (b *Builder) CreateMemberAccess(base NodeID, offset uint32) NodeID {
	b.requireInsertPoint()
	n := b.fn.newNode(OpMemberAccess, Ptr, []NodeID{InvalidNodeID, InvalidNodeID, base})
	b.fn.Node(n).prop = &MemberAccessProp{Offset: offset}
	return n
}

// CreateArrayAccess computes base+index*stride (spec.md §3
// "array_access → {i64 stride}").
func (b *Builder) CreateArrayAccess(base, index NodeID, stride int64) NodeID {
	b.requireInsertPoint()
	n := b.fn.newNode(OpArrayAccess, Ptr, []NodeID{InvalidNodeID, InvalidNodeID, base, index})
	b.fn.Node(n).prop = &ArrayAccessProp{Stride: stride}
	return n
}

// CreateLoad reads typ from addr, chaining the memory state
// (spec.md §4.D).
func (b *Builder) CreateLoad(typ DataType, addr NodeID, align uint32, volatile bool) NodeID {
	b.requireInsertPoint()
	n := b.fn.newNode(OpLoad, typ, []NodeID{b.ctrl, b.mem, addr})
	b.fn.Node(n).prop = &MemOpProp{Align: align, Volatile: volatile}
	b.mem = n
	return n
}

// CreateStore writes value to addr, chaining the memory state.
func (b *Builder) CreateStore(addr, value NodeID, align uint32, volatile bool) NodeID {
	b.requireInsertPoint()
	n := b.fn.newNode(OpStore, Mem, []NodeID{b.ctrl, b.mem, addr, value})
	b.fn.Node(n).prop = &MemOpProp{Align: align, Volatile: volatile}
	b.mem = n
	return n
}

// CreateSymbolAddress materializes the address of a symbol (spec.md §3
// "symbol → handle to a symbol").
func (b *Builder) CreateSymbolAddress(sym SymbolID) NodeID {
	b.requireInsertPoint()
	n := b.fn.newNode(OpSymbol, Ptr, nil)
	b.fn.Node(n).prop = &SymbolProp{Symbol: sym}
	return n
}

// CreateTrap / CreateUnreachable terminate a block without returning.
func (b *Builder) CreateTrap() NodeID {
	n := b.fn.newNode(OpTrap, Ctrl, []NodeID{b.ctrl})
	b.markTerminator(n)
	return n
}
func (b *Builder) CreateUnreachable() NodeID {
	n := b.fn.newNode(OpUnreachable, Ctrl, []NodeID{b.ctrl})
	b.markTerminator(n)
	return n
}
