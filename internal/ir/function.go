package ir

// Signature describes a callable's parameter and return types.
type Signature struct {
	Params  []DataType
	Returns []DataType
	Variadic bool
}

// Linkage of a function (reuses the symbol Linkage enum).
type FuncLinkage = Linkage

// Patch is {position within compiled function's bytes, target symbol,
// internal flag, link to next patch} per spec.md §3. Patches are
// accumulated by the encoder (internal/x64) and consumed by the object
// writer (internal/object) to produce relocations.
type Patch struct {
	Position int
	Target   SymbolID
	Internal bool // true once the object writer resolves a same-section call in place
	PCRel    bool // PC-relative (RIP-relative lea, call) vs absolute (ADDR64 global init)
	Addend   int32
}

// CompiledFunction holds everything the encoder produces for one
// Function: emitted bytes, code offset within its section, prologue
// length, the accumulated patch list, and stack usage (spec.md §3).
type CompiledFunction struct {
	Code           []byte
	CodeOffset     int // offset within the owning section's raw data
	PrologueLength int
	Patches        []Patch
	StackSize      int // aligned local-variable stack usage, excluding saved regs
	UsesFramePtr   bool
}

// Function owns a bump arena, an entry and optional exit node, a
// parameter slice, a list of terminator nodes, a signature, linkage, and
// a parent-section index (spec.md §3).
type Function struct {
	Name    string
	Sig     Signature
	Linkage FuncLinkage
	Section int

	arena       *Arena
	entry       NodeID
	exit        NodeID
	params      []NodeID // first 3: control-in, memory-in, continuation-in
	terminators []NodeID
	resultPhis  []NodeID // one phi per Sig.Returns slot, at the single exit region

	Symbol SymbolID

	Compiled CompiledFunction
}

// NewFunction allocates a Function with its own arena and a freshly
// created entry node. Exactly one entry per function (spec.md §3
// invariant 3).
func NewFunction(name string, sig Signature, link FuncLinkage) *Function {
	f := &Function{
		Name:    name,
		Sig:     sig,
		Linkage: link,
		arena:   NewArena(),
		exit:    InvalidNodeID,
	}
	f.entry = f.newNode(OpEntry, Ctrl, nil)

	// params[0..2] are the control-in / memory-in / continuation-in
	// projections of entry (spec.md §3 "Function" bullet).
	ctrlProj := f.newNode(OpProjection, Ctrl, []NodeID{f.entry})
	f.Node(ctrlProj).prop = &ProjectionProp{Index: 0}
	memProj := f.newNode(OpProjection, Mem, []NodeID{f.entry})
	f.Node(memProj).prop = &ProjectionProp{Index: 1}
	contProj := f.newNode(OpProjection, Ptr, []NodeID{f.entry})
	f.Node(contProj).prop = &ProjectionProp{Index: 2}
	f.params = append(f.params, ctrlProj, memProj, contProj)

	for i, pt := range sig.Params {
		pid := f.newNode(OpProjection, pt, []NodeID{f.entry})
		f.Node(pid).prop = &ProjectionProp{Index: uint64(3 + i)}
		f.params = append(f.params, pid)
	}
	return f
}

// Arena returns the function's backing arena (internal/cfg and
// internal/isel walk nodes through it).
func (f *Function) Arena() *Arena { return f.arena }

// Entry returns the function's single entry node.
func (f *Function) Entry() NodeID { return f.entry }

// Exit returns the function's single exit node, or InvalidNodeID if the
// function never returns (e.g. ends in Trap/Unreachable).
func (f *Function) Exit() NodeID { return f.exit }

// Params returns control-in, memory-in, continuation-in, then the
// user-visible parameter projections, in that order.
func (f *Function) Params() []NodeID { return f.params }

// Terminators returns every terminator node collected during
// construction (spec.md §3).
func (f *Function) Terminators() []NodeID { return f.terminators }

// ResultPhis returns the exit region's per-return-slot phi nodes, or nil
// if the function never returns a value (or never returns at all).
func (f *Function) ResultPhis() []NodeID { return f.resultPhis }

// Node dereferences a NodeID against this function's arena.
func (f *Function) Node(id NodeID) *Node { return f.arena.node(id) }

// newNode allocates a node, wires its inputs, and mirrors the user
// back-edges (spec.md §3 invariant 6).
func (f *Function) newNode(op Op, typ DataType, inputs []NodeID) NodeID {
	id := f.arena.newNode()
	n := f.arena.node(id)
	n.id = id
	n.op = op
	n.typ = typ
	n.inputs = append([]NodeID(nil), inputs...)
	for _, in := range n.inputs {
		if in != InvalidNodeID {
			f.arena.node(in).addUser(id)
		}
	}
	return id
}

// AddInputLate appends an input after construction. Spec.md §3: "ordered
// input slice (fixed at construction, reallocatable only for
// region/phi via add_input_late)". The exit is the function's single
// exit region and grows the same way, one input per return.
func (f *Function) AddInputLate(id, input NodeID) {
	n := f.arena.node(id)
	if n.op != OpRegion && n.op != OpExit && n.op != OpPhi {
		panic("ir: AddInputLate called on a " + n.op.String() + " node; only region/exit/phi may grow")
	}
	n.inputs = append(n.inputs, input)
	if input != InvalidNodeID {
		f.arena.node(input).addUser(id)
	}
}

// ReplaceInput rewires slot i of id from its old target to newInput,
// updating both user lists. Nothing in this module calls it; the
// builder threads the memory chain by appending inputs instead.
func (f *Function) ReplaceInput(id NodeID, slot int, newInput NodeID) {
	n := f.arena.node(id)
	old := n.inputs[slot]
	if old != InvalidNodeID {
		f.arena.node(old).removeUser(id)
	}
	n.inputs[slot] = newInput
	if newInput != InvalidNodeID {
		f.arena.node(newInput).addUser(id)
	}
}
