// Package isel lowers a scheduled sea-of-nodes function (internal/cfg's
// output) into the target-agnostic internal/mach instruction list,
// implementing spec.md §4.G's per-node lowering rules for x86-64.
//
// Grounded on xyproto/c67's X86_64CodeGen (x86_64_codegen.go): the same
// one-rule-per-node-kind shape, restructured from "write bytes for this
// AST node now" into "append mach.Instr values with virtual registers",
// since the allocator (internal/regalloc) must still be able to rewrite
// operands before any byte exists.
package isel

import (
	"github.com/pkg/errors"

	"github.com/xyproto/nodeback/internal/cfg"
	"github.com/xyproto/nodeback/internal/ir"
	"github.com/xyproto/nodeback/internal/mach"
	"github.com/xyproto/nodeback/internal/x64"
)

// Result is everything the allocator (internal/regalloc) and encoder
// (internal/x64) need from one function's instruction selection pass.
type Result struct {
	Instrs       *mach.List
	FrameSize    int32 // unaligned local-variable stack usage, before regalloc spill slots
	NumVRegs     int
	UsesFramePtr bool
}

// Selector lowers one Function's scheduled graph at a time; it is not
// reused across functions (spec.md §5: "private arena, private
// instruction list" per function).
type Selector struct {
	fn  *ir.Function
	g   *cfg.Graph
	abi x64.ABI

	list *mach.List

	nextVReg int
	value    map[ir.NodeID]mach.Reg

	locals      map[ir.NodeID]int32
	localDirect map[ir.NodeID]bool // true: folded straight into [rbp+off], no lea emitted
	frameSize   int32
	needsShadow bool

	deferredFlags map[ir.NodeID]mach.Cond // compare nodes fused into their sole branch user

	labels   map[int]*mach.Label
	rpoIndex map[int]int
}

// Select runs instruction selection over fn's scheduled graph g under
// ABI abi (System V or Win64, spec.md §6), returning the target-agnostic
// instruction list for internal/regalloc and internal/x64.
func Select(fn *ir.Function, g *cfg.Graph, abi x64.ABI) (*Result, error) {
	s := &Selector{
		fn:            fn,
		g:             g,
		abi:           abi,
		list:          &mach.List{},
		value:         make(map[ir.NodeID]mach.Reg),
		locals:        make(map[ir.NodeID]int32),
		localDirect:   make(map[ir.NodeID]bool),
		deferredFlags: make(map[ir.NodeID]mach.Cond),
		labels:        make(map[int]*mach.Label),
		rpoIndex:      make(map[int]int),
	}
	for pos, idx := range g.RPO {
		s.rpoIndex[idx] = pos
	}

	for _, idx := range g.RPO {
		if err := s.selectBlock(idx); err != nil {
			return nil, err
		}
	}

	if s.needsShadow {
		s.frameSize += int32(s.abi.ShadowSpace)
	}

	return &Result{
		Instrs:       s.list,
		FrameSize:    s.frameSize,
		NumVRegs:     s.nextVReg,
		UsesFramePtr: true,
	}, nil
}

func (s *Selector) newVReg() mach.Reg {
	r := mach.VReg(s.nextVReg)
	s.nextVReg++
	return r
}

func (s *Selector) emit(i *mach.Instr) { s.list.Append(i) }

// classOf legalizes a node's DataType per spec.md §4.C.
func classOf(dt ir.DataType) ir.MachineClass {
	class, _, ok := dt.Legalize()
	if !ok {
		// Dead/control/memory-typed nodes never reach register
		// allocation; callers only ask classOf for data-producing nodes.
		return ir.ClassQword
	}
	return class
}

func isFloat(dt ir.DataType) bool { return dt.Kind == ir.KindFloat }

func (s *Selector) labelFor(blockIdx int) *mach.Label {
	if l, ok := s.labels[blockIdx]; ok {
		return l
	}
	l := &mach.Label{}
	s.labels[blockIdx] = l
	return l
}

// fallsThroughTo reports whether blockIdx is laid out immediately after
// curPos in RPO order, letting terminator lowering elide a jmp/jcc arm
// (spec.md §4.G: "avoiding a jmp when the fallthrough matches the RPO
// successor").
func (s *Selector) fallsThroughTo(curPos, blockIdx int) bool {
	return s.rpoIndex[blockIdx] == curPos+1
}

func (s *Selector) selectBlock(idx int) error {
	pos := s.rpoIndex[idx]
	b := s.g.Blocks[idx]
	if pos != 0 {
		s.emit(&mach.Instr{Op: mach.OpLabel, Target: s.labelFor(idx)})
	}
	for _, id := range b.Order {
		if err := s.lowerNode(id, pos); err != nil {
			return errors.Wrapf(err, "isel: function %q node %d", s.fn.Name, id)
		}
	}
	return nil
}

// valueOf returns the vreg already holding node id's value. Every data-
// producing node is lowered before its consumers (scheduleBlocks visits
// inputs before the node itself), so the map lookup never misses for a
// well-formed graph.
func (s *Selector) valueOf(id ir.NodeID) (mach.Reg, error) {
	r, ok := s.value[id]
	if !ok {
		return 0, errors.Errorf("isel: node %d has no materialized value (malformed schedule)", id)
	}
	return r, nil
}

func alignUp32(n, a int32) int32 {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}

func (s *Selector) offsetFor(localID ir.NodeID) int32 {
	if off, ok := s.locals[localID]; ok {
		return off
	}
	lp := s.fn.Node(localID).AsLocal()
	size := int32(lp.Size)
	if size == 0 {
		size = 1
	}
	s.frameSize += size
	s.frameSize = alignUp32(s.frameSize, int32(lp.Align))
	off := -s.frameSize
	s.locals[localID] = off
	return off
}

// soleUserIs reports whether id has exactly one user and that user is
// opcode op — the condition spec.md §4.G attaches to both compare/branch
// fusion and direct local-address folding ("last-use" in the same
// block, which GCM's LCA placement already guarantees for a single
// user).
func (s *Selector) soleUserIs(id ir.NodeID, op ir.Op) bool {
	users := s.fn.Node(id).Users()
	return len(users) == 1 && s.fn.Node(users[0]).Op() == op
}
