package isel

import (
	"github.com/xyproto/nodeback/internal/ir"
	"github.com/xyproto/nodeback/internal/mach"
	"github.com/xyproto/nodeback/internal/x64"
)

// lowerLocal materializes a stack slot's address. When the local's only
// consumer is the load/store that dereferences it, the address is
// folded directly into that instruction's addressing mode instead
// (spec.md §4.G: "folded into a single mov ... when the address is a
// direct local"), and no lea is emitted here at all.
func (s *Selector) lowerLocal(id ir.NodeID) error {
	s.offsetFor(id) // reserve the slot regardless of folding
	if s.soleUserIs(id, ir.OpLoad) || s.soleUserIs(id, ir.OpStore) {
		s.localDirect[id] = true
		return nil
	}
	dst := s.newVReg()
	s.emit(&mach.Instr{Op: mach.OpLea, Class: ir.ClassQword, Defs: []mach.Reg{dst},
		Flags: mach.FlagMem, Mem: mach.Mem{Base: mach.PReg(x64.RBP), HasBase: true, Disp: s.offsetFor(id)}, Node: id})
	s.value[id] = dst
	return nil
}

func (s *Selector) lowerMemberAccess(id ir.NodeID) error {
	n := s.fn.Node(id)
	base := n.Inputs()[2]
	off := int32(n.AsMemberAccess().Offset)
	baseReg, err := s.valueOf(base)
	if err != nil {
		return err
	}
	dst := s.newVReg()
	s.emit(&mach.Instr{Op: mach.OpLea, Class: ir.ClassQword, Defs: []mach.Reg{dst},
		Flags: mach.FlagMem, Mem: mach.Mem{Base: baseReg, HasBase: true, Disp: off}, Node: id})
	s.value[id] = dst
	return nil
}

// lowerArrayAccess computes base + index*stride. A power-of-two stride
// up to 8 becomes a SIB scale; any other stride is pre-multiplied
// (spec.md §4.G: "array_access(stride) selects scale ∈ {1,2,4,8} ...
// otherwise the index is pre-multiplied via imul or shl").
func (s *Selector) lowerArrayAccess(id ir.NodeID) error {
	n := s.fn.Node(id)
	base, index := n.Inputs()[2], n.Inputs()[3]
	stride := n.AsArrayAccess().Stride

	baseReg, err := s.valueOf(base)
	if err != nil {
		return err
	}
	indexReg, err := s.valueOf(index)
	if err != nil {
		return err
	}

	dst := s.newVReg()
	if scale, ok := sibScale(stride); ok {
		s.emit(&mach.Instr{Op: mach.OpLea, Class: ir.ClassQword, Defs: []mach.Reg{dst},
			Flags: mach.FlagMem,
			Mem:   mach.Mem{Base: baseReg, HasBase: true, Index: indexReg, HasIndex: true, Scale: scale},
			Node:  id})
		s.value[id] = dst
		return nil
	}

	scaled := s.newVReg()
	s.emit(&mach.Instr{Op: mach.OpMovRR, Class: ir.ClassQword, Defs: []mach.Reg{scaled}, Uses: []mach.Reg{indexReg}, Node: id})
	s.emit(&mach.Instr{Op: mach.OpImulImm, Class: ir.ClassQword, Defs: []mach.Reg{scaled}, Uses: []mach.Reg{scaled}, Imm: stride, Node: id})
	s.emit(&mach.Instr{Op: mach.OpLea, Class: ir.ClassQword, Defs: []mach.Reg{dst},
		Flags: mach.FlagMem, Mem: mach.Mem{Base: baseReg, HasBase: true, Index: scaled, HasIndex: true, Scale: 1}, Node: id})
	s.value[id] = dst
	return nil
}

func sibScale(stride int64) (uint8, bool) {
	switch stride {
	case 1, 2, 4, 8:
		return uint8(stride), true
	default:
		return 0, false
	}
}

func (s *Selector) lowerSymbol(id ir.NodeID) error {
	n := s.fn.Node(id)
	dst := s.newVReg()
	s.emit(&mach.Instr{Op: mach.OpLea, Class: ir.ClassQword, Defs: []mach.Reg{dst},
		Flags: mach.FlagMem, Mem: mach.Mem{RIPRelative: true, Sym: n.AsSymbol().Symbol, HasSym: true}, Node: id})
	s.value[id] = dst
	return nil
}

// addressOf resolves addr into a Mem operand for a load/store,
// dereferencing the one-hop "direct local" fold when applicable and
// otherwise reading the address node's already-materialized pointer
// value (spec.md §4.G).
func (s *Selector) addressOf(addr ir.NodeID) (mach.Mem, error) {
	if s.fn.Node(addr).Op() == ir.OpLocal && s.localDirect[addr] {
		return mach.Mem{Base: mach.PReg(x64.RBP), HasBase: true, Disp: s.offsetFor(addr)}, nil
	}
	reg, err := s.valueOf(addr)
	if err != nil {
		return mach.Mem{}, err
	}
	return mach.Mem{Base: reg, HasBase: true}, nil
}

func (s *Selector) lowerLoad(id ir.NodeID) error {
	n := s.fn.Node(id)
	addr := n.Inputs()[2]
	mem, err := s.addressOf(addr)
	if err != nil {
		return err
	}
	class := classOf(n.Type())
	dst := s.newVReg()
	s.emit(&mach.Instr{Op: mach.OpMovRM, Class: class, Defs: []mach.Reg{dst}, Flags: mach.FlagMem, Mem: mem, Node: id})
	s.value[id] = dst
	return nil
}

func (s *Selector) lowerStore(id ir.NodeID) error {
	n := s.fn.Node(id)
	addr, val := n.Inputs()[2], n.Inputs()[3]
	mem, err := s.addressOf(addr)
	if err != nil {
		return err
	}
	if imm, ok := s.constOf(val); ok && !isFloat(s.fn.Node(val).Type()) {
		class := classOf(s.fn.Node(val).Type())
		s.emit(&mach.Instr{Op: mach.OpMovImm, Class: class, Flags: mach.FlagMem | mach.FlagImmediate, Mem: mem, Imm: imm, Node: id})
		return nil
	}
	valReg, err := s.valueOf(val)
	if err != nil {
		return err
	}
	class := classOf(s.fn.Node(val).Type())
	s.emit(&mach.Instr{Op: mach.OpMovMR, Class: class, Uses: []mach.Reg{valReg}, Flags: mach.FlagMem, Mem: mem, Node: id})
	return nil
}
