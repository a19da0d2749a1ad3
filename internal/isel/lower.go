package isel

import (
	"github.com/pkg/errors"

	"github.com/xyproto/nodeback/internal/ir"
	"github.com/xyproto/nodeback/internal/mach"
	"github.com/xyproto/nodeback/internal/x64"
)

// lowerNode dispatches one scheduled node to its mach.Instr sequence,
// one case per spec.md §4.G lowering rule.
func (s *Selector) lowerNode(id ir.NodeID, blockPos int) error {
	n := s.fn.Node(id)
	switch n.Op() {
	case ir.OpEntry:
		return s.lowerEntry(id)
	case ir.OpProjection:
		return nil // value already materialized by its producer (Entry/Call)
	case ir.OpRegion, ir.OpPhi:
		return nil // phis are resolved from predecessor terminators, not in place
	case ir.OpBranch:
		return s.lowerBranch(id, blockPos)
	case ir.OpExit:
		return s.lowerExit(id, blockPos)
	case ir.OpTrap, ir.OpUnreachable:
		s.emit(&mach.Instr{Op: mach.OpUD2, Node: id})
		return nil
	case ir.OpIntegerConstant:
		return s.lowerConstant(id)
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
		return s.lowerBinary(id)
	case ir.OpMul:
		return s.lowerMul(id)
	case ir.OpShl, ir.OpShr, ir.OpSar:
		return s.lowerShift(id)
	case ir.OpNeg, ir.OpNot:
		return s.lowerUnary(id)
	case ir.OpCmpEq, ir.OpCmpNe, ir.OpCmpSlt, ir.OpCmpSle, ir.OpCmpUlt, ir.OpCmpUle, ir.OpCmpFlt, ir.OpCmpFle:
		return s.lowerCompare(id)
	case ir.OpSignExtend:
		return s.lowerExtend(id, true)
	case ir.OpZeroExtend:
		return s.lowerExtend(id, false)
	case ir.OpTruncate:
		return s.lowerTruncate(id)
	case ir.OpLocal:
		return s.lowerLocal(id)
	case ir.OpMemberAccess:
		return s.lowerMemberAccess(id)
	case ir.OpArrayAccess:
		return s.lowerArrayAccess(id)
	case ir.OpSymbol:
		return s.lowerSymbol(id)
	case ir.OpLoad, ir.OpAtomicLoad, ir.OpRead:
		return s.lowerLoad(id)
	case ir.OpStore, ir.OpWrite:
		return s.lowerStore(id)
	case ir.OpCall, ir.OpTailCall:
		return s.lowerCall(id)
	case ir.OpSystemCall:
		return s.lowerSystemCall(id)
	default:
		return errors.Errorf("isel: unhandled op %s", n.Op())
	}
}

// lowerEntry materializes every live parameter projection exactly once,
// when the entry node itself reaches the front of the block's schedule
// (spec.md §4.G: "Entry handling materializes parameter projections").
func (s *Selector) lowerEntry(entryID ir.NodeID) error {
	intIdx, floatIdx := 0, 0
	overflowOffset := int32(16) // [rbp+16+8i] per spec.md §4.G
	for _, pid := range s.fn.Params()[3:] {
		p := s.fn.Node(pid)
		if p.Type().Kind == ir.KindControl || p.Type().Kind == ir.KindMemory {
			continue
		}
		class := classOf(p.Type())
		dst := s.newVReg()
		if isFloat(p.Type()) {
			if src, ok := s.abi.FloatArg(floatIdx); ok {
				s.emit(&mach.Instr{Op: mach.OpMovRR, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{src}, Node: pid})
			} else {
				s.emit(&mach.Instr{Op: mach.OpMovRM, Class: class, Defs: []mach.Reg{dst}, Flags: mach.FlagMem,
					Mem: mach.Mem{Base: mach.PReg(x64.RBP), HasBase: true, Disp: overflowOffset}, Node: pid})
				overflowOffset += 8
			}
			floatIdx++
		} else {
			if src, ok := s.abi.IntArg(intIdx); ok {
				s.emit(&mach.Instr{Op: mach.OpMovRR, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{src}, Node: pid})
			} else {
				s.emit(&mach.Instr{Op: mach.OpMovRM, Class: class, Defs: []mach.Reg{dst}, Flags: mach.FlagMem,
					Mem: mach.Mem{Base: mach.PReg(x64.RBP), HasBase: true, Disp: overflowOffset}, Node: pid})
				overflowOffset += 8
			}
			intIdx++
		}
		s.value[pid] = dst
	}
	return nil
}

func (s *Selector) lowerConstant(id ir.NodeID) error {
	n := s.fn.Node(id)
	cp := n.AsConst()
	class := classOf(n.Type())
	dst := s.newVReg()
	instr := &mach.Instr{Op: mach.OpMovImm, Class: class, Defs: []mach.Reg{dst}, Imm: int64(cp.Value), Node: id}
	if class == ir.ClassQword {
		v := int64(cp.Value)
		if v < -0x80000000 || v > 0x7fffffff {
			instr.Flags |= mach.FlagAbsolute
		}
	}
	s.emit(instr)
	s.value[id] = dst
	return nil
}

var arithOp = map[ir.Op]mach.Opcode{
	ir.OpAdd: mach.OpAdd,
	ir.OpSub: mach.OpSub,
	ir.OpAnd: mach.OpAnd,
	ir.OpOr:  mach.OpOr,
	ir.OpXor: mach.OpXor,
}

var arithSSEOp = map[ir.Op]mach.Opcode{
	ir.OpAdd: mach.OpAddSSE,
	ir.OpSub: mach.OpSubSSE,
}

// lowerBinary implements add/sub/and/or/xor as the two-address x86 form:
// dst starts as a copy of lhs, then the opcode folds rhs in place
// (spec.md §4.G: "two-address form, dst == first operand"). A 32/64-bit
// add of an imm32 is the exception and lowers to one lea.
func (s *Selector) lowerBinary(id ir.NodeID) error {
	n := s.fn.Node(id)
	lhs, rhs := n.Inputs()[2], n.Inputs()[3]
	lhsReg, err := s.valueOf(lhs)
	if err != nil {
		return err
	}
	class := classOf(n.Type())
	dst := s.newVReg()
	if rc, ok := s.constOf(rhs); ok && n.Op() == ir.OpAdd && (class == ir.ClassDword || class == ir.ClassQword) {
		// lea dst, [lhs+imm]: no copy of lhs first, flags left untouched.
		s.emit(&mach.Instr{Op: mach.OpLea, Class: class, Defs: []mach.Reg{dst}, Flags: mach.FlagMem,
			Mem: mach.Mem{Base: lhsReg, HasBase: true, Disp: int32(rc)}, Node: id})
		s.value[id] = dst
		return nil
	}
	s.emit(&mach.Instr{Op: mach.OpMovRR, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{lhsReg}, Node: id})

	if isFloat(n.Type()) {
		op, ok := arithSSEOp[n.Op()]
		if !ok {
			return errors.Errorf("isel: %s has no floating-point form", n.Op())
		}
		rhsReg, err := s.valueOf(rhs)
		if err != nil {
			return err
		}
		s.emit(&mach.Instr{Op: op, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{dst, rhsReg}, Node: id})
		s.value[id] = dst
		return nil
	}

	if rc, ok := s.constOf(rhs); ok {
		s.emit(&mach.Instr{Op: arithOp[n.Op()], Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{dst},
			Flags: mach.FlagImmediate, Imm: rc, Node: id})
		s.value[id] = dst
		return nil
	}
	rhsReg, err := s.valueOf(rhs)
	if err != nil {
		return err
	}
	s.emit(&mach.Instr{Op: arithOp[n.Op()], Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{dst, rhsReg}, Node: id})
	s.value[id] = dst
	return nil
}

// constOf reports whether id is an integer_constant node that fits a
// 32-bit immediate, the form lowerBinary/lowerMul commute onto the RHS
// (spec.md §4.G: "commute so RHS is immediate when possible").
func (s *Selector) constOf(id ir.NodeID) (int64, bool) {
	n := s.fn.Node(id)
	if n.Op() != ir.OpIntegerConstant {
		return 0, false
	}
	v := int64(n.AsConst().Value)
	if v < -0x80000000 || v > 0x7fffffff {
		return 0, false
	}
	return v, true
}

func (s *Selector) lowerMul(id ir.NodeID) error {
	n := s.fn.Node(id)
	lhs, rhs := n.Inputs()[2], n.Inputs()[3]
	class := classOf(n.Type())
	dst := s.newVReg()

	if isFloat(n.Type()) {
		lhsReg, err := s.valueOf(lhs)
		if err != nil {
			return err
		}
		rhsReg, err := s.valueOf(rhs)
		if err != nil {
			return err
		}
		s.emit(&mach.Instr{Op: mach.OpMovRR, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{lhsReg}, Node: id})
		s.emit(&mach.Instr{Op: mach.OpMulSSE, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{dst, rhsReg}, Node: id})
		s.value[id] = dst
		return nil
	}

	lhsReg, err := s.valueOf(lhs)
	if err != nil {
		return err
	}
	if imm, ok := s.constOf(rhs); ok {
		s.emit(&mach.Instr{Op: mach.OpImulImm, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{lhsReg}, Imm: imm, Node: id})
		s.value[id] = dst
		return nil
	}
	rhsReg, err := s.valueOf(rhs)
	if err != nil {
		return err
	}
	s.emit(&mach.Instr{Op: mach.OpMovRR, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{lhsReg}, Node: id})
	s.emit(&mach.Instr{Op: mach.OpImul, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{dst, rhsReg}, Node: id})
	s.value[id] = dst
	return nil
}

var shiftOp = map[ir.Op]mach.Opcode{
	ir.OpShl: mach.OpShl,
	ir.OpShr: mach.OpShr,
	ir.OpSar: mach.OpSar,
}

func (s *Selector) lowerShift(id ir.NodeID) error {
	n := s.fn.Node(id)
	lhs, rhs := n.Inputs()[2], n.Inputs()[3]
	class := classOf(n.Type())
	imm, ok := s.constOf(rhs)
	if !ok {
		return errors.Errorf("isel: shift amount must be a constant in this core (node %d)", id)
	}
	lhsReg, err := s.valueOf(lhs)
	if err != nil {
		return err
	}
	dst := s.newVReg()
	s.emit(&mach.Instr{Op: mach.OpMovRR, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{lhsReg}, Node: id})
	s.emit(&mach.Instr{Op: shiftOp[n.Op()], Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{dst}, Imm: imm, Node: id})
	s.value[id] = dst
	return nil
}

// lowerUnary implements not/neg; floating-point negation (a separate SSE
// xor against a sign mask) is explicitly out of scope for this core,
// per spec.md §4.G.
func (s *Selector) lowerUnary(id ir.NodeID) error {
	n := s.fn.Node(id)
	v := n.Inputs()[2]
	if isFloat(n.Type()) {
		return errors.Errorf("isel: floating-point not/neg is not implemented in this core (node %d)", id)
	}
	class := classOf(n.Type())
	vReg, err := s.valueOf(v)
	if err != nil {
		return err
	}
	dst := s.newVReg()
	s.emit(&mach.Instr{Op: mach.OpMovRR, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{vReg}, Node: id})
	op := mach.OpNot
	if n.Op() == ir.OpNeg {
		op = mach.OpNeg
	}
	s.emit(&mach.Instr{Op: op, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{dst}, Node: id})
	s.value[id] = dst
	return nil
}

var compareCond = map[ir.Op]mach.Cond{
	ir.OpCmpEq:  mach.CondE,
	ir.OpCmpNe:  mach.CondNE,
	ir.OpCmpSlt: mach.CondL,
	ir.OpCmpSle: mach.CondLE,
	ir.OpCmpUlt: mach.CondB,
	ir.OpCmpUle: mach.CondBE,
	ir.OpCmpFlt: mach.CondB, // ucomiss/ucomisd set CF/ZF like an unsigned compare
	ir.OpCmpFle: mach.CondBE,
}

// lowerCompare always emits the flag-setting instruction; it defers
// materializing a 0/1 value when its sole consumer is the branch that
// immediately follows it in program order (spec.md §4.G branch fusion).
func (s *Selector) lowerCompare(id ir.NodeID) error {
	n := s.fn.Node(id)
	lhs, rhs := n.Inputs()[2], n.Inputs()[3]
	cp := n.AsCompare()
	cond := compareCond[n.Op()]

	lhsReg, err := s.valueOf(lhs)
	if err != nil {
		return err
	}
	rhsReg, err := s.valueOf(rhs)
	if err != nil {
		return err
	}

	if isFloat(cp.OperandType) {
		class := classOf(cp.OperandType)
		s.emit(&mach.Instr{Op: mach.OpUcomi, Class: class, Uses: []mach.Reg{lhsReg, rhsReg}, Node: id})
	} else {
		class := classOf(cp.OperandType)
		// test reg,reg yields the same SF/ZF/OF/CF as cmp reg,0 (both
		// clear OF/CF; subtracting 0 and AND-ing a value with itself
		// agree on sign and zero), so it's a safe substitute only for
		// equality, where operand order doesn't change the predicate
		// (spec.md §4.G: "emit test for == 0 / != 0").
		eq := n.Op() == ir.OpCmpEq || n.Op() == ir.OpCmpNe
		if v, ok := s.constOf(rhs); ok && v == 0 && eq {
			s.emit(&mach.Instr{Op: mach.OpTest, Class: class, Uses: []mach.Reg{lhsReg, lhsReg}, Node: id})
		} else if v, ok := s.constOf(lhs); ok && v == 0 && eq {
			s.emit(&mach.Instr{Op: mach.OpTest, Class: class, Uses: []mach.Reg{rhsReg, rhsReg}, Node: id})
		} else {
			s.emit(&mach.Instr{Op: mach.OpCmp, Class: class, Uses: []mach.Reg{lhsReg, rhsReg}, Node: id})
		}
	}

	if s.soleUserIs(id, ir.OpBranch) {
		s.deferredFlags[id] = cond
		return nil
	}

	dst := s.newVReg()
	s.emit(&mach.Instr{Op: mach.OpSetcc, Class: ir.ClassByte, Cond: cond, Defs: []mach.Reg{dst}, Node: id})
	s.value[id] = dst
	return nil
}

// lowerExtend covers sign_extend/zero_extend (spec.md §4.G:
// "movsx{b,w,d} / movzx{b,w} / 32-bit mov for zero-extend to 64").
func (s *Selector) lowerExtend(id ir.NodeID, signed bool) error {
	n := s.fn.Node(id)
	from := n.Inputs()[2]
	fromReg, err := s.valueOf(from)
	if err != nil {
		return err
	}
	fromClass := classOf(s.fn.Node(from).Type())
	toClass := classOf(n.Type())
	dst := s.newVReg()

	if !signed && fromClass == ir.ClassDword && toClass == ir.ClassQword {
		// A plain 32-bit mov already zero-extends into the full 64-bit
		// register (spec.md §4.G).
		s.emit(&mach.Instr{Op: mach.OpMovRR, Class: ir.ClassDword, Defs: []mach.Reg{dst}, Uses: []mach.Reg{fromReg}, Node: id})
		s.value[id] = dst
		return nil
	}

	op := mach.OpMovZX
	if signed {
		op = mach.OpMovSX
	}
	if signed && fromClass == ir.ClassDword && toClass == ir.ClassQword {
		op = mach.OpMovSX // movsxd, selected in the encoder via Imm==4
	}
	s.emit(&mach.Instr{Op: op, Class: toClass, Defs: []mach.Reg{dst}, Uses: []mach.Reg{fromReg}, Imm: int64(classSizeBytes(fromClass)), Node: id})
	s.value[id] = dst
	return nil
}

func classSizeBytes(c ir.MachineClass) int {
	return c.SizeBytes()
}

// lowerTruncate is a register alias: the narrower class simply reads the
// low bits of the same value (spec.md §4.G "truncate: register alias,
// emitted as mov of the narrower size").
func (s *Selector) lowerTruncate(id ir.NodeID) error {
	n := s.fn.Node(id)
	from := n.Inputs()[2]
	fromReg, err := s.valueOf(from)
	if err != nil {
		return err
	}
	if isFloat(n.Type()) {
		dst := s.newVReg()
		s.emit(&mach.Instr{Op: mach.OpCvt, Class: classOf(n.Type()), Defs: []mach.Reg{dst}, Uses: []mach.Reg{fromReg}, Imm: x64.CvtSD2SS, Node: id})
		s.value[id] = dst
		return nil
	}
	dst := s.newVReg()
	s.emit(&mach.Instr{Op: mach.OpMovRR, Class: classOf(n.Type()), Defs: []mach.Reg{dst}, Uses: []mach.Reg{fromReg}, Node: id})
	s.value[id] = dst
	return nil
}
