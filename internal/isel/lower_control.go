package isel

import (
	"github.com/pkg/errors"

	"github.com/xyproto/nodeback/internal/ir"
	"github.com/xyproto/nodeback/internal/mach"
	"github.com/xyproto/nodeback/internal/x64"
)

// resolvePhis inserts a parallel-copy move into each live data phi at
// successor for the edge from term's block (recorded in the region's
// inputs either as term itself or as a control node of term's block), just
// before term's own jump instructions are emitted (spec.md §4.E: "phi
// nodes at a successor are scheduled eagerly when the producing block's
// terminator is visited"). The memory phi carries no runtime value and
// is skipped.
func (s *Selector) resolvePhis(successor, term ir.NodeID) error {
	region := s.fn.Node(successor)
	predIdx := -1
	for i, in := range region.Inputs() {
		if in == term || s.g.BlockOf(in) == s.g.BlockOf(term) {
			predIdx = i
			break
		}
	}
	for _, u := range region.Users() {
		phi := s.fn.Node(u)
		if phi.Op() != ir.OpPhi || phi.Type().Kind == ir.KindMemory {
			continue
		}
		if predIdx == -1 {
			return errors.Errorf("isel: terminator %d is not a recorded predecessor of %d", term, successor)
		}
		srcID := phi.Inputs()[1+predIdx]
		srcReg, err := s.valueOf(srcID)
		if err != nil {
			return err
		}
		dst, ok := s.value[u]
		if !ok {
			dst = s.newVReg()
			s.value[u] = dst
		}
		s.emit(&mach.Instr{Op: mach.OpMovRR, Class: classOf(phi.Type()), Defs: []mach.Reg{dst}, Uses: []mach.Reg{srcReg}, Node: u})
	}
	return nil
}

func (s *Selector) lowerBranch(id ir.NodeID, blockPos int) error {
	n := s.fn.Node(id)
	bp := n.AsBranch()

	if len(bp.Successors) == 1 {
		target := bp.Successors[0]
		if err := s.resolvePhis(target, id); err != nil {
			return err
		}
		if !s.fallsThroughTo(blockPos, s.g.BlockOf(target)) {
			s.emit(&mach.Instr{Op: mach.OpJmp, Target: s.labelFor(s.g.BlockOf(target)), Node: id})
		}
		return nil
	}

	whenTrue, whenFalse := bp.Successors[0], bp.Successors[1]
	condID := n.Inputs()[1] // conditional branch inputs are [ctrl, cond]

	// Phi resolution must happen on both edges before the jump, since
	// either arm may be taken.
	if err := s.resolvePhis(whenTrue, id); err != nil {
		return err
	}
	if err := s.resolvePhis(whenFalse, id); err != nil {
		return err
	}

	var cond mach.Cond
	if c, ok := s.deferredFlags[condID]; ok {
		cond = c
	} else {
		reg, err := s.valueOf(condID)
		if err != nil {
			return err
		}
		s.emit(&mach.Instr{Op: mach.OpTest, Class: ir.ClassByte, Uses: []mach.Reg{reg, reg}, Node: id})
		cond = mach.CondNE
	}

	trueBlock, falseBlock := s.g.BlockOf(whenTrue), s.g.BlockOf(whenFalse)
	if s.fallsThroughTo(blockPos, trueBlock) {
		// Swap so the fallthrough lands on the untaken arm.
		s.emit(&mach.Instr{Op: mach.OpJcc, Cond: cond.Negate(), Target: s.labelFor(falseBlock), Node: id})
		return nil
	}
	s.emit(&mach.Instr{Op: mach.OpJcc, Cond: cond, Target: s.labelFor(trueBlock), Node: id})
	if !s.fallsThroughTo(blockPos, falseBlock) {
		s.emit(&mach.Instr{Op: mach.OpJmp, Target: s.labelFor(falseBlock), Node: id})
	}
	return nil
}

// lowerExit copies the exit's result phis into the canonical return
// registers and emits the epilogue pseudo-instruction the encoder
// expands into stack teardown + ret (spec.md §4.G "exit"). The exit
// region takes exactly one control predecessor in well-formed IR (every
// other return path joins it through an ordinary region first, the same
// way any multi-way merge does), so each result phi carries exactly one
// value input and needs no predecessor matching.
func (s *Selector) lowerExit(id ir.NodeID, blockPos int) error {
	_ = blockPos // exit always ends its block; no fallthrough decision to make
	intIdx, floatIdx := 0, 0
	for _, phi := range s.fn.ResultPhis() {
		phiNode := s.fn.Node(phi)
		if len(phiNode.Inputs()) != 2 {
			return errors.Errorf("isel: exit result phi %d has %d predecessors, want 1 (route extra returns through a region first)", phi, len(phiNode.Inputs())-1)
		}
		val, err := s.valueOf(phiNode.Inputs()[1])
		if err != nil {
			return err
		}
		class := classOf(phiNode.Type())
		if isFloat(phiNode.Type()) {
			dst := s.abi.FloatReturnRegs[floatIdx]
			s.emit(&mach.Instr{Op: mach.OpMovRR, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{val}, Node: phi})
			floatIdx++
		} else {
			dst := s.abi.IntReturnRegs[intIdx]
			s.emit(&mach.Instr{Op: mach.OpMovRR, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{val}, Node: phi})
			intIdx++
		}
	}
	s.emit(&mach.Instr{Op: mach.OpEpilogue, Node: id})
	return nil
}

// lowerCall marshals args into the ABI's register file (spec.md §4.G:
// "parameter marshalling per target ABI ... variadic float-count in AL
// on SystemV, caller-saved register clobber list attached"). Overflow
// arguments beyond the register file are out of scope for this core
// (see DESIGN.md).
func (s *Selector) lowerCall(id ir.NodeID) error {
	n := s.fn.Node(id)
	cp := n.AsCall()
	args := n.Inputs()[2:]

	if s.abi.ShadowSpace > 0 {
		s.needsShadow = true
	}

	intIdx, floatIdx := 0, 0
	var floatArgCount int
	for i, argID := range args {
		argReg, err := s.valueOf(argID)
		if err != nil {
			return err
		}
		class := classOf(s.fn.Node(argID).Type())
		if isFloat(s.fn.Node(argID).Type()) {
			dst, ok := s.abi.FloatArg(floatIdx)
			if !ok {
				return errors.Errorf("isel: call argument %d overflows the floating-point register file (stack args not implemented in this core)", i)
			}
			s.emit(&mach.Instr{Op: mach.OpMovRR, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{argReg}, Node: id})
			floatIdx++
			floatArgCount++
		} else {
			dst, ok := s.abi.IntArg(intIdx)
			if !ok {
				return errors.Errorf("isel: call argument %d overflows the integer register file (stack args not implemented in this core)", i)
			}
			s.emit(&mach.Instr{Op: mach.OpMovRR, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{argReg}, Node: id})
			intIdx++
		}
	}

	if cp.Signature.Variadic && s.abi.ShadowSpace == 0 {
		// SystemV: AL carries the number of vector registers used for
		// variadic calls (spec.md §4.G).
		al := s.newVReg()
		s.emit(&mach.Instr{Op: mach.OpMovImm, Class: ir.ClassByte, Defs: []mach.Reg{al}, Imm: int64(floatArgCount), Node: id})
		s.emit(&mach.Instr{Op: mach.OpMovRR, Class: ir.ClassByte, Defs: []mach.Reg{mach.PReg(x64.RAX)}, Uses: []mach.Reg{al}, Node: id})
	}

	call := &mach.Instr{Op: mach.OpCallSym, Sym: cp.Callee, HasSym: true, Clobbers: s.abi.CallerSaved, Node: id}
	s.emit(call)

	intIdx, floatIdx = 0, 0
	for _, p := range cp.Projections[2:] {
		class := classOf(s.fn.Node(p).Type())
		dst := s.newVReg()
		if isFloat(s.fn.Node(p).Type()) {
			s.emit(&mach.Instr{Op: mach.OpMovRR, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{s.abi.FloatReturnRegs[floatIdx]}, Node: p})
			floatIdx++
		} else {
			s.emit(&mach.Instr{Op: mach.OpMovRR, Class: class, Defs: []mach.Reg{dst}, Uses: []mach.Reg{s.abi.IntReturnRegs[intIdx]}, Node: p})
			intIdx++
		}
		s.value[p] = dst
	}
	return nil
}

// lowerSystemCall lowers directly to a `syscall` instruction rather than
// a call-by-symbol (spec.md §3). The syscall number occupies rax, args
// follow the kernel convention (rdi, rsi, rdx, r10, r8, r9).
var syscallArgRegs = []int{x64.RDI, x64.RSI, x64.RDX, x64.R10, x64.R8, x64.R9}

func (s *Selector) lowerSystemCall(id ir.NodeID) error {
	n := s.fn.Node(id)
	cp := n.AsCall()
	args := n.Inputs()[2:]
	if len(args) > len(syscallArgRegs) {
		return errors.Errorf("isel: system_call with more than %d arguments is not supported", len(syscallArgRegs))
	}
	for i, argID := range args {
		argReg, err := s.valueOf(argID)
		if err != nil {
			return err
		}
		class := classOf(s.fn.Node(argID).Type())
		s.emit(&mach.Instr{Op: mach.OpMovRR, Class: class, Defs: []mach.Reg{mach.PReg(syscallArgRegs[i])}, Uses: []mach.Reg{argReg}, Node: id})
	}
	s.emit(&mach.Instr{Op: mach.OpMovImm, Class: ir.ClassQword, Defs: []mach.Reg{mach.PReg(x64.RAX)}, Imm: int64(cp.Number), Node: id})
	s.emit(&mach.Instr{Op: mach.OpSyscall, Clobbers: s.abi.CallerSaved, Node: id})

	if len(cp.Projections) > 2 {
		ret := s.newVReg()
		retClass := classOf(s.fn.Node(cp.Projections[2]).Type())
		s.emit(&mach.Instr{Op: mach.OpMovRR, Class: retClass, Defs: []mach.Reg{ret}, Uses: []mach.Reg{mach.PReg(x64.RAX)}, Node: cp.Projections[2]})
		s.value[cp.Projections[2]] = ret
	}
	return nil
}
