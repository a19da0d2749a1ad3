package regalloc

import (
	"testing"

	"github.com/xyproto/nodeback/internal/ir"
	"github.com/xyproto/nodeback/internal/mach"
	"github.com/xyproto/nodeback/internal/x64"
)

func chain(list *mach.List, instrs ...*mach.Instr) {
	for _, i := range instrs {
		list.Append(i)
	}
}

// TestAllocateColorsDisjointIntervals checks that three short-lived
// virtual registers are all colored without a spill and that no
// instruction still names a virtual register afterwards.
func TestAllocateColorsDisjointIntervals(t *testing.T) {
	list := &mach.List{}
	v0, v1, v2 := mach.VReg(0), mach.VReg(1), mach.VReg(2)

	defV0 := &mach.Instr{Op: mach.OpMovImm, Class: ir.ClassQword, Defs: []mach.Reg{v0}, Imm: 1}
	useV0 := &mach.Instr{Op: mach.OpMovRR, Class: ir.ClassQword, Defs: []mach.Reg{v1}, Uses: []mach.Reg{v0}}
	defV2 := &mach.Instr{Op: mach.OpMovImm, Class: ir.ClassQword, Defs: []mach.Reg{v2}, Imm: 2}
	useV1AndV2 := &mach.Instr{Op: mach.OpAdd, Class: ir.ClassQword, Defs: []mach.Reg{v1}, Uses: []mach.Reg{v1, v2}}
	chain(list, defV0, useV0, defV2, useV1AndV2)
	list.AssignPositions()

	a := Analyze(list)
	if len(a.Intervals) != 3 {
		t.Fatalf("expected 3 intervals, got %d", len(a.Intervals))
	}

	res, err := Allocate(list, a, x64.SystemV, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if res.FrameSize != 0 {
		t.Fatalf("expected no spills, got frame size %d", res.FrameSize)
	}

	list.Each(func(i *mach.Instr) {
		for _, d := range i.Defs {
			if d.IsVirtual() {
				t.Fatalf("instruction still references virtual register %v after allocation", d)
			}
		}
		for _, u := range i.Uses {
			if u.IsVirtual() {
				t.Fatalf("instruction still references virtual register %v after allocation", u)
			}
		}
	})
}

// TestAllocateSpillsUnderPressure forces more simultaneously-live
// integer values than SystemV has caller-saved GPRs (minus the scratch
// register), and checks the excess gets spilled with reload/store pairs
// rather than erroring.
func TestAllocateSpillsUnderPressure(t *testing.T) {
	list := &mach.List{}
	const n = 12
	vregs := make([]mach.Reg, n)
	for i := range vregs {
		vregs[i] = mach.VReg(i)
		list.Append(&mach.Instr{Op: mach.OpMovImm, Class: ir.ClassQword, Defs: []mach.Reg{vregs[i]}, Imm: int64(i)})
	}
	sum := &mach.Instr{Op: mach.OpAdd, Class: ir.ClassQword, Defs: []mach.Reg{vregs[0]}, Uses: append([]mach.Reg{vregs[0]}, vregs[1:]...)}
	list.Append(sum)
	list.AssignPositions()

	a := Analyze(list)
	res, err := Allocate(list, a, x64.SystemV, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if res.FrameSize == 0 {
		t.Fatalf("expected at least one spill slot under register pressure")
	}

	sawSpillOp := false
	list.Each(func(i *mach.Instr) {
		if i.Op == mach.OpReloadSpill || i.Op == mach.OpSpillStore {
			sawSpillOp = true
		}
	})
	if !sawSpillOp {
		t.Fatalf("expected reload/store instructions to be spliced in")
	}
}

// TestHintEliminatesCopy checks that a vreg copied straight from a
// physical ABI register is colored into that same register when it is
// still free, per spec.md §4.H step 4.
func TestHintEliminatesCopy(t *testing.T) {
	list := &mach.List{}
	v0 := mach.VReg(0)
	copyFromArg := &mach.Instr{Op: mach.OpMovRR, Class: ir.ClassQword, Defs: []mach.Reg{v0}, Uses: []mach.Reg{mach.PReg(x64.RDI)}}
	use := &mach.Instr{Op: mach.OpMovRR, Class: ir.ClassQword, Defs: []mach.Reg{mach.PReg(x64.RAX)}, Uses: []mach.Reg{v0}}
	chain(list, copyFromArg, use)
	list.AssignPositions()

	a := Analyze(list)
	if !a.Intervals[0].HasHint || a.Intervals[0].Hint != mach.PReg(x64.RDI) {
		t.Fatalf("expected hint rdi, got %+v", a.Intervals[0])
	}
	if _, err := Allocate(list, a, x64.SystemV, 0); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if copyFromArg.Defs[0] != mach.PReg(x64.RDI) {
		t.Fatalf("expected hinted register rdi to be honored, got %v", copyFromArg.Defs[0])
	}
}
