package x64

import (
	"testing"

	"github.com/xyproto/nodeback/internal/ir"
	"github.com/xyproto/nodeback/internal/mach"
)

func TestEncodeMovImmAndRoundTrip(t *testing.T) {
	e := NewEncoder()
	list := &mach.List{}
	list.Append(&mach.Instr{
		Op:    mach.OpMovImm,
		Class: ir.ClassDword,
		Defs:  []mach.Reg{mach.PReg(RAX)},
		Imm:   42,
	})
	list.Append(&mach.Instr{
		Op:    mach.OpAdd,
		Class: ir.ClassDword,
		Defs:  []mach.Reg{mach.PReg(RAX)},
		Uses:  []mach.Reg{mach.PReg(RAX), mach.PReg(RCX)},
	})
	list.Append(&mach.Instr{Op: mach.OpEpilogue})

	cf, err := e.EncodeFunction(list, 0, true)
	if err != nil {
		t.Fatalf("EncodeFunction: %v", err)
	}
	if len(cf.Code)%16 != 0 {
		t.Fatalf("expected 16-byte padded code, got %d bytes", len(cf.Code))
	}
	if err := VerifyRoundTrip(cf.Code); err != nil {
		t.Fatalf("VerifyRoundTrip: %v", err)
	}
}

func TestEncodeBranch(t *testing.T) {
	e := NewEncoder()
	list := &mach.List{}
	target := &mach.Label{Name: "L0"}
	list.Append(&mach.Instr{
		Op:   mach.OpTest,
		Class: ir.ClassDword,
		Uses: []mach.Reg{mach.PReg(RAX), mach.PReg(RAX)},
	})
	list.Append(&mach.Instr{Op: mach.OpJcc, Cond: mach.CondE, Target: target})
	list.Append(&mach.Instr{Op: mach.OpLabel, Target: target})
	list.Append(&mach.Instr{Op: mach.OpEpilogue})

	cf, err := e.EncodeFunction(list, 0, true)
	if err != nil {
		t.Fatalf("EncodeFunction: %v", err)
	}
	if !target.Resolved {
		t.Fatalf("label was never resolved")
	}
	if err := VerifyRoundTrip(cf.Code); err != nil {
		t.Fatalf("VerifyRoundTrip: %v", err)
	}
}

// TestEncodeCompare covers cmp's no-Defs shape (scenarios 3 and 6 of
// spec.md §8): emitIntBinary must fall back to Uses[0] for the ModRM
// reg/rm field instead of indexing the empty Defs slice.
func TestEncodeCompare(t *testing.T) {
	e := NewEncoder()
	list := &mach.List{}
	list.Append(&mach.Instr{
		Op:    mach.OpCmp,
		Class: ir.ClassDword,
		Uses:  []mach.Reg{mach.PReg(RAX), mach.PReg(RCX)},
	})
	list.Append(&mach.Instr{
		Op:    mach.OpSetcc,
		Cond:  mach.CondE,
		Class: ir.ClassByte,
		Defs:  []mach.Reg{mach.PReg(RAX)},
	})
	list.Append(&mach.Instr{Op: mach.OpEpilogue})

	cf, err := e.EncodeFunction(list, 0, true)
	if err != nil {
		t.Fatalf("EncodeFunction: %v", err)
	}
	if err := VerifyRoundTrip(cf.Code); err != nil {
		t.Fatalf("VerifyRoundTrip: %v", err)
	}
}

func TestEncodeMemoryOperand(t *testing.T) {
	e := NewEncoder()
	list := &mach.List{}
	list.Append(&mach.Instr{
		Op:    mach.OpMovRM,
		Class: ir.ClassQword,
		Defs:  []mach.Reg{mach.PReg(RAX)},
		Flags: mach.FlagMem,
		Mem:   mach.Mem{Base: mach.PReg(RBP), HasBase: true, Disp: -8},
	})
	list.Append(&mach.Instr{Op: mach.OpEpilogue})

	cf, err := e.EncodeFunction(list, 16, true)
	if err != nil {
		t.Fatalf("EncodeFunction: %v", err)
	}
	if err := VerifyRoundTrip(cf.Code); err != nil {
		t.Fatalf("VerifyRoundTrip: %v", err)
	}
}

func TestRegNameAndClassOf(t *testing.T) {
	if RegName(mach.PReg(RAX)) != "rax" {
		t.Errorf("RegName(RAX) = %q", RegName(mach.PReg(RAX)))
	}
	if RegName(mach.PReg(XMM3)) != "xmm3" {
		t.Errorf("RegName(XMM3) = %q", RegName(mach.PReg(XMM3)))
	}
	if classOf(RAX) != mach.ClassGPR {
		t.Errorf("classOf(RAX) should be ClassGPR")
	}
	if classOf(XMM0) != mach.ClassXMM {
		t.Errorf("classOf(XMM0) should be ClassXMM")
	}
}

func TestABITables(t *testing.T) {
	if len(SystemV.IntArgRegs) != 6 {
		t.Errorf("SystemV expects 6 integer argument registers, got %d", len(SystemV.IntArgRegs))
	}
	if len(Win64.IntArgRegs) != 4 {
		t.Errorf("Win64 expects 4 integer argument registers, got %d", len(Win64.IntArgRegs))
	}
	if Win64.ShadowSpace != 32 {
		t.Errorf("Win64 shadow space should be 32 bytes, got %d", Win64.ShadowSpace)
	}
	if SystemV.ShadowSpace != 0 {
		t.Errorf("SystemV has no shadow space, got %d", SystemV.ShadowSpace)
	}
	if _, ok := For(true).IntArg(0); !ok {
		t.Errorf("Win64 should have at least one integer argument register")
	}
	if _, ok := For(false).IntArg(6); ok {
		t.Errorf("SystemV should overflow to the stack past 6 integer arguments")
	}
}
