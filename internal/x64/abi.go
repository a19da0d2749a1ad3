package x64

import "github.com/xyproto/nodeback/internal/mach"

// ABI describes one platform calling convention (spec.md §6 table).
// Grounded directly on xyproto/c67's calling_convention.go
// CallingConvention interface (SystemVAMD64/MicrosoftX64), rewritten to
// return mach.Reg physical ids instead of register-name strings so
// internal/isel can wire ABI registers straight into Instr operands
// without a name lookup.
type ABI struct {
	IntArgRegs    []mach.Reg
	FloatArgRegs  []mach.Reg
	IntReturnRegs []mach.Reg // [0]=primary (rax), [1]=secondary (rdx) for 2-word returns
	FloatReturnRegs []mach.Reg
	CallerSaved   []mach.Reg
	CalleeSaved   []mach.Reg
	// CallerSavedXMM is the XMM subset internal/regalloc draws its
	// floating-point allocatable pool from. On Win64 only xmm0-5 are
	// caller-saved (xmm6-15 the callee must preserve); System V has no
	// callee-saved XMM registers at all.
	CallerSavedXMM []mach.Reg
	ShadowSpace    int
	StackAlign     int
}

func regs(enc ...int) []mach.Reg {
	out := make([]mach.Reg, len(enc))
	for i, e := range enc {
		out[i] = mach.PReg(e)
	}
	return out
}

// SystemV is the SystemV AMD64 ABI (Linux, spec.md §6).
var SystemV = ABI{
	IntArgRegs:      regs(RDI, RSI, RDX, RCX, R8, R9),
	FloatArgRegs:    regs(XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7),
	IntReturnRegs:   regs(RAX, RDX),
	FloatReturnRegs: regs(XMM0, XMM1),
	CallerSaved:     regs(RAX, RDI, RSI, RCX, RDX, R8, R9, R10, R11),
	CalleeSaved:     regs(RBX, RBP, R12, R13, R14, R15),
	CallerSavedXMM:  regs(XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7, XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14, XMM15),
	ShadowSpace:     0,
	StackAlign:      16,
}

// Win64 is the Microsoft x64 ABI (Windows, spec.md §6).
var Win64 = ABI{
	IntArgRegs:      regs(RCX, RDX, R8, R9),
	FloatArgRegs:    regs(XMM0, XMM1, XMM2, XMM3),
	IntReturnRegs:   regs(RAX, RDX),
	FloatReturnRegs: regs(XMM0, XMM1),
	CallerSaved:     regs(RAX, RCX, RDX, R8, R9, R10, R11),
	CalleeSaved:     regs(RBX, RBP, RDI, RSI, R12, R13, R14, R15),
	CallerSavedXMM:  regs(XMM0, XMM1, XMM2, XMM3, XMM4, XMM5),
	ShadowSpace:     32,
	StackAlign:      16,
}

// For selects the ABI for a target (spec.md §6: Windows x64 vs SystemV).
func For(isWindows bool) ABI {
	if isWindows {
		return Win64
	}
	return SystemV
}

// IntArg returns the integer argument register for index i, and ok=false
// once arguments overflow to the stack (spec.md §4.G: "overflow goes to
// [rbp + 16 + 8·i]").
func (a ABI) IntArg(i int) (mach.Reg, bool) {
	if i < len(a.IntArgRegs) {
		return a.IntArgRegs[i], true
	}
	return 0, false
}

func (a ABI) FloatArg(i int) (mach.Reg, bool) {
	if i < len(a.FloatArgRegs) {
		return a.FloatArgRegs[i], true
	}
	return 0, false
}

// IsCallerSaved reports whether r is destroyed across a call under this
// ABI.
func (a ABI) IsCallerSaved(r mach.Reg) bool {
	for _, c := range a.CallerSaved {
		if c == r {
			return true
		}
	}
	return false
}

// IsCalleeSaved reports whether r must be preserved by the callee.
func (a ABI) IsCalleeSaved(r mach.Reg) bool {
	for _, c := range a.CalleeSaved {
		if c == r {
			return true
		}
	}
	return false
}
