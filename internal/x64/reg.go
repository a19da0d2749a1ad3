// Package x64 implements the x86-64 physical register file, the two
// platform calling conventions (spec.md §6), and the instruction encoder
// (spec.md §4.I).
//
// Grounded on xyproto/c67's reg.go register tables and
// calling_convention.go's CallingConvention interface, narrowed to the
// GPR/XMM subset the core actually allocates (spec.md §4.F: "16 GPR +
// 16 XMM").
package x64

import "github.com/xyproto/nodeback/internal/mach"

// Physical register encodings, 0..31: GPR 0..15 then XMM 16..31
// (spec.md §4.H step 2).
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

const xmmBase = 16

const (
	XMM0 = xmmBase + iota
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
)

// gprNames/xmmNames are used only for diagnostics and the debug listing
// (internal/isel/listing.go).
var gprNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// RegName renders a physical Reg for diagnostics/listings.
func RegName(r mach.Reg) string {
	idx := r.PIndex()
	if idx < 16 {
		return gprNames[idx]
	}
	return "xmm" + itoa(idx-16)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// IsXMM reports whether a physical encoding names an XMM register.
func IsXMM(enc int) bool { return enc >= xmmBase }

// classOf returns the RegClass for a physical encoding.
func classOf(enc int) mach.RegClass {
	if IsXMM(enc) {
		return mach.ClassXMM
	}
	return mach.ClassGPR
}

// ClassOf returns the RegClass of a physical Reg (internal/regalloc uses
// this to split the allocatable set in two independent pools, spec.md
// §4.H step 2).
func ClassOf(r mach.Reg) mach.RegClass { return classOf(r.PIndex()) }

// GPRRegs and XMMRegs list every allocatable register in encoding order
// (spec.md §4.H: "Fix intervals for the 32 physical registers … so they
// participate in interference"). RSP and RBP are excluded from the
// allocatable set: RSP is the stack pointer and RBP is the frame
// pointer the encoder's fixed three-instruction prologue always
// establishes (spec.md §4.I).
var GPRRegs = []int{RAX, RCX, RDX, RBX, RSI, RDI, R8, R9, R10, R11, R12, R13, R14, R15}
var XMMRegs = []int{
	XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7,
	XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14, XMM15,
}
