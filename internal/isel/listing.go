package isel

import (
	"fmt"
	"strings"

	"github.com/klauspost/asmfmt"

	"github.com/xyproto/nodeback/internal/mach"
	"github.com/xyproto/nodeback/internal/x64"
)

// Listing renders a function body's machine instructions as a debug
// assembly dump, one line per mach.Instr, before any bytes exist
// (spec.md §4.G's Instr fields are still in their pre-encoding shape —
// virtual registers may not yet be colored). Run through asmfmt.Format
// the same way the pack's own assembly tooling does, rather than
// hand-aligning columns (SPEC_FULL.md DOMAIN STACK: "a real Go-assembly
// formatter rather than hand output alignment").
//
// The result is meant to be attached to a diagnostic, not parsed back —
// it is not valid Go assembly, just close enough in shape that asmfmt's
// tab/comment alignment makes it readable.
func Listing(body *mach.List) (string, error) {
	var b strings.Builder
	body.Each(func(i *mach.Instr) {
		fmt.Fprintf(&b, "\t%s\t%s\n", mnemonic(i.Op, i.Cond), operands(i))
	})
	formatted, err := asmfmt.Format(strings.NewReader(b.String()))
	if err != nil {
		// asmfmt only fails on tokens it can't lex at all; fall back to
		// the unformatted listing rather than losing the diagnostic.
		return b.String(), nil //nolint:nilerr
	}
	return string(formatted), nil
}

func regString(r mach.Reg) string {
	if r == mach.NoReg {
		return "-"
	}
	if r.IsPhysical() {
		return x64.RegName(r)
	}
	return fmt.Sprintf("v%d", r.VIndex())
}

func memString(m mach.Mem) string {
	if m.RIPRelative {
		if m.HasSym {
			return fmt.Sprintf("sym(%d)(%%rip)", m.Sym)
		}
		return fmt.Sprintf("%d(%%rip)", m.Disp)
	}
	var b strings.Builder
	if m.Disp != 0 || (!m.HasBase && !m.HasIndex) {
		fmt.Fprintf(&b, "%d", m.Disp)
	}
	b.WriteByte('(')
	if m.HasBase {
		b.WriteString(regString(m.Base))
	}
	if m.HasIndex {
		fmt.Fprintf(&b, ",%s,%d", regString(m.Index), m.Scale)
	}
	b.WriteByte(')')
	return b.String()
}

func operands(i *mach.Instr) string {
	var parts []string
	for _, d := range i.Defs {
		parts = append(parts, regString(d))
	}
	if i.Flags&mach.FlagMem != 0 {
		parts = append(parts, memString(i.Mem))
	}
	for _, u := range i.Uses {
		parts = append(parts, regString(u))
	}
	if i.Flags&mach.FlagImmediate != 0 || i.Op == mach.OpMovImm || i.Op == mach.OpImulImm {
		parts = append(parts, fmt.Sprintf("$%d", i.Imm))
	}
	if i.HasSym {
		parts = append(parts, fmt.Sprintf("sym(%d)", i.Sym))
	}
	if i.Target != nil {
		name := i.Target.Name
		if name == "" {
			name = "L?"
		}
		parts = append(parts, name)
	}
	return strings.Join(parts, ", ")
}

var mnemonicNames = map[mach.Opcode]string{
	mach.OpMovImm:      "mov",
	mach.OpMovRR:       "mov",
	mach.OpMovRM:       "mov",
	mach.OpMovMR:       "mov",
	mach.OpMovZX:       "movzx",
	mach.OpMovSX:       "movsx",
	mach.OpLea:         "lea",
	mach.OpAdd:         "add",
	mach.OpSub:         "sub",
	mach.OpImul:        "imul",
	mach.OpImulImm:     "imul",
	mach.OpAnd:         "and",
	mach.OpOr:          "or",
	mach.OpXor:         "xor",
	mach.OpNot:         "not",
	mach.OpNeg:         "neg",
	mach.OpShl:         "shl",
	mach.OpShr:         "shr",
	mach.OpSar:         "sar",
	mach.OpCmp:         "cmp",
	mach.OpTest:        "test",
	mach.OpSetcc:       "set",
	mach.OpUcomi:       "ucomi",
	mach.OpCvt:         "cvt",
	mach.OpAddSSE:      "adds",
	mach.OpSubSSE:      "subs",
	mach.OpMulSSE:      "muls",
	mach.OpDivSSE:      "divs",
	mach.OpXorSSE:      "xors",
	mach.OpPush:        "push",
	mach.OpPop:         "pop",
	mach.OpCallSym:     "call",
	mach.OpCallReg:     "call",
	mach.OpJmp:         "jmp",
	mach.OpJcc:         "j",
	mach.OpLabel:       "label",
	mach.OpPrologue:    "prologue",
	mach.OpEpilogue:    "epilogue",
	mach.OpSyscall:     "syscall",
	mach.OpNop:         "nop",
	mach.OpUD2:         "ud2",
	mach.OpReloadSpill: "reload",
	mach.OpSpillStore:  "spill",
}

var condSuffixes = map[mach.Cond]string{
	mach.CondE:  "e",
	mach.CondNE: "ne",
	mach.CondL:  "l",
	mach.CondLE: "le",
	mach.CondG:  "g",
	mach.CondGE: "ge",
	mach.CondB:  "b",
	mach.CondBE: "be",
	mach.CondA:  "a",
	mach.CondAE: "ae",
}

// mnemonic names an opcode the way a reader of an x86-64 listing would
// expect; Setcc and Jcc grow the condition as a suffix (sete, jle, ...).
func mnemonic(op mach.Opcode, cond mach.Cond) string {
	name, ok := mnemonicNames[op]
	if !ok {
		return fmt.Sprintf("op%d", op)
	}
	if op == mach.OpSetcc || op == mach.OpJcc {
		if suf, ok := condSuffixes[cond]; ok {
			return name + suf
		}
	}
	return name
}
