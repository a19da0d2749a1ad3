package x64

import (
	"github.com/pkg/errors"

	"github.com/xyproto/nodeback/internal/ir"
	"github.com/xyproto/nodeback/internal/mach"
)

// condCode maps a mach.Cond to the x86 condition-code nibble used by both
// Jcc (0F 80+cc) and Setcc (0F 90+cc).
func condCode(c mach.Cond) byte {
	switch c {
	case mach.CondE:
		return 0x4
	case mach.CondNE:
		return 0x5
	case mach.CondL:
		return 0xC
	case mach.CondGE:
		return 0xD
	case mach.CondLE:
		return 0xE
	case mach.CondG:
		return 0xF
	case mach.CondB:
		return 0x2
	case mach.CondBE:
		return 0x6
	case mach.CondA:
		return 0x7
	case mach.CondAE:
		return 0x3
	default:
		panic("x64: unhandled condition code")
	}
}

// rmOperand is either a register or a memory operand; binary-op emitters
// take one through this so reg/reg and reg/mem share one code path.
type rmOperand struct {
	reg    mach.Reg
	hasReg bool
	mem    mach.Mem
}

func regOperand(r mach.Reg) rmOperand { return rmOperand{reg: r, hasReg: true} }
func memOperand(m mach.Mem) rmOperand { return rmOperand{mem: m} }

// emitRM writes ModR/M (+SIB+disp) for a reg field paired with either
// another register or a memory operand, the shared tail of nearly every
// two-operand instruction (spec.md §4.I).
func (e *Encoder) emitRM(regField byte, rm rmOperand) {
	if rm.hasReg {
		low, _ := regEncoding(rm.reg)
		e.write(modrm(0b11, regField, low))
		return
	}
	e.emitModRMMem(regField, rm.mem)
}

func rexBit(ext bool) byte {
	if ext {
		return 1
	}
	return 0
}

// prefixForWidth emits the 0x66 operand-size prefix for Word-class
// integer ops (spec.md §4.C legalization table).
func (e *Encoder) prefixForWidth(class ir.MachineClass) {
	if class == ir.ClassWord {
		e.write(0x66)
	}
}

// emit dispatches one mach.Instr to its byte encoding. Grounded on
// xyproto/c67's x86_64_codegen.go per-mnemonic methods, restructured
// from "emit directly from an AST node" to "emit from an allocated
// mach.Instr" so the same table serves every isel lowering rule in
// spec.md §4.G.
func (e *Encoder) emit(i *mach.Instr, aligned int) error {
	switch i.Op {
	case OpPrologueMarker:
		return nil // prologue is emitted once, outside the per-instruction loop
	case mach.OpEpilogue:
		e.emitEpilogue(aligned)
		return nil
	case mach.OpNop:
		e.emitNop(1)
		return nil
	case mach.OpSyscall:
		e.write(0x0F, 0x05)
		return nil
	case mach.OpUD2:
		e.write(0x0F, 0x0B)
		return nil
	case mach.OpLabel:
		return nil // the label's offset was already stamped by EncodeFunction
	case mach.OpPush:
		low, ext := regEncoding(i.Uses[0])
		e.maybeREX(false, 0, 0, rexBit(ext))
		e.write(0x50 + low)
		return nil
	case mach.OpPop:
		low, ext := regEncoding(i.Defs[0])
		e.maybeREX(false, 0, 0, rexBit(ext))
		e.write(0x58 + low)
		return nil
	case mach.OpMovImm:
		return e.emitMovImm(i)
	case mach.OpMovRR:
		return e.emitMovRR(i)
	case mach.OpMovRM:
		return e.emitMovRM(i)
	case mach.OpMovMR:
		return e.emitMovMR(i)
	case mach.OpMovZX, mach.OpMovSX:
		return e.emitMovExtend(i)
	case mach.OpLea:
		return e.emitLea(i)
	case mach.OpAdd, mach.OpSub, mach.OpAnd, mach.OpOr, mach.OpXor, mach.OpCmp:
		return e.emitIntBinary(i)
	case mach.OpTest:
		return e.emitTest(i)
	case mach.OpImul:
		return e.emitImul(i)
	case mach.OpImulImm:
		return e.emitImulImm(i)
	case mach.OpNot, mach.OpNeg:
		return e.emitUnaryGroup3(i)
	case mach.OpShl, mach.OpShr, mach.OpSar:
		return e.emitShift(i)
	case mach.OpSetcc:
		return e.emitSetcc(i)
	case mach.OpJmp:
		e.emitJmp(i)
		return nil
	case mach.OpJcc:
		e.emitJcc(i)
		return nil
	case mach.OpCallSym:
		e.emitCallSym(i)
		return nil
	case mach.OpCallReg:
		return e.emitCallReg(i)
	case mach.OpUcomi:
		return e.emitUcomi(i)
	case mach.OpCvt:
		return e.emitCvt(i)
	case mach.OpAddSSE, mach.OpSubSSE, mach.OpMulSSE, mach.OpDivSSE:
		return e.emitSSEArith(i)
	case mach.OpXorSSE:
		return e.emitXorSSE(i)
	case mach.OpReloadSpill:
		return e.emitMovRM(i)
	case mach.OpSpillStore:
		return e.emitMovMR(i)
	default:
		return errors.Errorf("x64: unhandled opcode %d", i.Op)
	}
}

// OpPrologueMarker aliases mach.OpPrologue: isel never needs to emit a
// real prologue instruction (EncodeFunction always synthesizes exactly
// one per function, spec.md §8), but keeping the case explicit documents
// that the opcode is reserved rather than silently falling to default.
const OpPrologueMarker = mach.OpPrologue

func (e *Encoder) emitMovImm(i *mach.Instr) error {
	if i.Flags&mach.FlagMem != 0 {
		return e.emitMovImmToMem(i)
	}
	dst := i.Defs[0]
	low, ext := regEncoding(dst)
	switch i.Class {
	case ir.ClassQword:
		if i.Flags&mach.FlagAbsolute != 0 {
			e.maybeREX(true, 0, 0, rexBit(ext))
			e.write(0xB8 + low)
			e.writeImm64(i.Imm)
			return nil
		}
		e.maybeREX(true, 0, 0, rexBit(ext))
		e.write(0xC7)
		e.write(modrm(0b11, 0, low))
		e.writeImm32(int32(i.Imm))
		return nil
	case ir.ClassWord:
		e.write(0x66)
		e.maybeREX(false, 0, 0, rexBit(ext))
		e.write(0xB8 + low)
		e.write(byte(i.Imm), byte(i.Imm>>8))
		return nil
	case ir.ClassByte:
		e.maybeREX(false, 0, 0, rexBit(ext))
		e.write(0xB0 + low)
		e.write(byte(i.Imm))
		return nil
	default: // Dword: mov r32, imm32 — zero-extends the upper 32 bits
		e.maybeREX(false, 0, 0, rexBit(ext))
		e.write(0xB8 + low)
		e.writeImm32(int32(i.Imm))
		return nil
	}
}

// emitMovImmToMem handles `mov [mem], imm` — store-immediate, the one
// shape OpMovImm takes with FlagMem set (spec.md §4.G store lowering).
func (e *Encoder) emitMovImmToMem(i *mach.Instr) error {
	e.prefixForWidth(i.Class)
	bExt := false
	if i.Mem.HasBase {
		_, bExt = regEncoding(i.Mem.Base)
	}
	xExt := false
	if i.Mem.HasIndex {
		_, xExt = regEncoding(i.Mem.Index)
	}
	w := i.Class == ir.ClassQword
	e.maybeREX(w, 0, rexBit(xExt), rexBit(bExt))
	if i.Class == ir.ClassByte {
		e.write(0xC6)
	} else {
		e.write(0xC7)
	}
	e.emitModRMMem(0, i.Mem)
	switch i.Class {
	case ir.ClassByte:
		e.write(byte(i.Imm))
	case ir.ClassWord:
		e.write(byte(i.Imm), byte(i.Imm>>8))
	default:
		e.writeImm32(int32(i.Imm))
	}
	return nil
}

func (e *Encoder) emitMovRR(i *mach.Instr) error {
	dst, src := i.Defs[0], i.Uses[0]
	if isFloatClass(i.Class) {
		return e.emitSSEOp(0x28, i.Class, dst, regOperand(src))
	}
	dLow, dExt := regEncoding(dst)
	sLow, sExt := regEncoding(src)
	opcode := byte(0x8B)
	switch i.Class {
	case ir.ClassQword:
		e.maybeREX(true, rexBit(dExt), 0, rexBit(sExt))
	case ir.ClassWord:
		e.write(0x66)
		e.maybeREX(false, rexBit(dExt), 0, rexBit(sExt))
	case ir.ClassByte:
		opcode = 0x8A
		e.maybeREX(false, rexBit(dExt), 0, rexBit(sExt))
	default:
		e.maybeREX(false, rexBit(dExt), 0, rexBit(sExt))
	}
	e.write(opcode)
	e.write(modrm(0b11, dLow, sLow))
	return nil
}

func isFloatClass(c ir.MachineClass) bool { return c == ir.ClassSS || c == ir.ClassSD }

// emitSSEOp emits a two-byte-opcode SSE instruction (mandatory prefix
// chosen by class, then 0F <op>), ModR/M against an rmOperand.
func (e *Encoder) emitSSEOp(op byte, class ir.MachineClass, reg mach.Reg, rm rmOperand) error {
	switch class {
	case ir.ClassSD:
		e.write(0xF2)
	case ir.ClassSS:
		e.write(0xF3)
	}
	e.emitSSERex(reg, rm)
	e.write(0x0F, op)
	regLow, _ := regEncoding(reg)
	e.emitRM(regLow, rm)
	return nil
}

func (e *Encoder) emitSSERex(reg mach.Reg, rm rmOperand) {
	_, rExt := regEncoding(reg)
	b := byte(0)
	if rm.hasReg {
		_, bExt := regEncoding(rm.reg)
		b = rexBit(bExt)
	} else if rm.mem.HasBase {
		_, bExt := regEncoding(rm.mem.Base)
		b = rexBit(bExt)
	}
	x := byte(0)
	if rm.mem.HasIndex {
		_, xExt := regEncoding(rm.mem.Index)
		x = rexBit(xExt)
	}
	e.maybeREX(false, rexBit(rExt), x, b)
}

func (e *Encoder) operandOf(i *mach.Instr, useIdx int) rmOperand {
	if i.Flags&mach.FlagMem != 0 {
		return memOperand(i.Mem)
	}
	return regOperand(i.Uses[useIdx])
}

func (e *Encoder) emitMovRM(i *mach.Instr) error {
	dst := i.Defs[0]
	if isFloatClass(i.Class) {
		op := byte(0x10)
		return e.emitSSEOp(op, i.Class, dst, memOperand(i.Mem))
	}
	dLow, dExt := regEncoding(dst)
	e.prefixForWidth(i.Class)
	w := i.Class == ir.ClassQword
	_, bExt := regEncoding(i.Mem.Base)
	xExt := false
	if i.Mem.HasIndex {
		_, xExt = regEncoding(i.Mem.Index)
	}
	e.maybeREX(w, rexBit(dExt), rexBit(xExt), rexBit(bExt))
	if i.Class == ir.ClassByte {
		e.write(0x8A)
	} else {
		e.write(0x8B)
	}
	e.emitModRMMem(dLow, i.Mem)
	return nil
}

func (e *Encoder) emitMovMR(i *mach.Instr) error {
	src := i.Uses[0]
	if isFloatClass(i.Class) {
		return e.emitSSEOp(0x11, i.Class, src, memOperand(i.Mem))
	}
	sLow, sExt := regEncoding(src)
	e.prefixForWidth(i.Class)
	w := i.Class == ir.ClassQword
	_, bExt := regEncoding(i.Mem.Base)
	xExt := false
	if i.Mem.HasIndex {
		_, xExt = regEncoding(i.Mem.Index)
	}
	e.maybeREX(w, rexBit(sExt), rexBit(xExt), rexBit(bExt))
	if i.Class == ir.ClassByte {
		e.write(0x88)
	} else {
		e.write(0x89)
	}
	e.emitModRMMem(sLow, i.Mem)
	return nil
}

// emitMovExtend encodes MovZX/MovSX. i.Imm carries the source operand's
// width in bytes (1, 2, or 4) — the one field on Instr otherwise unused
// by a register-widening move, reused here rather than growing Instr
// with a field only two opcodes need.
func (e *Encoder) emitMovExtend(i *mach.Instr) error {
	dst := i.Defs[0]
	rm := e.operandOf(i, 0)
	dLow, dExt := regEncoding(dst)
	w := i.Class == ir.ClassQword

	if i.Op == mach.OpMovSX && i.Imm == 4 {
		// movsxd: widens a 32-bit value into a 64-bit register, opcode 0x63.
		e.emitRexForRM(w, dExt, rm)
		e.write(0x63)
		e.emitRM(dLow, rm)
		return nil
	}

	e.emitRexForRM(w, dExt, rm)
	e.write(0x0F)
	switch {
	case i.Op == mach.OpMovZX && i.Imm == 1:
		e.write(0xB6)
	case i.Op == mach.OpMovZX && i.Imm == 2:
		e.write(0xB7)
	case i.Op == mach.OpMovSX && i.Imm == 1:
		e.write(0xBE)
	case i.Op == mach.OpMovSX && i.Imm == 2:
		e.write(0xBF)
	default:
		return errors.Errorf("x64: movzx/movsx from unsupported width %d", i.Imm)
	}
	e.emitRM(dLow, rm)
	return nil
}

func (e *Encoder) emitRexForRM(w bool, regExt bool, rm rmOperand) {
	if rm.hasReg {
		_, bExt := regEncoding(rm.reg)
		e.maybeREX(w, rexBit(regExt), 0, rexBit(bExt))
		return
	}
	bExt := false
	if rm.mem.HasBase {
		_, bExt = regEncoding(rm.mem.Base)
	}
	xExt := false
	if rm.mem.HasIndex {
		_, xExt = regEncoding(rm.mem.Index)
	}
	e.maybeREX(w, rexBit(regExt), rexBit(xExt), rexBit(bExt))
}

func (e *Encoder) emitLea(i *mach.Instr) error {
	dst := i.Defs[0]
	dLow, dExt := regEncoding(dst)
	w := i.Class == ir.ClassQword
	bExt := false
	if i.Mem.HasBase {
		_, bExt = regEncoding(i.Mem.Base)
	}
	xExt := false
	if i.Mem.HasIndex {
		_, xExt = regEncoding(i.Mem.Index)
	}
	e.maybeREX(w, rexBit(dExt), rexBit(xExt), rexBit(bExt))
	e.write(0x8D)
	e.emitModRMMem(dLow, i.Mem)
	return nil
}

var binaryOpcode = map[mach.Opcode]struct{ rm, imm, extOpcode byte }{
	mach.OpAdd: {0x03, 0x81, 0},
	mach.OpOr:  {0x0B, 0x81, 1},
	mach.OpAnd: {0x23, 0x81, 4},
	mach.OpSub: {0x2B, 0x81, 5},
	mach.OpXor: {0x33, 0x81, 6},
	mach.OpCmp: {0x3B, 0x81, 7},
}

// emitIntBinary covers the two-address ALU group: add/or/and/sub/xor/cmp
// against a register, memory operand, or immediate (spec.md §4.G
// "Arithmetic: two-address form, dst == first operand").
func (e *Encoder) emitIntBinary(i *mach.Instr) error {
	enc := binaryOpcode[i.Op]
	var dst mach.Reg
	if len(i.Defs) == 0 {
		dst = i.Uses[0] // cmp has no def
	} else {
		dst = i.Defs[0]
	}
	dLow, dExt := regEncoding(dst)
	w := i.Class == ir.ClassQword

	if i.Flags&mach.FlagImmediate != 0 {
		e.prefixForWidth(i.Class)
		e.maybeREX(w, 0, 0, rexBit(dExt))
		if i.Imm >= -128 && i.Imm <= 127 && i.Class != ir.ClassByte {
			e.write(0x83)
			e.write(modrm(0b11, enc.extOpcode, dLow))
			e.write(byte(int8(i.Imm)))
		} else if i.Class == ir.ClassByte {
			e.write(0x80)
			e.write(modrm(0b11, enc.extOpcode, dLow))
			e.write(byte(i.Imm))
		} else {
			e.write(enc.imm)
			e.write(modrm(0b11, enc.extOpcode, dLow))
			e.writeImm32(int32(i.Imm))
		}
		return nil
	}

	rm := e.operandOf(i, 1)
	e.prefixForWidth(i.Class)
	e.emitRexForRM(w, dExt, rm)
	e.write(enc.rm)
	e.emitRM(dLow, rm)
	return nil
}

func (e *Encoder) emitTest(i *mach.Instr) error {
	lhs := i.Uses[0]
	lLow, lExt := regEncoding(lhs)
	w := i.Class == ir.ClassQword
	if i.Flags&mach.FlagImmediate != 0 {
		e.prefixForWidth(i.Class)
		e.maybeREX(w, 0, 0, rexBit(lExt))
		if i.Class == ir.ClassByte {
			e.write(0xF6)
		} else {
			e.write(0xF7)
		}
		e.write(modrm(0b11, 0, lLow))
		if i.Class == ir.ClassByte {
			e.write(byte(i.Imm))
		} else {
			e.writeImm32(int32(i.Imm))
		}
		return nil
	}
	rhs := i.Uses[1]
	_, rExt := regEncoding(rhs)
	e.prefixForWidth(i.Class)
	e.maybeREX(w, rexBit(rExt), 0, rexBit(lExt))
	if i.Class == ir.ClassByte {
		e.write(0x84)
	} else {
		e.write(0x85)
	}
	rLow, _ := regEncoding(rhs)
	e.write(modrm(0b11, rLow, lLow))
	return nil
}

func (e *Encoder) emitImul(i *mach.Instr) error {
	dst := i.Defs[0]
	dLow, dExt := regEncoding(dst)
	w := i.Class == ir.ClassQword
	rm := e.operandOf(i, 1)
	e.emitRexForRM(w, dExt, rm)
	e.write(0x0F, 0xAF)
	e.emitRM(dLow, rm)
	return nil
}

func (e *Encoder) emitImulImm(i *mach.Instr) error {
	dst := i.Defs[0]
	dLow, dExt := regEncoding(dst)
	w := i.Class == ir.ClassQword
	rm := e.operandOf(i, 0)
	e.emitRexForRM(w, dExt, rm)
	if i.Imm >= -128 && i.Imm <= 127 {
		e.write(0x6B)
		e.emitRM(dLow, rm)
		e.write(byte(int8(i.Imm)))
	} else {
		e.write(0x69)
		e.emitRM(dLow, rm)
		e.writeImm32(int32(i.Imm))
	}
	return nil
}

func (e *Encoder) emitUnaryGroup3(i *mach.Instr) error {
	reg := i.Defs[0]
	low, ext := regEncoding(reg)
	w := i.Class == ir.ClassQword
	e.prefixForWidth(i.Class)
	e.maybeREX(w, 0, 0, rexBit(ext))
	if i.Class == ir.ClassByte {
		e.write(0xF6)
	} else {
		e.write(0xF7)
	}
	extOpcode := byte(2)
	if i.Op == mach.OpNeg {
		extOpcode = 3
	}
	e.write(modrm(0b11, extOpcode, low))
	return nil
}

func (e *Encoder) emitShift(i *mach.Instr) error {
	reg := i.Defs[0]
	low, ext := regEncoding(reg)
	w := i.Class == ir.ClassQword
	e.prefixForWidth(i.Class)
	e.maybeREX(w, 0, 0, rexBit(ext))
	if i.Class == ir.ClassByte {
		e.write(0xC0)
	} else {
		e.write(0xC1)
	}
	var extOpcode byte
	switch i.Op {
	case mach.OpShl:
		extOpcode = 4
	case mach.OpShr:
		extOpcode = 5
	case mach.OpSar:
		extOpcode = 7
	}
	e.write(modrm(0b11, extOpcode, low))
	e.write(byte(i.Imm))
	return nil
}

func (e *Encoder) emitSetcc(i *mach.Instr) error {
	reg := i.Defs[0]
	low, ext := regEncoding(reg)
	if ext || low >= 4 {
		e.maybeREX(false, 0, 0, rexBit(ext))
	}
	e.write(0x0F, 0x90+condCode(i.Cond))
	e.write(modrm(0b11, 0, low))
	return nil
}

func (e *Encoder) emitJmp(i *mach.Instr) {
	e.write(0xE9)
	e.recordLabelFixup(i.Target)
}

func (e *Encoder) emitJcc(i *mach.Instr) {
	e.write(0x0F, 0x80+condCode(i.Cond))
	e.recordLabelFixup(i.Target)
}

func (e *Encoder) recordLabelFixup(l *mach.Label) {
	pos := len(e.buf)
	e.writeImm32(0)
	e.pending = append(e.pending, labelFixup{pos: pos, label: l, pcBase: len(e.buf)})
}

func (e *Encoder) emitCallSym(i *mach.Instr) {
	e.write(0xE8)
	e.patches = append(e.patches, ir.Patch{Position: len(e.buf), Target: i.Sym, PCRel: true, Addend: -4})
	e.writeImm32(0)
}

func (e *Encoder) emitCallReg(i *mach.Instr) error {
	reg := i.Uses[0]
	low, ext := regEncoding(reg)
	if ext {
		e.maybeREX(false, 0, 0, rexBit(ext))
	}
	e.write(0xFF)
	e.write(modrm(0b11, 2, low))
	return nil
}

func (e *Encoder) emitUcomi(i *mach.Instr) error {
	op := byte(0x2E)
	rhs := e.operandOf(i, 1)
	switch i.Class {
	case ir.ClassSD:
		e.write(0x66)
	}
	lhsLow, _ := regEncoding(i.Uses[0])
	e.emitSSERex(i.Uses[0], rhs)
	e.write(0x0F, op)
	e.emitRM(lhsLow, rhs)
	return nil
}

// cvtKind values for OpCvt, carried in Instr.Imm — the conversion's
// source/destination shape isn't otherwise expressible with Instr.Class
// alone (spec.md §4.G lowering for IntToFloat/FloatToInt/FloatCast).
const (
	CvtSI2SD = iota
	CvtSI2SS
	CvtTSD2SI
	CvtTSS2SI
	CvtSD2SS
	CvtSS2SD
)

func (e *Encoder) emitCvt(i *mach.Instr) error {
	dst := i.Defs[0]
	rm := e.operandOf(i, 0)
	dLow, _ := regEncoding(dst)
	var prefix, op byte
	w := false
	switch i.Imm {
	case CvtSI2SD:
		prefix, op = 0xF2, 0x2A
		w = i.Class == ir.ClassQword
	case CvtSI2SS:
		prefix, op = 0xF3, 0x2A
		w = i.Class == ir.ClassQword
	case CvtTSD2SI:
		prefix, op = 0xF2, 0x2C
		w = i.Class == ir.ClassQword
	case CvtTSS2SI:
		prefix, op = 0xF3, 0x2C
		w = i.Class == ir.ClassQword
	case CvtSD2SS:
		prefix, op = 0xF2, 0x5A
	case CvtSS2SD:
		prefix, op = 0xF3, 0x5A
	default:
		return errors.Errorf("x64: unknown cvt kind %d", i.Imm)
	}
	e.write(prefix)
	e.emitRexForRM(w, false, rm)
	e.write(0x0F, op)
	e.emitRM(dLow, rm)
	return nil
}

var sseArithOp = map[mach.Opcode]byte{
	mach.OpAddSSE: 0x58,
	mach.OpSubSSE: 0x5C,
	mach.OpMulSSE: 0x59,
	mach.OpDivSSE: 0x5E,
}

func (e *Encoder) emitSSEArith(i *mach.Instr) error {
	dst := i.Defs[0]
	rm := e.operandOf(i, 1)
	return e.emitSSEOp(sseArithOp[i.Op], i.Class, dst, rm)
}

func (e *Encoder) emitXorSSE(i *mach.Instr) error {
	dst := i.Defs[0]
	rm := e.operandOf(i, 1)
	if i.Class == ir.ClassSD {
		e.write(0x66)
	}
	e.emitSSERex(dst, rm)
	e.write(0x0F, 0x57)
	dLow, _ := regEncoding(dst)
	e.emitRM(dLow, rm)
	return nil
}
