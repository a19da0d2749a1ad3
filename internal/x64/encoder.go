package x64

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/xyproto/nodeback/internal/ir"
	"github.com/xyproto/nodeback/internal/mach"
)

// Encoder produces raw bytes for one function's fully allocated
// instruction list: prefixes → REX → opcode → ModR/M → SIB →
// displacement → immediate, per spec.md §4.I. Grounded on xyproto/c67's
// x86_64_codegen.go (same byte-order-of-operations, generalized from
// string-named registers and immediate emission to numeric Reg operands
// so the allocator's output plugs in directly).
type Encoder struct {
	buf     []byte
	patches []ir.Patch
	labels  map[*mach.Label]bool
	pending []labelFixup
}

type labelFixup struct {
	pos    int // offset of the 4-byte placeholder
	label  *mach.Label
	pcBase int // offset of the byte following the placeholder (rel32 base)
}

func NewEncoder() *Encoder {
	return &Encoder{labels: make(map[*mach.Label]bool)}
}

func (e *Encoder) write(b ...byte) { e.buf = append(e.buf, b...) }

func (e *Encoder) writeImm32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) writeImm64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	e.buf = append(e.buf, b[:]...)
}

// regEncoding splits a physical Reg into its 3-bit field and whether the
// 4th (extension) bit is set, uniformly for GPR and XMM (spec.md §4.I).
func regEncoding(r mach.Reg) (low byte, ext bool) {
	enc := r.PIndex()
	if IsXMM(enc) {
		enc -= xmmBase
	}
	return byte(enc & 7), enc >= 8
}

const (
	rexBase = 0x40
	rexW    = 0x08
	rexR    = 0x04
	rexX    = 0x02
	rexB    = 0x01
)

// maybeREX emits a REX prefix iff any bit is needed. It never emits a
// bare REX, so it cannot select the SPL/BPL/SIL/DIL byte registers;
// byte-class operands are expected in AL/CL/DL/BL-style registers
// (spec.md §4.C legalizes <=8 bits to a byte class).
func (e *Encoder) maybeREX(w bool, r, x, b byte) {
	rex := byte(rexBase)
	if w {
		rex |= rexW
	}
	rex |= r << 2
	rex |= x << 1
	rex |= b
	if rex != rexBase {
		e.write(rex)
	}
}

func modrm(mod, reg, rm byte) byte { return mod<<6 | (reg&7)<<3 | (rm & 7) }
func sib(scale, index, base byte) byte { return scale<<6 | (index&7)<<3 | (base & 7) }

func scaleBits(scale uint8) byte {
	switch scale {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		panic("x64: invalid SIB scale")
	}
}

// emitModRMMem writes the ModR/M (+SIB, +disp) bytes for a register
// operand paired with a memory operand, covering every addressing form
// in spec.md §4.I: [base], [base+disp8/32], [base+index*s],
// [base+index*s+disp], [rip+disp32].
func (e *Encoder) emitModRMMem(regField byte, m mach.Mem) {
	if m.RIPRelative {
		e.write(modrm(0b00, regField, 0b101))
		if m.HasSym {
			e.patches = append(e.patches, ir.Patch{Position: len(e.buf), Target: m.Sym, PCRel: true, Addend: -4})
		}
		e.writeImm32(m.Disp)
		return
	}
	baseLow, _ := regEncoding(m.Base)
	needsSIB := m.HasIndex || (baseLow&7) == 0b100 // rsp/r12 always need a SIB byte
	dispSize := dispSizeFor(m, baseLow)

	mod := byte(0b00)
	switch dispSize {
	case 1:
		mod = 0b01
	case 4:
		mod = 0b10
	}
	if !m.HasBase {
		mod = 0b00 // disp32-only [index*s+disp] handled via SIB base=101
	}

	rm := baseLow
	if needsSIB {
		rm = 0b100
	}
	e.write(modrm(mod, regField, rm))

	if needsSIB {
		indexLow := byte(0b100) // no index
		scale := byte(0)
		if m.HasIndex {
			indexLow, _ = regEncoding(m.Index)
			scale = scaleBits(m.Scale)
		}
		base := baseLow
		if !m.HasBase {
			base = 0b101 // disp32, no base
			mod = 0b00
		}
		e.write(sib(scale, indexLow, base))
		if !m.HasBase {
			e.writeImm32(m.Disp)
			return
		}
	}
	switch dispSize {
	case 1:
		e.write(byte(int8(m.Disp)))
	case 4:
		e.writeImm32(m.Disp)
	}
}

// dispSizeFor picks 0/1/4 displacement bytes. [rbp]/[r13] with a zero
// displacement still needs an explicit disp8=0, since mod=00,rm=101 is
// the RIP-relative/disp32-only encoding (spec.md §4.I addressing forms).
func dispSizeFor(m mach.Mem, baseLow byte) int {
	if !m.HasBase {
		return 4
	}
	if m.Disp == 0 && baseLow != 0b101 {
		return 0
	}
	if m.Disp >= -128 && m.Disp <= 127 {
		return 1
	}
	return 4
}

// EncodeFunction lays out prologue, body, and epilogue for fn's final
// (fully physical-register) instruction list, pads to 16 bytes with
// canonical multi-byte NOPs (spec.md §8 "prologue + body + epilogue
// bytes are a multiple of 16 bytes"), and resolves internal labels.
func (e *Encoder) EncodeFunction(body *mach.List, stackSize int, usesFramePtr bool) (*ir.CompiledFunction, error) {
	cf := &ir.CompiledFunction{StackSize: stackSize, UsesFramePtr: usesFramePtr}

	aligned := alignStack(stackSize)

	if usesFramePtr {
		e.emitPrologue(aligned)
		cf.PrologueLength = len(e.buf)
	}

	for i := body.Head; i != nil; i = i.Next {
		// OpLabel is a zero-byte pseudo-instruction: its Target is the
		// label it defines at the current position, not a branch
		// destination (Jmp/Jcc/CallSym reuse the same field for that).
		if i.Op == mach.OpLabel && i.Target != nil {
			i.Target.Offset = len(e.buf)
			i.Target.Resolved = true
		}
		if err := e.emit(i, aligned); err != nil {
			return nil, errors.Wrapf(err, "node %d", i.Node)
		}
	}

	if err := e.resolveLabels(); err != nil {
		return nil, err
	}

	for len(e.buf)%16 != 0 {
		e.emitNop(16 - len(e.buf)%16)
	}

	cf.Code = e.buf
	cf.Patches = e.patches
	return cf, nil
}

// alignStack rounds a local-variable stack allocation up to 16 bytes,
// the System V / Win64-shared stack alignment requirement at a call
// boundary (spec.md §6).
func alignStack(n int) int {
	const align = 16
	return (n + align - 1) / align * align
}

func (e *Encoder) emitPrologue(aligned int) {
	e.write(0x55)             // push rbp
	e.write(0x48, 0x89, 0xE5) // mov rbp, rsp
	if aligned > 0 {
		if aligned <= 127 {
			e.write(0x48, 0x83, 0xEC, byte(aligned)) // sub rsp, imm8
		} else {
			e.write(0x48, 0x81, 0xEC)
			e.writeImm32(int32(aligned))
		}
	}
}

func (e *Encoder) emitEpilogue(aligned int) {
	if aligned > 0 {
		if aligned <= 127 {
			e.write(0x48, 0x83, 0xC4, byte(aligned))
		} else {
			e.write(0x48, 0x81, 0xC4)
			e.writeImm32(int32(aligned))
		}
	}
	e.write(0x5D) // pop rbp
	e.write(0xC3) // ret
}

// emitNop pads with canonical multi-byte NOPs up to 9 bytes at a time
// (Intel SDM table of multi-byte NOP encodings), spec.md §4.I "Post-pass
// pads the final instruction stream to a 16-byte boundary with canonical
// multi-byte nops".
var canonicalNops = [][]byte{
	{0x90},
	{0x66, 0x90},
	{0x0F, 0x1F, 0x00},
	{0x0F, 0x1F, 0x40, 0x00},
	{0x0F, 0x1F, 0x44, 0x00, 0x00},
	{0x66, 0x0F, 0x1F, 0x44, 0x00, 0x00},
	{0x0F, 0x1F, 0x80, 0x00, 0x00, 0x00, 0x00},
	{0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x66, 0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

func (e *Encoder) emitNop(n int) {
	for n > 0 {
		chunk := n
		if chunk > 9 {
			chunk = 9
		}
		e.write(canonicalNops[chunk-1]...)
		n -= chunk
	}
}

func (e *Encoder) resolveLabels() error {
	for _, f := range e.pending {
		if !f.label.Resolved {
			return errors.Errorf("x64: unresolved branch target %q", f.label.Name)
		}
		rel := int32(f.label.Offset - f.pos - 4)
		binary.LittleEndian.PutUint32(e.buf[f.pos:], uint32(rel))
	}
	return nil
}
