// Package object turns a compiled *ir.Module into the bytes of a
// relocatable object file: COFF on Windows, ELF on Linux (spec.md §1,
// §4.J, §6).
//
// Grounded on xyproto/c67's elf_sections.go/pe.go (the same
// encoding/binary, little-endian, build-as-you-go style of section and
// symbol table construction) but retargeted from an executable/shared
// object writer to a relocatable ET_REL/IMAGE_REL object: no program
// headers, no PLT/GOT, no dynamic section — just sections, a symbol
// table, a string table, and relocations the host linker resolves.
package object

import (
	"github.com/pkg/errors"

	"github.com/xyproto/nodeback/internal/ir"
)

// ErrUnsupportedTarget mirrors ir.ErrUnsupportedTarget for targets this
// package cannot emit an object for (spec.md §7).
var ErrUnsupportedTarget = errors.New("object: unsupported target")

// Writer is the small per-format interface spec.md §9 calls for:
// "emit relocations, layout sections, write a symbol/string table".
// COFF and ELF share section/global layout helpers below but diverge on
// file-header and relocation-record shape, so each gets its own
// implementation rather than a shared base type (spec.md §9: "prefer
// composition over inheritance").
type Writer interface {
	Write(m *ir.Module) ([]byte, error)
}

// For selects the Writer for a target's object format (spec.md §6).
func For(t ir.Target) (Writer, error) {
	switch {
	case t.IsCOFF():
		return &coffWriter{}, nil
	case t.IsELF():
		return &elfWriter{}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedTarget, "%s", t)
	}
}

// stringTable accumulates symbol names for the trailing string table
// both formats use for names that don't fit inline (spec.md §4.J step 7:
// "long names (>8 bytes in COFF, any named symbol in ELF) go through the
// string table"). Grounded on elf_sections.go's DynamicSections.dynstr
// bookkeeping, generalized to a standalone reusable table.
type stringTable struct {
	buf    []byte
	offset map[string]uint32
}

func newStringTable(leadingNUL bool) *stringTable {
	st := &stringTable{offset: make(map[string]uint32)}
	if leadingNUL {
		st.buf = append(st.buf, 0)
	}
	return st
}

// add interns s and returns its byte offset into the table, appending a
// single trailing NUL the first time s is seen.
func (st *stringTable) add(s string) uint32 {
	if off, ok := st.offset[s]; ok {
		return off
	}
	off := uint32(len(st.buf))
	st.buf = append(st.buf, s...)
	st.buf = append(st.buf, 0)
	st.offset[s] = off
	return off
}

func (st *stringTable) bytes() []byte { return st.buf }

// layoutTable maps a symbol's defining function or global to its offset
// within its section's raw data (the section comes from the symbol
// itself), used by both writers to (a) decide whether a call patch is internal (spec.md
// §4.J step 5) and (b) compute a relocation's r_offset/symbol value.
type layoutTable struct {
	// value[sym] is the byte offset of sym's definition within its
	// owning section's raw data; absent for external symbols.
	value map[ir.SymbolID]int
}

func buildLayout(m *ir.Module) *layoutTable {
	lt := &layoutTable{value: make(map[ir.SymbolID]int)}
	for _, sec := range m.Sections() {
		for _, fn := range sec.Functions {
			lt.value[fn.Symbol] = fn.Compiled.CodeOffset
		}
		for _, g := range sec.Globals {
			lt.value[g.Symbol] = g.RawOffset
		}
	}
	return lt
}

// layoutSection concatenates every function's compiled code (and every
// global's initialized data) into one contiguous raw-data buffer,
// assigning CodeOffset/RawOffset as it goes (spec.md §4.J step 4: "raw
// data"). Returns the buffer; BSS-style zero globals (Data == nil)
// contribute only to size, never to the buffer, and must live in their
// own uninitialized section in a fuller implementation — this core
// always has Data populated (internal/ir never creates pure-BSS
// globals, see DESIGN.md).
func layoutSection(sec *ir.Section) []byte {
	var buf []byte
	for _, fn := range sec.Functions {
		fn.Compiled.CodeOffset = len(buf)
		buf = append(buf, fn.Compiled.Code...)
	}
	for _, g := range sec.Globals {
		if pad := alignPad(len(buf), g.Align); pad > 0 {
			buf = append(buf, make([]byte, pad)...)
		}
		g.RawOffset = len(buf)
		if g.Data != nil {
			buf = append(buf, g.Data...)
		} else {
			buf = append(buf, make([]byte, g.Size)...)
		}
	}
	return buf
}

func alignPad(offset, align int) int {
	if align <= 1 {
		return 0
	}
	rem := offset % align
	if rem == 0 {
		return 0
	}
	return align - rem
}

func align8(n int) int { return (n + 7) &^ 7 }

// resolvedPatch is one patch after spec.md §4.J step 5's internal/
// external classification.
type resolvedPatch struct {
	ir.Patch
	fromSection int
	fromOffset  int // base offset of the owning function/global within fromSection's raw data
}

// resolvePatches walks every function and initialized-global patch and,
// for those whose target is defined in the same section, rewrites the
// call/lea displacement in place and marks it internal — otherwise
// leaves it to be emitted as a format-specific relocation (spec.md §4.J
// step 5).
func resolvePatches(m *ir.Module, lt *layoutTable, sections []*ir.Section) []resolvedPatch {
	var out []resolvedPatch
	for secIdx, sec := range sections {
		for _, fn := range sec.Functions {
			base := fn.Compiled.CodeOffset
			for i := range fn.Compiled.Patches {
				p := &fn.Compiled.Patches[i]
				resolveOne(m, lt, p, sec.Index)
				out = append(out, resolvedPatch{Patch: *p, fromSection: secIdx, fromOffset: base})
			}
		}
		for _, g := range sec.Globals {
			base := g.RawOffset
			for i := range g.Patches {
				p := &g.Patches[i]
				resolveOne(m, lt, p, sec.Index)
				out = append(out, resolvedPatch{Patch: *p, fromSection: secIdx, fromOffset: base})
			}
		}
	}
	return out
}

// resolveOne marks p internal when its target is a function or global
// defined in the same section as the patch site: the displacement can
// be computed now instead of deferred to the linker (spec.md §4.J step
// 5). PC-relative only — an absolute ADDR64 patch always needs a
// relocation, since the linker (not this writer) knows the final
// load address.
func resolveOne(m *ir.Module, lt *layoutTable, p *ir.Patch, ownSectionIndex int) {
	sym := m.Syms.Get(p.Target)
	if sym.Tag == ir.SymExternal || sym.Section != ownSectionIndex {
		return
	}
	if _, ok := lt.value[p.Target]; !ok || !p.PCRel {
		return
	}
	p.Internal = true
}

// emittedRelocations filters resolvePatches' output down to the patches
// that still need a relocation record (spec.md §4.J step 6), in
// (section, position) order.
func emittedRelocations(patches []resolvedPatch) []resolvedPatch {
	var out []resolvedPatch
	for _, p := range patches {
		if !p.Internal {
			out = append(out, p)
		}
	}
	return out
}

// rewriteInternalCalls patches the already-laid-out section raw data in
// place for every patch resolveOne marked internal, writing the rel32
// displacement (or absolute value for ADDR64-style patches) directly
// into raw.
func rewriteInternalCalls(raw []byte, lt *layoutTable, patches []resolvedPatch) {
	for _, rp := range patches {
		if !rp.Internal {
			continue
		}
		targetOffset, ok := lt.value[rp.Target]
		if !ok {
			continue
		}
		pos := rp.fromOffset + rp.Position
		if rp.PCRel {
			rel := int32(targetOffset) - int32(pos) + rp.Addend
			putInt32(raw, pos, rel)
		} else {
			putInt64(raw, pos, int64(targetOffset))
		}
	}
}

func putInt32(buf []byte, pos int, v int32) {
	buf[pos] = byte(v)
	buf[pos+1] = byte(v >> 8)
	buf[pos+2] = byte(v >> 16)
	buf[pos+3] = byte(v >> 24)
}

func putInt64(buf []byte, pos int, v int64) {
	for i := 0; i < 8; i++ {
		buf[pos+i] = byte(v >> (8 * i))
	}
}
