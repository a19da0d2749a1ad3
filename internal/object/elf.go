package object

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/xyproto/nodeback/internal/ir"
)

// ELF64 constants this writer needs (spec.md §6 "ELF (Linux): ELF64
// little-endian, ET_REL, machine EM_X86_64"). Grounded on
// elf_sections.go's SHT_*/SHF_*/STB_*/STT_* constant block, narrowed to
// the relocatable-object subset (no SHT_DYNAMIC/SHT_HASH, no PT_* at
// all — ET_REL objects carry no program headers).
const (
	etRel     = 1
	emX8664   = 62
	elfClass64 = 2
	elfData2LSB = 1
	elfVersionCurrent = 1
	elfOSABINone = 0

	shtNull     = 0
	shtProgbits = 1
	shtSymtab   = 2
	shtStrtab   = 3
	shtRela     = 4
	shtNobits   = 8

	shfWrite     = 0x1
	shfAlloc     = 0x2
	shfExecinstr = 0x4
	shfTLS       = 0x400

	stbLocal  = 0
	stbGlobal = 1
	sttNotype = 0
	sttSection = 3
	sttFunc   = 2
	sttObject = 1

	shnUndef = 0

	rX8664PC32  = 2
	rX8664PLT32 = 4
)

type elfWriter struct{}

// elfShdr mirrors Elf64_Shdr field order exactly, so writing one is a
// straight sequence of binary.Write calls (spec.md §4.J step 4: "header
// size → section headers → section raw data → relocation tables →
// symbol table → string table").
type elfShdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

type elfSym struct {
	Name  uint32
	Info  byte
	Other byte
	Shndx uint16
	Value uint64
	Size  uint64
}

type elfRela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func elfSymInfo(bind, typ byte) byte { return bind<<4 | (typ & 0xf) }

// Write lays out an ELF64 ET_REL object: one PROGBITS section per
// ir.Section (empty ones included), one RELA section per section that ended up with
// relocations, a combined STB_LOCAL-then-STB_GLOBAL symbol table,
// .strtab, and .shstrtab (spec.md §4.J, §6).
func (w *elfWriter) Write(m *ir.Module) ([]byte, error) {
	sections := m.Sections()

	raws := make([][]byte, len(sections))
	for i, sec := range sections {
		raws[i] = layoutSection(sec)
	}

	lt := buildLayout(m)
	patches := resolvePatches(m, lt, sections)
	for i := range sections {
		rewriteInternalCalls(raws[i], lt, patchesFor(patches, i))
	}
	relocs := emittedRelocations(patches)

	shstrtab := newStringTable(true)
	strtab := newStringTable(true)

	// Symbol ordering: null, then every STB_LOCAL symbol, then every
	// STB_GLOBAL symbol (spec.md §6: "symbols with STB_LOCAL preceding
	// STB_GLOBAL"). Record each symbol's final table index so
	// relocations can reference it.
	symIndex := make(map[ir.SymbolID]uint32)
	var syms []elfSym
	syms = append(syms, elfSym{}) // index 0: null symbol

	appendSym := func(id ir.SymbolID, bind byte) {
		s := m.Syms.Get(id)
		typ := byte(sttNotype)
		shndx := uint16(shnUndef)
		value := uint64(0)
		size := uint64(0)
		switch s.Tag {
		case ir.SymFunction:
			typ = sttFunc
			shndx = uint16(s.Section + 1) // +1: every PROGBITS section is placed before any .rela section, so ir.Section.Index maps straight to output index - 1
			value = uint64(lt.value[id])
		case ir.SymGlobal:
			typ = sttObject
			shndx = uint16(s.Section + 1)
			value = uint64(lt.value[id])
		case ir.SymExternal:
			shndx = shnUndef
		}
		nameOff := strtab.add(s.Name)
		symIndex[id] = uint32(len(syms))
		syms = append(syms, elfSym{Name: nameOff, Info: elfSymInfo(bind, typ), Shndx: shndx, Value: value, Size: uint64(size)})
	}

	var locals, globals []ir.SymbolID
	for _, id := range m.Syms.All() {
		s := m.Syms.Get(id)
		if s.Tag == ir.SymNone || s.Tag == ir.SymTombstone {
			continue
		}
		if s.Tag == ir.SymExternal || s.Link == ir.LinkPublic || s.Link == ir.LinkSOExport {
			globals = append(globals, id)
		} else {
			locals = append(locals, id)
		}
	}
	for _, id := range locals {
		appendSym(id, stbLocal)
	}
	firstGlobal := uint32(len(syms))
	for _, id := range globals {
		appendSym(id, stbGlobal)
	}

	// --- Section layout ---
	// Index plan: 0 = SHN_UNDEF/null, 1..N = one PROGBITS per ir.Section,
	// then one SHT_RELA per section that has relocations, then .symtab,
	// .strtab, .shstrtab.
	type outSec struct {
		shdr elfShdr
		data []byte
	}
	var out []outSec
	out = append(out, outSec{}) // null section header

	secNameOff := make([]uint32, len(sections))
	for i, sec := range sections {
		secNameOff[i] = shstrtab.add(sec.Name)
	}

	relaShdrIdx := make([]int, len(sections))
	for i := range relaShdrIdx {
		relaShdrIdx[i] = -1
	}

	for i, sec := range sections {
		flags := uint64(shfAlloc)
		if sec.Flags&ir.SectionWrite != 0 {
			flags |= shfWrite
		}
		if sec.Flags&ir.SectionExec != 0 {
			flags |= shfExecinstr
		}
		if sec.Flags&ir.SectionTLS != 0 {
			flags |= shfTLS
		}
		out = append(out, outSec{
			shdr: elfShdr{Name: secNameOff[i], Type: shtProgbits, Flags: flags, Size: uint64(len(raws[i])), Addralign: 16},
			data: raws[i],
		})
	}

	for i, sec := range sections {
		rs := patchesFor(relocs, i)
		if len(rs) == 0 {
			continue
		}
		var buf []byte
		for _, rp := range rs {
			symID, ok := symIndex[rp.Target]
			if !ok {
				return nil, errors.Errorf("object: relocation against unassigned symbol %d", rp.Target)
			}
			relType := uint64(rX8664PC32)
			if m.Syms.Get(rp.Target).Tag == ir.SymExternal {
				relType = rX8664PLT32
			}
			rela := elfRela{
				Offset: uint64(rp.fromOffset + rp.Position),
				Info:   uint64(symID)<<32 | relType,
				Addend: int64(rp.Addend),
			}
			buf = appendRela(buf, rela)
		}
		relaShdrIdx[i] = len(out)
		out = append(out, outSec{
			shdr: elfShdr{
				Name: shstrtab.add(".rela" + sec.Name), Type: shtRela, Flags: 0,
				Size: uint64(len(buf)), Link: 0 /* patched below */, Info: uint32(i + 1),
				Addralign: 8, Entsize: 24,
			},
			data: buf,
		})
	}

	symtabIdx := len(out)
	var symtabBuf []byte
	for _, s := range syms {
		symtabBuf = encodeSym(s, symtabBuf)
	}
	out = append(out, outSec{
		shdr: elfShdr{Name: shstrtab.add(".symtab"), Type: shtSymtab, Size: uint64(len(symtabBuf)),
			Link: uint32(symtabIdx + 2) /* .strtab index, fixed below */, Info: firstGlobal, Addralign: 8, Entsize: 24},
		data: symtabBuf,
	})

	strtabIdx := len(out)
	out = append(out, outSec{
		shdr: elfShdr{Name: shstrtab.add(".strtab"), Type: shtStrtab, Size: uint64(len(strtab.bytes())), Addralign: 1},
		data: strtab.bytes(),
	})
	out[symtabIdx].shdr.Link = uint32(strtabIdx)

	shstrtabIdx := len(out)
	out = append(out, outSec{
		shdr: elfShdr{Name: shstrtab.add(".shstrtab"), Type: shtStrtab, Size: uint64(len(shstrtab.bytes())), Addralign: 1},
		data: shstrtab.bytes(),
	})

	for i := range sections {
		if relaShdrIdx[i] >= 0 {
			out[relaShdrIdx[i]].shdr.Link = uint32(symtabIdx)
		}
	}

	// --- Assemble file ---
	const ehdrSize = 64
	const shdrSize = 64
	offset := ehdrSize
	for i := range out {
		if i == 0 {
			continue
		}
		offset = align8(offset)
		out[i].shdr.Offset = uint64(offset)
		offset += len(out[i].data)
	}
	shoff := align8(offset)

	buf := make([]byte, 0, shoff+len(out)*shdrSize)
	buf = append(buf, elfHeader(uint64(shoff), uint16(len(out)), uint16(shstrtabIdx))...)
	for i := range out {
		if i == 0 {
			continue
		}
		for len(buf) < int(out[i].shdr.Offset) {
			buf = append(buf, 0)
		}
		buf = append(buf, out[i].data...)
	}
	for len(buf) < shoff {
		buf = append(buf, 0)
	}
	for i := range out {
		buf = appendShdr(buf, out[i].shdr)
	}

	return buf, nil
}

func patchesFor(patches []resolvedPatch, sectionIdx int) []resolvedPatch {
	var out []resolvedPatch
	for _, p := range patches {
		if p.fromSection == sectionIdx {
			out = append(out, p)
		}
	}
	return out
}

func elfHeader(shoff uint64, shnum, shstrndx uint16) []byte {
	var b [64]byte
	copy(b[0:4], []byte{0x7F, 'E', 'L', 'F'})
	b[4] = elfClass64
	b[5] = elfData2LSB
	b[6] = elfVersionCurrent
	b[7] = elfOSABINone
	binary.LittleEndian.PutUint16(b[16:], etRel)
	binary.LittleEndian.PutUint16(b[18:], emX8664)
	binary.LittleEndian.PutUint32(b[20:], elfVersionCurrent)
	// e_entry, e_phoff stay zero: ET_REL has no entry point or program headers.
	binary.LittleEndian.PutUint64(b[40:], shoff)
	binary.LittleEndian.PutUint16(b[52:], 64) // e_ehsize
	binary.LittleEndian.PutUint16(b[58:], 64) // e_shentsize
	binary.LittleEndian.PutUint16(b[60:], shnum)
	binary.LittleEndian.PutUint16(b[62:], shstrndx)
	return b[:]
}

func appendShdr(buf []byte, s elfShdr) []byte {
	var b [64]byte
	binary.LittleEndian.PutUint32(b[0:], s.Name)
	binary.LittleEndian.PutUint32(b[4:], s.Type)
	binary.LittleEndian.PutUint64(b[8:], s.Flags)
	binary.LittleEndian.PutUint64(b[16:], s.Addr)
	binary.LittleEndian.PutUint64(b[24:], s.Offset)
	binary.LittleEndian.PutUint64(b[32:], s.Size)
	binary.LittleEndian.PutUint32(b[40:], s.Link)
	binary.LittleEndian.PutUint32(b[44:], s.Info)
	binary.LittleEndian.PutUint64(b[48:], s.Addralign)
	binary.LittleEndian.PutUint64(b[56:], s.Entsize)
	return append(buf, b[:]...)
}

func appendRela(buf []byte, r elfRela) []byte {
	var b [24]byte
	binary.LittleEndian.PutUint64(b[0:], r.Offset)
	binary.LittleEndian.PutUint64(b[8:], r.Info)
	binary.LittleEndian.PutUint64(b[16:], uint64(r.Addend))
	return append(buf, b[:]...)
}

func encodeSym(s elfSym, buf []byte) []byte {
	var b [24]byte
	binary.LittleEndian.PutUint32(b[0:], s.Name)
	b[4] = s.Info
	b[5] = s.Other
	binary.LittleEndian.PutUint16(b[6:], s.Shndx)
	binary.LittleEndian.PutUint64(b[8:], s.Value)
	binary.LittleEndian.PutUint64(b[16:], s.Size)
	return append(buf, b[:]...)
}
