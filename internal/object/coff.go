package object

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/xyproto/nodeback/internal/ir"
)

// COFF constants (spec.md §6 "COFF (Windows): machine AMD64 = 0x8664 …
// symbols laid out as 18-byte records; string table prefixed with its
// 4-byte length"). Grounded on pe.go's header/characteristics constant
// block, narrowed to the object-file (not image) subset: no DOS stub, no
// optional header, no data directories — those exist only in linked
// images, not in the .obj the linker consumes.
const (
	coffMachineAMD64 = 0x8664

	coffSectionSizeBytes = 40
	coffSymbolSizeBytes  = 18
	coffRelocSizeBytes   = 10

	imageScnCntCode           = 0x00000020
	imageScnCntInitializedData = 0x00000040
	imageScnMemExecute        = 0x20000000
	imageScnMemRead           = 0x40000000
	imageScnMemWrite          = 0x80000000
	imageScnAlign16Bytes      = 0x00500000

	imageRelAMD64REL32   = 0x0004
	imageRelAMD64ADDR64  = 0x0001
	imageRelAMD64SECREL  = 0x000B
	imageRelAMD64ADDR32NB = 0x0003

	imageSymClassExternal = 2
	imageSymClassStatic   = 3
	imageSymClassSection  = 104

	// coffFixedTimestamp is written instead of the current time, per
	// spec.md §9: "COFF timestamp is fixed to a constant in the source;
	// preserve this for reproducibility".
	coffFixedTimestamp = 0
)

type coffWriter struct{}

type coffSectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

type coffSymbol struct {
	Name               [8]byte
	Value              uint32
	SectionNumber      int16
	Type               uint16
	StorageClass       byte
	NumberOfAuxSymbols byte
}

type coffReloc struct {
	VirtualAddress   uint32
	SymbolTableIndex uint32
	Type             uint16
}

// pdataEntry is one RUNTIME_FUNCTION tuple (spec.md §4.J step 8:
// "{start_rva, end_rva, unwind_info_rva}").
type pdataEntry struct {
	StartOffset  uint32
	EndOffset    uint32
	UnwindOffset uint32
}

func (w *coffWriter) Write(m *ir.Module) ([]byte, error) {
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

	strtab := newStringTable(false) // COFF string table has no leading NUL, only the 4-byte length prefix

	// --- symbols ---
	// Section symbols first (one STT_SECTION-equivalent per ir.Section,
	// IMAGE_SYM_CLASS_STATIC), then every declared function/global
	// (IMAGE_SYM_CLASS_EXTERNAL for public linkage, STATIC for private),
	// then externals (undefined, EXTERNAL, section number 0).
	var syms []coffSymbol
	symIndex := make(map[ir.SymbolID]uint32)

	setName := func(s *coffSymbol, name string) {
		if len(name) <= 8 {
			copy(s.Name[:], name)
			return
		}
		off := strtab.add(name)
		binary.LittleEndian.PutUint32(s.Name[4:], off)
	}

	for i, sec := range sections {
		var s coffSymbol
		setName(&s, sec.Name)
		s.SectionNumber = int16(i + 1)
		s.StorageClass = imageSymClassStatic
		syms = append(syms, s)
	}

	appendDefined := func(id ir.SymbolID) {
		sym := m.Syms.Get(id)
		var s coffSymbol
		setName(&s, sym.Name)
		s.Value = uint32(lt.value[id])
		s.SectionNumber = int16(sym.Section + 1)
		cls := byte(imageSymClassStatic)
		if sym.Link == ir.LinkPublic || sym.Link == ir.LinkSOExport {
			cls = imageSymClassExternal
		}
		s.StorageClass = cls
		symIndex[id] = uint32(len(syms))
		syms = append(syms, s)
	}

	appendExternal := func(id ir.SymbolID) {
		sym := m.Syms.Get(id)
		var s coffSymbol
		setName(&s, sym.Name)
		s.SectionNumber = 0 // IMAGE_SYM_UNDEFINED
		s.StorageClass = imageSymClassExternal
		symIndex[id] = uint32(len(syms))
		syms = append(syms, s)
	}

	for _, id := range m.Syms.All() {
		sym := m.Syms.Get(id)
		switch sym.Tag {
		case ir.SymFunction, ir.SymGlobal:
			appendDefined(id)
		case ir.SymExternal:
			appendExternal(id)
		}
	}

	// --- pdata/xdata (one per function that establishes a frame, §4.J
	// step 8) ---
	// pdataFnSym[i] is the function symbol pdata[i]'s start/end fields
	// are relocated against (both ADDR32NB, addend 0 and code-length
	// respectively); pdata[i].UnwindOffset is relocated against the
	// .xdata section symbol created below.
	var xdata []byte
	var pdata []pdataEntry
	var pdataFnSym []ir.SymbolID
	for _, sec := range sections {
		if sec != m.Text {
			continue
		}
		for _, fn := range sec.Functions {
			if !fn.Compiled.UsesFramePtr {
				continue
			}
			unwindOff := uint32(len(xdata))
			xdata = append(xdata, encodeUnwindInfo(fn)...)
			pdata = append(pdata, pdataEntry{
				StartOffset:  0,
				EndOffset:    uint32(len(fn.Compiled.Code)),
				UnwindOffset: unwindOff,
			})
			pdataFnSym = append(pdataFnSym, fn.Symbol)
		}
	}

	// .pdata/.xdata get their own static section symbols so pdata's
	// ADDR32NB relocations (below) have something to target - their
	// section numbers are deterministic (always the two sections right
	// after every ir.Section, in that order).
	var xdataSymIndex uint32
	if len(pdata) > 0 {
		var ps, xs coffSymbol
		setName(&ps, ".pdata")
		ps.SectionNumber = int16(len(sections) + 1)
		ps.StorageClass = imageSymClassStatic
		syms = append(syms, ps)

		setName(&xs, ".xdata")
		xs.SectionNumber = int16(len(sections) + 2)
		xs.StorageClass = imageSymClassStatic
		xdataSymIndex = uint32(len(syms))
		syms = append(syms, xs)
	}

	// --- section headers + raw data layout ---
	type outSec struct {
		hdr  coffSectionHeader
		data []byte
		// relocations belonging to this section, already in final form
		relocData []byte
		numRelocs int
	}

	var out []outSec
	for i, sec := range sections {
		var hdr coffSectionHeader
		setSectionName(&hdr, sec.Name, strtab)
		hdr.SizeOfRawData = uint32(len(raws[i]))
		hdr.Characteristics = imageScnAlign16Bytes
		if sec.Flags&ir.SectionExec != 0 {
			hdr.Characteristics |= imageScnCntCode | imageScnMemExecute | imageScnMemRead
		} else {
			hdr.Characteristics |= imageScnCntInitializedData | imageScnMemRead
			if sec.Flags&ir.SectionWrite != 0 {
				hdr.Characteristics |= imageScnMemWrite
			}
		}

		var relocBuf []byte
		n := 0
		for _, rp := range patchesFor(relocs, i) {
			symID, ok := symIndex[rp.Target]
			if !ok {
				return nil, errors.Errorf("object: relocation against unassigned symbol %d", rp.Target)
			}
			relType := uint16(imageRelAMD64REL32)
			r := coffReloc{VirtualAddress: uint32(rp.fromOffset + rp.Position), SymbolTableIndex: symID, Type: relType}
			relocBuf = appendCoffReloc(relocBuf, r)
			n++
		}

		out = append(out, outSec{hdr: hdr, data: raws[i], relocData: relocBuf, numRelocs: n})
	}

	if len(pdata) > 0 {
		var pdataBuf []byte
		var pdataRelocs []byte
		for i, p := range pdata {
			base := uint32(i * 12)
			fnSymIdx, ok := symIndex[pdataFnSym[i]]
			if !ok {
				return nil, errors.Errorf("object: pdata entry references unassigned function symbol %d", pdataFnSym[i])
			}
			pdataRelocs = appendCoffReloc(pdataRelocs, coffReloc{VirtualAddress: base + 0, SymbolTableIndex: fnSymIdx, Type: imageRelAMD64ADDR32NB})
			pdataRelocs = appendCoffReloc(pdataRelocs, coffReloc{VirtualAddress: base + 4, SymbolTableIndex: fnSymIdx, Type: imageRelAMD64ADDR32NB})
			pdataRelocs = appendCoffReloc(pdataRelocs, coffReloc{VirtualAddress: base + 8, SymbolTableIndex: xdataSymIndex, Type: imageRelAMD64ADDR32NB})
			pdataBuf = appendPdata(pdataBuf, p)
		}
		var hdr coffSectionHeader
		setSectionName(&hdr, ".pdata", strtab)
		hdr.SizeOfRawData = uint32(len(pdataBuf))
		hdr.Characteristics = imageScnCntInitializedData | imageScnMemRead | imageScnAlign16Bytes
		out = append(out, outSec{hdr: hdr, data: pdataBuf, relocData: pdataRelocs, numRelocs: len(pdata) * 3})

		var hdr2 coffSectionHeader
		setSectionName(&hdr2, ".xdata", strtab)
		hdr2.SizeOfRawData = uint32(len(xdata))
		hdr2.Characteristics = imageScnCntInitializedData | imageScnMemRead | imageScnAlign16Bytes
		out = append(out, outSec{hdr: hdr2, data: xdata})
	}

	// --- assemble file ---
	const fileHeaderSize = 20
	numSections := len(out)
	offset := fileHeaderSize + numSections*coffSectionSizeBytes

	for i := range out {
		out[i].hdr.PointerToRawData = uint32(offset)
		offset += len(out[i].data)
	}
	for i := range out {
		if out[i].numRelocs == 0 {
			continue
		}
		out[i].hdr.PointerToRelocations = uint32(offset)
		out[i].hdr.NumberOfRelocations = uint16(out[i].numRelocs)
		offset += len(out[i].relocData)
	}
	symtabOffset := offset
	var symtabBuf []byte
	for _, s := range syms {
		symtabBuf = appendCoffSymbol(symtabBuf, s)
	}

	buf := make([]byte, 0, symtabOffset+len(symtabBuf)+len(strtab.bytes()))
	buf = appendCoffFileHeader(buf, uint16(numSections), uint32(symtabOffset), uint32(len(syms)))
	for i := range out {
		buf = appendCoffSectionHeader(buf, out[i].hdr)
	}
	for i := range out {
		buf = append(buf, out[i].data...)
	}
	for i := range out {
		buf = append(buf, out[i].relocData...)
	}
	buf = append(buf, symtabBuf...)

	strBytes := strtab.bytes()
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(strBytes)+4))
	buf = append(buf, lenPrefix[:]...)
	buf = append(buf, strBytes...)

	return buf, nil
}

func setSectionName(hdr *coffSectionHeader, name string, strtab *stringTable) {
	if len(name) <= 8 {
		copy(hdr.Name[:], name)
		return
	}
	off := strtab.add(name)
	copy(hdr.Name[:], "/")
	copy(hdr.Name[1:], itoaDecimal(off))
}

func itoaDecimal(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func appendCoffFileHeader(buf []byte, numSections uint16, symtabOffset, numSyms uint32) []byte {
	var b [20]byte
	binary.LittleEndian.PutUint16(b[0:], coffMachineAMD64)
	binary.LittleEndian.PutUint16(b[2:], numSections)
	binary.LittleEndian.PutUint32(b[4:], coffFixedTimestamp)
	binary.LittleEndian.PutUint32(b[8:], symtabOffset)
	binary.LittleEndian.PutUint32(b[12:], numSyms)
	binary.LittleEndian.PutUint16(b[16:], 0) // SizeOfOptionalHeader: 0 for object files
	binary.LittleEndian.PutUint16(b[18:], 0) // Characteristics
	return append(buf, b[:]...)
}

func appendCoffSectionHeader(buf []byte, h coffSectionHeader) []byte {
	var b [coffSectionSizeBytes]byte
	copy(b[0:8], h.Name[:])
	binary.LittleEndian.PutUint32(b[8:], h.VirtualSize)
	binary.LittleEndian.PutUint32(b[12:], h.VirtualAddress)
	binary.LittleEndian.PutUint32(b[16:], h.SizeOfRawData)
	binary.LittleEndian.PutUint32(b[20:], h.PointerToRawData)
	binary.LittleEndian.PutUint32(b[24:], h.PointerToRelocations)
	binary.LittleEndian.PutUint32(b[28:], h.PointerToLinenumbers)
	binary.LittleEndian.PutUint16(b[32:], h.NumberOfRelocations)
	binary.LittleEndian.PutUint16(b[34:], h.NumberOfLinenumbers)
	binary.LittleEndian.PutUint32(b[36:], h.Characteristics)
	return append(buf, b[:]...)
}

func appendCoffSymbol(buf []byte, s coffSymbol) []byte {
	var b [coffSymbolSizeBytes]byte
	copy(b[0:8], s.Name[:])
	binary.LittleEndian.PutUint32(b[8:], s.Value)
	binary.LittleEndian.PutUint16(b[12:], uint16(s.SectionNumber))
	binary.LittleEndian.PutUint16(b[14:], s.Type)
	b[16] = s.StorageClass
	b[17] = s.NumberOfAuxSymbols
	return append(buf, b[:]...)
}

func appendCoffReloc(buf []byte, r coffReloc) []byte {
	var b [coffRelocSizeBytes]byte
	binary.LittleEndian.PutUint32(b[0:], r.VirtualAddress)
	binary.LittleEndian.PutUint32(b[4:], r.SymbolTableIndex)
	binary.LittleEndian.PutUint16(b[8:], r.Type)
	return append(buf, b[:]...)
}

func appendPdata(buf []byte, p pdataEntry) []byte {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:], p.StartOffset)
	binary.LittleEndian.PutUint32(b[4:], p.EndOffset)
	binary.LittleEndian.PutUint32(b[8:], p.UnwindOffset)
	return append(buf, b[:]...)
}

// Windows x64 UNWIND_CODE opcodes this core's fixed prologue needs
// (spec.md §4.J step 8, supplemented from original_source/'s
// observation that the prologue is always exactly "push rbp; mov
// rbp,rsp; sub rsp,imm", §1 Non-goals "beyond minimal unwind
// descriptors").
const (
	uwopPushNonvol = 0
	uwopAllocSmall = 2
	uwopAllocLarge = 1
	uwopSetFPReg   = 3

	unwindFlagNone = 0
	rbpRegisterNum = 5 // x64 register number for RBP in UNWIND_CODE encoding
)

// encodeUnwindInfo builds one UNWIND_INFO record plus its UNWIND_CODE
// array for a function using the fixed "push rbp; mov rbp,rsp; sub
// rsp,imm" prologue, in the order the Windows x64 unwinder expects
// (codes stored in reverse prologue order).
func encodeUnwindInfo(fn *ir.Function) []byte {
	aligned := alignStack16(fn.Compiled.StackSize)

	// Each entry is one UNWIND_CODE slot's worth of bytes (2 bytes, or 4
	// for UWOP_ALLOC_LARGE's extra size halfword), built in prologue
	// execution order then reversed whole so the unwinder - which walks
	// back from the most recently executed prologue instruction - sees
	// them correctly (Windows x64 ABI requirement).
	var entries [][]byte
	entries = append(entries, unwindCode(1, uwopPushNonvol, rbpRegisterNum)) // "push rbp" is 1 byte
	entries = append(entries, unwindCode(4, uwopSetFPReg, 0))                // + "mov rbp,rsp" (3 bytes) = 4

	prologueLen := byte(fn.Compiled.PrologueLength)
	if aligned > 0 {
		if aligned/8 <= 15 && aligned%8 == 0 {
			entries = append(entries, unwindCode(prologueLen, uwopAllocSmall, byte(aligned/8-1)))
		} else {
			var sz [2]byte
			binary.LittleEndian.PutUint16(sz[:], uint16(aligned/8))
			entries = append(entries, append(unwindCode(prologueLen, uwopAllocLarge, 0), sz[:]...))
		}
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	var codes []byte
	for _, e := range entries {
		codes = append(codes, e...)
	}
	slots := len(codes) / 2
	if slots%2 != 0 {
		// UNWIND_INFO's code array is sized in whole DWORDs; an odd
		// number of 2-byte slots needs one padding slot.
		codes = append(codes, 0, 0)
		slots++
	}

	info := make([]byte, 4)
	info[0] = 1<<3 | unwindFlagNone // version 1, no flags
	info[1] = prologueLen
	info[2] = byte(slots)
	info[3] = 0 // no frame register offset beyond rbp/rsp (FrameRegister left 0: rbp implied by UWOP_SET_FPREG)
	info = append(info, codes...)
	return info
}

// unwindCode builds one 2-byte UNWIND_CODE (CodeOffset, packed
// UnwindOp/OpInfo nibble).
func unwindCode(codeOffset, op, opInfo byte) []byte {
	return []byte{codeOffset, op&0xf | opInfo<<4}
}

func alignStack16(n int) int {
	const align = 16
	return (n + align - 1) / align * align
}
