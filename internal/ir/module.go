package ir

// Grounded on xyproto/c67's elf_sections.go/pe.go section bookkeeping
// (flags, raw-data offset, relocation position) and on other_examples'
// arc-language ir.Module ("Module owns Sections; Sections own
// compiled-function and global records" — spec.md §3).

// SectionFlags mirrors spec.md §3's {WRITE|EXEC|TLS}.
type SectionFlags uint8

const (
	SectionWrite SectionFlags = 1 << iota
	SectionExec
	SectionTLS
)

// ComdatKind mirrors the COFF-only selection flag (spec.md GLOSSARY
// "COMDAT"); ELF sections ignore it.
type ComdatKind uint8

const (
	ComdatNone ComdatKind = iota
	ComdatAny
	ComdatSameSize
	ComdatExactMatch
)

// Global is a module-level initialized or zero-initialized data object
// living in a section.
type Global struct {
	Symbol  SymbolID
	Size    int
	Align   int
	Data    []byte     // len(Data) == Size for initialized globals; nil for BSS-like zero data
	Patches []Patch    // relocations against other symbols inside Data (e.g. a pointer field)

	RawOffset int // offset within the owning section's raw data, filled in by internal/object during layout
}

// Section is {name, flags, COMDAT kind, index, raw-data offset, size,
// relocation bookkeeping, global list, compiled-function list, name
// position in string table} per spec.md §3.
type Section struct {
	Name    string
	Flags   SectionFlags
	Comdat  ComdatKind
	Index   int

	RawOffset int // filled in by internal/object during layout
	NamePos   int // offset into the string table, filled in during layout

	Globals   []*Global
	Functions []*Function
}

func (s *Section) AddGlobal(g *Global) { s.Globals = append(s.Globals, g) }
func (s *Section) AddFunction(f *Function) {
	f.Section = s.Index
	s.Functions = append(s.Functions, f)
}

// Module owns a target descriptor, a fixed set of sections, a symbol
// table, and the functions/globals appended to those sections (spec.md
// §3). Section creation order is fixed so front ends and object writers
// agree on indices: .text, .data, .rdata (rodata on Linux), .tls.
type Module struct {
	Name   string
	Target Target
	Syms   *SymbolTable

	Text  *Section
	Data  *Section
	RData *Section
	TLS   *Section

	sections []*Section
}

// NewModule creates a module with the fixed section set spec.md §3
// names for the given target: ".text, .data, .rdata/.rodata, .tls on
// Windows; analogous on Linux".
func NewModule(name string, target Target) *Module {
	m := &Module{Name: name, Target: target, Syms: NewSymbolTable()}
	rdataName := ".rdata"
	if target.IsELF() {
		rdataName = ".rodata"
	}
	m.Text = m.newSection(".text", SectionExec)
	m.Data = m.newSection(".data", SectionWrite)
	m.RData = m.newSection(rdataName, 0)
	m.TLS = m.newSection(".tls", SectionWrite|SectionTLS)
	return m
}

func (m *Module) newSection(name string, flags SectionFlags) *Section {
	s := &Section{Name: name, Flags: flags, Index: len(m.sections)}
	m.sections = append(m.sections, s)
	return s
}

// Sections returns every section in creation order.
func (m *Module) Sections() []*Section { return m.sections }

// DeclareFunction declares the function's symbol and appends it to
// .text. link controls the symbol's visibility.
func (m *Module) DeclareFunction(f *Function, link Linkage) {
	f.Linkage = link
	f.Symbol = m.Syms.Declare(f.Name, SymFunction, link)
	m.Syms.Get(f.Symbol).Section = m.Text.Index
	m.Text.AddFunction(f)
}

// DeclareExternal registers a symbol for a callee defined outside this
// module (spec.md §4.A: "Symbols referenced by patches hold no
// ownership; they must be present in the module's list").
func (m *Module) DeclareExternal(name string) SymbolID {
	return m.Syms.Declare(name, SymExternal, LinkPublic)
}

// DeclareGlobal allocates a data object in .data (or .rdata if
// readOnly) and registers its symbol.
func (m *Module) DeclareGlobal(name string, data []byte, align int, link Linkage, readOnly bool) *Global {
	sym := m.Syms.Declare(name, SymGlobal, link)
	section := m.Data
	if readOnly {
		section = m.RData
	}
	m.Syms.Get(sym).Section = section.Index
	g := &Global{Symbol: sym, Size: len(data), Align: align, Data: data}
	section.AddGlobal(g)
	return g
}
