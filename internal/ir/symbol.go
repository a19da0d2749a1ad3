package ir

// Grounded on xyproto/c67's calling_convention.go/target.go naming and,
// more directly, on the symbol/relocation shape used throughout
// other_examples (arc-language's ir.Module "AddSymbol" with
// STB_LOCAL/STB_GLOBAL binding): a name-keyed table that only assigns
// numeric ids once, at object-emission time (spec.md §4.A, §5).

// SymbolID is a 1-based index into a Module's symbol table. 0 means
// "unassigned" (spec.md §4.A).
type SymbolID uint32

const InvalidSymbolID SymbolID = 0

// SymbolTag classifies what a Symbol names (spec.md §3).
type SymbolTag uint8

const (
	SymNone SymbolTag = iota
	SymTombstone
	SymExternal
	SymGlobal
	SymFunction
)

// Linkage controls visibility (spec.md §3).
type Linkage uint8

const (
	LinkPublic Linkage = iota
	LinkPrivate
	LinkSOLocal
	LinkSOExport
)

// Symbol is {name, tag, link, numeric id, opaque parent-module handle}
// per spec.md §3. The numeric id is populated only during object
// emission (SymbolTable.AssignIDs); it is 0 ("unassigned") otherwise.
type Symbol struct {
	Name    string
	Tag     SymbolTag
	Link    Linkage
	id      uint32
	Section int // owning section index, or -1 for externals
}

// ID returns the numeric id assigned at emission time, or 0 if emission
// hasn't happened yet.
func (s *Symbol) ID() uint32 { return s.id }

// SymbolTable maps names to Symbol records and issues monotonic ids only
// during object emission (spec.md §4.A).
type SymbolTable struct {
	byName map[string]SymbolID
	syms   []Symbol // index 0 unused, so SymbolID 0 stays "unassigned"
}

// NewSymbolTable creates an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{byName: make(map[string]SymbolID), syms: make([]Symbol, 1)}
}

// Declare registers a new symbol, or returns the existing one if name is
// already present with the same tag. Declaring the same name with a
// conflicting tag is a programmer error (spec.md §7).
func (t *SymbolTable) Declare(name string, tag SymbolTag, link Linkage) SymbolID {
	if id, ok := t.byName[name]; ok {
		existing := &t.syms[id]
		if existing.Tag != tag {
			panic("ir: symbol \"" + name + "\" redeclared with a different tag")
		}
		return id
	}
	id := SymbolID(len(t.syms))
	t.syms = append(t.syms, Symbol{Name: name, Tag: tag, Link: link, Section: -1})
	t.byName[name] = id
	return id
}

// Lookup finds a symbol by name.
func (t *SymbolTable) Lookup(name string) (SymbolID, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Get dereferences a SymbolID. Looking up InvalidSymbolID is a
// programmer error.
func (t *SymbolTable) Get(id SymbolID) *Symbol {
	if id == InvalidSymbolID || int(id) >= len(t.syms) {
		panic("ir: dereferenced invalid SymbolID")
	}
	return &t.syms[id]
}

// All returns every declared symbol in declaration order (skipping the
// reserved slot 0), for the object writer to walk.
func (t *SymbolTable) All() []SymbolID {
	out := make([]SymbolID, 0, len(t.syms)-1)
	for i := 1; i < len(t.syms); i++ {
		out = append(out, SymbolID(i))
	}
	return out
}

// AssignIDs issues the monotonic numeric ids consumed by the object
// writers (spec.md §4.J step 3: "first to section symbols, then
// per-section functions and globals, then externals"). order must list
// every declared SymbolID exactly once, in the desired numbering order;
// numbering starts at start (COFF and ELF disagree on what index 0/1
// must mean, so the writer picks start).
func (t *SymbolTable) AssignIDs(order []SymbolID, start uint32) {
	next := start
	for _, id := range order {
		t.syms[id].id = next
		next++
	}
}
