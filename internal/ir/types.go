package ir

import "fmt"

// Kind is the tag half of a DataType (spec.md §3: "a tagged value with
// kind ∈ {int, float, pointer, tuple, control, memory, continuation}").
// Grounded on xyproto/c67's types.go TypeKind enumeration, replaced with
// the back end's own closed set — the front-end-facing Vibe67Type (native
// number/string/list/map, foreign C types) has no place in a back end
// that receives already-legalized IR.
type Kind uint8

const (
	KindInt Kind = iota
	KindFloat
	KindPointer
	KindTuple
	KindControl
	KindMemory
	KindContinuation
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindPointer:
		return "pointer"
	case KindTuple:
		return "tuple"
	case KindControl:
		return "control"
	case KindMemory:
		return "memory"
	case KindContinuation:
		return "continuation"
	default:
		return "unknown"
	}
}

// DataType is a compact tagged type: (kind, width). Equality is by
// (kind, width) alone, per spec.md §3.
type DataType struct {
	Kind  Kind
	Width uint8 // bit width; meaningless for Tuple/Control/Memory/Continuation
}

func (t DataType) String() string {
	switch t.Kind {
	case KindInt, KindFloat:
		return fmt.Sprintf("%s%d", t.Kind, t.Width)
	case KindPointer:
		return "ptr"
	default:
		return t.Kind.String()
	}
}

// Equal reports (kind, width) equality.
func (t DataType) Equal(o DataType) bool { return t.Kind == o.Kind && t.Width == o.Width }

// Well-known data types (spec.md §3).
var (
	Void  = DataType{Kind: KindInt, Width: 0}
	Bool  = DataType{Kind: KindInt, Width: 1}
	I8    = DataType{Kind: KindInt, Width: 8}
	I16   = DataType{Kind: KindInt, Width: 16}
	I32   = DataType{Kind: KindInt, Width: 32}
	I64   = DataType{Kind: KindInt, Width: 64}
	F32   = DataType{Kind: KindFloat, Width: 32}
	F64   = DataType{Kind: KindFloat, Width: 64}
	Ptr   = DataType{Kind: KindPointer, Width: 0}
	Ctrl  = DataType{Kind: KindControl, Width: 0}
	Mem   = DataType{Kind: KindMemory, Width: 0}
	Tuple = DataType{Kind: KindTuple, Width: 0}
)

// MachineClass is the legalized x86-64 representation of a DataType,
// spec.md §4.C: "bit-widths ≤8→byte, ≤16→word, ≤32→dword, ≤64→qword.
// Larger widths are not supported by the core".
type MachineClass uint8

const (
	ClassByte MachineClass = iota
	ClassWord
	ClassDword
	ClassQword
	ClassSS // scalar single (f32), SSE
	ClassSD // scalar double (f64), SSE
)

func (c MachineClass) SizeBytes() int {
	switch c {
	case ClassByte:
		return 1
	case ClassWord:
		return 2
	case ClassDword, ClassSS:
		return 4
	case ClassQword, ClassSD:
		return 8
	default:
		return 0
	}
}

// Legalize implements the §4.C rule. ok is false for widths the core
// does not support (>64 for integers); mask reports the logical width so
// callers can zero/sign-extend at the use site when the logical width is
// narrower than the machine class chosen (e.g. a bool legalizes to a
// byte but callers must still mask to 1 bit where the logical value
// matters).
func (t DataType) Legalize() (class MachineClass, mask uint8, ok bool) {
	switch t.Kind {
	case KindPointer:
		return ClassQword, 64, true
	case KindFloat:
		switch t.Width {
		case 32:
			return ClassSS, 32, true
		case 64:
			return ClassSD, 64, true
		default:
			return 0, 0, false
		}
	case KindInt:
		w := t.Width
		if w == 0 {
			w = 1 // void/bool-width-0 still occupies one byte of storage
		}
		switch {
		case w <= 8:
			return ClassByte, w, true
		case w <= 16:
			return ClassWord, w, true
		case w <= 32:
			return ClassDword, w, true
		case w <= 64:
			return ClassQword, w, true
		default:
			return 0, 0, false
		}
	default:
		return 0, 0, false
	}
}
