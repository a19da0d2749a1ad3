package ir

import (
	"fmt"

	"github.com/pkg/errors"
)

// Grounded on xyproto/c67's errors.go (ErrorLevel/ErrorCategory/
// CompilerError), narrowed to the back end's own failure taxonomy
// (spec.md §7): programmer error in IR construction, resource
// exhaustion, I/O failure, and unsupported target. The teacher's
// SourceLocation (line/column in source text) has no equivalent here —
// the back end never sees source positions, only function/node
// identity — so diagnostics are anchored on (function name, NodeID)
// instead.

// Level mirrors xyproto/c67's ErrorLevel.
type Level uint8

const (
	LevelWarning Level = iota
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelFatal:
		return "fatal error"
	default:
		return "error"
	}
}

// Diagnostic is one entry on a function's diagnostic stream (spec.md §7:
// "Warnings … are recorded on the diagnostic stream but do not halt").
type Diagnostic struct {
	Level    Level
	Function string
	Node     NodeID
	Message  string
}

// Bag accumulates diagnostics for one compilation unit.
type Bag struct {
	entries []Diagnostic
}

func (b *Bag) Warn(function string, node NodeID, format string, args ...any) {
	b.entries = append(b.entries, Diagnostic{
		Level: LevelWarning, Function: function, Node: node,
		Message: fmt.Sprintf(format, args...),
	})
}

// Entries returns every recorded diagnostic.
func (b *Bag) Entries() []Diagnostic { return b.entries }

// HasWarnings reports whether any warning was recorded.
func (b *Bag) HasWarnings() bool { return len(b.entries) > 0 }

// Sentinel fatal errors, spec.md §7.
var (
	// ErrMalformedIR covers programmer error in IR construction:
	// mismatched types, a null operand, an unsupported node shape.
	ErrMalformedIR = errors.New("malformed IR")
	// ErrResourceExhausted covers an arena that cannot grow or a live
	// window with more than 255 simultaneous virtual registers
	// (spec.md §7).
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrUnsupportedTarget covers an unsupported (arch, system) pair at
	// Target construction.
	ErrUnsupportedTarget = errors.New("unsupported target")
)

// Fatalf builds an ErrMalformedIR diagnostic naming the offending
// function and node, per spec.md §7.
func Fatalf(function string, node NodeID, format string, args ...any) error {
	return errors.Wrapf(ErrMalformedIR, "function %s, node %d: %s", function, node, fmt.Sprintf(format, args...))
}
