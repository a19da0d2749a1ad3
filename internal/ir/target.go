package ir

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Grounded on xyproto/c67's target.go/arch.go (Target/Arch/OS), narrowed
// to the back end's own scope: x86-64 only (spec.md §1 Non-goals), COFF
// on Windows and ELF on Linux (spec.md §6). The teacher's duplicate copy
// of this enum in internal/engine/arch.go was never imported by anything
// in the teacher tree; it is merged here rather than kept as a second,
// unwired copy (see DESIGN.md).

// Arch identifies an instruction set architecture. The core only
// implements ArchX86_64; the type stays open (spec.md §1: "the design
// admits new back ends behind a small interface") so a future back end
// can reuse Target without redefining it.
type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchX86_64
)

func (a Arch) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	default:
		return "unknown"
	}
}

// System identifies the host object/ABI family.
type System uint8

const (
	SysUnknown System = iota
	SysWindows
	SysLinux
)

func (s System) String() string {
	switch s {
	case SysWindows:
		return "windows"
	case SysLinux:
		return "linux"
	default:
		return "unknown"
	}
}

// Target is (arch × system × ABI). Constructing one for an unsupported
// pair is a fatal diagnostic (spec.md §7 "Unsupported target").
type Target struct {
	arch Arch
	sys  System
}

// NewTarget validates and constructs a Target.
func NewTarget(arch Arch, sys System) (Target, error) {
	if arch != ArchX86_64 {
		return Target{}, errors.Wrapf(ErrUnsupportedTarget, "arch %s", arch)
	}
	if sys != SysWindows && sys != SysLinux {
		return Target{}, errors.Wrapf(ErrUnsupportedTarget, "system %s", sys)
	}
	return Target{arch: arch, sys: sys}, nil
}

func (t Target) Arch() Arch     { return t.arch }
func (t Target) System() System { return t.sys }
func (t Target) String() string { return fmt.Sprintf("%s-%s", t.arch, t.sys) }

// IsCOFF reports whether this target's object format is COFF.
func (t Target) IsCOFF() bool { return t.sys == SysWindows }

// IsELF reports whether this target's object format is ELF.
func (t Target) IsELF() bool { return t.sys == SysLinux }

// IsWindowsABI reports whether calls on this target use the Microsoft
// x64 ABI (as opposed to SystemV).
func (t Target) IsWindowsABI() bool { return t.sys == SysWindows }

// ParseTarget parses strings like "x86_64-linux" or "amd64-windows",
// mirroring xyproto/c67's ParseArch/GOARCH-flavored parsing.
func ParseTarget(s string) (Target, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Target{}, errors.Wrapf(ErrUnsupportedTarget, "malformed target %q", s)
	}
	var arch Arch
	switch strings.ToLower(parts[0]) {
	case "x86_64", "amd64", "x86-64":
		arch = ArchX86_64
	default:
		return Target{}, errors.Wrapf(ErrUnsupportedTarget, "arch %q", parts[0])
	}
	var sys System
	switch strings.ToLower(parts[1]) {
	case "windows", "win64":
		sys = SysWindows
	case "linux":
		sys = SysLinux
	default:
		return Target{}, errors.Wrapf(ErrUnsupportedTarget, "system %q", parts[1])
	}
	return NewTarget(arch, sys)
}
