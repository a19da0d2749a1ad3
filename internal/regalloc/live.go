// Package regalloc assigns physical registers to the virtual registers
// internal/isel produced, spec.md §4.H: linear-scan allocation over live
// intervals, split by register class, with spilling to the stack frame.
//
// Grounded on the root register_allocator.go's RegisterAllocator
// (Poletto & Sarkar linear scan: sorted intervals, an active set expired
// by end position, spill-the-longest-remaining-interval), generalized
// from named-variable intervals over a hand-tracked "position" counter
// to mach.Reg virtual-register intervals over the already-linearized
// instruction list's Position field.
package regalloc

import (
	"github.com/xyproto/nodeback/internal/ir"
	"github.com/xyproto/nodeback/internal/mach"
)

// Interval is one virtual register's live range, spec.md §4.H step 1:
// "Start = first definition, End = last use". Defs/Uses retain the
// actual instructions touching the register so allocation can rewrite
// or spill-wrap each occurrence individually.
type Interval struct {
	VReg  int
	Class mach.RegClass
	// MachClass is the ir.MachineClass (byte/word/dword/qword/ss/sd) of
	// this vreg's operand width, carried along so a spilled interval's
	// reload/store instructions use the right operand size.
	MachClass ir.MachineClass
	Start     int
	End       int
	Defs      []*mach.Instr
	Uses      []*mach.Instr

	// Hint is a physical register internal/isel expects this value to
	// end up in often enough to be worth preferring (e.g. a value
	// copied straight from an ABI argument register), spec.md §4.H
	// step 4: "prefer a hinted register when free".
	Hint    mach.Reg
	HasHint bool

	Reg     mach.Reg
	Spilled bool
	Slot    int32 // stack offset once spilled
}

// blocked records the program positions at which a physical register is
// pinned to a specific value outside the virtual-register coloring (a
// call's argument-passing copies, its clobber list, or any other
// physical register an instruction writes directly) — spec.md
// §4.H step 2: "fixed intervals for the 32 physical registers … so they
// participate in interference".
type blocked map[mach.Reg]map[int]bool

func (b blocked) mark(r mach.Reg, pos int) {
	m, ok := b[r]
	if !ok {
		m = make(map[int]bool)
		b[r] = m
	}
	m[pos] = true
}

func (b blocked) at(r mach.Reg, pos int) bool {
	m, ok := b[r]
	return ok && m[pos]
}

// Analysis is everything the allocator needs from the live-range pass.
type Analysis struct {
	Intervals []*Interval
	Blocked   blocked
}

// Analyze walks body in instruction order (positions must already be
// assigned via mach.List.AssignPositions) and builds one Interval per
// virtual register plus the physical-register block set.
func Analyze(body *mach.List) *Analysis {
	a := &Analysis{Blocked: make(blocked)}
	byVReg := make(map[int]*Interval)

	touch := func(r mach.Reg, pos int, i *mach.Instr, isDef bool) {
		if !r.IsVirtual() {
			return
		}
		v := r.VIndex()
		iv, ok := byVReg[v]
		if !ok {
			iv = &Interval{VReg: v, Class: classOfFirstSeen(i, r), MachClass: i.Class, Start: pos, End: pos}
			byVReg[v] = iv
			a.Intervals = append(a.Intervals, iv)
		}
		if pos < iv.Start {
			iv.Start = pos
		}
		if pos > iv.End {
			iv.End = pos
		}
		if isDef {
			iv.Defs = append(iv.Defs, i)
		} else {
			iv.Uses = append(iv.Uses, i)
		}
	}

	// Only physical defs and call clobbers mark a position as blocked —
	// a plain physical use (e.g. reading an ABI argument register to
	// copy it into a vreg) doesn't change that register's contents, so
	// it doesn't conflict with a vreg the allocator colors into the
	// same register starting at that very instruction (the common
	// "hinted into its source register" case becomes a no-op self-move
	// rather than a forced spill).
	body.Each(func(i *mach.Instr) {
		for _, d := range i.Defs {
			touch(d, i.Position, i, true)
			if d.IsPhysical() {
				a.Blocked.mark(d, i.Position)
			}
		}
		for _, u := range i.Uses {
			touch(u, i.Position, i, false)
		}
		if i.Flags&mach.FlagMem != 0 {
			if i.Mem.HasBase {
				touch(i.Mem.Base, i.Position, i, false)
			}
			if i.Mem.HasIndex {
				touch(i.Mem.Index, i.Position, i, false)
			}
		}
		for _, c := range i.Clobbers {
			a.Blocked.mark(c, i.Position)
		}
	})

	assignHints(a.Intervals)
	return a
}

// classOfFirstSeen infers a vreg's register class from the instruction
// class of its first occurrence (every occurrence of the same vreg
// shares one class; instruction selection never reuses a vreg id across
// float/int, spec.md §4.F).
func classOfFirstSeen(i *mach.Instr, r mach.Reg) mach.RegClass {
	switch i.Class {
	case ir.ClassSS, ir.ClassSD:
		return mach.ClassXMM
	default:
		return mach.ClassGPR
	}
}

// assignHints looks for "mov vreg, <physical>" / "mov <physical>, vreg"
// shapes — the exact pattern internal/isel emits around ABI argument and
// return-value copies — and records the physical side as a hint so the
// allocator can often eliminate the copy entirely (spec.md §4.H step 4).
func assignHints(intervals []*Interval) {
	for _, iv := range intervals {
		for _, d := range iv.Defs {
			if d.Op != mach.OpMovRR || len(d.Uses) == 0 {
				continue
			}
			if d.Uses[0].IsPhysical() {
				iv.Hint, iv.HasHint = d.Uses[0], true
			}
		}
		if iv.HasHint {
			continue
		}
		for _, u := range iv.Uses {
			if u.Op != mach.OpMovRR || len(u.Defs) == 0 {
				continue
			}
			if u.Defs[0].IsPhysical() {
				iv.Hint, iv.HasHint = u.Defs[0], true
			}
		}
	}
}
