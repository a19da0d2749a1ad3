package regalloc

import (
	"sort"

	"github.com/xyproto/nodeback/internal/mach"
	"github.com/xyproto/nodeback/internal/x64"
)

// Result is what internal/x64's encoder needs once allocation is done:
// the (possibly larger, spill-slot-extended) frame size, with every
// Instr operand already rewritten to a physical mach.Reg.
type Result struct {
	FrameSize int32
}

// scratch is the one register per class reserved out of the allocatable
// pool to reload/store a spilled value for the single instruction that
// touches it (spec.md §4.H step 6: "spilling ... materializes the value
// into a scratch register around its use"). Held out of the free pool
// entirely, so it never needs its own interval.
func scratchRegs(abi x64.ABI) (gpr, xmm mach.Reg) {
	return abi.CallerSaved[len(abi.CallerSaved)-1], abi.CallerSavedXMM[len(abi.CallerSavedXMM)-1]
}

// Allocate runs linear-scan register allocation over body (spec.md §4.H
// steps 1-7), given the live-range analysis a and the platform ABI.
// frameSize is the unaligned local-variable usage internal/isel already
// reserved; Allocate extends it with one slot per spilled interval.
func Allocate(body *mach.List, a *Analysis, abi x64.ABI, frameSize int32) (*Result, error) {
	gprScratch, xmmScratch := scratchRegs(abi)

	gprPool := dropReg(abi.CallerSaved, gprScratch)
	xmmPool := dropReg(abi.CallerSavedXMM, xmmScratch)

	intervals := make([]*Interval, len(a.Intervals))
	copy(intervals, a.Intervals)
	sort.Slice(intervals, func(i, j int) bool { return intervals[i].Start < intervals[j].Start })

	alloc := &scanState{blocked: a.Blocked, gprFree: gprPool, xmmFree: xmmPool}

	for _, iv := range intervals {
		alloc.expire(iv.Start)
		alloc.assign(iv)
	}

	for _, iv := range intervals {
		if iv.Spilled {
			iv.Slot = nextSlot(&frameSize)
		}
	}

	for _, iv := range intervals {
		if iv.Spilled {
			scratch := gprScratch
			if iv.Class == mach.ClassXMM {
				scratch = xmmScratch
			}
			rewriteSpilled(body, iv, scratch)
		} else {
			rewriteColored(iv)
		}
	}

	return &Result{FrameSize: frameSize}, nil
}

func dropReg(regs []mach.Reg, drop mach.Reg) []mach.Reg {
	out := make([]mach.Reg, 0, len(regs)-1)
	for _, r := range regs {
		if r != drop {
			out = append(out, r)
		}
	}
	return out
}

func nextSlot(frameSize *int32) int32 {
	*frameSize += 8
	return -*frameSize
}

// scanState is the Poletto & Sarkar active-set bookkeeping (grounded on
// register_allocator.go's RegisterAllocator: freeRegs stack, an active
// slice kept sorted by End, intervals expired before each new
// allocation), split into two independent pools by register class
// (spec.md §4.H: "GPR and XMM classes are scanned independently").
type scanState struct {
	blocked blocked
	gprFree []mach.Reg
	xmmFree []mach.Reg
	active  []*Interval
}

func (s *scanState) pool(c mach.RegClass) *[]mach.Reg {
	if c == mach.ClassXMM {
		return &s.xmmFree
	}
	return &s.gprFree
}

// expire removes active intervals that end before pos and returns their
// registers to the free pool (spec.md §4.H step 3).
func (s *scanState) expire(pos int) {
	sort.Slice(s.active, func(i, j int) bool { return s.active[i].End < s.active[j].End })
	kept := s.active[:0]
	for _, iv := range s.active {
		if iv.End >= pos {
			kept = append(kept, iv)
			continue
		}
		if !iv.Spilled {
			pool := s.pool(iv.Class)
			*pool = append(*pool, iv.Reg)
		}
	}
	s.active = kept
}

// freeUnblocked picks a register from pool that is not pinned to a
// different value anywhere within [start,end], preferring hint when it
// qualifies (spec.md §4.H step 4: register hints; step 2: fixed
// intervals participate in interference).
func (s *scanState) freeUnblocked(pool []mach.Reg, hint mach.Reg, hasHint bool, start, end int) (mach.Reg, int, bool) {
	if hasHint {
		for i, r := range pool {
			if r == hint && !s.overlapsBlocked(r, start, end) {
				return r, i, true
			}
		}
	}
	for i, r := range pool {
		if !s.overlapsBlocked(r, start, end) {
			return r, i, true
		}
	}
	return 0, -1, false
}

func (s *scanState) overlapsBlocked(r mach.Reg, start, end int) bool {
	positions, ok := s.blocked[r]
	if !ok {
		return false
	}
	for p := range positions {
		if p >= start && p <= end {
			return true
		}
	}
	return false
}

// assign allocates a register to iv, spilling either iv or the active
// interval that extends furthest into the future, whichever frees the
// register sooner (spec.md §4.H step 5, the classic linear-scan spill
// heuristic from register_allocator.go's spillAtInterval).
func (s *scanState) assign(iv *Interval) {
	pool := s.pool(iv.Class)
	if r, idx, ok := s.freeUnblocked(*pool, iv.Hint, iv.HasHint, iv.Start, iv.End); ok {
		iv.Reg = r
		*pool = append((*pool)[:idx], (*pool)[idx+1:]...)
		s.active = append(s.active, iv)
		return
	}

	var spillCandidate *Interval
	for _, a := range s.active {
		if a.Class != iv.Class || a.Spilled {
			continue
		}
		if spillCandidate == nil || a.End > spillCandidate.End {
			spillCandidate = a
		}
	}

	if spillCandidate != nil && spillCandidate.End > iv.End && !s.overlapsBlocked(spillCandidate.Reg, iv.Start, iv.End) {
		iv.Reg = spillCandidate.Reg
		spillCandidate.Spilled = true
		s.removeActive(spillCandidate)
		s.active = append(s.active, iv)
		return
	}

	iv.Spilled = true
}

func (s *scanState) removeActive(target *Interval) {
	kept := s.active[:0]
	for _, a := range s.active {
		if a != target {
			kept = append(kept, a)
		}
	}
	s.active = kept
}

func rewriteColored(iv *Interval) {
	target := mach.VReg(iv.VReg)
	seen := map[*mach.Instr]bool{}
	apply := func(i *mach.Instr) {
		if seen[i] {
			return
		}
		seen[i] = true
		for j, r := range i.Defs {
			if r == target {
				i.Defs[j] = iv.Reg
			}
		}
		for j, r := range i.Uses {
			if r == target {
				i.Uses[j] = iv.Reg
			}
		}
		if i.Flags&mach.FlagMem != 0 {
			if i.Mem.Base == target {
				i.Mem.Base = iv.Reg
			}
			if i.Mem.Index == target {
				i.Mem.Index = iv.Reg
			}
		}
	}
	for _, i := range iv.Defs {
		apply(i)
	}
	for _, i := range iv.Uses {
		apply(i)
	}
}

// rewriteSpilled materializes iv's value into scratch for every
// instruction that touches it: a reload before any read, a store after
// any write, both on the same scratch register since no spilled value is
// ever live across more than the one instruction it appears in (spec.md
// §4.H step 6).
func rewriteSpilled(body *mach.List, iv *Interval, scratch mach.Reg) {
	type occ struct {
		instr         *mach.Instr
		reload, store bool
	}
	byInstr := map[*mach.Instr]*occ{}
	order := []*mach.Instr{}
	get := func(i *mach.Instr) *occ {
		o, ok := byInstr[i]
		if !ok {
			o = &occ{instr: i}
			byInstr[i] = o
			order = append(order, i)
		}
		return o
	}
	for _, i := range iv.Defs {
		get(i).store = true
	}
	for _, i := range iv.Uses {
		get(i).reload = true
	}
	sort.Slice(order, func(a, b int) bool { return order[a].Position < order[b].Position })

	target := mach.VReg(iv.VReg)
	for _, i := range order {
		o := byInstr[i]
		for j, r := range i.Defs {
			if r == target {
				i.Defs[j] = scratch
			}
		}
		for j, r := range i.Uses {
			if r == target {
				i.Uses[j] = scratch
			}
		}
		if i.Flags&mach.FlagMem != 0 {
			if i.Mem.Base == target {
				i.Mem.Base = scratch
			}
			if i.Mem.Index == target {
				i.Mem.Index = scratch
			}
		}
		if o.reload {
			body.InsertBefore(i, &mach.Instr{
				Op: mach.OpReloadSpill, Class: iv.MachClass,
				Defs: []mach.Reg{scratch}, Flags: mach.FlagMem | mach.FlagSpill,
				Mem: spillMem(iv.Slot),
			})
		}
		if o.store {
			body.InsertAfter(i, &mach.Instr{
				Op: mach.OpSpillStore, Class: iv.MachClass,
				Uses: []mach.Reg{scratch}, Flags: mach.FlagMem | mach.FlagSpill,
				Mem: spillMem(iv.Slot),
			})
		}
	}
}

func spillMem(slot int32) mach.Mem {
	return mach.Mem{Base: mach.PReg(x64.RBP), HasBase: true, Disp: slot}
}
