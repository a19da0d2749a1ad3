package cfg

import (
	"testing"

	"github.com/xyproto/nodeback/internal/ir"
)

func mustTarget(t *testing.T) ir.Target {
	t.Helper()
	target, err := ir.NewTarget(ir.ArchX86_64, ir.SysLinux)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	return target
}

func TestBuildAndScheduleIdentity(t *testing.T) {
	m := ir.NewModule("m", mustTarget(t))
	b := ir.NewBuilder(m)
	f := b.CreateFunction("identity", ir.Signature{Params: []ir.DataType{ir.I32}, Returns: []ir.DataType{ir.I32}}, ir.LinkPublic)
	x := b.GetParameter(0)
	b.CreateReturn([]ir.NodeID{x})

	g, err := Build(f)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	g.Schedule()

	if len(g.Blocks) != 1 {
		t.Fatalf("expected a single block for a function with no branches, got %d", len(g.Blocks))
	}
	if g.Blocks[0].Terminator != f.Exit() {
		t.Errorf("expected the block terminator to be the exit node")
	}
}

func TestBranchDominatorsAndJoin(t *testing.T) {
	m := ir.NewModule("m", mustTarget(t))
	b := ir.NewBuilder(m)
	f := b.CreateFunction("branchy", ir.Signature{Params: []ir.DataType{ir.I32}, Returns: []ir.DataType{ir.I32}}, ir.LinkPublic)
	x := b.GetParameter(0)
	zero := b.CreateIntegerConstant(32, 0)
	cond := b.CreateCmp(ir.CmpEQ, true, ir.I32, x, zero)

	thenRegion := b.CreateRegion()
	elseRegion := b.CreateRegion()
	joinRegion := b.CreateRegion()
	b.CreateConditionalBranch(cond, thenRegion, elseRegion)

	b.SetInsertPoint(thenRegion, f.Node(thenRegion).AsRegion().MemoryIn)
	one := b.CreateIntegerConstant(32, 1)
	b.CreateBranch(joinRegion)

	b.SetInsertPoint(elseRegion, f.Node(elseRegion).AsRegion().MemoryIn)
	two := b.CreateIntegerConstant(32, 2)
	b.CreateBranch(joinRegion)

	b.AddPredecessor(joinRegion, thenRegion, f.Node(thenRegion).AsRegion().MemoryOut)
	b.AddPredecessor(joinRegion, elseRegion, f.Node(elseRegion).AsRegion().MemoryOut)
	result := b.CreatePhi(joinRegion, ir.I32)
	f.AddInputLate(result, one)
	f.AddInputLate(result, two)
	b.SetInsertPoint(joinRegion, f.Node(joinRegion).AsRegion().MemoryOut)
	b.CreateReturn([]ir.NodeID{result})

	g, err := Build(f)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	g.Schedule()

	if len(g.Blocks) != 4 {
		t.Fatalf("expected entry/then/else/join = 4 blocks, got %d", len(g.Blocks))
	}
	entryIdx := g.BlockOf(f.Entry())
	joinIdx := g.BlockOf(joinRegion)
	thenIdx := g.BlockOf(thenRegion)
	elseIdx := g.BlockOf(elseRegion)

	if g.Blocks[joinIdx].IDom != entryIdx {
		t.Errorf("join block should be immediately dominated by entry (both then/else reach it), got idom=%d want=%d", g.Blocks[joinIdx].IDom, entryIdx)
	}
	if g.Blocks[thenIdx].IDom != entryIdx || g.Blocks[elseIdx].IDom != entryIdx {
		t.Errorf("then/else must be immediately dominated by entry")
	}

	// result (the phi) must be scheduled in the join block.
	if g.BlockOf(result) != joinIdx {
		t.Errorf("phi must be scheduled in its own region's block")
	}
}
