package isel

import (
	"strings"
	"testing"

	"github.com/xyproto/nodeback/internal/cfg"
	"github.com/xyproto/nodeback/internal/ir"
	"github.com/xyproto/nodeback/internal/mach"
	"github.com/xyproto/nodeback/internal/x64"
)

// Grounded on xyproto/c67's table-driven _test.go style (same pattern as
// internal/cfg's cfg_test.go): build a tiny Function by hand, run the
// pass under test, assert on its direct output.

func mustTarget(t *testing.T) ir.Target {
	t.Helper()
	target, err := ir.NewTarget(ir.ArchX86_64, ir.SysLinux)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	return target
}

// buildIdentity builds `fn(i32 x) -> i32 { return x; }`, scenario 1 of
// spec.md §8, and runs it through cfg.Build/Schedule so it is ready for
// Select.
func buildIdentity(t *testing.T) (*ir.Function, *cfg.Graph) {
	t.Helper()
	m := ir.NewModule("m", mustTarget(t))
	b := ir.NewBuilder(m)
	f := b.CreateFunction("identity", ir.Signature{Params: []ir.DataType{ir.I32}, Returns: []ir.DataType{ir.I32}}, ir.LinkPublic)
	x := b.GetParameter(0)
	b.CreateReturn([]ir.NodeID{x})

	g, err := cfg.Build(f)
	if err != nil {
		t.Fatalf("cfg.Build: %v", err)
	}
	g.Schedule()
	return f, g
}

// buildAdd builds `fn(i32 a, i32 b) -> i32 { return a + b; }`, exercising
// a data-producing node plus the return, enough to check that Select
// emits a non-trivial instruction stream.
func buildAdd(t *testing.T) (*ir.Function, *cfg.Graph) {
	t.Helper()
	m := ir.NewModule("m", mustTarget(t))
	b := ir.NewBuilder(m)
	f := b.CreateFunction("add", ir.Signature{Params: []ir.DataType{ir.I32, ir.I32}, Returns: []ir.DataType{ir.I32}}, ir.LinkPublic)
	a := b.GetParameter(0)
	c := b.GetParameter(1)
	sum := b.CreateAdd(ir.I32, a, c, ir.OverflowNone)
	b.CreateReturn([]ir.NodeID{sum})

	g, err := cfg.Build(f)
	if err != nil {
		t.Fatalf("cfg.Build: %v", err)
	}
	g.Schedule()
	return f, g
}

func TestSelectIdentityMovesParamToReturnRegister(t *testing.T) {
	f, g := buildIdentity(t)
	res, err := Select(f, g, x64.SystemV)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.Instrs.Len() == 0 {
		t.Fatal("expected at least one instruction")
	}
	if res.NumVRegs == 0 {
		t.Error("expected at least one virtual register to have been allocated")
	}
}

func TestSelectAddProducesArithmeticInstr(t *testing.T) {
	f, g := buildAdd(t)
	res, err := Select(f, g, x64.SystemV)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	foundAdd := false
	res.Instrs.Each(func(i *mach.Instr) {
		if i.Op == mach.OpAdd {
			foundAdd = true
		}
	})
	if !foundAdd {
		t.Error("expected an OpAdd instruction lowered from the ir.OpAdd node")
	}
}

// buildCompareZero builds `fn(i32 x) -> i32 { return x == 0 ? 1 : 2; }`,
// scenario 3 of spec.md §8: the zero-compare case that must lower to
// test reg,reg rather than cmp reg,0.
func buildCompareZero(t *testing.T) (*ir.Function, *cfg.Graph) {
	t.Helper()
	m := ir.NewModule("m", mustTarget(t))
	b := ir.NewBuilder(m)
	f := b.CreateFunction("iszero", ir.Signature{Params: []ir.DataType{ir.I32}, Returns: []ir.DataType{ir.I32}}, ir.LinkPublic)
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
	thenCtrlAtEnd, thenMemAtEnd := thenRegion, f.Node(thenRegion).AsRegion().MemoryOut

	b.SetInsertPoint(elseRegion, f.Node(elseRegion).AsRegion().MemoryIn)
	two := b.CreateIntegerConstant(32, 2)
	b.CreateBranch(joinRegion)
	elseCtrlAtEnd, elseMemAtEnd := elseRegion, f.Node(elseRegion).AsRegion().MemoryOut

	b.AddPredecessor(joinRegion, thenCtrlAtEnd, thenMemAtEnd)
	b.AddPredecessor(joinRegion, elseCtrlAtEnd, elseMemAtEnd)

	result := b.CreatePhi(joinRegion, ir.I32)
	f.AddInputLate(result, one)
	f.AddInputLate(result, two)

	b.SetInsertPoint(joinRegion, f.Node(joinRegion).AsRegion().MemoryOut)
	b.CreateReturn([]ir.NodeID{result})

	g, err := cfg.Build(f)
	if err != nil {
		t.Fatalf("cfg.Build: %v", err)
	}
	g.Schedule()
	return f, g
}

func TestSelectCompareZeroLowersToTest(t *testing.T) {
	f, g := buildCompareZero(t)
	res, err := Select(f, g, x64.SystemV)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	foundTest, foundCmp := false, false
	res.Instrs.Each(func(i *mach.Instr) {
		switch i.Op {
		case mach.OpTest:
			foundTest = true
		case mach.OpCmp:
			foundCmp = true
		}
	})
	if !foundTest {
		t.Error("expected x == 0 to lower to test reg,reg (spec.md §8 scenario 3)")
	}
	if foundCmp {
		t.Error("expected no cmp instruction for a compare-to-zero (should lower to test)")
	}
}

// buildCaller builds `fn() -> i32 { return callee(); }`, exercising call
// lowering so Win64's shadow space actually gets requested.
func buildCaller(t *testing.T) (*ir.Function, *cfg.Graph) {
	t.Helper()
	m := ir.NewModule("m", mustTarget(t))
	b := ir.NewBuilder(m)
	callee := m.DeclareExternal("callee")
	f := b.CreateFunction("caller", ir.Signature{Returns: []ir.DataType{ir.I32}}, ir.LinkPublic)
	results := b.CreateCall(callee, ir.Signature{Returns: []ir.DataType{ir.I32}}, nil)
	b.CreateReturn(results[2:]) // results[0:2] are the call's control/memory projections

	g, err := cfg.Build(f)
	if err != nil {
		t.Fatalf("cfg.Build: %v", err)
	}
	g.Schedule()
	return f, g
}

func TestSelectWin64UsesShadowSpace(t *testing.T) {
	f, g := buildCaller(t)
	res, err := Select(f, g, x64.Win64)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.FrameSize < int32(x64.Win64.ShadowSpace) {
		t.Errorf("expected frame size to include Win64's shadow space, got %d", res.FrameSize)
	}
}

func TestListingRendersOneLinePerInstruction(t *testing.T) {
	f, g := buildAdd(t)
	res, err := Select(f, g, x64.SystemV)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	out, err := Listing(res.Instrs)
	if err != nil {
		t.Fatalf("Listing: %v", err)
	}
	lines := 0
	for _, ln := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if strings.TrimSpace(ln) != "" {
			lines++
		}
	}
	if lines != res.Instrs.Len() {
		t.Errorf("got %d listing lines, want %d (one per instruction)", lines, res.Instrs.Len())
	}
	if !strings.Contains(out, "add") {
		t.Errorf("expected the listing to mention the add instruction, got:\n%s", out)
	}
}

func TestListingUsesVirtualRegisterNames(t *testing.T) {
	f, g := buildAdd(t)
	res, err := Select(f, g, x64.SystemV)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	out, err := Listing(res.Instrs)
	if err != nil {
		t.Fatalf("Listing: %v", err)
	}
	if !strings.Contains(out, "v0") && !strings.Contains(out, "v1") {
		t.Errorf("expected pre-allocation listing to name virtual registers, got:\n%s", out)
	}
}
