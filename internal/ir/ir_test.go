package ir

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// Grounded on xyproto/c67's table-driven _test.go style (arena_test.go,
// register_allocator_test.go): small, direct assertions over the public
// API, no test framework beyond stdlib testing.

func mustTarget(t *testing.T) Target {
	t.Helper()
	target, err := NewTarget(ArchX86_64, SysLinux)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	return target
}

// buildIdentity builds `fn(i32 x) -> i32 { return x; }`, scenario 1 of
// spec.md §8.
func buildIdentity(t *testing.T) (*Module, *Function) {
	t.Helper()
	m := NewModule("m", mustTarget(t))
	b := NewBuilder(m)
	f := b.CreateFunction("identity", Signature{Params: []DataType{I32}, Returns: []DataType{I32}}, LinkPublic)
	x := b.GetParameter(0)
	b.CreateReturn([]NodeID{x})
	return m, f
}

func TestUserInputMirroring(t *testing.T) {
	_, f := buildIdentity(t)
	for id := NodeID(0); id < NodeID(f.Arena().Len()); id++ {
		n := f.Node(id)
		for _, in := range n.Inputs() {
			if in == InvalidNodeID {
				continue
			}
			found := false
			for _, u := range f.Node(in).Users() {
				if u == id {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("node %d has input %d, but %d is not in %d's user list", id, in, id, in)
			}
		}
	}
}

func TestSingleEntrySingleExit(t *testing.T) {
	_, f := buildIdentity(t)
	if f.Entry() == InvalidNodeID {
		t.Fatal("expected an entry node")
	}
	if f.Exit() == InvalidNodeID {
		t.Fatal("expected an exit node after a return")
	}
	if f.Node(f.Entry()).Op() != OpEntry {
		t.Fatalf("entry node has op %s", f.Node(f.Entry()).Op())
	}
	if f.Node(f.Exit()).Op() != OpExit {
		t.Fatalf("exit node has op %s", f.Node(f.Exit()).Op())
	}
}

func TestPhiPredecessorCountInvariant(t *testing.T) {
	m := NewModule("m", mustTarget(t))
	b := NewBuilder(m)
	f := b.CreateFunction("branchy", Signature{Params: []DataType{I32}, Returns: []DataType{I32}}, LinkPublic)
	x := b.GetParameter(0)
	zero := b.CreateIntegerConstant(32, 0)
	cond := b.CreateCmp(CmpEQ, true, I32, x, zero)

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

	result := b.CreatePhi(joinRegion, I32)
	f.AddInputLate(result, one)
	f.AddInputLate(result, two)

	rp := f.Node(joinRegion).AsRegion()
	predCount := len(f.Node(joinRegion).Inputs())
	if got, want := len(f.Node(rp.MemoryIn).Inputs()), predCount+1; got != want {
		t.Errorf("memory phi has %d inputs, want predecessors+1=%d", got, want)
	}
	if got, want := len(f.Node(result).Inputs()), predCount+1; got != want {
		t.Errorf("data phi has %d inputs, want predecessors+1=%d", got, want)
	}
	if f.Node(result).Inputs()[0] != joinRegion {
		t.Error("phi input 0 must be the region itself")
	}
}

func TestLegalizeWidths(t *testing.T) {
	cases := []struct {
		t    DataType
		want MachineClass
	}{
		{I8, ClassByte}, {Bool, ClassByte}, {I16, ClassWord},
		{I32, ClassDword}, {I64, ClassQword}, {Ptr, ClassQword},
		{F32, ClassSS}, {F64, ClassSD},
	}
	for _, c := range cases {
		class, _, ok := c.t.Legalize()
		if !ok {
			t.Errorf("%v: expected legalization to succeed", c.t)
			continue
		}
		if class != c.want {
			t.Errorf("%v: got class %v, want %v", c.t, class, c.want)
		}
	}
	if _, _, ok := (DataType{Kind: KindInt, Width: 128}).Legalize(); ok {
		t.Error("128-bit integers must not legalize (spec.md §4.C)")
	}
}

// TestEntryExitGoldenShape diffs the entry/exit/result-phi node triple's
// structural shape against a golden value with cmp.Diff rather than
// field-by-field assertions, the way a larger scheduled graph would need
// to be checked (too many fields to hand-compare one by one).
func TestEntryExitGoldenShape(t *testing.T) {
	_, f := buildIdentity(t)

	type shape struct {
		EntryOp    Op
		ExitOp     Op
		ResultOps  []Op
		ExitCtrlIn []Op // op of each control predecessor feeding the exit
	}
	opsOf := func(ids []NodeID) []Op {
		ops := make([]Op, len(ids))
		for i, id := range ids {
			ops[i] = f.Node(id).Op()
		}
		return ops
	}
	got := shape{
		EntryOp:    f.Node(f.Entry()).Op(),
		ExitOp:     f.Node(f.Exit()).Op(),
		ResultOps:  opsOf(f.ResultPhis()),
		ExitCtrlIn: opsOf(f.Node(f.Exit()).Inputs()),
	}
	want := shape{
		EntryOp:    OpEntry,
		ExitOp:     OpExit,
		ResultOps:  []Op{OpPhi},
		ExitCtrlIn: []Op{OpEntry},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entry/exit shape mismatch (-want +got):\n%s", diff)
	}
}

func TestSymbolTableAssignsIDsAtEmitTime(t *testing.T) {
	st := NewSymbolTable()
	a := st.Declare("a", SymFunction, LinkPublic)
	b2 := st.Declare("b", SymExternal, LinkPublic)
	if st.Get(a).ID() != 0 || st.Get(b2).ID() != 0 {
		t.Fatal("symbol ids must be 0 (\"unassigned\") before AssignIDs")
	}
	st.AssignIDs([]SymbolID{a, b2}, 1)
	if st.Get(a).ID() != 1 || st.Get(b2).ID() != 2 {
		t.Errorf("got ids %d,%d want 1,2", st.Get(a).ID(), st.Get(b2).ID())
	}
}
