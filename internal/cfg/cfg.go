// Package cfg builds the control-flow graph over a sea-of-nodes
// function and computes the block order, dominators, and intra-block
// schedule that instruction selection consumes (spec.md §4.E).
//
// Grounded on xyproto/c67's own block-oriented code generation (the
// compiler already reasons in terms of "current block" when emitting
// branches/labels in codegen.go) and on the dominator/RPO shape used
// across the retrieval pack's other compiler examples (orizon-lang's
// internal/lir + regalloc, wazero's ssa package) — a post-order block
// list plus an iterative dominator fixpoint is the standard idiom for a
// CFG without loop-nesting-forest machinery.
package cfg

import (
	"github.com/pkg/errors"

	"github.com/xyproto/nodeback/internal/ir"
)

// Block is a basic block: a maximal straight-line run of control-
// dependent nodes headed by an entry/region node and ending at its
// terminator (spec.md GLOSSARY "Basic block").
type Block struct {
	Index      int
	Head       ir.NodeID // entry or region node
	Terminator ir.NodeID
	Preds      []int
	Succs      []int
	IDom       int // index into Graph.Blocks, or -1 for the entry block
	Depth      int // dominator-tree depth, entry block is 0

	// Order is the intra-block instruction order produced by Schedule
	// (spec.md §4.E), terminator last.
	Order []ir.NodeID
}

// Graph is the control-flow graph of one Function plus its computed
// block order and dominator tree.
type Graph struct {
	fn        *ir.Function
	Blocks    []*Block
	nodeBlock map[ir.NodeID]int
	// PostOrder lists block indices in post-order; RPO is its reverse,
	// which is the layout order instruction selection walks
	// (spec.md §4.E: "A post-order traversal yields the block order").
	PostOrder []int
	RPO       []int
}

// Build discovers every region/entry/exit reachable from fn's entry via
// branch successors, wires predecessor/successor edges, and returns the
// resulting Graph un-ordered (call Schedule to fill in Order, dominators,
// and PostOrder/RPO).
func Build(fn *ir.Function) (*Graph, error) {
	g := &Graph{fn: fn, nodeBlock: make(map[ir.NodeID]int)}

	head := func(region ir.NodeID) *Block {
		if idx, ok := g.nodeBlock[region]; ok {
			return g.Blocks[idx]
		}
		b := &Block{Index: len(g.Blocks), Head: region, IDom: -1}
		g.Blocks = append(g.Blocks, b)
		g.nodeBlock[region] = b.Index
		return b
	}

	entryBlock := head(fn.Entry())
	visited := map[ir.NodeID]bool{fn.Entry(): true}
	queue := []ir.NodeID{fn.Entry()}

	for len(queue) > 0 {
		region := queue[0]
		queue = queue[1:]
		b := head(region)

		term, err := findTerminator(fn, region)
		if err != nil {
			return nil, err
		}
		b.Terminator = term

		for _, succ := range successors(fn, term) {
			sb := head(succ)
			b.Succs = append(b.Succs, sb.Index)
			sb.Preds = append(sb.Preds, b.Index)
			if !visited[succ] {
				visited[succ] = true
				queue = append(queue, succ)
			}
		}
	}
	_ = entryBlock
	return g, nil
}

// findTerminator walks forward from a block head along its users,
// following the control chain until a branch/exit/trap/unreachable node
// is reached. Besides control nodes, the chain runs through calls and
// their control-out projection (the builder advances its control point
// past every call); the entry's own projections are never followed.
func findTerminator(fn *ir.Function, region ir.NodeID) (ir.NodeID, error) {
	cur := region
	for {
		n := fn.Node(cur)
		switch n.Op() {
		case ir.OpBranch, ir.OpExit, ir.OpTrap, ir.OpUnreachable:
			return cur, nil
		}
		next := ir.InvalidNodeID
		for _, u := range n.Users() {
			un := fn.Node(u)
			if un.Inputs()[ir.SlotControl] != cur {
				continue
			}
			isCall := un.Op() == ir.OpCall || un.Op() == ir.OpSystemCall
			isCtrlProj := n.Op() != ir.OpEntry && un.Op() == ir.OpProjection && un.Type().Kind == ir.KindControl
			if un.Op().IsControl() || isCall || isCtrlProj {
				next = u
				break
			}
		}
		if next == ir.InvalidNodeID {
			return ir.InvalidNodeID, errors.Errorf("cfg: block headed by node %d has no terminator", region)
		}
		cur = next
	}
}

// successors returns the control-flow successors of a terminator.
func successors(fn *ir.Function, term ir.NodeID) []ir.NodeID {
	n := fn.Node(term)
	switch n.Op() {
	case ir.OpBranch:
		return n.AsBranch().Successors
	default:
		return nil // exit/trap/unreachable have no successors
	}
}

// computeDominators computes immediate dominators with the standard iterative
// fixpoint over reverse post-order (Cooper, Harvey & Kennedy 2001),
// using integer block indices rather than node identity.
func (g *Graph) computeDominators() {
	if len(g.Blocks) == 0 {
		return
	}
	rpoPos := make([]int, len(g.Blocks))
	for i, b := range g.RPO {
		rpoPos[b] = i
	}
	entry := g.RPO[0]
	g.Blocks[entry].IDom = entry

	changed := true
	for changed {
		changed = false
		for _, i := range g.RPO {
			if i == entry {
				continue
			}
			b := g.Blocks[i]
			newIdom := -1
			for _, p := range b.Preds {
				if g.Blocks[p].IDom == -1 {
					continue
				}
				if newIdom == -1 {
					newIdom = p
					continue
				}
				newIdom = intersect(g.Blocks, rpoPos, newIdom, p)
			}
			if newIdom != -1 && b.IDom != newIdom {
				b.IDom = newIdom
				changed = true
			}
		}
	}
	g.Blocks[entry].IDom = -1 // entry has no dominator, by convention
	g.computeDepths(entry)
}

func intersect(blocks []*Block, rpoPos []int, a, b int) int {
	for a != b {
		for rpoPos[a] > rpoPos[b] {
			a = blocks[a].IDom
		}
		for rpoPos[b] > rpoPos[a] {
			b = blocks[b].IDom
		}
	}
	return a
}

func (g *Graph) computeDepths(entry int) {
	var depth func(i int) int
	memo := make(map[int]int)
	depth = func(i int) int {
		if i == entry {
			return 0
		}
		if d, ok := memo[i]; ok {
			return d
		}
		d := depth(g.Blocks[i].IDom) + 1
		memo[i] = d
		return d
	}
	for i, b := range g.Blocks {
		b.Depth = depth(i)
	}
}

// postOrder computes a depth-first post-order over the Blocks slice
// starting at block 0 (the entry block created by Build).
func (g *Graph) postOrder() {
	visited := make([]bool, len(g.Blocks))
	var order []int
	var visit func(i int)
	visit = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true
		for _, s := range g.Blocks[i].Succs {
			visit(s)
		}
		order = append(order, i)
	}
	visit(0)
	// Any block unreachable from the entry (shouldn't happen in
	// well-formed IR, but a defensive sort keeps output deterministic)
	// is appended in index order.
	for i := range g.Blocks {
		if !visited[i] {
			order = append(order, i)
		}
	}
	g.PostOrder = order
	g.RPO = make([]int, len(order))
	for i, idx := range order {
		g.RPO[len(order)-1-i] = idx
	}
}

// BlockOf returns the index of the block a node belongs to, or -1 if it
// has none. After Build only block heads have one; Schedule assigns
// every node of the function to a block.
func (g *Graph) BlockOf(region ir.NodeID) int {
	if idx, ok := g.nodeBlock[region]; ok {
		return idx
	}
	return -1
}

// BlockHeads returns every block head NodeID, in Graph.Blocks index
// order, for deterministic iteration in tests.
func (g *Graph) BlockHeads() []ir.NodeID {
	heads := make([]ir.NodeID, len(g.Blocks))
	for i, b := range g.Blocks {
		heads[i] = b.Head
	}
	return heads
}
