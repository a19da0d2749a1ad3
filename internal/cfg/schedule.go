package cfg

import "github.com/xyproto/nodeback/internal/ir"

// Schedule computes dominators, the post-order/RPO block layout, a late
// (GCM) block assignment for every floating node, and the intra-block
// DFS order instruction selection consumes (spec.md §4.E). Call it once
// after Build.
func (g *Graph) Schedule() {
	g.postOrder()
	g.computeDominators()
	g.assignFloatingNodes()
	g.scheduleBlocks()
}

// assignFloatingNodes implements global code motion's placement rule in
// its simplest legal form: a node pinned to a control input lives in
// that control's block; everything else floats to the dominator-tree
// LCA of its users' blocks — spec.md GLOSSARY "GCM: the late-scheduling
// pass that assigns each node to the latest legal block dominated by
// its users."
func (g *Graph) assignFloatingNodes() {
	n := g.fn.Arena().Len()
	resolving := make([]bool, n)
	resolved := make([]bool, n)

	rpoPos := make([]int, len(g.Blocks))
	for i, b := range g.RPO {
		rpoPos[b] = i
	}

	var resolve func(id ir.NodeID) int
	resolve = func(id ir.NodeID) int {
		if idx, ok := g.nodeBlock[id]; ok {
			return idx
		}
		if resolved[id] {
			return g.nodeBlock[id]
		}
		if resolving[id] {
			// Defensive: a genuine cycle among floating nodes would be
			// malformed IR (only phis may carry back-edges, and phis
			// are always pinned to their region). Fall back to the
			// entry block rather than infinite-looping.
			return g.RPO[0]
		}
		resolving[id] = true

		node := g.fn.Node(id)
		inputs := node.Inputs()
		var block int
		switch {
		case node.Op() == ir.OpProjection:
			block = resolve(inputs[0])
		case len(inputs) > ir.SlotControl && inputs[ir.SlotControl] != ir.InvalidNodeID:
			// spec.md §3 invariant 4: a set slot 0 pins this node inside
			// that control's block (covers load/store/call/local/
			// trap/unreachable, and phi whose slot 0 is its region).
			block = resolve(inputs[ir.SlotControl])
		default:
			block = -1
			for _, u := range node.Users() {
				ub := resolve(u)
				if un := g.fn.Node(u); un.Op() == ir.OpPhi {
					// A phi input is used at the end of the matching
					// predecessor, not in the phi's own block.
					preds := g.fn.Node(un.Inputs()[0]).Inputs()
					for j, in := range un.Inputs()[1:] {
						if in == id && j < len(preds) {
							ub = resolve(preds[j])
						}
					}
				}
				if block == -1 {
					block = ub
					continue
				}
				block = intersect(g.Blocks, rpoPos, block, ub)
			}
			if block == -1 {
				block = g.RPO[0] // dead/unused value; park it in the entry block
			}
		}
		g.nodeBlock[id] = block
		resolved[id] = true
		resolving[id] = false
		return block
	}

	for id := ir.NodeID(0); id < ir.NodeID(n); id++ {
		resolve(id)
	}
}

// scheduleBlocks fills in Block.Order with a DFS over each block's
// locally-owned nodes, visiting inputs right-to-left (spec.md §4.E):
// first from the inputs of the phis the terminator feeds, then from the
// terminator itself. Projections are reached only as inputs.
func (g *Graph) scheduleBlocks() {
	n := g.fn.Arena().Len()
	placed := make([]bool, n)

	var visit func(b *Block, id ir.NodeID)
	visit = func(b *Block, id ir.NodeID) {
		if placed[id] {
			return
		}
		if g.nodeBlock[id] != b.Index {
			return // belongs to another block; scheduled there instead
		}
		placed[id] = true
		node := g.fn.Node(id)
		inputs := node.Inputs()
		// Right-to-left per spec.md §4.E.
		for i := len(inputs) - 1; i >= 0; i-- {
			if inputs[i] != ir.InvalidNodeID {
				visit(b, inputs[i])
			}
		}
		b.Order = append(b.Order, id)
	}

	for _, idx := range g.RPO {
		b := g.Blocks[idx]
		visit(b, b.Head)
		if b.Terminator != ir.InvalidNodeID {
			// Inputs of the phis this terminator feeds are scheduled
			// ahead of it, so they exist when the edge's copies are made.
			targets := successors(g.fn, b.Terminator)
			if g.fn.Node(b.Terminator).Op() == ir.OpExit {
				targets = []ir.NodeID{b.Terminator}
			}
			for _, t := range targets {
				for _, u := range g.fn.Node(t).Users() {
					if g.fn.Node(u).Op() == ir.OpPhi {
						for _, in := range g.fn.Node(u).Inputs()[1:] {
							visit(b, in)
						}
					}
				}
			}
			visit(b, b.Terminator)
		}
	}
}
