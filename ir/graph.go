package ir

import (
	"fmt"

	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Graph is the append-only operation graph of one hunting session.
// Nodes are never removed or rewritten, so a node's meaning is fixed
// at the moment its statement is built.  Variable bindings are a layer
// on top of the arena: rebinding a name points it at a new node and
// leaves every earlier consumer of the old node untouched.
type Graph struct {
	nodes    []*Node
	bindings map[string]NodeID
}

func NewGraph() *Graph {
	return &Graph{bindings: make(map[string]NodeID)}
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

func (g *Graph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		panic(fmt.Sprintf("ir: node %d out of range (%d nodes)", id, len(g.nodes)))
	}
	return g.nodes[id]
}

// Nodes returns the arena in insertion order.  The slice is shared;
// callers must not modify it.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// Add appends a node.  Dependencies must already be in the arena,
// which keeps the graph acyclic by construction.  If binding is
// non-empty the name is bound to the new node, shadowing any earlier
// binding.
func (g *Graph) Add(kind Kind, entity, binding string, params Params, deps ...NodeID) (*Node, error) {
	next := NodeID(len(g.nodes))
	for _, dep := range deps {
		if dep < 0 || dep >= next {
			return nil, kqe.E(kqe.Reference, "dependency %d of new %s node is not in the graph", dep, kind)
		}
	}
	node := &Node{
		ID:      next,
		Kind:    kind,
		Entity:  entity,
		Binding: binding,
		Deps:    slices.Clone(deps),
		Params:  params,
	}
	g.nodes = append(g.nodes, node)
	if binding != "" {
		g.bindings[binding] = next
	}
	return node, nil
}

// Bind points name at an existing node, shadowing any earlier binding.
func (g *Graph) Bind(name string, id NodeID) error {
	if id < 0 || int(id) >= len(g.nodes) {
		return kqe.E(kqe.Reference, "cannot bind %q to node %d: not in the graph", name, id)
	}
	g.bindings[name] = id
	return nil
}

// Lookup resolves a variable name to its current node.
func (g *Graph) Lookup(name string) (NodeID, bool) {
	id, ok := g.bindings[name]
	return id, ok
}

// Bindings returns a copy of the current name bindings.
func (g *Graph) Bindings() map[string]NodeID {
	return maps.Clone(g.bindings)
}

// BindingNames returns the bound variable names in sorted order.
func (g *Graph) BindingNames() []string {
	names := maps.Keys(g.bindings)
	slices.Sort(names)
	return names
}

// Closure returns id and its transitive dependencies in ascending
// order, which is a topological order because dependencies always
// precede their dependents in the arena.
func (g *Graph) Closure(id NodeID) []NodeID {
	return g.ClosurePruned(id, nil)
}

// ClosurePruned returns the part of id's closure that still needs
// evaluation, descending past any node for which skip returns true.
// Skipped nodes and everything below them are excluded.
func (g *Graph) ClosurePruned(id NodeID, skip func(NodeID) bool) []NodeID {
	seen := make(map[NodeID]bool)
	var visit func(NodeID)
	visit = func(id NodeID) {
		if seen[id] {
			return
		}
		if skip != nil && skip(id) {
			return
		}
		seen[id] = true
		for _, dep := range g.Node(id).Deps {
			visit(dep)
		}
	}
	visit(id)
	ids := maps.Keys(seen)
	slices.Sort(ids)
	return ids
}
