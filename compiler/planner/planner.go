// Package planner turns a trigger node into an executable plan.  It
// computes the trigger's dependency closure pruned at cache hits,
// assigns every remaining node to a backend by capability, condenses
// runs of same-backend nodes into segments, and orders the segments
// for execution.  Planning performs no I/O: the cache is consulted
// through a membership probe and backends only through their declared
// capabilities.
package planner

import (
	"strings"

	"github.com/princesaroj111/kestrel-lang/backend"
	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"github.com/princesaroj111/kestrel-lang/ir"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Plan is the resolved execution plan of one trigger.
type Plan struct {
	// Trigger is the node whose statement started the pipeline.
	Trigger ir.NodeID
	// Target is the node whose result answers the trigger.  For
	// EXPLAIN the target is the explained variable's node; for every
	// other trigger it is the trigger itself.
	Target ir.NodeID
	// Cached lists the nodes that were pruned from the closure
	// because their fingerprints already have cache entries.  They
	// act as materialized leaves of the plan.
	Cached []ir.NodeID
	// Segments in execution order: every segment appears after the
	// segments that produce its inputs.
	Segments []*ir.Segment
}

// ProducerOf returns the segment containing id, or nil if id is not
// evaluated by this plan (a cached leaf, or a foreign node).
func (p *Plan) ProducerOf(id ir.NodeID) *ir.Segment {
	for _, seg := range p.Segments {
		if seg.Contains(id) {
			return seg
		}
	}
	return nil
}

// Planner resolves triggers against one graph and one set of
// registered backends.
type Planner struct {
	graph    *ir.Graph
	backends *backend.Registry
	cached   func(fingerprint string) bool
}

// New returns a planner.  cached reports whether a fingerprint has a
// usable cache entry; nil means nothing is cached.
func New(graph *ir.Graph, backends *backend.Registry, cached func(string) bool) *Planner {
	return &Planner{graph: graph, backends: backends, cached: cached}
}

// Plan resolves one trigger.  On success every planned node carries
// its backend tag; on failure no tag has been assigned and the graph
// is exactly as before the call.
func (p *Planner) Plan(trigger ir.NodeID) (*Plan, error) {
	target := trigger
	if n := p.graph.Node(trigger); n.Kind == ir.KindExplain {
		target = n.Deps[0]
	}
	closure := p.graph.ClosurePruned(target, func(id ir.NodeID) bool {
		return p.cached != nil && p.cached(p.graph.Fingerprint(id))
	})
	plan := &Plan{Trigger: trigger, Target: target}
	if len(closure) == 0 {
		// The target itself is cached; nothing to evaluate.
		plan.Cached = []ir.NodeID{target}
		return plan, nil
	}
	member := make(map[ir.NodeID]bool, len(closure))
	for _, id := range closure {
		member[id] = true
	}
	pruned := make(map[ir.NodeID]bool)
	for _, id := range closure {
		for _, dep := range p.graph.Node(id).Deps {
			if !member[dep] {
				pruned[dep] = true
			}
		}
	}
	plan.Cached = sortedIDs(pruned)

	tags, err := p.resolveTags(closure)
	if err != nil {
		return nil, err
	}
	assign := p.assignSegments(closure, tags)
	plan.Segments = p.condense(closure, assign, tags, member, target)
	for _, seg := range plan.Segments {
		if len(seg.Inputs) == 0 {
			continue
		}
		iface, err := p.backends.Lookup(seg.Tag)
		if err != nil {
			return nil, err
		}
		if !iface.Capabilities().Universal {
			return nil, kqe.E(kqe.BackendCapability,
				"interface %q cannot take rows materialized by other interfaces", seg.Tag)
		}
	}
	for _, id := range closure {
		p.graph.Node(id).SetTag(tags[id])
	}
	return plan, nil
}

// resolveTags picks a backend for every node of the closure.  A node
// tagged by an earlier trigger keeps its tag; tags are written back to
// the graph only after the whole closure resolves, so a capability
// failure leaves no node half-planned.
func (p *Planner) resolveTags(closure []ir.NodeID) (map[ir.NodeID]string, error) {
	tags := make(map[ir.NodeID]string, len(closure))
	tagOf := func(id ir.NodeID) string {
		if t, ok := tags[id]; ok {
			return t
		}
		return p.graph.Node(id).Tag()
	}
	for _, id := range closure {
		n := p.graph.Node(id)
		if t := n.Tag(); t != "" {
			tags[id] = t
			continue
		}
		var iface backend.Interface
		switch params := n.Params.(type) {
		case *ir.Retrieve:
			if params.Interface != "" {
				named, err := p.backends.Lookup(params.Interface)
				if err != nil {
					return nil, err
				}
				if !named.Capabilities().Supports(n.Kind, n.Entity) {
					return nil, kqe.E(kqe.BackendCapability,
						"interface %q cannot retrieve %s entities", params.Interface, n.Entity)
				}
				iface = named
			} else {
				iface = p.trunkInterface(n, tagOf)
			}
		case *ir.Apply:
			named, err := p.backends.Lookup(params.Provider)
			if err != nil {
				return nil, err
			}
			if !named.Capabilities().Supports(n.Kind, n.Entity) {
				return nil, kqe.E(kqe.BackendCapability,
					"interface %q cannot run analytics over %s entities", params.Provider, n.Entity)
			}
			iface = named
		default:
			iface = p.trunkInterface(n, tagOf)
		}
		if iface == nil {
			first, ok := p.backends.FirstCapable(n.Kind, n.Entity)
			if !ok {
				return nil, p.incapable(n)
			}
			iface = first
		}
		tags[id] = iface.Name()
	}
	return tags, nil
}

// trunkInterface returns the backend of the node's first dependency
// when that backend can also evaluate this node, which keeps a chain
// of operations on one backend inside one nested query.
func (p *Planner) trunkInterface(n *ir.Node, tagOf func(ir.NodeID) string) backend.Interface {
	if len(n.Deps) == 0 {
		return nil
	}
	tag := tagOf(n.Deps[0])
	if tag == "" || !p.backends.Supports(tag, n.Kind, n.Entity) {
		return nil
	}
	iface, err := p.backends.Lookup(tag)
	if err != nil {
		return nil
	}
	return iface
}

func (p *Planner) incapable(n *ir.Node) error {
	names := p.backends.Names()
	if len(names) == 0 {
		return kqe.E(kqe.BackendCapability,
			"no interface can evaluate %s over %s: no interfaces are registered", n.Kind, n.Entity)
	}
	return kqe.E(kqe.BackendCapability,
		"no registered interface can evaluate %s over %s (registered: %s)",
		n.Kind, n.Entity, strings.Join(names, ", "))
}

// assignSegments groups the closure into same-tag segments.  Nodes
// are visited in insertion order, so all dependencies are placed
// before their dependent.  A node joins the segments of its same-tag
// dependencies whenever the merge keeps the segment condensation
// acyclic; a merge that would close a segment-level cycle is skipped
// and the node starts a new segment instead.
func (p *Planner) assignSegments(closure []ir.NodeID, tags map[ir.NodeID]string) map[ir.NodeID]int {
	assign := make(map[ir.NodeID]int, len(closure))
	next := 0
	for _, id := range closure {
		n := p.graph.Node(id)
		var depSegs []int
		for _, dep := range n.Deps {
			s, ok := assign[dep]
			if !ok || tags[dep] != tags[id] || slices.Contains(depSegs, s) {
				continue
			}
			depSegs = append(depSegs, s)
		}
		placed := false
		if len(depSegs) > 1 {
			placed = p.merge(closure, assign, id, depSegs)
		}
		if !placed {
			for _, s := range depSegs {
				if p.merge(closure, assign, id, []int{s}) {
					placed = true
					break
				}
			}
		}
		if !placed {
			assign[id] = next
			next++
		}
	}
	return assign
}

// merge tentatively places id into into[0], folding the remaining
// segments of into into it, and commits only if the segment-level
// condensation stays acyclic.
func (p *Planner) merge(closure []ir.NodeID, assign map[ir.NodeID]int, id ir.NodeID, into []int) bool {
	trial := maps.Clone(assign)
	home := into[0]
	trial[id] = home
	for nid, s := range trial {
		if slices.Contains(into[1:], s) {
			trial[nid] = home
		}
	}
	if !p.acyclic(closure, trial) {
		return false
	}
	for nid, s := range trial {
		assign[nid] = s
	}
	return true
}

// acyclic checks the segment condensation induced by a (possibly
// partial) assignment.  Dependencies outside the assignment are
// leaves and cannot take part in a cycle.
func (p *Planner) acyclic(closure []ir.NodeID, assign map[ir.NodeID]int) bool {
	adj := make(map[int][]int)
	for _, id := range closure {
		s, ok := assign[id]
		if !ok {
			continue
		}
		for _, dep := range p.graph.Node(id).Deps {
			ds, ok := assign[dep]
			if !ok || ds == s || slices.Contains(adj[ds], s) {
				continue
			}
			adj[ds] = append(adj[ds], s)
		}
	}
	const inStack, done = 1, 2
	state := make(map[int]int)
	var visit func(int) bool
	visit = func(s int) bool {
		state[s] = inStack
		for _, t := range adj[s] {
			switch state[t] {
			case inStack:
				return false
			case 0:
				if !visit(t) {
					return false
				}
			}
		}
		state[s] = done
		return true
	}
	for s := range adj {
		if state[s] == 0 && !visit(s) {
			return false
		}
	}
	return true
}

// condense builds the segment list: member nodes in insertion order,
// external inputs, and the sinks whose results must be materialized.
// Segments come out in topological order with ties broken by the
// segment's earliest node, so plans are reproducible.
func (p *Planner) condense(closure []ir.NodeID, assign map[ir.NodeID]int, tags map[ir.NodeID]string, member map[ir.NodeID]bool, target ir.NodeID) []*ir.Segment {
	nodesBySeg := make(map[int][]ir.NodeID)
	for _, id := range closure {
		s := assign[id]
		nodesBySeg[s] = append(nodesBySeg[s], id)
	}
	bound := make(map[ir.NodeID]bool)
	for _, id := range p.graph.Bindings() {
		bound[id] = true
	}
	// consumers[d] lists closure nodes that depend on d.
	consumers := make(map[ir.NodeID][]ir.NodeID)
	for _, id := range closure {
		for _, dep := range p.graph.Node(id).Deps {
			consumers[dep] = append(consumers[dep], id)
		}
	}
	segIDs := maps.Keys(nodesBySeg)
	slices.Sort(segIDs)
	segs := make([]*ir.Segment, 0, len(segIDs))
	for _, s := range segIDs {
		nodes := nodesBySeg[s]
		seg := &ir.Segment{Tag: tags[nodes[0]], Nodes: nodes}
		inputs := make(map[ir.NodeID]bool)
		for _, id := range nodes {
			for _, dep := range p.graph.Node(id).Deps {
				if assign[dep] != s || !member[dep] {
					inputs[dep] = true
				}
			}
			external := false
			for _, c := range consumers[id] {
				if assign[c] != s {
					external = true
					break
				}
			}
			if external || id == target || bound[id] {
				seg.Sinks = append(seg.Sinks, id)
			}
		}
		seg.Inputs = sortedIDs(inputs)
		segs = append(segs, seg)
	}
	return orderSegments(segs, assign, consumers)
}

// orderSegments sorts segments topologically, always releasing the
// ready segment with the smallest earliest node first.
func orderSegments(segs []*ir.Segment, assign map[ir.NodeID]int, consumers map[ir.NodeID][]ir.NodeID) []*ir.Segment {
	index := make(map[int]*ir.Segment, len(segs))
	waiting := make(map[int]int, len(segs))
	succ := make(map[int][]int)
	for _, seg := range segs {
		index[assign[seg.Nodes[0]]] = seg
	}
	for _, seg := range segs {
		s := assign[seg.Nodes[0]]
		for _, id := range seg.Nodes {
			for _, c := range consumers[id] {
				cs := assign[c]
				if cs == s || slices.Contains(succ[s], cs) {
					continue
				}
				succ[s] = append(succ[s], cs)
				waiting[cs]++
			}
		}
	}
	var ready []int
	for s := range index {
		if waiting[s] == 0 {
			ready = append(ready, s)
		}
	}
	out := make([]*ir.Segment, 0, len(segs))
	for len(ready) > 0 {
		best := 0
		for i := range ready {
			if index[ready[i]].Nodes[0] < index[ready[best]].Nodes[0] {
				best = i
			}
		}
		s := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		out = append(out, index[s])
		for _, t := range succ[s] {
			waiting[t]--
			if waiting[t] == 0 {
				ready = append(ready, t)
			}
		}
	}
	return out
}

func sortedIDs(set map[ir.NodeID]bool) []ir.NodeID {
	if len(set) == 0 {
		return nil
	}
	ids := maps.Keys(set)
	slices.Sort(ids)
	return ids
}
