package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/kr/text"
	"github.com/princesaroj111/kestrel-lang"
	"github.com/princesaroj111/kestrel-lang/backend"
	"github.com/princesaroj111/kestrel-lang/ir"
)

// Explain is the answer to an EXPLAIN trigger: the plan's segment
// condensation with every segment's compiled queries, produced without
// executing anything and without touching the cache.  Queries of
// segments that consume other segments' results are compiled against
// named placeholder inputs, since nothing has been materialized.
type Explain struct {
	// Target is the explained variable's node.
	Target ir.NodeID
	// Cached lists the plan's materialized leaves: nodes whose
	// results earlier triggers already cached.
	Cached []CachedLeaf
	// Segments in execution order.
	Segments []*ExplainSegment

	graph *ir.Graph
}

// CachedLeaf is a pruned node together with the fingerprint its
// cached result is stored under.
type CachedLeaf struct {
	Node        ir.NodeID
	Fingerprint string
}

// ExplainSegment describes one segment of the plan: its backend, its
// member nodes, the crossing edges, and the compiled query per sink.
type ExplainSegment struct {
	Interface string
	Nodes     []ir.NodeID
	Inputs    []ir.NodeID
	Sinks     []ir.NodeID
	Queries   []*backend.Query
}

// explain compiles every segment of the plan in placeholder mode and
// assembles the structured answer.
func (p *pipeline) explain(ctx context.Context) (*Explain, error) {
	out := &Explain{Target: p.plan.Target, graph: p.s.graph}
	for _, id := range p.plan.Cached {
		out.Cached = append(out.Cached, CachedLeaf{
			Node:        id,
			Fingerprint: p.s.graph.Fingerprint(id),
		})
	}
	for _, seg := range p.plan.Segments {
		c, err := p.s.compileSegment(ctx, seg, nil, true)
		if err != nil {
			return nil, err
		}
		out.Segments = append(out.Segments, &ExplainSegment{
			Interface: seg.Tag,
			Nodes:     seg.Nodes,
			Inputs:    seg.Inputs,
			Sinks:     seg.Sinks,
			Queries:   c.Queries,
		})
	}
	return out, nil
}

// Text renders the plan for terminal output.
func (e *Explain) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan for %s\n", e.label(e.Target))
	if len(e.Cached) == 0 {
		b.WriteString("cached leaves: none\n")
	} else {
		b.WriteString("cached leaves:\n")
		for _, leaf := range e.Cached {
			fmt.Fprintf(&b, "    %s [%s]\n", e.label(leaf.Node), ir.Short(leaf.Fingerprint))
		}
	}
	for i, seg := range e.Segments {
		fmt.Fprintf(&b, "segment %d on interface %q\n", i+1, seg.Interface)
		for _, id := range seg.Nodes {
			fmt.Fprintf(&b, "    %s\n", e.label(id))
		}
		if len(seg.Inputs) > 0 {
			fmt.Fprintf(&b, "    inputs: %s\n", nodeList(seg.Inputs))
		}
		for _, q := range seg.Queries {
			fmt.Fprintf(&b, "    query for node %d -> (%s):\n", q.Sink, columnList(q.Schema.Columns()))
			b.WriteString(text.Indent(strings.TrimRight(q.Text, "\n"), "        "))
			b.WriteByte('\n')
			if len(q.Args) > 0 {
				fmt.Fprintf(&b, "        args: %v\n", q.Args)
			}
		}
	}
	return b.String()
}

func (e *Explain) label(id ir.NodeID) string {
	n := e.graph.Node(id)
	s := fmt.Sprintf("node %d: %s", id, n.Kind)
	if n.Entity != "" {
		s += " " + n.Entity
	}
	if n.Binding != "" {
		s += fmt.Sprintf(" (%s)", n.Binding)
	}
	return s
}

func nodeList(ids []ir.NodeID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("node %d", id)
	}
	return strings.Join(parts, ", ")
}

func columnList(columns []kestrel.Column) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = fmt.Sprintf("%s %s", c.Name, c.Type)
	}
	return strings.Join(parts, ", ")
}
