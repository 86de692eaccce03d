// Package semantic lowers parsed huntflow statements onto the IR
// graph.  This is where dialect vocabulary becomes canonical: every
// entity, attribute, and relation reference is resolved through the
// schema registry before a node is added, so the graph and everything
// below it speak canonical names only.  A statement either becomes
// exactly one new node or, on any resolution failure, leaves the graph
// untouched.
package semantic

import (
	"time"

	"github.com/princesaroj111/kestrel-lang/compiler/ast"
	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"github.com/princesaroj111/kestrel-lang/ir"
	"github.com/princesaroj111/kestrel-lang/schema"
)

// Analyzer lowers statements for one session.  All methods are
// synchronous and perform no I/O; anything that needs a backend
// happens after planning, never here.
type Analyzer struct {
	graph *ir.Graph
	reg   *schema.Registry
	now   func() time.Time
}

func New(graph *ir.Graph, reg *schema.Registry) *Analyzer {
	return &Analyzer{graph: graph, reg: reg, now: time.Now}
}

// SetClock overrides the clock that anchors relative time ranges.
func (a *Analyzer) SetClock(now func() time.Time) {
	a.now = now
}

// Analyze lowers one statement onto the graph and returns the node it
// became.
func (a *Analyzer) Analyze(stmt ast.Stmt) (*ir.Node, error) {
	switch s := stmt.(type) {
	case *ast.New:
		return a.semNew(s)
	case *ast.Get:
		return a.semGet(s)
	case *ast.Find:
		return a.semFind(s)
	case *ast.Assign:
		return a.semAssign(s)
	case *ast.Disp:
		return a.semDisp(s)
	case *ast.Info:
		return a.semInfo(s)
	case *ast.Apply:
		return a.semApply(s)
	case *ast.Explain:
		return a.semExplain(s)
	}
	return nil, kqe.E("unknown statement type %T", stmt)
}

// lookup resolves a variable reference against the current bindings.
func (a *Analyzer) lookup(ref *ast.ID) (ir.NodeID, error) {
	if id, ok := a.graph.Lookup(ref.Name); ok {
		return id, nil
	}
	return 0, kqe.E(kqe.Reference, "unknown variable %q%s",
		ref.Name, schema.Suggest(ref.Name, a.graph.BindingNames()))
}

// anchorSpan converts a time range to absolute bounds.  Relative LAST
// windows are anchored here so a node's meaning, and with it its
// fingerprint, is fixed the moment the statement is built.
func (a *Analyzer) anchorSpan(span *ast.TimeSpan) (start, stop time.Time) {
	if span == nil {
		return time.Time{}, time.Time{}
	}
	if span.Last > 0 {
		stop = a.now().UTC()
		return stop.Add(-span.Last), stop
	}
	return span.Start, span.Stop
}

// inheritDatasource finds the datasource a traversal reads from: the
// one named by the nearest sourced ancestor along the trunk.
func (a *Analyzer) inheritDatasource(id ir.NodeID) string {
	for {
		n := a.graph.Node(id)
		switch params := n.Params.(type) {
		case *ir.Retrieve:
			return params.Datasource
		case *ir.Traverse:
			return params.Datasource
		}
		if len(n.Deps) == 0 {
			return ""
		}
		id = n.Deps[0]
	}
}

// resultAttrs returns the canonical columns a node materializes, nil
// meaning every attribute of its entity.  Projections narrow the set;
// analytics may add columns, so apply results are treated as open.
func (a *Analyzer) resultAttrs(id ir.NodeID) []string {
	n := a.graph.Node(id)
	switch params := n.Params.(type) {
	case *ir.Construct:
		return params.Schema.Names()
	case *ir.Transform:
		if params.Attrs != nil {
			return params.Attrs
		}
		return a.resultAttrs(n.Deps[0])
	case *ir.Display:
		if params.Attrs != nil {
			return params.Attrs
		}
		return a.resultAttrs(n.Deps[0])
	}
	return nil
}
