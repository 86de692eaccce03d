// Package analytics runs registered analytics over materialized
// variables.  A Provider is one named family of analytics exposed as a
// backend interface, so the planner places APPLY nodes the same way it
// places query nodes and the orchestrator feeds them through the same
// segment pipeline.
package analytics

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/princesaroj111/kestrel-lang"
	"github.com/princesaroj111/kestrel-lang/backend"
	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"github.com/princesaroj111/kestrel-lang/ir"
	"github.com/princesaroj111/kestrel-lang/schema"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Result is what one analytic returns.  A nil Table keeps the first
// input variable unchanged; a non-nil Table becomes its new value.
// The artifact, if any, is kept by the provider for display.
type Result struct {
	Table    *kestrel.Table
	Artifact *Artifact
}

// Artifact is a display object produced alongside a result, such as a
// rendered chart.
type Artifact struct {
	MIME string
	Data []byte
}

// Func is one registered analytic.  It receives clones of the input
// tables, so it may mutate them freely.
type Func func(ctx context.Context, inputs []*kestrel.Table, args map[string]any) (*Result, error)

// Provider is a named family of analytics.  The name is the scheme in
// APPLY provider://analytic.
type Provider struct {
	name   string
	logger *zap.Logger

	mu        sync.RWMutex
	funcs     map[string]Func
	artifacts map[ir.NodeID]*Artifact
}

var _ backend.Interface = (*Provider)(nil)

func NewProvider(name string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		name:      name,
		logger:    logger.With(zap.String("provider", name)),
		funcs:     make(map[string]Func),
		artifacts: make(map[ir.NodeID]*Artifact),
	}
}

// Register adds one analytic under the given name.
func (p *Provider) Register(name string, fn Func) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.funcs[name]; ok {
		return kqe.E(kqe.Conflict, "analytic %q is already registered with provider %q", name, p.name)
	}
	p.funcs[name] = fn
	return nil
}

// Analytics returns the registered analytic names in sorted order.
func (p *Provider) Analytics() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := maps.Keys(p.funcs)
	slices.Sort(names)
	return names
}

// Artifact returns the display object the analytic behind a node
// produced during its last execution.
func (p *Provider) Artifact(id ir.NodeID) (*Artifact, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.artifacts[id]
	return a, ok
}

func (p *Provider) Name() string    { return p.name }
func (p *Provider) Dialect() string { return schema.DialectCanonical }

func (p *Provider) Capabilities() backend.Capabilities {
	return backend.Capabilities{Ops: []ir.Kind{ir.KindApply}, Universal: true}
}

// step is one compiled analytic invocation.  Input tables resolved at
// compile time are carried along; inputs produced by an earlier node
// of the same segment are resolved during Execute.
type step struct {
	node   ir.NodeID
	fn     Func
	name   string
	args   map[string]any
	inputs []ir.NodeID
	tables map[ir.NodeID]*kestrel.Table
}

// Compile checks every analytic of the segment exists and binds the
// materialized inputs.  An unknown analytic fails here, before
// anything runs.
func (p *Provider) Compile(ctx context.Context, req *backend.CompileRequest) (*backend.Compiled, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sinks := make(map[ir.NodeID]bool, len(req.Segment.Sinks))
	for _, id := range req.Segment.Sinks {
		sinks[id] = true
	}
	steps := make([]*step, 0, len(req.Segment.Nodes))
	queries := make([]*backend.Query, 0, len(req.Segment.Sinks))
	for _, id := range req.Segment.Nodes {
		n := req.Graph.Node(id)
		params, ok := n.Params.(*ir.Apply)
		if !ok {
			return nil, kqe.E(kqe.BackendCapability,
				"provider %q can only run analytics, not %s nodes", p.name, n.Kind)
		}
		fn, ok := p.funcs[params.Name]
		if !ok {
			return nil, kqe.E(kqe.BackendCapability, "provider %q has no analytic %q%s",
				p.name, params.Name, schema.Suggest(params.Name, maps.Keys(p.funcs)))
		}
		st := &step{
			node:   id,
			fn:     fn,
			name:   params.Name,
			args:   params.Args,
			inputs: n.Deps,
			tables: make(map[ir.NodeID]*kestrel.Table),
		}
		for _, dep := range n.Deps {
			if req.Segment.Contains(dep) {
				continue
			}
			table, ok := req.Inputs[dep]
			if !ok {
				if req.Placeholders {
					continue
				}
				return nil, kqe.E(kqe.BackendExecution, "segment input %d was not materialized", dep)
			}
			st.tables[dep] = table
		}
		steps = append(steps, st)
		if sinks[id] {
			queries = append(queries, &backend.Query{Sink: id, Text: describeStep(req.Graph, st)})
		}
	}
	return &backend.Compiled{Interface: p.name, Segment: req.Segment, Queries: queries, Payload: steps}, nil
}

// describeStep renders the invocation for explain output.
func describeStep(g *ir.Graph, st *step) string {
	var b strings.Builder
	b.WriteString(st.name)
	if len(st.args) > 0 {
		keys := maps.Keys(st.args)
		slices.Sort(keys)
		b.WriteByte('(')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, st.args[k])
		}
		b.WriteByte(')')
	}
	b.WriteString(" ON ")
	for i, dep := range st.inputs {
		if i > 0 {
			b.WriteString(", ")
		}
		if name := g.Node(dep).Binding; name != "" {
			b.WriteString(name)
		} else {
			fmt.Fprintf(&b, "n%d", dep)
		}
	}
	return b.String()
}

// Execute runs the compiled analytics in segment order.  Chained
// analytics of one segment see their predecessors' results.
func (p *Provider) Execute(ctx context.Context, c *backend.Compiled) (map[ir.NodeID]*kestrel.Table, error) {
	steps, ok := c.Payload.([]*step)
	if !ok {
		return nil, kqe.E(kqe.AnalyticsExecution, "provider %q: segment was not compiled by this provider", p.name)
	}
	out := make(map[ir.NodeID]*kestrel.Table, len(steps))
	for _, st := range steps {
		inputs := make([]*kestrel.Table, len(st.inputs))
		for i, dep := range st.inputs {
			table := st.tables[dep]
			if table == nil {
				table = out[dep]
			}
			if table == nil {
				return nil, kqe.E(kqe.AnalyticsExecution,
					"provider %q: input %d of analytic %q was not materialized", p.name, dep, st.name)
			}
			inputs[i] = table.Clone()
		}
		result, err := st.fn(ctx, inputs, st.args)
		if err != nil {
			return nil, kqe.E(kqe.AnalyticsExecution, "analytic %s://%s: %w", p.name, st.name, err)
		}
		table := inputs[0]
		var artifact *Artifact
		if result != nil {
			if result.Table != nil {
				table = result.Table
			}
			artifact = result.Artifact
		}
		p.mu.Lock()
		if artifact != nil {
			p.artifacts[st.node] = artifact
		} else {
			delete(p.artifacts, st.node)
		}
		p.mu.Unlock()
		p.logger.Debug("ran analytic",
			zap.String("analytic", st.name),
			zap.Int("node", int(st.node)),
			zap.Int("rows", table.Len()))
		out[st.node] = table
	}
	return out, nil
}
