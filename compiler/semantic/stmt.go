package semantic

import (
	"github.com/princesaroj111/kestrel-lang"
	"github.com/princesaroj111/kestrel-lang/compiler/ast"
	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"github.com/princesaroj111/kestrel-lang/ir"
	"github.com/princesaroj111/kestrel-lang/schema"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

func (a *Analyzer) semNew(n *ast.New) (*ir.Node, error) {
	entityName := ""
	if n.Entity != nil {
		entityName = n.Entity.Name
	}
	rows := n.Rows
	if entityName == "" {
		var err error
		entityName, rows, err = entityFromRows(rows)
		if err != nil {
			return nil, err
		}
	}
	e, err := a.reg.ResolveEntity(entityName)
	if err != nil {
		return nil, err
	}
	sch, outRows, err := a.constructRows(e, rows)
	if err != nil {
		return nil, err
	}
	return a.graph.Add(ir.KindConstruct, e.Name, n.Binding.Name, &ir.Construct{Schema: sch, Rows: outRows})
}

// entityFromRows pulls the entity type out of a "type" column when NEW
// is written without one, the way pasted observation objects carry it.
func entityFromRows(rows []map[string]any) (string, []map[string]any, error) {
	name, ok := rows[0]["type"].(string)
	if !ok || name == "" {
		return "", nil, kqe.E(kqe.SchemaResolution,
			`NEW needs an entity type, either in the statement or as a "type" column`)
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		rowName, _ := row["type"].(string)
		if rowName != name {
			return "", nil, kqe.E(kqe.SchemaResolution,
				"row %d has type %q but row 1 has %q", i+1, rowName, name)
		}
		stripped := make(map[string]any, len(row)-1)
		for k, v := range row {
			if k != "type" {
				stripped[k] = v
			}
		}
		out[i] = stripped
	}
	return name, out, nil
}

// constructRows resolves row keys to canonical attributes and aligns
// the values into catalog column order.  Every row must carry the same
// columns as the first.
func (a *Analyzer) constructRows(e *schema.Entity, rows []map[string]any) (kestrel.Schema, []kestrel.Row, error) {
	var errs error
	written := make(map[string]string, len(rows[0]))
	keys := maps.Keys(rows[0])
	slices.Sort(keys)
	for _, key := range keys {
		attr, err := a.reg.ResolveAttr(e.Name, key)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if prev, ok := written[attr.Name]; ok {
			errs = multierr.Append(errs, kqe.E(kqe.SchemaResolution,
				"columns %q and %q both map to %s.%s", prev, key, e.Name, attr.Name))
			continue
		}
		written[attr.Name] = key
	}
	if errs != nil {
		return nil, nil, errs
	}
	var sch kestrel.Schema
	for _, attr := range e.Attributes() {
		if _, ok := written[attr.Name]; ok {
			sch = append(sch, kestrel.Field{Canonical: attr.Name, Native: attr.Name, Type: attr.Type})
		}
	}
	out := make([]kestrel.Row, len(rows))
	for i, row := range rows {
		if len(row) != len(sch) {
			return nil, nil, kqe.E(kqe.SchemaResolution,
				"row %d has %d columns but row 1 has %d", i+1, len(row), len(sch))
		}
		cells := make(kestrel.Row, len(sch))
		for j, f := range sch {
			key := written[f.Canonical]
			v, ok := row[key]
			if !ok {
				return nil, nil, kqe.E(kqe.SchemaResolution, "row %d is missing column %q", i+1, key)
			}
			cell, err := coerceValue(schema.Attribute{Name: f.Canonical, Type: f.Type}, v)
			if err != nil {
				errs = multierr.Append(errs, kqe.E("row %d: %w", i+1, err))
				continue
			}
			cells[j] = cell
		}
		out[i] = cells
	}
	if errs != nil {
		return nil, nil, errs
	}
	return sch, out, nil
}

func (a *Analyzer) semGet(g *ast.Get) (*ir.Node, error) {
	e, err := a.reg.ResolveEntity(g.Entity.Name)
	if err != nil {
		return nil, err
	}
	params := &ir.Retrieve{Limit: g.Limit, Offset: g.Offset}
	if g.Source != nil {
		params.Interface = g.Source.Scheme
		params.Datasource = g.Source.Path
	}
	params.Start, params.Stop = a.anchorSpan(g.Span)
	scope := &fieldScope{a: a, entity: e}
	var errs error
	if g.Where != nil {
		params.Filter, err = a.semFilter(g.Where, scope)
		errs = multierr.Append(errs, err)
	}
	if g.Sort != nil {
		params.Sort, err = a.semSort(g.Sort, scope, nil)
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return nil, errs
	}
	return a.graph.Add(ir.KindRetrieve, e.Name, g.Binding.Name, params, params.Filter.RefNodes()...)
}

func (a *Analyzer) semFind(f *ast.Find) (*ir.Node, error) {
	e, err := a.reg.ResolveEntity(f.Entity.Name)
	if err != nil {
		return nil, err
	}
	input, err := a.lookup(f.Input)
	if err != nil {
		return nil, err
	}
	tr, err := a.reg.Traverse(f.Relation, f.Reverse, a.graph.Node(input).Entity, e.Name)
	if err != nil {
		return nil, err
	}
	if attrs := a.resultAttrs(input); attrs != nil && !slices.Contains(attrs, tr.InputAttr) {
		return nil, kqe.E(kqe.SchemaResolution,
			"%q no longer carries %q, which the %s relation joins on",
			f.Input.Name, tr.InputAttr, f.Relation)
	}
	params := &ir.Traverse{
		Relation:   f.Relation,
		Reverse:    f.Reverse,
		SourceAttr: tr.InputAttr,
		TargetAttr: tr.ResultAttr,
		Datasource: a.inheritDatasource(input),
		Limit:      f.Limit,
		Offset:     f.Offset,
	}
	params.Start, params.Stop = a.anchorSpan(f.Span)
	scope := &fieldScope{a: a, entity: e}
	var errs error
	if f.Where != nil {
		params.Filter, err = a.semFilter(f.Where, scope)
		errs = multierr.Append(errs, err)
	}
	if f.Sort != nil {
		params.Sort, err = a.semSort(f.Sort, scope, nil)
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return nil, errs
	}
	deps := append([]ir.NodeID{input}, exceptNode(params.Filter.RefNodes(), input)...)
	return a.graph.Add(ir.KindTraverse, e.Name, f.Binding.Name, params, deps...)
}

func (a *Analyzer) semAssign(s *ast.Assign) (*ir.Node, error) {
	input, err := a.lookup(s.Input)
	if err != nil {
		return nil, err
	}
	entity := a.graph.Node(input).Entity
	e, err := a.reg.Entity(entity)
	if err != nil {
		return nil, err
	}
	params := &ir.Transform{Limit: s.Limit, Offset: s.Offset}
	scope := &fieldScope{a: a, entity: e, attrs: a.resultAttrs(input)}
	var errs error
	if s.Where != nil {
		params.Filter, err = a.semFilter(s.Where, scope)
		errs = multierr.Append(errs, err)
	}
	params.Attrs, err = a.semAttrs(s.Attrs, scope)
	errs = multierr.Append(errs, err)
	if s.Sort != nil {
		params.Sort, err = a.semSort(s.Sort, scope, params.Attrs)
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return nil, errs
	}
	deps := append([]ir.NodeID{input}, exceptNode(params.Filter.RefNodes(), input)...)
	return a.graph.Add(ir.KindTransform, entity, s.Binding.Name, params, deps...)
}

func (a *Analyzer) semDisp(d *ast.Disp) (*ir.Node, error) {
	input, err := a.lookup(d.Input)
	if err != nil {
		return nil, err
	}
	entity := a.graph.Node(input).Entity
	e, err := a.reg.Entity(entity)
	if err != nil {
		return nil, err
	}
	params := &ir.Display{Limit: d.Limit, Offset: d.Offset}
	scope := &fieldScope{a: a, entity: e, attrs: a.resultAttrs(input)}
	var errs error
	params.Attrs, err = a.semAttrs(d.Attrs, scope)
	errs = multierr.Append(errs, err)
	if d.Sort != nil {
		params.Sort, err = a.semSort(d.Sort, scope, params.Attrs)
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return nil, errs
	}
	return a.graph.Add(ir.KindDisplay, entity, "", params, input)
}

func (a *Analyzer) semInfo(i *ast.Info) (*ir.Node, error) {
	input, err := a.lookup(i.Input)
	if err != nil {
		return nil, err
	}
	return a.graph.Add(ir.KindDescribe, a.graph.Node(input).Entity, "", &ir.Describe{}, input)
}

func (a *Analyzer) semApply(s *ast.Apply) (*ir.Node, error) {
	var errs error
	deps := make([]ir.NodeID, 0, len(s.Inputs))
	for _, in := range s.Inputs {
		id, err := a.lookup(in)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		deps = append(deps, id)
	}
	if errs != nil {
		return nil, errs
	}
	args := make(map[string]any, len(s.Params))
	for k, v := range s.Params {
		args[k] = kestrel.Normalize(v)
	}
	if len(args) == 0 {
		args = nil
	}
	params := &ir.Apply{Provider: s.Analytic.Scheme, Name: s.Analytic.Path, Args: args}
	// The analytic's result replaces its first input, so the statement
	// rebinds that variable to the new node.
	return a.graph.Add(ir.KindApply, a.graph.Node(deps[0]).Entity, s.Inputs[0].Name, params, deps...)
}

func (a *Analyzer) semExplain(e *ast.Explain) (*ir.Node, error) {
	input, err := a.lookup(e.Input)
	if err != nil {
		return nil, err
	}
	return a.graph.Add(ir.KindExplain, a.graph.Node(input).Entity, "", &ir.Explain{}, input)
}

// semAttrs resolves an ATTR projection list, preserving written order.
func (a *Analyzer) semAttrs(attrs []*ast.ID, scope *fieldScope) ([]string, error) {
	if attrs == nil {
		return nil, nil
	}
	var errs error
	out := make([]string, 0, len(attrs))
	for _, id := range attrs {
		attr, err := scope.resolve(id)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if slices.Contains(out, attr.Name) {
			continue
		}
		out = append(out, attr.Name)
	}
	if errs != nil {
		return nil, errs
	}
	return out, nil
}

func (a *Analyzer) semSort(s *ast.SortClause, scope *fieldScope, projection []string) (*ir.SortSpec, error) {
	attr, err := scope.resolve(s.Attr)
	if err != nil {
		return nil, err
	}
	if projection != nil && !slices.Contains(projection, attr.Name) {
		return nil, kqe.E(kqe.SchemaResolution,
			"cannot sort by %q: not in the ATTR projection", s.Attr.Name)
	}
	return &ir.SortSpec{Attr: attr.Name, Ascending: s.Ascending}, nil
}

// exceptNode drops one id from a list, keeping order.
func exceptNode(ids []ir.NodeID, drop ir.NodeID) []ir.NodeID {
	var out []ir.NodeID
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
