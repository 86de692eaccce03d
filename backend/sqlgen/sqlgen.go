// Package sqlgen compiles graph segments to SQL.  Each node becomes a
// SELECT over its dependency's subquery, so a whole segment collapses
// into one nested query per sink and intermediate results never leave
// the backend.  Dependencies outside the segment are rendered into the
// query as literal row sets.
package sqlgen

import (
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/princesaroj111/kestrel-lang"
	"github.com/princesaroj111/kestrel-lang/backend"
	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"github.com/princesaroj111/kestrel-lang/ir"
	"github.com/princesaroj111/kestrel-lang/schema"
)

// TableFunc maps a datasource and native entity name to the physical
// table the backend stores those rows in.
type TableFunc func(datasource, nativeEntity string) string

// Translator compiles one segment for one backend dialect.
type Translator struct {
	graph        *ir.Graph
	reg          *schema.Registry
	dialect      *schema.Dialect
	name         string
	tableFor     TableFunc
	seg          *ir.Segment
	inputs       map[ir.NodeID]*kestrel.Table
	placeholders bool
	memo         map[ir.NodeID]compiled
}

type compiled struct {
	b   sq.SelectBuilder
	sch kestrel.Schema
}

func New(graph *ir.Graph, reg *schema.Registry, dialectName string, tableFor TableFunc, req *backend.CompileRequest) (*Translator, error) {
	dialect, err := reg.Dialect(dialectName)
	if err != nil {
		return nil, err
	}
	return &Translator{
		graph:        graph,
		reg:          reg,
		dialect:      dialect,
		name:         dialectName,
		tableFor:     tableFor,
		seg:          req.Segment,
		inputs:       req.Inputs,
		placeholders: req.Placeholders,
		memo:         make(map[ir.NodeID]compiled),
	}, nil
}

// Queries compiles one query per segment sink.
func (t *Translator) Queries() ([]*backend.Query, error) {
	queries := make([]*backend.Query, 0, len(t.seg.Sinks))
	for _, sink := range t.seg.Sinks {
		q, err := t.Query(sink)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return queries, nil
}

// Query compiles the nested query that materializes one node.
func (t *Translator) Query(id ir.NodeID) (*backend.Query, error) {
	c, err := t.node(id)
	if err != nil {
		return nil, err
	}
	text, args, err := c.b.ToSql()
	if err != nil {
		return nil, kqe.E(kqe.BackendCapability, "cannot render query for node %d: %w", id, err)
	}
	return &backend.Query{Sink: id, Text: text, Args: args, Schema: c.sch}, nil
}

func (t *Translator) node(id ir.NodeID) (compiled, error) {
	if c, ok := t.memo[id]; ok {
		return c, nil
	}
	c, err := t.build(id)
	if err != nil {
		return compiled{}, err
	}
	t.memo[id] = c
	return c, nil
}

func (t *Translator) build(id ir.NodeID) (compiled, error) {
	if !t.seg.Contains(id) {
		return t.buildInput(id)
	}
	n := t.graph.Node(id)
	switch params := n.Params.(type) {
	case *ir.Construct:
		return t.buildConstruct(n, params)
	case *ir.Retrieve:
		return t.buildRetrieve(n, params)
	case *ir.Traverse:
		return t.buildTraverse(n, params)
	case *ir.Transform:
		return t.buildStep(n, params.Filter, params.Attrs, params.Sort, params.Limit, params.Offset, params.Attrs != nil)
	case *ir.Display:
		return t.buildStep(n, nil, params.Attrs, params.Sort, params.Limit, params.Offset, false)
	}
	return compiled{}, kqe.E(kqe.BackendCapability, "%s node cannot be compiled to SQL", n.Kind)
}

// buildInput renders an external dependency's materialized rows as a
// literal row set with this dialect's native column names.  Before
// materialization, placeholder mode stands in a table named after the
// dependency's fingerprint so EXPLAIN can show the query shape.
func (t *Translator) buildInput(id ir.NodeID) (compiled, error) {
	n := t.graph.Node(id)
	table, ok := t.inputs[id]
	if !ok {
		if !t.placeholders {
			return compiled{}, kqe.E(kqe.BackendExecution, "segment input %d was not materialized", id)
		}
		sch, err := t.reg.NativeSchema(t.name, n.Entity, nil)
		if err != nil {
			return compiled{}, err
		}
		b := sq.Select(quotedNatives(sch)...).From(QuoteIdent(t.placeholderName(id)))
		return compiled{b: b, sch: sch}, nil
	}
	sch, err := t.reg.NativeSchema(t.name, n.Entity, table.ColumnNames())
	if err != nil {
		return compiled{}, err
	}
	return compiled{b: literalSelect(sch, table.Rows), sch: sch}, nil
}

func (t *Translator) placeholderName(id ir.NodeID) string {
	return "input_" + ir.Short(t.graph.Fingerprint(id))
}

func literalSelect(sch kestrel.Schema, rows []kestrel.Row) sq.SelectBuilder {
	if len(rows) == 0 {
		b := sq.Select()
		for _, f := range sch {
			b = b.Column(sq.Expr("NULL AS " + QuoteIdent(f.Native)))
		}
		return b.Where(sq.Expr("1=0"))
	}
	b := sq.Select()
	for i, f := range sch {
		b = b.Column(sq.Expr("? AS "+QuoteIdent(f.Native), EncodeValue(rows[0][i])))
	}
	for _, row := range rows[1:] {
		placeholders := make([]string, len(row))
		args := make([]any, len(row))
		for i, v := range row {
			placeholders[i] = "?"
			args[i] = EncodeValue(v)
		}
		b = b.Suffix("UNION ALL SELECT "+strings.Join(placeholders, ", "), args...)
	}
	return b
}

func (t *Translator) buildConstruct(n *ir.Node, params *ir.Construct) (compiled, error) {
	sch, err := t.reg.NativeSchema(t.name, n.Entity, params.Schema.Names())
	if err != nil {
		return compiled{}, err
	}
	return compiled{b: literalSelect(sch, params.Rows), sch: sch}, nil
}

func (t *Translator) buildRetrieve(n *ir.Node, params *ir.Retrieve) (compiled, error) {
	sch, err := t.reg.NativeSchema(t.name, n.Entity, nil)
	if err != nil {
		return compiled{}, err
	}
	nativeEntity, err := t.dialect.NativeEntity(n.Entity)
	if err != nil {
		return compiled{}, err
	}
	table := t.tableFor(params.Datasource, nativeEntity)
	b := sq.Select(quotedNatives(sch)...).Distinct().From(QuoteIdent(table))
	b, err = t.applyFilter(b, params.Filter, t.entityResolver(n.Entity))
	if err != nil {
		return compiled{}, err
	}
	b, err = t.applySpan(b, sch, n.Entity, params.Start, params.Stop)
	if err != nil {
		return compiled{}, err
	}
	return t.finish(b, sch, params.Sort, params.Limit, params.Offset)
}

func (t *Translator) buildTraverse(n *ir.Node, params *ir.Traverse) (compiled, error) {
	sch, err := t.reg.NativeSchema(t.name, n.Entity, nil)
	if err != nil {
		return compiled{}, err
	}
	nativeEntity, err := t.dialect.NativeEntity(n.Entity)
	if err != nil {
		return compiled{}, err
	}
	table := t.tableFor(params.Datasource, nativeEntity)
	b := sq.Select(quotedNatives(sch)...).Distinct().From(QuoteIdent(table))

	joinCol, err := t.dialect.NativeAttr(n.Entity, params.TargetAttr)
	if err != nil {
		return compiled{}, err
	}
	input := n.Deps[0]
	join, err := t.membership(QuoteIdent(joinCol), input, params.SourceAttr)
	if err != nil {
		return compiled{}, err
	}
	b = b.Where(join)

	b, err = t.applyFilter(b, params.Filter, t.entityResolver(n.Entity))
	if err != nil {
		return compiled{}, err
	}
	b, err = t.applySpan(b, sch, n.Entity, params.Start, params.Stop)
	if err != nil {
		return compiled{}, err
	}
	return t.finish(b, sch, params.Sort, params.Limit, params.Offset)
}

// buildStep compiles a transform or display node: a select over the
// first dependency's subquery.
func (t *Translator) buildStep(n *ir.Node, filter *ir.Filter, attrs []string, sort *ir.SortSpec, limit, offset int, distinct bool) (compiled, error) {
	dep, err := t.node(n.Deps[0])
	if err != nil {
		return compiled{}, err
	}
	sch := dep.sch
	if attrs != nil {
		projected := make(kestrel.Schema, 0, len(attrs))
		for _, attr := range attrs {
			f, ok := sch.Find(attr)
			if !ok {
				return compiled{}, kqe.E(kqe.SchemaResolution, "attribute %q is not in the result of %s node %d",
					attr, t.graph.Node(n.Deps[0]).Kind, n.Deps[0])
			}
			projected = append(projected, f)
		}
		sch = projected
	}
	b := sq.Select(quotedNatives(sch)...).FromSelect(dep.b, t.alias(n.Deps[0]))
	if distinct {
		b = b.Distinct()
	}
	b, err = t.applyFilter(b, filter, schemaResolver(dep.sch))
	if err != nil {
		return compiled{}, err
	}
	return t.finish(b, sch, sort, limit, offset)
}

func (t *Translator) finish(b sq.SelectBuilder, sch kestrel.Schema, sort *ir.SortSpec, limit, offset int) (compiled, error) {
	if sort != nil {
		f, ok := sch.Find(sort.Attr)
		if !ok {
			return compiled{}, kqe.E(kqe.SchemaResolution, "cannot sort by %q: not in the result columns", sort.Attr)
		}
		dir := " DESC"
		if sort.Ascending {
			dir = " ASC"
		}
		b = b.OrderBy(QuoteIdent(f.Native) + dir)
	}
	if limit >= 0 {
		b = b.Limit(uint64(limit))
	}
	if offset > 0 {
		b = b.Offset(uint64(offset))
	}
	return compiled{b: b, sch: sch}, nil
}

// resolver maps a canonical attribute to a quoted native column in the
// scope a filter runs in.
type resolver func(attr string) (string, error)

func (t *Translator) entityResolver(entity string) resolver {
	return func(attr string) (string, error) {
		native, err := t.dialect.NativeAttr(entity, attr)
		if err != nil {
			return "", err
		}
		return QuoteIdent(native), nil
	}
}

func schemaResolver(sch kestrel.Schema) resolver {
	return func(attr string) (string, error) {
		f, ok := sch.Find(attr)
		if !ok {
			return "", kqe.E(kqe.SchemaResolution, "attribute %q is not in the result columns", attr)
		}
		return QuoteIdent(f.Native), nil
	}
}

func (t *Translator) applyFilter(b sq.SelectBuilder, f *ir.Filter, resolve resolver) (sq.SelectBuilder, error) {
	if f == nil {
		return b, nil
	}
	pred, err := t.compileFilter(f, resolve)
	if err != nil {
		return b, err
	}
	return b.Where(pred), nil
}

func (t *Translator) compileFilter(f *ir.Filter, resolve resolver) (sq.Sqlizer, error) {
	switch {
	case f.And != nil:
		conj := make(sq.And, 0, len(f.And))
		for _, kid := range f.And {
			pred, err := t.compileFilter(kid, resolve)
			if err != nil {
				return nil, err
			}
			conj = append(conj, pred)
		}
		return conj, nil
	case f.Or != nil:
		disj := make(sq.Or, 0, len(f.Or))
		for _, kid := range f.Or {
			pred, err := t.compileFilter(kid, resolve)
			if err != nil {
				return nil, err
			}
			disj = append(disj, pred)
		}
		return disj, nil
	case f.Not != nil:
		inner, err := t.compileFilter(f.Not, resolve)
		if err != nil {
			return nil, err
		}
		return sq.Expr("NOT (?)", inner), nil
	case f.Cmp != nil:
		return t.compileCmp(f.Cmp, resolve)
	}
	return sq.Expr("1=1"), nil
}

func (t *Translator) compileCmp(c *ir.Cmp, resolve resolver) (sq.Sqlizer, error) {
	col, err := resolve(c.Attr)
	if err != nil {
		return nil, err
	}
	if c.Ref != nil {
		return t.membership(col, c.Ref.Node, c.Ref.Attr)
	}
	switch c.Op {
	case ir.CmpEqual:
		return sq.Eq{col: EncodeValue(c.Value)}, nil
	case ir.CmpNotEqual:
		return sq.NotEq{col: EncodeValue(c.Value)}, nil
	case ir.CmpLess:
		return sq.Lt{col: EncodeValue(c.Value)}, nil
	case ir.CmpLessEq:
		return sq.LtOrEq{col: EncodeValue(c.Value)}, nil
	case ir.CmpGreater:
		return sq.Gt{col: EncodeValue(c.Value)}, nil
	case ir.CmpGreaterEq:
		return sq.GtOrEq{col: EncodeValue(c.Value)}, nil
	case ir.CmpLike:
		return sq.Like{col: EncodeValue(c.Value)}, nil
	case ir.CmpMatches:
		return sq.Expr(col+" REGEXP ?", EncodeValue(c.Value)), nil
	case ir.CmpIn:
		list := make([]any, len(c.List))
		for i, v := range c.List {
			list[i] = EncodeValue(v)
		}
		return sq.Eq{col: list}, nil
	}
	return nil, kqe.E(kqe.BackendCapability, "comparison operator %q is not supported", c.Op)
}

// membership compiles "col IN <node.attr>".  When the referenced node
// is inside the segment the membership test nests its subquery; when
// it is an external input the materialized values are inlined, which
// is how row sets cross backend boundaries.
func (t *Translator) membership(col string, id ir.NodeID, attr string) (sq.Sqlizer, error) {
	n := t.graph.Node(id)
	if t.seg.Contains(id) {
		dep, err := t.node(id)
		if err != nil {
			return nil, err
		}
		f, ok := dep.sch.Find(attr)
		if !ok {
			return nil, kqe.E(kqe.SchemaResolution, "attribute %q is not in the result of node %d", attr, id)
		}
		proj := sq.Select(QuoteIdent(f.Native)).FromSelect(dep.b, fmt.Sprintf("ref%d", id))
		return sq.Expr(col+" IN (?)", proj), nil
	}
	table, ok := t.inputs[id]
	if !ok {
		if t.placeholders {
			native, err := t.dialect.NativeAttr(n.Entity, attr)
			if err != nil {
				return nil, err
			}
			return sq.Expr(col + " IN (SELECT " + QuoteIdent(native) +
				" FROM " + QuoteIdent(t.placeholderName(id)) + ")"), nil
		}
		return nil, kqe.E(kqe.BackendExecution, "segment input %d was not materialized", id)
	}
	idx := table.ColumnIndex(attr)
	if idx < 0 {
		return nil, kqe.E(kqe.SchemaResolution, "attribute %q is not in the result of %s node %d", attr, n.Kind, id)
	}
	values := make([]any, 0, table.Len())
	seen := make(map[any]bool)
	for _, row := range table.Rows {
		v := EncodeValue(row[idx])
		if v == nil || seen[v] {
			continue
		}
		seen[v] = true
		values = append(values, v)
	}
	if len(values) == 0 {
		return sq.Expr("1=0"), nil
	}
	return sq.Eq{col: values}, nil
}

func (t *Translator) applySpan(b sq.SelectBuilder, sch kestrel.Schema, entity string, start, stop time.Time) (sq.SelectBuilder, error) {
	if start.IsZero() && stop.IsZero() {
		return b, nil
	}
	var timeField kestrel.Field
	found := false
	for _, f := range sch {
		if f.Type == kestrel.TypeTime {
			timeField = f
			found = true
			break
		}
	}
	if !found {
		return b, kqe.E(kqe.SchemaResolution, "entity %q has no time attribute to bound the time range", entity)
	}
	col := QuoteIdent(timeField.Native)
	if !start.IsZero() {
		b = b.Where(sq.GtOrEq{col: EncodeValue(start)})
	}
	if !stop.IsZero() {
		b = b.Where(sq.Lt{col: EncodeValue(stop)})
	}
	return b, nil
}

// EncodeValue converts a normalized value to its SQL binding form.
// Times are stored and compared as RFC 3339 UTC strings, which order
// lexicographically in chronological order.
func EncodeValue(v any) any {
	if ts, ok := v.(time.Time); ok {
		return ts.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func quotedNatives(sch kestrel.Schema) []string {
	cols := make([]string, len(sch))
	for i, f := range sch {
		cols[i] = QuoteIdent(f.Native)
	}
	return cols
}

// QuoteIdent double-quotes an identifier for SQL text.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// alias names a nested subquery after the variable bound to the node
// that produced it, falling back to the node id for anonymous
// intermediates.
func (t *Translator) alias(id ir.NodeID) string {
	if b := t.graph.Node(id).Binding; b != "" {
		return QuoteIdent(b)
	}
	return fmt.Sprintf("n%d", id)
}
