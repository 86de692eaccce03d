package semantic

import (
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/princesaroj111/kestrel-lang"
	"github.com/princesaroj111/kestrel-lang/compiler/ast"
	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"github.com/princesaroj111/kestrel-lang/ir"
	"github.com/princesaroj111/kestrel-lang/schema"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
)

// fieldScope resolves the attribute references of one statement: the
// entity being filtered plus, for derived variables, the subset of
// columns that survive upstream projections.
type fieldScope struct {
	a      *Analyzer
	entity *schema.Entity
	attrs  []string // nil means every attribute of the entity
}

func (s *fieldScope) resolve(id *ast.ID) (schema.Attribute, error) {
	attr, err := s.a.reg.ResolveAttr(s.entity.Name, id.Name)
	if err != nil {
		return schema.Attribute{}, err
	}
	if s.attrs != nil && !slices.Contains(s.attrs, attr.Name) {
		return schema.Attribute{}, kqe.E(kqe.SchemaResolution,
			"attribute %q was projected away upstream; only %s remain",
			id.Name, strings.Join(s.attrs, ", "))
	}
	return attr, nil
}

// semFilter lowers a WHERE expression to a canonical filter tree,
// collecting every resolution failure in the expression rather than
// stopping at the first.
func (a *Analyzer) semFilter(expr ast.Expr, scope *fieldScope) (*ir.Filter, error) {
	switch e := expr.(type) {
	case *ast.BinaryExpr:
		lhs, lerr := a.semFilter(e.LHS, scope)
		rhs, rerr := a.semFilter(e.RHS, scope)
		if err := multierr.Append(lerr, rerr); err != nil {
			return nil, err
		}
		if strings.EqualFold(e.Op, "OR") {
			return ir.NewOr(lhs, rhs), nil
		}
		return ir.NewAnd(lhs, rhs), nil
	case *ast.UnaryExpr:
		operand, err := a.semFilter(e.Operand, scope)
		if err != nil {
			return nil, err
		}
		return ir.NewNot(operand), nil
	case *ast.Comparison:
		return a.semCmp(e, scope)
	}
	return nil, kqe.E(kqe.Parse, "a WHERE clause must be built from comparisons")
}

func (a *Analyzer) semCmp(cmp *ast.Comparison, scope *fieldScope) (*ir.Filter, error) {
	attr, err := scope.resolve(cmp.Attr)
	op := canonicalOp(cmp.Op)
	switch v := cmp.Value.(type) {
	case *ast.Primitive:
		if err != nil {
			return nil, err
		}
		value, err := coerceValue(attr, v.Value)
		if err != nil {
			return nil, err
		}
		if err := checkOpValue(attr, op, value); err != nil {
			return nil, err
		}
		if op == ir.CmpIn {
			return ir.NewCmpList(attr.Name, []any{value}), nil
		}
		return ir.NewCmp(attr.Name, op, value), nil
	case *ast.ListExpr:
		if err != nil {
			return nil, err
		}
		if op != ir.CmpIn {
			return nil, kqe.E(kqe.Unification,
				"a literal list needs the IN operator, not %q", strings.ToUpper(op))
		}
		var errs error
		values := make([]any, 0, len(v.Values))
		for _, prim := range v.Values {
			value, verr := coerceValue(attr, prim.Value)
			if verr != nil {
				errs = multierr.Append(errs, verr)
				continue
			}
			values = append(values, value)
		}
		if errs != nil {
			return nil, errs
		}
		return ir.NewCmpList(attr.Name, values), nil
	case *ast.VarAttr:
		refID, rerr := a.lookup(&ast.ID{Name: v.Variable, NamePos: v.VarPos})
		if err := multierr.Append(err, rerr); err != nil {
			return nil, err
		}
		return a.semRef(attr, op, refID, v)
	}
	if err != nil {
		return nil, err
	}
	return nil, kqe.E(kqe.Parse, "bad comparison value")
}

// semRef lowers a comparison against another variable's column to a
// membership test carrying a dependency edge.
func (a *Analyzer) semRef(attr schema.Attribute, op string, refID ir.NodeID, v *ast.VarAttr) (*ir.Filter, error) {
	refEntity := a.graph.Node(refID).Entity
	name := v.Attr
	if name == "" {
		name = attr.Name
	}
	refAttr, err := a.reg.ResolveAttr(refEntity, name)
	if err != nil {
		return nil, err
	}
	if cols := a.resultAttrs(refID); cols != nil && !slices.Contains(cols, refAttr.Name) {
		return nil, kqe.E(kqe.SchemaResolution,
			"%s.%s was projected away upstream", v.Variable, name)
	}
	if !comparableTypes(attr.Type, refAttr.Type) {
		return nil, kqe.E(kqe.Unification, "cannot compare %s (%s) with %s.%s (%s)",
			attr.Name, attr.Type, v.Variable, refAttr.Name, refAttr.Type)
	}
	f := ir.NewCmpRef(attr.Name, ir.CmpIn, ir.Ref{Node: refID, Attr: refAttr.Name})
	switch op {
	case ir.CmpEqual, ir.CmpIn:
		return f, nil
	case ir.CmpNotEqual:
		return ir.NewNot(f), nil
	}
	return nil, kqe.E(kqe.Unification,
		"operator %q cannot compare against a variable", strings.ToUpper(op))
}

func canonicalOp(op string) string {
	switch op {
	case ast.OpLike:
		return ir.CmpLike
	case ast.OpMatches:
		return ir.CmpMatches
	case ast.OpIn:
		return ir.CmpIn
	}
	return op
}

// coerceValue normalizes a literal and reconciles it with the
// attribute's declared type.  Strings compared against time attributes
// are parsed into timestamps here so every layer below sees real
// times.
func coerceValue(attr schema.Attribute, v any) (any, error) {
	value := kestrel.Normalize(v)
	if value == nil {
		return nil, nil
	}
	if attr.Type == kestrel.TypeTime {
		if s, ok := value.(string); ok {
			ts, err := time.Parse(time.RFC3339, s)
			if err != nil {
				ts, err = dateparse.ParseAny(s)
			}
			if err != nil {
				return nil, kqe.E(kqe.Unification,
					"%q is not a timestamp, which %q holds", s, attr.Name)
			}
			return ts.UTC(), nil
		}
	}
	if !compatibleValue(attr.Type, value) {
		return nil, kqe.E(kqe.Unification, "cannot compare %s attribute %q with %s value %s",
			attr.Type, attr.Name, kestrel.TypeOf(value), kestrel.FormatValue(value))
	}
	return value, nil
}

func compatibleValue(t kestrel.Type, v any) bool {
	switch kestrel.TypeOf(v) {
	case kestrel.TypeNull:
		return true
	case kestrel.TypeString:
		return t == kestrel.TypeString
	case kestrel.TypeInt, kestrel.TypeFloat:
		return t == kestrel.TypeInt || t == kestrel.TypeFloat
	case kestrel.TypeBool:
		return t == kestrel.TypeBool
	case kestrel.TypeTime:
		return t == kestrel.TypeTime
	}
	return false
}

func comparableTypes(a, b kestrel.Type) bool {
	if a == b {
		return true
	}
	numeric := func(t kestrel.Type) bool {
		return t == kestrel.TypeInt || t == kestrel.TypeFloat
	}
	return numeric(a) && numeric(b)
}

// checkOpValue enforces the operator's operand constraints: LIKE and
// MATCHES work on string attributes, and a MATCHES pattern must be a
// valid regular expression.
func checkOpValue(attr schema.Attribute, op string, value any) error {
	switch op {
	case ir.CmpLike, ir.CmpMatches:
		if attr.Type != kestrel.TypeString {
			return kqe.E(kqe.Unification, "%s needs a string attribute, and %q is %s",
				strings.ToUpper(op), attr.Name, attr.Type)
		}
		s, ok := value.(string)
		if !ok {
			return kqe.E(kqe.Unification, "%s needs a string pattern", strings.ToUpper(op))
		}
		if op == ir.CmpMatches {
			if _, err := regexp.Compile(s); err != nil {
				return kqe.E(kqe.Parse, "bad regular expression %q: %w", s, err)
			}
		}
	}
	return nil
}
