package ir

import (
	"fmt"
	"strings"
	"time"

	"github.com/princesaroj111/kestrel-lang"
)

// Comparison operators in canonical form.
const (
	CmpEqual     = "="
	CmpNotEqual  = "!="
	CmpLess      = "<"
	CmpLessEq    = "<="
	CmpGreater   = ">"
	CmpGreaterEq = ">="
	CmpLike      = "like"
	CmpMatches   = "matches"
	CmpIn        = "in"
)

// Filter is a canonical predicate tree.  Exactly one of the fields is
// set.  AND and OR are n-ary and flattened, so logically equal trees
// written with different grouping share one canonical encoding.
type Filter struct {
	And []*Filter `json:"and,omitempty"`
	Or  []*Filter `json:"or,omitempty"`
	Not *Filter   `json:"not,omitempty"`
	Cmp *Cmp      `json:"cmp,omitempty"`
}

// Cmp compares one canonical attribute against a literal, a literal
// list, or a reference to another node's column.
type Cmp struct {
	Attr  string `json:"attr"`
	Op    string `json:"op"`
	Value any    `json:"value"`
	List  []any  `json:"list,omitempty"`
	Ref   *Ref   `json:"ref,omitempty"`
}

// Ref points at one column of another node's result.  Node is the
// graph-local identity; Fingerprint is filled in only on canonical
// copies used for hashing, where graph-local IDs would not be stable.
type Ref struct {
	Node        NodeID `json:"-"`
	Attr        string `json:"attr"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// NewAnd conjoins filters, flattening nested conjunctions and dropping
// nils.  A single operand is returned as is.
func NewAnd(kids ...*Filter) *Filter {
	flat := flatten(kids, func(f *Filter) []*Filter { return f.And })
	if len(flat) == 0 {
		return nil
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return &Filter{And: flat}
}

// NewOr disjoins filters, flattening nested disjunctions and dropping
// nils.
func NewOr(kids ...*Filter) *Filter {
	flat := flatten(kids, func(f *Filter) []*Filter { return f.Or })
	if len(flat) == 0 {
		return nil
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return &Filter{Or: flat}
}

func flatten(kids []*Filter, inner func(*Filter) []*Filter) []*Filter {
	var flat []*Filter
	for _, kid := range kids {
		if kid == nil {
			continue
		}
		if sub := inner(kid); sub != nil {
			flat = append(flat, sub...)
			continue
		}
		flat = append(flat, kid)
	}
	return flat
}

func NewNot(kid *Filter) *Filter {
	if kid == nil {
		return nil
	}
	return &Filter{Not: kid}
}

func NewCmp(attr, op string, value any) *Filter {
	return &Filter{Cmp: &Cmp{Attr: attr, Op: op, Value: kestrel.Normalize(value)}}
}

func NewCmpList(attr string, values []any) *Filter {
	list := make([]any, len(values))
	for i, v := range values {
		list[i] = kestrel.Normalize(v)
	}
	return &Filter{Cmp: &Cmp{Attr: attr, Op: CmpIn, List: list}}
}

func NewCmpRef(attr, op string, ref Ref) *Filter {
	return &Filter{Cmp: &Cmp{Attr: attr, Op: op, Ref: &ref}}
}

// Walk visits every comparison in the tree.
func (f *Filter) Walk(visit func(*Cmp)) {
	if f == nil {
		return
	}
	for _, kid := range f.And {
		kid.Walk(visit)
	}
	for _, kid := range f.Or {
		kid.Walk(visit)
	}
	if f.Not != nil {
		f.Not.Walk(visit)
	}
	if f.Cmp != nil {
		visit(f.Cmp)
	}
}

// RefNodes returns the nodes referenced by the filter, deduplicated,
// in first-appearance order.
func (f *Filter) RefNodes() []NodeID {
	var ids []NodeID
	seen := make(map[NodeID]bool)
	f.Walk(func(c *Cmp) {
		if c.Ref != nil && !seen[c.Ref.Node] {
			seen[c.Ref.Node] = true
			ids = append(ids, c.Ref.Node)
		}
	})
	return ids
}

// canonical deep-copies the filter with node references replaced by
// the referenced node's fingerprint.
func (f *Filter) canonical(resolve func(NodeID) string) *Filter {
	if f == nil {
		return nil
	}
	out := &Filter{}
	for _, kid := range f.And {
		out.And = append(out.And, kid.canonical(resolve))
	}
	for _, kid := range f.Or {
		out.Or = append(out.Or, kid.canonical(resolve))
	}
	if f.Not != nil {
		out.Not = f.Not.canonical(resolve)
	}
	if f.Cmp != nil {
		cmp := *f.Cmp
		if cmp.Ref != nil {
			cmp.Ref = &Ref{Attr: cmp.Ref.Attr, Fingerprint: resolve(cmp.Ref.Node)}
		}
		out.Cmp = &cmp
	}
	return out
}

func (f *Filter) String() string {
	if f == nil {
		return "true"
	}
	switch {
	case f.And != nil:
		parts := make([]string, len(f.And))
		for i, kid := range f.And {
			s := kid.String()
			if kid.Or != nil {
				s = "(" + s + ")"
			}
			parts[i] = s
		}
		return strings.Join(parts, " AND ")
	case f.Or != nil:
		parts := make([]string, len(f.Or))
		for i, kid := range f.Or {
			parts[i] = kid.String()
		}
		return strings.Join(parts, " OR ")
	case f.Not != nil:
		return "NOT (" + f.Not.String() + ")"
	case f.Cmp != nil:
		return f.Cmp.String()
	}
	return "true"
}

func (c *Cmp) String() string {
	op := strings.ToUpper(c.Op)
	switch {
	case c.Ref != nil:
		return fmt.Sprintf("%s %s @%d.%s", c.Attr, op, c.Ref.Node, c.Ref.Attr)
	case c.List != nil:
		parts := make([]string, len(c.List))
		for i, v := range c.List {
			parts[i] = quoteValue(v)
		}
		return fmt.Sprintf("%s IN (%s)", c.Attr, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s %s %s", c.Attr, op, quoteValue(c.Value))
}

func quoteValue(v any) string {
	switch v := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case time.Time:
		return "t'" + v.UTC().Format(time.RFC3339) + "'"
	case nil:
		return "NULL"
	}
	return kestrel.FormatValue(v)
}
