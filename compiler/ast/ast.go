// Package ast declares the types used to represent syntax trees for
// huntflow statements.  The parser produces these nodes and the
// semantic pass lowers them onto the IR graph.  Nothing here is
// canonicalized: entity and attribute names are exactly as the hunter
// wrote them.
package ast

import (
	"time"
)

type Node interface {
	Pos() int // Position of first character belonging to the node.
	End() int // Position of first character immediately after the node.
}

// Stmt is the interface implemented by all statement nodes.
type Stmt interface {
	Node
	StmtAST()
}

// Expr is the interface implemented by all filter expression nodes.
type Expr interface {
	Node
	ExprAST()
}

// ID is an identifier with its source position: a variable name, an
// entity type, or an attribute name.
type ID struct {
	Name    string
	NamePos int
}

func (i *ID) Pos() int { return i.NamePos }
func (i *ID) End() int { return i.NamePos + len(i.Name) }

// Source is a scheme-qualified name such as stixshifter://edp1 in a
// FROM clause or python://suspicious-scoring in APPLY.
type Source struct {
	Scheme    string
	Path      string
	Text      string
	SourcePos int
}

func (s *Source) Pos() int { return s.SourcePos }
func (s *Source) End() int { return s.SourcePos + len(s.Text) }

// TimeSpan restricts a retrieval to a time window.  Either Start/Stop
// are set from absolute timestamps or Last holds a relative window
// anchored at execution time.
type TimeSpan struct {
	Start      time.Time
	Stop       time.Time
	Last       time.Duration
	KeywordPos int
	EndPos     int
}

func (t *TimeSpan) Pos() int { return t.KeywordPos }
func (t *TimeSpan) End() int { return t.EndPos }

// SortClause orders results by one attribute.
type SortClause struct {
	Attr       *ID
	Ascending  bool
	KeywordPos int
	EndPos     int
}

func (s *SortClause) Pos() int { return s.KeywordPos }
func (s *SortClause) End() int { return s.EndPos }

// Statements.  Limit and Offset are -1 when the clause is absent.

type (
	// New binds literal rows of a given entity type to a variable.
	New struct {
		Binding    *ID
		Entity     *ID
		Rows       []map[string]any
		KeywordPos int
		EndPos     int
	}
	// Get retrieves entities matching a filter from a datasource.
	Get struct {
		Binding    *ID
		Entity     *ID
		Source     *Source
		Where      Expr
		Span       *TimeSpan
		Sort       *SortClause
		Limit      int
		Offset     int
		KeywordPos int
		EndPos     int
	}
	// Find traverses a relation from an input variable to a new
	// entity type.  Reverse is true for the BY form, where the input
	// variable is the object of the relation rather than its subject.
	Find struct {
		Binding    *ID
		Entity     *ID
		Relation   string
		Reverse    bool
		Input      *ID
		Where      Expr
		Span       *TimeSpan
		Sort       *SortClause
		Limit      int
		Offset     int
		KeywordPos int
		EndPos     int
	}
	// Assign derives a variable from another through optional WHERE,
	// ATTR, SORT, LIMIT, and OFFSET clauses.  With no clauses it is a
	// plain alias.
	Assign struct {
		Binding    *ID
		Input      *ID
		Where      Expr
		Attrs      []*ID
		Sort       *SortClause
		Limit      int
		Offset     int
		KeywordPos int
		EndPos     int
	}
	// Disp materializes a variable for display.
	Disp struct {
		Input      *ID
		Attrs      []*ID
		Sort       *SortClause
		Limit      int
		Offset     int
		KeywordPos int
		EndPos     int
	}
	// Info describes a variable: entity type, attributes, row count.
	Info struct {
		Input      *ID
		KeywordPos int
		EndPos     int
	}
	// Apply runs an analytic over one or more input variables.
	Apply struct {
		Analytic   *Source
		Inputs     []*ID
		Params     map[string]any
		KeywordPos int
		EndPos     int
	}
	// Explain reports the evaluation plan of a variable without
	// executing it.
	Explain struct {
		Input      *ID
		KeywordPos int
		EndPos     int
	}
)

func (n *New) Pos() int     { return n.KeywordPos }
func (n *New) End() int     { return n.EndPos }
func (g *Get) Pos() int     { return g.KeywordPos }
func (g *Get) End() int     { return g.EndPos }
func (f *Find) Pos() int    { return f.KeywordPos }
func (f *Find) End() int    { return f.EndPos }
func (a *Assign) Pos() int  { return a.KeywordPos }
func (a *Assign) End() int  { return a.EndPos }
func (d *Disp) Pos() int    { return d.KeywordPos }
func (d *Disp) End() int    { return d.EndPos }
func (i *Info) Pos() int    { return i.KeywordPos }
func (i *Info) End() int    { return i.EndPos }
func (a *Apply) Pos() int   { return a.KeywordPos }
func (a *Apply) End() int   { return a.EndPos }
func (e *Explain) Pos() int { return e.KeywordPos }
func (e *Explain) End() int { return e.EndPos }

func (*New) StmtAST()     {}
func (*Get) StmtAST()     {}
func (*Find) StmtAST()    {}
func (*Assign) StmtAST()  {}
func (*Disp) StmtAST()    {}
func (*Info) StmtAST()    {}
func (*Apply) StmtAST()   {}
func (*Explain) StmtAST() {}

// Comparison operators.
const (
	OpEqual     = "="
	OpNotEqual  = "!="
	OpLess      = "<"
	OpLessEq    = "<="
	OpGreater   = ">"
	OpGreaterEq = ">="
	OpLike      = "LIKE"
	OpMatches   = "MATCHES"
	OpIn        = "IN"
)

// Filter expressions.

type (
	// BinaryExpr joins two filter expressions with AND or OR.
	BinaryExpr struct {
		Op  string
		LHS Expr
		RHS Expr
	}
	// UnaryExpr negates a filter expression.
	UnaryExpr struct {
		Op         string
		Operand    Expr
		KeywordPos int
	}
	// Comparison compares one attribute against a value expression.
	Comparison struct {
		Attr  *ID
		Op    string
		Value Expr
	}
	// Primitive is a literal value with its source text.
	Primitive struct {
		Text    string
		Value   any
		TextPos int
	}
	// ListExpr is a parenthesized literal list, the right-hand side
	// of IN.
	ListExpr struct {
		Values []*Primitive
		Lparen int
		Rparen int
	}
	// VarAttr references one attribute of a previously bound
	// variable, written var.attr.  It is only legal as the right-hand
	// side of a comparison.
	VarAttr struct {
		Variable string
		Attr     string
		VarPos   int
	}
)

func (b *BinaryExpr) Pos() int { return b.LHS.Pos() }
func (b *BinaryExpr) End() int { return b.RHS.End() }
func (u *UnaryExpr) Pos() int  { return u.KeywordPos }
func (u *UnaryExpr) End() int  { return u.Operand.End() }
func (c *Comparison) Pos() int { return c.Attr.Pos() }
func (c *Comparison) End() int { return c.Value.End() }
func (p *Primitive) Pos() int  { return p.TextPos }
func (p *Primitive) End() int  { return p.TextPos + len(p.Text) }
func (l *ListExpr) Pos() int   { return l.Lparen }
func (l *ListExpr) End() int   { return l.Rparen + 1 }
func (v *VarAttr) Pos() int    { return v.VarPos }
func (v *VarAttr) End() int {
	if v.Attr == "" {
		return v.VarPos + len(v.Variable)
	}
	return v.VarPos + len(v.Variable) + 1 + len(v.Attr)
}

func (*BinaryExpr) ExprAST() {}
func (*UnaryExpr) ExprAST()  {}
func (*Comparison) ExprAST() {}
func (*Primitive) ExprAST()  {}
func (*ListExpr) ExprAST()   {}
func (*VarAttr) ExprAST()    {}
