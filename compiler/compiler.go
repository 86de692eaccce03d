// Package compiler is the front door of the huntflow language: it
// parses source into statements and builds them onto a session's IR
// graph.  Planning and execution live elsewhere; nothing here touches
// a backend.
package compiler

import (
	"time"

	"github.com/princesaroj111/kestrel-lang/compiler/ast"
	"github.com/princesaroj111/kestrel-lang/compiler/parser"
	"github.com/princesaroj111/kestrel-lang/compiler/semantic"
	"github.com/princesaroj111/kestrel-lang/ir"
	"github.com/princesaroj111/kestrel-lang/schema"
)

// Parse parses a huntflow block into its statements.
func Parse(src string) ([]ast.Stmt, error) {
	return parser.Parse(src)
}

// MustParse is like Parse but panics on error.  Useful for tests and
// fixed internal flows.
func MustParse(src string) []ast.Stmt {
	stmts, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return stmts
}

// Builder turns statements into graph nodes, one node per statement.
// A failing statement adds nothing; earlier statements of the same
// block keep the nodes they already added.
type Builder struct {
	analyzer *semantic.Analyzer
}

func NewBuilder(graph *ir.Graph, reg *schema.Registry) *Builder {
	return &Builder{analyzer: semantic.New(graph, reg)}
}

// SetClock overrides the clock that anchors relative time ranges,
// which pins fingerprints in tests.
func (b *Builder) SetClock(now func() time.Time) {
	b.analyzer.SetClock(now)
}

// Build lowers one statement onto the graph.
func (b *Builder) Build(stmt ast.Stmt) (*ir.Node, error) {
	return b.analyzer.Analyze(stmt)
}

// BuildAll lowers a block of statements in order, stopping at the
// first failure.  It returns the nodes built so far in either case.
func (b *Builder) BuildAll(stmts []ast.Stmt) ([]*ir.Node, error) {
	nodes := make([]*ir.Node, 0, len(stmts))
	for _, stmt := range stmts {
		node, err := b.Build(stmt)
		if err != nil {
			return nodes, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
