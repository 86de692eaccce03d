// Package backend defines the contract between the hunt engine and the
// data backends that evaluate graph segments: datasource interfaces,
// the local store, and analytics adapters.  A backend receives whole
// segments, compiles them to its native query form, and executes them
// on demand.
package backend

import (
	"context"

	"github.com/princesaroj111/kestrel-lang"
	"github.com/princesaroj111/kestrel-lang/ir"
)

// Capabilities describes what a backend can evaluate.  The planner
// consults capabilities when assigning nodes to backends.
type Capabilities struct {
	// Ops lists the node kinds the backend can evaluate.
	Ops []ir.Kind
	// Entities lists the canonical entity types the backend serves.
	// Nil means every entity type.
	Entities []string
	// Universal marks a backend that accepts injected literal inputs,
	// so nodes whose dependencies live elsewhere can still be placed
	// on it.
	Universal bool
}

// lists reports whether the entity is named explicitly, as opposed to
// being covered by a nil catch-all.
func (c Capabilities) lists(entity string) bool {
	for _, e := range c.Entities {
		if e == entity {
			return true
		}
	}
	return false
}

// Supports reports whether the capabilities cover evaluating the given
// node kind over the given entity type.
func (c Capabilities) Supports(kind ir.Kind, entity string) bool {
	ok := false
	for _, op := range c.Ops {
		if op == kind {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	if c.Entities == nil || entity == "" {
		return true
	}
	for _, e := range c.Entities {
		if e == entity {
			return true
		}
	}
	return false
}

// CompileRequest carries one segment and everything needed to compile
// it: the graph for node lookup and the materialized results of the
// segment's external inputs, which the backend renders into the query
// as literal row sets.
//
// Placeholders is set when the caller wants the query text before any
// input has been materialized, as EXPLAIN does.  The backend then
// stands in a named placeholder for each missing input instead of
// failing.
type CompileRequest struct {
	Graph        *ir.Graph
	Segment      *ir.Segment
	Inputs       map[ir.NodeID]*kestrel.Table
	Placeholders bool
}

// Query is one compiled native query: the payload a backend will run
// for one sink node, plus the canonical-to-native schema of its result
// so rows can be translated back without consulting the registry.
type Query struct {
	Sink   ir.NodeID
	Text   string
	Args   []any
	Schema kestrel.Schema
}

// Compiled is the compilation of one segment: one query per sink, in
// the segment's sink order.  Payload carries backend-private state
// from Compile to Execute.
type Compiled struct {
	Interface string
	Segment   *ir.Segment
	Queries   []*Query
	Payload   any
}

// Interface is a registered backend.  Compile must be side effect
// free: an EXPLAIN trigger compiles every segment of its plan without
// executing anything.
type Interface interface {
	// Name is the registration name, matched against the scheme in
	// FROM and APPLY clauses.
	Name() string
	// Dialect names the schema dialect the backend's fields follow.
	Dialect() string
	Capabilities() Capabilities
	Compile(ctx context.Context, req *CompileRequest) (*Compiled, error)
	Execute(ctx context.Context, c *Compiled) (map[ir.NodeID]*kestrel.Table, error)
}
