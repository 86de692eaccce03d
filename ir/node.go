// Package ir defines the intermediate representation of a hunt: an
// append-only graph of operation nodes.  Every statement the hunter
// submits becomes exactly one node.  Nodes are canonicalized before
// they enter the graph, so everything below this layer speaks
// canonical entity and attribute names only.
package ir

import (
	"time"

	"github.com/princesaroj111/kestrel-lang"
)

// Kind discriminates the operation a node performs.
type Kind int

const (
	KindConstruct Kind = iota
	KindRetrieve
	KindTraverse
	KindTransform
	KindDisplay
	KindDescribe
	KindApply
	KindExplain
)

func (k Kind) String() string {
	switch k {
	case KindConstruct:
		return "construct"
	case KindRetrieve:
		return "retrieve"
	case KindTraverse:
		return "traverse"
	case KindTransform:
		return "transform"
	case KindDisplay:
		return "display"
	case KindDescribe:
		return "describe"
	case KindApply:
		return "apply"
	case KindExplain:
		return "explain"
	}
	return "unknown"
}

// NodeID is a node's index in the graph arena.  IDs are assigned in
// insertion order and a node's dependencies always have smaller IDs.
type NodeID int

// Node is one operation in the graph.  Everything except Tag is fixed
// when the node is added; Tag is assigned once by the planner when the
// node is placed into a backend segment.
type Node struct {
	ID      NodeID
	Kind    Kind
	Entity  string
	Binding string
	Deps    []NodeID
	Params  Params

	tag string
	fp  string
}

// Tag returns the backend affinity tag, or "" before planning.
func (n *Node) Tag() string {
	return n.tag
}

// SetTag assigns the node's backend affinity.  A tag can be assigned
// only once.
func (n *Node) SetTag(tag string) {
	if n.tag != "" && n.tag != tag {
		panic("ir: node " + n.Kind.String() + " retagged")
	}
	n.tag = tag
}

// Params is the kind-specific parameter block of a node.  Parameter
// blocks are canonical: attribute names are canonical, values are
// normalized, and variable references are resolved to node IDs.
type Params interface {
	paramsNode()
	// canonical returns a JSON-encodable form of the parameters with
	// node references replaced by the referenced node's fingerprint,
	// which makes the encoding stable across sessions.
	canonical(resolve func(NodeID) string) any
}

// SortSpec orders a result by one canonical attribute.
type SortSpec struct {
	Attr      string `json:"attr"`
	Ascending bool   `json:"ascending"`
}

type (
	// Construct binds literal rows.  Rows are column-aligned with
	// Schema and hold normalized values.
	Construct struct {
		Schema kestrel.Schema `json:"schema"`
		Rows   []kestrel.Row  `json:"rows"`
	}
	// Retrieve fetches entities matching a filter from a datasource.
	Retrieve struct {
		Interface  string    `json:"interface"`
		Datasource string    `json:"datasource"`
		Filter     *Filter   `json:"filter,omitempty"`
		Start      time.Time `json:"start,omitempty"`
		Stop       time.Time `json:"stop,omitempty"`
		Sort       *SortSpec `json:"sort,omitempty"`
		Limit      int       `json:"limit"`
		Offset     int       `json:"offset"`
	}
	// Traverse walks a relation from the rows of its first dependency
	// to a new entity type.  SourceAttr is the join attribute on the
	// input rows and TargetAttr the join attribute on the target
	// entity.  Datasource is inherited from the nearest sourced
	// ancestor; a backend resolves an empty datasource to its default
	// table for the entity.
	Traverse struct {
		Relation   string    `json:"relation"`
		Reverse    bool      `json:"reverse"`
		SourceAttr string    `json:"source_attr"`
		TargetAttr string    `json:"target_attr"`
		Datasource string    `json:"datasource,omitempty"`
		Filter     *Filter   `json:"filter,omitempty"`
		Start      time.Time `json:"start,omitempty"`
		Stop       time.Time `json:"stop,omitempty"`
		Sort       *SortSpec `json:"sort,omitempty"`
		Limit      int       `json:"limit"`
		Offset     int       `json:"offset"`
	}
	// Transform derives a variable from its first dependency through
	// filtering, projection, ordering, and slicing.
	Transform struct {
		Filter *Filter   `json:"filter,omitempty"`
		Attrs  []string  `json:"attrs,omitempty"`
		Sort   *SortSpec `json:"sort,omitempty"`
		Limit  int       `json:"limit"`
		Offset int       `json:"offset"`
	}
	// Display materializes its dependency for output.
	Display struct {
		Attrs  []string  `json:"attrs,omitempty"`
		Sort   *SortSpec `json:"sort,omitempty"`
		Limit  int       `json:"limit"`
		Offset int       `json:"offset"`
	}
	// Describe reports metadata about its dependency.
	Describe struct{}
	// Apply runs a registered analytic over its dependencies.
	Apply struct {
		Provider string         `json:"provider"`
		Name     string         `json:"name"`
		Args     map[string]any `json:"args,omitempty"`
	}
	// Explain reports the evaluation plan of its dependency.
	Explain struct{}
)

func (*Construct) paramsNode() {}
func (*Retrieve) paramsNode()  {}
func (*Traverse) paramsNode()  {}
func (*Transform) paramsNode() {}
func (*Display) paramsNode()   {}
func (*Describe) paramsNode()  {}
func (*Apply) paramsNode()     {}
func (*Explain) paramsNode()   {}

func (c *Construct) canonical(func(NodeID) string) any { return c }
func (d *Display) canonical(func(NodeID) string) any   { return d }
func (d *Describe) canonical(func(NodeID) string) any  { return d }
func (a *Apply) canonical(func(NodeID) string) any     { return a }
func (e *Explain) canonical(func(NodeID) string) any   { return e }

func (r *Retrieve) canonical(resolve func(NodeID) string) any {
	out := *r
	out.Filter = r.Filter.canonical(resolve)
	return &out
}

func (t *Traverse) canonical(resolve func(NodeID) string) any {
	out := *t
	out.Filter = t.Filter.canonical(resolve)
	return &out
}

func (t *Transform) canonical(resolve func(NodeID) string) any {
	out := *t
	out.Filter = t.Filter.canonical(resolve)
	return &out
}
