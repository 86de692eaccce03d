package ir

// Segment is a maximal group of nodes with the same backend affinity
// that can be evaluated as one nested native query.  Segments are the
// unit of compilation and execution: the planner condenses the pruned
// closure of a trigger into segments and orders them so every segment
// runs after the segments it depends on.
type Segment struct {
	// Tag names the backend every node in the segment is placed on.
	Tag string
	// Nodes lists the member nodes in ascending order, which is a
	// valid evaluation order within the segment.
	Nodes []NodeID
	// Inputs lists external dependencies: nodes outside the segment
	// whose materialized results are injected into the compiled query
	// as literal row sets.
	Inputs []NodeID
	// Sinks lists member nodes whose results must be materialized
	// when the segment finishes, because a later segment, the cache,
	// or the display consumes them.
	Sinks []NodeID
}

func (s *Segment) Contains(id NodeID) bool {
	for _, n := range s.Nodes {
		if n == id {
			return true
		}
	}
	return false
}
