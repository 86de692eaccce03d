package runtime

import (
	"context"
	"strings"
	"sync"

	"github.com/princesaroj111/kestrel-lang"
	"github.com/princesaroj111/kestrel-lang/backend"
	"github.com/princesaroj111/kestrel-lang/cache"
	"github.com/princesaroj111/kestrel-lang/compiler/planner"
	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"github.com/princesaroj111/kestrel-lang/ir"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// phase tracks where a pipeline is in its trigger evaluation.  The
// session sits in phaseBuilding between triggers; an EXPLAIN trigger
// stops after phaseCompiling.
type phase int

const (
	phaseBuilding phase = iota
	phaseResolving
	phaseCompiling
	phaseExecuting
)

func (p phase) String() string {
	switch p {
	case phaseBuilding:
		return "building"
	case phaseResolving:
		return "resolving"
	case phaseCompiling:
		return "compiling"
	case phaseExecuting:
		return "executing"
	}
	return "unknown"
}

// pipeline is the single-use evaluation of one trigger.  Results are
// staged per node and committed to the session cache only when the
// whole trigger succeeds, so a failed or cancelled trigger leaves the
// cache exactly as it was.
type pipeline struct {
	s     *Session
	plan  *planner.Plan
	phase phase

	mu          sync.Mutex
	results     map[ir.NodeID]*kestrel.Table
	staged      map[ir.NodeID]*cache.Entry
	stagedBytes int64
}

func (p *pipeline) run(ctx context.Context, trigger ir.NodeID) (*Result, error) {
	p.phase = phaseResolving
	pl := planner.New(p.s.graph, p.s.backends, func(fingerprint string) bool {
		return p.s.store.Contains(ctx, fingerprint)
	})
	plan, err := pl.Plan(trigger)
	if err != nil {
		return nil, err
	}
	p.plan = plan
	n := p.s.graph.Node(trigger)
	p.s.logger.Debug("plan resolved",
		zap.Stringer("phase", p.phase),
		zap.Int("node", int(trigger)),
		zap.Int("segments", len(plan.Segments)),
		zap.Int("cached", len(plan.Cached)))

	p.phase = phaseCompiling
	if n.Kind == ir.KindExplain {
		explain, err := p.explain(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Node: trigger, Kind: n.Kind, Explain: explain}, nil
	}
	compiled, err := p.compileReady(ctx)
	if err != nil {
		return nil, err
	}

	p.phase = phaseExecuting
	if err := p.execute(ctx, compiled); err != nil {
		return nil, err
	}
	if err := p.commit(ctx); err != nil {
		return nil, err
	}
	table, err := p.tableOf(ctx, plan.Target)
	if err != nil {
		return nil, err
	}
	return &Result{Node: trigger, Kind: n.Kind, Binding: n.Binding, Table: table}, nil
}

// compileReady compiles every segment with no external inputs.  A
// segment that consumes other segments' results is compiled during
// execution, once those results exist and can be rendered into its
// query as literals.
func (p *pipeline) compileReady(ctx context.Context) (map[int]*backend.Compiled, error) {
	compiled := make(map[int]*backend.Compiled, len(p.plan.Segments))
	for i, seg := range p.plan.Segments {
		if p.pendingInputs(seg) {
			continue
		}
		inputs, err := p.gatherInputs(ctx, seg)
		if err != nil {
			return nil, err
		}
		c, err := p.s.compileSegment(ctx, seg, inputs, false)
		if err != nil {
			return nil, err
		}
		compiled[i] = c
	}
	return compiled, nil
}

// pendingInputs reports whether any of the segment's inputs is
// produced by another segment of this plan, as opposed to being a
// cached leaf that is already materialized.
func (p *pipeline) pendingInputs(seg *ir.Segment) bool {
	for _, id := range seg.Inputs {
		if p.plan.ProducerOf(id) != nil {
			return true
		}
	}
	return false
}

// execute runs the plan's segments concurrently.  Every segment waits
// on the completion of the segments that produce its inputs, then
// compiles itself if it was not compiled up front, runs its queries,
// and stages the sink tables.
func (p *pipeline) execute(ctx context.Context, compiled map[int]*backend.Compiled) error {
	segs := p.plan.Segments
	producer := make(map[ir.NodeID]int)
	for i, seg := range segs {
		for _, id := range seg.Nodes {
			producer[id] = i
		}
	}
	done := make([]chan struct{}, len(segs))
	for i := range done {
		done[i] = make(chan struct{})
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range segs {
		i := i
		g.Go(func() error {
			seg := segs[i]
			for _, j := range segmentDeps(seg, producer, i) {
				select {
				case <-done[j]:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			c := compiled[i]
			if c == nil {
				inputs, err := p.gatherInputs(ctx, seg)
				if err != nil {
					return err
				}
				if c, err = p.s.compileSegment(ctx, seg, inputs, false); err != nil {
					return err
				}
			}
			iface, err := p.s.backends.Lookup(seg.Tag)
			if err != nil {
				return err
			}
			out, err := iface.Execute(ctx, c)
			if err != nil {
				return err
			}
			if err := p.stage(out); err != nil {
				return err
			}
			p.s.metrics.segments.Inc()
			close(done[i])
			return nil
		})
	}
	return g.Wait()
}

// segmentDeps lists the indexes of the segments that produce seg's
// inputs, deduplicated, excluding self.
func segmentDeps(seg *ir.Segment, producer map[ir.NodeID]int, self int) []int {
	var deps []int
	for _, id := range seg.Inputs {
		j, ok := producer[id]
		if !ok || j == self || slices.Contains(deps, j) {
			continue
		}
		deps = append(deps, j)
	}
	return deps
}

// gatherInputs collects the materialized tables of a segment's
// external inputs, from this pipeline's results or from the cache.
func (p *pipeline) gatherInputs(ctx context.Context, seg *ir.Segment) (map[ir.NodeID]*kestrel.Table, error) {
	if len(seg.Inputs) == 0 {
		return nil, nil
	}
	inputs := make(map[ir.NodeID]*kestrel.Table, len(seg.Inputs))
	for _, id := range seg.Inputs {
		p.mu.Lock()
		table := p.results[id]
		p.mu.Unlock()
		if table == nil {
			var err error
			if table, err = p.s.cachedTable(ctx, id); err != nil {
				return nil, err
			}
		}
		inputs[id] = table
	}
	return inputs, nil
}

// stage records executed node results, to be committed when the whole
// trigger succeeds.  A trigger that materializes more bytes than the
// session budget is aborted before it can exhaust memory.
func (p *pipeline) stage(out map[ir.NodeID]*kestrel.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := maps.Keys(out)
	slices.Sort(ids)
	for _, id := range ids {
		table := out[id]
		if table == nil {
			continue
		}
		p.results[id] = table
		if _, ok := p.staged[id]; ok {
			continue
		}
		p.staged[id] = &cache.Entry{
			Fingerprint: p.s.graph.Fingerprint(id),
			Encoding:    string(p.s.graph.CanonicalEncoding(id)),
			Table:       table,
		}
		p.stagedBytes += tableBytes(table)
		p.s.metrics.observeRows(table.Len())
	}
	if p.s.budget > 0 && p.stagedBytes > p.s.budget {
		return kqe.E(kqe.BackendExecution,
			"trigger materialized about %d bytes, over the session budget of %d", p.stagedBytes, p.s.budget)
	}
	return nil
}

// commit writes all staged results to the session cache as one batch.
func (p *pipeline) commit(ctx context.Context) error {
	if len(p.staged) == 0 {
		return nil
	}
	ids := maps.Keys(p.staged)
	slices.Sort(ids)
	entries := make([]*cache.Entry, len(ids))
	for i, id := range ids {
		entries[i] = p.staged[id]
	}
	if err := p.s.store.Put(ctx, entries); err != nil {
		return kqe.E(kqe.BackendExecution, "cannot commit %d results to the session cache: %w", len(entries), err)
	}
	return nil
}

// tableOf returns the target's materialized table, from this
// pipeline's results or, when the whole plan was pruned, the cache.
func (p *pipeline) tableOf(ctx context.Context, id ir.NodeID) (*kestrel.Table, error) {
	p.mu.Lock()
	table := p.results[id]
	p.mu.Unlock()
	if table != nil {
		return table, nil
	}
	return p.s.cachedTable(ctx, id)
}

// cachedTable fetches a node's cached result and verifies that the
// entry was produced by an identical operation.  A fingerprint that
// resolves to a different operation encoding means content addressing
// is broken and the session cannot be trusted.
func (s *Session) cachedTable(ctx context.Context, id ir.NodeID) (*kestrel.Table, error) {
	fingerprint := s.graph.Fingerprint(id)
	entry, ok, err := s.store.Get(ctx, fingerprint)
	if err != nil {
		return nil, kqe.E(kqe.BackendExecution, "cache read for node %d: %w", id, err)
	}
	if !ok {
		return nil, kqe.E(kqe.BackendExecution,
			"cached result %s for node %d disappeared during planning", ir.Short(fingerprint), id)
	}
	if enc := string(s.graph.CanonicalEncoding(id)); entry.Encoding != enc {
		return nil, kqe.E(kqe.CacheConsistency,
			"fingerprint %s of node %d matches a different operation", ir.Short(fingerprint), id)
	}
	return entry.Table, nil
}

// compileSegment compiles one segment on its backend, memoizing by
// content: the sink and input fingerprints identify the compiled
// queries exactly, so resubmitting a statement or re-running EXPLAIN
// reuses the earlier compilation.
func (s *Session) compileSegment(ctx context.Context, seg *ir.Segment, inputs map[ir.NodeID]*kestrel.Table, placeholders bool) (*backend.Compiled, error) {
	iface, err := s.backends.Lookup(seg.Tag)
	if err != nil {
		return nil, err
	}
	key := s.memoKey(seg, placeholders)
	if c, ok := s.memo.Get(key); ok {
		return c, nil
	}
	c, err := iface.Compile(ctx, &backend.CompileRequest{
		Graph:        s.graph,
		Segment:      seg,
		Inputs:       inputs,
		Placeholders: placeholders,
	})
	if err != nil {
		return nil, err
	}
	s.memo.Add(key, c)
	return c, nil
}

func (s *Session) memoKey(seg *ir.Segment, placeholders bool) string {
	var b strings.Builder
	b.WriteString(seg.Tag)
	if placeholders {
		b.WriteString("|placeholders")
	}
	b.WriteString("|sinks")
	for _, id := range seg.Sinks {
		b.WriteByte(' ')
		b.WriteString(s.graph.Fingerprint(id))
	}
	b.WriteString("|inputs")
	for _, id := range seg.Inputs {
		b.WriteByte(' ')
		b.WriteString(s.graph.Fingerprint(id))
	}
	return b.String()
}

// tableBytes estimates the in-memory footprint of a table for budget
// accounting.
func tableBytes(t *kestrel.Table) int64 {
	var n int64
	for _, row := range t.Rows {
		n += 16
		for _, v := range row {
			if s, ok := v.(string); ok {
				n += int64(len(s)) + 16
			} else {
				n += 24
			}
		}
	}
	return n
}
