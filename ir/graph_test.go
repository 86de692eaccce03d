package ir_test

import (
	"testing"

	"github.com/princesaroj111/kestrel-lang"
	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"github.com/princesaroj111/kestrel-lang/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func processRows() *ir.Construct {
	return &ir.Construct{
		Schema: kestrel.Schema{
			{Canonical: "name", Native: "name", Type: kestrel.TypeString},
			{Canonical: "pid", Native: "pid", Type: kestrel.TypeInt},
		},
		Rows: []kestrel.Row{
			{"cmd.exe", int64(123)},
			{"explorer.exe", int64(99)},
		},
	}
}

func TestGraphAddAndLookup(t *testing.T) {
	g := ir.NewGraph()
	n, err := g.Add(ir.KindConstruct, "process", "procs", processRows())
	require.NoError(t, err)
	assert.Equal(t, ir.NodeID(0), n.ID)

	id, ok := g.Lookup("procs")
	require.True(t, ok)
	assert.Equal(t, n.ID, id)
	assert.Equal(t, 1, g.Len())
}

func TestGraphRejectsUnknownDependency(t *testing.T) {
	g := ir.NewGraph()
	_, err := g.Add(ir.KindTransform, "process", "x", &ir.Transform{Limit: -1, Offset: -1}, 7)
	require.Error(t, err)
	assert.True(t, kqe.IsKind(err, kqe.Reference))
	assert.Equal(t, 0, g.Len())
}

func TestGraphRebindingShadowsWithoutRewriting(t *testing.T) {
	g := ir.NewGraph()
	first, err := g.Add(ir.KindConstruct, "process", "procs", processRows())
	require.NoError(t, err)

	// A consumer resolves "procs" while the first binding is live.
	dep, _ := g.Lookup("procs")
	consumer, err := g.Add(ir.KindTransform, "process", "filtered",
		&ir.Transform{Filter: ir.NewCmp("pid", ir.CmpEqual, 123), Limit: -1, Offset: -1}, dep)
	require.NoError(t, err)

	// Rebinding "procs" points the name at a new node but the
	// consumer keeps depending on the original.
	second, err := g.Add(ir.KindConstruct, "process", "procs", processRows())
	require.NoError(t, err)
	id, _ := g.Lookup("procs")
	assert.Equal(t, second.ID, id)
	assert.Equal(t, []ir.NodeID{first.ID}, consumer.Deps)
}

func TestGraphClosure(t *testing.T) {
	g := ir.NewGraph()
	c, _ := g.Add(ir.KindConstruct, "process", "a", processRows())
	t1, _ := g.Add(ir.KindTransform, "process", "b", &ir.Transform{Limit: -1, Offset: -1}, c.ID)
	t2, _ := g.Add(ir.KindTransform, "process", "c", &ir.Transform{Limit: -1, Offset: -1}, t1.ID)
	other, _ := g.Add(ir.KindConstruct, "file", "f", &ir.Construct{})

	assert.Equal(t, []ir.NodeID{c.ID, t1.ID, t2.ID}, g.Closure(t2.ID))
	assert.NotContains(t, g.Closure(t2.ID), other.ID)

	// Pruning at t1 drops t1 and everything beneath it.
	pruned := g.ClosurePruned(t2.ID, func(id ir.NodeID) bool { return id == t1.ID })
	assert.Equal(t, []ir.NodeID{t2.ID}, pruned)
}

func TestGraphBindingNames(t *testing.T) {
	g := ir.NewGraph()
	g.Add(ir.KindConstruct, "process", "zeta", processRows())
	g.Add(ir.KindConstruct, "process", "alpha", processRows())
	assert.Equal(t, []string{"alpha", "zeta"}, g.BindingNames())
}

func TestFingerprintDeterministicAcrossGraphs(t *testing.T) {
	build := func() (*ir.Graph, ir.NodeID) {
		g := ir.NewGraph()
		c, _ := g.Add(ir.KindConstruct, "process", "procs", processRows())
		n, _ := g.Add(ir.KindTransform, "process", "x",
			&ir.Transform{Filter: ir.NewCmp("name", ir.CmpEqual, "cmd.exe"), Limit: -1, Offset: -1}, c.ID)
		return g, n.ID
	}
	g1, id1 := build()
	g2, id2 := build()
	assert.Equal(t, g1.Fingerprint(id1), g2.Fingerprint(id2))
	assert.Len(t, g1.Fingerprint(id1), 64)
}

func TestFingerprintChangesWithParams(t *testing.T) {
	g := ir.NewGraph()
	c, _ := g.Add(ir.KindConstruct, "process", "procs", processRows())
	a, _ := g.Add(ir.KindTransform, "process", "a",
		&ir.Transform{Filter: ir.NewCmp("pid", ir.CmpEqual, 1), Limit: -1, Offset: -1}, c.ID)
	b, _ := g.Add(ir.KindTransform, "process", "b",
		&ir.Transform{Filter: ir.NewCmp("pid", ir.CmpEqual, 2), Limit: -1, Offset: -1}, c.ID)
	assert.NotEqual(t, g.Fingerprint(a.ID), g.Fingerprint(b.ID))
}

func TestFingerprintChangesWithDependency(t *testing.T) {
	g := ir.NewGraph()
	c1, _ := g.Add(ir.KindConstruct, "process", "p1", processRows())
	c2, _ := g.Add(ir.KindConstruct, "process", "p2", &ir.Construct{
		Schema: kestrel.Schema{{Canonical: "name", Native: "name", Type: kestrel.TypeString}},
		Rows:   []kestrel.Row{{"powershell.exe"}},
	})
	params := &ir.Transform{Limit: -1, Offset: -1}
	a, _ := g.Add(ir.KindTransform, "process", "a", params, c1.ID)
	b, _ := g.Add(ir.KindTransform, "process", "b", params, c2.ID)
	assert.NotEqual(t, g.Fingerprint(a.ID), g.Fingerprint(b.ID))
}

// References are hashed by the referenced node's fingerprint, not its
// graph-local ID, so two sessions that build the same hunt in a
// different arena order agree on fingerprints.
func TestFingerprintStableAcrossArenaLayouts(t *testing.T) {
	fingerprint := func(padding int) string {
		g := ir.NewGraph()
		for i := 0; i < padding; i++ {
			g.Add(ir.KindConstruct, "file", "pad", &ir.Construct{})
		}
		c, _ := g.Add(ir.KindConstruct, "process", "procs", processRows())
		n, _ := g.Add(ir.KindTransform, "network-traffic", "hits",
			&ir.Transform{
				Filter: ir.NewCmpRef("src_ref", ir.CmpIn, ir.Ref{Node: c.ID, Attr: "pid"}),
				Limit:  -1, Offset: -1,
			}, c.ID)
		return g.Fingerprint(n.ID)
	}
	assert.Equal(t, fingerprint(0), fingerprint(3))
}

func TestShortFingerprint(t *testing.T) {
	assert.Equal(t, "abcd1234", ir.Short("abcd1234ef"))
	assert.Equal(t, "ab", ir.Short("ab"))
}
