package semantic_test

import (
	"testing"
	"time"

	"github.com/princesaroj111/kestrel-lang/compiler/parser"
	"github.com/princesaroj111/kestrel-lang/compiler/semantic"
	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"github.com/princesaroj111/kestrel-lang/ir"
	"github.com/princesaroj111/kestrel-lang/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnalyzer(t *testing.T) (*ir.Graph, *semantic.Analyzer) {
	t.Helper()
	g := ir.NewGraph()
	return g, semantic.New(g, schema.NewRegistry())
}

// lower builds every statement of src and returns the nodes in order.
func lower(t *testing.T, a *semantic.Analyzer, src string) []*ir.Node {
	t.Helper()
	stmts, err := parser.Parse(src)
	require.NoError(t, err)
	nodes := make([]*ir.Node, 0, len(stmts))
	for _, stmt := range stmts {
		node, err := a.Analyze(stmt)
		require.NoError(t, err)
		nodes = append(nodes, node)
	}
	return nodes
}

// lowerErr builds statements expecting the last one to fail.
func lowerErr(t *testing.T, a *semantic.Analyzer, src string) error {
	t.Helper()
	stmts, err := parser.Parse(src)
	require.NoError(t, err)
	for i, stmt := range stmts {
		node, err := a.Analyze(stmt)
		if i < len(stmts)-1 {
			require.NoError(t, err)
			continue
		}
		require.Error(t, err)
		require.Nil(t, node)
		return err
	}
	panic("unreachable")
}

func TestGet(t *testing.T) {
	g, a := newAnalyzer(t)
	nodes := lower(t, a, `procs = GET process FROM stixshifter://edp1 WHERE name = 'cmd.exe' OR pid IN (1, 2)`)
	require.Len(t, nodes, 1)

	n := nodes[0]
	assert.Equal(t, ir.KindRetrieve, n.Kind)
	assert.Equal(t, "process", n.Entity)
	assert.Equal(t, "procs", n.Binding)
	assert.Empty(t, n.Deps)

	params := n.Params.(*ir.Retrieve)
	assert.Equal(t, "stixshifter", params.Interface)
	assert.Equal(t, "edp1", params.Datasource)
	assert.Equal(t, "name = 'cmd.exe' OR pid IN (1, 2)", params.Filter.String())
	assert.Equal(t, -1, params.Limit)

	id, ok := g.Lookup("procs")
	require.True(t, ok)
	assert.Equal(t, n.ID, id)
}

func TestGetResolvesDialectNames(t *testing.T) {
	// ECS field spellings and the STIX native entity name both land on
	// canonical vocabulary.
	_, a := newAnalyzer(t)
	nodes := lower(t, a, `
procs = GET process WHERE process.parent.pid = 4
users = GET user-account WHERE user_id = 'S-1-5-18'
`)
	require.Len(t, nodes, 2)

	procs := nodes[0].Params.(*ir.Retrieve)
	assert.Equal(t, "ppid = 4", procs.Filter.String())

	assert.Equal(t, "user", nodes[1].Entity)
	users := nodes[1].Params.(*ir.Retrieve)
	assert.Equal(t, "uid = 'S-1-5-18'", users.Filter.String())
}

func TestUnknownVariableAddsNoNode(t *testing.T) {
	g, a := newAnalyzer(t)
	err := lowerErr(t, a, `procs = GET process WHERE name = undefined_var`)
	assert.True(t, kqe.IsKind(err, kqe.Reference))
	assert.Contains(t, err.Error(), "undefined_var")

	assert.Equal(t, 0, g.Len())
	_, ok := g.Lookup("procs")
	assert.False(t, ok)
}

func TestUnknownVariableSuggestion(t *testing.T) {
	_, a := newAnalyzer(t)
	err := lowerErr(t, a, `
conns = NEW network-traffic [{"src_addr": "10.0.0.1", "pid": 99}]
hits = GET network-traffic WHERE pid IN cons.pid
`)
	assert.True(t, kqe.IsKind(err, kqe.Reference))
	assert.Contains(t, err.Error(), `did you mean "conns"?`)
}

func TestAggregatesResolutionErrors(t *testing.T) {
	g, a := newAnalyzer(t)
	err := lowerErr(t, a, `x = GET process WHERE nme = 'a' AND pidd = 3`)
	assert.True(t, kqe.IsKind(err, kqe.SchemaResolution))
	assert.Contains(t, err.Error(), `"nme"`)
	assert.Contains(t, err.Error(), `"pidd"`)
	assert.Contains(t, err.Error(), `did you mean "name"?`)
	assert.Equal(t, 0, g.Len())
}

func TestFind(t *testing.T) {
	_, a := newAnalyzer(t)
	nodes := lower(t, a, `
procs = NEW process [{"name": "cmd.exe", "pid": 1}]
conns = FIND network-traffic OPENED BY procs WHERE dst_port = 443
`)
	require.Len(t, nodes, 2)

	n := nodes[1]
	assert.Equal(t, ir.KindTraverse, n.Kind)
	assert.Equal(t, "network-traffic", n.Entity)
	assert.Equal(t, []ir.NodeID{nodes[0].ID}, n.Deps)

	params := n.Params.(*ir.Traverse)
	assert.Equal(t, "opened", params.Relation)
	assert.True(t, params.Reverse)
	assert.Equal(t, "pid", params.SourceAttr)
	assert.Equal(t, "pid", params.TargetAttr)
	assert.Equal(t, "dst_port = 443", params.Filter.String())
}

func TestFindWrongSideIsUnification(t *testing.T) {
	_, a := newAnalyzer(t)
	err := lowerErr(t, a, `
procs = NEW process [{"name": "cmd.exe", "pid": 1}]
files = FIND file CREATED BY procs
`)
	assert.True(t, kqe.IsKind(err, kqe.Unification))
	assert.Contains(t, err.Error(), `relation "created"`)
}

func TestFindInheritsDatasource(t *testing.T) {
	_, a := newAnalyzer(t)
	nodes := lower(t, a, `
procs = GET process FROM stixshifter://edp1 WHERE name = 'cmd.exe'
survivors = procs WHERE pid > 0
conns = FIND network-traffic OPENED BY survivors
`)
	params := nodes[2].Params.(*ir.Traverse)
	assert.Equal(t, "edp1", params.Datasource)
}

func TestAssignProjectionNarrowsScope(t *testing.T) {
	_, a := newAnalyzer(t)
	nodes := lower(t, a, `
procs = NEW process [{"name": "cmd.exe", "pid": 1, "cmd_line": "cmd.exe /c dir"}]
slim = procs ATTR pid, name
`)
	params := nodes[1].Params.(*ir.Transform)
	assert.Equal(t, []string{"pid", "name"}, params.Attrs)

	err := lowerErr(t, a, `bad = slim WHERE cmd_line LIKE '%dir%'`)
	assert.True(t, kqe.IsKind(err, kqe.SchemaResolution))
	assert.Contains(t, err.Error(), "projected away")

	err = lowerErr(t, a, `bad = slim SORT BY cmd_line`)
	assert.True(t, kqe.IsKind(err, kqe.SchemaResolution))
}

func TestSortMustBeInProjection(t *testing.T) {
	_, a := newAnalyzer(t)
	err := lowerErr(t, a, `
procs = NEW process [{"name": "cmd.exe", "pid": 1}]
bad = procs ATTR pid SORT BY name
`)
	assert.True(t, kqe.IsKind(err, kqe.SchemaResolution))
	assert.Contains(t, err.Error(), "ATTR projection")
}

func TestVariableReference(t *testing.T) {
	_, a := newAnalyzer(t)
	nodes := lower(t, a, `
procs = NEW process [{"name": "cmd.exe", "pid": 1}]
conns = NEW network-traffic [{"src_addr": "10.0.0.1", "pid": 1}]
hits = conns WHERE pid IN procs.pid
bare = conns WHERE pid = procs
none = conns WHERE pid != procs
`)
	require.Len(t, nodes, 5)

	procs, conns := nodes[0], nodes[1]

	hits := nodes[2]
	assert.Equal(t, []ir.NodeID{conns.ID, procs.ID}, hits.Deps)
	f := hits.Params.(*ir.Transform).Filter
	require.NotNil(t, f.Cmp)
	require.NotNil(t, f.Cmp.Ref)
	assert.Equal(t, procs.ID, f.Cmp.Ref.Node)
	assert.Equal(t, "pid", f.Cmp.Ref.Attr)

	// A bare variable reference borrows the left-hand attribute.
	bare := nodes[3].Params.(*ir.Transform).Filter
	require.NotNil(t, bare.Cmp.Ref)
	assert.Equal(t, "pid", bare.Cmp.Ref.Attr)

	// != against a variable negates the membership test.
	none := nodes[4].Params.(*ir.Transform).Filter
	require.NotNil(t, none.Not)
	require.NotNil(t, none.Not.Cmp.Ref)
}

func TestVariableReferenceBadOperator(t *testing.T) {
	_, a := newAnalyzer(t)
	err := lowerErr(t, a, `
procs = NEW process [{"name": "cmd.exe", "pid": 1}]
conns = NEW network-traffic [{"src_addr": "10.0.0.1", "pid": 1}]
hits = conns WHERE pid > procs.pid
`)
	assert.True(t, kqe.IsKind(err, kqe.Unification))
	assert.Contains(t, err.Error(), "cannot compare against a variable")
}

func TestVariableReferenceTypeMismatch(t *testing.T) {
	_, a := newAnalyzer(t)
	err := lowerErr(t, a, `
procs = NEW process [{"name": "cmd.exe", "pid": 1}]
conns = NEW network-traffic [{"src_addr": "10.0.0.1", "pid": 1}]
hits = conns WHERE pid IN procs.name
`)
	assert.True(t, kqe.IsKind(err, kqe.Unification))
	assert.Contains(t, err.Error(), "cannot compare")
}

func TestLiteralTypeMismatch(t *testing.T) {
	_, a := newAnalyzer(t)

	err := lowerErr(t, a, `x = GET process WHERE pid = 'abc'`)
	assert.True(t, kqe.IsKind(err, kqe.Unification))

	err = lowerErr(t, a, `x = GET process WHERE pid LIKE '%1%'`)
	assert.True(t, kqe.IsKind(err, kqe.Unification))
	assert.Contains(t, err.Error(), "string attribute")

	err = lowerErr(t, a, `x = GET process WHERE name MATCHES '['`)
	assert.True(t, kqe.IsKind(err, kqe.Parse))
	assert.Contains(t, err.Error(), "regular expression")
}

func TestTimeLiteralCoercion(t *testing.T) {
	_, a := newAnalyzer(t)
	nodes := lower(t, a, `x = GET process WHERE created_time > '2023-06-01 12:00:00'`)
	f := nodes[0].Params.(*ir.Retrieve).Filter
	ts, ok := f.Cmp.Value.(time.Time)
	require.True(t, ok)
	assert.Equal(t, time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC), ts)

	err := lowerErr(t, a, `x = GET process WHERE created_time > 'not a time'`)
	assert.True(t, kqe.IsKind(err, kqe.Unification))
}

func TestLastWindowAnchoredAtBuild(t *testing.T) {
	_, a := newAnalyzer(t)
	now := time.Date(2023, 6, 2, 10, 0, 0, 0, time.UTC)
	a.SetClock(func() time.Time { return now })

	nodes := lower(t, a, `x = GET process WHERE name = 'x' LAST 2 HOURS`)
	params := nodes[0].Params.(*ir.Retrieve)
	assert.Equal(t, now.Add(-2*time.Hour), params.Start)
	assert.Equal(t, now, params.Stop)
}

func TestNewWithTypeColumn(t *testing.T) {
	_, a := newAnalyzer(t)
	nodes := lower(t, a, `evidence = NEW [{"type": "process", "name": "evil.exe", "pid": 7}]`)
	n := nodes[0]
	assert.Equal(t, ir.KindConstruct, n.Kind)
	assert.Equal(t, "process", n.Entity)

	params := n.Params.(*ir.Construct)
	// Catalog order, with the type column stripped.
	assert.Equal(t, []string{"name", "pid"}, params.Schema.Names())
	assert.Equal(t, "evil.exe", params.Rows[0][0])
	assert.Equal(t, int64(7), params.Rows[0][1])
}

func TestNewRowValidation(t *testing.T) {
	_, a := newAnalyzer(t)

	err := lowerErr(t, a, `x = NEW process [{"name": "a"}, {"pid": 1}]`)
	assert.True(t, kqe.IsKind(err, kqe.SchemaResolution))

	err = lowerErr(t, a, `x = NEW process [{"nme": "a"}]`)
	assert.True(t, kqe.IsKind(err, kqe.SchemaResolution))
	assert.Contains(t, err.Error(), `did you mean "name"?`)

	err = lowerErr(t, a, `x = NEW [{"name": "a"}]`)
	assert.Contains(t, err.Error(), `"type" column`)
}

func TestNewCoercesTimeStrings(t *testing.T) {
	_, a := newAnalyzer(t)
	nodes := lower(t, a, `x = NEW process [{"name": "a", "created_time": "2023-06-01T00:00:00Z"}]`)
	params := nodes[0].Params.(*ir.Construct)
	_, ok := params.Rows[0][1].(time.Time)
	assert.True(t, ok)
}

func TestDispAndInfoAndExplain(t *testing.T) {
	g, a := newAnalyzer(t)
	nodes := lower(t, a, `
procs = NEW process [{"name": "cmd.exe", "pid": 1}]
DISP procs ATTR name LIMIT 5
INFO procs
EXPLAIN procs
`)
	require.Len(t, nodes, 4)

	disp := nodes[1]
	assert.Equal(t, ir.KindDisplay, disp.Kind)
	assert.Empty(t, disp.Binding)
	assert.Equal(t, []string{"name"}, disp.Params.(*ir.Display).Attrs)
	assert.Equal(t, 5, disp.Params.(*ir.Display).Limit)

	assert.Equal(t, ir.KindDescribe, nodes[2].Kind)
	assert.Equal(t, ir.KindExplain, nodes[3].Kind)

	// Display statements never rebind anything.
	id, _ := g.Lookup("procs")
	assert.Equal(t, nodes[0].ID, id)
}

func TestApplyRebindsFirstInput(t *testing.T) {
	g, a := newAnalyzer(t)
	nodes := lower(t, a, `
procs = NEW process [{"name": "cmd.exe", "pid": 1}]
conns = NEW network-traffic [{"src_addr": "10.0.0.1", "pid": 1}]
APPLY python://beacon-score ON procs, conns WITH threshold = 0.5
`)
	apply := nodes[2]
	assert.Equal(t, ir.KindApply, apply.Kind)
	assert.Equal(t, "process", apply.Entity)
	assert.Equal(t, []ir.NodeID{nodes[0].ID, nodes[1].ID}, apply.Deps)

	params := apply.Params.(*ir.Apply)
	assert.Equal(t, "python", params.Provider)
	assert.Equal(t, "beacon-score", params.Name)
	assert.Equal(t, 0.5, params.Args["threshold"])

	// The analytic's result replaces its first input.
	id, _ := g.Lookup("procs")
	assert.Equal(t, apply.ID, id)
	id, _ = g.Lookup("conns")
	assert.Equal(t, nodes[1].ID, id)
}

func TestRebindingLeavesOldNodesIntact(t *testing.T) {
	g, a := newAnalyzer(t)
	nodes := lower(t, a, `
procs = NEW process [{"name": "cmd.exe", "pid": 1}]
keep = procs
procs = GET process WHERE name = 'evil.exe'
`)
	// keep still points at the transform over the construct node.
	id, _ := g.Lookup("keep")
	assert.Equal(t, nodes[1].ID, id)
	assert.Equal(t, []ir.NodeID{nodes[0].ID}, g.Node(id).Deps)

	// procs now points at the new retrieval.
	id, _ = g.Lookup("procs")
	assert.Equal(t, nodes[2].ID, id)

	// The old construct node is untouched.
	assert.Equal(t, ir.KindConstruct, g.Node(nodes[0].ID).Kind)
}

func TestFingerprintDeterminism(t *testing.T) {
	src := `
procs = GET process FROM local://t WHERE name = 'cmd.exe' AND pid IN (1, 2)
kids = FIND process CREATED BY procs
`
	g1, a1 := newAnalyzer(t)
	g2, a2 := newAnalyzer(t)
	lower(t, a1, src)
	lower(t, a2, src)

	require.Equal(t, g1.Len(), g2.Len())
	for i := 0; i < g1.Len(); i++ {
		assert.Equal(t, g1.Fingerprint(ir.NodeID(i)), g2.Fingerprint(ir.NodeID(i)))
	}
}
