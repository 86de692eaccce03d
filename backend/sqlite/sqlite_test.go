package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/princesaroj111/kestrel-lang"
	"github.com/princesaroj111/kestrel-lang/backend"
	"github.com/princesaroj111/kestrel-lang/backend/sqlite"
	"github.com/princesaroj111/kestrel-lang/compiler"
	"github.com/princesaroj111/kestrel-lang/compiler/planner"
	"github.com/princesaroj111/kestrel-lang/ir"
	"github.com/princesaroj111/kestrel-lang/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return v.UTC()
}

func processTable(t *testing.T) *kestrel.Table {
	tbl := kestrel.NewTable(
		kestrel.Column{Name: "name", Type: kestrel.TypeString},
		kestrel.Column{Name: "pid", Type: kestrel.TypeInt},
		kestrel.Column{Name: "ppid", Type: kestrel.TypeInt},
		kestrel.Column{Name: "cmd_line", Type: kestrel.TypeString},
		kestrel.Column{Name: "owner", Type: kestrel.TypeString},
		kestrel.Column{Name: "binary_path", Type: kestrel.TypeString},
		kestrel.Column{Name: "created_time", Type: kestrel.TypeTime},
	)
	tbl.AppendRow("explorer.exe", int64(100), int64(1), "explorer.exe", "alice", `C:\Windows\explorer.exe`, ts(t, "2023-06-01T09:00:00Z"))
	tbl.AppendRow("cmd.exe", int64(101), int64(100), "cmd.exe /c whoami", "alice", `C:\Windows\System32\cmd.exe`, ts(t, "2023-06-01T10:00:00Z"))
	tbl.AppendRow("powershell.exe", int64(102), int64(101), "powershell.exe -nop", "alice", `C:\Windows\System32\powershell.exe`, ts(t, "2023-06-01T10:30:00Z"))
	tbl.AppendRow("cmd.exe", int64(104), int64(103), "cmd.exe /c dir", "bob", `C:\Windows\System32\cmd.exe`, ts(t, "2023-06-01T11:00:00Z"))
	return tbl
}

func networkTable(t *testing.T) *kestrel.Table {
	tbl := kestrel.NewTable(
		kestrel.Column{Name: "src_addr", Type: kestrel.TypeString},
		kestrel.Column{Name: "dst_addr", Type: kestrel.TypeString},
		kestrel.Column{Name: "src_port", Type: kestrel.TypeInt},
		kestrel.Column{Name: "dst_port", Type: kestrel.TypeInt},
		kestrel.Column{Name: "protocol", Type: kestrel.TypeString},
		kestrel.Column{Name: "pid", Type: kestrel.TypeInt},
		kestrel.Column{Name: "start_time", Type: kestrel.TypeTime},
	)
	tbl.AppendRow("10.0.0.5", "1.2.3.4", int64(50000), int64(443), "tcp", int64(101), ts(t, "2023-06-01T10:05:00Z"))
	tbl.AppendRow("10.0.0.5", "5.6.7.8", int64(50001), int64(53), "udp", int64(999), ts(t, "2023-06-01T10:06:00Z"))
	return tbl
}

// edrInterface opens an in-memory ECS-dialect datasource named edr and
// loads the process fixture under datasource logs.
func edrInterface(t *testing.T, reg *schema.Registry, entities ...string) *sqlite.Store {
	t.Helper()
	ds, err := sqlite.NewDatasource(reg, sqlite.Config{Name: "edr", Dialect: "ecs", Entities: entities})
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	require.NoError(t, ds.Load(context.Background(), "logs", "process", processTable(t)))
	return ds
}

func build(t *testing.T, reg *schema.Registry, src string) (*ir.Graph, []*ir.Node) {
	t.Helper()
	g := ir.NewGraph()
	nodes, err := compiler.NewBuilder(g, reg).BuildAll(compiler.MustParse(src))
	require.NoError(t, err)
	return g, nodes
}

func plan(t *testing.T, g *ir.Graph, trigger ir.NodeID, ifaces ...backend.Interface) *planner.Plan {
	t.Helper()
	r := backend.NewRegistry()
	for _, iface := range ifaces {
		require.NoError(t, r.Register(iface))
	}
	p, err := planner.New(g, r, nil).Plan(trigger)
	require.NoError(t, err)
	return p
}

func execute(t *testing.T, iface backend.Interface, g *ir.Graph, seg *ir.Segment, inputs map[ir.NodeID]*kestrel.Table) map[ir.NodeID]*kestrel.Table {
	t.Helper()
	ctx := context.Background()
	compiled, err := iface.Compile(ctx, &backend.CompileRequest{Graph: g, Segment: seg, Inputs: inputs})
	require.NoError(t, err)
	out, err := iface.Execute(ctx, compiled)
	require.NoError(t, err)
	return out
}

func columnValues(t *testing.T, table *kestrel.Table, name string) []any {
	t.Helper()
	idx := table.ColumnIndex(name)
	require.GreaterOrEqual(t, idx, 0, "column %s", name)
	out := make([]any, 0, table.Len())
	for _, row := range table.Rows {
		out = append(out, row[idx])
	}
	return out
}

func TestRetrieveTranslatesDialect(t *testing.T) {
	reg := schema.NewRegistry()
	edr := edrInterface(t, reg)
	g, nodes := build(t, reg, `procs = GET process FROM edr://logs WHERE name = 'cmd.exe'`)
	p := plan(t, g, nodes[0].ID, edr)
	require.Len(t, p.Segments, 1)

	out := execute(t, edr, g, p.Segments[0], nil)
	table := out[nodes[0].ID]
	require.NotNil(t, table)
	assert.Equal(t, []string{"name", "pid", "ppid", "cmd_line", "owner", "binary_path", "created_time"},
		table.ColumnNames())
	assert.ElementsMatch(t, []any{int64(101), int64(104)}, columnValues(t, table, "pid"))
}

func TestNestedPipelineCompilesToOneQuery(t *testing.T) {
	reg := schema.NewRegistry()
	edr := edrInterface(t, reg)
	g, nodes := build(t, reg, `
procs = GET process FROM edr://logs WHERE name = 'cmd.exe' OR name = 'powershell.exe'
kids = procs WHERE ppid = 101 ATTR name, pid
DISP kids
`)
	p := plan(t, g, nodes[2].ID, edr)
	require.Len(t, p.Segments, 1)

	ctx := context.Background()
	compiled, err := edr.Compile(ctx, &backend.CompileRequest{Graph: g, Segment: p.Segments[0]})
	require.NoError(t, err)
	require.Len(t, compiled.Queries, 3)
	// The transform nests the retrieval as a subquery aliased by its
	// variable name.
	assert.Contains(t, compiled.Queries[1].Text, `FROM (SELECT`)
	assert.Contains(t, compiled.Queries[1].Text, `AS "procs"`)

	out, err := edr.Execute(ctx, compiled)
	require.NoError(t, err)
	kids := out[nodes[1].ID]
	require.NotNil(t, kids)
	assert.Equal(t, []string{"name", "pid"}, kids.ColumnNames())
	require.Equal(t, 1, kids.Len())
	assert.Equal(t, kestrel.Row{"powershell.exe", int64(102)}, kids.Rows[0])
	assert.Equal(t, kids.Rows, out[nodes[2].ID].Rows)
}

func TestTraverseFollowsRelation(t *testing.T) {
	reg := schema.NewRegistry()
	edr := edrInterface(t, reg)
	g, nodes := build(t, reg, `
procs = GET process FROM edr://logs WHERE name = 'cmd.exe'
kids = FIND process CREATED BY procs
`)
	p := plan(t, g, nodes[1].ID, edr)
	require.Len(t, p.Segments, 1)

	out := execute(t, edr, g, p.Segments[0], nil)
	kids := out[nodes[1].ID]
	require.Equal(t, 1, kids.Len())
	assert.Equal(t, []any{"powershell.exe"}, columnValues(t, kids, "name"))
}

func TestMatchesRunsAsRegexp(t *testing.T) {
	reg := schema.NewRegistry()
	edr := edrInterface(t, reg)
	g, nodes := build(t, reg, `procs = GET process FROM edr://logs WHERE name MATCHES '^pow'`)
	p := plan(t, g, nodes[0].ID, edr)

	out := execute(t, edr, g, p.Segments[0], nil)
	assert.ElementsMatch(t, []any{int64(102)}, columnValues(t, out[nodes[0].ID], "pid"))
}

func TestTimeWindowBoundsScan(t *testing.T) {
	reg := schema.NewRegistry()
	edr := edrInterface(t, reg)
	g, nodes := build(t, reg,
		`procs = GET process FROM edr://logs START t'2023-06-01T10:00:00Z' STOP t'2023-06-01T11:00:00Z'`)
	p := plan(t, g, nodes[0].ID, edr)

	out := execute(t, edr, g, p.Segments[0], nil)
	// The window is half-open: the 11:00:00 row is excluded.
	assert.ElementsMatch(t, []any{int64(101), int64(102)}, columnValues(t, out[nodes[0].ID], "pid"))
}

func TestConstructAndDescribeOnStore(t *testing.T) {
	reg := schema.NewRegistry()
	store, err := sqlite.NewStore(reg, sqlite.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	g, nodes := build(t, reg, `
evil = NEW process [{"name": "evil.exe", "pid": 666}, {"name": "evil.exe", "pid": 667}]
INFO evil
`)
	p := plan(t, g, nodes[1].ID, store)
	require.Len(t, p.Segments, 1)
	assert.Equal(t, "local", p.Segments[0].Tag)

	out := execute(t, store, g, p.Segments[0], nil)
	evil := out[nodes[0].ID]
	require.Equal(t, 2, evil.Len())
	assert.Equal(t, []string{"name", "pid"}, evil.ColumnNames())

	info := out[nodes[1].ID]
	require.NotNil(t, info)
	assert.Equal(t, []string{"attribute", "type", "count", "distinct", "null"}, info.ColumnNames())
	require.Equal(t, 2, info.Len())
	assert.Equal(t, kestrel.Row{"name", "string", int64(2), int64(1), int64(0)}, info.Rows[0])
	assert.Equal(t, kestrel.Row{"pid", "int", int64(2), int64(2), int64(0)}, info.Rows[1])
}

func TestCrossInterfaceInjection(t *testing.T) {
	reg := schema.NewRegistry()
	edr := edrInterface(t, reg, "process")
	netflow, err := sqlite.NewDatasource(reg, sqlite.Config{Name: "netflow", Entities: []string{"network-traffic"}})
	require.NoError(t, err)
	t.Cleanup(func() { netflow.Close() })
	require.NoError(t, netflow.Load(context.Background(), "logs", "network-traffic", networkTable(t)))

	g, nodes := build(t, reg, `
procs = GET process FROM edr://logs WHERE name = 'cmd.exe'
conns = FIND network-traffic OPENED BY procs
`)
	p := plan(t, g, nodes[1].ID, edr, netflow)
	require.Len(t, p.Segments, 2)
	assert.Equal(t, "edr", p.Segments[0].Tag)
	assert.Equal(t, "netflow", p.Segments[1].Tag)
	assert.Equal(t, []ir.NodeID{nodes[0].ID}, p.Segments[1].Inputs)

	first := execute(t, edr, g, p.Segments[0], nil)
	procs := first[nodes[0].ID]
	require.Equal(t, 2, procs.Len())

	// The producer's rows cross the interface boundary as literal
	// values in the consumer's query.
	second := execute(t, netflow, g, p.Segments[1], map[ir.NodeID]*kestrel.Table{nodes[0].ID: procs})
	conns := second[nodes[1].ID]
	require.Equal(t, 1, conns.Len())
	assert.Equal(t, []any{"1.2.3.4"}, columnValues(t, conns, "dst_addr"))
}

func TestPlaceholderCompileNeedsNoInputs(t *testing.T) {
	reg := schema.NewRegistry()
	edr := edrInterface(t, reg, "process")
	netflow, err := sqlite.NewDatasource(reg, sqlite.Config{Name: "netflow", Entities: []string{"network-traffic"}})
	require.NoError(t, err)
	t.Cleanup(func() { netflow.Close() })

	g, nodes := build(t, reg, `
procs = GET process FROM edr://logs WHERE name = 'cmd.exe'
conns = FIND network-traffic OPENED BY procs
`)
	p := plan(t, g, nodes[1].ID, edr, netflow)
	require.Len(t, p.Segments, 2)

	compiled, err := netflow.Compile(context.Background(), &backend.CompileRequest{
		Graph:        g,
		Segment:      p.Segments[1],
		Placeholders: true,
	})
	require.NoError(t, err)
	require.Len(t, compiled.Queries, 1)
	assert.Contains(t, compiled.Queries[0].Text, "input_")
}

func TestLoadRoundTrip(t *testing.T) {
	reg := schema.NewRegistry()
	edr := edrInterface(t, reg)
	g, nodes := build(t, reg, `procs = GET process FROM edr://logs`)
	p := plan(t, g, nodes[0].ID, edr)

	out := execute(t, edr, g, p.Segments[0], nil)
	got := out[nodes[0].ID]
	want := processTable(t)
	require.Equal(t, want.ColumnNames(), got.ColumnNames())
	assert.ElementsMatch(t, want.Rows, got.Rows)
}
