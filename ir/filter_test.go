package ir_test

import (
	"testing"
	"time"

	"github.com/princesaroj111/kestrel-lang/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterFlattening(t *testing.T) {
	a := ir.NewCmp("name", ir.CmpEqual, "cmd.exe")
	b := ir.NewCmp("pid", ir.CmpGreater, 100)
	c := ir.NewCmp("user", ir.CmpNotEqual, "root")

	left := ir.NewAnd(ir.NewAnd(a, b), c)
	right := ir.NewAnd(a, ir.NewAnd(b, c))
	assert.Equal(t, left, right)
	require.Len(t, left.And, 3)

	// Single operands and nils collapse away.
	assert.Equal(t, a, ir.NewAnd(a))
	assert.Equal(t, a, ir.NewAnd(nil, a, nil))
	assert.Nil(t, ir.NewOr())
	assert.Nil(t, ir.NewNot(nil))
}

func TestFilterNormalizesValues(t *testing.T) {
	f := ir.NewCmp("pid", ir.CmpEqual, 42)
	assert.Equal(t, int64(42), f.Cmp.Value)

	list := ir.NewCmpList("pid", []any{1, uint(2), 3.5})
	assert.Equal(t, []any{int64(1), int64(2), 3.5}, list.Cmp.List)
}

func TestFilterString(t *testing.T) {
	f := ir.NewAnd(
		ir.NewCmp("name", ir.CmpEqual, "cmd.exe"),
		ir.NewOr(
			ir.NewCmp("pid", ir.CmpGreater, 100),
			ir.NewNot(ir.NewCmp("user", ir.CmpEqual, "root")),
		),
	)
	assert.Equal(t, "name = 'cmd.exe' AND (pid > 100 OR NOT (user = 'root'))", f.String())

	var nilFilter *ir.Filter
	assert.Equal(t, "true", nilFilter.String())

	ts := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "seen >= t'2023-05-01T12:00:00Z'",
		ir.NewCmp("seen", ir.CmpGreaterEq, ts).String())

	in := ir.NewCmpList("pid", []any{1, 2})
	assert.Equal(t, "pid IN (1, 2)", in.String())

	ref := ir.NewCmpRef("pid", ir.CmpIn, ir.Ref{Node: 3, Attr: "pid"})
	assert.Equal(t, "pid IN @3.pid", ref.String())
}

func TestFilterRefNodes(t *testing.T) {
	f := ir.NewAnd(
		ir.NewCmpRef("pid", ir.CmpIn, ir.Ref{Node: 2, Attr: "pid"}),
		ir.NewCmp("name", ir.CmpEqual, "x"),
		ir.NewOr(
			ir.NewCmpRef("ppid", ir.CmpIn, ir.Ref{Node: 5, Attr: "pid"}),
			ir.NewCmpRef("pid", ir.CmpEqual, ir.Ref{Node: 2, Attr: "pid"}),
		),
	)
	assert.Equal(t, []ir.NodeID{2, 5}, f.RefNodes())
	assert.Nil(t, (*ir.Filter)(nil).RefNodes())
}

func TestFilterWalkCountsComparisons(t *testing.T) {
	f := ir.NewNot(ir.NewAnd(
		ir.NewCmp("a", ir.CmpEqual, 1),
		ir.NewCmp("b", ir.CmpEqual, 2),
	))
	var n int
	f.Walk(func(*ir.Cmp) { n++ })
	assert.Equal(t, 2, n)
}
