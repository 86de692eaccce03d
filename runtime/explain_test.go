package runtime_test

import (
	"context"
	"testing"

	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"github.com/princesaroj111/kestrel-lang/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExplainCompilesWithoutExecuting(t *testing.T) {
	s, store := newSession(t)
	edr := registerEDR(t, s)
	netflow := registerNetflow(t, s)

	results, err := s.Submit(context.Background(), `
procs = GET process FROM edr://logs WHERE name = 'cmd.exe'
conns = FIND network-traffic OPENED BY procs
EXPLAIN conns
`)
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, ir.KindExplain, res.Kind)
	assert.Nil(t, res.Table)
	require.NotNil(t, res.Explain)

	// Compilation only: no query ran, nothing was cached.
	assert.Equal(t, 0, edr.count())
	assert.Equal(t, 0, netflow.count())
	assert.Equal(t, 0, store.Len())

	require.Len(t, res.Explain.Segments, 2)
	assert.Equal(t, "edr", res.Explain.Segments[0].Interface)
	assert.Equal(t, "netflow", res.Explain.Segments[1].Interface)
	// The consumer's query stands in a placeholder for rows its
	// producer has not materialized.
	require.Len(t, res.Explain.Segments[1].Queries, 1)
	assert.Contains(t, res.Explain.Segments[1].Queries[0].Text, "input_")
	assert.Empty(t, res.Explain.Cached)
}

func TestExplainTextIsDeterministic(t *testing.T) {
	s, _ := newSession(t)
	registerEDR(t, s)
	registerNetflow(t, s)
	ctx := context.Background()

	_, err := s.Submit(ctx, `
procs = GET process FROM edr://logs WHERE name = 'cmd.exe'
conns = FIND network-traffic OPENED BY procs
`)
	require.NoError(t, err)

	first, err := s.Submit(ctx, `EXPLAIN conns`)
	require.NoError(t, err)
	second, err := s.Submit(ctx, `EXPLAIN conns`)
	require.NoError(t, err)

	rendered := first[0].Explain.Text()
	assert.Equal(t, rendered, second[0].Explain.Text())
	assert.Contains(t, rendered, "plan for node 1: traverse network-traffic (conns)")
	assert.Contains(t, rendered, `segment 1 on interface "edr"`)
	assert.Contains(t, rendered, `segment 2 on interface "netflow"`)
	assert.Contains(t, rendered, "inputs: node 0")
	assert.Contains(t, rendered, "cached leaves: none")
}

func TestExplainShowsCachedLeaves(t *testing.T) {
	s, _ := newSession(t)
	registerEDR(t, s)
	ctx := context.Background()

	_, err := s.Submit(ctx, `
procs = GET process FROM edr://logs WHERE name = 'cmd.exe'
DISP procs
`)
	require.NoError(t, err)

	results, err := s.Submit(ctx, `EXPLAIN procs`)
	require.NoError(t, err)
	explain := results[0].Explain
	require.NotNil(t, explain)
	require.Len(t, explain.Cached, 1)
	assert.Empty(t, explain.Segments)
	rendered := explain.Text()
	assert.Contains(t, rendered, "cached leaves:")
	assert.Contains(t, rendered, "node 0: retrieve process (procs)")
}

func TestExplainUnknownVariable(t *testing.T) {
	s, _ := newSession(t)
	registerEDR(t, s)

	_, err := s.Submit(context.Background(), `EXPLAIN ghosts`)
	require.Error(t, err)
	assert.True(t, kqe.IsKind(err, kqe.Reference), "got %v", err)
	assert.Equal(t, 0, s.Graph().Len())
}
