package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiver-graph/quiver/internal/graph"
)

func TestBadgerBackendPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	backend := NewBadgerBackend()
	require.NoError(t, backend.Initialize(dir, false))

	fn, err := graph.NewFunctionNode("load", "src/db.js", 3, 0, graph.FunctionOpts{Async: true})
	require.NoError(t, err)
	require.NoError(t, backend.AddNode(ctx, fn))
	require.NoError(t, backend.AddEdges(ctx, []*graph.Edge{
		{Type: graph.EdgeRejects, Source: fn.ID, Target: graph.ScopedClassID("src/errors.js", "DbError"),
			Meta: graph.EdgeMeta{RejectionType: graph.RejectionAsyncThrow, ErrorClass: "DbError"}},
	}, true))
	require.NoError(t, backend.Close())

	// Reopen read-only; everything written must still be there.
	reopened := NewBadgerBackend()
	require.NoError(t, reopened.Initialize(dir, true))
	defer func() { _ = reopened.Close() }()

	node, err := reopened.GetNode(ctx, fn.ID)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.True(t, node.Async)

	edges, err := reopened.GetOutgoingEdges(ctx, fn.ID, graph.EdgeRejects)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "DbError", edges[0].Meta.ErrorClass)
}

func TestBadgerBackendCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	backend := NewBadgerBackend()
	require.NoError(t, backend.Initialize(t.TempDir(), false))

	assert.NoError(t, backend.Close())
	assert.NoError(t, backend.Close())
}
