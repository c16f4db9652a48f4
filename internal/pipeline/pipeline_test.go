package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiver-graph/quiver/internal/analyzer"
	"github.com/quiver-graph/quiver/internal/graph"
	"github.com/quiver-graph/quiver/internal/storage"
)

func writeFile(t *testing.T, root, relPath, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func setupStore(t *testing.T) storage.Backend {
	t.Helper()
	store := storage.NewMemoryBackend()
	require.NoError(t, store.Initialize("", false))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestWalkRootFiltersAndHashes(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	writeFile(t, root, "src/app.js", "function a() {}")
	writeFile(t, root, "src/types.ts", "export class T {}")
	writeFile(t, root, "node_modules/dep/index.js", "module.exports = {}")
	writeFile(t, root, "dist/bundle.js", "var x=1")
	writeFile(t, root, "README.md", "# hi")
	writeFile(t, root, "ignored/skip.js", "function s() {}")
	writeFile(t, root, ".gitignore", "ignored/\n")

	patterns, err := LoadGitignore(root)
	require.NoError(t, err)
	entries, err := WalkRoot(root, patterns)
	require.NoError(t, err)

	paths := map[string]FileEntry{}
	for _, e := range entries {
		paths[e.RelPath] = e
	}
	assert.Len(t, paths, 2)
	assert.Contains(t, paths, "src/app.js")
	assert.Contains(t, paths, "src/types.ts")
	assert.NotEmpty(t, paths["src/app.js"].SHA256)
}

func TestPipelineRunBuildsGraph(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	writeFile(t, root, "src/errors.js", `
export class DbError extends Error {}
`)
	writeFile(t, root, "src/db.js", `
import { DbError } from "./errors";
export async function query() {
  throw new DbError("down");
}
`)
	writeFile(t, root, "src/api.js", `
import { query } from "./db";
async function handler() {
  return await query();
}
`)

	store := setupStore(t)
	res, err := New(store).Run(context.Background(), root, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Files)
	assert.Equal(t, 0, res.ParseFailures)
	assert.Greater(t, res.Nodes, 0)
	assert.Greater(t, res.Edges, 0)
	assert.True(t, res.Converged)
	assert.Equal(t, 1, res.PropagatedEdges)

	// The cross-file rejection chain resolved end to end.
	handlers, err := store.QueryNodes(context.Background(), storage.NodeFilter{Type: graph.NodeFunction, Name: "handler"})
	require.NoError(t, err)
	require.Len(t, handlers, 1)

	rejects, err := store.QueryEdges(context.Background(), storage.EdgeFilter{Type: graph.EdgeRejects, Source: handlers[0].ID})
	require.NoError(t, err)
	require.Len(t, rejects, 1)
	assert.Equal(t, graph.ScopedClassID("src/errors.js", "DbError"), rejects[0].Target)
}

func TestPipelineRerunIsStable(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	writeFile(t, root, "src/a.js", `
class E extends Error {}
async function f() { throw new E("x"); }
`)

	store := setupStore(t)
	p := New(store)

	first, err := p.Run(context.Background(), root, nil)
	require.NoError(t, err)
	second, err := p.Run(context.Background(), root, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Nodes, second.Nodes)
	assert.Equal(t, first.Edges, second.Edges)
	assert.Equal(t, 0, second.PropagatedEdges)

	counts, err := store.CountNodesByType(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[graph.NodeClass])
}

func TestPipelineReportsParseFailures(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	writeFile(t, root, "src/good.js", "function ok() {}")
	// Oversized files fail analysis but must not abort the batch.
	big := make([]byte, 64)
	for i := range big {
		big[i] = 'x'
	}
	writeFile(t, root, "src/huge.js", string(big))

	store := setupStore(t)
	p := New(store)
	p.analyzer = analyzer.New(analyzer.WithMaxFileSize(32))

	res, err := p.Run(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 1, res.ParseFailures)

	failures := p.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "src/huge.js", failures[0].RelPath)

	nodes, err := store.QueryNodes(context.Background(), storage.NodeFilter{Type: graph.NodeFunction, Name: "ok"})
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestPipelineRejectsMalformedFile(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	writeFile(t, root, "src/good.js", "function ok() {}")
	writeFile(t, root, "src/broken.js", "function broken( { if ] ) ++")

	store := setupStore(t)
	p := New(store)

	res, err := p.Run(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 1, res.ParseFailures)

	failures := p.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "src/broken.js", failures[0].RelPath)
	assert.ErrorIs(t, failures[0].Err, analyzer.ErrParseFailed)

	// A file that fails to parse contributes nothing, not partial facts.
	broken, err := store.QueryNodes(context.Background(), storage.NodeFilter{FilePath: "src/broken.js"})
	require.NoError(t, err)
	assert.Empty(t, broken)
}

func TestCoordinatorSerializesRuns(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, root, "src/a.js", "function f() {}")

	store := setupStore(t)
	coord := NewCoordinator(New(store))

	// Hold the lock, then verify a second caller waits and succeeds.
	require.NoError(t, coord.acquire(context.Background()))
	assert.True(t, coord.Busy())

	done := make(chan error, 1)
	go func() {
		_, err := coord.Run(context.Background(), root, nil)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("second run should wait for the lock")
	case <-time.After(100 * time.Millisecond):
	}

	coord.release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting run never acquired the lock")
	}
	assert.False(t, coord.Busy())
}

func TestCoordinatorTryRunFailsFast(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	store := setupStore(t)
	coord := NewCoordinator(New(store))

	require.NoError(t, coord.acquire(context.Background()))
	defer coord.release()

	_, err := coord.TryRun(context.Background(), root, nil)
	assert.ErrorIs(t, err, ErrAnalysisInFlight)
}

func TestCoordinatorLockTimeout(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	store := setupStore(t)
	coord := NewCoordinator(New(store)).WithLockTimeout(50 * time.Millisecond)

	require.NoError(t, coord.acquire(context.Background()))
	defer coord.release()

	_, err := coord.Run(context.Background(), root, nil)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestReanalyzeFilesReplacesStaleNodes(t *testing.T) {
	t.Parallel()

	store := setupStore(t)
	p := New(store)

	entry := func(src string) []FileEntry {
		return []FileEntry{{RelPath: "src/a.js", Content: []byte(src)}}
	}

	_, err := p.ReanalyzeFiles(context.Background(), entry("function oldName() {}"), nil)
	require.NoError(t, err)

	_, err = p.ReanalyzeFiles(context.Background(), entry("function newName() {}"), nil)
	require.NoError(t, err)

	old, err := store.QueryNodes(context.Background(), storage.NodeFilter{Name: "oldName"})
	require.NoError(t, err)
	assert.Empty(t, old)

	current, err := store.QueryNodes(context.Background(), storage.NodeFilter{Name: "newName"})
	require.NoError(t, err)
	assert.Len(t, current, 1)
}

func TestReanalyzeFilesDropsDeletedPaths(t *testing.T) {
	t.Parallel()

	store := setupStore(t)
	p := New(store)

	entries := []FileEntry{
		{RelPath: "src/keep.js", Content: []byte("function keep() {}")},
		{RelPath: "src/gone.js", Content: []byte("function gone() {}")},
	}
	_, err := p.ReanalyzeFiles(context.Background(), entries, nil)
	require.NoError(t, err)

	_, err = p.ReanalyzeFiles(context.Background(), nil, []string{"src/gone.js"})
	require.NoError(t, err)

	gone, err := store.QueryNodes(context.Background(), storage.NodeFilter{FilePath: "src/gone.js"})
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := store.QueryNodes(context.Background(), storage.NodeFilter{Name: "keep"})
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestCoordinatorGuardsDeletions(t *testing.T) {
	t.Parallel()

	store := setupStore(t)
	coord := NewCoordinator(New(store)).WithLockTimeout(50 * time.Millisecond)

	// Graph removal for deleted paths is a write like any other: while an
	// analysis holds the lock it must wait, not race.
	require.NoError(t, coord.acquire(context.Background()))
	defer coord.release()

	_, err := coord.ReanalyzeFiles(context.Background(), nil, []string{"src/gone.js"})
	assert.ErrorIs(t, err, ErrLockTimeout)
}
