package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiver-graph/quiver/internal/analyzer"
	"github.com/quiver-graph/quiver/internal/graph"
	"github.com/quiver-graph/quiver/internal/storage"
)

func setupStore(t *testing.T) storage.Backend {
	t.Helper()
	store := storage.NewMemoryBackend()
	require.NoError(t, store.Initialize("", false))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func buildSource(t *testing.T, store storage.Backend, path, src string) *FileResult {
	t.Helper()
	fa, err := analyzer.New().Analyze(context.Background(), []byte(src), path)
	require.NoError(t, err)
	res, err := New(store).BuildFile(context.Background(), fa)
	require.NoError(t, err)
	return res
}

func queryOne(t *testing.T, store storage.Backend, filter storage.NodeFilter) *graph.Node {
	t.Helper()
	nodes, err := store.QueryNodes(context.Background(), filter)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	return nodes[0]
}

func TestBuildFileNodesAndContainment(t *testing.T) {
	t.Parallel()
	store := setupStore(t)

	res := buildSource(t, store, "src/app.js", `
function run() {
  helper();
}
function helper() {}
`)
	assert.Equal(t, "src/app.js", res.FilePath)
	assert.Greater(t, res.NodesAdded, 0)
	assert.Greater(t, res.EdgesAdded, 0)

	module := queryOne(t, store, storage.NodeFilter{Type: graph.NodeModule})
	run := queryOne(t, store, storage.NodeFilter{Type: graph.NodeFunction, Name: "run"})

	contains, err := store.QueryEdges(context.Background(), storage.EdgeFilter{
		Type:   graph.EdgeContains,
		Source: module.ID,
	})
	require.NoError(t, err)

	targets := map[string]bool{}
	for _, e := range contains {
		targets[e.Target] = true
	}
	assert.True(t, targets[run.ID])
}

func TestBuildFileSameFileHeritage(t *testing.T) {
	t.Parallel()
	store := setupStore(t)

	buildSource(t, store, "src/errors.js", `
class AppError extends Error {}
class ValidationError extends AppError {}
`)

	valErr := queryOne(t, store, storage.NodeFilter{Type: graph.NodeClass, Name: "ValidationError"})
	appErr := queryOne(t, store, storage.NodeFilter{Type: graph.NodeClass, Name: "AppError"})

	ok, err := store.HasEdge(context.Background(), graph.EdgeDerivesFrom, valErr.ID, appErr.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Error is a builtin: no edge, no phantom node, just metadata.
	builtins, err := store.QueryNodes(context.Background(), storage.NodeFilter{Name: "Error"})
	require.NoError(t, err)
	assert.Empty(t, builtins)
	assert.Equal(t, "Error", appErr.Properties["extendsUnresolved"])
}

func TestBuildFileDanglingCrossFileHeritage(t *testing.T) {
	t.Parallel()
	store := setupStore(t)

	buildSource(t, store, "src/api.js", `
import { BaseError } from "./base";
class ApiError extends BaseError {}
`)

	apiErr := queryOne(t, store, storage.NodeFilter{Type: graph.NodeClass, Name: "ApiError"})
	wantTarget := graph.ScopedClassID("src/base.js", "BaseError")

	ok, err := store.HasEdge(context.Background(), graph.EdgeDerivesFrom, apiErr.ID, wantTarget)
	require.NoError(t, err)
	assert.True(t, ok, "dangling edge should be buffered before target exists")

	// No placeholder node was fabricated for the dangling target.
	node, err := store.GetNode(context.Background(), wantTarget)
	require.NoError(t, err)
	assert.Nil(t, node)

	// Analyzing the target file resolves the edge to a real node under
	// the exact same ID.
	buildSource(t, store, "src/base.js", `export class BaseError {}`)
	node, err = store.GetNode(context.Background(), wantTarget)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "BaseError", node.Name)
}

func TestBuildFileRejectsEdgeToDeclaredClass(t *testing.T) {
	t.Parallel()
	store := setupStore(t)

	buildSource(t, store, "src/svc.js", `
class TimeoutError extends Error {}
async function slow() {
  throw new TimeoutError("late");
}
`)

	slow := queryOne(t, store, storage.NodeFilter{Type: graph.NodeFunction, Name: "slow"})
	timeout := queryOne(t, store, storage.NodeFilter{Type: graph.NodeClass, Name: "TimeoutError"})

	rejects, err := store.QueryEdges(context.Background(), storage.EdgeFilter{
		Type:   graph.EdgeRejects,
		Source: slow.ID,
	})
	require.NoError(t, err)
	require.Len(t, rejects, 1)
	assert.Equal(t, timeout.ID, rejects[0].Target)
	assert.Equal(t, graph.RejectionAsyncThrow, rejects[0].Meta.RejectionType)
}

func TestBuildFileBuiltinErrorGoesToMetadata(t *testing.T) {
	t.Parallel()
	store := setupStore(t)

	buildSource(t, store, "src/f.js", `
function f() {
  return Promise.reject(new Error("x"));
}
`)

	fn := queryOne(t, store, storage.NodeFilter{Type: graph.NodeFunction, Name: "f"})
	require.NotNil(t, fn.ControlFlow)
	assert.True(t, fn.ControlFlow.CanReject)
	assert.Contains(t, fn.ControlFlow.RejectedBuiltinErrors, "Error")

	rejects, err := store.QueryEdges(context.Background(), storage.EdgeFilter{Type: graph.EdgeRejects})
	require.NoError(t, err)
	assert.Empty(t, rejects)

	phantom, err := store.QueryNodes(context.Background(), storage.NodeFilter{Name: "Error"})
	require.NoError(t, err)
	assert.Empty(t, phantom)
}

func TestBuildFileCallResolution(t *testing.T) {
	t.Parallel()
	store := setupStore(t)

	buildSource(t, store, "src/calls.js", `
import { remoteLoad } from "./remote";
function local() {}
function run() {
  local();
  remoteLoad();
}
`)

	local := queryOne(t, store, storage.NodeFilter{Type: graph.NodeFunction, Name: "local"})

	calls, err := store.QueryEdges(context.Background(), storage.EdgeFilter{Type: graph.EdgeCalls})
	require.NoError(t, err)

	targets := map[string]bool{}
	for _, e := range calls {
		targets[e.Target] = true
	}
	assert.True(t, targets[local.ID])
	assert.True(t, targets[graph.ScopedFunctionID("src/remote.js", "remoteLoad")])
}

func TestBuildFileThisCallResolvesToMethod(t *testing.T) {
	t.Parallel()
	store := setupStore(t)

	buildSource(t, store, "src/store.js", `
class Store {
  validate() { return true; }
  save() { this.validate(); }
}
function validate() {}
`)

	method := queryOne(t, store, storage.NodeFilter{Type: graph.NodeMethod, Name: "validate"})
	fn := queryOne(t, store, storage.NodeFilter{Type: graph.NodeFunction, Name: "validate"})

	calls, err := store.QueryEdges(context.Background(), storage.EdgeFilter{Type: graph.EdgeCalls})
	require.NoError(t, err)

	targets := map[string]bool{}
	for _, e := range calls {
		targets[e.Target] = true
	}
	assert.True(t, targets[method.ID], "this.validate() resolves against methods")
	assert.False(t, targets[fn.ID], "a this call must not link to a same-named module function")
}

func TestBuildFileVariableEdges(t *testing.T) {
	t.Parallel()
	store := setupStore(t)

	buildSource(t, store, "src/vars.js", `
class Widget {}
const w = new Widget();
const alias = w;
`)

	widget := queryOne(t, store, storage.NodeFilter{Type: graph.NodeClass, Name: "Widget"})
	wVar := queryOne(t, store, storage.NodeFilter{Type: graph.NodeVariable, Name: "w"})
	aliasVar := queryOne(t, store, storage.NodeFilter{Type: graph.NodeVariable, Name: "alias"})

	ok, err := store.HasEdge(context.Background(), graph.EdgeInstanceOf, wVar.ID, widget.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HasEdge(context.Background(), graph.EdgeResolvesTo, aliasVar.ID, wVar.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBuildFileCatchesFrom(t *testing.T) {
	t.Parallel()
	store := setupStore(t)

	buildSource(t, store, "src/catch.js", `
async function load() {
  try {
    await fetchRaw();
  } catch (err) {
    report(err);
  }
}
`)

	param := queryOne(t, store, storage.NodeFilter{Type: graph.NodeVariable, Name: "err"})

	catches, err := store.QueryEdges(context.Background(), storage.EdgeFilter{
		Type:   graph.EdgeCatchesFrom,
		Source: param.ID,
	})
	require.NoError(t, err)
	require.Len(t, catches, 1)
	assert.Equal(t, "await-call", catches[0].Meta.ViaKind)

	target, err := store.GetNode(context.Background(), catches[0].Target)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, graph.NodeCall, target.Type)
}

func TestBuildFileIdempotent(t *testing.T) {
	t.Parallel()
	store := setupStore(t)

	src := `
class E extends Error {}
async function f() { throw new E("x"); }
`
	first := buildSource(t, store, "src/idem.js", src)
	second := buildSource(t, store, "src/idem.js", src)

	assert.Equal(t, first.NodesAdded, second.NodesAdded)
	assert.Equal(t, first.EdgesAdded, second.EdgesAdded)

	counts, err := store.CountNodesByType(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[graph.NodeClass])

	edgeCounts, err := store.CountEdgesByType(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, edgeCounts[graph.EdgeRejects])
}
