package analyzer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiver-graph/quiver/internal/graph"
)

func analyzeSource(t *testing.T, path, src string) *FileAnalysis {
	t.Helper()
	fa, err := New().Analyze(context.Background(), []byte(src), path)
	require.NoError(t, err)
	require.NotNil(t, fa)
	return fa
}

func findNode(fa *FileAnalysis, nodeType graph.NodeType, name string) *graph.Node {
	for _, rec := range fa.Nodes {
		if rec.Node.Type == nodeType && rec.Node.Name == name {
			return rec.Node
		}
	}
	return nil
}

func TestAnalyzeSupports(t *testing.T) {
	t.Parallel()

	a := New()
	assert.True(t, a.Supports("src/app.js"))
	assert.True(t, a.Supports("src/app.ts"))
	assert.True(t, a.Supports("src/component.tsx"))
	assert.True(t, a.Supports("src/util.mjs"))
	assert.False(t, a.Supports("src/main.go"))
	assert.False(t, a.Supports("README.md"))
}

func TestAnalyzeModuleAndFunctions(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/app.js", `
function greet(name) {
  return "hi " + name;
}
async function fetchUser(id) {
  return await loadUser(id);
}
const handler = async (req) => {
  return req;
};
`)

	require.NotNil(t, fa.Module)
	assert.Equal(t, graph.NodeModule, fa.Module.Type)
	assert.Equal(t, "src/app.js", fa.Module.FilePath)

	greet := findNode(fa, graph.NodeFunction, "greet")
	require.NotNil(t, greet)
	assert.False(t, greet.Async)
	assert.Equal(t, 2, greet.Line)

	fetchUser := findNode(fa, graph.NodeFunction, "fetchUser")
	require.NotNil(t, fetchUser)
	assert.True(t, fetchUser.Async)

	// Arrow functions bound to a name take that name.
	handler := findNode(fa, graph.NodeFunction, "handler")
	require.NotNil(t, handler)
	assert.True(t, handler.Async)

	// Parameters become PARAMETER nodes contained by their function.
	nameParam := findNode(fa, graph.NodeParameter, "name")
	require.NotNil(t, nameParam)
	var container string
	for _, rec := range fa.Nodes {
		if rec.Node.ID == nameParam.ID {
			container = rec.ContainerID
		}
	}
	assert.Equal(t, greet.ID, container)
}

func TestAnalyzeDeterministicIDs(t *testing.T) {
	t.Parallel()

	src := `
function outer() {
  function inner() {}
  const x = new Widget();
}
class Widget {}
`
	first := analyzeSource(t, "src/w.js", src)
	second := analyzeSource(t, "src/w.js", src)

	require.Equal(t, len(first.Nodes), len(second.Nodes))
	for i := range first.Nodes {
		assert.Equal(t, first.Nodes[i].Node.ID, second.Nodes[i].Node.ID)
		assert.Equal(t, first.Nodes[i].ContainerID, second.Nodes[i].ContainerID)
	}
}

func TestAnalyzeClassesAndHeritage(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/errors.js", `
class AppError extends Error {
  constructor(msg) {
    super(msg);
  }
}
class ValidationError extends AppError {
  report() { return this.message; }
}
class Standalone {}
`)

	require.Len(t, fa.Classes, 3)

	byName := map[string]ClassDecl{}
	for _, c := range fa.Classes {
		byName[c.Node.Name] = c
	}
	assert.Equal(t, "Error", byName["AppError"].SuperClass)
	assert.Equal(t, "AppError", byName["ValidationError"].SuperClass)
	assert.Equal(t, "", byName["Standalone"].SuperClass)

	report := findNode(fa, graph.NodeMethod, "report")
	require.NotNil(t, report)
	assert.Equal(t, "ValidationError", report.ClassName)
}

func TestAnalyzeCallSites(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/calls.js", `
async function run() {
  const data = await fetchData();
  process(data);
  try {
    await risky();
  } catch (e) {
    log(e);
  }
}
`)

	byCallee := map[string]CallSite{}
	for _, c := range fa.Calls {
		byCallee[c.Callee] = c
	}

	run := findNode(fa, graph.NodeFunction, "run")
	require.NotNil(t, run)

	fetch, ok := byCallee["fetchData"]
	require.True(t, ok)
	assert.True(t, fetch.Awaited)
	assert.False(t, fetch.InTry)
	assert.Equal(t, run.ID, fetch.ContainingFunctionID)

	proc, ok := byCallee["process"]
	require.True(t, ok)
	assert.False(t, proc.Awaited)

	risky, ok := byCallee["risky"]
	require.True(t, ok)
	assert.True(t, risky.Awaited)
	assert.True(t, risky.InTry)
}

func TestAnalyzeSyncThrowVsAsyncThrow(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/throws.js", `
function syncFail() {
  throw new Error("boom");
}
async function asyncFail() {
  throw new ValidationError("bad");
}
`)

	syncFn := findNode(fa, graph.NodeFunction, "syncFail")
	require.NotNil(t, syncFn)
	require.NotNil(t, syncFn.ControlFlow)
	assert.True(t, syncFn.ControlFlow.HasThrow)
	assert.False(t, syncFn.ControlFlow.HasAsyncThrow)
	assert.False(t, syncFn.ControlFlow.CanReject)

	asyncFn := findNode(fa, graph.NodeFunction, "asyncFail")
	require.NotNil(t, asyncFn)
	require.NotNil(t, asyncFn.ControlFlow)
	assert.False(t, asyncFn.ControlFlow.HasThrow)
	assert.True(t, asyncFn.ControlFlow.HasAsyncThrow)
	assert.True(t, asyncFn.ControlFlow.CanReject)

	require.Len(t, fa.Rejections, 1)
	pat := fa.Rejections[0]
	assert.Equal(t, asyncFn.ID, pat.FunctionID)
	assert.Equal(t, "ValidationError", pat.ErrorClassName)
	assert.Equal(t, graph.RejectionAsyncThrow, pat.Type)
}

func TestAnalyzeStaticReject(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/reject.js", `
function f() {
  return Promise.reject(new Error("x"));
}
`)

	fn := findNode(fa, graph.NodeFunction, "f")
	require.NotNil(t, fn)
	require.NotNil(t, fn.ControlFlow)
	assert.True(t, fn.ControlFlow.CanReject)

	require.Len(t, fa.Rejections, 1)
	pat := fa.Rejections[0]
	assert.Equal(t, fn.ID, pat.FunctionID)
	assert.Equal(t, "Error", pat.ErrorClassName)
	assert.Equal(t, graph.RejectionStaticReject, pat.Type)
}

func TestAnalyzeRejectParameterUnresolved(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/reject.js", `
function g(err) {
  return Promise.reject(err);
}
`)

	fn := findNode(fa, graph.NodeFunction, "g")
	require.NotNil(t, fn)
	assert.True(t, fn.ControlFlow.CanReject)

	require.Len(t, fa.Rejections, 1)
	pat := fa.Rejections[0]
	assert.Equal(t, graph.RejectionUnresolvedParameter, pat.Type)
	assert.Empty(t, pat.ErrorClassName)
	assert.Equal(t, []string{"err"}, pat.TracePath)
}

func TestAnalyzeExecutorReject(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/executor.js", `
function connect() {
  return new Promise((resolve, reject) => {
    reject(new ConnError("refused"));
  });
}
`)

	connect := findNode(fa, graph.NodeFunction, "connect")
	require.NotNil(t, connect)
	assert.True(t, connect.ControlFlow.CanReject)

	require.Len(t, fa.Rejections, 1)
	pat := fa.Rejections[0]
	assert.Equal(t, connect.ID, pat.FunctionID)
	assert.Equal(t, "ConnError", pat.ErrorClassName)
	assert.Equal(t, graph.RejectionDirectConstruct, pat.Type)
}

func TestAnalyzeTracedLocalVariable(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/traced.js", `
async function fail() {
  const cause = new TimeoutError("slow");
  const e = cause;
  throw e;
}
`)

	fn := findNode(fa, graph.NodeFunction, "fail")
	require.NotNil(t, fn)
	assert.True(t, fn.ControlFlow.CanReject)

	require.Len(t, fa.Rejections, 1)
	pat := fa.Rejections[0]
	assert.Equal(t, "TimeoutError", pat.ErrorClassName)
	assert.Equal(t, graph.RejectionTracedLocal, pat.Type)
	assert.Equal(t, []string{"e", "cause", "new TimeoutError"}, pat.TracePath)
}

func TestAnalyzeAliasCycleUnresolved(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/cycle.js", `
async function broken() {
  let a = b;
  let b = a;
  throw a;
}
`)

	fn := findNode(fa, graph.NodeFunction, "broken")
	require.NotNil(t, fn)
	assert.True(t, fn.ControlFlow.CanReject)

	require.Len(t, fa.Rejections, 1)
	pat := fa.Rejections[0]
	assert.Equal(t, graph.RejectionUnresolvedVariable, pat.Type)
	assert.Empty(t, pat.ErrorClassName)
}

func TestAnalyzeCatchSources(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/catch.js", `
async function load() {
  try {
    const raw = await fetchRaw();
    parse(raw);
    throw new ParseError("bad");
  } catch (err) {
    report(err);
  }
}
`)

	require.Len(t, fa.Catches, 1)
	link := fa.Catches[0]

	param := findNode(fa, graph.NodeVariable, "err")
	require.NotNil(t, param)
	assert.Equal(t, param.ID, link.ParamID)

	kinds := map[string]int{}
	for _, s := range link.Sources {
		kinds[s.Kind]++
	}
	assert.Equal(t, 1, kinds["await-call"])
	assert.Equal(t, 1, kinds["sync-call"])
	// throw new X is one throw source, not a throw plus a constructor.
	assert.Equal(t, 1, kinds["throw"])
	assert.Equal(t, 0, kinds["new"])

	var throwSrc *CatchSource
	for i := range link.Sources {
		if link.Sources[i].Kind == "throw" {
			throwSrc = &link.Sources[i]
		}
	}
	require.NotNil(t, throwSrc)
	assert.Equal(t, "ParseError", throwSrc.Name)
}

func TestAnalyzeNestedTryAndFunctionSkipped(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/nested.js", `
async function outer() {
  try {
    await direct();
    try {
      await innerCall();
    } catch (inner) {}
    const fn = () => { nestedFnCall(); };
  } catch (e) {}
}
`)

	require.Len(t, fa.Catches, 2)

	byParam := map[string]CatchLink{}
	for _, l := range fa.Catches {
		node := func(id string) string {
			for _, rec := range fa.Nodes {
				if rec.Node.ID == id {
					return rec.Node.Name
				}
			}
			return ""
		}(l.ParamID)
		byParam[node] = l
	}

	outerLink := byParam["e"]
	require.Len(t, outerLink.Sources, 1)
	assert.Equal(t, "await-call", outerLink.Sources[0].Kind)

	innerLink := byParam["inner"]
	require.Len(t, innerLink.Sources, 1)
	assert.Equal(t, "await-call", innerLink.Sources[0].Kind)
}

func TestAnalyzeControlFlowMetadata(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/flow.js", `
function busy(items, flag) {
  if (flag) {
    return null;
  }
  for (const item of items) {
    while (item.pending) {
      item.tick();
    }
  }
  const x = flag ? 1 : 2;
  return x && items.length;
}
`)

	fn := findNode(fa, graph.NodeFunction, "busy")
	require.NotNil(t, fn)
	cf := fn.ControlFlow
	require.NotNil(t, cf)

	assert.True(t, cf.HasBranches)
	assert.True(t, cf.HasLoops)
	assert.True(t, cf.HasEarlyReturn)
	assert.False(t, cf.HasTryCatch)
	assert.False(t, cf.HasThrow)
	// 1 + if + for + while + ternary + &&
	assert.Equal(t, 6, cf.CyclomaticComplexity)
}

func TestAnalyzeImports(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/imp.ts", `
import DefaultThing from "./things";
import { NamedError, Other as Aliased } from "../errors";
import * as utils from "lodash";
`)

	byLocal := map[string]ImportBinding{}
	for _, b := range fa.Imports {
		byLocal[b.LocalName] = b
	}

	require.Contains(t, byLocal, "DefaultThing")
	assert.Equal(t, "./things", byLocal["DefaultThing"].ModulePath)
	assert.True(t, byLocal["DefaultThing"].Relative)

	require.Contains(t, byLocal, "NamedError")
	assert.Equal(t, "../errors", byLocal["NamedError"].ModulePath)

	require.Contains(t, byLocal, "Aliased")

	require.Contains(t, byLocal, "utils")
	assert.False(t, byLocal["utils"].Relative)
}

func TestAnalyzeVariableOrigins(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/vars.js", `
const client = new HttpClient();
const alias = client;
const plain = 42;
`)

	byName := map[string]VariableOrigin{}
	for _, v := range fa.Variables {
		byName[v.Name] = v
	}

	require.Contains(t, byName, "client")
	assert.Equal(t, "HttpClient", byName["client"].ClassName)

	require.Contains(t, byName, "alias")
	assert.Equal(t, "client", byName["alias"].AliasOf)

	// Plain literals produce a VARIABLE node but no origin fact.
	assert.NotContains(t, byName, "plain")
	assert.NotNil(t, findNode(fa, graph.NodeVariable, "plain"))
}

func TestAnalyzeChainedCallRecordsInnerCalls(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/chain.js", `
async function run() {
  foo().then(handle).catch(log);
  getClient().connect(buildOpts());
}
`)

	byCallee := map[string]bool{}
	for _, c := range fa.Calls {
		byCallee[c.Callee] = true
	}

	// The object side of each member-expression chain is a call too.
	assert.True(t, byCallee["foo"], "inner call of a promise chain")
	assert.True(t, byCallee["then"])
	assert.True(t, byCallee["catch"])
	assert.True(t, byCallee["getClient"])
	assert.True(t, byCallee["connect"])
	assert.True(t, byCallee["buildOpts"], "call inside the chain's arguments")

	run := findNode(fa, graph.NodeFunction, "run")
	require.NotNil(t, run)
	for _, c := range fa.Calls {
		assert.Equal(t, run.ID, c.ContainingFunctionID, c.Callee)
	}
}

func TestAnalyzeMalformedFileFails(t *testing.T) {
	t.Parallel()

	fa, err := New().Analyze(context.Background(), []byte("function broken( { if ] ) ++"), "src/broken.js")
	require.ErrorIs(t, err, ErrParseFailed)
	assert.Nil(t, fa)
}

func TestAnalyzeThisCallIsMethodReceiver(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/store.js", `
class Store {
  validate() { return true; }
  save() { this.validate(); }
}
`)

	var call *CallSite
	for i := range fa.Calls {
		if fa.Calls[i].Callee == "validate" {
			call = &fa.Calls[i]
		}
	}
	require.NotNil(t, call)
	assert.Equal(t, "this", call.Receiver)
	assert.Equal(t, "this.validate", call.Node.Name)
}

func TestAnalyzeCatchBindingShadowsLocal(t *testing.T) {
	t.Parallel()

	fa := analyzeSource(t, "src/shadow.js", `
async function load() {
  const err = new ConfigError("missing");
  try {
    await risky();
  } catch (err) {
    report(err);
  }
  throw err;
}
`)

	var errVars []*graph.Node
	for _, rec := range fa.Nodes {
		if rec.Node.Type == graph.NodeVariable && rec.Node.Name == "err" {
			errVars = append(errVars, rec.Node)
		}
	}
	require.Len(t, errVars, 2)
	assert.NotEqual(t, errVars[0].ID, errVars[1].ID, "catch binding must not collapse into the local")

	require.Len(t, fa.Catches, 1)
	outer := findNode(fa, graph.NodeVariable, "err")
	assert.NotEqual(t, outer.ID, fa.Catches[0].ParamID)

	// The shadowing ends with the handler, so the throw after the try
	// traces back to the outer binding.
	require.Len(t, fa.Rejections, 1)
	assert.Equal(t, "ConfigError", fa.Rejections[0].ErrorClassName)
	assert.Equal(t, graph.RejectionTracedLocal, fa.Rejections[0].Type)
}

func TestAnalyzeRejectsOversizedFile(t *testing.T) {
	t.Parallel()

	a := New(WithMaxFileSize(16))
	_, err := a.Analyze(context.Background(), []byte("function f() { return 1; }"), "src/big.js")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size limit")
}

func TestAnalyzeUnsupportedExtension(t *testing.T) {
	t.Parallel()

	_, err := New().Analyze(context.Background(), []byte("package main"), "main.go")
	require.Error(t, err)
}
