// Package builder translates per-file analyzer collections into graph
// nodes and edges and buffers them against a storage backend.
//
// Same-file references resolve immediately through O(1) lookup maps built
// once per file. Cross-file references (a superclass declared elsewhere, a
// call to an imported function) are resolved by computing the target's
// deterministic ID from its relative import path and buffering the edge
// anyway: the edge dangles until the target's file is analyzed, at which
// point the real node appears under the same ID. The builder never creates
// a placeholder node to avoid a dangling edge.
package builder

import (
	"context"
	"path"
	"path/filepath"

	"github.com/quiver-graph/quiver/internal/analyzer"
	"github.com/quiver-graph/quiver/internal/graph"
	"github.com/quiver-graph/quiver/internal/storage"
)

// FileResult summarizes one file's contribution to the graph.
type FileResult struct {
	FilePath   string
	NodesAdded int
	EdgesAdded int
}

// Builder writes analyzer output to a storage backend.
type Builder struct {
	store storage.Backend
}

// New creates a Builder over the given backend.
func New(store storage.Backend) *Builder {
	return &Builder{store: store}
}

// fileIndex holds the per-file O(1) resolution maps. Built once per
// BuildFile call and reused for every pattern in the file.
type fileIndex struct {
	classes   map[string]*graph.Node
	functions map[string]*graph.Node
	methods   map[string][]*graph.Node
	variables map[string]string // name -> node ID
	imports   map[string]analyzer.ImportBinding
	srcFile   string
}

func buildIndex(fa *analyzer.FileAnalysis) *fileIndex {
	idx := &fileIndex{
		classes:   make(map[string]*graph.Node, len(fa.Classes)),
		functions: make(map[string]*graph.Node),
		methods:   make(map[string][]*graph.Node),
		variables: make(map[string]string, len(fa.Variables)),
		imports:   make(map[string]analyzer.ImportBinding, len(fa.Imports)),
		srcFile:   fa.FilePath,
	}
	for _, c := range fa.Classes {
		idx.classes[c.Node.Name] = c.Node
	}
	for _, rec := range fa.Nodes {
		switch rec.Node.Type {
		case graph.NodeFunction:
			// First declaration wins on name collisions.
			if _, seen := idx.functions[rec.Node.Name]; !seen {
				idx.functions[rec.Node.Name] = rec.Node
			}
		case graph.NodeMethod:
			idx.methods[rec.Node.Name] = append(idx.methods[rec.Node.Name], rec.Node)
		}
	}
	for _, v := range fa.Variables {
		if _, seen := idx.variables[v.Name]; !seen {
			idx.variables[v.Name] = v.VariableID
		}
	}
	for _, imp := range fa.Imports {
		idx.imports[imp.LocalName] = imp
	}
	return idx
}

// importedFile resolves a local name to the file path it was imported
// from, when the import specifier is relative. The specifier's missing
// extension is inferred from the importing file, which holds for
// single-language trees; mixed imports stay unresolved rather than guess.
func (idx *fileIndex) importedFile(localName string) (string, bool) {
	imp, ok := idx.imports[localName]
	if !ok || !imp.Relative {
		return "", false
	}
	target := path.Join(path.Dir(filepath.ToSlash(idx.srcFile)), imp.ModulePath)
	if path.Ext(target) == "" {
		target += path.Ext(idx.srcFile)
	}
	return target, true
}

// BuildFile buffers all nodes and edges for one analyzed file and flushes
// them to storage. Re-running it for unchanged content is a no-op
// overwrite under deterministic IDs.
func (b *Builder) BuildFile(ctx context.Context, fa *analyzer.FileAnalysis) (*FileResult, error) {
	idx := buildIndex(fa)

	edges := make(map[string]*graph.Edge)
	addEdge := func(t graph.EdgeType, src, dst string, meta graph.EdgeMeta) {
		if src == "" || dst == "" || src == dst {
			return
		}
		e := &graph.Edge{Type: t, Source: src, Target: dst, Meta: meta}
		if _, dup := edges[e.Key()]; !dup {
			edges[e.Key()] = e
		}
	}

	nodes := make([]*graph.Node, 0, len(fa.Nodes))
	for _, rec := range fa.Nodes {
		nodes = append(nodes, rec.Node)
		if rec.ContainerID != "" {
			addEdge(graph.EdgeContains, rec.ContainerID, rec.Node.ID, graph.EdgeMeta{})
		}
	}

	b.linkHeritage(fa, idx, addEdge)
	b.linkCalls(fa, idx, addEdge)
	b.linkVariables(fa, idx, addEdge)
	b.linkRejections(fa, idx, addEdge)
	b.linkCatches(fa, idx, addEdge)

	if err := b.store.AddNodes(ctx, nodes); err != nil {
		return nil, err
	}
	flat := make([]*graph.Edge, 0, len(edges))
	for _, e := range edges {
		flat = append(flat, e)
	}
	if err := b.store.AddEdges(ctx, flat, true); err != nil {
		return nil, err
	}

	return &FileResult{
		FilePath:   fa.FilePath,
		NodesAdded: len(nodes),
		EdgesAdded: len(flat),
	}, nil
}

type edgeFunc func(t graph.EdgeType, src, dst string, meta graph.EdgeMeta)

// linkHeritage emits DERIVES_FROM edges for class extends clauses.
// Unresolvable superclasses (built-in or non-relative imports) are
// recorded on the class node, never as a phantom node.
func (b *Builder) linkHeritage(fa *analyzer.FileAnalysis, idx *fileIndex, addEdge edgeFunc) {
	for _, c := range fa.Classes {
		if c.SuperClass == "" {
			continue
		}
		if super, ok := idx.classes[c.SuperClass]; ok {
			addEdge(graph.EdgeDerivesFrom, c.Node.ID, super.ID, graph.EdgeMeta{})
			continue
		}
		if targetFile, ok := idx.importedFile(c.SuperClass); ok {
			addEdge(graph.EdgeDerivesFrom, c.Node.ID, graph.ScopedClassID(targetFile, c.SuperClass), graph.EdgeMeta{})
			continue
		}
		if c.Node.Properties == nil {
			c.Node.Properties = make(map[string]any, 1)
		}
		c.Node.Properties["extendsUnresolved"] = c.SuperClass
	}
}

// linkCalls emits CALLS edges from CALL nodes to their resolved targets.
func (b *Builder) linkCalls(fa *analyzer.FileAnalysis, idx *fileIndex, addEdge edgeFunc) {
	for _, call := range fa.Calls {
		// Await and try context ride on the CALL node so the rejection
		// propagation pass can read them back from storage.
		if call.Awaited || call.InTry || call.IsConstructor {
			if call.Node.Properties == nil {
				call.Node.Properties = make(map[string]any, 3)
			}
			if call.Awaited {
				call.Node.Properties["awaited"] = true
			}
			if call.InTry {
				call.Node.Properties["inTry"] = true
			}
			if call.IsConstructor {
				call.Node.Properties["isConstructor"] = true
			}
		}
		switch {
		case call.IsConstructor:
			// Constructor invocations resolve against classes, feeding
			// the same-file class map first.
			if class, ok := idx.classes[call.Callee]; ok {
				addEdge(graph.EdgeCalls, call.Node.ID, class.ID, graph.EdgeMeta{})
			} else if targetFile, ok := idx.importedFile(call.Callee); ok {
				addEdge(graph.EdgeCalls, call.Node.ID, graph.ScopedClassID(targetFile, call.Callee), graph.EdgeMeta{})
			}
		case call.Receiver == "":
			if fn, ok := idx.functions[call.Callee]; ok {
				addEdge(graph.EdgeCalls, call.Node.ID, fn.ID, graph.EdgeMeta{})
			} else if targetFile, ok := idx.importedFile(call.Callee); ok {
				addEdge(graph.EdgeCalls, call.Node.ID, graph.ScopedFunctionID(targetFile, call.Callee), graph.EdgeMeta{})
			}
		default:
			// Method calls resolve by name against this file's methods.
			// Receiver types are not inferred, so an ambiguous name links
			// to every candidate.
			for _, m := range idx.methods[call.Callee] {
				addEdge(graph.EdgeCalls, call.Node.ID, m.ID, graph.EdgeMeta{})
			}
		}
	}
}

// linkVariables emits INSTANCE_OF edges for constructor-initialized
// variables and RESOLVES_TO edges for alias chains.
func (b *Builder) linkVariables(fa *analyzer.FileAnalysis, idx *fileIndex, addEdge edgeFunc) {
	for _, v := range fa.Variables {
		if v.ClassName != "" {
			if class, ok := idx.classes[v.ClassName]; ok {
				addEdge(graph.EdgeInstanceOf, v.VariableID, class.ID, graph.EdgeMeta{})
			} else if targetFile, ok := idx.importedFile(v.ClassName); ok {
				addEdge(graph.EdgeInstanceOf, v.VariableID, graph.ScopedClassID(targetFile, v.ClassName), graph.EdgeMeta{})
			}
			continue
		}
		if v.AliasOf != "" {
			if targetID, ok := idx.variables[v.AliasOf]; ok {
				addEdge(graph.EdgeResolvesTo, v.VariableID, targetID, graph.EdgeMeta{})
			}
		}
	}
}

// linkRejections emits REJECTS edges for patterns whose error class is
// declared in this file or reachable through a relative import. Built-in
// and otherwise external error names go to the owning function's
// rejectedBuiltinErrors metadata instead; no node is ever fabricated for
// them.
func (b *Builder) linkRejections(fa *analyzer.FileAnalysis, idx *fileIndex, addEdge edgeFunc) {
	fnByID := make(map[string]*graph.Node)
	for _, rec := range fa.Nodes {
		if rec.Node.Type == graph.NodeFunction || rec.Node.Type == graph.NodeMethod {
			fnByID[rec.Node.ID] = rec.Node
		}
	}

	for _, pat := range fa.Rejections {
		if pat.FunctionID == "" || pat.ErrorClassName == "" {
			// Module-level sites and unresolved traces produce no edge.
			continue
		}
		meta := graph.EdgeMeta{RejectionType: pat.Type, ErrorClass: pat.ErrorClassName}

		if class, ok := idx.classes[pat.ErrorClassName]; ok {
			addEdge(graph.EdgeRejects, pat.FunctionID, class.ID, meta)
			continue
		}
		if targetFile, ok := idx.importedFile(pat.ErrorClassName); ok {
			addEdge(graph.EdgeRejects, pat.FunctionID, graph.ScopedClassID(targetFile, pat.ErrorClassName), meta)
			continue
		}

		fn, ok := fnByID[pat.FunctionID]
		if !ok || fn.ControlFlow == nil {
			continue
		}
		if !containsString(fn.ControlFlow.RejectedBuiltinErrors, pat.ErrorClassName) {
			fn.ControlFlow.RejectedBuiltinErrors = append(fn.ControlFlow.RejectedBuiltinErrors, pat.ErrorClassName)
		}
	}
}

// linkCatches emits CATCHES_FROM edges from catch parameters to their
// exception sources. Call sources link to the CALL node; throw sources
// link to the thrown class when it is declared in this file. The edges
// are deliberately not transitive across re-throws; consumers traverse
// them again at query time.
func (b *Builder) linkCatches(fa *analyzer.FileAnalysis, idx *fileIndex, addEdge edgeFunc) {
	for _, link := range fa.Catches {
		for _, src := range link.Sources {
			meta := graph.EdgeMeta{ViaKind: src.Kind}
			if src.NodeID != "" {
				addEdge(graph.EdgeCatchesFrom, link.ParamID, src.NodeID, meta)
				continue
			}
			if src.Name == "" {
				continue
			}
			if class, ok := idx.classes[src.Name]; ok {
				addEdge(graph.EdgeCatchesFrom, link.ParamID, class.ID, meta)
			} else if targetFile, ok := idx.importedFile(src.Name); ok {
				addEdge(graph.EdgeCatchesFrom, link.ParamID, graph.ScopedClassID(targetFile, src.Name), meta)
			}
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
