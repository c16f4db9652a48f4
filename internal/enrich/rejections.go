// Package enrich implements fixpoint passes that derive new edges from the
// graph after all files in a batch have been built.
//
// The rejection propagation pass is the representative one: if an async
// function A awaits a call to function B outside any try block, and B is
// known to reject with error class E, then A also rejects with E. Each
// round applies that rule once over the whole graph; rounds repeat until a
// round adds nothing (convergence) or the iteration bound is hit. The
// computation is monotone, so convergence is invariant to the order
// functions are visited in.
package enrich

import (
	"context"

	"github.com/quiver-graph/quiver/internal/graph"
	"github.com/quiver-graph/quiver/internal/storage"
)

// MaxIterations bounds the fixpoint. Rejection chains deeper than this
// stop propagating rather than loop; Converged reports whether the bound
// was hit.
const MaxIterations = 10

// Result summarizes one enrichment run.
type Result struct {
	EdgesCreated int
	Converged    bool
	Iterations   int
}

// RejectionPropagation propagates REJECTS edges along unprotected await
// chains.
type RejectionPropagation struct {
	store storage.Backend
}

// NewRejectionPropagation creates the pass over the given backend.
func NewRejectionPropagation(store storage.Backend) *RejectionPropagation {
	return &RejectionPropagation{store: store}
}

// rejectionIndex holds the graph facts the fixpoint iterates over. Built
// once by querying the store; propagated facts are written back to both
// the store and the index so later rounds see them.
type rejectionIndex struct {
	functions map[string]*graph.Node
	callSites map[string][]*graph.Node  // function ID -> contained CALL nodes
	targets   map[string][]string       // call ID -> resolved target IDs
	rejects   map[string]map[string]bool // function ID -> rejected class IDs
	builtins  map[string]map[string]bool // function ID -> rejected builtin names
}

func (p *RejectionPropagation) buildIndex(ctx context.Context) (*rejectionIndex, error) {
	idx := &rejectionIndex{
		functions: make(map[string]*graph.Node),
		callSites: make(map[string][]*graph.Node),
		targets:   make(map[string][]string),
		rejects:   make(map[string]map[string]bool),
		builtins:  make(map[string]map[string]bool),
	}

	for _, t := range []graph.NodeType{graph.NodeFunction, graph.NodeMethod} {
		fns, err := p.store.QueryNodes(ctx, storage.NodeFilter{Type: t})
		if err != nil {
			return nil, err
		}
		for _, fn := range fns {
			idx.functions[fn.ID] = fn
			if fn.ControlFlow != nil {
				for _, name := range fn.ControlFlow.RejectedBuiltinErrors {
					setAdd(idx.builtins, fn.ID, name)
				}
			}
		}
	}

	calls, err := p.store.QueryNodes(ctx, storage.NodeFilter{Type: graph.NodeCall})
	if err != nil {
		return nil, err
	}
	callNodes := make(map[string]*graph.Node, len(calls))
	for _, c := range calls {
		callNodes[c.ID] = c
	}

	rejectEdges, err := p.store.QueryEdges(ctx, storage.EdgeFilter{Type: graph.EdgeRejects})
	if err != nil {
		return nil, err
	}
	for _, e := range rejectEdges {
		setAdd(idx.rejects, e.Source, e.Target)
	}

	callEdges, err := p.store.QueryEdges(ctx, storage.EdgeFilter{Type: graph.EdgeCalls})
	if err != nil {
		return nil, err
	}
	for _, e := range callEdges {
		if _, isCall := callNodes[e.Source]; isCall {
			idx.targets[e.Source] = append(idx.targets[e.Source], e.Target)
		}
	}

	containsEdges, err := p.store.QueryEdges(ctx, storage.EdgeFilter{Type: graph.EdgeContains})
	if err != nil {
		return nil, err
	}
	for _, e := range containsEdges {
		if _, isFn := idx.functions[e.Source]; !isFn {
			continue
		}
		if call, isCall := callNodes[e.Target]; isCall {
			idx.callSites[e.Source] = append(idx.callSites[e.Source], call)
		}
	}

	return idx, nil
}

// Run executes the fixpoint and returns what it added. Propagated edges
// carry metadata naming the function they propagated from; they are
// additive only and deduplicated against edges already in the store, so
// re-running the pass on an unchanged graph adds nothing.
func (p *RejectionPropagation) Run(ctx context.Context) (*Result, error) {
	idx, err := p.buildIndex(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	dirty := make(map[string]bool)

	for iter := 1; iter <= MaxIterations; iter++ {
		res.Iterations = iter
		added := 0

		for fnID, fn := range idx.functions {
			if !fn.Async {
				continue
			}
			for _, call := range idx.callSites[fnID] {
				if !boolProp(call, "awaited") || boolProp(call, "inTry") {
					continue
				}
				for _, targetID := range idx.targets[call.ID] {
					edges, builtins, err := p.propagate(ctx, idx, fnID, targetID, dirty)
					if err != nil {
						return nil, err
					}
					added += edges + builtins
					res.EdgesCreated += edges
				}
			}
		}

		if added == 0 {
			res.Converged = true
			break
		}
	}

	if err := p.flushDirty(ctx, idx, dirty); err != nil {
		return nil, err
	}
	return res, nil
}

// propagate copies target's rejection facts onto fn, returning how many
// new edges and how many new builtin names were learned this call.
func (p *RejectionPropagation) propagate(ctx context.Context, idx *rejectionIndex, fnID, targetID string, dirty map[string]bool) (edges, builtins int, err error) {
	if fnID == targetID {
		// Self-recursive await adds nothing new.
		return 0, 0, nil
	}
	for classID := range idx.rejects[targetID] {
		if idx.rejects[fnID][classID] {
			continue
		}
		// The index may lag behind the store when a prior run was
		// interrupted; never write a duplicate tuple.
		exists, err := p.store.HasEdge(ctx, graph.EdgeRejects, fnID, classID)
		if err != nil {
			return edges, builtins, err
		}
		if !exists {
			edge := &graph.Edge{
				Type:   graph.EdgeRejects,
				Source: fnID,
				Target: classID,
				Meta: graph.EdgeMeta{
					RejectionType:  graph.RejectionPropagated,
					PropagatedFrom: targetID,
				},
			}
			if err := p.store.AddEdges(ctx, []*graph.Edge{edge}, true); err != nil {
				return edges, builtins, err
			}
		}
		setAdd(idx.rejects, fnID, classID)
		markCanReject(idx, fnID, dirty)
		edges++
	}

	for name := range idx.builtins[targetID] {
		if idx.builtins[fnID][name] {
			continue
		}
		setAdd(idx.builtins, fnID, name)
		markCanReject(idx, fnID, dirty)
		builtins++
	}

	return edges, builtins, nil
}

func markCanReject(idx *rejectionIndex, fnID string, dirty map[string]bool) {
	fn := idx.functions[fnID]
	if fn == nil {
		return
	}
	if fn.ControlFlow == nil {
		fn.ControlFlow = &graph.ControlFlowMetadata{CyclomaticComplexity: 1}
	}
	fn.ControlFlow.CanReject = true
	dirty[fnID] = true
}

// flushDirty writes back function nodes whose control-flow metadata was
// extended with propagated facts.
func (p *RejectionPropagation) flushDirty(ctx context.Context, idx *rejectionIndex, dirty map[string]bool) error {
	if len(dirty) == 0 {
		return nil
	}
	nodes := make([]*graph.Node, 0, len(dirty))
	for fnID := range dirty {
		fn := idx.functions[fnID]
		for name := range idx.builtins[fnID] {
			if !containsString(fn.ControlFlow.RejectedBuiltinErrors, name) {
				fn.ControlFlow.RejectedBuiltinErrors = append(fn.ControlFlow.RejectedBuiltinErrors, name)
			}
		}
		nodes = append(nodes, fn)
	}
	return p.store.AddNodes(ctx, nodes)
}

func setAdd(m map[string]map[string]bool, key, member string) {
	if m[key] == nil {
		m[key] = make(map[string]bool)
	}
	m[key][member] = true
}

func boolProp(n *graph.Node, key string) bool {
	if n.Properties == nil {
		return false
	}
	v, ok := n.Properties[key].(bool)
	return ok && v
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
