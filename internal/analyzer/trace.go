package analyzer

import (
	"github.com/quiver-graph/quiver/internal/graph"
)

// maxTraceHops bounds the alias-chain walk. The visited set is the real
// termination guard; the hop bound caps pathological but acyclic chains.
const maxTraceHops = 8

// traceOutcome is the result of resolving a rejected or thrown identifier
// back to its construction site within one function body.
type traceOutcome struct {
	className     string
	rejectionType graph.RejectionType
	path          []string
}

// traceIdentifier follows simple alias chains (`const a = b`, `b = new
// X()`) through the local bindings of the frame chain. Cross-function
// tracing is out of scope: hitting a function parameter classifies the
// pattern as unresolved-parameter immediately.
func traceIdentifier(name string, f *frame) traceOutcome {
	visited := make(map[string]bool, 4)
	path := make([]string, 0, 4)
	cur := name

	for hop := 0; hop < maxTraceHops; hop++ {
		if visited[cur] {
			// Alias cycle. Unresolved, not a hang.
			return traceOutcome{rejectionType: graph.RejectionUnresolvedVariable, path: path}
		}
		visited[cur] = true
		path = append(path, cur)

		b, ok := lookupBinding(cur, f)
		if !ok {
			return traceOutcome{rejectionType: graph.RejectionUnresolvedVariable, path: path}
		}
		if b.isParam {
			return traceOutcome{rejectionType: graph.RejectionUnresolvedParameter, path: path}
		}
		if b.className != "" {
			path = append(path, "new "+b.className)
			return traceOutcome{
				className:     b.className,
				rejectionType: graph.RejectionTracedLocal,
				path:          path,
			}
		}
		if b.aliasOf != "" {
			cur = b.aliasOf
			continue
		}
		return traceOutcome{rejectionType: graph.RejectionUnresolvedVariable, path: path}
	}
	return traceOutcome{rejectionType: graph.RejectionUnresolvedVariable, path: path}
}

// lookupBinding resolves a name lexically, innermost frame first.
func lookupBinding(name string, f *frame) (localBinding, bool) {
	for cur := f; cur != nil; cur = cur.parent {
		if b, ok := cur.locals[name]; ok {
			return b, true
		}
	}
	return localBinding{}, false
}
