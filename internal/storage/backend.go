// Package storage provides the graph storage backend interface for Quiver.
//
// It defines the Backend protocol that all storage implementations must
// satisfy, along with the filter types used by queries. Backends tolerate
// dangling edge targets by default: an edge whose target node does not yet
// exist is expected steady-state (cross-file forward reference), not an
// error.
package storage

import (
	"context"

	"github.com/quiver-graph/quiver/internal/graph"
)

// NodeFilter selects nodes in QueryNodes. Zero-valued fields match
// everything.
type NodeFilter struct {
	// Type restricts results to one node type.
	Type graph.NodeType

	// Name restricts results to nodes with this exact name.
	Name string

	// FilePath restricts results to nodes from this file.
	FilePath string
}

// EdgeFilter selects edges in QueryEdges. Zero-valued fields match
// everything.
type EdgeFilter struct {
	// Type restricts results to one edge type.
	Type graph.EdgeType

	// Source restricts results to edges from this node ID.
	Source string

	// Target restricts results to edges to this node ID.
	Target string
}

// Backend defines the interface for graph storage implementations.
//
// Implementations must be safe for concurrent use. All operations are
// idempotent: re-adding a node or an edge with an identical identity is a
// no-op overwrite, which is what permits incremental re-analysis under
// deterministic IDs.
type Backend interface {
	// Lifecycle

	// Initialize opens or creates the backend at the given path.
	// If readOnly is true, the backend is opened in read-only mode.
	Initialize(path string, readOnly bool) error

	// Close releases all resources held by the backend.
	Close() error

	// Node operations

	// AddNode inserts or overwrites a single node.
	AddNode(ctx context.Context, node *graph.Node) error

	// AddNodes inserts or overwrites a batch of nodes.
	AddNodes(ctx context.Context, nodes []*graph.Node) error

	// GetNode returns a node by ID, or nil if not found.
	GetNode(ctx context.Context, nodeID string) (*graph.Node, error)

	// QueryNodes returns all nodes matching the filter.
	QueryNodes(ctx context.Context, filter NodeFilter) ([]*graph.Node, error)

	// Edge operations

	// AddEdges inserts edges, deduplicating by (type, source, target).
	// When skipTargetValidation is false, edges whose target node does not
	// exist are rejected; when true (the usual mode), dangling targets are
	// buffered as-is and resolve once the target node is added.
	AddEdges(ctx context.Context, edges []*graph.Edge, skipTargetValidation bool) error

	// HasEdge reports whether an edge with the exact (type, source, target)
	// tuple exists.
	HasEdge(ctx context.Context, edgeType graph.EdgeType, source, target string) (bool, error)

	// QueryEdges returns all edges matching the filter.
	QueryEdges(ctx context.Context, filter EdgeFilter) ([]*graph.Edge, error)

	// GetIncomingEdges returns edges targeting the node, optionally
	// restricted to the given types.
	GetIncomingEdges(ctx context.Context, nodeID string, types ...graph.EdgeType) ([]*graph.Edge, error)

	// GetOutgoingEdges returns edges originating at the node, optionally
	// restricted to the given types.
	GetOutgoingEdges(ctx context.Context, nodeID string, types ...graph.EdgeType) ([]*graph.Edge, error)

	// Aggregates

	// CountNodesByType returns node counts keyed by node type.
	CountNodesByType(ctx context.Context) (map[graph.NodeType]int, error)

	// CountEdgesByType returns edge counts keyed by edge type.
	CountEdgesByType(ctx context.Context) (map[graph.EdgeType]int, error)

	// Maintenance

	// RemoveFile deletes all nodes from the given file along with every
	// edge touching them. Returns the number of nodes removed.
	RemoveFile(ctx context.Context, filePath string) (int, error)

	// Clear removes all nodes and edges.
	Clear(ctx context.Context) error
}
