// Package storage provides the storage backend for Quiver.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/quiver-graph/quiver/internal/graph"
)

// MemoryBackend is a map-backed Backend with secondary indexes on node
// type and adjacency, so queries scale with the result set rather than the
// total graph size. It backs tests and ephemeral runs.
type MemoryBackend struct {
	mu    sync.RWMutex
	nodes map[string]*graph.Node
	edges map[string]*graph.Edge

	// Secondary indexes, kept in sync by add/remove helpers.
	byType   map[graph.NodeType]map[string]*graph.Node
	byFile   map[string]map[string]*graph.Node
	outgoing map[string]map[string]*graph.Edge
	incoming map[string]map[string]*graph.Edge
}

// NewMemoryBackend creates a new in-memory storage backend.
func NewMemoryBackend() *MemoryBackend {
	m := &MemoryBackend{}
	m.reset()
	return m
}

// reset reinitializes all maps. Callers must hold the write lock, except
// during construction.
func (m *MemoryBackend) reset() {
	m.nodes = make(map[string]*graph.Node)
	m.edges = make(map[string]*graph.Edge)
	m.byType = make(map[graph.NodeType]map[string]*graph.Node)
	m.byFile = make(map[string]map[string]*graph.Node)
	m.outgoing = make(map[string]map[string]*graph.Edge)
	m.incoming = make(map[string]map[string]*graph.Edge)
}

// Initialize implements Backend. The path is ignored.
func (m *MemoryBackend) Initialize(path string, readOnly bool) error {
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	return nil
}

// AddNode implements Backend.
func (m *MemoryBackend) AddNode(ctx context.Context, node *graph.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addNodeLocked(node)
	return nil
}

// AddNodes implements Backend.
func (m *MemoryBackend) AddNodes(ctx context.Context, nodes []*graph.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, node := range nodes {
		m.addNodeLocked(node)
	}
	return nil
}

func (m *MemoryBackend) addNodeLocked(node *graph.Node) {
	// Re-adding under the same ID with a different type migrates the index.
	if old, ok := m.nodes[node.ID]; ok && old.Type != node.Type {
		delete(m.byType[old.Type], node.ID)
	}

	m.nodes[node.ID] = node

	if m.byType[node.Type] == nil {
		m.byType[node.Type] = make(map[string]*graph.Node)
	}
	m.byType[node.Type][node.ID] = node

	if m.byFile[node.FilePath] == nil {
		m.byFile[node.FilePath] = make(map[string]*graph.Node)
	}
	m.byFile[node.FilePath][node.ID] = node
}

// GetNode implements Backend.
func (m *MemoryBackend) GetNode(ctx context.Context, nodeID string) (*graph.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[nodeID], nil
}

// QueryNodes implements Backend.
func (m *MemoryBackend) QueryNodes(ctx context.Context, filter NodeFilter) ([]*graph.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Start from the narrowest available index.
	var candidates map[string]*graph.Node
	switch {
	case filter.Type != "":
		candidates = m.byType[filter.Type]
	case filter.FilePath != "":
		candidates = m.byFile[filter.FilePath]
	default:
		candidates = m.nodes
	}

	result := make([]*graph.Node, 0, len(candidates))
	for _, node := range candidates {
		if filter.Name != "" && node.Name != filter.Name {
			continue
		}
		if filter.FilePath != "" && node.FilePath != filter.FilePath {
			continue
		}
		result = append(result, node)
	}
	return result, nil
}

// AddEdges implements Backend.
func (m *MemoryBackend) AddEdges(ctx context.Context, edges []*graph.Edge, skipTargetValidation bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, edge := range edges {
		if !skipTargetValidation {
			if _, ok := m.nodes[edge.Target]; !ok {
				return fmt.Errorf("edge %s -> %s: target node does not exist", edge.Source, edge.Target)
			}
		}
		m.addEdgeLocked(edge)
	}
	return nil
}

func (m *MemoryBackend) addEdgeLocked(edge *graph.Edge) {
	key := edge.Key()
	m.edges[key] = edge

	if m.outgoing[edge.Source] == nil {
		m.outgoing[edge.Source] = make(map[string]*graph.Edge)
	}
	m.outgoing[edge.Source][key] = edge

	if m.incoming[edge.Target] == nil {
		m.incoming[edge.Target] = make(map[string]*graph.Edge)
	}
	m.incoming[edge.Target][key] = edge
}

// HasEdge implements Backend.
func (m *MemoryBackend) HasEdge(ctx context.Context, edgeType graph.EdgeType, source, target string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := &graph.Edge{Type: edgeType, Source: source, Target: target}
	_, ok := m.edges[e.Key()]
	return ok, nil
}

// QueryEdges implements Backend.
func (m *MemoryBackend) QueryEdges(ctx context.Context, filter EdgeFilter) ([]*graph.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates map[string]*graph.Edge
	switch {
	case filter.Source != "":
		candidates = m.outgoing[filter.Source]
	case filter.Target != "":
		candidates = m.incoming[filter.Target]
	default:
		candidates = m.edges
	}

	result := make([]*graph.Edge, 0, len(candidates))
	for _, edge := range candidates {
		if filter.Type != "" && edge.Type != filter.Type {
			continue
		}
		if filter.Source != "" && edge.Source != filter.Source {
			continue
		}
		if filter.Target != "" && edge.Target != filter.Target {
			continue
		}
		result = append(result, edge)
	}
	return result, nil
}

// GetIncomingEdges implements Backend.
func (m *MemoryBackend) GetIncomingEdges(ctx context.Context, nodeID string, types ...graph.EdgeType) ([]*graph.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterAdjacent(m.incoming[nodeID], types), nil
}

// GetOutgoingEdges implements Backend.
func (m *MemoryBackend) GetOutgoingEdges(ctx context.Context, nodeID string, types ...graph.EdgeType) ([]*graph.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterAdjacent(m.outgoing[nodeID], types), nil
}

func filterAdjacent(edges map[string]*graph.Edge, types []graph.EdgeType) []*graph.Edge {
	result := make([]*graph.Edge, 0, len(edges))
	for _, edge := range edges {
		if len(types) > 0 && !containsType(types, edge.Type) {
			continue
		}
		result = append(result, edge)
	}
	return result
}

func containsType(types []graph.EdgeType, t graph.EdgeType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// CountNodesByType implements Backend.
func (m *MemoryBackend) CountNodesByType(ctx context.Context) (map[graph.NodeType]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[graph.NodeType]int, len(m.byType))
	for t, nodes := range m.byType {
		if len(nodes) > 0 {
			counts[t] = len(nodes)
		}
	}
	return counts, nil
}

// CountEdgesByType implements Backend.
func (m *MemoryBackend) CountEdgesByType(ctx context.Context) (map[graph.EdgeType]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[graph.EdgeType]int)
	for _, edge := range m.edges {
		counts[edge.Type]++
	}
	return counts, nil
}

// RemoveFile implements Backend.
func (m *MemoryBackend) RemoveFile(ctx context.Context, filePath string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	victims := m.byFile[filePath]
	if len(victims) == 0 {
		return 0, nil
	}

	for id, node := range victims {
		delete(m.nodes, id)
		delete(m.byType[node.Type], id)
		m.cascadeEdgesLocked(id)
	}
	count := len(victims)
	delete(m.byFile, filePath)
	return count, nil
}

// cascadeEdgesLocked removes all edges touching the node. Must be called
// with the write lock held.
func (m *MemoryBackend) cascadeEdgesLocked(nodeID string) {
	for key, edge := range m.outgoing[nodeID] {
		delete(m.edges, key)
		delete(m.incoming[edge.Target], key)
	}
	delete(m.outgoing, nodeID)

	for key, edge := range m.incoming[nodeID] {
		delete(m.edges, key)
		delete(m.outgoing[edge.Source], key)
	}
	delete(m.incoming, nodeID)
}

// Clear implements Backend.
func (m *MemoryBackend) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	return nil
}
