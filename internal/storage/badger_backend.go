// Package storage provides the storage backend for Quiver.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/quiver-graph/quiver/internal/graph"
)

// Key prefixes for different data types. Adjacency index keys use "|" as
// the field separator because it cannot occur inside node IDs, so prefix
// scans never bleed into a neighboring node's entries.
const (
	prefixNode     = "n:"     // node data, keyed by node ID
	prefixEdge     = "e:"     // edge data, keyed by edge identity tuple
	prefixIncoming = "i:in:"  // incoming adjacency: target|type|source
	prefixOutgoing = "i:out:" // outgoing adjacency: source|type|target
)

// BadgerBackend is a BadgerDB-backed storage implementation.
type BadgerBackend struct {
	db          *badger.DB
	initialized bool
	mu          sync.RWMutex
}

// NewBadgerBackend creates a new BadgerDB backend.
func NewBadgerBackend() *BadgerBackend {
	return &BadgerBackend{}
}

// Initialize opens or creates the BadgerDB database at the given path.
func (b *BadgerBackend) Initialize(path string, readOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithNumMemtables(5).
		WithLoggingLevel(badger.ERROR) // Suppress INFO/WARNING logs

	if readOnly {
		opts = opts.WithReadOnly(true)
	}

	var err error
	b.db, err = badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening badger DB: %w", err)
	}

	b.initialized = true
	return nil
}

// Close releases the database handle.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	b.initialized = false
	return err
}

// AddNode inserts or overwrites a single node.
func (b *BadgerBackend) AddNode(ctx context.Context, node *graph.Node) error {
	return b.AddNodes(ctx, []*graph.Node{node})
}

// AddNodes inserts or overwrites a batch of nodes.
func (b *BadgerBackend) AddNodes(ctx context.Context, nodes []*graph.Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	for _, node := range nodes {
		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("marshaling node: %w", err)
		}
		if err := txn.Set(b.nodeKey(node.ID), data); err != nil {
			return fmt.Errorf("setting node: %w", err)
		}
	}

	return txn.Commit()
}

// GetNode returns a single node by ID, or nil if not found.
func (b *BadgerBackend) GetNode(ctx context.Context, nodeID string) (*graph.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	return b.getNode(txn, nodeID)
}

func (b *BadgerBackend) getNode(txn *badger.Txn, nodeID string) (*graph.Node, error) {
	item, err := txn.Get(b.nodeKey(nodeID))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting node: %w", err)
	}

	var node graph.Node
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &node)
	}); err != nil {
		return nil, fmt.Errorf("unmarshaling node: %w", err)
	}
	return &node, nil
}

// QueryNodes returns all nodes matching the filter.
func (b *BadgerBackend) QueryNodes(ctx context.Context, filter NodeFilter) ([]*graph.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*graph.Node

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixNode)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var node graph.Node
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &node)
		}); err != nil {
			continue
		}
		if filter.Type != "" && node.Type != filter.Type {
			continue
		}
		if filter.Name != "" && node.Name != filter.Name {
			continue
		}
		if filter.FilePath != "" && node.FilePath != filter.FilePath {
			continue
		}
		copied := node
		result = append(result, &copied)
	}
	return result, nil
}

// AddEdges inserts edges, deduplicating by (type, source, target).
// Dangling targets are accepted unless skipTargetValidation is false.
func (b *BadgerBackend) AddEdges(ctx context.Context, edges []*graph.Edge, skipTargetValidation bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	for _, edge := range edges {
		if !skipTargetValidation {
			target, err := b.getNode(txn, edge.Target)
			if err != nil {
				return err
			}
			if target == nil {
				return fmt.Errorf("edge %s -> %s: target node does not exist", edge.Source, edge.Target)
			}
		}

		data, err := json.Marshal(edge)
		if err != nil {
			return fmt.Errorf("marshaling edge: %w", err)
		}
		if err := txn.Set(b.edgeKey(edge.Key()), data); err != nil {
			return fmt.Errorf("setting edge: %w", err)
		}
		if err := b.indexEdge(txn, edge); err != nil {
			return err
		}
	}

	return txn.Commit()
}

// indexEdge creates adjacency list entries for an edge. The entry value is
// the edge identity key, so traversals read the edge record afterwards.
func (b *BadgerBackend) indexEdge(txn *badger.Txn, edge *graph.Edge) error {
	outKey := prefixOutgoing + edge.Source + "|" + string(edge.Type) + "|" + edge.Target
	if err := txn.Set([]byte(outKey), []byte(edge.Key())); err != nil {
		return fmt.Errorf("setting outgoing index: %w", err)
	}

	inKey := prefixIncoming + edge.Target + "|" + string(edge.Type) + "|" + edge.Source
	if err := txn.Set([]byte(inKey), []byte(edge.Key())); err != nil {
		return fmt.Errorf("setting incoming index: %w", err)
	}

	return nil
}

// HasEdge reports whether the exact (type, source, target) edge exists.
func (b *BadgerBackend) HasEdge(ctx context.Context, edgeType graph.EdgeType, source, target string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	probe := graph.Edge{Type: edgeType, Source: source, Target: target}
	_, err := txn.Get(b.edgeKey(probe.Key()))
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probing edge: %w", err)
	}
	return true, nil
}

// QueryEdges returns all edges matching the filter.
func (b *BadgerBackend) QueryEdges(ctx context.Context, filter EdgeFilter) ([]*graph.Edge, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Narrow by adjacency index when a source or target is given.
	if filter.Source != "" {
		return b.scanAdjacency(prefixOutgoing+filter.Source+"|", filter)
	}
	if filter.Target != "" {
		return b.scanAdjacency(prefixIncoming+filter.Target+"|", filter)
	}

	var result []*graph.Edge

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixEdge)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var edge graph.Edge
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &edge)
		}); err != nil {
			continue
		}
		if filter.Type != "" && edge.Type != filter.Type {
			continue
		}
		copied := edge
		result = append(result, &copied)
	}
	return result, nil
}

// GetIncomingEdges returns edges targeting the node.
func (b *BadgerBackend) GetIncomingEdges(ctx context.Context, nodeID string, types ...graph.EdgeType) ([]*graph.Edge, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanAdjacencyTypes(prefixIncoming+nodeID+"|", types)
}

// GetOutgoingEdges returns edges originating at the node.
func (b *BadgerBackend) GetOutgoingEdges(ctx context.Context, nodeID string, types ...graph.EdgeType) ([]*graph.Edge, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanAdjacencyTypes(prefixOutgoing+nodeID+"|", types)
}

func (b *BadgerBackend) scanAdjacency(prefix string, filter EdgeFilter) ([]*graph.Edge, error) {
	var types []graph.EdgeType
	if filter.Type != "" {
		types = []graph.EdgeType{filter.Type}
	}
	edges, err := b.scanAdjacencyTypes(prefix, types)
	if err != nil {
		return nil, err
	}
	if filter.Source == "" && filter.Target == "" {
		return edges, nil
	}
	result := edges[:0]
	for _, edge := range edges {
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

func (b *BadgerBackend) scanAdjacencyTypes(prefix string, types []graph.EdgeType) ([]*graph.Edge, error) {
	var result []*graph.Edge

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var edgeKey string
		if err := it.Item().Value(func(val []byte) error {
			edgeKey = string(val)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("reading adjacency entry: %w", err)
		}

		item, err := txn.Get(b.edgeKey(edgeKey))
		if err != nil {
			continue // index entry without edge record, skip
		}
		var edge graph.Edge
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &edge)
		}); err != nil {
			continue
		}
		if len(types) > 0 && !containsType(types, edge.Type) {
			continue
		}
		copied := edge
		result = append(result, &copied)
	}
	return result, nil
}

// CountNodesByType returns node counts keyed by node type.
func (b *BadgerBackend) CountNodesByType(ctx context.Context) (map[graph.NodeType]int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[graph.NodeType]int)

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixNode)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var node graph.Node
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &node)
		}); err != nil {
			continue
		}
		counts[node.Type]++
	}
	return counts, nil
}

// CountEdgesByType returns edge counts keyed by edge type.
func (b *BadgerBackend) CountEdgesByType(ctx context.Context) (map[graph.EdgeType]int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[graph.EdgeType]int)

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixEdge)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var edge graph.Edge
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &edge)
		}); err != nil {
			continue
		}
		counts[edge.Type]++
	}
	return counts, nil
}

// RemoveFile deletes all nodes from the file and every edge touching them.
func (b *BadgerBackend) RemoveFile(ctx context.Context, filePath string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	var nodeIDs []string

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixNode)
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		var node graph.Node
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &node)
		}); err != nil {
			continue
		}
		if node.FilePath == filePath {
			nodeIDs = append(nodeIDs, node.ID)
		}
	}
	it.Close()

	for _, id := range nodeIDs {
		if err := txn.Delete(b.nodeKey(id)); err != nil {
			return 0, fmt.Errorf("deleting node: %w", err)
		}
		if err := b.cascadeEdges(txn, id); err != nil {
			return 0, err
		}
	}

	return len(nodeIDs), txn.Commit()
}

// cascadeEdges deletes every edge record and adjacency entry touching the
// node, on both sides.
func (b *BadgerBackend) cascadeEdges(txn *badger.Txn, nodeID string) error {
	for _, side := range []string{prefixOutgoing, prefixIncoming} {
		prefix := side + nodeID + "|"

		var edgeKeys []string
		var indexKeys [][]byte

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			indexKeys = append(indexKeys, item.KeyCopy(nil))
			if err := item.Value(func(val []byte) error {
				edgeKeys = append(edgeKeys, string(val))
				return nil
			}); err != nil {
				it.Close()
				return fmt.Errorf("reading adjacency entry: %w", err)
			}
		}
		it.Close()

		for _, key := range indexKeys {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("deleting adjacency entry: %w", err)
			}
		}

		for _, edgeKey := range edgeKeys {
			item, err := txn.Get(b.edgeKey(edgeKey))
			if err != nil {
				continue
			}
			var edge graph.Edge
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &edge)
			}); err != nil {
				continue
			}

			if err := txn.Delete(b.edgeKey(edgeKey)); err != nil {
				return fmt.Errorf("deleting edge: %w", err)
			}

			// Delete the mirror index entry on the far side.
			var mirror string
			if side == prefixOutgoing {
				mirror = prefixIncoming + edge.Target + "|" + string(edge.Type) + "|" + edge.Source
			} else {
				mirror = prefixOutgoing + edge.Source + "|" + string(edge.Type) + "|" + edge.Target
			}
			if err := txn.Delete([]byte(mirror)); err != nil {
				return fmt.Errorf("deleting mirror index entry: %w", err)
			}
		}
	}
	return nil
}

// Clear removes all stored data.
func (b *BadgerBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.DropAll()
}

func (b *BadgerBackend) nodeKey(nodeID string) []byte {
	return []byte(prefixNode + nodeID)
}

func (b *BadgerBackend) edgeKey(identity string) []byte {
	return []byte(prefixEdge + identity)
}
