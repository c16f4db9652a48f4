// Package graph provides the property graph data model for Quiver.
//
// It defines the node and edge types that represent JavaScript/TypeScript
// code entities (modules, functions, classes, calls, literals, variables)
// and the relations between them (containment, calls, inheritance,
// rejection flow, catch flow).
package graph

// NodeType represents the type of a graph node.
type NodeType string

const (
	NodeModule        NodeType = "MODULE"
	NodeFunction      NodeType = "FUNCTION"
	NodeClass         NodeType = "CLASS"
	NodeMethod        NodeType = "METHOD"
	NodeCall          NodeType = "CALL"
	NodeObjectLiteral NodeType = "OBJECT_LITERAL"
	NodeArrayLiteral  NodeType = "ARRAY_LITERAL"
	NodeVariable      NodeType = "VARIABLE"
	NodeParameter     NodeType = "PARAMETER"
)

// EdgeType represents the type of relation between graph nodes.
type EdgeType string

const (
	EdgeContains    EdgeType = "CONTAINS"
	EdgeCalls       EdgeType = "CALLS"
	EdgeDerivesFrom EdgeType = "DERIVES_FROM"
	EdgeInstanceOf  EdgeType = "INSTANCE_OF"
	EdgeResolvesTo  EdgeType = "RESOLVES_TO"
	EdgeRejects     EdgeType = "REJECTS"
	EdgeCatchesFrom EdgeType = "CATCHES_FROM"
)

// RejectionType classifies how a rejection pattern was established.
type RejectionType string

const (
	RejectionDirectConstruct     RejectionType = "direct-construct-in-reject-call"
	RejectionStaticReject        RejectionType = "direct-construct-in-static-reject"
	RejectionAsyncThrow          RejectionType = "direct-construct-in-async-throw"
	RejectionTracedLocal         RejectionType = "traced-local-variable"
	RejectionUnresolvedParameter RejectionType = "unresolved-parameter"
	RejectionUnresolvedVariable  RejectionType = "unresolved-variable"
	RejectionPropagated          RejectionType = "propagated"
)

// SentinelLine is used when the parser could not provide a source position.
// It keeps degraded nodes distinguishable from genuinely line-1 entities.
const SentinelLine = 0

// ControlFlowMetadata captures control-flow facts for a FUNCTION node.
type ControlFlowMetadata struct {
	// HasBranches is true when the body contains if/switch/ternary branching.
	HasBranches bool `json:"hasBranches"`

	// HasLoops is true when the body contains any loop construct.
	HasLoops bool `json:"hasLoops"`

	// HasTryCatch is true when the body contains a try statement.
	HasTryCatch bool `json:"hasTryCatch"`

	// HasEarlyReturn is true when a return occurs before the final statement.
	HasEarlyReturn bool `json:"hasEarlyReturn"`

	// HasThrow is true only for synchronous throws in non-async functions.
	// A throw inside an async function settles the returned promise instead
	// of unwinding the stack, so it sets HasAsyncThrow and CanReject.
	HasThrow bool `json:"hasThrow"`

	// HasAsyncThrow is true for throw statements inside async functions.
	HasAsyncThrow bool `json:"hasAsyncThrow"`

	// CanReject is true when the function can produce a rejected outcome
	// through any async mechanism (async throw, Promise.reject, executor
	// reject call).
	CanReject bool `json:"canReject"`

	// CyclomaticComplexity is the decision-point count plus one.
	CyclomaticComplexity int `json:"cyclomaticComplexity"`

	// RejectedBuiltinErrors lists names of built-in error types this
	// function rejects or throws that have no user-defined CLASS node.
	// Metadata only: builtins never become graph nodes.
	RejectedBuiltinErrors []string `json:"rejectedBuiltinErrors,omitempty"`
}

// Node represents a typed entity in the property graph.
//
// Nodes are created exclusively through the factory functions in this
// package so that every node type has exactly one canonical ID format.
type Node struct {
	// ID is globally unique and deterministic given the factory inputs.
	ID string `json:"id"`

	// Type is the node type.
	Type NodeType `json:"type"`

	// Name is the entity name (function name, class name, callee name, ...).
	Name string `json:"name"`

	// FilePath is the path of the containing file, relative to the repo root.
	FilePath string `json:"file"`

	// Line is the 1-based starting line, or SentinelLine when unavailable.
	Line int `json:"line"`

	// Column is the 0-based starting column.
	Column int `json:"column"`

	// EndLine is the 1-based ending line, when known.
	EndLine int `json:"endLine,omitempty"`

	// Async is true for async functions and methods.
	Async bool `json:"async,omitempty"`

	// ClassName is the owning class name, for METHOD nodes.
	ClassName string `json:"className,omitempty"`

	// ControlFlow holds control-flow facts for FUNCTION/METHOD nodes.
	ControlFlow *ControlFlowMetadata `json:"controlFlow,omitempty"`

	// Properties holds additional type-specific metadata.
	Properties map[string]any `json:"properties,omitempty"`
}

// EdgeMeta is the small typed metadata record carried by an edge.
type EdgeMeta struct {
	// RejectionType classifies a REJECTS edge.
	RejectionType RejectionType `json:"rejectionType,omitempty"`

	// PropagatedFrom names the function ID a propagated REJECTS edge came
	// from. Empty for directly observed rejections.
	PropagatedFrom string `json:"propagatedFrom,omitempty"`

	// ErrorClass is the error class name, for REJECTS edges.
	ErrorClass string `json:"errorClass,omitempty"`

	// ViaKind describes the exception source of a CATCHES_FROM edge:
	// "await-call", "sync-call", "throw", or "new".
	ViaKind string `json:"viaKind,omitempty"`
}

// IsZero reports whether the metadata record carries no information.
func (m EdgeMeta) IsZero() bool {
	return m == EdgeMeta{}
}

// Edge represents a directed, typed relation between two node IDs.
//
// An edge may point at a target ID that does not (yet) exist as a node.
// Such dangling edges are intentional: cross-file forward references
// resolve automatically once the target file is analyzed, because node IDs
// are deterministic. Fabricating a placeholder node to avoid a dangling
// edge is forbidden.
type Edge struct {
	// Type is the edge type.
	Type EdgeType `json:"type"`

	// Source is the ID of the source node.
	Source string `json:"src"`

	// Target is the ID of the target node.
	Target string `json:"dst"`

	// Meta holds the optional typed metadata record.
	Meta EdgeMeta `json:"meta,omitempty"`
}

// Key returns the identity tuple used for edge deduplication.
// Two edges with equal keys are the same relation regardless of metadata.
func (e *Edge) Key() string {
	return string(e.Type) + "|" + e.Source + "|" + e.Target
}
