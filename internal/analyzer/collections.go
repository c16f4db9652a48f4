package analyzer

import (
	"github.com/quiver-graph/quiver/internal/graph"
)

// NodeRecord pairs a created graph node with the ID of the node that
// lexically contains it. The builder turns this into a CONTAINS edge.
// ContainerID is empty only for the module node itself.
type NodeRecord struct {
	Node        *graph.Node
	ContainerID string
}

// CallSite records a single call expression together with the context the
// rejection-propagation pass needs: whether the call was awaited, whether
// it sits inside a try block, and which function contains it.
type CallSite struct {
	Node *graph.Node

	// Callee is the called identifier, or the property name for
	// member-expression calls (the "b" in a.b()).
	Callee string

	// Receiver is the object identifier for member-expression calls
	// (the "a" in a.b()). Empty for plain identifier calls.
	Receiver string

	Awaited              bool
	InTry                bool
	ContainingFunctionID string
	IsConstructor        bool
}

// ClassDecl records a class declaration and its heritage clause.
type ClassDecl struct {
	Node *graph.Node

	// SuperClass is the extended class name, empty when the class has no
	// heritage clause or the clause is not a plain identifier.
	SuperClass string
}

// RejectionPattern records one point where a function can reject: an async
// throw, a Promise.reject call, or a call to a promise-executor's reject
// parameter.
type RejectionPattern struct {
	// FunctionID identifies the function that rejects. Empty for
	// module-level rejection sites, which produce no REJECTS edge.
	FunctionID string

	// ErrorClassName is the resolved error class, empty when the rejected
	// value could not be traced to a constructor.
	ErrorClassName string

	Type graph.RejectionType

	Line   int
	Column int

	// TracePath lists the identifiers visited while tracing an aliased
	// rejection argument back to its construction site.
	TracePath []string
}

// CatchSource is one origin a catch parameter can receive an error from.
type CatchSource struct {
	// Kind is one of "await-call", "sync-call", "throw" or "new".
	Kind string

	// NodeID is the CALL node for call sources, empty for throw sources
	// whose value the builder resolves by name.
	NodeID string

	// Name is the thrown class name for throw sources, empty otherwise.
	Name string

	Line   int
	Column int
}

// CatchLink associates a catch-clause parameter with every error source
// found in the matching try block.
type CatchLink struct {
	// ParamID is the VARIABLE node created for the catch parameter.
	ParamID string

	Sources []CatchSource
}

// ImportBinding maps a local name to the module it was imported from.
type ImportBinding struct {
	LocalName  string
	ModulePath string

	// Relative is true for "./" and "../" specifiers, the only ones the
	// builder resolves to files inside the analyzed tree.
	Relative bool
}

// VariableOrigin records how a variable was initialized, feeding both the
// INSTANCE_OF / RESOLVES_TO edges and the rejection micro-trace.
type VariableOrigin struct {
	VariableID string
	Name       string

	// ClassName is set when the initializer is `new X(...)`.
	ClassName string

	// AliasOf is set when the initializer is a plain identifier.
	AliasOf string

	ContainingFunctionID string
}

// FileAnalysis is the complete factual output of analyzing one source
// file. It contains fully-formed nodes plus typed collections describing
// the relationships between them; the builder translates it into edges
// without re-reading the source.
type FileAnalysis struct {
	FilePath string
	Module   *graph.Node

	Nodes      []NodeRecord
	Calls      []CallSite
	Classes    []ClassDecl
	Rejections []RejectionPattern
	Catches    []CatchLink
	Imports    []ImportBinding
	Variables  []VariableOrigin
}
