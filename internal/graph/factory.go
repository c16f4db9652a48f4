package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationError reports a node factory contract violation: a required
// field was absent or of the wrong kind. It is surfaced immediately to the
// caller and never silently patched with a default.
type ValidationError struct {
	NodeType NodeType
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s node: field %q %s", e.NodeType, e.Field, e.Reason)
}

// ScopeContext carries the lexical scope chain for scope-context node IDs.
//
// Scope-context IDs encode lexical position instead of physical position,
// so they stay stable when unrelated edits shift line numbers. Contexts are
// immutable: Enter returns an extended copy, leaving the receiver usable
// for siblings.
type ScopeContext struct {
	filePath string
	chain    []string
}

// NewScopeContext creates a root (module-level) scope context for a file.
func NewScopeContext(filePath string) *ScopeContext {
	return &ScopeContext{filePath: filePath}
}

// Enter returns a child context extended with the given scope name.
func (s *ScopeContext) Enter(name string) *ScopeContext {
	chain := make([]string, len(s.chain), len(s.chain)+1)
	copy(chain, s.chain)
	return &ScopeContext{filePath: s.filePath, chain: append(chain, name)}
}

// FilePath returns the file this context belongs to.
func (s *ScopeContext) FilePath() string {
	return s.filePath
}

// Path returns the dot-joined scope path rooted at "global".
func (s *ScopeContext) Path() string {
	if len(s.chain) == 0 {
		return "global"
	}
	return "global." + strings.Join(s.chain, ".")
}

// positionalID is the canonical physical-position ID format.
// It is deliberately unexported: factories are the only ID authority.
func positionalID(t NodeType, filePath string, line, column int, name string) string {
	return string(t) + ":" + filePath + ":" + strconv.Itoa(line) + ":" + strconv.Itoa(column) + ":" + name
}

// scopedID is the canonical lexical-scope ID format:
// {file}->{scopePath}->{TYPE}->{name}.
func scopedID(filePath, scopePath string, t NodeType, name string) string {
	return filePath + "->" + scopePath + "->" + string(t) + "->" + name
}

// ScopedClassID computes the deterministic scope-context ID a module-level
// class declared in filePath would receive. The graph builder uses it to
// buffer dangling DERIVES_FROM edges at cross-file boundaries; the ID
// matches the one NewClassNodeWithScope produces for the same declaration.
func ScopedClassID(filePath, className string) string {
	return scopedID(filePath, "global", NodeClass, className)
}

// ScopedFunctionID computes the deterministic scope-context ID a
// module-level function declared in filePath would receive, for dangling
// cross-file CALLS edges.
func ScopedFunctionID(filePath, functionName string) string {
	return scopedID(filePath, "global", NodeFunction, functionName)
}

func validate(t NodeType, name, filePath string, line int, needName bool) error {
	if needName && name == "" {
		return &ValidationError{NodeType: t, Field: "name", Reason: "is required"}
	}
	if filePath == "" {
		return &ValidationError{NodeType: t, Field: "file", Reason: "is required"}
	}
	if line < SentinelLine {
		return &ValidationError{NodeType: t, Field: "line", Reason: "must not be negative"}
	}
	return nil
}

// NewModuleNode creates the MODULE node for a source file.
func NewModuleNode(filePath string) (*Node, error) {
	if filePath == "" {
		return nil, &ValidationError{NodeType: NodeModule, Field: "file", Reason: "is required"}
	}
	return &Node{
		ID:       string(NodeModule) + ":" + filePath,
		Type:     NodeModule,
		Name:     filePath,
		FilePath: filePath,
		Line:     1,
	}, nil
}

// FunctionOpts holds the optional fields of FUNCTION and METHOD nodes.
type FunctionOpts struct {
	Async       bool
	EndLine     int
	ClassName   string
	ControlFlow *ControlFlowMetadata
}

// NewFunctionNode creates a FUNCTION node with a positional ID.
func NewFunctionNode(name, filePath string, line, column int, opts FunctionOpts) (*Node, error) {
	if err := validate(NodeFunction, name, filePath, line, true); err != nil {
		return nil, err
	}
	n := &Node{
		ID:          positionalID(NodeFunction, filePath, line, column, name),
		Type:        NodeFunction,
		Name:        name,
		FilePath:    filePath,
		Line:        line,
		Column:      column,
		EndLine:     opts.EndLine,
		Async:       opts.Async,
		ControlFlow: opts.ControlFlow,
	}
	return n, nil
}

// NewFunctionNodeWithScope creates a FUNCTION node with a scope-context ID.
// Line and column are still recorded as metadata; only the ID is
// position-independent.
func NewFunctionNodeWithScope(name string, scope *ScopeContext, line, column int, opts FunctionOpts) (*Node, error) {
	if err := validate(NodeFunction, name, scope.FilePath(), line, true); err != nil {
		return nil, err
	}
	n := &Node{
		ID:          scopedID(scope.FilePath(), scope.Path(), NodeFunction, name),
		Type:        NodeFunction,
		Name:        name,
		FilePath:    scope.FilePath(),
		Line:        line,
		Column:      column,
		EndLine:     opts.EndLine,
		Async:       opts.Async,
		ControlFlow: opts.ControlFlow,
	}
	return n, nil
}

// NewMethodNodeWithScope creates a METHOD node with a scope-context ID.
// The class name lives in opts.ClassName and in the scope chain, not in an
// ad hoc ID suffix.
func NewMethodNodeWithScope(name string, scope *ScopeContext, line, column int, opts FunctionOpts) (*Node, error) {
	if err := validate(NodeMethod, name, scope.FilePath(), line, true); err != nil {
		return nil, err
	}
	return &Node{
		ID:          scopedID(scope.FilePath(), scope.Path(), NodeMethod, name),
		Type:        NodeMethod,
		Name:        name,
		FilePath:    scope.FilePath(),
		Line:        line,
		Column:      column,
		EndLine:     opts.EndLine,
		Async:       opts.Async,
		ClassName:   opts.ClassName,
		ControlFlow: opts.ControlFlow,
	}, nil
}

// ClassOpts holds the optional fields of CLASS nodes.
type ClassOpts struct {
	EndLine    int
	SuperClass string
}

// NewClassNode creates a CLASS node with a positional ID.
func NewClassNode(name, filePath string, line, column int, opts ClassOpts) (*Node, error) {
	if err := validate(NodeClass, name, filePath, line, true); err != nil {
		return nil, err
	}
	n := &Node{
		ID:       positionalID(NodeClass, filePath, line, column, name),
		Type:     NodeClass,
		Name:     name,
		FilePath: filePath,
		Line:     line,
		Column:   column,
		EndLine:  opts.EndLine,
	}
	if opts.SuperClass != "" {
		n.Properties = map[string]any{"superClass": opts.SuperClass}
	}
	return n, nil
}

// NewClassNodeWithScope creates a CLASS node with a scope-context ID.
func NewClassNodeWithScope(name string, scope *ScopeContext, line, column int, opts ClassOpts) (*Node, error) {
	if err := validate(NodeClass, name, scope.FilePath(), line, true); err != nil {
		return nil, err
	}
	n := &Node{
		ID:       scopedID(scope.FilePath(), scope.Path(), NodeClass, name),
		Type:     NodeClass,
		Name:     name,
		FilePath: scope.FilePath(),
		Line:     line,
		Column:   column,
		EndLine:  opts.EndLine,
	}
	if opts.SuperClass != "" {
		n.Properties = map[string]any{"superClass": opts.SuperClass}
	}
	return n, nil
}

// NewCallNode creates a CALL node. Call sites are physical events, so only
// the positional ID format exists for them.
func NewCallNode(calleeName, filePath string, line, column int) (*Node, error) {
	if err := validate(NodeCall, calleeName, filePath, line, true); err != nil {
		return nil, err
	}
	return &Node{
		ID:       positionalID(NodeCall, filePath, line, column, calleeName),
		Type:     NodeCall,
		Name:     calleeName,
		FilePath: filePath,
		Line:     line,
		Column:   column,
	}, nil
}

// NewVariableNodeWithScope creates a VARIABLE node with a scope-context ID.
func NewVariableNodeWithScope(name string, scope *ScopeContext, line, column int) (*Node, error) {
	if err := validate(NodeVariable, name, scope.FilePath(), line, true); err != nil {
		return nil, err
	}
	return &Node{
		ID:       scopedID(scope.FilePath(), scope.Path(), NodeVariable, name),
		Type:     NodeVariable,
		Name:     name,
		FilePath: scope.FilePath(),
		Line:     line,
		Column:   column,
	}, nil
}

// NewParameterNodeWithScope creates a PARAMETER node with a scope-context ID.
// The scope is the owning function's scope, so parameters of distinct
// functions never collide.
func NewParameterNodeWithScope(name string, scope *ScopeContext, line, column, index int) (*Node, error) {
	if err := validate(NodeParameter, name, scope.FilePath(), line, true); err != nil {
		return nil, err
	}
	return &Node{
		ID:       scopedID(scope.FilePath(), scope.Path(), NodeParameter, name),
		Type:     NodeParameter,
		Name:     name,
		FilePath: scope.FilePath(),
		Line:     line,
		Column:   column,
		Properties: map[string]any{
			"index": index,
		},
	}, nil
}

// NewObjectLiteralNode creates an OBJECT_LITERAL node. Literals are
// anonymous; their identity is purely positional.
func NewObjectLiteralNode(filePath string, line, column int) (*Node, error) {
	if err := validate(NodeObjectLiteral, "-", filePath, line, true); err != nil {
		return nil, err
	}
	return &Node{
		ID:       positionalID(NodeObjectLiteral, filePath, line, column, ""),
		Type:     NodeObjectLiteral,
		Name:     "object",
		FilePath: filePath,
		Line:     line,
		Column:   column,
	}, nil
}

// NewArrayLiteralNode creates an ARRAY_LITERAL node.
func NewArrayLiteralNode(filePath string, line, column int) (*Node, error) {
	if err := validate(NodeArrayLiteral, "-", filePath, line, true); err != nil {
		return nil, err
	}
	return &Node{
		ID:       positionalID(NodeArrayLiteral, filePath, line, column, ""),
		Type:     NodeArrayLiteral,
		Name:     "array",
		FilePath: filePath,
		Line:     line,
		Column:   column,
	}, nil
}
