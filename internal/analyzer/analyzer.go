// Package analyzer turns JavaScript and TypeScript source files into typed
// fact collections over graph nodes.
//
// Each file is analyzed in a single forward pass over its tree-sitter
// syntax tree. The pass tracks the lexical scope chain, the innermost
// function, a try-block depth counter and the reject-parameter names of
// promise executors, and emits nodes plus deferred facts (call sites,
// class declarations, rejection patterns, catch sources) as it goes. The
// builder resolves those facts into edges afterwards; the analyzer never
// re-scans a file to find something it missed.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/quiver-graph/quiver/internal/graph"
)

// DefaultMaxFileSize is the cutoff above which files are skipped. Bundled
// or generated artifacts past this size produce noise, not structure.
const DefaultMaxFileSize = 5 * 1024 * 1024

// ErrParseFailed is returned for files whose syntax tree contains
// ERROR nodes. Such files contribute nothing to the graph.
var ErrParseFailed = errors.New("parse failed")

// Analyzer parses JavaScript/TypeScript files and produces FileAnalysis
// collections. It is safe for concurrent use; each Analyze call creates
// its own parser.
type Analyzer struct {
	maxFileSize int
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMaxFileSize overrides the file size cutoff.
func WithMaxFileSize(n int) Option {
	return func(a *Analyzer) { a.maxFileSize = n }
}

// New creates an Analyzer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Supports reports whether the analyzer handles the given file path.
func (a *Analyzer) Supports(path string) bool {
	return languageFor(path) != nil
}

func languageFor(path string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".jsx", ".mjs", ".cjs":
		return javascript.GetLanguage()
	case ".ts", ".mts", ".cts":
		return typescript.GetLanguage()
	case ".tsx":
		return tsx.GetLanguage()
	default:
		return nil
	}
}

// Analyze parses content and walks the syntax tree once, returning the
// file's nodes and fact collections. filePath is recorded on every node
// and must be stable across re-analysis for IDs to be deterministic.
func (a *Analyzer) Analyze(ctx context.Context, content []byte, filePath string) (*FileAnalysis, error) {
	lang := languageFor(filePath)
	if lang == nil {
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}
	if len(content) > a.maxFileSize {
		return nil, fmt.Errorf("file %s exceeds size limit (%d > %d bytes)", filePath, len(content), a.maxFileSize)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filePath, err)
	}
	defer tree.Close()

	// tree-sitter error-recovers instead of failing, so a broken file
	// surfaces as ERROR nodes in an otherwise successful parse. Partial
	// facts from such a tree are worse than none.
	if tree.RootNode().HasError() {
		return nil, fmt.Errorf("parsing %s: %w", filePath, ErrParseFailed)
	}

	module, err := graph.NewModuleNode(filePath)
	if err != nil {
		return nil, err
	}

	w := &fileWalker{
		content:   content,
		filePath:  filePath,
		executors: make(map[uint32]*executorInfo),
		out: &FileAnalysis{
			FilePath: filePath,
			Module:   module,
			Nodes:    []NodeRecord{{Node: module}},
		},
	}

	top := &frame{
		id:     module.ID,
		scope:  graph.NewScopeContext(filePath),
		locals: make(map[string]localBinding),
	}
	w.walkChildren(tree.RootNode(), top)

	return w.out, nil
}

// executorInfo marks a function node (by start byte) as the executor of a
// new Promise(...) expression, binding its reject-parameter name to the
// function that owns the promise.
type executorInfo struct {
	rejectName string
	ownerID    string
	owner      *frame
}

// localBinding records how an identifier was bound within a function
// body, for the rejection micro-trace.
type localBinding struct {
	isParam   bool
	className string
	aliasOf   string
}

// frame is the traversal state for one function body (or the module
// top level). Blocks do not open frames; only functions do.
type frame struct {
	parent *frame

	// fnNode is the FUNCTION or METHOD node, nil for the module frame.
	fnNode *graph.Node

	// id is the containment target for nodes created in this frame.
	id string

	scope   *graph.ScopeContext
	isAsync bool

	flow     graph.ControlFlowMetadata
	tryDepth int

	// catchStack holds the source collector of each enclosing try block
	// that has a catch handler. Sources go to the innermost collector.
	catchStack []*[]CatchSource

	// catchSeq numbers this frame's catch handlers so their scope
	// segments stay distinct across sibling handlers.
	catchSeq int

	locals map[string]localBinding

	// rejectParam is set when this frame is a promise executor.
	rejectParam string
	rejectOwner *frame
	rejectOwnID string
}

// fn returns the nearest enclosing function frame, nil at module level.
func (f *frame) fn() *frame {
	for cur := f; cur != nil; cur = cur.parent {
		if cur.fnNode != nil {
			return cur
		}
	}
	return nil
}

// functionID returns the ID of the nearest enclosing function, empty at
// module level.
func (f *frame) functionID() string {
	if ff := f.fn(); ff != nil {
		return ff.fnNode.ID
	}
	return ""
}

// rejectBinding finds the innermost executor frame whose reject-parameter
// name matches, walking lexically outward.
func (f *frame) rejectBinding(name string) *frame {
	for cur := f; cur != nil; cur = cur.parent {
		if cur.rejectParam != "" && cur.rejectParam == name {
			return cur
		}
		// A redeclaration shadows the executor's reject parameter.
		if _, shadowed := cur.locals[name]; shadowed {
			return nil
		}
	}
	return nil
}

type fileWalker struct {
	content   []byte
	filePath  string
	out       *FileAnalysis
	executors map[uint32]*executorInfo
}

func (w *fileWalker) text(n *sitter.Node) string {
	return string(w.content[n.StartByte():n.EndByte()])
}

func line(n *sitter.Node) int { return int(n.StartPoint().Row) + 1 }
func col(n *sitter.Node) int  { return int(n.StartPoint().Column) }
func endLine(n *sitter.Node) int {
	return int(n.EndPoint().Row) + 1
}

func (w *fileWalker) record(n *graph.Node, containerID string) {
	w.out.Nodes = append(w.out.Nodes, NodeRecord{Node: n, ContainerID: containerID})
}

func (w *fileWalker) walkChildren(n *sitter.Node, f *frame) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.walk(n.NamedChild(i), f)
	}
}

func (w *fileWalker) walk(n *sitter.Node, f *frame) {
	switch n.Type() {
	case tsNodeImportStatement:
		w.visitImport(n)

	case tsNodeFunctionDeclaration, tsNodeGeneratorFunctionDecl:
		w.visitNamedFunction(n, f)

	case tsNodeClassDeclaration:
		w.visitClass(n, f)

	case tsNodeLexicalDeclaration, tsNodeVariableDeclaration:
		w.visitDeclaration(n, f)

	case tsNodeAssignmentExpression:
		w.visitAssignment(n, f)

	case tsNodeCallExpression:
		w.visitCall(n, f)

	case tsNodeNewExpression:
		w.visitNew(n, f, true)

	case tsNodeThrowStatement:
		w.visitThrow(n, f)

	case tsNodeTryStatement:
		w.visitTry(n, f)

	case tsNodeArrowFunction, tsNodeFunctionExpression:
		w.visitFunctionBody(n, f, "", n)

	case tsNodeObjectLiteral:
		if obj, err := graph.NewObjectLiteralNode(w.filePath, line(n), col(n)); err == nil {
			w.record(obj, f.id)
		}
		w.walkChildren(n, f)

	case tsNodeArrayLiteral:
		if arr, err := graph.NewArrayLiteralNode(w.filePath, line(n), col(n)); err == nil {
			w.record(arr, f.id)
		}
		w.walkChildren(n, f)

	case tsNodeIfStatement:
		f.flow.HasBranches = true
		f.flow.CyclomaticComplexity++
		w.walkChildren(n, f)

	case tsNodeSwitchStatement:
		f.flow.HasBranches = true
		w.walkChildren(n, f)

	case tsNodeSwitchCase:
		f.flow.CyclomaticComplexity++
		w.walkChildren(n, f)

	case tsNodeTernaryExpression:
		f.flow.HasBranches = true
		f.flow.CyclomaticComplexity++
		w.walkChildren(n, f)

	case tsNodeForStatement, tsNodeForInStatement, tsNodeWhileStatement, tsNodeDoStatement:
		f.flow.HasLoops = true
		f.flow.CyclomaticComplexity++
		w.walkChildren(n, f)

	case tsNodeBinaryExpression:
		if op := n.ChildByFieldName("operator"); op != nil && branchOperators[w.text(op)] {
			f.flow.CyclomaticComplexity++
		}
		w.walkChildren(n, f)

	case tsNodeReturnStatement:
		w.markEarlyReturn(n, f)
		w.walkChildren(n, f)

	default:
		w.walkChildren(n, f)
	}
}

// markEarlyReturn flags a return that is not the final statement of its
// function body, or that sits inside a nested block.
func (w *fileWalker) markEarlyReturn(n *sitter.Node, f *frame) {
	ff := f.fn()
	if ff == nil {
		return
	}
	parent := n.Parent()
	if parent == nil {
		return
	}
	if parent.Type() != tsNodeStatementBlock || n.NextNamedSibling() != nil {
		ff.flow.HasEarlyReturn = true
		return
	}
	// Final statement of a nested block (if/loop body) is still early.
	if gp := parent.Parent(); gp != nil {
		switch gp.Type() {
		case tsNodeFunctionDeclaration, tsNodeGeneratorFunctionDecl,
			tsNodeFunctionExpression, tsNodeArrowFunction, tsNodeMethodDefinition:
		default:
			ff.flow.HasEarlyReturn = true
		}
	}
}

// ---- imports ----

func (w *fileWalker) visitImport(n *sitter.Node) {
	src := n.ChildByFieldName("source")
	if src == nil {
		return
	}
	modulePath := stripQuotes(w.text(src))
	relative := strings.HasPrefix(modulePath, "./") || strings.HasPrefix(modulePath, "../")

	add := func(local string) {
		if local == "" {
			return
		}
		w.out.Imports = append(w.out.Imports, ImportBinding{
			LocalName:  local,
			ModulePath: modulePath,
			Relative:   relative,
		})
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		clause := n.NamedChild(i)
		if clause.Type() != tsNodeImportClause {
			continue
		}
		for j := 0; j < int(clause.NamedChildCount()); j++ {
			item := clause.NamedChild(j)
			switch item.Type() {
			case tsNodeIdentifier:
				add(w.text(item))
			case tsNodeNamespaceImport:
				for k := 0; k < int(item.NamedChildCount()); k++ {
					if id := item.NamedChild(k); id.Type() == tsNodeIdentifier {
						add(w.text(id))
					}
				}
			case tsNodeNamedImports:
				for k := 0; k < int(item.NamedChildCount()); k++ {
					spec := item.NamedChild(k)
					if spec.Type() != tsNodeImportSpecifier {
						continue
					}
					if alias := spec.ChildByFieldName("alias"); alias != nil {
						add(w.text(alias))
					} else if name := spec.ChildByFieldName("name"); name != nil {
						add(w.text(name))
					}
				}
			}
		}
	}
}

func stripQuotes(s string) string {
	return strings.Trim(s, "'\"`")
}

// ---- functions ----

func isAsyncFunction(n *sitter.Node) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.Type() == tsNodeAsync {
			return true
		}
		// The async keyword precedes the parameter list.
		if c.Type() == tsNodeFormalParameters {
			break
		}
	}
	return false
}

func (w *fileWalker) visitNamedFunction(n *sitter.Node, f *frame) {
	nameNode := n.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	w.visitFunctionBody(n, f, w.text(nameNode), n)
}

// visitFunctionBody creates the FUNCTION node and walks the body in a
// fresh frame. name is empty for anonymous function expressions, which
// get positional IDs instead of scoped ones.
func (w *fileWalker) visitFunctionBody(n *sitter.Node, f *frame, name string, fnSyntax *sitter.Node) {
	async := isAsyncFunction(fnSyntax)
	opts := graph.FunctionOpts{Async: async, EndLine: endLine(n)}

	var fnNode *graph.Node
	var err error
	if name != "" {
		fnNode, err = graph.NewFunctionNodeWithScope(name, f.scope, line(n), col(n), opts)
	} else {
		fnNode, err = graph.NewFunctionNode("anonymous", w.filePath, line(n), col(n), opts)
	}
	if err != nil {
		return
	}
	w.record(fnNode, f.id)

	scopeName := name
	if scopeName == "" {
		scopeName = "anonymous"
	}
	nf := &frame{
		parent:  f,
		fnNode:  fnNode,
		id:      fnNode.ID,
		scope:   f.scope.Enter(scopeName),
		isAsync: async,
		flow:    graph.ControlFlowMetadata{CyclomaticComplexity: 1},
		locals:  make(map[string]localBinding),
	}
	if info, ok := w.executors[fnSyntax.StartByte()]; ok {
		nf.rejectParam = info.rejectName
		nf.rejectOwner = info.owner
		nf.rejectOwnID = info.ownerID
	}

	w.visitParams(fnSyntax, nf)

	if body := fnSyntax.ChildByFieldName("body"); body != nil {
		if body.Type() == tsNodeStatementBlock {
			w.walkChildren(body, nf)
		} else {
			// Arrow function with an expression body.
			w.walk(body, nf)
		}
	}

	flow := nf.flow
	fnNode.ControlFlow = &flow
}

func (w *fileWalker) visitParams(fnSyntax *sitter.Node, nf *frame) {
	params := fnSyntax.ChildByFieldName("parameters")
	if params == nil {
		// Single-parameter arrow function without parentheses.
		if p := fnSyntax.ChildByFieldName("parameter"); p != nil && p.Type() == tsNodeIdentifier {
			w.addParam(w.text(p), p, 0, nf)
		}
		return
	}
	index := 0
	for i := 0; i < int(params.NamedChildCount()); i++ {
		p := params.NamedChild(i)
		switch p.Type() {
		case tsNodeIdentifier:
			w.addParam(w.text(p), p, index, nf)
		case tsNodeRequiredParameter, tsNodeOptionalParameter:
			if pat := p.ChildByFieldName("pattern"); pat != nil && pat.Type() == tsNodeIdentifier {
				w.addParam(w.text(pat), pat, index, nf)
			}
		}
		index++
	}
}

func (w *fileWalker) addParam(name string, n *sitter.Node, index int, nf *frame) {
	pn, err := graph.NewParameterNodeWithScope(name, nf.scope, line(n), col(n), index)
	if err != nil {
		return
	}
	w.record(pn, nf.id)
	nf.locals[name] = localBinding{isParam: true}
}

// ---- classes ----

func (w *fileWalker) visitClass(n *sitter.Node, f *frame) {
	nameNode := n.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := w.text(nameNode)
	super := w.superClassName(n)

	classNode, err := graph.NewClassNodeWithScope(name, f.scope, line(n), col(n), graph.ClassOpts{
		EndLine:    endLine(n),
		SuperClass: super,
	})
	if err != nil {
		return
	}
	w.record(classNode, f.id)
	w.out.Classes = append(w.out.Classes, ClassDecl{Node: classNode, SuperClass: super})

	body := n.ChildByFieldName("body")
	if body == nil {
		return
	}
	classScope := f.scope.Enter(name)
	for i := 0; i < int(body.NamedChildCount()); i++ {
		member := body.NamedChild(i)
		switch member.Type() {
		case tsNodeMethodDefinition:
			w.visitMethod(member, f, classNode, classScope, name)
		case tsNodeFieldDefinition:
			if value := member.ChildByFieldName("value"); value != nil {
				w.walk(value, f)
			}
		}
	}
}

// superClassName extracts the extended class from a heritage clause when
// it is a plain identifier. Computed or member expressions are not
// statically resolvable and yield no DERIVES_FROM edge.
func (w *fileWalker) superClassName(class *sitter.Node) string {
	for i := 0; i < int(class.NamedChildCount()); i++ {
		c := class.NamedChild(i)
		if c.Type() != tsNodeClassHeritage {
			continue
		}
		var found string
		var visit func(n *sitter.Node)
		visit = func(n *sitter.Node) {
			if found != "" {
				return
			}
			switch n.Type() {
			case tsNodeIdentifier, tsNodeTypeIdent:
				found = w.text(n)
			case tsNodeMemberExpression, tsNodeCallExpression:
				// extends Base.Mixin / extends mixin(Base): skip.
			default:
				for j := 0; j < int(n.NamedChildCount()); j++ {
					visit(n.NamedChild(j))
				}
			}
		}
		visit(c)
		return found
	}
	return ""
}

func (w *fileWalker) visitMethod(n *sitter.Node, f *frame, classNode *graph.Node, classScope *graph.ScopeContext, className string) {
	nameNode := n.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := w.text(nameNode)
	async := isAsyncFunction(n)

	methodNode, err := graph.NewMethodNodeWithScope(name, classScope, line(n), col(n), graph.FunctionOpts{
		Async:     async,
		EndLine:   endLine(n),
		ClassName: className,
	})
	if err != nil {
		return
	}
	w.record(methodNode, classNode.ID)

	nf := &frame{
		parent:  f,
		fnNode:  methodNode,
		id:      methodNode.ID,
		scope:   classScope.Enter(name),
		isAsync: async,
		flow:    graph.ControlFlowMetadata{CyclomaticComplexity: 1},
		locals:  make(map[string]localBinding),
	}
	w.visitParams(n, nf)
	if body := n.ChildByFieldName("body"); body != nil {
		w.walkChildren(body, nf)
	}
	flow := nf.flow
	methodNode.ControlFlow = &flow
}

// ---- variables and assignments ----

func (w *fileWalker) visitDeclaration(n *sitter.Node, f *frame) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		d := n.NamedChild(i)
		if d.Type() != tsNodeVariableDeclarator {
			continue
		}
		w.visitDeclarator(d, f)
	}
}

func (w *fileWalker) visitDeclarator(d *sitter.Node, f *frame) {
	nameNode := d.ChildByFieldName("name")
	value := d.ChildByFieldName("value")

	if nameNode == nil || nameNode.Type() != tsNodeIdentifier {
		// Destructuring patterns: still walk the initializer for calls.
		if value != nil {
			w.walk(value, f)
		}
		return
	}
	name := w.text(nameNode)

	// A function-valued binding is the function itself, not a variable.
	if value != nil && (value.Type() == tsNodeArrowFunction || value.Type() == tsNodeFunctionExpression) {
		w.visitFunctionBody(value, f, name, value)
		return
	}

	varNode, err := graph.NewVariableNodeWithScope(name, f.scope, line(d), col(d))
	if err != nil {
		return
	}
	w.record(varNode, f.id)

	if value == nil {
		f.locals[name] = localBinding{}
		return
	}

	switch value.Type() {
	case tsNodeNewExpression:
		className := w.constructorName(value)
		f.locals[name] = localBinding{className: className}
		w.out.Variables = append(w.out.Variables, VariableOrigin{
			VariableID:           varNode.ID,
			Name:                 name,
			ClassName:            className,
			ContainingFunctionID: f.functionID(),
		})
		w.visitNew(value, f, true)
	case tsNodeIdentifier:
		alias := w.text(value)
		f.locals[name] = localBinding{aliasOf: alias}
		w.out.Variables = append(w.out.Variables, VariableOrigin{
			VariableID:           varNode.ID,
			Name:                 name,
			AliasOf:              alias,
			ContainingFunctionID: f.functionID(),
		})
	default:
		f.locals[name] = localBinding{}
		w.walk(value, f)
	}
}

func (w *fileWalker) visitAssignment(n *sitter.Node, f *frame) {
	left := n.ChildByFieldName("left")
	right := n.ChildByFieldName("right")
	if left != nil && left.Type() == tsNodeIdentifier && right != nil {
		name := w.text(left)
		switch right.Type() {
		case tsNodeNewExpression:
			f.locals[name] = localBinding{className: w.constructorName(right)}
		case tsNodeIdentifier:
			f.locals[name] = localBinding{aliasOf: w.text(right)}
		default:
			f.locals[name] = localBinding{}
		}
	}
	if right != nil {
		w.walk(right, f)
	}
}

// ---- calls ----

// calleeParts splits a call's function expression into the receiver
// identifier and the called name. Plain calls have an empty receiver.
func (w *fileWalker) calleeParts(fn *sitter.Node) (receiver, callee string) {
	switch fn.Type() {
	case tsNodeIdentifier:
		return "", w.text(fn)
	case tsNodeMemberExpression:
		prop := fn.ChildByFieldName("property")
		obj := fn.ChildByFieldName("object")
		if prop != nil {
			callee = w.text(prop)
		}
		if obj != nil {
			switch obj.Type() {
			case tsNodeIdentifier:
				receiver = w.text(obj)
			case tsNodeThis:
				// A this receiver marks a method call, so the builder
				// resolves it against methods, not module functions.
				receiver = "this"
			}
		}
		return receiver, callee
	}
	return "", ""
}

func (w *fileWalker) visitCall(n *sitter.Node, f *frame) {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		w.walkChildren(n, f)
		return
	}
	receiver, callee := w.calleeParts(fn)
	args := n.ChildByFieldName("arguments")

	switch {
	case receiver == "Promise" && callee == "reject":
		w.recordRejection(firstArg(args), f, f.fn(), graph.RejectionStaticReject, n)
	case receiver == "" && callee != "":
		if executor := f.rejectBinding(callee); executor != nil {
			owner := executor.rejectOwner
			w.recordRejection(firstArg(args), f, owner, graph.RejectionDirectConstruct, n)
		}
	}

	display := callee
	if receiver != "" {
		display = receiver + "." + callee
	}
	if display == "" {
		// Computed or expression callees (arr[i](), iife chains) have no
		// stable name.
		display = "dynamic"
	}

	if callNode, err := graph.NewCallNode(display, w.filePath, line(n), col(n)); err == nil {
		w.record(callNode, f.id)
		awaited := n.Parent() != nil && n.Parent().Type() == tsNodeAwaitExpression
		w.out.Calls = append(w.out.Calls, CallSite{
			Node:                 callNode,
			Callee:               callee,
			Receiver:             receiver,
			Awaited:              awaited,
			InTry:                f.tryDepth > 0,
			ContainingFunctionID: f.functionID(),
		})
		w.addCatchSource(f, CatchSource{
			Kind:   catchKind(awaited),
			NodeID: callNode.ID,
			Line:   line(n),
			Column: col(n),
		})
	}

	// Arguments may contain further calls and callback functions. The
	// function expression itself may too: the object side of a chained
	// call (foo().then) carries its own call expressions, and IIFE
	// chains are calls all the way down.
	switch fn.Type() {
	case tsNodeIdentifier:
	case tsNodeMemberExpression:
		if obj := fn.ChildByFieldName("object"); obj != nil && obj.Type() != tsNodeIdentifier {
			w.walk(obj, f)
		}
	default:
		w.walk(fn, f)
	}
	if args != nil {
		w.walkChildren(args, f)
	}
}

func catchKind(awaited bool) string {
	if awaited {
		return "await-call"
	}
	return "sync-call"
}

func firstArg(args *sitter.Node) *sitter.Node {
	if args == nil || args.NamedChildCount() == 0 {
		return nil
	}
	return args.NamedChild(0)
}

func (w *fileWalker) constructorName(n *sitter.Node) string {
	ctor := n.ChildByFieldName("constructor")
	if ctor == nil {
		return ""
	}
	if ctor.Type() == tsNodeIdentifier {
		return w.text(ctor)
	}
	return ""
}

// visitNew records a constructor invocation as a call site. asSource
// controls whether it also becomes a catch source; throw statements
// attribute thrown constructions themselves.
func (w *fileWalker) visitNew(n *sitter.Node, f *frame, asSource bool) {
	ctorName := w.constructorName(n)
	args := n.ChildByFieldName("arguments")

	if ctorName == "Promise" {
		w.registerExecutor(args, f)
	}

	if ctorName != "" {
		if callNode, err := graph.NewCallNode(ctorName, w.filePath, line(n), col(n)); err == nil {
			w.record(callNode, f.id)
			w.out.Calls = append(w.out.Calls, CallSite{
				Node:                 callNode,
				Callee:               ctorName,
				InTry:                f.tryDepth > 0,
				ContainingFunctionID: f.functionID(),
				IsConstructor:        true,
			})
			if asSource {
				w.addCatchSource(f, CatchSource{
					Kind:   "new",
					NodeID: callNode.ID,
					Line:   line(n),
					Column: col(n),
				})
			}
		}
	}

	if args != nil {
		w.walkChildren(args, f)
	}
}

// registerExecutor binds the reject-parameter name of a new Promise(...)
// executor to the function that owns the promise, so reject(...) calls
// inside the executor body are attributed correctly.
func (w *fileWalker) registerExecutor(args *sitter.Node, f *frame) {
	if args == nil {
		return
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		a := args.NamedChild(i)
		if a.Type() != tsNodeArrowFunction && a.Type() != tsNodeFunctionExpression {
			continue
		}
		names := w.executorParamNames(a)
		if len(names) < 2 {
			return
		}
		w.executors[a.StartByte()] = &executorInfo{
			rejectName: names[1],
			owner:      f.fn(),
			ownerID:    f.functionID(),
		}
		return
	}
}

func (w *fileWalker) executorParamNames(fnSyntax *sitter.Node) []string {
	params := fnSyntax.ChildByFieldName("parameters")
	if params == nil {
		return nil
	}
	names := make([]string, 0, 2)
	for i := 0; i < int(params.NamedChildCount()); i++ {
		p := params.NamedChild(i)
		switch p.Type() {
		case tsNodeIdentifier:
			names = append(names, w.text(p))
		case tsNodeRequiredParameter, tsNodeOptionalParameter:
			if pat := p.ChildByFieldName("pattern"); pat != nil && pat.Type() == tsNodeIdentifier {
				names = append(names, w.text(pat))
			}
		}
	}
	return names
}

// ---- throw / try ----

func (w *fileWalker) visitThrow(n *sitter.Node, f *frame) {
	ff := f.fn()
	if ff != nil {
		if ff.isAsync {
			// A throw inside an async function settles the returned
			// promise as rejected; it does not unwind the sync stack.
			ff.flow.HasAsyncThrow = true
			ff.flow.CanReject = true
		} else {
			ff.flow.HasThrow = true
		}
	}

	arg := n.NamedChild(0)
	if arg == nil {
		return
	}

	switch arg.Type() {
	case tsNodeNewExpression:
		className := w.constructorName(arg)
		// A thrown construction is one throw source, not a throw plus a
		// separate constructor-call source.
		w.addCatchSource(f, CatchSource{
			Kind:   "throw",
			Name:   className,
			Line:   line(n),
			Column: col(n),
		})
		if ff != nil && ff.isAsync && className != "" {
			w.out.Rejections = append(w.out.Rejections, RejectionPattern{
				FunctionID:     ff.fnNode.ID,
				ErrorClassName: className,
				Type:           graph.RejectionAsyncThrow,
				Line:           line(n),
				Column:         col(n),
			})
		}
		if args := arg.ChildByFieldName("arguments"); args != nil {
			w.walkChildren(args, f)
		}
	case tsNodeIdentifier:
		name := w.text(arg)
		tr := traceIdentifier(name, f)
		w.addCatchSource(f, CatchSource{
			Kind:   "throw",
			Name:   tr.className,
			Line:   line(n),
			Column: col(n),
		})
		if ff != nil && ff.isAsync {
			w.out.Rejections = append(w.out.Rejections, RejectionPattern{
				FunctionID:     ff.fnNode.ID,
				ErrorClassName: tr.className,
				Type:           tr.rejectionType,
				Line:           line(n),
				Column:         col(n),
				TracePath:      tr.path,
			})
		}
	default:
		w.addCatchSource(f, CatchSource{Kind: "throw", Line: line(n), Column: col(n)})
		w.walk(arg, f)
	}
}

// recordRejection classifies the argument of Promise.reject(...) or an
// executor reject(...) call and attributes it to owner, the function that
// produces the rejected promise.
func (w *fileWalker) recordRejection(arg *sitter.Node, f, owner *frame, directType graph.RejectionType, callSyntax *sitter.Node) {
	if owner != nil {
		owner.flow.CanReject = true
	}
	var ownerID string
	if owner != nil {
		ownerID = owner.fnNode.ID
	}

	pat := RejectionPattern{
		FunctionID: ownerID,
		Line:       line(callSyntax),
		Column:     col(callSyntax),
	}
	switch {
	case arg == nil:
		pat.Type = graph.RejectionUnresolvedVariable
	case arg.Type() == tsNodeNewExpression:
		pat.ErrorClassName = w.constructorName(arg)
		pat.Type = directType
	case arg.Type() == tsNodeIdentifier:
		tr := traceIdentifier(w.text(arg), f)
		pat.ErrorClassName = tr.className
		pat.Type = tr.rejectionType
		pat.TracePath = tr.path
	default:
		pat.Type = graph.RejectionUnresolvedVariable
	}
	w.out.Rejections = append(w.out.Rejections, pat)
}

func (w *fileWalker) addCatchSource(f *frame, src CatchSource) {
	if len(f.catchStack) == 0 {
		return
	}
	collector := f.catchStack[len(f.catchStack)-1]
	*collector = append(*collector, src)
}

func (w *fileWalker) visitTry(n *sitter.Node, f *frame) {
	if ff := f.fn(); ff != nil {
		ff.flow.HasTryCatch = true
	}

	handler := n.ChildByFieldName("handler")
	var paramNode *graph.Node
	var sources []CatchSource

	body := n.ChildByFieldName("body")
	if body != nil {
		f.tryDepth++
		if handler != nil {
			// Only the innermost try's catch collects sources; the
			// collector is popped before nested handlers are walked.
			f.catchStack = append(f.catchStack, &sources)
		}
		w.walkChildren(body, f)
		if handler != nil {
			f.catchStack = f.catchStack[:len(f.catchStack)-1]
		}
		f.tryDepth--
	}

	if handler != nil {
		f.flow.CyclomaticComplexity++
		if param := handler.ChildByFieldName("parameter"); param != nil && param.Type() == tsNodeIdentifier {
			name := w.text(param)
			// Each handler gets its own scope segment; the catch binding
			// must not collapse into a same-named local of the function,
			// and its shadowing ends with the handler body.
			f.catchSeq++
			catchScope := f.scope.Enter(fmt.Sprintf("catch%d", f.catchSeq))
			if vn, err := graph.NewVariableNodeWithScope(name, catchScope, line(param), col(param)); err == nil {
				w.record(vn, f.id)
				paramNode = vn
			}
			prev, shadowed := f.locals[name]
			f.locals[name] = localBinding{}
			if hb := handler.ChildByFieldName("body"); hb != nil {
				w.walkChildren(hb, f)
			}
			if shadowed {
				f.locals[name] = prev
			} else {
				delete(f.locals, name)
			}
		} else if hb := handler.ChildByFieldName("body"); hb != nil {
			w.walkChildren(hb, f)
		}
	}

	if paramNode != nil && len(sources) > 0 {
		w.out.Catches = append(w.out.Catches, CatchLink{
			ParamID: paramNode.ID,
			Sources: sources,
		})
	}

	if fin := n.ChildByFieldName("finalizer"); fin != nil {
		w.walkChildren(fin, f)
	}
}
