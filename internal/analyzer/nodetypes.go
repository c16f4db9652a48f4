package analyzer

// JavaScript/TypeScript tree-sitter node types.
//
// The analyzer uses direct node traversal rather than tree-sitter's query
// language for precise control over scope tracking and control-flow
// classification. This file documents the node types it consumes.
//
// Reference: https://github.com/tree-sitter/tree-sitter-javascript

const (
	tsNodeProgram = "program"

	// Import-related nodes
	tsNodeImportStatement = "import_statement"
	tsNodeImportClause    = "import_clause"
	tsNodeNamespaceImport = "namespace_import"
	tsNodeNamedImports    = "named_imports"
	tsNodeImportSpecifier = "import_specifier"
	tsNodeString          = "string"
	tsNodeStringFragment  = "string_fragment"

	// Export wrapper
	tsNodeExportStatement = "export_statement"

	// Declaration nodes
	tsNodeFunctionDeclaration   = "function_declaration"
	tsNodeGeneratorFunctionDecl = "generator_function_declaration"
	tsNodeFunctionExpression    = "function_expression"
	tsNodeArrowFunction         = "arrow_function"
	tsNodeClassDeclaration      = "class_declaration"
	tsNodeClassExpression       = "class"
	tsNodeLexicalDeclaration    = "lexical_declaration"
	tsNodeVariableDeclaration   = "variable_declaration"
	tsNodeVariableDeclarator    = "variable_declarator"

	// Class-related nodes
	tsNodeClassBody          = "class_body"
	tsNodeClassHeritage      = "class_heritage"
	tsNodeMethodDefinition   = "method_definition"
	tsNodeFieldDefinition    = "field_definition"
	tsNodePropertyIdentifier = "property_identifier"

	// Function-related nodes
	tsNodeFormalParameters  = "formal_parameters"
	tsNodeRequiredParameter = "required_parameter" // typescript grammar
	tsNodeOptionalParameter = "optional_parameter" // typescript grammar
	tsNodeStatementBlock    = "statement_block"

	// Identifier nodes
	tsNodeIdentifier = "identifier"
	tsNodeTypeIdent  = "type_identifier"
	tsNodeThis       = "this"

	// Expression nodes
	tsNodeCallExpression       = "call_expression"
	tsNodeNewExpression        = "new_expression"
	tsNodeMemberExpression     = "member_expression"
	tsNodeAwaitExpression      = "await_expression"
	tsNodeAssignmentExpression = "assignment_expression"
	tsNodeTernaryExpression    = "ternary_expression"
	tsNodeBinaryExpression     = "binary_expression"
	tsNodeParenthesizedExpr    = "parenthesized_expression"
	tsNodeObjectLiteral        = "object"
	tsNodeArrayLiteral         = "array"
	tsNodeArguments            = "arguments"

	// Statement nodes
	tsNodeExpressionStatement = "expression_statement"
	tsNodeReturnStatement     = "return_statement"
	tsNodeThrowStatement      = "throw_statement"
	tsNodeIfStatement         = "if_statement"
	tsNodeSwitchStatement     = "switch_statement"
	tsNodeSwitchCase          = "switch_case"
	tsNodeForStatement        = "for_statement"
	tsNodeForInStatement      = "for_in_statement"
	tsNodeWhileStatement      = "while_statement"
	tsNodeDoStatement         = "do_statement"
	tsNodeTryStatement        = "try_statement"
	tsNodeCatchClause         = "catch_clause"
	tsNodeFinallyClause       = "finally_clause"

	// Keywords
	tsNodeAsync = "async"
)

// branchOperators are the short-circuit operators counted as decision
// points for cyclomatic complexity.
var branchOperators = map[string]bool{
	"&&": true,
	"||": true,
	"??": true,
}
