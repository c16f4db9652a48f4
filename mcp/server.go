// Package mcp provides the MCP (Model Context Protocol) server for Quiver.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quiver-graph/quiver/internal/graph"
	"github.com/quiver-graph/quiver/internal/pipeline"
	"github.com/quiver-graph/quiver/internal/storage"
)

// Server represents the MCP server.
type Server struct {
	storage StorageBackend
	server  *mcp.Server

	// Analysis hook, nil when the backend was opened read-only.
	coord *pipeline.Coordinator
	root  string
}

// StorageBackend defines the interface for storage backends.
type StorageBackend interface {
	GetNode(ctx context.Context, nodeID string) (*graph.Node, error)
	QueryNodes(ctx context.Context, filter storage.NodeFilter) ([]*graph.Node, error)
	GetIncomingEdges(ctx context.Context, nodeID string, types ...graph.EdgeType) ([]*graph.Edge, error)
	GetOutgoingEdges(ctx context.Context, nodeID string, types ...graph.EdgeType) ([]*graph.Edge, error)
	CountNodesByType(ctx context.Context) (map[graph.NodeType]int, error)
	CountEdgesByType(ctx context.Context) (map[graph.EdgeType]int, error)
	Close() error
}

// Tool represents an MCP tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Resource represents an MCP resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// NewServer creates a new MCP server.
func NewServer(storage StorageBackend) *Server {
	s := &Server{
		storage: storage,
	}

	// Create MCP server
	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "quiver",
		Version: "0.1.0",
	}, nil)

	// Register tools
	s.registerTools()

	// Register resources
	s.registerResources()

	return s
}

// EnableAnalysis wires the quiver_analyze tool to a coordinator. Without
// it the tool reports that the graph was opened read-only.
func (s *Server) EnableAnalysis(coord *pipeline.Coordinator, root string) {
	s.coord = coord
	s.root = root
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	return []Tool{
		{
			Name:        "quiver_query",
			Description: "List property graph nodes matching a filter. All filter fields are optional.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"type":  {Type: "string", Description: "Node type (FUNCTION, CLASS, METHOD, CALL, VARIABLE, ...)"},
					"name":  {Type: "string", Description: "Exact node name"},
					"file":  {Type: "string", Description: "File path relative to the repo root"},
					"limit": {Type: "integer", Description: "Maximum number of results"},
				},
			},
		},
		{
			Name:        "quiver_rejections",
			Description: "Show every error class a function can reject with, including rejections propagated through unprotected awaits.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"function": {Type: "string", Description: "Function or method name"},
				},
				Required: []string{"function"},
			},
		},
		{
			Name:        "quiver_callers",
			Description: "List the functions that call a given function or method.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"function": {Type: "string", Description: "Function or method name"},
				},
				Required: []string{"function"},
			},
		},
		{
			Name:        "quiver_node",
			Description: "Show a single node by ID with all its incoming and outgoing edges.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"id": {Type: "string", Description: "Node ID"},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "quiver_stats",
			Description: "Show node and edge counts for the whole graph.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{},
			},
		},
		{
			Name:        "quiver_analyze",
			Description: "Re-analyze the repository and rebuild the graph. Waits for any analysis already in flight unless force is set, in which case a busy run is an error.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"force": {Type: "boolean", Description: "Fail fast instead of waiting when an analysis is already running"},
				},
			},
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         "quiver://overview",
			Name:        "Graph Overview",
			Description: "High-level statistics about the analyzed codebase",
			MimeType:    "text/plain",
		},
		{
			URI:         "quiver://schema",
			Name:        "Graph Schema",
			Description: "Description of the Quiver property graph schema",
			MimeType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "quiver_query":
		typ, _ := args["type"].(string)
		nodeName, _ := args["name"].(string)
		file, _ := args["file"].(string)
		limit, _ := args["limit"].(float64)
		if limit == 0 {
			limit = 50
		}
		return handleQuery(ctx, s.storage, typ, nodeName, file, int(limit))
	case "quiver_rejections":
		function, _ := args["function"].(string)
		return handleRejections(ctx, s.storage, function)
	case "quiver_callers":
		function, _ := args["function"].(string)
		return handleCallers(ctx, s.storage, function)
	case "quiver_node":
		id, _ := args["id"].(string)
		return handleNode(ctx, s.storage, id)
	case "quiver_stats":
		return handleStats(ctx, s.storage)
	case "quiver_analyze":
		force, _ := args["force"].(bool)
		return s.handleAnalyze(ctx, force)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "quiver://overview":
		return getOverview(ctx, s.storage), nil
	case "quiver://schema":
		return getSchema(), nil
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

// Run starts the MCP server with stdio transport.
func (s *Server) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if stdin == nil || stdout == nil {
		return fmt.Errorf("stdin and stdout must not be nil")
	}

	reader := bufio.NewReader(stdin)
	encoder := json.NewEncoder(stdout)
	// Note: Do NOT use SetIndent - MCP protocol requires compact JSON (one line per message)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		// Parse JSON-RPC request
		var req map[string]any
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		// Handle request
		resp := s.handleRequest(ctx, req)
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req map[string]any) map[string]any {
	method, _ := req["method"].(string)
	id := req["id"]

	switch method {
	case "initialize":
		return s.handleInitialize(id)
	case "tools/list":
		return s.handleToolsList(id)
	case "tools/call":
		return s.handleToolsCall(ctx, id, req)
	case "resources/list":
		return s.handleResourcesList(id)
	case "resources/read":
		return s.handleResourcesRead(ctx, id, req)
	default:
		return errorResponse(id, -32601, "Method not found: "+method)
	}
}

func (s *Server) handleInitialize(id any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo": map[string]any{
				"name":    "quiver",
				"version": "0.1.0",
			},
			"capabilities": map[string]any{
				"tools": map[string]any{
					"listChanged": false,
				},
				"resources": map[string]any{
					"listChanged": false,
				},
			},
		},
	}
}

func (s *Server) handleToolsList(id any) map[string]any {
	tools := s.ListTools()
	toolList := make([]map[string]any, len(tools))
	for i, tool := range tools {
		schema, _ := json.Marshal(tool.InputSchema)
		var schemaMap map[string]any
		json.Unmarshal(schema, &schemaMap)

		toolList[i] = map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": schemaMap,
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"tools": toolList,
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]any)

	result, err := s.CallTool(ctx, name, args)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"content": []map[string]any{
				{
					"type": "text",
					"text": result,
				},
			},
		},
	}
}

func (s *Server) handleResourcesList(id any) map[string]any {
	resources := s.ListResources()
	resourceList := make([]map[string]any, len(resources))
	for i, res := range resources {
		resourceList[i] = map[string]any{
			"uri":         res.URI,
			"name":        res.Name,
			"description": res.Description,
			"mimeType":    res.MimeType,
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"resources": resourceList,
		},
	}
}

func (s *Server) handleResourcesRead(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	uri, _ := params["uri"].(string)

	content, err := s.ReadResource(ctx, uri)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"contents": []map[string]any{
				{
					"uri":      uri,
					"mimeType": "text/plain",
					"text":     content,
				},
			},
		},
	}
}

// Tool Handlers

func handleQuery(ctx context.Context, store StorageBackend, typ, name, file string, limit int) (string, error) {
	nodes, err := store.QueryNodes(ctx, storage.NodeFilter{
		Type:     graph.NodeType(typ),
		Name:     name,
		FilePath: file,
	})
	if err != nil {
		return "", err
	}

	if len(nodes) == 0 {
		return "No matching nodes", nil
	}

	sortNodes(nodes)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d node(s):\n\n", len(nodes)))
	shown := len(nodes)
	if limit > 0 && shown > limit {
		shown = limit
	}
	for i, n := range nodes[:shown] {
		sb.WriteString(fmt.Sprintf("%d. **%s** (%s)\n", i+1, n.Name, n.Type))
		sb.WriteString(fmt.Sprintf("   File: %s:%d\n", n.FilePath, n.Line))
		sb.WriteString(fmt.Sprintf("   ID: `%s`\n\n", n.ID))
	}
	if shown < len(nodes) {
		sb.WriteString(fmt.Sprintf("(%d more, raise limit to see them)\n", len(nodes)-shown))
	}

	sb.WriteString("Next: Use `quiver_node` with an ID for the full picture.")

	return sb.String(), nil
}

// findCallables returns the FUNCTION and METHOD nodes with the given name.
func findCallables(ctx context.Context, store StorageBackend, name string) ([]*graph.Node, error) {
	fns, err := store.QueryNodes(ctx, storage.NodeFilter{Type: graph.NodeFunction, Name: name})
	if err != nil {
		return nil, err
	}
	methods, err := store.QueryNodes(ctx, storage.NodeFilter{Type: graph.NodeMethod, Name: name})
	if err != nil {
		return nil, err
	}
	all := append(fns, methods...)
	sortNodes(all)
	return all, nil
}

func sortNodes(nodes []*graph.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].FilePath != nodes[j].FilePath {
			return nodes[i].FilePath < nodes[j].FilePath
		}
		return nodes[i].Line < nodes[j].Line
	})
}

func handleRejections(ctx context.Context, store StorageBackend, function string) (string, error) {
	if function == "" {
		return "No function name provided", nil
	}

	fns, err := findCallables(ctx, store, function)
	if err != nil {
		return "", err
	}
	if len(fns) == 0 {
		return fmt.Sprintf("Function '%s' not found in the graph", function), nil
	}

	var sb strings.Builder
	for _, fn := range fns {
		sb.WriteString(fmt.Sprintf("## %s (%s:%d)\n\n", fn.Name, fn.FilePath, fn.Line))

		edges, err := store.GetOutgoingEdges(ctx, fn.ID, graph.EdgeRejects)
		if err != nil {
			return "", err
		}

		if len(edges) == 0 {
			sb.WriteString("No rejection edges.\n")
		}
		for _, e := range edges {
			name := e.Meta.ErrorClass
			if target, _ := store.GetNode(ctx, e.Target); target != nil {
				name = target.Name
			}
			sb.WriteString(fmt.Sprintf("- **%s** (%s)", name, e.Meta.RejectionType))
			if e.Meta.PropagatedFrom != "" {
				sb.WriteString(fmt.Sprintf(" via `%s`", e.Meta.PropagatedFrom))
			}
			sb.WriteString("\n")
		}

		if fn.ControlFlow != nil && len(fn.ControlFlow.RejectedBuiltinErrors) > 0 {
			sb.WriteString(fmt.Sprintf("\nBuilt-in errors: %s\n",
				strings.Join(fn.ControlFlow.RejectedBuiltinErrors, ", ")))
		}
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

func handleCallers(ctx context.Context, store StorageBackend, function string) (string, error) {
	if function == "" {
		return "No function name provided", nil
	}

	fns, err := findCallables(ctx, store, function)
	if err != nil {
		return "", err
	}
	if len(fns) == 0 {
		return fmt.Sprintf("Function '%s' not found in the graph", function), nil
	}

	var sb strings.Builder
	for _, fn := range fns {
		sb.WriteString(fmt.Sprintf("## Callers of %s (%s:%d)\n\n", fn.Name, fn.FilePath, fn.Line))

		incoming, err := store.GetIncomingEdges(ctx, fn.ID, graph.EdgeCalls)
		if err != nil {
			return "", err
		}
		if len(incoming) == 0 {
			sb.WriteString("None.\n\n")
			continue
		}

		seen := map[string]bool{}
		for _, call := range incoming {
			// The CALLS source is a CALL node; its container is the caller.
			owners, err := store.GetIncomingEdges(ctx, call.Source, graph.EdgeContains)
			if err != nil {
				return "", err
			}
			for _, owner := range owners {
				caller, _ := store.GetNode(ctx, owner.Source)
				if caller == nil || seen[caller.ID] {
					continue
				}
				seen[caller.ID] = true
				sb.WriteString(fmt.Sprintf("- **%s** (%s) at %s:%d\n", caller.Name, caller.Type, caller.FilePath, caller.Line))
			}
		}
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

func handleNode(ctx context.Context, store StorageBackend, id string) (string, error) {
	if id == "" {
		return "No node ID provided", nil
	}

	node, err := store.GetNode(ctx, id)
	if err != nil {
		return "", err
	}
	if node == nil {
		return fmt.Sprintf("Node `%s` not found", id), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s (%s)\n\n", node.Name, node.Type))
	sb.WriteString(fmt.Sprintf("File: %s:%d\n", node.FilePath, node.Line))
	if node.Async {
		sb.WriteString("Async: yes\n")
	}
	if node.ClassName != "" {
		sb.WriteString(fmt.Sprintf("Class: %s\n", node.ClassName))
	}
	if cf := node.ControlFlow; cf != nil {
		sb.WriteString(fmt.Sprintf("Cyclomatic complexity: %d\n", cf.CyclomaticComplexity))
		if cf.CanReject {
			sb.WriteString("Can reject: yes\n")
		}
		if cf.HasThrow {
			sb.WriteString("Has sync throw: yes\n")
		}
	}

	outgoing, err := store.GetOutgoingEdges(ctx, id)
	if err != nil {
		return "", err
	}
	if len(outgoing) > 0 {
		sb.WriteString(fmt.Sprintf("\n### Outgoing edges (%d)\n", len(outgoing)))
		for _, e := range outgoing {
			sb.WriteString(fmt.Sprintf("- %s → `%s`\n", e.Type, e.Target))
		}
	}

	incoming, err := store.GetIncomingEdges(ctx, id)
	if err != nil {
		return "", err
	}
	if len(incoming) > 0 {
		sb.WriteString(fmt.Sprintf("\n### Incoming edges (%d)\n", len(incoming)))
		for _, e := range incoming {
			sb.WriteString(fmt.Sprintf("- %s ← `%s`\n", e.Type, e.Source))
		}
	}

	return sb.String(), nil
}

func (s *Server) handleAnalyze(ctx context.Context, force bool) (string, error) {
	if s.coord == nil {
		return "Analysis is not available: the graph was opened read-only. Run `quiver analyze` from the CLI instead.", nil
	}

	var result *pipeline.Result
	var err error
	if force {
		result, err = s.coord.TryRun(ctx, s.root, nil)
	} else {
		result, err = s.coord.Run(ctx, s.root, nil)
	}
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("## Analysis complete\n\n")
	sb.WriteString(fmt.Sprintf("- Files: %d\n", result.Files))
	sb.WriteString(fmt.Sprintf("- Nodes: %d\n", result.Nodes))
	sb.WriteString(fmt.Sprintf("- Edges: %d\n", result.Edges))
	sb.WriteString(fmt.Sprintf("- Propagated rejections: %d\n", result.PropagatedEdges))
	if result.ParseFailures > 0 {
		sb.WriteString(fmt.Sprintf("- Parse failures: %d\n", result.ParseFailures))
	}
	if !result.Converged {
		sb.WriteString("- Warning: rejection propagation hit the iteration cap without converging\n")
	}
	return sb.String(), nil
}

func handleStats(ctx context.Context, store StorageBackend) (string, error) {
	nodeCounts, err := store.CountNodesByType(ctx)
	if err != nil {
		return "", err
	}
	edgeCounts, err := store.CountEdgesByType(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("## Graph Statistics\n\n### Nodes\n")
	nodeTotal := 0
	for _, t := range sortedNodeTypes(nodeCounts) {
		sb.WriteString(fmt.Sprintf("- %s: %d\n", t, nodeCounts[t]))
		nodeTotal += nodeCounts[t]
	}
	sb.WriteString(fmt.Sprintf("- total: %d\n", nodeTotal))

	sb.WriteString("\n### Edges\n")
	edgeTotal := 0
	for _, t := range sortedEdgeTypes(edgeCounts) {
		sb.WriteString(fmt.Sprintf("- %s: %d\n", t, edgeCounts[t]))
		edgeTotal += edgeCounts[t]
	}
	sb.WriteString(fmt.Sprintf("- total: %d\n", edgeTotal))

	return sb.String(), nil
}

func sortedNodeTypes(m map[graph.NodeType]int) []graph.NodeType {
	keys := make([]graph.NodeType, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedEdgeTypes(m map[graph.EdgeType]int) []graph.EdgeType {
	keys := make([]graph.EdgeType, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Resource Handlers

func getOverview(ctx context.Context, store StorageBackend) string {
	var sb strings.Builder
	sb.WriteString("# Quiver Property Graph Overview\n\n")

	nodeCounts, err := store.CountNodesByType(ctx)
	if err == nil {
		total := 0
		for _, c := range nodeCounts {
			total += c
		}
		sb.WriteString(fmt.Sprintf("**Nodes:** %d\n", total))
	}
	edgeCounts, err := store.CountEdgesByType(ctx)
	if err == nil {
		total := 0
		for _, c := range edgeCounts {
			total += c
		}
		sb.WriteString(fmt.Sprintf("**Edges:** %d\n", total))
	}

	sb.WriteString("\n## Node Types\n\n")
	sb.WriteString("- MODULE: One per analyzed file\n")
	sb.WriteString("- FUNCTION: Function declarations and expressions\n")
	sb.WriteString("- CLASS: Class declarations\n")
	sb.WriteString("- METHOD: Methods within classes\n")
	sb.WriteString("- CALL: Call sites\n")
	sb.WriteString("- VARIABLE: Variable declarations and catch bindings\n")
	sb.WriteString("- PARAMETER: Function parameters\n")
	sb.WriteString("- OBJECT_LITERAL / ARRAY_LITERAL: Literal values\n")

	return sb.String()
}

func getSchema() string {
	var sb strings.Builder
	sb.WriteString("# Quiver Property Graph Schema\n\n")
	sb.WriteString("## Node Types\n\n")
	sb.WriteString("| Type | Description | Key Properties |\n")
	sb.WriteString("|------|-------------|----------------|\n")
	sb.WriteString("| `MODULE` | Source file | file |\n")
	sb.WriteString("| `FUNCTION` | Function | name, async, controlFlow |\n")
	sb.WriteString("| `CLASS` | Class | name, superClass |\n")
	sb.WriteString("| `METHOD` | Method | name, className, async |\n")
	sb.WriteString("| `CALL` | Call site | name, awaited, inTry |\n")
	sb.WriteString("| `VARIABLE` | Variable | name |\n")
	sb.WriteString("| `PARAMETER` | Parameter | name, index |\n")
	sb.WriteString("\n## Edge Types\n\n")
	sb.WriteString("| Type | Source → Target | Metadata |\n")
	sb.WriteString("|------|-----------------|----------|\n")
	sb.WriteString("| `CONTAINS` | Container → Entity | - |\n")
	sb.WriteString("| `CALLS` | Call → Function/Class | - |\n")
	sb.WriteString("| `DERIVES_FROM` | Class → Class | - |\n")
	sb.WriteString("| `INSTANCE_OF` | Variable → Class | - |\n")
	sb.WriteString("| `RESOLVES_TO` | Variable → Variable | - |\n")
	sb.WriteString("| `REJECTS` | Function → Error class | rejectionType, propagatedFrom |\n")
	sb.WriteString("| `CATCHES_FROM` | Catch binding → Source | viaKind |\n")

	return sb.String()
}

// Helper functions

func errorResponse(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}

// registerTools registers tools with the MCP server.
func (s *Server) registerTools() {
	// Tools are handled via ListTools and CallTool
}

// registerResources registers resources with the MCP server.
func (s *Server) registerResources() {
	// Resources are handled via ListResources and ReadResource
}
