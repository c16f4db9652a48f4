// Package cmd provides CLI command implementations for Quiver.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/quiver-graph/quiver/internal/graph"
	"github.com/quiver-graph/quiver/internal/pipeline"
	"github.com/quiver-graph/quiver/internal/storage"
	"github.com/quiver-graph/quiver/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// AnalyzeCmd builds the property graph for a repository.
type AnalyzeCmd struct {
	Path string `arg:"" optional:"" default:"." help:"Path to repository"`
}

// Run executes the analyze command.
func (c *AnalyzeCmd) Run() error {
	ctx := context.Background()
	repoPath, err := filepath.Abs(c.Path)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	info, err := os.Stat(repoPath)
	if err != nil {
		return fmt.Errorf("accessing %s: %w", repoPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", repoPath)
	}

	color.Green("Analyzing %s", repoPath)

	store, quiverDir, err := openStorage(repoPath, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	progress := func(phase string, pct float64) {
		fmt.Printf("\r\033[K%s (%.0f%%)", phase, pct*100)
	}

	p := pipeline.New(store)
	coord := pipeline.NewCoordinator(p)
	result, err := coord.Run(ctx, repoPath, progress)
	if err != nil {
		return fmt.Errorf("running pipeline: %w", err)
	}

	fmt.Println() // Newline after progress

	if err := writeMeta(quiverDir, repoPath, result); err != nil {
		return err
	}

	color.Green("\n✓ Analysis complete")
	fmt.Printf("  Files:            %d\n", result.Files)
	fmt.Printf("  Nodes:            %d\n", result.Nodes)
	fmt.Printf("  Edges:            %d\n", result.Edges)
	fmt.Printf("  Propagated:       %d\n", result.PropagatedEdges)
	fmt.Printf("  Duration:         %.2fs\n", result.DurationSecs)

	if failures := p.Failures(); len(failures) > 0 {
		color.Yellow("\n%d file(s) could not be analyzed:", len(failures))
		for _, f := range failures {
			fmt.Printf("  %s: %v\n", f.RelPath, f.Err)
		}
	}
	if !result.Converged {
		color.Yellow("Rejection propagation hit the iteration cap without converging")
	}

	return nil
}

// QueryCmd lists graph nodes matching a filter.
type QueryCmd struct {
	Type  string `short:"t" help:"Node type (FUNCTION, CLASS, METHOD, CALL, ...)"`
	Name  string `short:"n" help:"Exact node name"`
	File  string `short:"f" help:"File path"`
	Limit int    `default:"50" help:"Maximum results"`
}

// Run executes the query command.
func (c *QueryCmd) Run() error {
	ctx := context.Background()
	store, err := loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	filter := storage.NodeFilter{
		Type:     graph.NodeType(c.Type),
		Name:     c.Name,
		FilePath: c.File,
	}
	nodes, err := store.QueryNodes(ctx, filter)
	if err != nil {
		return fmt.Errorf("querying nodes: %w", err)
	}

	if len(nodes) == 0 {
		fmt.Println("No matching nodes")
		return nil
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].FilePath != nodes[j].FilePath {
			return nodes[i].FilePath < nodes[j].FilePath
		}
		return nodes[i].Line < nodes[j].Line
	})

	shown := len(nodes)
	if c.Limit > 0 && shown > c.Limit {
		shown = c.Limit
	}
	for _, n := range nodes[:shown] {
		fmt.Printf("%-14s %s\n", n.Type, n.Name)
		fmt.Printf("               %s:%d\n", n.FilePath, n.Line)
	}
	if shown < len(nodes) {
		fmt.Printf("\n(%d more, raise --limit to see them)\n", len(nodes)-shown)
	}

	return nil
}

// RejectionsCmd reports what a function can reject with.
type RejectionsCmd struct {
	Function string `arg:"" help:"Function or method name"`
}

// Run executes the rejections command.
func (c *RejectionsCmd) Run() error {
	ctx := context.Background()
	store, err := loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	fns, err := findCallables(ctx, store, c.Function)
	if err != nil {
		return err
	}
	if len(fns) == 0 {
		fmt.Printf("Function '%s' not found in the graph.\n", c.Function)
		return nil
	}

	for _, fn := range fns {
		fmt.Printf("## %s (%s:%d)\n", fn.Name, fn.FilePath, fn.Line)

		edges, err := store.GetOutgoingEdges(ctx, fn.ID, graph.EdgeRejects)
		if err != nil {
			return err
		}

		if len(edges) == 0 {
			fmt.Println("No rejection edges")
		}
		for _, e := range edges {
			name := e.Meta.ErrorClass
			if target, _ := store.GetNode(ctx, e.Target); target != nil {
				name = target.Name
			}
			fmt.Printf("- %s (%s)", name, e.Meta.RejectionType)
			if e.Meta.PropagatedFrom != "" {
				fmt.Printf(" via %s", e.Meta.PropagatedFrom)
			}
			fmt.Println()
		}

		if fn.ControlFlow != nil && len(fn.ControlFlow.RejectedBuiltinErrors) > 0 {
			fmt.Printf("Built-in errors: %v\n", fn.ControlFlow.RejectedBuiltinErrors)
		}
		fmt.Println()
	}

	return nil
}

// CallersCmd lists the functions that call a given function.
type CallersCmd struct {
	Function string `arg:"" help:"Function or method name"`
}

// Run executes the callers command.
func (c *CallersCmd) Run() error {
	ctx := context.Background()
	store, err := loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	fns, err := findCallables(ctx, store, c.Function)
	if err != nil {
		return err
	}
	if len(fns) == 0 {
		fmt.Printf("Function '%s' not found in the graph.\n", c.Function)
		return nil
	}

	for _, fn := range fns {
		fmt.Printf("## Callers of %s (%s:%d)\n", fn.Name, fn.FilePath, fn.Line)

		incoming, err := store.GetIncomingEdges(ctx, fn.ID, graph.EdgeCalls)
		if err != nil {
			return err
		}
		if len(incoming) == 0 {
			fmt.Println("None")
			fmt.Println()
			continue
		}

		seen := map[string]bool{}
		for _, call := range incoming {
			// The CALLS source is a CALL node; its container is the caller.
			owners, err := store.GetIncomingEdges(ctx, call.Source, graph.EdgeContains)
			if err != nil {
				return err
			}
			for _, owner := range owners {
				caller, _ := store.GetNode(ctx, owner.Source)
				if caller == nil || seen[caller.ID] {
					continue
				}
				seen[caller.ID] = true
				fmt.Printf("- %s (%s) at %s:%d\n", caller.Name, caller.Type, caller.FilePath, caller.Line)
			}
		}
		fmt.Println()
	}

	return nil
}

// StatsCmd prints node and edge counts.
type StatsCmd struct{}

// Run executes the stats command.
func (c *StatsCmd) Run() error {
	ctx := context.Background()
	store, err := loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	nodeCounts, err := store.CountNodesByType(ctx)
	if err != nil {
		return fmt.Errorf("counting nodes: %w", err)
	}
	edgeCounts, err := store.CountEdgesByType(ctx)
	if err != nil {
		return fmt.Errorf("counting edges: %w", err)
	}

	fmt.Println("Nodes:")
	printCounts(nodeTypeNames(nodeCounts), func(k string) int {
		return nodeCounts[graph.NodeType(k)]
	})
	fmt.Println("\nEdges:")
	printCounts(edgeTypeNames(edgeCounts), func(k string) int {
		return edgeCounts[graph.EdgeType(k)]
	})

	return nil
}

func nodeTypeNames(m map[graph.NodeType]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}

func edgeTypeNames(m map[graph.EdgeType]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}

func printCounts(keys []string, count func(string) int) {
	total := 0
	for _, k := range keys {
		fmt.Printf("  %-16s %d\n", k, count(k))
		total += count(k)
	}
	fmt.Printf("  %-16s %d\n", "total", total)
}

// WatchCmd re-analyzes files as they change.
type WatchCmd struct {
	Path string `arg:"" optional:"" default:"." help:"Path to repository"`
}

// Run executes the watch command.
func (c *WatchCmd) Run() error {
	repoPath, err := filepath.Abs(c.Path)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	store, quiverDir, err := openStorage(repoPath, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-osSignalChannel()
		fmt.Println("\nShutting down...")
		cancel()
	}()

	p := pipeline.New(store)
	coord := pipeline.NewCoordinator(p)

	color.Green("Initial analysis of %s", repoPath)
	result, err := coord.Run(ctx, repoPath, nil)
	if err != nil {
		return fmt.Errorf("initial analysis: %w", err)
	}
	if err := writeMeta(quiverDir, repoPath, result); err != nil {
		return err
	}
	fmt.Printf("Graph ready: %d nodes, %d edges. Watching for changes...\n", result.Nodes, result.Edges)

	w := pipeline.NewWatcher(repoPath, coord)
	w.OnBatch = func(files int, res *pipeline.Result) {
		fmt.Printf("[%s] %d file(s) re-analyzed, +%d nodes, +%d edges\n",
			time.Now().Format("15:04:05"), files, res.Nodes, res.Edges)
	}

	err = w.Watch(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// MCPCmd starts the MCP server.
type MCPCmd struct{}

// Run executes the mcp command.
func (c *MCPCmd) Run() error {
	ctx := context.Background()
	store, err := loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	server := mcp.NewServer(store)

	// Note: No output to stderr - MCP server uses stdio for JSON-RPC only
	return server.Run(ctx, os.Stdin, os.Stdout)
}

// ServeCmd starts the MCP server with optional watch mode.
type ServeCmd struct {
	Watch bool `short:"w" help:"Enable file watching"`
}

// Run executes the serve command.
func (c *ServeCmd) Run() error {
	ctx := context.Background()

	repoPath, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	if !c.Watch {
		store, err := loadStorage()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		fmt.Fprintln(os.Stderr, "Starting MCP server...")
		return mcp.NewServer(store).Run(ctx, os.Stdin, os.Stdout)
	}

	// Watch mode needs a writable backend.
	store, _, err := openStorage(repoPath, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	fmt.Fprintln(os.Stderr, "Starting MCP server with watch mode...")

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	coord := pipeline.NewCoordinator(pipeline.New(store))
	go func() {
		err := pipeline.NewWatcher(repoPath, coord).Watch(watchCtx)
		if err != nil && err != context.Canceled {
			fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)
		}
	}()

	fmt.Fprintln(os.Stderr, "File watching enabled")
	server := mcp.NewServer(store)
	server.EnableAnalysis(coord, repoPath)
	return server.Run(ctx, os.Stdin, os.Stdout)
}

// StatusCmd shows graph status for the current repository.
type StatusCmd struct{}

// Run executes the status command.
func (c *StatusCmd) Run() error {
	repoPath, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	metaPath := filepath.Join(repoPath, ".quiver", "meta.json")
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no graph found at %s. Run 'quiver analyze' first", repoPath)
		}
		return fmt.Errorf("reading meta.json: %w", err)
	}

	var meta map[string]any
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("parsing meta.json: %w", err)
	}

	fmt.Printf("Graph status for %s\n", repoPath)
	if version, ok := meta["version"].(string); ok {
		fmt.Printf("  Version:        %s\n", version)
	}
	if analyzedAt, ok := meta["analyzed_at"].(string); ok {
		fmt.Printf("  Last analyzed:  %s\n", analyzedAt)
	}
	if stats, ok := meta["stats"].(map[string]any); ok {
		if files, ok := stats["files"].(float64); ok {
			fmt.Printf("  Files:          %.0f\n", files)
		}
		if nodes, ok := stats["nodes"].(float64); ok {
			fmt.Printf("  Nodes:          %.0f\n", nodes)
		}
		if edges, ok := stats["edges"].(float64); ok {
			fmt.Printf("  Edges:          %.0f\n", edges)
		}
	}

	return nil
}

// CleanCmd deletes the graph for the current repository.
type CleanCmd struct {
	Force bool `short:"f" help:"Skip confirmation"`
}

// Run executes the clean command.
func (c *CleanCmd) Run() error {
	repoPath, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	quiverDir := filepath.Join(repoPath, ".quiver")
	if _, err := os.Stat(quiverDir); os.IsNotExist(err) {
		return fmt.Errorf("no graph found at %s. Nothing to clean", repoPath)
	}

	if !c.Force {
		fmt.Printf("Delete graph at %s? [y/N] ", quiverDir)
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	if err := os.RemoveAll(quiverDir); err != nil {
		return fmt.Errorf("deleting graph: %w", err)
	}

	color.Green("Deleted %s", quiverDir)
	return nil
}

// Helper functions

// osSignalChannel returns a channel that receives OS signals for graceful shutdown.
func osSignalChannel() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// openStorage creates the .quiver directory if needed and opens the Badger
// backend there. Returns the backend and the .quiver directory path.
func openStorage(repoPath string, readOnly bool) (*storage.BadgerBackend, string, error) {
	quiverDir := filepath.Join(repoPath, ".quiver")
	if !readOnly {
		if err := os.MkdirAll(quiverDir, 0o755); err != nil {
			return nil, "", fmt.Errorf("creating .quiver directory: %w", err)
		}
	}

	store := storage.NewBadgerBackend()
	if err := store.Initialize(filepath.Join(quiverDir, "badger"), readOnly); err != nil {
		return nil, "", fmt.Errorf("initializing storage: %w", err)
	}
	return store, quiverDir, nil
}

func loadStorage() (*storage.BadgerBackend, error) {
	repoPath, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	dbPath := filepath.Join(repoPath, ".quiver", "badger")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no graph found at %s. Run 'quiver analyze' first", repoPath)
	}

	store := storage.NewBadgerBackend()
	if err := store.Initialize(dbPath, true); err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	return store, nil
}

func writeMeta(quiverDir, repoPath string, result *pipeline.Result) error {
	meta := map[string]any{
		"version":     Version,
		"name":        filepath.Base(repoPath),
		"path":        repoPath,
		"stats":       result,
		"analyzed_at": time.Now().UTC().Format(time.RFC3339),
	}

	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	if err := os.WriteFile(filepath.Join(quiverDir, "meta.json"), metaJSON, 0o644); err != nil {
		return fmt.Errorf("writing meta.json: %w", err)
	}
	return nil
}

// findCallables returns the FUNCTION and METHOD nodes with the given name.
func findCallables(ctx context.Context, store storage.Backend, name string) ([]*graph.Node, error) {
	fns, err := store.QueryNodes(ctx, storage.NodeFilter{Type: graph.NodeFunction, Name: name})
	if err != nil {
		return nil, err
	}
	methods, err := store.QueryNodes(ctx, storage.NodeFilter{Type: graph.NodeMethod, Name: name})
	if err != nil {
		return nil, err
	}
	all := append(fns, methods...)
	sort.Slice(all, func(i, j int) bool {
		if all[i].FilePath != all[j].FilePath {
			return all[i].FilePath < all[j].FilePath
		}
		return all[i].Line < all[j].Line
	})
	return all, nil
}

// CLI is the root Kong command structure.
type CLI struct {
	Version kong.VersionFlag `help:"Show version information"`
	Verbose bool             `short:"v" help:"Enable verbose output"`
	Quiet   bool             `short:"q" help:"Suppress non-essential output"`

	// Commands
	Analyze    AnalyzeCmd    `cmd:"" help:"Build the property graph for a repository"`
	Query      QueryCmd      `cmd:"" help:"List graph nodes matching a filter"`
	Rejections RejectionsCmd `cmd:"" help:"Show what a function can reject with"`
	Callers    CallersCmd    `cmd:"" help:"List functions that call a given function"`
	Stats      StatsCmd      `cmd:"" help:"Show node and edge counts"`
	Watch      WatchCmd      `cmd:"" help:"Watch mode with live re-analysis"`
	MCP        MCPCmd        `cmd:"" help:"Start MCP server (stdio transport)"`
	Serve      ServeCmd      `cmd:"" help:"Start MCP server with optional watch mode"`
	Status     StatusCmd     `cmd:"" help:"Show graph status for current repo"`
	Clean      CleanCmd      `cmd:"" help:"Delete graph for current repository"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	kongCtx := kong.Parse(c,
		kong.Name("quiver"),
		kong.Description("Rejection-aware property graph for JavaScript and TypeScript"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
	)

	return kongCtx.Run()
}
