// Quiver - Rejection-aware property graph for JavaScript and TypeScript.
//
// Quiver analyzes JS/TS codebases into a typed property graph, tracking
// which error classes each function can reject with and how rejections
// propagate through await chains.
package main

import (
	"fmt"
	"os"

	"github.com/quiver-graph/quiver/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
