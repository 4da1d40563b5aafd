// Package main provides the knowledge-core CLI, an embedded-mode
// client that drives the engine directly without a running server.
package main

import (
	"fmt"
	"os"

	"github.com/noetic-labs/knowledge-core/cmd/knowledge-core-cli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
