// Package main provides the optiflow-mcp binary — MCP server for AI agents.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	omcp "github.com/ormasoftchile/optiflow/pkg/ecosystem/mcp"
)

var version = "dev"

func main() {
	s := omcp.NewServer(version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
