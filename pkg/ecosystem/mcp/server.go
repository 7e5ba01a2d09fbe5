// Package mcp exposes optiflow to AI agents as an MCP server.
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates a new MCP server with optiflow tools registered.
func NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(
		"optiflow",
		version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcp.NewTool("optiflow/validate",
			mcp.WithDescription("Validate an optiflow workflow definition file"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the workflow JSON or YAML file")),
		),
		HandleValidate,
	)

	s.AddTool(
		mcp.NewTool("optiflow/run",
			mcp.WithDescription("Run a workflow against a store document"),
			mcp.WithString("workflow", mcp.Required(), mcp.Description("Path to the workflow definition file")),
			mcp.WithString("store", mcp.Required(), mcp.Description("Path to the store JSON document")),
			mcp.WithString("validator", mcp.Description("Command spawning the validator MCP server (optional)")),
			mcp.WithString("validator_tool", mcp.Description("Validator tool name (default: validate_manifest)")),
		),
		HandleRun,
	)

	s.AddTool(
		mcp.NewTool("optiflow/schema",
			mcp.WithDescription("Export the workflow definition JSON Schema"),
		),
		HandleSchema,
	)

	return s
}
