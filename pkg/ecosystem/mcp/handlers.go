package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ormasoftchile/optiflow/pkg/capability"
	"github.com/ormasoftchile/optiflow/pkg/runtime"
	"github.com/ormasoftchile/optiflow/pkg/schema"
	"github.com/ormasoftchile/optiflow/pkg/store"
)

// DefaultValidatorTool is the tool name used when a validator command is
// supplied without one.
const DefaultValidatorTool = "validate_manifest"

// HandleValidate implements the optiflow/validate MCP tool.
func HandleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	w, errs := schema.ValidateFile(path)
	if hasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}
	return textResult(fmt.Sprintf("✓ %s is valid (%d nodes)", w.Name, len(w.Flow))), nil
}

// HandleRun implements the optiflow/run MCP tool.
func HandleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	workflowPath, _ := args["workflow"].(string)
	storePath, _ := args["store"].(string)
	if workflowPath == "" || storePath == "" {
		return errorResult("workflow and store arguments are required"), nil
	}

	w, errs := schema.ValidateFile(workflowPath)
	if hasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}

	registry := capability.NewRegistry()
	if validatorCmd, _ := args["validator"].(string); validatorCmd != "" {
		tool, _ := args["validator_tool"].(string)
		if tool == "" {
			tool = DefaultValidatorTool
		}
		argv := strings.Fields(validatorCmd)
		v := capability.NewMCPCapability(argv[0], argv[1:], tool)
		defer v.Close()
		registry.Register("validator", v)
	}

	engine := runtime.NewEngine(w, registry, store.NewFile(storePath))
	if err := engine.Run(ctx); err != nil {
		var nerr *runtime.NodeError
		if errors.As(err, &nerr) {
			return errorResult(fmt.Sprintf("halted at node %q [%s]: %v", nerr.Node, nerr.Kind, nerr.Err)), nil
		}
		return errorResult(err.Error()), nil
	}

	summary, err := json.Marshal(engine.Summary)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(fmt.Sprintf("✓ workflow %q completed: %s", w.Name, summary)), nil
}

// HandleSchema implements the optiflow/schema MCP tool.
func HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := schema.GenerateJSONSchema()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

func hasErrors(errs []*schema.ValidationError) bool {
	for _, e := range errs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

func formatErrors(errs []*schema.ValidationError) string {
	var msgs []string
	for _, e := range errs {
		if e.Severity == "error" {
			msgs = append(msgs, fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message))
		}
	}
	return strings.Join(msgs, "; ")
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(msg),
		},
		IsError: true,
	}
}
