package capability

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ormasoftchile/optiflow/pkg/store"
)

// MCPCapability reaches a work unit served as an MCP tool — typically the
// manifest validator, which shells out to third-party linters behind an MCP
// server. The server process is spawned on first use and spoken to over
// stdio with JSON-RPC 2.0.
//
// The store snapshot is not forwarded to the remote tool; everything the
// tool needs travels in the node's resolved inputs.
type MCPCapability struct {
	Command string
	Args    []string
	Tool    string

	mu   sync.Mutex
	proc *mcpProcess
}

// NewMCPCapability creates a capability backed by the named tool on an MCP
// server spawned from command+args.
func NewMCPCapability(command string, args []string, tool string) *MCPCapability {
	return &MCPCapability{Command: command, Args: args, Tool: tool}
}

// Evaluate spawns the server if needed, calls the tool with the resolved
// params, and decodes the first text content item as the JSON outputs
// mapping.
func (m *MCPCapability) Evaluate(ctx context.Context, snapshot store.Document, params map[string]any) (map[string]any, error) {
	proc, err := m.process(ctx)
	if err != nil {
		return nil, err
	}

	text, err := proc.callTool(ctx, m.Tool, params)
	if err != nil {
		return nil, fmt.Errorf("mcp tool %q: %w", m.Tool, err)
	}

	var outputs map[string]any
	if err := json.Unmarshal([]byte(text), &outputs); err != nil {
		// Tools that return bare text still satisfy the contract as a
		// single result value.
		return map[string]any{"result": text}, nil
	}
	return outputs, nil
}

// Close shuts the server process down.
func (m *MCPCapability) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil {
		return nil
	}
	err := m.proc.shutdown(3 * time.Second)
	m.proc = nil
	return err
}

func (m *MCPCapability) process(ctx context.Context) (*mcpProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc != nil && m.proc.alive() {
		return m.proc, nil
	}
	proc, err := spawnMCP(ctx, m.Command, m.Args)
	if err != nil {
		return nil, fmt.Errorf("spawn MCP server %q: %w", m.Command, err)
	}
	m.proc = proc
	return proc, nil
}

// ValidationReport is the structured result a validator capability returns:
// an overall pass/fail, whether the failure is attributable to the content
// under test (vs. environment or tooling issues), a short reason, and the
// individual findings.
type ValidationReport struct {
	Passed              bool      `json:"passed"`
	ContentAttributable bool      `json:"content_attributable"`
	Reason              string    `json:"reason"`
	Findings            []Finding `json:"findings,omitempty"`
}

// Finding is one validator observation.
type Finding struct {
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

// ParseValidationReport extracts a ValidationReport from a capability's
// outputs mapping. The report may sit at the top level or under result.
func ParseValidationReport(outputs map[string]any) (*ValidationReport, error) {
	payload := outputs
	if nested, ok := outputs["result"].(map[string]any); ok {
		payload = nested
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal validation payload: %w", err)
	}
	var report ValidationReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decode validation report: %w", err)
	}
	return &report, nil
}

// mcpProcess manages a persistent MCP server process.
// MCP uses JSON-RPC 2.0 over stdio with an initialization handshake.
type mcpProcess struct {
	cmd    *exec.Cmd
	stdin  *json.Encoder
	reader *bufio.Reader
	nextID int64
	mu     sync.Mutex
	done   chan struct{}
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

// mcpContent is an item in an MCP tools/call response content array.
type mcpContent struct {
	Type string `json:"type"` // "text" or "image"
	Text string `json:"text,omitempty"`
}

// mcpCallResult is the result of an MCP tools/call response.
type mcpCallResult struct {
	Content []mcpContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// spawnMCP starts an MCP server process and performs the initialization
// handshake.
func spawnMCP(ctx context.Context, binary string, argv []string) (*mcpProcess, error) {
	cmd := exec.Command(binary, argv...)
	cmd.Env = os.Environ()

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start MCP process %q: %w", binary, err)
	}

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	// Drain stderr in background
	go func() {
		scanner := bufio.NewScanner(stderrPipe)
		for scanner.Scan() {
			fmt.Fprintf(os.Stderr, "  [mcp:%s] %s\n", binary, scanner.Text())
		}
	}()

	p := &mcpProcess{
		cmd:    cmd,
		stdin:  json.NewEncoder(stdinPipe),
		reader: bufio.NewReader(stdout),
		done:   done,
	}

	initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
	defer initCancel()

	if err := p.sendInitialize(initCtx); err != nil {
		p.kill()
		return nil, fmt.Errorf("MCP initialize: %w", err)
	}
	p.sendNotification("notifications/initialized", nil)

	return p, nil
}

// sendInitialize sends the MCP initialize request and reads the response.
func (p *mcpProcess) sendInitialize(ctx context.Context) error {
	id := atomic.AddInt64(&p.nextID, 1)
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "optiflow",
				"version": "0.1.0",
			},
		},
	}

	if err := p.stdin.Encode(req); err != nil {
		return fmt.Errorf("send initialize: %w", err)
	}
	resp, err := p.readResponse(ctx)
	if err != nil {
		return fmt.Errorf("read initialize response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize error [%d]: %s", resp.Error.Code, resp.Error.Message)
	}
	return nil
}

// sendNotification sends a JSON-RPC notification (no id, no response
// expected).
func (p *mcpProcess) sendNotification(method string, params any) {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
	}
	if params != nil {
		msg["params"] = params
	}
	p.stdin.Encode(msg)
}

// callTool invokes an MCP tool by name and returns the joined text content.
func (p *mcpProcess) callTool(ctx context.Context, toolName string, args map[string]any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return "", fmt.Errorf("MCP process has exited")
	default:
	}

	id := atomic.AddInt64(&p.nextID, 1)
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	}

	if err := p.stdin.Encode(req); err != nil {
		return "", fmt.Errorf("send tools/call: %w", err)
	}
	resp, err := p.readResponse(ctx)
	if err != nil {
		return "", fmt.Errorf("read tools/call response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("tools/call error [%d]: %s", resp.Error.Code, resp.Error.Message)
	}

	var callResult mcpCallResult
	if err := json.Unmarshal(resp.Result, &callResult); err != nil {
		return string(resp.Result), nil
	}

	var texts []string
	for _, c := range callResult.Content {
		if c.Type == "text" {
			texts = append(texts, c.Text)
		}
	}
	if callResult.IsError {
		return "", fmt.Errorf("MCP tool error: %s", strings.Join(texts, "; "))
	}
	return strings.Join(texts, "\n"), nil
}

// readResponse reads a single JSON-RPC response, skipping notifications.
func (p *mcpProcess) readResponse(ctx context.Context) (*jsonrpcResponse, error) {
	type readResult struct {
		resp *jsonrpcResponse
		err  error
	}

	ch := make(chan readResult, 1)
	go func() {
		for {
			line, err := p.reader.ReadString('\n')
			if err != nil {
				ch <- readResult{err: fmt.Errorf("read: %w", err)}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			var peek struct {
				ID     *int64 `json:"id"`
				Method string `json:"method"`
			}
			if err := json.Unmarshal([]byte(line), &peek); err != nil {
				continue
			}
			// Skip server-initiated notifications.
			if peek.ID == nil && peek.Method != "" {
				continue
			}

			var resp jsonrpcResponse
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				ch <- readResult{err: fmt.Errorf("unmarshal response: %w", err)}
				return
			}
			ch <- readResult{resp: &resp}
			return
		}
	}()

	select {
	case result := <-ch:
		return result.resp, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, fmt.Errorf("MCP process exited while waiting for response")
	}
}

// shutdown interrupts the process and waits up to grace before killing it.
func (p *mcpProcess) shutdown(grace time.Duration) error {
	p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return p.kill()
	}
}

func (p *mcpProcess) kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

func (p *mcpProcess) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
