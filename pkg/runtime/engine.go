package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ormasoftchile/optiflow/pkg/capability"
	"github.com/ormasoftchile/optiflow/pkg/condition"
	"github.com/ormasoftchile/optiflow/pkg/schema"
	"github.com/ormasoftchile/optiflow/pkg/store"
	"github.com/ormasoftchile/optiflow/pkg/template"
)

// Engine executes one workflow against one store document. It keeps only
// the current node position and the variable mapping in memory; everything
// else lives in the store, so a fresh process resumes from the persisted
// state alone.
type Engine struct {
	Workflow *schema.Workflow
	Registry *capability.Registry
	Store    *store.File
	Trace    *TraceWriter // nil = no trace
	Summary  NodesSummary

	vars  template.Vars
	index map[string]int
}

var timeNow = time.Now

// NewEngine creates an engine for one run. The workflow must already have
// passed validation.
func NewEngine(w *schema.Workflow, registry *capability.Registry, st *store.File) *Engine {
	return &Engine{
		Workflow: w,
		Registry: registry,
		Store:    st,
		index:    w.NodeIndex(),
	}
}

// Vars exposes the current variable mapping, mainly for tests and the MCP
// surface.
func (e *Engine) Vars() template.Vars { return e.vars }

// Run walks the flow until END or list exhaustion. The store is reloaded
// from durable storage before every node and flushed after it, so a crash
// leaves the document in the last fully written state and a rerun resumes
// via the skip-if-output-present checks.
func (e *Engine) Run(ctx context.Context) error {
	doc, err := e.Store.Load()
	if err != nil {
		return err
	}
	e.seedVars(doc)

	current := 0
	for current >= 0 && current < len(e.Workflow.Flow) {
		if err := ctx.Err(); err != nil {
			return err
		}
		node := &e.Workflow.Flow[current]

		// Reload to pick up out-of-band edits; vars stay authoritative in
		// memory for the duration of the run.
		doc, err = e.Store.Load()
		if err != nil {
			return err
		}

		fmt.Printf("\n▶ Node %d/%d: %s [%s]\n", current+1, len(e.Workflow.Flow), node.ID, node.Kind())

		var result *NodeResult
		switch node.Kind() {
		case schema.KindExecute:
			result, err = e.executeNode(ctx, node, doc)
		case schema.KindConditional:
			result, err = e.evalConditional(node, doc)
		default:
			err = fmt.Errorf("node %q has no determinable variant", node.ID)
		}
		if err != nil {
			nerr := nodeError(node.ID, err)
			e.traceEvent(node, StatusFailed, "", nerr.Error())
			fmt.Printf("  ✗ Node %q failed [%s]: %v\n", node.ID, nerr.Kind, err)
			return nerr
		}

		// Flush: merge the vars snapshot and persist atomically. Conditional
		// nodes never write results, but branch templates may have
		// incremented vars.
		doc["vars"] = store.Clone(map[string]any(e.vars))
		if err := e.Store.Save(doc); err != nil {
			return nodeError(node.ID, err)
		}

		e.Summary.Total++
		next := current + 1
		switch result.Status {
		case StatusSkipped:
			e.Summary.Skipped++
			fmt.Printf("  ⊘ Node %q skipped (output already present)\n", node.ID)
		case StatusCompleted:
			e.Summary.Executed++
			fmt.Printf("  ✓ Node %q completed\n", node.ID)
		case StatusRouted:
			e.Summary.Routed++
			if result.Next == schema.EndTarget {
				fmt.Printf("  → %s\n", schema.EndTarget)
				e.traceEvent(node, StatusRouted, result.Next, "")
				fmt.Printf("\n✓ Workflow %q completed (%d nodes)\n", e.Workflow.Name, e.Summary.Total)
				return nil
			}
			fmt.Printf("  → goto %q\n", result.Next)
			idx, ok := e.index[result.Next]
			if !ok {
				// Load-time validation rules this out; guard anyway.
				return nodeError(node.ID, fmt.Errorf("routed to unknown target %q", result.Next))
			}
			next = idx
		}
		e.traceEvent(node, result.Status, result.Next, "")
		current = next
	}

	fmt.Printf("\n✓ Workflow %q completed (%d nodes)\n", e.Workflow.Name, e.Summary.Total)
	return nil
}

// seedVars builds the run's variable mapping: the definition's initial vars
// overlaid with the store's persisted snapshot, so a rerun picks up exactly
// where the last flushed node left off.
func (e *Engine) seedVars(doc store.Document) {
	e.vars = make(template.Vars, len(e.Workflow.Vars))
	for k, v := range e.Workflow.Vars {
		e.vars[k] = store.Clone(v)
	}
	if persisted, ok := doc["vars"].(map[string]any); ok {
		for k, v := range persisted {
			e.vars[k] = store.Clone(v)
		}
	}
}

// evalConditional evaluates branches strictly in list order and returns the
// first matching target, falling back to the node's else. Conditionals
// never write to the store.
func (e *Engine) evalConditional(node *schema.Node, doc store.Document) (*NodeResult, error) {
	for i := range node.Branches {
		branch := &node.Branches[i]

		var value any
		if branch.Value != "" {
			rendered, err := template.RenderString(branch.Value, e.vars, doc)
			if err != nil {
				return nil, err
			}
			value = condition.ResolveOperand(rendered, e.vars, doc)
		}

		matched, err := condition.Evaluate(branch.Condition, value, e.vars, doc)
		if err != nil {
			return nil, err
		}
		if matched {
			return &NodeResult{Status: StatusRouted, Next: branch.Goto}, nil
		}
	}
	return &NodeResult{Status: StatusRouted, Next: node.Else}, nil
}

func (e *Engine) traceEvent(node *schema.Node, status, next, errMsg string) {
	if e.Trace == nil {
		return
	}
	event := &TraceEvent{
		Type:      "node_result",
		Timestamp: timeNow(),
		Workflow:  e.Workflow.Name,
		NodeID:    node.ID,
		Kind:      node.Kind(),
		Status:    status,
		Next:      next,
		Error:     errMsg,
	}
	if err := e.Trace.Write(event); err != nil {
		fmt.Printf("  warning: write trace for node %q: %v\n", node.ID, err)
	}
}
