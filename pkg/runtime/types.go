// Package runtime drives workflow execution: it resolves node definitions
// against the variable mapping and the store document, dispatches work
// units, persists results with provenance, and decides the next node. The
// engine holds no state a fresh process could not reconstruct from the
// store.
package runtime

import "time"

// Node statuses recorded per pass.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusRouted    = "routed"
	StatusFailed    = "failed"
)

// NodeResult summarizes one node dispatch.
type NodeResult struct {
	Status  string   // completed, skipped, routed
	Outputs []string // logical output names written (execute nodes)
	Next    string   // routing target (conditional nodes)
}

// NodesSummary counts node results for the end-of-run report.
type NodesSummary struct {
	Total    int `json:"total"`
	Executed int `json:"executed"`
	Skipped  int `json:"skipped"`
	Routed   int `json:"routed"`
}

// TraceEvent wraps a node result for JSONL trace output with extra
// metadata.
type TraceEvent struct {
	Type      string    `json:"type"` // node_result
	Timestamp time.Time `json:"timestamp"`
	Workflow  string    `json:"workflow"`
	NodeID    string    `json:"node_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Next      string    `json:"next,omitempty"`
	Error     string    `json:"error,omitempty"`
}
