package runtime

import (
	"errors"
	"fmt"

	"github.com/ormasoftchile/optiflow/pkg/condition"
	"github.com/ormasoftchile/optiflow/pkg/store"
	"github.com/ormasoftchile/optiflow/pkg/template"
)

// Error taxonomy kinds reported alongside the failing node.
const (
	ErrKindUnresolvedVariable = "unresolved_variable"
	ErrKindPath               = "path"
	ErrKindCapability         = "capability"
	ErrKindCondition          = "condition"
	ErrKindInternal           = "internal"
)

// NodeError is the failure of a single node. The run halts, nothing is
// persisted for the failing node, and a rerun resumes at the same node.
type NodeError struct {
	Node string
	Kind string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q [%s]: %v", e.Node, e.Kind, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// CapabilityError reports that the external work unit failed or returned a
// payload missing required output keys.
type CapabilityError struct {
	Capability string
	Err        error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %q: %v", e.Capability, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// nodeError wraps err with the node id and its taxonomy kind.
func nodeError(nodeID string, err error) *NodeError {
	return &NodeError{Node: nodeID, Kind: classify(err), Err: err}
}

func classify(err error) string {
	var uv *template.UnresolvedVariableError
	if errors.As(err, &uv) {
		return ErrKindUnresolvedVariable
	}
	var pe *store.PathError
	if errors.As(err, &pe) {
		return ErrKindPath
	}
	var ce *condition.Error
	if errors.As(err, &ce) {
		return ErrKindCondition
	}
	var cape *CapabilityError
	if errors.As(err, &cape) {
		return ErrKindCapability
	}
	return ErrKindInternal
}
