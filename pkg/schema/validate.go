package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError represents a single definition error with location
// context. Any validation error aborts a run before the first node.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g. "flow[2].else")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// comparatorOps are the supported comparator condition operators.
var comparatorOps = map[string]bool{
	">=": true, "<=": true, ">": true, "<": true, "==": true, "!=": true,
}

// ValidateFile performs the full 3-phase validation pipeline on a workflow
// definition file.
// Phase 1: Structural (strict decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*Workflow, []*ValidationError) {
	w, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return Validate(w)
}

// Validate runs the semantic and domain phases on an already-decoded
// workflow.
func Validate(w *Workflow) (*Workflow, []*ValidationError) {
	var allErrors []*ValidationError
	allErrors = append(allErrors, validateSemantic(w)...)
	allErrors = append(allErrors, ValidateDomain(w)...)
	if len(allErrors) > 0 {
		return w, allErrors
	}
	return w, nil
}

// validateSemantic validates the workflow against the generated JSON Schema.
func validateSemantic(w *Workflow) []*ValidationError {
	data, err := json.Marshal(w)
	if err != nil {
		return []*ValidationError{semanticErr("marshal for schema validation: %v", err)}
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return []*ValidationError{semanticErr("generate schema: %v", err)}
	}

	var schemaDoc interface{}
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return []*ValidationError{semanticErr("unmarshal schema: %v", err)}
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("workflow-v0.json", schemaDoc); err != nil {
		return []*ValidationError{semanticErr("add schema resource: %v", err)}
	}
	sch, err := c.Compile("workflow-v0.json")
	if err != nil {
		return []*ValidationError{semanticErr("compile schema: %v", err)}
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return []*ValidationError{semanticErr("unmarshal document: %v", err)}
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     strings.Join(cause.InstanceLocation, "/"),
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, semanticErr("%v", err))
		}
		return errs
	}
	return nil
}

func semanticErr(format string, args ...any) *ValidationError {
	return &ValidationError{
		Phase:    "semantic",
		Message:  fmt.Sprintf(format, args...),
		Severity: "error",
	}
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// ValidateDomain performs Phase 3 domain-level validation: unique node ids,
// resolvable goto/else targets, node-variant shape and condition shape.
func ValidateDomain(w *Workflow) []*ValidationError {
	var errs []*ValidationError

	if w.Name == "" {
		errs = append(errs, domainErr("name", "workflow requires a name"))
	}
	if len(w.Flow) == 0 {
		errs = append(errs, domainErr("flow", "workflow must contain at least one node"))
		return errs
	}

	ids := make(map[string]bool, len(w.Flow))
	for i, node := range w.Flow {
		loc := fmt.Sprintf("flow[%d]", i)
		if strings.TrimSpace(node.ID) == "" {
			errs = append(errs, domainErr(loc+".id", "node id must be a non-empty string"))
		} else if ids[node.ID] {
			errs = append(errs, domainErr(loc+".id", fmt.Sprintf("duplicate node id %q", node.ID)))
		}
		ids[node.ID] = true
	}

	for i, node := range w.Flow {
		loc := fmt.Sprintf("flow[%d]", i)
		switch node.Kind() {
		case KindExecute:
			errs = append(errs, validateExecuteNode(&node, loc)...)
		case KindConditional:
			errs = append(errs, validateConditionalNode(&node, loc, ids)...)
		default:
			errs = append(errs, domainErr(loc, fmt.Sprintf("node %q: cannot determine variant — set node (execute) or branches/else (conditional)", node.ID)))
		}
	}

	return errs
}

func validateExecuteNode(node *Node, loc string) []*ValidationError {
	var errs []*ValidationError
	if node.Node == "" {
		errs = append(errs, domainErr(loc+".node", fmt.Sprintf("execute node %q requires a capability reference", node.ID)))
	}
	if len(node.Branches) > 0 || node.Else != "" {
		errs = append(errs, domainErr(loc, fmt.Sprintf("execute node %q must not define branches or else", node.ID)))
	}
	if node.SkipIfOutputPresent && len(node.Outputs) == 0 {
		errs = append(errs, domainErr(loc+".outputs", fmt.Sprintf("execute node %q sets skipIfOutputPresent but declares no outputs", node.ID)))
	}
	return errs
}

func validateConditionalNode(node *Node, loc string, ids map[string]bool) []*ValidationError {
	var errs []*ValidationError
	if node.Node != "" || len(node.Inputs) > 0 || len(node.Outputs) > 0 {
		errs = append(errs, domainErr(loc, fmt.Sprintf("conditional node %q must not define execute fields", node.ID)))
	}
	if len(node.Branches) == 0 {
		errs = append(errs, domainErr(loc+".branches", fmt.Sprintf("conditional node %q requires at least one branch", node.ID)))
	}
	if node.Else == "" {
		errs = append(errs, domainErr(loc+".else", fmt.Sprintf("conditional node %q requires an else target", node.ID)))
	} else if node.Else != EndTarget && !ids[node.Else] {
		errs = append(errs, domainErr(loc+".else", fmt.Sprintf("else target %q is not a node id or %q", node.Else, EndTarget)))
	}

	for j, branch := range node.Branches {
		bloc := fmt.Sprintf("%s.branches[%d]", loc, j)
		if branch.Goto == "" {
			errs = append(errs, domainErr(bloc+".goto", "branch requires a goto target"))
		} else if branch.Goto != EndTarget && !ids[branch.Goto] {
			errs = append(errs, domainErr(bloc+".goto", fmt.Sprintf("goto target %q is not a node id or %q", branch.Goto, EndTarget)))
		}
		errs = append(errs, validateCondition(branch.Condition, branch.Value, bloc)...)
	}
	return errs
}

func validateCondition(cond *Condition, value, loc string) []*ValidationError {
	if cond == nil {
		// A branch without a condition always matches.
		return nil
	}

	var errs []*ValidationError
	hasComparator := cond.Op != "" || cond.CompareTo != ""

	if cond.Expr != "" && cond.Python != "" {
		errs = append(errs, domainErr(loc+".condition", "condition must not set both expr and python"))
	}
	if cond.IsScripted() && hasComparator {
		errs = append(errs, domainErr(loc+".condition", "condition cannot mix a scripted expression with comparator fields"))
	}
	if cond.IsScripted() {
		if strings.TrimSpace(cond.Scripted()) == "" {
			errs = append(errs, domainErr(loc+".condition", "scripted condition must not be blank"))
		}
		return errs
	}

	if !hasComparator {
		errs = append(errs, domainErr(loc+".condition", "condition must define either a scripted expression or an op/compare_to pair"))
		return errs
	}
	if cond.Op == "" || cond.CompareTo == "" {
		errs = append(errs, domainErr(loc+".condition", "comparator conditions require both op and compare_to"))
	}
	if cond.Op != "" && !comparatorOps[cond.Op] {
		errs = append(errs, domainErr(loc+".condition.op", fmt.Sprintf("unsupported comparator %q", cond.Op)))
	}
	if value == "" {
		errs = append(errs, domainErr(loc+".value", "comparator-based branches must provide a value"))
	}
	return errs
}

func domainErr(path, msg string) *ValidationError {
	return &ValidationError{
		Phase:    "domain",
		Path:     path,
		Message:  msg,
		Severity: "error",
	}
}
