package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ormasoftchile/optiflow/pkg/schema"
	"github.com/ormasoftchile/optiflow/pkg/store"
	"github.com/ormasoftchile/optiflow/pkg/template"
)

// varsPrefix marks an output destination (or output key) that updates the
// variable mapping instead of writing a result entry.
const varsPrefix = "vars."

// provenanceSuffix marks an output whose resolved template string is stored
// verbatim — a reference, not a value.
const provenanceSuffix = "_key"

// executeNode dispatches one execute node: skip probe, input resolution,
// capability invocation, output and provenance writes. Outputs are written
// into doc only after the returned payload is known to be complete, so a
// failing node never persists partial results.
func (e *Engine) executeNode(ctx context.Context, node *schema.Node, doc store.Document) (*NodeResult, error) {
	primary := primaryOutputKey(node.Outputs)

	if node.SkipIfOutputPresent && primary != "" {
		if e.outputPresent(node.Outputs[primary], doc) {
			e.syncOutputsOnSkip(node, doc)
			return &NodeResult{Status: StatusSkipped}, nil
		}
	}

	params, err := e.resolveInputs(node, doc)
	if err != nil {
		return nil, err
	}

	unit, err := e.Registry.Lookup(node.Node)
	if err != nil {
		return nil, &CapabilityError{Capability: node.Node, Err: err}
	}

	snapshot := store.Clone(doc).(map[string]any)
	snapshot["vars"] = store.Clone(map[string]any(e.vars))

	outputs, err := unit.Evaluate(ctx, snapshot, params)
	if err != nil {
		return nil, &CapabilityError{Capability: node.Node, Err: err}
	}
	if err := checkOutputsCovered(node, outputs); err != nil {
		return nil, &CapabilityError{Capability: node.Node, Err: err}
	}

	written, err := e.writeOutputs(node, primary, outputs, doc)
	if err != nil {
		return nil, err
	}
	return &NodeResult{Status: StatusCompleted, Outputs: written}, nil
}

// primaryOutputKey picks the skip-detection output: the entry named result
// by convention, otherwise the first value output in sorted order. JSON
// objects carry no declaration order, so the sort keeps reruns
// deterministic.
func primaryOutputKey(outputs map[string]string) string {
	if _, ok := outputs["result"]; ok {
		return "result"
	}
	for _, key := range sortedKeys(outputs) {
		if isValueOutput(key) {
			return key
		}
	}
	return ""
}

func isValueOutput(key string) bool {
	return !strings.HasSuffix(key, provenanceSuffix) && !strings.HasPrefix(key, varsPrefix)
}

// outputPresent probes the primary destination against a copy of vars so
// increments inside the path template do not fire twice.
func (e *Engine) outputPresent(destTemplate string, doc store.Document) bool {
	probeVars := store.Clone(map[string]any(e.vars)).(map[string]any)
	rendered, err := template.RenderString(destTemplate, probeVars, doc)
	if err != nil {
		return false
	}
	path, ok := rendered.(string)
	if !ok {
		return false
	}
	value, found := store.Resolve(doc, path)
	return found && value != nil
}

// syncOutputsOnSkip re-renders output templates against the live vars when
// a node is skipped, so counters advance exactly as they would have on
// execution and variable destinations stay current with the store.
func (e *Engine) syncOutputsOnSkip(node *schema.Node, doc store.Document) {
	for _, key := range sortedKeys(node.Outputs) {
		rendered, err := template.RenderString(node.Outputs[key], e.vars, doc)
		if err != nil {
			continue
		}
		if name, ok := strings.CutPrefix(key, varsPrefix); ok {
			e.vars[name] = rendered
			continue
		}
		if _, tracked := e.vars[key]; !tracked {
			continue
		}
		if path, ok := rendered.(string); ok {
			if value, found := store.Resolve(doc, path); found {
				e.vars[key] = value
				continue
			}
		}
		e.vars[key] = rendered
	}
}

// resolveInputs renders every input template and dereferences rendered
// strings that name a store path. Keys render in sorted order so increments
// inside input templates are deterministic.
func (e *Engine) resolveInputs(node *schema.Node, doc store.Document) (map[string]any, error) {
	params := make(map[string]any, len(node.Inputs))
	for _, key := range sortedKeys(node.Inputs) {
		rendered, err := template.RenderString(node.Inputs[key], e.vars, doc)
		if err != nil {
			return nil, err
		}
		params[key] = derefInput(rendered, doc)
	}
	return params, nil
}

func derefInput(value any, doc store.Document) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if resolved, found := store.Resolve(doc, s); found {
		return resolved
	}
	return s
}

// checkOutputsCovered verifies the capability returned every declared value
// output. Provenance and variable destinations are filled by the engine
// from the templates themselves.
func checkOutputsCovered(node *schema.Node, outputs map[string]any) error {
	var missing []string
	for _, key := range sortedKeys(node.Outputs) {
		if !isValueOutput(key) {
			continue
		}
		if _, ok := outputs[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("payload missing declared outputs: %s", strings.Join(missing, ", "))
	}
	return nil
}

// writeOutputs merges the capability payload into the document. The primary
// output renders first, then the remaining keys in sorted order, so any
// increments in destination templates fire in a fixed sequence.
func (e *Engine) writeOutputs(node *schema.Node, primary string, outputs map[string]any, doc store.Document) ([]string, error) {
	now := time.Now()

	primaryPath := ""
	if primary != "" {
		rendered, err := template.RenderString(node.Outputs[primary], e.vars, doc)
		if err != nil {
			return nil, err
		}
		path, ok := rendered.(string)
		if !ok {
			return nil, fmt.Errorf("primary output %q destination must resolve to a string, got %T", primary, rendered)
		}
		primaryPath = path
	}

	// Provenance entries resolve before the write so the primary object can
	// carry them as siblings.
	provenance := make(map[string]string)
	for _, key := range sortedKeys(node.Outputs) {
		if !strings.HasSuffix(key, provenanceSuffix) {
			continue
		}
		rendered, err := template.RenderString(node.Outputs[key], e.vars, doc)
		if err != nil {
			return nil, err
		}
		provenance[key] = template.Stringify(rendered)
	}

	var written []string
	if primary != "" {
		if err := e.writeOneOutput(primaryPath, outputs[primary], now, provenance, doc); err != nil {
			return nil, err
		}
		written = append(written, primary)
	}

	for _, key := range sortedKeys(node.Outputs) {
		if key == primary || strings.HasSuffix(key, provenanceSuffix) {
			continue
		}
		rendered, err := template.RenderString(node.Outputs[key], e.vars, doc)
		if err != nil {
			return nil, err
		}
		if name, ok := strings.CutPrefix(key, varsPrefix); ok {
			// The key itself names a variable; the rendered template is its
			// new value.
			e.vars[name] = rendered
			if err := store.Write(doc, key, rendered); err != nil {
				return nil, err
			}
			written = append(written, key)
			continue
		}
		path, ok := rendered.(string)
		if !ok {
			return nil, fmt.Errorf("output %q destination must resolve to a string, got %T", key, rendered)
		}
		if err := e.writeOneOutput(path, outputs[key], now, nil, doc); err != nil {
			return nil, err
		}
		written = append(written, key)
	}
	sort.Strings(written)
	return written, nil
}

// writeOneOutput routes a value to the store or, for vars. destinations, to
// the variable mapping (mirrored into the document's vars section at
// flush).
func (e *Engine) writeOneOutput(path string, value any, createdAt time.Time, provenance map[string]string, doc store.Document) error {
	if name, ok := strings.CutPrefix(path, varsPrefix); ok {
		e.vars[name] = store.Clone(value)
		return store.Write(doc, path, store.Clone(value))
	}
	return store.WriteResult(doc, path, value, createdAt, provenance)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
