package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ormasoftchile/optiflow/pkg/capability"
	"github.com/ormasoftchile/optiflow/pkg/schema"
	"github.com/ormasoftchile/optiflow/pkg/store"
)

// newStoreFile seeds a store document in a temp dir and returns its handle.
func newStoreFile(t *testing.T, doc store.Document) *store.File {
	t.Helper()
	f := store.NewFile(filepath.Join(t.TempDir(), "store.json"))
	if err := f.Save(doc); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return f
}

// constCapability returns the same outputs on every invocation.
func constCapability(outputs map[string]any) capability.Capability {
	return capability.Func(func(ctx context.Context, snapshot store.Document, params map[string]any) (map[string]any, error) {
		return store.Clone(outputs).(map[string]any), nil
	})
}

// recordingCapability appends each invocation's marker to calls.
func recordingCapability(calls *[]string, marker string) capability.Capability {
	return capability.Func(func(ctx context.Context, snapshot store.Document, params map[string]any) (map[string]any, error) {
		*calls = append(*calls, marker)
		return map[string]any{"result": marker}, nil
	})
}

// TestRunSingleExecuteNode checks the basic dispatch path: inputs resolved,
// capability invoked, output persisted with a created_at annotation.
func TestRunSingleExecuteNode(t *testing.T) {
	w := &schema.Workflow{
		Name: "single",
		Flow: []schema.Node{
			{
				ID:      "score",
				Node:    "scorer",
				Inputs:  map[string]string{"manifest": "inputs.manifest"},
				Outputs: map[string]string{"result": "results.evaluation_1"},
			},
		},
	}

	var gotManifest any
	registry := capability.NewRegistry()
	registry.Register("scorer", capability.Func(func(ctx context.Context, snapshot store.Document, params map[string]any) (map[string]any, error) {
		gotManifest = params["manifest"]
		return map[string]any{"result": map[string]any{"score": 0.5, "feedback": "reduce replicas"}}, nil
	}))

	st := newStoreFile(t, store.Document{
		"inputs": map[string]any{"manifest": "apiVersion: v1"},
	})

	engine := NewEngine(w, registry, st)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Input store paths dereference to their values.
	if gotManifest != "apiVersion: v1" {
		t.Errorf("expected dereferenced manifest, got %v", gotManifest)
	}

	doc, err := st.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v, _ := store.Resolve(doc, "results.evaluation_1.score"); v != 0.5 {
		t.Errorf("expected persisted score, got %v", v)
	}
	if v, ok := store.Resolve(doc, "results.evaluation_1.created_at"); !ok || v == "" {
		t.Error("expected created_at annotation")
	}
	if engine.Summary.Executed != 1 {
		t.Errorf("expected 1 executed, got %+v", engine.Summary)
	}
}

// TestConditionalElseFallback checks that when no branch matches, control
// routes to the else target.
func TestConditionalElseFallback(t *testing.T) {
	w := &schema.Workflow{
		Name: "fallback",
		Vars: map[string]any{"score": 5},
		Flow: []schema.Node{
			{
				ID: "gate",
				Branches: []schema.Branch{
					{Value: "{{score}}", Condition: &schema.Condition{Op: ">=", CompareTo: "10"}, Goto: "unreached"},
				},
				Else: schema.EndTarget,
			},
			// Reached only if routing is wrong; the capability is not
			// registered, so dispatch would fail loudly.
			{ID: "unreached", Node: "missing"},
		},
	}

	st := newStoreFile(t, store.Document{})
	engine := NewEngine(w, capability.NewRegistry(), st)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if engine.Summary.Routed != 1 || engine.Summary.Executed != 0 {
		t.Errorf("expected else routing straight to END, got %+v", engine.Summary)
	}
}

// TestBranchOrderingFirstMatchWins checks branches evaluate strictly in list
// order: with B1 false and B2, B3 both true, B2's target wins.
func TestBranchOrderingFirstMatchWins(t *testing.T) {
	w := &schema.Workflow{
		Name: "ordering",
		Vars: map[string]any{"score": 7},
		Flow: []schema.Node{
			{
				ID: "route",
				Branches: []schema.Branch{
					{Value: "{{score}}", Condition: &schema.Condition{Op: ">=", CompareTo: "10"}, Goto: "pick_b1"},
					{Value: "{{score}}", Condition: &schema.Condition{Op: ">=", CompareTo: "5"}, Goto: "pick_b2"},
					{Value: "{{score}}", Condition: &schema.Condition{Op: ">=", CompareTo: "1"}, Goto: "pick_b3"},
				},
				Else: schema.EndTarget,
			},
			{ID: "pick_b1", Node: "unit", Outputs: map[string]string{"result": "results.b1"}},
			{ID: "pick_b3", Node: "unit", Outputs: map[string]string{"result": "results.b3"}},
			{ID: "pick_b2", Node: "unit", Outputs: map[string]string{"result": "results.b2"}},
		},
	}

	var calls []string
	registry := capability.NewRegistry()
	registry.Register("unit", recordingCapability(&calls, "hit"))

	st := newStoreFile(t, store.Document{})
	engine := NewEngine(w, registry, st)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Routing jumps to pick_b2 (last in the flow), so exactly one execute
	// runs before list exhaustion.
	if len(calls) != 1 {
		t.Fatalf("expected exactly one execution, got %d", len(calls))
	}
	doc, _ := st.Load()
	if _, ok := store.Resolve(doc, "results.b2"); !ok {
		t.Error("expected second branch's target to have run")
	}
	if _, ok := store.Resolve(doc, "results.b1"); ok {
		t.Error("first branch must not match")
	}
	if _, ok := store.Resolve(doc, "results.b3"); ok {
		t.Error("third branch must not preempt the second")
	}
}

// TestNodeFailureHaltsRun checks a capability failure stops the run with a
// classified NodeError and persists nothing for the failing node.
func TestNodeFailureHaltsRun(t *testing.T) {
	w := &schema.Workflow{
		Name: "halt",
		Flow: []schema.Node{
			{ID: "boom", Node: "flaky", Outputs: map[string]string{"result": "results.boom"}},
			{ID: "after", Node: "flaky", Outputs: map[string]string{"result": "results.after"}},
		},
	}

	registry := capability.NewRegistry()
	registry.Register("flaky", capability.Func(func(ctx context.Context, snapshot store.Document, params map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("model endpoint unavailable")
	}))

	st := newStoreFile(t, store.Document{})
	engine := NewEngine(w, registry, st)
	err := engine.Run(context.Background())

	var nerr *NodeError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NodeError, got %v", err)
	}
	if nerr.Node != "boom" || nerr.Kind != ErrKindCapability {
		t.Errorf("expected capability failure at boom, got %+v", nerr)
	}

	doc, _ := st.Load()
	if _, ok := store.Resolve(doc, "results.boom"); ok {
		t.Error("failing node must not persist outputs")
	}
	if _, ok := store.Resolve(doc, "results.after"); ok {
		t.Error("later nodes must not run after a failure")
	}
}

// TestMissingOutputKeysFail checks a payload that does not cover the node's
// declared value outputs is a capability failure.
func TestMissingOutputKeysFail(t *testing.T) {
	w := &schema.Workflow{
		Name: "coverage",
		Flow: []schema.Node{
			{
				ID:   "score",
				Node: "scorer",
				Outputs: map[string]string{
					"result":   "results.evaluation_1",
					"verdict":  "results.verdict",
					"plan_key": "inputs.plan",
				},
			},
		},
	}

	registry := capability.NewRegistry()
	registry.Register("scorer", constCapability(map[string]any{"result": map[string]any{"score": 0.5}}))

	st := newStoreFile(t, store.Document{})
	engine := NewEngine(w, registry, st)
	err := engine.Run(context.Background())

	var nerr *NodeError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NodeError, got %v", err)
	}
	if nerr.Kind != ErrKindCapability {
		t.Errorf("expected capability kind, got %q", nerr.Kind)
	}
}

// TestUnresolvedVariableClassification checks template failures carry the
// unresolved_variable kind.
func TestUnresolvedVariableClassification(t *testing.T) {
	w := &schema.Workflow{
		Name: "unresolved",
		Flow: []schema.Node{
			{
				ID:      "score",
				Node:    "scorer",
				Inputs:  map[string]string{"manifest": "{{no_such_var}}"},
				Outputs: map[string]string{"result": "results.r"},
			},
		},
	}

	registry := capability.NewRegistry()
	registry.Register("scorer", constCapability(map[string]any{"result": true}))

	st := newStoreFile(t, store.Document{})
	err := NewEngine(w, registry, st).Run(context.Background())

	var nerr *NodeError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NodeError, got %v", err)
	}
	if nerr.Kind != ErrKindUnresolvedVariable {
		t.Errorf("expected unresolved_variable kind, got %q", nerr.Kind)
	}
}

// TestVarsFlushedToStore checks the variable snapshot lands in the
// document's vars section after every node.
func TestVarsFlushedToStore(t *testing.T) {
	w := &schema.Workflow{
		Name: "flush",
		Vars: map[string]any{"iter": 0},
		Flow: []schema.Node{
			{
				ID:      "score",
				Node:    "scorer",
				Outputs: map[string]string{"result": "results.evaluation_{{++iter}}"},
			},
		},
	}

	registry := capability.NewRegistry()
	registry.Register("scorer", constCapability(map[string]any{"result": map[string]any{"score": 0.5}}))

	st := newStoreFile(t, store.Document{})
	engine := NewEngine(w, registry, st)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	doc, _ := st.Load()
	if v, _ := store.Resolve(doc, "vars.iter"); v != float64(1) {
		t.Errorf("expected persisted vars.iter = 1, got %v (%T)", v, v)
	}
	if _, ok := store.Resolve(doc, "results.evaluation_1"); !ok {
		t.Error("expected interpolated destination to use the incremented value")
	}
}

// TestVarsOutputDestination checks an output whose destination is a vars.
// path updates the mapping instead of creating a results entry.
func TestVarsOutputDestination(t *testing.T) {
	w := &schema.Workflow{
		Name: "varsdest",
		Vars: map[string]any{"best": 0},
		Flow: []schema.Node{
			{
				ID:      "score",
				Node:    "scorer",
				Outputs: map[string]string{"result": "vars.best"},
			},
		},
	}

	registry := capability.NewRegistry()
	registry.Register("scorer", constCapability(map[string]any{"result": 0.91}))

	st := newStoreFile(t, store.Document{})
	engine := NewEngine(w, registry, st)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if engine.Vars()["best"] != 0.91 {
		t.Errorf("expected vars.best updated, got %v", engine.Vars()["best"])
	}
	doc, _ := st.Load()
	if v, _ := store.Resolve(doc, "vars.best"); v != 0.91 {
		t.Errorf("expected persisted vars.best, got %v", v)
	}
}

// TestTraceFileRecordsNodeResults checks one JSONL event lands per node.
func TestTraceFileRecordsNodeResults(t *testing.T) {
	w := &schema.Workflow{
		Name: "traced",
		Flow: []schema.Node{
			{ID: "score", Node: "scorer", Outputs: map[string]string{"result": "results.r"}},
			{ID: "gate", Branches: []schema.Branch{{Goto: schema.EndTarget}}, Else: schema.EndTarget},
		},
	}

	registry := capability.NewRegistry()
	registry.Register("scorer", constCapability(map[string]any{"result": true}))

	st := newStoreFile(t, store.Document{})
	tracePath := filepath.Join(t.TempDir(), "run.jsonl")
	trace, err := NewTraceWriter(tracePath)
	if err != nil {
		t.Fatalf("trace writer: %v", err)
	}
	defer trace.Close()

	engine := NewEngine(w, registry, st)
	engine.Trace = trace
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	f, err := os.Open(tracePath)
	if err != nil {
		t.Fatalf("open trace: %v", err)
	}
	defer f.Close()

	var events []TraceEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev TraceEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("decode trace line: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].NodeID != "score" || events[0].Status != StatusCompleted {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if events[1].NodeID != "gate" || events[1].Status != StatusRouted || events[1].Next != schema.EndTarget {
		t.Errorf("unexpected second event %+v", events[1])
	}
}

// TestContextCancellationStopsRun checks a cancelled context halts before
// the next node.
func TestContextCancellationStopsRun(t *testing.T) {
	w := &schema.Workflow{
		Name: "cancelled",
		Flow: []schema.Node{
			{ID: "score", Node: "scorer", Outputs: map[string]string{"result": "results.r"}},
		},
	}
	registry := capability.NewRegistry()
	registry.Register("scorer", constCapability(map[string]any{"result": true}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := newStoreFile(t, store.Document{})
	if err := NewEngine(w, registry, st).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
