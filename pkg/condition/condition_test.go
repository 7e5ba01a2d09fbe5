package condition

import (
	"errors"
	"testing"

	"github.com/ormasoftchile/optiflow/pkg/schema"
	"github.com/ormasoftchile/optiflow/pkg/store"
	"github.com/ormasoftchile/optiflow/pkg/template"
)

// TestNilConditionAlwaysMatches checks a branch without a condition matches
// unconditionally.
func TestNilConditionAlwaysMatches(t *testing.T) {
	matched, err := Evaluate(nil, nil, template.Vars{}, store.Document{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !matched {
		t.Error("expected nil condition to match")
	}
}

// TestComparatorNumericCoercion verifies both sides coerce to numbers when
// either side parses, so "0.85" >= 0.8 holds.
func TestComparatorNumericCoercion(t *testing.T) {
	cond := &schema.Condition{Op: ">=", CompareTo: "0.8"}
	matched, err := Evaluate(cond, "0.85", template.Vars{}, store.Document{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !matched {
		t.Error("expected 0.85 >= 0.8")
	}

	cond = &schema.Condition{Op: "<", CompareTo: "0.8"}
	matched, _ = Evaluate(cond, 0.85, template.Vars{}, store.Document{})
	if matched {
		t.Error("expected 0.85 < 0.8 to be false")
	}
}

// TestComparatorCompareToTemplate checks compare_to renders placeholders
// before comparison.
func TestComparatorCompareToTemplate(t *testing.T) {
	vars := template.Vars{"max_iters": 3}
	cond := &schema.Condition{Op: ">=", CompareTo: "{{max_iters}}"}
	matched, err := Evaluate(cond, 3, vars, store.Document{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !matched {
		t.Error("expected 3 >= max_iters(3)")
	}
}

// TestResolveOperandPrecedence checks the vars-then-store-then-literal order.
func TestResolveOperandPrecedence(t *testing.T) {
	vars := template.Vars{"score": 0.4}
	doc := store.Document{
		"score":  0.9,
		"limits": map[string]any{"cpu": "500m"},
	}

	// vars wins over store for the same name.
	if got := ResolveOperand("score", vars, doc); got != 0.4 {
		t.Errorf("expected vars value 0.4, got %v", got)
	}
	// store path when vars has no entry.
	if got := ResolveOperand("limits.cpu", vars, doc); got != "500m" {
		t.Errorf("expected store value, got %v", got)
	}
	// literal when neither resolves.
	if got := ResolveOperand("0.7", vars, doc); got != 0.7 {
		t.Errorf("expected literal 0.7, got %v", got)
	}
	// plain string fallback.
	if got := ResolveOperand("no_such_path", vars, doc); got != "no_such_path" {
		t.Errorf("expected passthrough string, got %v", got)
	}
	// non-strings pass through untouched.
	if got := ResolveOperand(42, vars, doc); got != 42 {
		t.Errorf("expected 42, got %v", got)
	}
}

// TestScriptedExpressionBindings checks the sandbox exposes value, vars and
// store.
func TestScriptedExpressionBindings(t *testing.T) {
	cond := &schema.Condition{Expr: `value >= 0.9 && vars.iter < 3 && store.results.best > 0.5`}
	vars := template.Vars{"iter": 1}
	doc := store.Document{"results": map[string]any{"best": 0.8}}

	matched, err := Evaluate(cond, 0.95, vars, doc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !matched {
		t.Error("expected scripted condition to match")
	}
}

// TestScriptedExpressionPythonAlias checks definitions using the python key
// still evaluate.
func TestScriptedExpressionPythonAlias(t *testing.T) {
	cond := &schema.Condition{Python: `value == 1`}
	matched, err := Evaluate(cond, 1, template.Vars{}, store.Document{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !matched {
		t.Error("expected python-alias condition to match")
	}
}

// TestScriptedNumericStringCoercion verifies interpolated numeric text
// behaves like a number inside the expression.
func TestScriptedNumericStringCoercion(t *testing.T) {
	cond := &schema.Condition{Expr: `value >= 0.9`}
	matched, err := Evaluate(cond, "0.95", template.Vars{}, store.Document{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !matched {
		t.Error("expected string score to coerce numeric")
	}
}

// TestScriptedTruthinessCoercion checks non-bool results coerce rather than
// fail.
func TestScriptedTruthinessCoercion(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{`"non-empty"`, true},
		{`""`, false},
		{`0`, false},
		{`7`, true},
		{`nil`, false},
	}
	for _, tc := range cases {
		cond := &schema.Condition{Expr: tc.expr}
		matched, err := Evaluate(cond, nil, template.Vars{}, store.Document{})
		if err != nil {
			t.Errorf("%s: %v", tc.expr, err)
			continue
		}
		if matched != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.expr, tc.want, matched)
		}
	}
}

// TestScriptedTemplateExpansion checks {{...}} placeholders expand before
// compilation.
func TestScriptedTemplateExpansion(t *testing.T) {
	cond := &schema.Condition{Expr: `{{threshold}} <= value`}
	vars := template.Vars{"threshold": 0.5}
	matched, err := Evaluate(cond, 0.6, vars, store.Document{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !matched {
		t.Error("expected expanded threshold comparison to match")
	}
}

// TestScriptedCompileFailure checks malformed expressions surface as a typed
// condition error.
func TestScriptedCompileFailure(t *testing.T) {
	cond := &schema.Condition{Expr: `value >=`}
	_, err := Evaluate(cond, 1, template.Vars{}, store.Document{})
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected condition Error, got %v", err)
	}
}

// TestScriptedCannotMutateState verifies expressions see copies: the live
// vars and document stay untouched.
func TestScriptedCannotMutateState(t *testing.T) {
	vars := template.Vars{"iter": 1}
	doc := store.Document{"flag": true}
	cond := &schema.Condition{Expr: `vars.iter == 1 && store.flag`}
	if _, err := Evaluate(cond, nil, vars, doc); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if vars["iter"] != 1 || doc["flag"] != true {
		t.Error("expected original state untouched")
	}
}

// TestCompareStringEquality checks the string fallback for non-numeric
// operands.
func TestCompareStringEquality(t *testing.T) {
	matched, err := Compare("==", "passed", "passed")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !matched {
		t.Error("expected string equality")
	}

	matched, _ = Compare("!=", "passed", "failed")
	if !matched {
		t.Error("expected string inequality")
	}
}

// TestCompareBooleans checks bool comparison supports equality only.
func TestCompareBooleans(t *testing.T) {
	matched, err := Compare("==", true, true)
	if err != nil || !matched {
		t.Errorf("expected true == true, got %v (%v)", matched, err)
	}
	matched, _ = Compare(">", true, false)
	if matched {
		t.Error("expected ordering on bools to be false")
	}
}

// TestCompareUnsupportedOp checks unknown operators fail.
func TestCompareUnsupportedOp(t *testing.T) {
	if _, err := Compare("~=", 1, 2); err == nil {
		t.Fatal("expected error for unsupported comparator")
	}
}
