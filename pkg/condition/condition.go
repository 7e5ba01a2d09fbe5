// Package condition evaluates branch conditions: a declarative comparator
// (op + compare_to) or a scripted boolean expression run in a sandboxed
// scope exposing exactly three read-only bindings — value, vars and store.
package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/ormasoftchile/optiflow/pkg/schema"
	"github.com/ormasoftchile/optiflow/pkg/store"
	"github.com/ormasoftchile/optiflow/pkg/template"
)

// Error reports a malformed or failing condition.
type Error struct {
	Expr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("condition %q: %v", e.Expr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Evaluate decides whether a branch matches. The branch's value has already
// been template-resolved by the caller; compare_to is rendered here. A nil
// condition always matches.
func Evaluate(cond *schema.Condition, value any, vars template.Vars, doc store.Document) (bool, error) {
	if cond == nil {
		return true, nil
	}
	if cond.IsScripted() {
		return evalScripted(cond.Scripted(), value, vars, doc)
	}
	return evalComparator(cond, value, vars, doc)
}

func evalComparator(cond *schema.Condition, value any, vars template.Vars, doc store.Document) (bool, error) {
	rendered, err := template.RenderString(cond.CompareTo, vars, doc)
	if err != nil {
		return false, &Error{Expr: cond.CompareTo, Err: err}
	}
	left := ResolveOperand(value, vars, doc)
	right := ResolveOperand(rendered, vars, doc)
	return Compare(cond.Op, left, right)
}

// evalScripted compiles and runs the expression with copies of vars and the
// store, so no mutation can leak back. Placeholders inside the expression
// are expanded before compilation. Non-bool results are coerced by
// truthiness.
func evalScripted(exprStr string, value any, vars template.Vars, doc store.Document) (bool, error) {
	rendered := exprStr
	if strings.Contains(exprStr, "{{") {
		out, err := template.RenderString(exprStr, vars, doc)
		if err != nil {
			return false, &Error{Expr: exprStr, Err: err}
		}
		rendered = template.Stringify(out)
	}

	env := map[string]any{
		"value": CoerceNumeric(value),
		"vars":  coerceVars(vars),
		"store": store.Clone(doc),
	}

	program, err := expr.Compile(rendered, expr.Env(env))
	if err != nil {
		return false, &Error{Expr: rendered, Err: fmt.Errorf("compile: %w", err)}
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return false, &Error{Expr: rendered, Err: fmt.Errorf("eval: %w", err)}
	}
	return Truthy(output), nil
}

// ResolveOperand resolves a comparator operand: a string is tried first as a
// dotted path into vars, then as a store path, then as a literal; anything
// else passes through unchanged.
func ResolveOperand(value any, vars template.Vars, doc store.Document) any {
	s, ok := value.(string)
	if !ok {
		return value
	}

	if v, ok := resolveVarsPath(vars, s); ok {
		return v
	}
	if v, ok := store.Resolve(doc, s); ok {
		return v
	}
	if lit, ok := template.ParseLiteral(s); ok {
		return lit
	}
	return s
}

func resolveVarsPath(vars template.Vars, path string) (any, bool) {
	current := any(vars)
	for _, part := range store.SplitPath(path) {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Compare applies a comparator op, coercing both sides to the richer of the
// two types present: numeric when either side parses as a number, otherwise
// boolean or string comparison.
func Compare(op string, left, right any) (bool, error) {
	lf, lok := asNumber(left)
	rf, rok := asNumber(right)
	if lok && rok {
		return compareNumbers(op, lf, rf)
	}

	lb, lbok := left.(bool)
	rb, rbok := right.(bool)
	if lbok && rbok {
		switch op {
		case "==":
			return lb == rb, nil
		case "!=":
			return lb != rb, nil
		default:
			return false, nil
		}
	}

	ls := template.Stringify(left)
	rs := template.Stringify(right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	default:
		return false, &Error{Expr: op, Err: fmt.Errorf("unsupported comparator")}
	}
}

func compareNumbers(op string, left, right float64) (bool, error) {
	switch op {
	case "==":
		return left == right, nil
	case "!=":
		return left != right, nil
	case ">":
		return left > right, nil
	case ">=":
		return left >= right, nil
	case "<":
		return left < right, nil
	case "<=":
		return left <= right, nil
	default:
		return false, &Error{Expr: op, Err: fmt.Errorf("unsupported comparator")}
	}
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// CoerceNumeric parses numeric-looking strings so score comparisons behave
// the same whether a value arrived typed or as interpolated text.
func CoerceNumeric(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	switch strings.ToLower(s) {
	case "true", "false", "none", "null":
		return s
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}

func coerceVars(vars template.Vars) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = CoerceNumeric(store.Clone(v))
	}
	return out
}

// Truthy coerces a scripted-expression result to bool: nil, false, zero,
// empty string and empty collections are false.
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
