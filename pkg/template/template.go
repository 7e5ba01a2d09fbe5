// Package template expands {{...}} placeholders against the workflow
// variable mapping and the store document.
//
// The grammar is deliberately small: plain substitution ({{name}}), pre and
// post increment ({{++name}}, {{name++}}), explicit vars./store. path
// references, and bare literals (true, false, none, numbers). Placeholders
// resolve left to right in a single pass, so an increment is visible to
// every later placeholder in the same string. Templates that consist of
// exactly one placeholder keep the value's type; anything embedded in a
// longer string is stringified for concatenation.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ormasoftchile/optiflow/pkg/store"
)

// placeholderRe matches a single {{...}} expression.
var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// UnresolvedVariableError reports a placeholder referencing a variable with
// no entry in the mapping.
type UnresolvedVariableError struct {
	Name string
}

func (e *UnresolvedVariableError) Error() string {
	return fmt.Sprintf("unresolved variable %q", e.Name)
}

// Vars is the mutable variable mapping threaded through a run. Increments
// mutate it in place; the engine persists it into the store's vars section
// after every node.
type Vars = map[string]any

// RenderValue expands placeholders in a value, recursing into maps and
// lists. Non-string scalars pass through untouched.
func RenderValue(value any, vars Vars, doc store.Document) (any, error) {
	switch v := value.(type) {
	case string:
		return RenderString(v, vars, doc)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := RenderValue(item, vars, doc)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			rendered, err := RenderValue(item, vars, doc)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// RenderString expands placeholders inside a single template string. When
// the whole template is one placeholder the resolved value is returned
// typed; otherwise all resolved values are stringified and concatenated
// with the surrounding text.
func RenderString(tmpl string, vars Vars, doc store.Document) (any, error) {
	matches := placeholderRe.FindAllStringSubmatchIndex(tmpl, -1)
	if len(matches) == 0 {
		return tmpl, nil
	}

	var sb strings.Builder
	cursor := 0
	var last any
	for _, m := range matches {
		sb.WriteString(tmpl[cursor:m[0]])
		expr := strings.TrimSpace(tmpl[m[2]:m[3]])
		value, err := evalPlaceholder(expr, vars, doc)
		if err != nil {
			return nil, err
		}
		sb.WriteString(Stringify(value))
		last = value
		cursor = m[1]
	}
	sb.WriteString(tmpl[cursor:])

	if len(matches) == 1 {
		prefix := strings.TrimSpace(tmpl[:matches[0][0]])
		suffix := strings.TrimSpace(tmpl[matches[0][1]:])
		if prefix == "" && suffix == "" {
			return last, nil
		}
	}
	return sb.String(), nil
}

func evalPlaceholder(expr string, vars Vars, doc store.Document) (any, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty placeholder expression")
	}

	if name, ok := strings.CutPrefix(expr, "++"); ok {
		return increment(vars, strings.TrimSpace(name), false)
	}
	if name, ok := strings.CutSuffix(expr, "++"); ok {
		return increment(vars, strings.TrimSpace(name), true)
	}

	if path, ok := strings.CutPrefix(expr, "vars."); ok {
		return resolveVarPath(vars, path)
	}
	if path, ok := strings.CutPrefix(expr, "store."); ok {
		value, found := store.Resolve(doc, path)
		if !found {
			return nil, &UnresolvedVariableError{Name: expr}
		}
		return value, nil
	}

	if value, ok := vars[expr]; ok {
		return value, nil
	}

	if literal, ok := ParseLiteral(expr); ok {
		return literal, nil
	}

	return nil, &UnresolvedVariableError{Name: expr}
}

// increment bumps a numeric variable by one. Pre-increment returns the new
// value, post-increment the old one; both forms mutate the mapping
// immediately so later placeholders in the same node see the update.
func increment(vars Vars, name string, post bool) (any, error) {
	container, key, err := varContainer(vars, name)
	if err != nil {
		return nil, err
	}
	current, ok := container[key]
	if !ok {
		return nil, &UnresolvedVariableError{Name: name}
	}

	switch n := current.(type) {
	case int:
		container[key] = n + 1
		if post {
			return n, nil
		}
		return n + 1, nil
	case float64:
		container[key] = n + 1
		if post {
			return n, nil
		}
		return n + 1, nil
	default:
		return nil, fmt.Errorf("variable %q must be numeric to increment, got %T", name, current)
	}
}

func resolveVarPath(vars Vars, path string) (any, error) {
	current := any(vars)
	for _, part := range store.SplitPath(path) {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, &UnresolvedVariableError{Name: "vars." + path}
		}
		current, ok = m[part]
		if !ok {
			return nil, &UnresolvedVariableError{Name: "vars." + path}
		}
	}
	return current, nil
}

func varContainer(vars Vars, name string) (map[string]any, string, error) {
	parts := store.SplitPath(name)
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("invalid variable name for increment")
	}
	current := any(vars)
	for _, part := range parts[:len(parts)-1] {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, "", &UnresolvedVariableError{Name: name}
		}
		current, ok = m[part]
		if !ok {
			return nil, "", &UnresolvedVariableError{Name: name}
		}
	}
	m, ok := current.(map[string]any)
	if !ok {
		return nil, "", &UnresolvedVariableError{Name: name}
	}
	return m, parts[len(parts)-1], nil
}

// ParseLiteral interprets an expression as a bare literal: true, false,
// none, or a number.
func ParseLiteral(expr string) (any, bool) {
	switch strings.ToLower(expr) {
	case "true":
		return true, true
	case "false":
		return false, true
	case "none", "null":
		return nil, true
	}
	if strings.Contains(expr, ".") {
		if f, err := strconv.ParseFloat(expr, 64); err == nil {
			return f, true
		}
		return nil, false
	}
	if n, err := strconv.Atoi(expr); err == nil {
		return n, true
	}
	return nil, false
}

// Stringify renders a resolved value for concatenation contexts. Whole
// floats print without a decimal point so interpolated paths like
// results.evaluation_{{n}} stay stable across JSON round trips.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}
