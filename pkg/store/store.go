// Package store provides addressable read/write access to the JSON store
// document that accumulates one optimization run's inputs, results and
// variables.
package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Document is the in-memory form of one store document. It is produced by
// decoding JSON, so nested objects are map[string]any and lists are []any.
type Document = map[string]any

// PathError reports a path whose destination cannot be constructed or
// traversed, e.g. a numeric segment applied to a non-list.
type PathError struct {
	Path    string
	Segment string
	Reason  string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q at segment %q: %s", e.Path, e.Segment, e.Reason)
}

// SplitPath splits a dotted path into its segments, dropping empty parts.
func SplitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, ".") {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Resolve traverses a dotted/indexed path inside the document. A missing
// segment is not an error: the second return value reports presence.
// Numeric segments index lists.
func Resolve(doc Document, path string) (any, bool) {
	current := any(doc)
	for _, part := range SplitPath(path) {
		switch c := current.(type) {
		case map[string]any:
			v, ok := c[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			current = c[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Write stores a value at the given path, creating intermediate containers as
// needed: objects for named segments, lists extended with nulls for numeric
// segments. Existing leaf values are overwritten.
func Write(doc Document, path string, value any) error {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return &PathError{Path: path, Reason: "empty path"}
	}
	_, err := writeInto(any(doc), parts, value, path)
	return err
}

// writeInto descends one segment at a time. It returns the container it was
// given — possibly re-allocated when a list had to grow — so the caller can
// relink it in the parent.
func writeInto(container any, parts []string, value any, full string) (any, error) {
	part := parts[0]
	idx, numeric := parseIndex(part)

	switch c := container.(type) {
	case map[string]any:
		if len(parts) == 1 {
			c[part] = value
			return c, nil
		}
		child, ok := c[part]
		if !ok || child == nil {
			child = newContainer(parts[1])
		}
		updated, err := writeInto(child, parts[1:], value, full)
		if err != nil {
			return nil, err
		}
		c[part] = updated
		return c, nil

	case []any:
		if !numeric {
			return nil, &PathError{Path: full, Segment: part, Reason: "list index must be numeric"}
		}
		if idx < 0 {
			return nil, &PathError{Path: full, Segment: part, Reason: "negative list index"}
		}
		for idx >= len(c) {
			c = append(c, nil)
		}
		if len(parts) == 1 {
			c[idx] = value
			return c, nil
		}
		child := c[idx]
		if child == nil {
			child = newContainer(parts[1])
		}
		updated, err := writeInto(child, parts[1:], value, full)
		if err != nil {
			return nil, err
		}
		c[idx] = updated
		return c, nil

	default:
		if numeric {
			return nil, &PathError{Path: full, Segment: part, Reason: fmt.Sprintf("numeric segment applied to %T", container)}
		}
		return nil, &PathError{Path: full, Segment: part, Reason: fmt.Sprintf("cannot traverse %T", container)}
	}
}

func parseIndex(segment string) (int, bool) {
	idx, err := strconv.Atoi(segment)
	return idx, err == nil
}

func newContainer(nextSegment string) any {
	if idx, ok := parseIndex(nextSegment); ok {
		return make([]any, idx+1)
	}
	return map[string]any{}
}

// WriteResult writes an execute-node output value and annotates it with
// provenance metadata. Object values receive a created_at sibling plus any
// provenance entries (stored verbatim, never dereferenced). Scalar values
// get a <leaf>_metadata object next to them instead.
func WriteResult(doc Document, path string, value any, createdAt time.Time, provenance map[string]string) error {
	if err := Write(doc, path, Clone(value)); err != nil {
		return err
	}

	stored, _ := Resolve(doc, path)
	if obj, ok := stored.(map[string]any); ok {
		if _, exists := obj["created_at"]; !exists {
			obj["created_at"] = createdAt.UTC().Format(time.RFC3339)
		}
		for key, ref := range provenance {
			if _, exists := obj[key]; !exists {
				obj[key] = ref
			}
		}
		return nil
	}

	parts := SplitPath(path)
	meta := map[string]any{
		"created_at": createdAt.UTC().Format(time.RFC3339),
	}
	for key, ref := range provenance {
		meta[key] = ref
	}
	metaPath := strings.Join(append(parts[:len(parts)-1], parts[len(parts)-1]+"_metadata"), ".")
	return Write(doc, metaPath, meta)
}

// Clone deep-copies a JSON-compatible value. Capability contexts are cloned
// so external work units cannot mutate the live document.
func Clone(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Clone(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Clone(item)
		}
		return out
	default:
		return v
	}
}
