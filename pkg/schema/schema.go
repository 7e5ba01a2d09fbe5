// Package schema defines the Go struct types for workflow definition
// documents and provides strict parsing for the JSON (and YAML) forms.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EndTarget is the reserved goto/else target that terminates a run.
const EndTarget = "END"

// Node kinds.
const (
	KindExecute     = "execute"
	KindConditional = "conditional"
)

// Workflow is the top-level document defining an optimization pipeline.
// It is immutable for the duration of a run.
type Workflow struct {
	Name     string         `yaml:"name"                json:"name"                jsonschema:"required"`
	CodeType string         `yaml:"code_type,omitempty" json:"code_type,omitempty"`
	Vars     map[string]any `yaml:"vars,omitempty"      json:"vars,omitempty"`
	Flow     []Node         `yaml:"flow"                json:"flow"                jsonschema:"required"`
}

// Node is one step in the flow. It is a tagged union: execute nodes dispatch
// a named capability, conditional nodes route control flow. The type tag may
// be omitted, in which case it is inferred from which fields are set.
type Node struct {
	ID   string `yaml:"id"             json:"id"             jsonschema:"required"`
	Type string `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"enum=execute,enum=conditional"`

	// Execute variant.
	Node                string            `yaml:"node,omitempty"                json:"node,omitempty"`
	Inputs              map[string]string `yaml:"inputs,omitempty"              json:"inputs,omitempty"`
	Outputs             map[string]string `yaml:"outputs,omitempty"             json:"outputs,omitempty"`
	SkipIfOutputPresent bool              `yaml:"skipIfOutputPresent,omitempty" json:"skipIfOutputPresent,omitempty"`

	// Conditional variant.
	Branches []Branch `yaml:"branches,omitempty" json:"branches,omitempty"`
	Else     string   `yaml:"else,omitempty"     json:"else,omitempty"`
}

// Kind reports the node variant, inferring it when the type tag is omitted.
func (n *Node) Kind() string {
	if n.Type != "" {
		return n.Type
	}
	if n.Node != "" {
		return KindExecute
	}
	if len(n.Branches) > 0 || n.Else != "" {
		return KindConditional
	}
	return ""
}

// Branch is a single conditional branch: resolve value, evaluate condition,
// jump to goto on the first match.
type Branch struct {
	Value     string     `yaml:"value,omitempty"     json:"value,omitempty"`
	Condition *Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
	Goto      string     `yaml:"goto"                json:"goto" jsonschema:"required"`
}

// Condition is either a declarative comparator (op + compare_to) or a
// scripted boolean expression. The expression is accepted under expr or,
// for older definitions, the legacy python key.
type Condition struct {
	Op        string `yaml:"op,omitempty"         json:"op,omitempty" jsonschema:"enum=>=,enum=<=,enum=>,enum=<,enum===,enum=!="`
	CompareTo string `yaml:"compare_to,omitempty" json:"compare_to,omitempty"`
	Expr      string `yaml:"expr,omitempty"       json:"expr,omitempty"`
	Python    string `yaml:"python,omitempty"     json:"python,omitempty"`
}

// Scripted returns the scripted expression, honoring the python alias.
func (c *Condition) Scripted() string {
	if c.Expr != "" {
		return c.Expr
	}
	return c.Python
}

// IsScripted reports whether the condition uses the expression form.
func (c *Condition) IsScripted() bool {
	return c != nil && c.Scripted() != ""
}

// NodeIndex maps node ids to their position in the flow.
func (w *Workflow) NodeIndex() map[string]int {
	index := make(map[string]int, len(w.Flow))
	for i, node := range w.Flow {
		index[node.ID] = i
	}
	return index
}

// LoadFile parses a workflow definition from a file. The extension selects
// the format: .yaml/.yml decode as YAML, everything else as JSON.
func LoadFile(path string) (*Workflow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workflow: %w", err)
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		return LoadYAML(f)
	}
	return Load(f)
}

// Load parses a JSON workflow definition with strict unknown-field
// rejection.
func Load(r io.Reader) (*Workflow, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var w Workflow
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode workflow: trailing content after document")
	}
	return &w, nil
}

// LoadYAML parses a YAML workflow definition with strict unknown-field
// rejection.
func LoadYAML(r io.Reader) (*Workflow, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var w Workflow
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &w, nil
}

// Marshal renders the workflow back to indented JSON, used by the semantic
// validation phase and by tests.
func Marshal(w *Workflow) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}
	return buf.Bytes(), nil
}
