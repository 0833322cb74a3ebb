// Package manifest loads and validates manifest.json (spec.md §6 "Manifest
// format") before a bundle's workflowName -> WorkflowFunc and stepId ->
// StepFunc maps are ever trusted, and exposes name-decoding helpers for the
// moduleSpecifier//functionName encoding spec.md §6 describes.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaJSON is the JSON Schema a manifest document must satisfy, encoding
// spec.md §6's "Manifest format" directly: version, workflows keyed by
// moduleSpecifier then functionName, steps the same shape.
const schemaJSON = `{
	"type": "object",
	"required": ["version", "workflows", "steps"],
	"properties": {
		"version": {"type": "integer", "minimum": 1},
		"workflows": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"additionalProperties": {
					"type": "object",
					"required": ["workflowId"],
					"properties": {
						"workflowId": {"type": "string"},
						"graph": {}
					}
				}
			}
		},
		"steps": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"additionalProperties": {
					"type": "object",
					"required": ["stepId"],
					"properties": {
						"stepId": {"type": "string"}
					}
				}
			}
		}
	}
}`

// WorkflowEntry and StepEntry are the leaves of the workflows and steps
// maps: each describes an exported function
// inside a module, identified by its engine-facing id.
type WorkflowEntry struct {
	WorkflowID string          `json:"workflowId"`
	Graph      json.RawMessage `json:"graph,omitempty"`
}

type StepEntry struct {
	StepID string `json:"stepId"`
}

// Manifest is the decoded, schema-validated manifest.json document.
type Manifest struct {
	Version   int                                `json:"version"`
	Workflows map[string]map[string]WorkflowEntry `json:"workflows"`
	Steps     map[string]map[string]StepEntry     `json:"steps"`
}

// Load validates raw against the manifest schema and decodes it. Validation
// runs before decoding so a malformed manifest is rejected with a precise
// schema error rather than surfacing as a confusing zero-valued Manifest.
func Load(raw []byte) (*Manifest, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("manifest: invalid JSON: %w", err)
	}

	var schemaDoc any
	if err := json.Unmarshal([]byte(schemaJSON), &schemaDoc); err != nil {
		return nil, fmt.Errorf("manifest: invalid embedded schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest-schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("manifest: add schema resource: %w", err)
	}
	schema, err := c.Compile("manifest-schema.json")
	if err != nil {
		return nil, fmt.Errorf("manifest: compile schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest: schema validation failed: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	return &m, nil
}

// WorkflowNames returns every registered workflow's engine-facing name,
// encoded per spec.md §6 as "workflow//<moduleSpecifier>//<functionName>".
func (m *Manifest) WorkflowNames() map[string]WorkflowEntry {
	out := make(map[string]WorkflowEntry)
	for moduleSpecifier, fns := range m.Workflows {
		for functionName, entry := range fns {
			out[EncodeName("workflow", moduleSpecifier, functionName)] = entry
		}
	}
	return out
}

// StepNames returns every registered step's engine-facing name, encoded as
// "step//<moduleSpecifier>//<functionName>".
func (m *Manifest) StepNames() map[string]StepEntry {
	out := make(map[string]StepEntry)
	for moduleSpecifier, fns := range m.Steps {
		for functionName, entry := range fns {
			out[EncodeName("step", moduleSpecifier, functionName)] = entry
		}
	}
	return out
}

// EncodeName builds the "<kind>//<moduleSpecifier>//<functionName>" form
// spec.md §6 "Name encoding" describes for workflows, steps, and classes.
func EncodeName(kind, moduleSpecifier, functionName string) string {
	return kind + "//" + moduleSpecifier + "//" + functionName
}

// DecodeName splits an encoded name back into its three parts, reporting
// ok=false if name has fewer than two "//" separators. Any separators past
// the second stay inside functionName.
func DecodeName(name string) (kind, moduleSpecifier, functionName string, ok bool) {
	parts := strings.SplitN(name, "//", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
