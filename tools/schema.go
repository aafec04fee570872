package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ParameterSpec describes one tool parameter. The registration-time
// parameter table is the single source of truth for a tool's schema;
// nothing is derived from reflection at runtime.
type ParameterSpec struct {
	Name        string
	Type        string // JSON-schema type: string, number, integer, boolean, object, array
	Description string
	Required    bool
	Enum        []string
}

// Schema is the parameter table a tool registers with.
type Schema struct {
	Parameters []ParameterSpec
}

// JSONSchema renders the table as a JSON-schema object suitable both for
// validation and for prompt injection.
func (s Schema) JSONSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(s.Parameters))
	var required []string

	for _, p := range s.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// compile builds a validator from the rendered schema. Called once at
// registration; Call only runs the compiled validator.
func (s Schema) compile(name string) (*jsonschema.Schema, error) {
	rendered, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshaling schema for %s: %w", name, err)
	}

	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("inline://%s.json", name)
	if err := compiler.AddResource(url, bytes.NewReader(rendered)); err != nil {
		return nil, fmt.Errorf("adding schema resource for %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema for %s: %w", name, err)
	}
	return compiled, nil
}

// Descriptor is the registry's public view of one tool.
type Descriptor struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // rendered JSON schema
}
