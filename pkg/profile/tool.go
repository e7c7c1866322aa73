package profile

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/apibridge/apibridge/pkg/apierror"
)

// FindTool returns the tool with the given name, or nil.
func (p *Profile) FindTool(name string) *Tool {
	for i := range p.Tools {
		if p.Tools[i].Name == name {
			return &p.Tools[i]
		}
	}
	return nil
}

// Descriptor materializes the MCP tool descriptor with a JSON-schema-shaped
// input schema derived from the parameter specs.
func (t *Tool) Descriptor() mcp.Tool {
	properties := make(map[string]any, len(t.Parameters))
	var required []string

	for name, spec := range t.Parameters {
		prop := map[string]any{"type": spec.Type}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		if len(spec.Enum) > 0 {
			prop["enum"] = spec.Enum
		}
		if spec.Items != nil {
			prop["items"] = map[string]any{"type": spec.Items.Type}
		}
		if spec.Default != nil {
			prop["default"] = spec.Default
		}
		if spec.Example != nil {
			prop["examples"] = []any{spec.Example}
		}
		properties[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	schemaJSON, _ := json.Marshal(schema)

	return mcp.Tool{
		Name:           t.Name,
		Description:    t.Description,
		RawInputSchema: schemaJSON,
	}
}

// ValidateArgs checks args against the parameter specs: presence of required
// parameters, action-conditional requirements, enum membership, and type
// agreement. Valid args pass through untouched.
func (t *Tool) ValidateArgs(args map[string]any) error {
	action, _ := args["action"].(string)

	for name, spec := range t.Parameters {
		value, present := args[name]

		if !present {
			if spec.Required {
				return apierror.NewValidation("tool %s: missing required parameter %q", t.Name, name)
			}
			if action != "" && contains(spec.RequiredFor, action) {
				return apierror.NewValidation("tool %s: parameter %q is required for action %q", t.Name, name, action)
			}
			continue
		}

		if len(spec.Enum) > 0 && !enumAllows(spec.Enum, value) {
			return apierror.NewValidation("tool %s: parameter %q value %v is not in the allowed set", t.Name, name, value)
		}
		if err := checkType(spec.Type, value); err != nil {
			return apierror.NewValidation("tool %s: parameter %q %v", t.Name, name, err)
		}
	}
	return nil
}

// OperationFor resolves the operationId for the given arguments by operation
// key: the action alone, or "{action}_{resource_type}". There is no silent
// fallback: an unresolvable key is a validation error.
func (t *Tool) OperationFor(args map[string]any) (string, error) {
	action, _ := args["action"].(string)
	if action == "" {
		return "", apierror.NewValidation("tool %s: parameter \"action\" is required to select an operation", t.Name)
	}

	if resource, _ := args["resource_type"].(string); resource != "" {
		if id, ok := t.Operations[action+"_"+resource]; ok {
			return id, nil
		}
	}
	if id, ok := t.Operations[action]; ok {
		return id, nil
	}
	return "", apierror.NewValidation("tool %s: no operation mapped for action %q", t.Name, action)
}

// checkType verifies that a JSON-decoded value agrees with the declared
// parameter type. JSON numbers arrive as float64; integers accept whole
// float64 values.
func checkType(declared string, value any) error {
	switch declared {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("must be a string, got %T", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("must be a boolean, got %T", value)
		}
	case "number":
		switch value.(type) {
		case float64, int, int64, json.Number:
		default:
			return fmt.Errorf("must be a number, got %T", value)
		}
	case "integer":
		switch v := value.(type) {
		case int, int64:
		case float64:
			if v != float64(int64(v)) {
				return fmt.Errorf("must be an integer, got %v", v)
			}
		case json.Number:
			if _, err := v.Int64(); err != nil {
				return fmt.Errorf("must be an integer, got %v", v)
			}
		default:
			return fmt.Errorf("must be an integer, got %T", value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("must be an array, got %T", value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("must be an object, got %T", value)
		}
	}
	return nil
}

func enumAllows(enum []any, value any) bool {
	for _, allowed := range enum {
		if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", value) {
			return true
		}
	}
	return false
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
