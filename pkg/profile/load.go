package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/apibridge/apibridge/pkg/openapi"
)

// Load reads a profile from a JSON file and validates it against the
// operation index. Validation failures are fatal configuration errors and
// name the offending tool and field.
func Load(path string, index *openapi.Index) (*Profile, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	if err := p.Validate(index); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate runs the semantic checks over the whole profile tree.
func (p *Profile) Validate(index *openapi.Index) error {
	var errs []string

	if p.ProfileName == "" {
		errs = append(errs, "profile_name is required")
	}
	if len(p.Tools) == 0 {
		errs = append(errs, "tools must have at least one tool")
	}

	seen := make(map[string]bool)
	for i := range p.Tools {
		tool := &p.Tools[i]
		prefix := fmt.Sprintf("tools[%d]", i)
		if tool.Name != "" {
			prefix = fmt.Sprintf("tools[%d] (%s)", i, tool.Name)
		}
		if seen[tool.Name] {
			errs = append(errs, fmt.Sprintf("%s.name %q is duplicated", prefix, tool.Name))
		}
		seen[tool.Name] = true
		if err := validateTool(prefix, tool, index); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("profile validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateTool(prefix string, tool *Tool, index *openapi.Index) error {
	if tool.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}

	hasOps := len(tool.Operations) > 0
	hasSteps := tool.Composite && len(tool.Steps) > 0
	switch {
	case tool.Composite && len(tool.Steps) == 0:
		return fmt.Errorf("%s.steps must have at least one step when composite is true", prefix)
	case !tool.Composite && len(tool.Steps) > 0:
		return fmt.Errorf("%s.steps requires composite to be true", prefix)
	case hasOps && hasSteps:
		return fmt.Errorf("%s cannot declare both operations and steps", prefix)
	case !hasOps && !hasSteps:
		return fmt.Errorf("%s must declare operations or composite steps", prefix)
	}

	if err := validateParameters(prefix, tool); err != nil {
		return err
	}
	if hasOps {
		return validateOperations(prefix, tool, index)
	}
	return validateSteps(prefix, tool, index)
}

func validateParameters(prefix string, tool *Tool) error {
	actions := toSet(tool.actionEnum())
	for name, spec := range tool.Parameters {
		if !parameterTypes[spec.Type] {
			return fmt.Errorf("%s.parameters[%s].type %q is not one of string, integer, number, boolean, array, object",
				prefix, name, spec.Type)
		}
		if spec.Type == "array" && spec.Items != nil && !parameterTypes[spec.Items.Type] {
			return fmt.Errorf("%s.parameters[%s].items.type %q is invalid", prefix, name, spec.Items.Type)
		}
		for _, action := range spec.RequiredFor {
			if !actions[action] {
				return fmt.Errorf("%s.parameters[%s].required_for references action %q which is not in the action enum",
					prefix, name, action)
			}
		}
	}
	return nil
}

func validateOperations(prefix string, tool *Tool, index *openapi.Index) error {
	actions := toSet(tool.actionEnum())
	resources := toSet(tool.resourceTypeEnum())

	for key, operationID := range tool.Operations {
		if operationID == "" {
			return fmt.Errorf("%s.operations[%s] has an empty operationId", prefix, key)
		}
		if !validOperationKey(key, actions, resources) {
			return fmt.Errorf("%s.operations[%s] is neither an action nor an {action}_{resource_type} pair", prefix, key)
		}
		if index != nil && index.Operation(operationID) == nil {
			return fmt.Errorf("%s.operations[%s] references unknown operationId %q", prefix, key, operationID)
		}
	}
	return nil
}

// validOperationKey accepts keys equal to an action, or "{action}_{resource}"
// where both parts are members of their enums. Actions may themselves
// contain underscores, so every split point is tried.
func validOperationKey(key string, actions, resources map[string]bool) bool {
	if actions[key] {
		return true
	}
	for i := len(key) - 1; i > 0; i-- {
		if key[i] != '_' {
			continue
		}
		if actions[key[:i]] && resources[key[i+1:]] {
			return true
		}
	}
	return false
}

func validateSteps(prefix string, tool *Tool, index *openapi.Index) error {
	stepIDs := make(map[string]bool)
	for i, step := range tool.Steps {
		if step.StoreAs == "" {
			return fmt.Errorf("%s.steps[%d].store_as is required", prefix, i)
		}
		if stepIDs[step.StoreAs] {
			return fmt.Errorf("%s.steps[%d].store_as %q is duplicated", prefix, i, step.StoreAs)
		}
		stepIDs[step.StoreAs] = true

		method, path, ok := splitCall(step.Call)
		if !ok {
			return fmt.Errorf("%s.steps[%d].call %q must be \"METHOD /path\"", prefix, i, step.Call)
		}
		if index != nil && index.Path(path) == nil {
			return fmt.Errorf("%s.steps[%d].call references unknown path %q", prefix, i, path)
		}
		if index != nil {
			if methods := index.Path(path); methods != nil && methods[method] == nil {
				return fmt.Errorf("%s.steps[%d].call: path %q has no %s operation", prefix, i, path, method)
			}
		}
	}

	for i, step := range tool.Steps {
		for _, dep := range step.DependsOn {
			if !stepIDs[dep] {
				return fmt.Errorf("%s.steps[%d].depends_on references unknown step %q", prefix, i, dep)
			}
		}
	}

	return validateStepCycles(prefix, tool.Steps)
}

// validateStepCycles rejects dependency cycles using DFS.
func validateStepCycles(prefix string, steps []CompositeStep) error {
	graph := make(map[string][]string)
	for _, step := range steps {
		graph[step.StoreAs] = step.DependsOn
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(string) bool
	hasCycle = func(id string) bool {
		visited[id] = true
		recStack[id] = true
		for _, dep := range graph[id] {
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if recStack[dep] {
				return true
			}
		}
		recStack[id] = false
		return false
	}

	for id := range graph {
		if !visited[id] {
			if hasCycle(id) {
				return fmt.Errorf("%s.steps: dependency cycle detected involving step %q", prefix, id)
			}
		}
	}
	return nil
}

// splitCall parses "METHOD /path" into its parts.
func splitCall(call string) (method, path string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(call), " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	method = strings.ToUpper(parts[0])
	path = strings.TrimSpace(parts[1])
	switch method {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS":
	default:
		return "", "", false
	}
	if !strings.HasPrefix(path, "/") {
		return "", "", false
	}
	return method, path, true
}

// SplitCall is the exported form used by the composite executor.
func SplitCall(call string) (method, path string, ok bool) {
	return splitCall(call)
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
