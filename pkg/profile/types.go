// Package profile implements the profile-driven tool model: a declarative
// configuration that collapses many OpenAPI operations into a small set of
// action-dispatched MCP tools, with argument validation and parameter-alias
// resolution.
package profile

import "github.com/apibridge/apibridge/pkg/upstream"

// Profile is the configuration tree loaded once at startup.
type Profile struct {
	ProfileName string `json:"profile_name"`
	Description string `json:"description,omitempty"`
	Tools       []Tool `json:"tools"`

	// InterceptorConfig configures the upstream client shared by every tool.
	InterceptorConfig *upstream.Config `json:"interceptor_config,omitempty"`
}

// Tool describes one MCP tool. A tool is either simple (Operations maps
// operation keys to operationIds) or composite (Composite with Steps).
type Tool struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Parameters  map[string]ParameterSpec `json:"parameters"`

	// Operations maps an operation key (an action, or "{action}_{resource_type}")
	// to an operationId in the OpenAPI document. Simple tools only.
	Operations map[string]string `json:"operations,omitempty"`

	// Composite tools run a DAG of dependent calls.
	Composite bool            `json:"composite,omitempty"`
	Steps     []CompositeStep `json:"steps,omitempty"`

	// MetadataParams are argument names consumed by dispatch and never
	// forwarded upstream. Defaults to {action, resource_type}.
	MetadataParams []string `json:"metadata_params,omitempty"`

	// ResponseFields optionally trims upstream responses: for a given action,
	// only the listed top-level keys are kept.
	ResponseFields map[string][]string `json:"response_fields,omitempty"`

	// PartialResults lets a composite tool return the steps that succeeded
	// when others fail.
	PartialResults bool `json:"partial_results,omitempty"`

	// ParameterAliases maps a canonical path-parameter name to an ordered
	// list of accepted substitutes.
	ParameterAliases map[string][]string `json:"parameter_aliases,omitempty"`
}

// ParameterSpec describes one tool parameter.
type ParameterSpec struct {
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required,omitempty"`
	RequiredFor []string    `json:"required_for,omitempty"`
	Enum        []any       `json:"enum,omitempty"`
	Items       *ItemsSpec  `json:"items,omitempty"`
	Default     any         `json:"default,omitempty"`
	Example     any         `json:"example,omitempty"`
}

// ItemsSpec describes the element type of an array parameter.
type ItemsSpec struct {
	Type string `json:"type"`
}

// CompositeStep is one node in a composite tool's DAG.
type CompositeStep struct {
	// Call is "METHOD /path/template".
	Call string `json:"call"`

	// StoreAs is a dot path into the composite result object.
	StoreAs string `json:"store_as"`

	// DependsOn lists store_as values that must complete before this step.
	DependsOn []string `json:"depends_on,omitempty"`
}

// parameterTypes is the closed set of allowed parameter types.
var parameterTypes = map[string]bool{
	"string":  true,
	"integer": true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// defaultMetadataParams applies when a tool declares none.
var defaultMetadataParams = []string{"action", "resource_type"}

// MetadataParamSet returns the effective metadata parameter set for a tool.
func (t *Tool) MetadataParamSet() map[string]bool {
	names := t.MetadataParams
	if len(names) == 0 {
		names = defaultMetadataParams
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// actionEnum returns the string values of the tool's action parameter enum.
func (t *Tool) actionEnum() []string {
	return t.enumOf("action")
}

// resourceTypeEnum returns the string values of the resource_type enum.
func (t *Tool) resourceTypeEnum() []string {
	return t.enumOf("resource_type")
}

func (t *Tool) enumOf(param string) []string {
	spec, ok := t.Parameters[param]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(spec.Enum))
	for _, v := range spec.Enum {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
