// Package openapi loads an OpenAPI 3.0 document and indexes its operations
// for lookup by operationId and by path+method. The index hands out cloned
// views so callers may mutate what they receive.
package openapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/apibridge/apibridge/pkg/logger"
)

// ParameterInfo describes a single operation parameter.
type ParameterInfo struct {
	Name     string
	In       string // path, query, header, cookie
	Required bool
	Type     string
	ItemType string // element type when Type is array
	Enum     []any
}

// OperationInfo is the indexed view of one OpenAPI operation.
type OperationInfo struct {
	OperationID string
	Method      string
	Path        string
	Summary     string
	Description string
	Parameters  []ParameterInfo

	// RequestBodyRequired reports whether the operation declares a required
	// request body.
	RequestBodyRequired bool

	// RequestBodySchema is the JSON-schema document for the request body, or
	// nil when the operation has no body or the schema could not be
	// serialized (for example when it contains cyclic references).
	RequestBodySchema json.RawMessage
}

// Clone returns a deep copy safe for caller mutation.
func (o *OperationInfo) Clone() *OperationInfo {
	if o == nil {
		return nil
	}
	dup := *o
	dup.Parameters = make([]ParameterInfo, len(o.Parameters))
	for i, p := range o.Parameters {
		dup.Parameters[i] = p
		if p.Enum != nil {
			dup.Parameters[i].Enum = append([]any(nil), p.Enum...)
		}
	}
	if o.RequestBodySchema != nil {
		dup.RequestBodySchema = append(json.RawMessage(nil), o.RequestBodySchema...)
	}
	return &dup
}

// SecurityScheme is the collapsed view of the document's primary security
// scheme: bearer HTTP auth or an API key in a header or query parameter.
type SecurityScheme struct {
	Type string // "bearer" or "apiKey"
	Name string // header or query parameter name for apiKey
	In   string // "header" or "query" for apiKey
}

// Index serves operations from a parsed OpenAPI document.
type Index struct {
	byID     map[string]*OperationInfo
	byPath   map[string]map[string]*OperationInfo
	baseURL  string
	security *SecurityScheme
}

// Load reads and parses the OpenAPI document at path and builds the index.
// $ref resolution and allOf merging are handled by the loader.
func Load(path string) (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI document %s: %w", path, err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		// Many real-world documents fail strict validation; operations are
		// still usable, so log and continue.
		logger.Warnf("OpenAPI document %s failed validation: %v", path, err)
	}

	return buildIndex(doc)
}

// LoadFromData parses an in-memory OpenAPI document. Test use mostly.
func LoadFromData(data []byte) (*Index, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI document: %w", err)
	}
	return buildIndex(doc)
}

func buildIndex(doc *openapi3.T) (*Index, error) {
	idx := &Index{
		byID:   make(map[string]*OperationInfo),
		byPath: make(map[string]map[string]*OperationInfo),
	}

	if len(doc.Servers) > 0 {
		idx.baseURL = strings.TrimSuffix(doc.Servers[0].URL, "/")
	}
	idx.security = collapseSecurity(doc)

	if doc.Paths == nil {
		return idx, nil
	}
	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			info := convertOperation(path, method, pathItem, op)
			if info.OperationID != "" {
				if _, dup := idx.byID[info.OperationID]; dup {
					return nil, fmt.Errorf("duplicate operationId %q", info.OperationID)
				}
				idx.byID[info.OperationID] = info
			}
			if idx.byPath[path] == nil {
				idx.byPath[path] = make(map[string]*OperationInfo)
			}
			idx.byPath[path][method] = info
		}
	}
	return idx, nil
}

func convertOperation(path, method string, pathItem *openapi3.PathItem, op *openapi3.Operation) *OperationInfo {
	info := &OperationInfo{
		OperationID: op.OperationID,
		Method:      method,
		Path:        path,
		Summary:     op.Summary,
		Description: op.Description,
	}

	// Path-item level parameters apply to every operation under the path;
	// operation-level parameters follow and may shadow them.
	seen := make(map[string]bool)
	appendParams := func(params openapi3.Parameters) {
		for _, ref := range params {
			if ref.Value == nil {
				continue
			}
			key := ref.Value.In + ":" + ref.Value.Name
			if seen[key] {
				continue
			}
			seen[key] = true
			info.Parameters = append(info.Parameters, convertParameter(ref.Value))
		}
	}
	appendParams(op.Parameters)
	appendParams(pathItem.Parameters)

	if op.RequestBody != nil && op.RequestBody.Value != nil {
		body := op.RequestBody.Value
		info.RequestBodyRequired = body.Required
		if media := body.Content.Get("application/json"); media != nil && media.Schema != nil {
			inlined := inlineSchema(media.Schema, make(map[*openapi3.Schema]bool))
			if data, err := json.Marshal(inlined); err == nil {
				info.RequestBodySchema = data
			} else {
				logger.Warnf("request body schema for %s %s is not serializable: %v", method, path, err)
			}
		}
	}
	return info
}

// inlineSchema deep-copies a schema with every $ref expanded so the result
// marshals as a self-contained JSON schema document. A cyclic reference
// collapses to an unconstrained schema.
func inlineSchema(ref *openapi3.SchemaRef, seen map[*openapi3.Schema]bool) *openapi3.SchemaRef {
	if ref == nil || ref.Value == nil {
		return nil
	}
	if seen[ref.Value] {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{}}
	}
	seen[ref.Value] = true
	defer delete(seen, ref.Value)

	val := *ref.Value
	val.Items = inlineSchema(val.Items, seen)
	val.Not = inlineSchema(val.Not, seen)
	val.AllOf = inlineSchemas(val.AllOf, seen)
	val.AnyOf = inlineSchemas(val.AnyOf, seen)
	val.OneOf = inlineSchemas(val.OneOf, seen)
	if len(val.Properties) > 0 {
		props := make(openapi3.Schemas, len(val.Properties))
		for name, prop := range val.Properties {
			props[name] = inlineSchema(prop, seen)
		}
		val.Properties = props
	}
	if val.AdditionalProperties.Schema != nil {
		ap := val.AdditionalProperties
		ap.Schema = inlineSchema(ap.Schema, seen)
		val.AdditionalProperties = ap
	}
	return &openapi3.SchemaRef{Value: &val}
}

func inlineSchemas(refs openapi3.SchemaRefs, seen map[*openapi3.Schema]bool) openapi3.SchemaRefs {
	if len(refs) == 0 {
		return refs
	}
	out := make(openapi3.SchemaRefs, len(refs))
	for i, r := range refs {
		out[i] = inlineSchema(r, seen)
	}
	return out
}

func convertParameter(p *openapi3.Parameter) ParameterInfo {
	info := ParameterInfo{
		Name:     p.Name,
		In:       p.In,
		Required: p.Required,
	}
	if p.Schema != nil && p.Schema.Value != nil {
		s := p.Schema.Value
		if s.Type != nil && len(*s.Type) > 0 {
			info.Type = (*s.Type)[0]
		}
		if s.Items != nil && s.Items.Value != nil && s.Items.Value.Type != nil && len(*s.Items.Value.Type) > 0 {
			info.ItemType = (*s.Items.Value.Type)[0]
		}
		info.Enum = append([]any(nil), s.Enum...)
	}
	return info
}

func collapseSecurity(doc *openapi3.T) *SecurityScheme {
	if doc.Components == nil {
		return nil
	}
	for _, ref := range doc.Components.SecuritySchemes {
		scheme := ref.Value
		if scheme == nil {
			continue
		}
		switch scheme.Type {
		case "http":
			if strings.EqualFold(scheme.Scheme, "bearer") {
				return &SecurityScheme{Type: "bearer"}
			}
		case "apiKey":
			return &SecurityScheme{Type: "apiKey", Name: scheme.Name, In: scheme.In}
		}
	}
	return nil
}

// Operation returns the operation with the given operationId, or nil.
func (x *Index) Operation(id string) *OperationInfo {
	return x.byID[id].Clone()
}

// Path returns the operations registered under a path template keyed by
// HTTP method, or nil when the path is unknown.
func (x *Index) Path(path string) map[string]*OperationInfo {
	methods, ok := x.byPath[path]
	if !ok {
		return nil
	}
	out := make(map[string]*OperationInfo, len(methods))
	for m, op := range methods {
		out[m] = op.Clone()
	}
	return out
}

// AllOperations returns every indexed operation that carries an operationId.
func (x *Index) AllOperations() []*OperationInfo {
	out := make([]*OperationInfo, 0, len(x.byID))
	for _, op := range x.byID {
		out = append(out, op.Clone())
	}
	return out
}

// SecurityScheme returns the collapsed security scheme, or nil when the
// document declares none the gateway understands.
func (x *Index) SecurityScheme() *SecurityScheme {
	if x.security == nil {
		return nil
	}
	dup := *x.security
	return &dup
}

// BaseURL returns the first server URL declared by the document, without a
// trailing slash. Empty when the document declares no servers.
func (x *Index) BaseURL() string {
	return x.baseURL
}
