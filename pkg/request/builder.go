// Package request turns validated tool arguments into concrete upstream HTTP
// requests: path template substitution with alias fallback, query parameter
// extraction, body assembly from the leftover arguments, and JSON-schema
// validation of the body when the operation declares one.
package request

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/apibridge/apibridge/pkg/apierror"
	"github.com/apibridge/apibridge/pkg/openapi"
	"github.com/apibridge/apibridge/pkg/profile"
	"github.com/apibridge/apibridge/pkg/upstream"
)

var pathTemplateRe = regexp.MustCompile(`\{([^}]+)\}`)

// Builder assembles upstream requests for one tool.
type Builder struct {
	baseURL string
}

// NewBuilder returns a builder that prefixes every request with baseURL.
func NewBuilder(baseURL string) *Builder {
	return &Builder{baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Build maps tool arguments onto the operation: path placeholders are filled
// first, declared query parameters are extracted next, and everything left
// over (minus metadata parameters) becomes the JSON body.
func (b *Builder) Build(op *openapi.OperationInfo, tool *profile.Tool, args map[string]any) (*upstream.Request, error) {
	metadata := tool.MetadataParamSet()
	consumed := make(map[string]bool)

	path, err := fillPath(op.Path, tool.ParameterAliases, args, consumed)
	if err != nil {
		return nil, err
	}

	query := make(map[string]any)
	for _, p := range op.Parameters {
		if p.In != "query" {
			continue
		}
		if v, ok := args[p.Name]; ok && !metadata[p.Name] {
			query[p.Name] = v
			consumed[p.Name] = true
		}
	}

	body := make(map[string]any)
	for name, v := range args {
		if metadata[name] || consumed[name] {
			continue
		}
		body[name] = v
	}

	var bodyBytes []byte
	if len(body) > 0 {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, apierror.NewValidation("failed to serialize request body").WithCause(err)
		}
		if err := validateBody(op, bodyBytes); err != nil {
			return nil, err
		}
	} else if op.RequestBodyRequired {
		return nil, apierror.NewValidation("operation %s requires a request body but no body parameters were provided", op.OperationID)
	}

	return &upstream.Request{
		Method:      op.Method,
		URL:         b.baseURL + path,
		Query:       query,
		Body:        bodyBytes,
		OperationID: op.OperationID,
	}, nil
}

// fillPath substitutes every {placeholder} in the path template. A value is
// looked up under the canonical name first, then under each declared alias in
// order. The argument that supplied the value is marked consumed.
func fillPath(template string, aliases map[string][]string, args map[string]any, consumed map[string]bool) (string, error) {
	var missing []string
	filled := pathTemplateRe.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := args[name]; ok {
			consumed[name] = true
			return url.PathEscape(fmt.Sprintf("%v", v))
		}
		for _, alias := range aliases[name] {
			if v, ok := args[alias]; ok {
				consumed[alias] = true
				return url.PathEscape(fmt.Sprintf("%v", v))
			}
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", apierror.NewValidation("missing required path parameter %q for %s", missing[0], template)
	}
	return filled, nil
}

// validateBody checks the assembled body against the operation's request body
// schema when one is available.
func validateBody(op *openapi.OperationInfo, body []byte) error {
	if len(op.RequestBodySchema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(op.RequestBodySchema),
		gojsonschema.NewBytesLoader(body),
	)
	if err != nil {
		// A schema the validator cannot process should not block the call.
		return nil
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return apierror.NewValidation("request body does not match the schema for %s: %s",
		op.OperationID, strings.Join(msgs, "; "))
}
