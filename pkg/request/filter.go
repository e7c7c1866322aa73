package request

import (
	"encoding/json"

	"github.com/apibridge/apibridge/pkg/profile"
)

// FilterResponse trims an upstream response body to the fields a tool
// declares for the given action. Objects keep only the listed top-level keys;
// arrays of objects are filtered element-wise. Anything else passes through
// untouched, as does any body when no fields are declared for the action.
func FilterResponse(tool *profile.Tool, action string, body []byte) []byte {
	fields := tool.ResponseFields[action]
	if len(fields) == 0 {
		return body
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return body
	}

	var filtered any
	switch v := decoded.(type) {
	case map[string]any:
		filtered = pickFields(v, fields)
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			if obj, ok := elem.(map[string]any); ok {
				out[i] = pickFields(obj, fields)
			} else {
				out[i] = elem
			}
		}
		filtered = out
	default:
		return body
	}

	result, err := json.Marshal(filtered)
	if err != nil {
		return body
	}
	return result
}

func pickFields(obj map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := obj[f]; ok {
			out[f] = v
		}
	}
	return out
}
