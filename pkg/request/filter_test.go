package request

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/apibridge/apibridge/pkg/profile"
)

func filterTool() *profile.Tool {
	return &profile.Tool{
		Name: "manage_tasks",
		ResponseFields: map[string][]string{
			"list": {"id", "title"},
		},
	}
}

func TestFilterResponseObject(t *testing.T) {
	body := []byte(`{"id":"t-1","title":"write tests","internal_notes":"secret","owner":"me"}`)
	filtered := FilterResponse(filterTool(), "list", body)
	assert.JSONEq(t, `{"id":"t-1","title":"write tests"}`, string(filtered))
}

func TestFilterResponseArrayOfObjects(t *testing.T) {
	body := []byte(`[{"id":"t-1","title":"a","x":1},{"id":"t-2","title":"b","x":2}]`)
	filtered := FilterResponse(filterTool(), "list", body)
	assert.JSONEq(t, `[{"id":"t-1","title":"a"},{"id":"t-2","title":"b"}]`, string(filtered))
}

func TestFilterResponsePassthrough(t *testing.T) {
	body := []byte(`{"id":"t-1","internal":"kept"}`)

	// No fields declared for the action.
	assert.Equal(t, body, FilterResponse(filterTool(), "get", body))

	// Non-JSON bodies pass through untouched.
	raw := []byte("plain text")
	assert.Equal(t, raw, FilterResponse(filterTool(), "list", raw))

	// Scalars pass through untouched.
	scalar := []byte(`42`)
	assert.Equal(t, scalar, FilterResponse(filterTool(), "list", scalar))
}

func TestFilterResponseMixedArray(t *testing.T) {
	body := []byte(`[{"id":"t-1","x":1},"loose string"]`)
	filtered := FilterResponse(filterTool(), "list", body)
	assert.JSONEq(t, `[{"id":"t-1"},"loose string"]`, string(filtered))
}

func TestFilterResponseMissingFields(t *testing.T) {
	body := []byte(`{"id":"t-1"}`)
	filtered := FilterResponse(filterTool(), "list", body)
	assert.JSONEq(t, `{"id":"t-1"}`, string(filtered))
}
