package openapi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const indexDoc = `{
  "openapi": "3.0.0",
  "info": {"title": "Tasks API", "version": "1.0.0"},
  "servers": [{"url": "https://api.example.com/v1/"}],
  "components": {
    "securitySchemes": {
      "bearerAuth": {"type": "http", "scheme": "bearer"}
    },
    "schemas": {
      "Task": {
        "type": "object",
        "required": ["title"],
        "properties": {"title": {"type": "string"}}
      }
    }
  },
  "paths": {
    "/tasks": {
      "get": {
        "operationId": "listTasks",
        "summary": "List all tasks",
        "parameters": [
          {"name": "status", "in": "query", "schema": {"type": "string", "enum": ["open", "done"]}},
          {"name": "tags", "in": "query", "schema": {"type": "array", "items": {"type": "string"}}}
        ],
        "responses": {"200": {"description": "ok"}}
      },
      "post": {
        "operationId": "createTask",
        "requestBody": {
          "required": true,
          "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Task"}}}
        },
        "responses": {"201": {"description": "created"}}
      }
    },
    "/tasks/{task_id}": {
      "parameters": [
        {"name": "task_id", "in": "path", "required": true, "schema": {"type": "string"}}
      ],
      "get": {
        "operationId": "getTask",
        "responses": {"200": {"description": "ok"}}
      }
    }
  }
}`

func loadIndex(t *testing.T) *Index {
	t.Helper()
	index, err := LoadFromData([]byte(indexDoc))
	require.NoError(t, err)
	return index
}

func TestOperationLookup(t *testing.T) {
	index := loadIndex(t)

	op := index.Operation("listTasks")
	require.NotNil(t, op)
	assert.Equal(t, "GET", op.Method)
	assert.Equal(t, "/tasks", op.Path)
	assert.Equal(t, "List all tasks", op.Summary)
	require.Len(t, op.Parameters, 2)

	status := op.Parameters[0]
	assert.Equal(t, "status", status.Name)
	assert.Equal(t, "query", status.In)
	assert.Equal(t, "string", status.Type)
	assert.Equal(t, []any{"open", "done"}, status.Enum)

	tags := op.Parameters[1]
	assert.Equal(t, "array", tags.Type)
	assert.Equal(t, "string", tags.ItemType)

	assert.Nil(t, index.Operation("noSuchOp"))
}

func TestPathItemParametersAreInherited(t *testing.T) {
	index := loadIndex(t)

	op := index.Operation("getTask")
	require.NotNil(t, op)
	require.Len(t, op.Parameters, 1)
	assert.Equal(t, "task_id", op.Parameters[0].Name)
	assert.Equal(t, "path", op.Parameters[0].In)
	assert.True(t, op.Parameters[0].Required)
}

func TestRequestBodySchemaIsResolved(t *testing.T) {
	index := loadIndex(t)

	op := index.Operation("createTask")
	require.NotNil(t, op)
	assert.True(t, op.RequestBodyRequired)
	require.NotEmpty(t, op.RequestBodySchema)
	// The $ref is resolved into the inline schema.
	assert.Contains(t, string(op.RequestBodySchema), "title")
	assert.NotContains(t, string(op.RequestBodySchema), "$ref")
}

func TestNestedRefsAreInlined(t *testing.T) {
	doc := `{
	  "openapi": "3.0.0",
	  "info": {"title": "x", "version": "1"},
	  "components": {
	    "schemas": {
	      "Tag": {"type": "object", "properties": {"label": {"type": "string"}}},
	      "Node": {
	        "type": "object",
	        "properties": {
	          "tags": {"type": "array", "items": {"$ref": "#/components/schemas/Tag"}},
	          "parent": {"$ref": "#/components/schemas/Node"}
	        }
	      }
	    }
	  },
	  "paths": {
	    "/nodes": {
	      "post": {
	        "operationId": "createNode",
	        "requestBody": {
	          "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Node"}}}
	        },
	        "responses": {"201": {"description": "created"}}
	      }
	    }
	  }
	}`
	index, err := LoadFromData([]byte(doc))
	require.NoError(t, err)

	op := index.Operation("createNode")
	require.NotNil(t, op)
	require.NotEmpty(t, op.RequestBodySchema)
	schema := string(op.RequestBodySchema)
	// Refs two levels down are expanded; the self-reference collapses
	// instead of recursing forever.
	assert.Contains(t, schema, "label")
	assert.NotContains(t, schema, "$ref")
}

func TestPathLookup(t *testing.T) {
	index := loadIndex(t)

	methods := index.Path("/tasks")
	require.NotNil(t, methods)
	assert.Contains(t, methods, "GET")
	assert.Contains(t, methods, "POST")

	assert.Nil(t, index.Path("/projects"))
}

func TestAllOperations(t *testing.T) {
	index := loadIndex(t)
	assert.Len(t, index.AllOperations(), 3)
}

func TestClonesAreIndependent(t *testing.T) {
	index := loadIndex(t)

	first := index.Operation("listTasks")
	first.Parameters[0].Name = "mutated"
	first.Summary = "mutated"

	second := index.Operation("listTasks")
	assert.Equal(t, "status", second.Parameters[0].Name)
	assert.Equal(t, "List all tasks", second.Summary)
}

func TestBaseURLAndSecurity(t *testing.T) {
	index := loadIndex(t)
	assert.Equal(t, "https://api.example.com/v1", index.BaseURL())

	scheme := index.SecurityScheme()
	require.NotNil(t, scheme)
	assert.Equal(t, "bearer", scheme.Type)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.json")
	require.NoError(t, os.WriteFile(path, []byte(indexDoc), 0o600))

	index, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, index.AllOperations(), 3)
}

func TestDuplicateOperationIDRejected(t *testing.T) {
	doc := `{
	  "openapi": "3.0.0",
	  "info": {"title": "x", "version": "1"},
	  "paths": {
	    "/a": {"get": {"operationId": "dup", "responses": {"200": {"description": "ok"}}}},
	    "/b": {"get": {"operationId": "dup", "responses": {"200": {"description": "ok"}}}}
	  }
	}`
	_, err := LoadFromData([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate operationId")
}
