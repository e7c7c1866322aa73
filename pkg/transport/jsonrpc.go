// Package transport serves the MCP protocol over two transports: streamable
// HTTP (POST, resumable SSE, session lifecycle) and stdio (line-delimited
// JSON-RPC).
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONRPCMessage is one JSON-RPC 2.0 message: request, response, or
// notification.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the error member of a JSON-RPC response.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewResponseMessage builds a success response for the given id.
func NewResponseMessage(id any, result any) (*JSONRPCMessage, error) {
	var resultJSON json.RawMessage
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return &JSONRPCMessage{
		JSONRPC: "2.0",
		Result:  resultJSON,
		ID:      id,
	}, nil
}

// NewErrorMessage builds an error response for the given id.
func NewErrorMessage(id any, code int, message string) *JSONRPCMessage {
	return &JSONRPCMessage{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}
}

// NewNotificationMessage builds a notification.
func NewNotificationMessage(method string, params any) (*JSONRPCMessage, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	return &JSONRPCMessage{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

// IsRequest reports whether the message is a request expecting a response.
func (m *JSONRPCMessage) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification reports whether the message is a notification.
func (m *JSONRPCMessage) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// Validate checks the structural rules of JSON-RPC 2.0.
func (m *JSONRPCMessage) Validate() error {
	if m.JSONRPC != "2.0" {
		return fmt.Errorf("invalid JSON-RPC version: %s", m.JSONRPC)
	}
	if m.Method == "" && m.Result == nil && m.Error == nil {
		return fmt.Errorf("invalid JSON-RPC message format")
	}
	return nil
}

// DecodeMessages parses a request body as either a single message or a batch.
// The second return reports whether the input was a batch; a batch response
// must be an array even for a single element.
func DecodeMessages(body []byte) ([]*JSONRPCMessage, bool, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("empty request body")
	}

	if trimmed[0] == '[' {
		var batch []*JSONRPCMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, true, fmt.Errorf("failed to parse JSON-RPC batch: %w", err)
		}
		if len(batch) == 0 {
			return nil, true, fmt.Errorf("empty JSON-RPC batch")
		}
		return batch, true, nil
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, false, fmt.Errorf("failed to parse JSON-RPC message: %w", err)
	}
	return []*JSONRPCMessage{&msg}, false, nil
}
