package transport

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/apibridge/apibridge/pkg/apierror"
	"github.com/apibridge/apibridge/pkg/composite"
	"github.com/apibridge/apibridge/pkg/logger"
	"github.com/apibridge/apibridge/pkg/openapi"
	"github.com/apibridge/apibridge/pkg/profile"
	"github.com/apibridge/apibridge/pkg/request"
	"github.com/apibridge/apibridge/pkg/telemetry"
	"github.com/apibridge/apibridge/pkg/upstream"
)

// ProtocolVersion is the MCP revision this gateway speaks.
const ProtocolVersion = "2025-03-26"

// serverName and serverVersion identify the gateway in initialize results.
const (
	serverName    = "apibridge"
	serverVersion = "0.1.0"
)

// Dispatcher routes JSON-RPC methods to their handlers. It is shared by the
// HTTP and stdio transports; the transport supplies the upstream client for
// each call.
type Dispatcher struct {
	profile  *profile.Profile
	index    *openapi.Index
	builder  *request.Builder
	executor *composite.Executor
	metrics  *telemetry.Metrics
}

// NewDispatcher wires the dispatcher. metrics may be nil.
func NewDispatcher(p *profile.Profile, index *openapi.Index, builder *request.Builder, executor *composite.Executor, metrics *telemetry.Metrics) *Dispatcher {
	return &Dispatcher{
		profile:  p,
		index:    index,
		builder:  builder,
		executor: executor,
		metrics:  metrics,
	}
}

// Dispatch handles one message and returns the response, or nil for
// notifications. upstreamClient executes any tool calls the message triggers.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *JSONRPCMessage, upstreamClient *upstream.Client) *JSONRPCMessage {
	if msg.IsNotification() {
		// Notifications (including notifications/initialized) are accepted
		// and otherwise ignored.
		return nil
	}
	if msg.Method == "" {
		// A client-originated response (result or error) is absorbed, not
		// answered.
		return nil
	}

	var (
		result any
		err    error
	)
	switch msg.Method {
	case "initialize":
		result = d.handleInitialize()
	case "ping":
		result = struct{}{}
	case "tools/list":
		result = d.handleToolsList()
	case "tools/call":
		result, err = d.handleToolsCall(ctx, msg.Params, upstreamClient)
	default:
		return NewErrorMessage(msg.ID, apierror.CodeMethodNotFound, "method not found: "+msg.Method)
	}

	if err != nil {
		d.logDispatchError(msg.Method, err)
		return NewErrorMessage(msg.ID, apierror.JSONRPCCode(err), apierror.FormatForClient(err))
	}

	resp, merr := NewResponseMessage(msg.ID, result)
	if merr != nil {
		logger.Errorw("failed to serialize response", "method", msg.Method, "error", merr)
		return NewErrorMessage(msg.ID, apierror.CodeInternal, "Internal error")
	}
	return resp
}

func (d *Dispatcher) handleInitialize() any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    serverName,
			"version": serverVersion,
		},
	}
}

func (d *Dispatcher) handleToolsList() any {
	tools := make([]mcp.Tool, 0, len(d.profile.Tools))
	for i := range d.profile.Tools {
		tools = append(tools, d.profile.Tools[i].Descriptor())
	}
	return map[string]any{"tools": tools}
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, params json.RawMessage, upstreamClient *upstream.Client) (any, error) {
	var call toolCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, apierror.NewParameter("invalid tools/call params").WithCause(err)
	}

	tool := d.profile.FindTool(call.Name)
	if tool == nil {
		return nil, apierror.NewOperationNotFound("unknown tool %q", call.Name)
	}
	if call.Arguments == nil {
		call.Arguments = make(map[string]any)
	}

	result, err := d.callTool(ctx, tool, call.Arguments, upstreamClient)
	if d.metrics != nil {
		d.metrics.ObserveToolCall(tool.Name, err)
	}
	if err != nil {
		// Tool-level failures ride inside a successful tools/call result per
		// MCP, carrying the client-safe message.
		return mcp.NewToolResultError(apierror.FormatForClient(err)), nil
	}
	return result, nil
}

func (d *Dispatcher) callTool(ctx context.Context, tool *profile.Tool, args map[string]any, upstreamClient *upstream.Client) (*mcp.CallToolResult, error) {
	if err := tool.ValidateArgs(args); err != nil {
		return nil, err
	}

	if tool.Composite {
		result, err := d.executor.Execute(ctx, tool, args, upstreamClient)
		if err != nil {
			return nil, err
		}
		body, merr := json.Marshal(result)
		if merr != nil {
			return nil, apierror.NewStorage("failed to serialize composite result").WithCause(merr)
		}
		return mcp.NewToolResultText(string(body)), nil
	}

	operationID, err := tool.OperationFor(args)
	if err != nil {
		return nil, err
	}
	op := d.index.Operation(operationID)
	if op == nil {
		return nil, apierror.NewOperationNotFound("operationId %q is not in the OpenAPI document", operationID)
	}

	req, err := d.builder.Build(op, tool, args)
	if err != nil {
		return nil, err
	}
	resp, err := upstreamClient.Execute(ctx, req)
	if d.metrics != nil && resp != nil {
		d.metrics.ObserveUpstream(resp.StatusCode)
	}
	if err != nil {
		return nil, err
	}

	action, _ := args["action"].(string)
	body := request.FilterResponse(tool, action, resp.Body)
	return mcp.NewToolResultText(string(body)), nil
}

func (d *Dispatcher) logDispatchError(method string, err error) {
	if apiErr, ok := apierror.AsError(err); ok {
		logger.Errorw("request failed",
			"method", method,
			"kind", string(apiErr.Kind),
			"correlation_id", apiErr.CorrelationID(),
			"error", apiErr.Error(),
		)
		return
	}
	logger.Errorw("request failed", "method", method, "error", err)
}
