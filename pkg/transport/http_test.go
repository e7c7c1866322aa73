package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apibridge/apibridge/pkg/client"
	"github.com/apibridge/apibridge/pkg/composite"
	"github.com/apibridge/apibridge/pkg/config"
	"github.com/apibridge/apibridge/pkg/openapi"
	"github.com/apibridge/apibridge/pkg/profile"
	"github.com/apibridge/apibridge/pkg/request"
	"github.com/apibridge/apibridge/pkg/session"
	"github.com/apibridge/apibridge/pkg/upstream"
)

const gatewayDoc = `{
  "openapi": "3.0.0",
  "info": {"title": "Tasks API", "version": "1.0.0"},
  "paths": {
    "/tasks": {
      "get": {
        "operationId": "listTasks",
        "parameters": [
          {"name": "status", "in": "query", "schema": {"type": "string"}}
        ],
        "responses": {"200": {"description": "ok"}}
      }
    }
  }
}`

type gatewayFixture struct {
	server   *HTTPServer
	ts       *httptest.Server
	sessions *session.Manager
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"t-1","title":"first"}]`))
	}))
	t.Cleanup(upstreamSrv.Close)

	index, err := openapi.LoadFromData([]byte(gatewayDoc))
	require.NoError(t, err)

	prof := &profile.Profile{
		ProfileName: "tasks",
		Tools: []profile.Tool{{
			Name:        "list_tasks",
			Description: "List tasks",
			Parameters: map[string]profile.ParameterSpec{
				"action": {Type: "string", Required: true, Enum: []any{"list"}},
				"status": {Type: "string"},
			},
			Operations: map[string]string{"list": "listTasks"},
		}},
	}
	require.NoError(t, prof.Validate(index))

	builder := request.NewBuilder(upstreamSrv.URL)
	executor := composite.NewExecutor(index, builder)
	factory := client.NewFactory(&upstream.Config{})
	dispatcher := NewDispatcher(prof, index, builder, executor, nil)

	cfg := &config.Config{
		Host:              "127.0.0.1",
		Port:              0,
		SessionTimeout:    time.Minute,
		HeartbeatEnabled:  false,
		HeartbeatInterval: time.Second,
		TokenMaxLength:    100,
	}
	sessions := session.NewManager(cfg.SessionTimeout)
	server := NewHTTPServer(cfg, dispatcher, sessions, factory, nil)
	t.Cleanup(sessions.Shutdown)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &gatewayFixture{server: server, ts: ts, sessions: sessions}
}

func (f *gatewayFixture) post(t *testing.T, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (f *gatewayFixture) initialize(t *testing.T) string {
	t.Helper()
	resp := f.post(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get(sessionHeader)
	require.NotEmpty(t, sessionID)
	return sessionID
}

func decodeMessage(t *testing.T, resp *http.Response) *JSONRPCMessage {
	t.Helper()
	defer resp.Body.Close()
	var msg JSONRPCMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	return &msg
}

func TestInitializeCreatesSession(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.post(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(sessionHeader))
	assert.Equal(t, 1, f.sessions.Len())

	msg := decodeMessage(t, resp)
	require.Nil(t, msg.Error)

	var result map[string]any
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	assert.Equal(t, ProtocolVersion, result["protocolVersion"])
}

func TestToolsListAndCall(t *testing.T) {
	f := newGatewayFixture(t)
	sessionID := f.initialize(t)

	resp := f.post(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{sessionHeader: sessionID})
	msg := decodeMessage(t, resp)
	require.Nil(t, msg.Error)
	var listResult struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(msg.Result, &listResult))
	require.Len(t, listResult.Tools, 1)
	assert.Equal(t, "list_tasks", listResult.Tools[0].Name)

	call := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_tasks","arguments":{"action":"list","status":"open"}}}`
	resp = f.post(t, call, map[string]string{sessionHeader: sessionID})
	msg = decodeMessage(t, resp)
	require.Nil(t, msg.Error)
	assert.Contains(t, string(msg.Result), "t-1")
}

func TestToolCallValidationFailureIsToolError(t *testing.T) {
	f := newGatewayFixture(t)
	sessionID := f.initialize(t)

	call := `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"list_tasks","arguments":{"action":"purge"}}}`
	resp := f.post(t, call, map[string]string{sessionHeader: sessionID})
	msg := decodeMessage(t, resp)
	require.Nil(t, msg.Error)

	var result struct {
		IsError bool `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	assert.True(t, result.IsError)
}

func TestUnknownMethod(t *testing.T) {
	f := newGatewayFixture(t)
	sessionID := f.initialize(t)

	resp := f.post(t, `{"jsonrpc":"2.0","id":5,"method":"bogus/method"}`,
		map[string]string{sessionHeader: sessionID})
	msg := decodeMessage(t, resp)
	require.NotNil(t, msg.Error)
	assert.Equal(t, -32601, msg.Error.Code)
}

func TestNotificationOnlyReturns202(t *testing.T) {
	f := newGatewayFixture(t)
	sessionID := f.initialize(t)

	resp := f.post(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		map[string]string{sessionHeader: sessionID})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestNotificationNeedsNoSession(t *testing.T) {
	f := newGatewayFixture(t)

	// Fire-and-forget notifications are accepted without a session header.
	resp := f.post(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestClientResponseIsAbsorbed(t *testing.T) {
	f := newGatewayFixture(t)

	// A client-originated response carries no method and gets no reply body,
	// just an acknowledgement.
	resp := f.post(t, `{"jsonrpc":"2.0","id":9,"result":{}}`, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestBatchRequests(t *testing.T) {
	f := newGatewayFixture(t)
	sessionID := f.initialize(t)

	body := `[
		{"jsonrpc":"2.0","id":1,"method":"ping"},
		{"jsonrpc":"2.0","id":2,"method":"tools/list"},
		{"jsonrpc":"2.0","method":"notifications/initialized"}
	]`
	resp := f.post(t, body, map[string]string{sessionHeader: sessionID})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var batch []*JSONRPCMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&batch))
	assert.Len(t, batch, 2)
}

func TestPostRejectsUnsupportedAccept(t *testing.T) {
	f := newGatewayFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	require.NoError(t, err)
	req.Header.Set("Accept", "text/html")

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestPostRequiresAcceptHeader(t *testing.T) {
	f := newGatewayFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	require.NoError(t, err)

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestSSERequiresEventStreamAccept(t *testing.T) {
	f := newGatewayFixture(t)
	sessionID := f.initialize(t)

	for _, accept := range []string{"", "application/json"} {
		req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/mcp", nil)
		require.NoError(t, err)
		req.Header.Set(sessionHeader, sessionID)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}

		resp, err := f.ts.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
	}
}

func TestPostRequiresSession(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		map[string]string{sessionHeader: "ghost"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteTerminatesSession(t *testing.T) {
	f := newGatewayFixture(t)
	sessionID := f.initialize(t)

	req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/mcp", nil)
	req.Header.Set(sessionHeader, sessionID)
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, f.sessions.Len())

	// A second delete finds nothing.
	resp, err = f.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Missing header is a bad request.
	req, _ = http.NewRequest(http.MethodDelete, f.ts.URL+"/mcp", nil)
	resp, err = f.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthReportsSessions(t *testing.T) {
	f := newGatewayFixture(t)
	f.initialize(t)
	f.initialize(t)

	resp, err := f.ts.Client().Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(2), health["sessions"])
}

func TestSSEReplayFromLastEventID(t *testing.T) {
	f := newGatewayFixture(t)
	sessionID := f.initialize(t)

	for i := 1; i <= 7; i++ {
		require.NoError(t, f.server.PublishNotification(sessionID,
			"notifications/progress", map[string]any{"step": i}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set(sessionHeader, sessionID)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", "5")

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	ids := readSSEEventIDs(t, resp, 2)
	assert.Equal(t, []uint64{6, 7}, ids)
}

func TestSSEDeliversLivePublishes(t *testing.T) {
	f := newGatewayFixture(t)
	sessionID := f.initialize(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set(sessionHeader, sessionID)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = f.server.PublishNotification(sessionID, "notifications/message", map[string]any{"hello": true})
	}()

	ids := readSSEEventIDs(t, resp, 1)
	assert.Equal(t, []uint64{1}, ids)
}

func TestSSERequiresKnownSession(t *testing.T) {
	f := newGatewayFixture(t)

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req.Header.Set(sessionHeader, "ghost")
	resp, err = f.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// readSSEEventIDs parses "id:" lines off an open SSE response until count
// events arrived.
func readSSEEventIDs(t *testing.T, resp *http.Response, count int) []uint64 {
	t.Helper()
	var ids []uint64
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(ids) < count {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("id: ")) {
			continue
		}
		var id uint64
		_, err := fmt.Sscanf(string(line), "id: %d", &id)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}
