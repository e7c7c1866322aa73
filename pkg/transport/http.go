package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/apibridge/apibridge/pkg/client"
	"github.com/apibridge/apibridge/pkg/config"
	"github.com/apibridge/apibridge/pkg/logger"
	"github.com/apibridge/apibridge/pkg/oauthproxy"
	"github.com/apibridge/apibridge/pkg/session"
	"github.com/apibridge/apibridge/pkg/telemetry"
)

// sessionHeader carries the session id on every request after initialize.
const sessionHeader = "Mcp-Session-Id"

// HTTPServer serves MCP over streamable HTTP: POST for messages, GET for the
// resumable SSE stream, DELETE for session termination.
type HTTPServer struct {
	cfg        *config.Config
	dispatcher *Dispatcher
	sessions   *session.Manager
	factory    *client.Factory
	streams    *streamRegistry
	metrics    *telemetry.Metrics

	authProxy   *oauthproxy.Proxy
	oauthClient *oauthproxy.Client

	httpServer *http.Server
}

// ServerOption customizes server construction.
type ServerOption func(*HTTPServer)

// WithOAuth mounts the authorization proxy endpoints and verifies presented
// bearer tokens against it. The client carries the statically registered MCP
// client identity; its fields may be empty for loopback-only deployments.
func WithOAuth(proxy *oauthproxy.Proxy, oauthClient *oauthproxy.Client) ServerOption {
	return func(s *HTTPServer) {
		s.authProxy = proxy
		s.oauthClient = oauthClient
	}
}

// NewHTTPServer wires the router and session lifecycle. Session destruction
// releases the cached upstream client and closes the session's stream.
func NewHTTPServer(cfg *config.Config, dispatcher *Dispatcher, sessions *session.Manager, factory *client.Factory, metrics *telemetry.Metrics, opts ...ServerOption) *HTTPServer {
	s := &HTTPServer{
		cfg:        cfg,
		dispatcher: dispatcher,
		sessions:   sessions,
		factory:    factory,
		streams:    newStreamRegistry(),
		metrics:    metrics,
	}
	for _, opt := range opts {
		opt(s)
	}

	sessions.OnDestroy(func(sessionID string) {
		factory.Destroy(sessionID)
		s.streams.drop(sessionID)
		if metrics != nil {
			metrics.ActiveSessions.Dec()
		}
	})

	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if cfg.MetricsEnabled && metrics != nil {
		metricsHandler := metrics.Handler()
		if cfg.HTTPRateLimitEnabled {
			metricsHandler = newIPRateLimiter(cfg.HTTPRateLimitMetricsMax, cfg.HTTPRateLimitWindow).middleware(metricsHandler)
		}
		r.Handle(cfg.MetricsPath, metricsHandler)
	}

	if s.authProxy != nil {
		s.mountOAuth(r)
	}

	r.Group(func(r chi.Router) {
		r.Use(bodyLimitMiddleware)
		r.Use(newOriginPolicy(cfg.AllowedOrigins, cfg.Host).middleware)
		r.Use(tokenMiddleware(cfg.TokenMaxLength, s.verifyToken))
		if cfg.HTTPRateLimitEnabled {
			r.Use(newIPRateLimiter(cfg.HTTPRateLimitMax, cfg.HTTPRateLimitWindow).middleware)
		}
		r.Post("/mcp", s.handlePost)
		r.Get("/mcp", s.handleGet)
		r.Delete("/mcp", s.handleDelete)
	})

	warnIfExposed(cfg.Host, cfg.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve blocks until the listener closes.
func (s *HTTPServer) Serve() error {
	logger.Infow("http transport listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, then destroys every session.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.sessions.Shutdown()
	return err
}

// Handler exposes the router for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// PublishNotification pushes a server-originated notification onto a
// session's stream.
func (s *HTTPServer) PublishNotification(sessionID, method string, params any) error {
	msg, err := NewNotificationMessage(method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.streams.get(sessionID).Publish(data)
	return nil
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	})
}

// acceptable reports whether the Accept header admits a JSON or SSE
// response. The header is required on POST.
func acceptable(header string) bool {
	for _, part := range strings.Split(header, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mediaType {
		case "application/json", "text/event-stream", "application/*", "*/*":
			return true
		}
	}
	return false
}

// acceptsSSE reports whether the Accept header admits an event stream,
// required on GET.
func acceptsSSE(header string) bool {
	for _, part := range strings.Split(header, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mediaType {
		case "text/event-stream", "*/*":
			return true
		}
	}
	return false
}

func prefersSSE(header string) bool {
	for _, part := range strings.Split(header, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mediaType {
		case "text/event-stream":
			return true
		case "application/json", "*/*", "application/*":
			return false
		}
	}
	return false
}

func (s *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	if !acceptable(r.Header.Get("Accept")) {
		writeHTTPError(w, http.StatusNotAcceptable, "not_acceptable",
			"Accept must include application/json or text/event-stream")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeHTTPError(w, http.StatusRequestEntityTooLarge, "payload_too_large",
			"request body exceeds the size limit")
		return
	}

	messages, batch, err := DecodeMessages(body)
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, "parse_error", err.Error())
		return
	}

	// Bodies with no request in them need no session: hand the
	// notifications to the dispatcher fire-and-forget and acknowledge.
	if !containsRequest(messages) {
		for _, msg := range messages {
			if msg.Validate() != nil {
				continue
			}
			s.dispatcher.Dispatch(r.Context(), msg, nil)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	sess, ok := s.resolveSession(w, r, messages)
	if !ok {
		return
	}

	var responses []*JSONRPCMessage
	for _, msg := range messages {
		if err := msg.Validate(); err != nil {
			responses = append(responses, NewErrorMessage(msg.ID, -32600, err.Error()))
			continue
		}
		upstreamClient, err := s.factory.ForSession(sess.ID, sess.Token)
		if err != nil {
			responses = append(responses, NewErrorMessage(msg.ID,
				-32001, "authentication failed: "+err.Error()))
			continue
		}
		if resp := s.dispatcher.Dispatch(r.Context(), msg, upstreamClient); resp != nil {
			responses = append(responses, resp)
		}
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var payload any = responses
	if !batch {
		payload = responses[0]
	}

	if prefersSSE(r.Header.Get("Accept")) {
		s.writeSSEResponse(w, payload)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorw("failed to write response", "error", err)
	}
}

func containsRequest(messages []*JSONRPCMessage) bool {
	for _, msg := range messages {
		if msg.IsRequest() {
			return true
		}
	}
	return false
}

// resolveSession creates a session when the request carries an initialize,
// and otherwise requires a valid Mcp-Session-Id header.
func (s *HTTPServer) resolveSession(w http.ResponseWriter, r *http.Request, messages []*JSONRPCMessage) (*session.Session, bool) {
	initializing := false
	for _, msg := range messages {
		if msg.Method == "initialize" {
			initializing = true
			break
		}
	}

	if initializing {
		sess := s.sessions.Create(TokenFromContext(r.Context()))
		if s.metrics != nil {
			s.metrics.ActiveSessions.Inc()
		}
		w.Header().Set(sessionHeader, sess.ID)
		return sess, true
	}

	id := r.Header.Get(sessionHeader)
	if id == "" {
		writeHTTPError(w, http.StatusBadRequest, "missing_session",
			"Mcp-Session-Id header is required")
		return nil, false
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeHTTPError(w, http.StatusNotFound, "unknown_session", "session not found")
		return nil, false
	}
	return sess, true
}

// writeSSEResponse emits the reply as a single SSE event on the POST
// response body.
func (s *HTTPServer) writeSSEResponse(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeHTTPError(w, http.StatusInternalServerError, "internal_error", "failed to serialize response")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if !acceptsSSE(r.Header.Get("Accept")) {
		writeHTTPError(w, http.StatusNotAcceptable, "not_acceptable",
			"Accept must include text/event-stream")
		return
	}
	id := r.Header.Get(sessionHeader)
	if id == "" {
		writeHTTPError(w, http.StatusBadRequest, "missing_session",
			"Mcp-Session-Id header is required")
		return
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeHTTPError(w, http.StatusNotFound, "unknown_session", "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeHTTPError(w, http.StatusInternalServerError, "streaming_unsupported",
			"response writer does not support streaming")
		return
	}

	stream := s.streams.get(sess.ID)
	lastEventID := ParseLastEventID(r.Header.Get("Last-Event-ID"))
	missed, events := stream.Subscribe(lastEventID)
	defer stream.Unsubscribe(events)

	if s.metrics != nil {
		s.metrics.SSEStreams.Inc()
		defer s.metrics.SSEStreams.Dec()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, ev := range missed {
		writeSSEEvent(w, ev)
	}
	flusher.Flush()

	var heartbeat <-chan time.Time
	if s.cfg.HeartbeatEnabled && s.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
			sess.Touch()
		case <-heartbeat:
			// Comment line keeps intermediaries from closing the idle
			// connection; it carries no event id.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w io.Writer, ev Event) {
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, ev.Data)
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		writeHTTPError(w, http.StatusBadRequest, "missing_session",
			"Mcp-Session-Id header is required")
		return
	}
	if !s.sessions.Destroy(id) {
		writeHTTPError(w, http.StatusNotFound, "unknown_session", "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
