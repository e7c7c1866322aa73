package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/apibridge/apibridge/pkg/apierror"
	"github.com/apibridge/apibridge/pkg/logger"
)

// maxResponseSize caps upstream response bodies read into memory.
const maxResponseSize = 32 << 20

// defaultRequestTimeout applies when the config sets none.
const defaultRequestTimeout = 30 * time.Second

// Request is the mutable context flowing through the interceptor chain.
type Request struct {
	Method string
	// URL is the absolute request URL without a query string.
	URL    string
	Header http.Header
	// Query holds query parameters; values may be scalars or []any, which
	// stay arrays until send-time serialization.
	Query map[string]any
	Body  []byte
	// OperationID selects per-operation rate-limit buckets. Optional.
	OperationID string
}

// Response is the upstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Handler executes one upstream request.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Interceptor wraps a handler with a cross-cutting concern.
type Interceptor func(next Handler) Handler

// Client is an upstream HTTP client with its interceptor chain built once at
// construction: auth outermost, then rate limit, then retry around the
// terminal send.
type Client struct {
	cfg          *Config
	httpClient   *http.Client
	handler      Handler
	token        string
	throttleHook func()
}

// Option customizes client construction.
type Option func(*Client)

// WithToken overrides the env-derived auth token, used for per-session
// clients carrying caller credentials.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the underlying HTTP client. Test use mostly.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithThrottleHook registers a callback invoked whenever the rate limiter
// delays a request.
func WithThrottleHook(fn func()) Option {
	return func(c *Client) {
		c.throttleHook = fn
	}
}

// New builds a client for the given interceptor configuration. When the
// primary auth spec requires a token and neither the env var nor an override
// supplies one, construction fails.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	primary := cfg.PrimaryAuth()
	if primary != nil && c.token == "" {
		c.token = os.Getenv(primary.ValueFromEnv)
		if c.token == "" {
			return nil, apierror.NewAuthentication(
				"no auth token: set %s or pass a token via the Authorization or X-API-Token header",
				primary.ValueFromEnv)
		}
	}
	if c.token != "" {
		logger.RegisterSecret(c.token)
	}

	// Innermost first: terminal send, wrapped by retry, rate limit, auth.
	handler := c.send
	if cfg.Retry != nil {
		handler = retryInterceptor(cfg.Retry)(handler)
	}
	if cfg.RateLimit != nil {
		lim := newLimiter(cfg.RateLimit)
		lim.onThrottle = c.throttleHook
		handler = rateLimitInterceptor(lim)(handler)
	}
	if primary != nil {
		handler = authInterceptor(primary, c.token)(handler)
	}
	c.handler = handler

	return c, nil
}

// Execute runs the request through the interceptor chain and classifies
// non-2xx responses into structured errors. The response accompanies the
// error so callers can inspect it.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	resp, err := c.handler(ctx, req)
	if err != nil {
		if _, ok := apierror.AsError(err); ok {
			return nil, err
		}
		return nil, apierror.NewNetworkServer("upstream request failed").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, apierror.FromResponse(resp.StatusCode, resp.Body, resp.Header)
	}
	return resp, nil
}

// send is the terminal handler: serialize the query string per the
// configured array format and perform the HTTP exchange.
func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	target := req.URL
	if qs := encodeQuery(req.Query, c.cfg.ArrayFormat); qs != "" {
		target = target + "?" + qs
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		httpReq.Header[k] = vs
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

// encodeQuery serializes query parameters, expanding array values per the
// configured format. Keys are emitted in sorted order so URLs are stable.
func encodeQuery(query map[string]any, format string) string {
	if len(query) == 0 {
		return ""
	}
	if format == "" {
		format = ArrayFormatRepeat
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	appendPair := func(k, v string) {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
	}

	for _, k := range keys {
		switch v := query[k].(type) {
		case []any:
			elems := make([]string, len(v))
			for i, e := range v {
				elems[i] = fmt.Sprintf("%v", e)
			}
			switch format {
			case ArrayFormatBrackets:
				for _, e := range elems {
					appendPair(k+"[]", e)
				}
			case ArrayFormatIndices:
				for i, e := range elems {
					appendPair(fmt.Sprintf("%s[%d]", k, i), e)
				}
			case ArrayFormatComma:
				appendPair(k, strings.Join(elems, ","))
			default: // repeat
				for _, e := range elems {
					appendPair(k, e)
				}
			}
		default:
			appendPair(k, fmt.Sprintf("%v", v))
		}
	}
	return strings.Join(parts, "&")
}
