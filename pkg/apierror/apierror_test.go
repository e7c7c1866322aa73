package apierror

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationIDIsStable(t *testing.T) {
	e := NewValidation("bad input")
	first := e.CorrelationID()
	require.NotEmpty(t, first)
	assert.Equal(t, first, e.CorrelationID())

	other := NewValidation("bad input")
	assert.NotEqual(t, first, other.CorrelationID())
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	e := NewNetworkServer("upstream request failed").WithCause(cause)
	assert.Contains(t, e.Error(), "connection refused")
	assert.ErrorIs(t, e, cause)
}

func TestFormatForClient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"validation includes message", NewValidation("missing parameter id"), "missing parameter id"},
		{"authentication includes message", NewAuthentication("token rejected"), "token rejected"},
		{"client error includes message", NewNetworkClient("bad request"), "bad request"},
		{"server error is generic", NewNetworkServer("database exploded"), "Internal error"},
		{"plain error is generic", errors.New("secret detail"), "Internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := FormatForClient(tt.err)
			assert.Contains(t, msg, tt.contains)
			assert.Contains(t, msg, "correlation ID")
		})
	}

	msg := FormatForClient(NewNetworkServer("database exploded"))
	assert.NotContains(t, msg, "database exploded")
}

func TestFormatForClientRateLimit(t *testing.T) {
	msg := FormatForClient(NewRateLimit(30*time.Second, "rate limit exceeded"))
	assert.Contains(t, msg, "Retry after 30 seconds")

	msg = FormatForClient(NewRateLimit(0, "rate limit exceeded"))
	assert.NotContains(t, msg, "Retry after")
}

func TestJSONRPCCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{NewOperationNotFound("no such op"), CodeMethodNotFound},
		{NewValidation("bad"), CodeInvalidParams},
		{NewParameter("bad"), CodeInvalidParams},
		{NewAuthentication("bad"), CodeAuthentication},
		{NewAuthorization("bad"), CodeAuthorization},
		{NewRateLimit(0, "slow down"), CodeRateLimit},
		{NewNetworkServer("boom"), CodeInternal},
		{errors.New("plain"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, JSONRPCCode(tt.err))
	}
}

func TestFromResponse(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		kind    Kind
		message string
	}{
		{"401 authentication", 401, `{"error":"invalid_token"}`, KindAuthentication, "invalid_token"},
		{"403 authorization", 403, `{"message":"forbidden"}`, KindAuthorization, "forbidden"},
		{"404 client", 404, `{"error":"not here"}`, KindNetworkClient, "not here"},
		{"422 client", 422, `{"error_description":"unprocessable"}`, KindNetworkClient, "unprocessable"},
		{"500 server", 500, `{"error":"oops"}`, KindNetworkServer, "oops"},
		{"plain text body", 400, "plain failure", KindNetworkClient, "plain failure"},
		{"empty body", 503, "", KindNetworkServer, "HTTP 503"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := FromResponse(tt.status, []byte(tt.body), nil)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.message, e.Message)
			assert.Equal(t, tt.status, e.Details["status"])
		})
	}
}

func TestFromResponsePrefersErrorDescription(t *testing.T) {
	body := []byte(`{"message":"generic","error":"specific","error_description":"most specific"}`)
	e := FromResponse(400, body, nil)
	assert.Equal(t, "most specific", e.Message)
}

func TestFromResponseNotFoundCode(t *testing.T) {
	e := FromResponse(404, nil, nil)
	assert.Equal(t, "not_found", e.Code)
}

func TestFromResponseRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "42")
	e := FromResponse(429, nil, h)
	assert.Equal(t, KindRateLimit, e.Kind)
	assert.Equal(t, 42*time.Second, e.RetryAfter)

	h.Set("Retry-After", "Wed, 21 Oct 2015 07:28:00 GMT")
	e = FromResponse(429, nil, h)
	assert.Zero(t, e.RetryAfter)
}
