package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apibridge/apibridge/pkg/apierror"
)

func TestEncodeQuery(t *testing.T) {
	query := map[string]any{
		"b":    "2",
		"a":    1,
		"tags": []any{"x", "y"},
	}

	tests := []struct {
		format string
		want   string
	}{
		{ArrayFormatRepeat, "a=1&b=2&tags=x&tags=y"},
		{ArrayFormatBrackets, "a=1&b=2&tags%5B%5D=x&tags%5B%5D=y"},
		{ArrayFormatIndices, "a=1&b=2&tags%5B0%5D=x&tags%5B1%5D=y"},
		{ArrayFormatComma, "a=1&b=2&tags=x%2Cy"},
		{"", "a=1&b=2&tags=x&tags=y"},
	}
	for _, tt := range tests {
		t.Run("format "+tt.format, func(t *testing.T) {
			assert.Equal(t, tt.want, encodeQuery(query, tt.format))
		})
	}

	assert.Empty(t, encodeQuery(nil, ArrayFormatRepeat))
}

func TestClientInjectsBearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := New(&Config{
		Auth: []AuthSpec{{Type: AuthTypeBearer, ValueFromEnv: "UNUSED"}},
	}, WithToken("secret-token"))
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), &Request{Method: "GET", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestClientInjectsQueryAuth(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := New(&Config{
		Auth: []AuthSpec{{Type: AuthTypeQuery, QueryParam: "api_key", ValueFromEnv: "UNUSED"}},
	}, WithToken("k123"))
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), &Request{
		Method: "GET",
		URL:    srv.URL,
		Query:  map[string]any{"status": "open"},
	})
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "api_key=k123")
	assert.Contains(t, gotQuery, "status=open")
}

func TestClientPicksPrimaryAuthByPriority(t *testing.T) {
	cfg := &Config{
		Auth: []AuthSpec{
			{Type: AuthTypeCustomHeader, HeaderName: "X-Key", Priority: 2},
			{Type: AuthTypeBearer, Priority: 1},
			{Type: AuthTypeOAuth, Priority: 0},
		},
	}
	primary := cfg.PrimaryAuth()
	require.NotNil(t, primary)
	assert.Equal(t, AuthTypeBearer, primary.Type)
}

func TestClientMissingTokenIsFatal(t *testing.T) {
	t.Setenv("APIBRIDGE_TEST_TOKEN", "")
	_, err := New(&Config{
		Auth: []AuthSpec{{Type: AuthTypeBearer, ValueFromEnv: "APIBRIDGE_TEST_TOKEN"}},
	})
	require.Error(t, err)
	apiErr, ok := apierror.AsError(err)
	require.True(t, ok)
	assert.Equal(t, apierror.KindAuthentication, apiErr.Kind)
	assert.Contains(t, err.Error(), "APIBRIDGE_TEST_TOKEN")
}

func TestExecuteClassifiesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"task not found"}`))
	}))
	defer srv.Close()

	c, err := New(&Config{})
	require.NoError(t, err)

	resp, err := c.Execute(context.Background(), &Request{Method: "GET", URL: srv.URL})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	apiErr, ok := apierror.AsError(err)
	require.True(t, ok)
	assert.Equal(t, apierror.KindNetworkClient, apiErr.Kind)
	assert.Equal(t, "task not found", apiErr.Message)
}

func TestExecuteSendsJSONBody(t *testing.T) {
	var gotBody map[string]any
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"t-1"}`))
	}))
	defer srv.Close()

	c, err := New(&Config{})
	require.NoError(t, err)

	resp, err := c.Execute(context.Background(), &Request{
		Method: "POST",
		URL:    srv.URL,
		Body:   []byte(`{"title":"x"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, map[string]any{"title": "x"}, gotBody)
}
