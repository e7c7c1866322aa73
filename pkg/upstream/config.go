// Package upstream implements the authenticated HTTP client used for all
// calls against the configured API, with an interceptor chain layering auth
// injection, token-bucket rate limiting, and retry with backoff around the
// terminal send.
package upstream

import (
	"os"
	"sort"
	"time"

	"github.com/apibridge/apibridge/pkg/apierror"
)

// Auth spec types. OAuth specs never participate in the interceptor chain;
// they are handled at the transport layer.
const (
	AuthTypeBearer       = "bearer"
	AuthTypeQuery        = "query"
	AuthTypeCustomHeader = "custom-header"
	AuthTypeOAuth        = "oauth"
)

// Array serialization formats applied to query parameters at send time.
const (
	ArrayFormatBrackets = "brackets"
	ArrayFormatIndices  = "indices"
	ArrayFormatRepeat   = "repeat"
	ArrayFormatComma    = "comma"
)

// AuthSpec configures one way of authenticating against the upstream.
// Lower Priority wins when several specs are declared.
type AuthSpec struct {
	Type                string `json:"type"`
	ValueFromEnv        string `json:"value_from_env,omitempty"`
	HeaderName          string `json:"header_name,omitempty"`
	QueryParam          string `json:"query_param,omitempty"`
	ValidationEndpoint  string `json:"validation_endpoint,omitempty"`
	ValidationTimeoutMS int    `json:"validation_timeout_ms,omitempty"`
	Priority            int    `json:"priority,omitempty"`

	// OAuth configures the authorization proxy for oauth specs.
	OAuth *OAuthConfig `json:"oauth,omitempty"`
}

// OAuthConfig points at the upstream identity provider. String fields accept
// ${env:NAME} placeholders resolved at startup.
type OAuthConfig struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	IntrospectionEndpoint string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint    string   `json:"revocation_endpoint,omitempty"`
	ClientID              string   `json:"client_id,omitempty"`
	ClientSecret          string   `json:"client_secret,omitempty"`
	Scopes                []string `json:"scopes,omitempty"`
	RedirectURI           string   `json:"redirect_uri,omitempty"`
}

// RateLimitConfig is a global token bucket plus per-operationId overrides,
// all expressed as requests per minute.
type RateLimitConfig struct {
	RequestsPerMinute int            `json:"requests_per_minute"`
	PerOperation      map[string]int `json:"per_operation,omitempty"`
}

// RetryConfig drives the retry interceptor. BackoffMS[i] is the delay before
// attempt i+2; the last entry is reused when attempts outnumber entries.
type RetryConfig struct {
	MaxAttempts   int   `json:"max_attempts"`
	BackoffMS     []int `json:"backoff_ms,omitempty"`
	RetryOnStatus []int `json:"retry_on_status,omitempty"`
}

// BaseURLConfig selects the upstream base URL from an env var with a
// fallback default.
type BaseURLConfig struct {
	Env     string `json:"env,omitempty"`
	Default string `json:"default,omitempty"`
}

// Config is the interceptor configuration for one client.
type Config struct {
	Auth        []AuthSpec       `json:"auth,omitempty"`
	BaseURL     *BaseURLConfig   `json:"base_url,omitempty"`
	RateLimit   *RateLimitConfig `json:"rate_limit,omitempty"`
	Retry       *RetryConfig     `json:"retry,omitempty"`
	ArrayFormat string           `json:"array_format,omitempty"`

	// RequestTimeout bounds each upstream request. The retry interceptor
	// treats the deadline as terminal.
	RequestTimeout time.Duration `json:"-"`
}

// ResolveBaseURL picks the base URL from the configured env var, the
// configured default, or the OpenAPI document's servers entry, in that order.
func (c *Config) ResolveBaseURL(docBaseURL string) (string, error) {
	if c.BaseURL != nil {
		if c.BaseURL.Env != "" {
			if v := os.Getenv(c.BaseURL.Env); v != "" {
				return v, nil
			}
		}
		if c.BaseURL.Default != "" {
			return c.BaseURL.Default, nil
		}
	}
	if docBaseURL != "" {
		return docBaseURL, nil
	}
	return "", apierror.NewConfiguration("no upstream base URL configured and the OpenAPI document declares no servers")
}

// PrimaryAuth returns the highest-priority non-oauth auth spec, or nil when
// none is declared.
func (c *Config) PrimaryAuth() *AuthSpec {
	specs := make([]AuthSpec, 0, len(c.Auth))
	for _, s := range c.Auth {
		if s.Type != AuthTypeOAuth {
			specs = append(specs, s)
		}
	}
	if len(specs) == 0 {
		return nil
	}
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].Priority < specs[j].Priority })
	return &specs[0]
}

// Validate rejects malformed interceptor configuration up front.
func (c *Config) Validate() error {
	for i, spec := range c.Auth {
		switch spec.Type {
		case AuthTypeBearer, AuthTypeOAuth:
		case AuthTypeQuery:
			if spec.QueryParam == "" {
				return apierror.NewConfiguration("auth[%d]: query auth requires query_param", i)
			}
		case AuthTypeCustomHeader:
			if spec.HeaderName == "" {
				return apierror.NewConfiguration("auth[%d]: custom-header auth requires header_name", i)
			}
		default:
			return apierror.NewConfiguration("auth[%d]: unknown auth type %q", i, spec.Type)
		}
	}
	switch c.ArrayFormat {
	case "", ArrayFormatBrackets, ArrayFormatIndices, ArrayFormatRepeat, ArrayFormatComma:
	default:
		return apierror.NewConfiguration("array_format %q is not one of brackets, indices, repeat, comma", c.ArrayFormat)
	}
	if c.Retry != nil && c.Retry.MaxAttempts < 1 {
		return apierror.NewConfiguration("retry.max_attempts must be at least 1")
	}
	if c.RateLimit != nil && c.RateLimit.RequestsPerMinute < 1 {
		return apierror.NewConfiguration("rate_limit.requests_per_minute must be at least 1")
	}
	return nil
}
