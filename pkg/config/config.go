// Package config resolves the gateway's runtime configuration from the
// environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/apibridge/apibridge/pkg/apierror"
	"github.com/apibridge/apibridge/pkg/session"
	"github.com/apibridge/apibridge/pkg/upstream"
)

// Transport selects how the gateway speaks MCP.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Config is the resolved runtime configuration.
type Config struct {
	OpenAPISpecPath string
	ProfilePath     string
	Transport       string

	Host string
	Port int

	SessionTimeout    time.Duration
	HeartbeatEnabled  bool
	HeartbeatInterval time.Duration

	MetricsEnabled bool
	MetricsPath    string

	AllowedOrigins []string

	HTTPRateLimitEnabled    bool
	HTTPRateLimitWindow     time.Duration
	HTTPRateLimitMax        int
	HTTPRateLimitMetricsMax int

	TokenMaxLength int

	LogLevel  string
	LogFormat string

	// AUTH_* variables override the default profile's auth when no profile
	// file is given.
	AuthForce      bool
	AuthType       string
	AuthEnvVar     string
	AuthQueryParam string
	AuthHeaderName string
}

// Load reads the environment and applies defaults. A missing
// OPENAPI_SPEC_PATH or unknown transport is a fatal configuration error.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("MCP_TRANSPORT", TransportStdio)
	v.SetDefault("MCP_HOST", "127.0.0.1")
	v.SetDefault("MCP_PORT", 3003)
	v.SetDefault("SESSION_TIMEOUT_MS", 1800000)
	v.SetDefault("HEARTBEAT_ENABLED", true)
	v.SetDefault("HEARTBEAT_INTERVAL_MS", 30000)
	v.SetDefault("METRICS_ENABLED", false)
	v.SetDefault("METRICS_PATH", "/metrics")
	v.SetDefault("HTTP_RATE_LIMIT_ENABLED", true)
	v.SetDefault("HTTP_RATE_LIMIT_WINDOW_MS", 60000)
	v.SetDefault("HTTP_RATE_LIMIT_MAX_REQUESTS", 600)
	v.SetDefault("HTTP_RATE_LIMIT_METRICS_MAX", 60)
	v.SetDefault("TOKEN_MAX_LENGTH", session.DefaultTokenMaxLength)
	v.SetDefault("LOG_LEVEL", "INFO")
	v.SetDefault("LOG_FORMAT", "console")

	cfg := &Config{
		OpenAPISpecPath:         v.GetString("OPENAPI_SPEC_PATH"),
		ProfilePath:             v.GetString("MCP_PROFILE_PATH"),
		Transport:               strings.ToLower(v.GetString("MCP_TRANSPORT")),
		Host:                    v.GetString("MCP_HOST"),
		Port:                    v.GetInt("MCP_PORT"),
		SessionTimeout:          time.Duration(v.GetInt("SESSION_TIMEOUT_MS")) * time.Millisecond,
		HeartbeatEnabled:        v.GetBool("HEARTBEAT_ENABLED"),
		HeartbeatInterval:       time.Duration(v.GetInt("HEARTBEAT_INTERVAL_MS")) * time.Millisecond,
		MetricsEnabled:          v.GetBool("METRICS_ENABLED"),
		MetricsPath:             v.GetString("METRICS_PATH"),
		AllowedOrigins:          splitList(v.GetString("ALLOWED_ORIGINS")),
		HTTPRateLimitEnabled:    v.GetBool("HTTP_RATE_LIMIT_ENABLED"),
		HTTPRateLimitWindow:     time.Duration(v.GetInt("HTTP_RATE_LIMIT_WINDOW_MS")) * time.Millisecond,
		HTTPRateLimitMax:        v.GetInt("HTTP_RATE_LIMIT_MAX_REQUESTS"),
		HTTPRateLimitMetricsMax: v.GetInt("HTTP_RATE_LIMIT_METRICS_MAX"),
		TokenMaxLength:          v.GetInt("TOKEN_MAX_LENGTH"),
		LogLevel:                v.GetString("LOG_LEVEL"),
		LogFormat:               v.GetString("LOG_FORMAT"),
		AuthForce:               v.GetBool("AUTH_FORCE"),
		AuthType:                v.GetString("AUTH_TYPE"),
		AuthEnvVar:              v.GetString("AUTH_ENV_VAR"),
		AuthQueryParam:          v.GetString("AUTH_QUERY_PARAM"),
		AuthHeaderName:          v.GetString("AUTH_HEADER_NAME"),
	}

	if cfg.OpenAPISpecPath == "" {
		return nil, apierror.NewConfiguration("OPENAPI_SPEC_PATH is required")
	}
	switch cfg.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return nil, apierror.NewConfiguration("MCP_TRANSPORT %q is not one of stdio, http", cfg.Transport)
	}
	if cfg.SessionTimeout <= 0 {
		return nil, apierror.NewConfiguration("SESSION_TIMEOUT_MS must be positive")
	}
	return cfg, nil
}

// AuthOverride builds the auth spec forced by AUTH_* variables, or nil when
// none is configured. It applies to the default profile; an explicit profile
// keeps its own auth unless AUTH_FORCE is set.
func (c *Config) AuthOverride() *upstream.AuthSpec {
	if c.AuthType == "" {
		return nil
	}
	return &upstream.AuthSpec{
		Type:         c.AuthType,
		ValueFromEnv: c.AuthEnvVar,
		QueryParam:   c.AuthQueryParam,
		HeaderName:   c.AuthHeaderName,
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
