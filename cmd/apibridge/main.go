// apibridge serves a configurable MCP gateway over an OpenAPI-described HTTP
// API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/apibridge/apibridge/pkg/client"
	"github.com/apibridge/apibridge/pkg/composite"
	"github.com/apibridge/apibridge/pkg/config"
	"github.com/apibridge/apibridge/pkg/logger"
	"github.com/apibridge/apibridge/pkg/oauthproxy"
	"github.com/apibridge/apibridge/pkg/openapi"
	"github.com/apibridge/apibridge/pkg/profile"
	"github.com/apibridge/apibridge/pkg/request"
	"github.com/apibridge/apibridge/pkg/session"
	"github.com/apibridge/apibridge/pkg/telemetry"
	"github.com/apibridge/apibridge/pkg/transport"
	"github.com/apibridge/apibridge/pkg/upstream"
)

// shutdownGrace bounds the drain of in-flight requests on shutdown.
const shutdownGrace = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "apibridge",
		Short: "MCP gateway for OpenAPI-described HTTP APIs",
		Long: "apibridge exposes the operations of an OpenAPI 3.0 document as MCP tools, " +
			"shaped by an optional profile, over stdio or streamable HTTP.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "apibridge: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Initialize(cfg.LogLevel, cfg.LogFormat)

	index, err := openapi.Load(cfg.OpenAPISpecPath)
	if err != nil {
		return err
	}

	prof, err := loadProfile(cfg, index)
	if err != nil {
		return err
	}

	upstreamCfg := prof.InterceptorConfig
	if upstreamCfg == nil {
		upstreamCfg = &upstream.Config{}
	}
	if override := cfg.AuthOverride(); override != nil && (cfg.AuthForce || len(upstreamCfg.Auth) == 0) {
		upstreamCfg.Auth = []upstream.AuthSpec{*override}
	}
	if len(upstreamCfg.Auth) == 0 {
		if spec := authFromSecurityScheme(cfg, index); spec != nil {
			upstreamCfg.Auth = []upstream.AuthSpec{*spec}
		}
	}

	baseURL, err := upstreamCfg.ResolveBaseURL(index.BaseURL())
	if err != nil {
		return err
	}

	builder := request.NewBuilder(baseURL)
	executor := composite.NewExecutor(index, builder)

	var metrics *telemetry.Metrics
	var clientOpts []upstream.Option
	if cfg.MetricsEnabled {
		metrics = telemetry.New()
		clientOpts = append(clientOpts, upstream.WithThrottleHook(metrics.RateLimitWaits.Inc))
	}
	factory := client.NewFactory(upstreamCfg, clientOpts...)
	dispatcher := transport.NewDispatcher(prof, index, builder, executor, metrics)

	logger.Infow("gateway configured",
		"profile", prof.ProfileName,
		"tools", len(prof.Tools),
		"operations", len(index.AllOperations()),
		"transport", cfg.Transport,
	)

	switch cfg.Transport {
	case config.TransportHTTP:
		serverOpts, err := oauthOptions(upstreamCfg)
		if err != nil {
			return err
		}
		return serveHTTP(ctx, cfg, dispatcher, factory, metrics, serverOpts...)
	default:
		return serveStdio(ctx, factory, dispatcher)
	}
}

// oauthOptions builds the authorization proxy when an oauth auth spec is
// configured. The proxy only applies to the HTTP transport.
func oauthOptions(upstreamCfg *upstream.Config) ([]transport.ServerOption, error) {
	for _, spec := range upstreamCfg.Auth {
		if spec.Type != upstream.AuthTypeOAuth || spec.OAuth == nil {
			continue
		}
		proxy, err := oauthproxy.New(spec.OAuth)
		if err != nil {
			return nil, err
		}
		oauthClient := &oauthproxy.Client{ID: spec.OAuth.ClientID}
		if spec.OAuth.RedirectURI != "" {
			oauthClient.RedirectURIs = []string{spec.OAuth.RedirectURI}
		}
		return []transport.ServerOption{transport.WithOAuth(proxy, oauthClient)}, nil
	}
	return nil, nil
}

// loadProfile reads the configured profile file, or derives a default
// profile exposing every operation as its own tool.
func loadProfile(cfg *config.Config, index *openapi.Index) (*profile.Profile, error) {
	if cfg.ProfilePath != "" {
		return profile.Load(cfg.ProfilePath, index)
	}
	namer := &profile.SanitizingNamer{Config: profile.DefaultNamerConfig}
	return profile.DefaultProfile(index, namer), nil
}

// authFromSecurityScheme derives an auth spec from the document's security
// scheme when neither the profile nor the environment configures one.
func authFromSecurityScheme(cfg *config.Config, index *openapi.Index) *upstream.AuthSpec {
	scheme := index.SecurityScheme()
	if scheme == nil {
		return nil
	}
	envVar := cfg.AuthEnvVar
	if envVar == "" {
		envVar = "API_TOKEN"
	}
	switch scheme.Type {
	case "bearer":
		return &upstream.AuthSpec{Type: upstream.AuthTypeBearer, ValueFromEnv: envVar}
	case "apiKey":
		if scheme.In == "query" {
			return &upstream.AuthSpec{Type: upstream.AuthTypeQuery, ValueFromEnv: envVar, QueryParam: scheme.Name}
		}
		return &upstream.AuthSpec{Type: upstream.AuthTypeCustomHeader, ValueFromEnv: envVar, HeaderName: scheme.Name}
	}
	return nil
}

func serveHTTP(ctx context.Context, cfg *config.Config, dispatcher *transport.Dispatcher, factory *client.Factory, metrics *telemetry.Metrics, opts ...transport.ServerOption) error {
	sessions := session.NewManager(cfg.SessionTimeout)
	server := transport.NewHTTPServer(cfg, dispatcher, sessions, factory, metrics, opts...)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func serveStdio(ctx context.Context, factory *client.Factory, dispatcher *transport.Dispatcher) error {
	upstreamClient, err := factory.Global()
	if err != nil {
		return err
	}
	server := transport.NewStdioServer(dispatcher, upstreamClient, os.Stdin, os.Stdout)
	err = server.Serve(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}
