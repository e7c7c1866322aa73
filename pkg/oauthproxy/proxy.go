// Package oauthproxy fronts an external identity provider: it mints local
// authorization codes for MCP clients, forwards PKCE challenges upstream,
// exchanges codes and refresh tokens at the IdP, and verifies access tokens
// through an in-memory cache backed by introspection.
package oauthproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apibridge/apibridge/pkg/apierror"
	"github.com/apibridge/apibridge/pkg/logger"
	"github.com/apibridge/apibridge/pkg/upstream"
)

// codeTTL is the lifetime of a minted authorization code.
const codeTTL = 5 * time.Minute

// exchangeTimeout bounds every call to the IdP.
const exchangeTimeout = 30 * time.Second

var envPlaceholderRe = regexp.MustCompile(`\$\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// Client identifies one registered MCP client.
type Client struct {
	ID           string
	RedirectURIs []string
}

// AuthorizeParams are the query parameters of an authorization request.
type AuthorizeParams struct {
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string
}

// TokenInfo is the verified view of an access token.
type TokenInfo struct {
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// TokenEnvelope is the IdP's token response passed through to the client.
type TokenEnvelope struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type codeRecord struct {
	clientID  string
	params    AuthorizeParams
	createdAt time.Time
}

type tokenRecord struct {
	info TokenInfo
}

// Proxy is the in-memory authorization state plus the IdP endpoints.
type Proxy struct {
	cfg        *upstream.OAuthConfig
	httpClient *http.Client

	mu     sync.Mutex
	codes  map[string]*codeRecord
	tokens map[string]*tokenRecord
}

// New resolves ${env:NAME} placeholders in the configuration and returns the
// proxy. A placeholder naming an unset variable is a fatal configuration
// error.
func New(cfg *upstream.OAuthConfig) (*Proxy, error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	if resolved.AuthorizationEndpoint == "" || resolved.TokenEndpoint == "" {
		return nil, apierror.NewConfiguration("oauth config requires authorization_endpoint and token_endpoint")
	}
	if resolved.ClientSecret != "" {
		logger.RegisterSecret(resolved.ClientSecret)
	}
	return &Proxy{
		cfg:        resolved,
		httpClient: &http.Client{Timeout: exchangeTimeout},
		codes:      make(map[string]*codeRecord),
		tokens:     make(map[string]*tokenRecord),
	}, nil
}

func resolveConfig(cfg *upstream.OAuthConfig) (*upstream.OAuthConfig, error) {
	dup := *cfg
	fields := []*string{
		&dup.AuthorizationEndpoint, &dup.TokenEndpoint,
		&dup.IntrospectionEndpoint, &dup.RevocationEndpoint,
		&dup.ClientID, &dup.ClientSecret, &dup.RedirectURI,
	}
	for _, f := range fields {
		v, err := substituteEnv(*f)
		if err != nil {
			return nil, err
		}
		*f = v
	}
	return &dup, nil
}

// substituteEnv expands ${env:NAME} placeholders.
func substituteEnv(s string) (string, error) {
	var missing string
	out := envPlaceholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envPlaceholderRe.FindStringSubmatch(match)[1]
		v, ok := os.LookupEnv(name)
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", apierror.NewConfiguration("oauth config references unset environment variable %s", missing)
	}
	return out, nil
}

// Authorize validates the redirect URI, mints a local single-use code, and
// returns the IdP authorization URL the caller should be redirected to.
func (p *Proxy) Authorize(client *Client, params AuthorizeParams) (code, redirect string, err error) {
	if !contains(client.RedirectURIs, params.RedirectURI) {
		return "", "", apierror.NewAuthorization("redirect_uri %q is not registered for client %s", params.RedirectURI, client.ID)
	}

	code = uuid.New().String()
	p.mu.Lock()
	p.codes[code] = &codeRecord{
		clientID:  client.ID,
		params:    params,
		createdAt: time.Now(),
	}
	p.mu.Unlock()

	q := url.Values{}
	q.Set("response_type", "code")
	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = client.ID
	}
	q.Set("client_id", clientID)
	if p.cfg.RedirectURI != "" {
		q.Set("redirect_uri", p.cfg.RedirectURI)
	}
	if params.CodeChallenge != "" {
		q.Set("code_challenge", params.CodeChallenge)
		q.Set("code_challenge_method", "S256")
	}
	if params.State != "" {
		q.Set("state", params.State)
	}
	scopes := params.Scopes
	if len(scopes) == 0 {
		scopes = p.cfg.Scopes
	}
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}

	return code, p.cfg.AuthorizationEndpoint + "?" + q.Encode(), nil
}

// ChallengeForCode returns the PKCE challenge stored with a code.
func (p *Proxy) ChallengeForCode(client *Client, code string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.codes[code]
	if !ok {
		return "", apierror.NewAuthorization("unknown authorization code")
	}
	if rec.clientID != client.ID {
		return "", apierror.NewAuthorization("authorization code was issued to another client")
	}
	return rec.params.CodeChallenge, nil
}

// ExchangeAuthorizationCode redeems a local code at the IdP. The code is
// consumed whether or not the exchange succeeds.
func (p *Proxy) ExchangeAuthorizationCode(ctx context.Context, client *Client, code, verifier, redirectURI string) (*TokenEnvelope, error) {
	p.mu.Lock()
	rec, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()

	if !ok {
		return nil, apierror.NewAuthorization("unknown or already used authorization code")
	}
	if rec.clientID != client.ID {
		return nil, apierror.NewAuthorization("authorization code was issued to another client")
	}
	if time.Since(rec.createdAt) > codeTTL {
		return nil, apierror.NewAuthorization("authorization code expired")
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	if redirectURI == "" {
		redirectURI = rec.params.RedirectURI
	}
	form.Set("redirect_uri", redirectURI)
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}
	p.addClientCredentials(form)

	return p.tokenRequest(ctx, p.cfg.TokenEndpoint, form, client.ID)
}

// ExchangeRefreshToken forwards a refresh grant to the IdP.
func (p *Proxy) ExchangeRefreshToken(ctx context.Context, client *Client, refreshToken string, scopes []string) (*TokenEnvelope, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	p.addClientCredentials(form)

	return p.tokenRequest(ctx, p.cfg.TokenEndpoint, form, client.ID)
}

func (p *Proxy) addClientCredentials(form url.Values) {
	if p.cfg.ClientID != "" {
		form.Set("client_id", p.cfg.ClientID)
	}
	if p.cfg.ClientSecret != "" {
		form.Set("client_secret", p.cfg.ClientSecret)
	}
}

// tokenRequest POSTs a form to an IdP endpoint and caches the returned
// access token with its expiry.
func (p *Proxy) tokenRequest(ctx context.Context, endpoint string, form url.Values, clientID string) (*TokenEnvelope, error) {
	body, status, err := p.postForm(ctx, endpoint, form)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, apierror.FromResponse(status, body, nil)
	}

	var envelope TokenEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, apierror.NewAuthentication("identity provider returned a malformed token response").WithCause(err)
	}
	if envelope.AccessToken == "" {
		return nil, apierror.NewAuthentication("identity provider returned no access token")
	}
	logger.RegisterSecret(envelope.AccessToken)
	if envelope.RefreshToken != "" {
		logger.RegisterSecret(envelope.RefreshToken)
	}

	expiresAt := time.Now().Add(time.Hour)
	if envelope.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(envelope.ExpiresIn) * time.Second)
	}
	p.mu.Lock()
	p.tokens[envelope.AccessToken] = &tokenRecord{info: TokenInfo{
		ClientID:  clientID,
		Scopes:    strings.Fields(envelope.Scope),
		ExpiresAt: expiresAt,
	}}
	p.mu.Unlock()

	return &envelope, nil
}

// VerifyAccessToken resolves a token from the cache, falling back to the
// IdP's introspection endpoint.
func (p *Proxy) VerifyAccessToken(ctx context.Context, token string) (*TokenInfo, error) {
	p.mu.Lock()
	rec, ok := p.tokens[token]
	if ok && time.Now().After(rec.info.ExpiresAt) {
		delete(p.tokens, token)
		ok = false
	}
	p.mu.Unlock()
	if ok {
		info := rec.info
		return &info, nil
	}

	if p.cfg.IntrospectionEndpoint == "" {
		return nil, apierror.NewAuthentication("invalid access token")
	}

	form := url.Values{}
	form.Set("token", token)
	p.addClientCredentials(form)
	body, status, err := p.postForm(ctx, p.cfg.IntrospectionEndpoint, form)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, apierror.FromResponse(status, body, nil)
	}

	var introspection struct {
		Active    bool   `json:"active"`
		ClientID  string `json:"client_id"`
		Scope     string `json:"scope"`
		ExpiresAt int64  `json:"exp"`
	}
	if err := json.Unmarshal(body, &introspection); err != nil {
		return nil, apierror.NewAuthentication("identity provider returned a malformed introspection response").WithCause(err)
	}
	if !introspection.Active {
		return nil, apierror.NewAuthentication("invalid access token")
	}

	info := TokenInfo{
		ClientID:  introspection.ClientID,
		Scopes:    strings.Fields(introspection.Scope),
		ExpiresAt: time.Unix(introspection.ExpiresAt, 0),
	}
	p.mu.Lock()
	p.tokens[token] = &tokenRecord{info: info}
	p.mu.Unlock()
	return &info, nil
}

// RevokeToken drops the token locally and notifies the IdP best-effort.
func (p *Proxy) RevokeToken(ctx context.Context, token string) {
	p.mu.Lock()
	delete(p.tokens, token)
	p.mu.Unlock()

	if p.cfg.RevocationEndpoint == "" {
		return
	}
	form := url.Values{}
	form.Set("token", token)
	p.addClientCredentials(form)
	if _, _, err := p.postForm(ctx, p.cfg.RevocationEndpoint, form); err != nil {
		logger.Warnf("token revocation at identity provider failed: %v", err)
	}
}

func (p *Proxy) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, apierror.NewNetworkServer("identity provider request failed").WithCause(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
