package transport

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/apibridge/apibridge/pkg/apierror"
	"github.com/apibridge/apibridge/pkg/logger"
	"github.com/apibridge/apibridge/pkg/oauthproxy"
)

// oauthError is the RFC 6749 error body for token endpoint failures.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oauthError{Error: code, Description: description})
}

// mountOAuth registers the authorization proxy endpoints. They sit outside
// the token middleware: callers hit them to obtain a token in the first
// place.
func (s *HTTPServer) mountOAuth(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(bodyLimitMiddleware)
		r.Use(newOriginPolicy(s.cfg.AllowedOrigins, s.cfg.Host).middleware)
		r.Get("/authorize", s.handleAuthorize)
		r.Post("/token", s.handleToken)
		r.Post("/revoke", s.handleRevoke)
	})
}

// clientFor builds the requesting MCP client's registration view. With no
// statically configured redirect URI, loopback redirect URIs are accepted so
// local MCP clients can complete the flow without pre-registration.
func (s *HTTPServer) clientFor(clientID, redirectURI string) *oauthproxy.Client {
	c := &oauthproxy.Client{ID: clientID}
	if c.ID == "" {
		c.ID = s.oauthClient.ID
	}
	c.RedirectURIs = s.oauthClient.RedirectURIs
	if len(c.RedirectURIs) == 0 && redirectURI != "" {
		if u, err := url.Parse(redirectURI); err == nil && isLoopbackHost(u.Hostname()) {
			c.RedirectURIs = []string{redirectURI}
		}
	}
	return c
}

func (s *HTTPServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := oauthproxy.AuthorizeParams{
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	if scope := q.Get("scope"); scope != "" {
		params.Scopes = strings.Fields(scope)
	}

	cl := s.clientFor(q.Get("client_id"), params.RedirectURI)
	_, redirect, err := s.authProxy.Authorize(cl, params)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", apierror.FormatForClient(err))
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (s *HTTPServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	cl := s.clientFor(r.PostForm.Get("client_id"), r.PostForm.Get("redirect_uri"))

	var envelope *oauthproxy.TokenEnvelope
	var err error
	switch grant := r.PostForm.Get("grant_type"); grant {
	case "authorization_code":
		envelope, err = s.authProxy.ExchangeAuthorizationCode(r.Context(), cl,
			r.PostForm.Get("code"), r.PostForm.Get("code_verifier"), r.PostForm.Get("redirect_uri"))
	case "refresh_token":
		var scopes []string
		if scope := r.PostForm.Get("scope"); scope != "" {
			scopes = strings.Fields(scope)
		}
		envelope, err = s.authProxy.ExchangeRefreshToken(r.Context(), cl,
			r.PostForm.Get("refresh_token"), scopes)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type",
			"grant_type must be authorization_code or refresh_token")
		return
	}
	if err != nil {
		logger.Warnw("token exchange failed", "error", err)
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", apierror.FormatForClient(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(envelope)
}

func (s *HTTPServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	s.authProxy.RevokeToken(r.Context(), r.PostForm.Get("token"))
	w.WriteHeader(http.StatusOK)
}

// verifyToken checks a presented bearer token against the authorization
// proxy when one is configured. Shape validation already happened.
func (s *HTTPServer) verifyToken(r *http.Request, token string) error {
	if s.authProxy == nil || token == "" {
		return nil
	}
	_, err := s.authProxy.VerifyAccessToken(r.Context(), token)
	return err
}
