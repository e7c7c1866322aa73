package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/apibridge/apibridge/pkg/logger"
	"github.com/apibridge/apibridge/pkg/session"
)

// maxRequestBody caps incoming POST bodies.
const maxRequestBody = 4 << 20

type contextKey string

const tokenContextKey contextKey = "auth-token"

// TokenFromContext returns the caller's auth token extracted by the
// middleware, or empty.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey).(string)
	return token
}

// httpError is the JSON error body for transport-level rejections.
type httpError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeHTTPError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(httpError{Error: code, Message: message})
}

// bodyLimitMiddleware rejects oversized request bodies with 413.
func bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxRequestBody {
			writeHTTPError(w, http.StatusRequestEntityTooLarge, "payload_too_large",
				"request body exceeds the size limit")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
	})
}

// originPolicy validates Origin headers against an allow-list of exact
// origins, *.domain wildcards, and IPv4 CIDR ranges. Loopback origins and
// origins whose host equals the bound host are always allowed.
type originPolicy struct {
	boundHost string
	exact     map[string]bool
	wildcards []string
	cidrs     []*net.IPNet
}

// looksLikeCIDR reports whether an allow-list entry is an address range
// rather than an origin. Scheme-qualified origins also contain slashes, so
// only entries whose prefix parses as an IP qualify.
func looksLikeCIDR(entry string) bool {
	addr, _, ok := strings.Cut(entry, "/")
	return ok && net.ParseIP(addr) != nil
}

func newOriginPolicy(allowed []string, boundHost string) *originPolicy {
	p := &originPolicy{boundHost: boundHost, exact: make(map[string]bool)}
	for _, entry := range allowed {
		switch {
		case strings.HasPrefix(entry, "*."):
			p.wildcards = append(p.wildcards, entry[1:])
		case looksLikeCIDR(entry):
			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warnf("ignoring invalid CIDR %q in allowed origins: %v", entry, err)
				continue
			}
			p.cidrs = append(p.cidrs, ipnet)
		default:
			p.exact[entry] = true
		}
	}
	return p
}

func (p *originPolicy) allows(origin string) bool {
	if origin == "" {
		return true
	}

	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Hostname()
	}

	if isLoopbackHost(host) {
		return true
	}
	if p.boundHost != "" && host == p.boundHost {
		return true
	}
	if p.exact[origin] || p.exact[host] {
		return true
	}
	for _, suffix := range p.wildcards {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, ipnet := range p.cidrs {
			if ipnet.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func (p *originPolicy) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.allows(r.Header.Get("Origin")) {
			writeHTTPError(w, http.StatusForbidden, "origin_not_allowed",
				"origin is not in the allow-list")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// warnIfExposed logs once when the server binds beyond loopback with no
// origin allow-list.
func warnIfExposed(host string, allowed []string) {
	if len(allowed) > 0 || isLoopbackHost(host) {
		return
	}
	logger.Warnf("binding to %s without ALLOWED_ORIGINS: cross-origin requests from any host will be accepted from loopback origins only", host)
}

// tokenMiddleware extracts the caller's token from Authorization or
// X-API-Token. A malformed Authorization header or an out-of-policy token is
// rejected with 401. When verify is non-nil, tokens that pass the shape
// check are also verified against it.
func tokenMiddleware(maxTokenLength int, verify func(*http.Request, string) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var token string
			if auth := r.Header.Get("Authorization"); auth != "" {
				const prefix = "Bearer "
				if !strings.HasPrefix(auth, prefix) {
					writeHTTPError(w, http.StatusUnauthorized, "invalid_authorization",
						"Authorization header must use the Bearer scheme")
					return
				}
				token = strings.TrimSpace(auth[len(prefix):])
			} else {
				token = r.Header.Get("X-API-Token")
			}

			if err := session.ValidateToken(token, maxTokenLength); err != nil {
				writeHTTPError(w, http.StatusUnauthorized, "invalid_token", "auth token rejected")
				return
			}
			if verify != nil && token != "" {
				if err := verify(r, token); err != nil {
					writeHTTPError(w, http.StatusUnauthorized, "invalid_token", "access token rejected")
					return
				}
			}

			if token != "" {
				r = r.WithContext(context.WithValue(r.Context(), tokenContextKey, token))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ipRateLimiter applies a per-client-IP request budget over a sliding
// window, approximated by a token bucket refilling at max/window.
type ipRateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
}

func newIPRateLimiter(maxRequests int, window time.Duration) *ipRateLimiter {
	return &ipRateLimiter{
		limit:    rate.Limit(float64(maxRequests) / window.Seconds()),
		burst:    maxRequests,
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
}

func (l *ipRateLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Opportunistic cleanup of idle entries.
	if len(l.limiters) > 10000 {
		cutoff := time.Now().Add(-10 * time.Minute)
		for k, seen := range l.lastSeen {
			if seen.Before(cutoff) {
				delete(l.limiters, k)
				delete(l.lastSeen, k)
			}
		}
	}

	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	l.lastSeen[ip] = time.Now()
	return lim
}

func (l *ipRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.limiterFor(ip).Allow() {
			writeHTTPError(w, http.StatusTooManyRequests, "rate_limited",
				"too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
