package apierror

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// messageFields are the upstream body fields inspected, in priority order,
// when extracting a human-readable failure message.
var messageFields = []string{"error_description", "error", "message"}

// extractMessage pulls the best available message out of an upstream error
// body. Falls back to the raw body, then to "HTTP <status>".
func extractMessage(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		for _, field := range messageFields {
			if v := gjson.GetBytes(body, field); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
	}
	if len(body) > 0 {
		const maxRaw = 512
		raw := string(body)
		if len(raw) > maxRaw {
			raw = raw[:maxRaw]
		}
		return raw
	}
	return fmt.Sprintf("HTTP %d", status)
}

// parseRetryAfter interprets a Retry-After header value as whole seconds.
func parseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// FromResponse classifies a non-2xx upstream response into exactly one
// structured error. Callers must not invoke it for 2xx statuses.
func FromResponse(status int, body []byte, header http.Header) *Error {
	msg := extractMessage(status, body)

	switch {
	case status == http.StatusUnauthorized:
		return NewAuthentication("%s", msg).WithDetail("status", status)
	case status == http.StatusForbidden:
		return NewAuthorization("%s", msg).WithDetail("status", status)
	case status == http.StatusNotFound:
		e := NewNetworkClient("%s", msg).WithDetail("status", status)
		e.Code = "not_found"
		return e
	case status == http.StatusTooManyRequests:
		return NewRateLimit(parseRetryAfter(header), "%s", msg).WithDetail("status", status)
	case status >= 400 && status < 500:
		return NewNetworkClient("%s", msg).WithDetail("status", status)
	default:
		return NewNetworkServer("%s", msg).WithDetail("status", status)
	}
}
