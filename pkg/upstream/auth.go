package upstream

import (
	"context"
)

// authInterceptor applies the primary auth spec to every outgoing request.
// The token was resolved at client construction; by the time the chain runs
// it is always present.
func authInterceptor(spec *AuthSpec, token string) Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			switch spec.Type {
			case AuthTypeBearer:
				req.Header.Set("Authorization", "Bearer "+token)
			case AuthTypeCustomHeader:
				req.Header.Set(spec.HeaderName, token)
			case AuthTypeQuery:
				if req.Query == nil {
					req.Query = make(map[string]any)
				}
				req.Query[spec.QueryParam] = token
			}
			return next(ctx, req)
		}
	}
}
