package api

import (
	"net/http"

	"github.com/Mindburn-Labs/helm-pay/pkg/auth"
)

// RequireAuth authenticates every request with a bearer token and puts the
// caller's principal in the context. A nil validator rejects everything.
func RequireAuth(validator *auth.JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			if validator == nil {
				WriteUnauthorized(w, "Authentication not configured")
				return
			}
			p, err := validator.Authenticate(header)
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

// principal returns the authenticated caller. RequireAuth guarantees it.
func principal(r *http.Request) *auth.Principal {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		return &auth.Principal{}
	}
	return p
}
