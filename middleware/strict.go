package middleware

import (
	"net/http"

	"github.com/MrEthical07/gateauth"
)

// RequireStrict authorizes the request path and method for the identity's
// current role. Unmatched routes are rejected with 403.
func RequireStrict(a Authorizer) func(http.Handler) http.Handler {
	return guard(func(r *http.Request, token string) (*gateauth.AuthResult, error) {
		if a == nil {
			return nil, gateauth.ErrEngineNotReady
		}
		return a.AuthorizeAccess(r.Context(), token, r.URL.Path, r.Method)
	})
}
