package middleware

import (
	"net/http"

	"github.com/MrEthical07/gateauth"
)

// RequireJWTOnly accepts any request with a valid, unexpired access token.
// The role in the context is the token claim and may be stale.
func RequireJWTOnly(v Validator) func(http.Handler) http.Handler {
	return guard(func(r *http.Request, token string) (*gateauth.AuthResult, error) {
		if v == nil {
			return nil, gateauth.ErrEngineNotReady
		}
		return v.ValidateAccess(r.Context(), token)
	})
}
