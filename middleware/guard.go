package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/gateauth"
)

type authResultContextKey struct{}

func AuthResultFromContext(ctx context.Context) (*gateauth.AuthResult, bool) {
	res, ok := ctx.Value(authResultContextKey{}).(*gateauth.AuthResult)
	return res, ok
}

// Validator checks an access token without touching storage.
type Validator interface {
	ValidateAccess(ctx context.Context, accessToken string) (*gateauth.AuthResult, error)
}

// Authorizer checks an access token and the route against the stored role.
type Authorizer interface {
	AuthorizeAccess(ctx context.Context, accessToken, path, method string) (*gateauth.AuthResult, error)
}

type checkFunc func(r *http.Request, token string) (*gateauth.AuthResult, error)

func guard(check checkFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			res, err := check(r, token)
			if err != nil {
				status := statusFor(err)
				http.Error(w, http.StatusText(status), status)
				return
			}

			ctx := context.WithValue(r.Context(), authResultContextKey{}, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gateauth.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, gateauth.ErrStorageUnavailable), errors.Is(err, gateauth.ErrEngineNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}

// ClientIP stores the remote address of the request in its context so the
// engine can rate-limit and audit per client. It does not trust forwarding
// headers; put it behind a proxy-aware RealIP middleware when needed.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		next.ServeHTTP(w, r.WithContext(gateauth.WithClientIP(r.Context(), ip)))
	})
}
