// Package httpapi maps the engine onto a JSON HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrEthical07/gateauth"
	"github.com/MrEthical07/gateauth/middleware"
)

const maxBodyBytes = 1 << 16

// Service is the engine surface the handlers call.
type Service interface {
	Register(ctx context.Context, email, password string, profile map[string]string) (*gateauth.Identity, error)
	Login(ctx context.Context, email, password string) (*gateauth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*gateauth.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, userID string) error
	ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error
	UpdateRole(ctx context.Context, userID, role string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
	RequestEmailVerification(ctx context.Context, email string) error
	ConfirmEmailVerification(ctx context.Context, token string) error
	Health(ctx context.Context) gateauth.HealthStatus

	middleware.Validator
	middleware.Authorizer
}

type Handler struct {
	svc    Service
	logger *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the API. Everything under /admin goes through the route
// table with the caller's stored role.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.ClientIP)

	r.Get("/healthz", h.health)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.register)
		r.Post("/login", h.login)
		r.Post("/refresh", h.refresh)
		r.Post("/logout", h.logout)
		r.Post("/password-reset/request", h.requestReset)
		r.Post("/password-reset/confirm", h.confirmReset)
		r.Post("/email-verification/request", h.requestVerification)
		r.Post("/email-verification/confirm", h.confirmVerification)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireJWTOnly(h.svc))
			r.Get("/me", h.me)
			r.Post("/logout-all", h.logoutAll)
			r.Post("/password/change", h.changePassword)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireStrict(h.svc))
		r.Put("/users/{id}/role", h.updateRole)
	})

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json"})
		return false
	}
	return true
}

// writeError renders err with a stable code. Both login failure causes map
// to the same body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: code})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, gateauth.ErrPasswordPolicy):
		return http.StatusBadRequest, "password_policy"
	case errors.Is(err, gateauth.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, gateauth.ErrPasswordReuse):
		return http.StatusBadRequest, "password_reuse"
	case errors.Is(err, gateauth.ErrDuplicateIdentity):
		return http.StatusConflict, "duplicate_identity"
	case errors.Is(err, gateauth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, gateauth.ErrAccountUnverified):
		return http.StatusForbidden, "account_unverified"
	case errors.Is(err, gateauth.ErrTokenReuseDetected):
		return http.StatusUnauthorized, "token_reuse_detected"
	case errors.Is(err, gateauth.ErrTokenExpired):
		return http.StatusUnauthorized, "token_expired"
	case errors.Is(err, gateauth.ErrTokenMalformed),
		errors.Is(err, gateauth.ErrTokenBadSignature),
		errors.Is(err, gateauth.ErrRefreshInvalid),
		errors.Is(err, gateauth.ErrRefreshRevoked):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, gateauth.ErrResetTokenInvalidOrExpired),
		errors.Is(err, gateauth.ErrVerificationInvalidOrExpired):
		return http.StatusBadRequest, "invalid_or_expired_token"
	case errors.Is(err, gateauth.ErrUnknownRole):
		return http.StatusBadRequest, "unknown_role"
	case errors.Is(err, gateauth.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, gateauth.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found"
	case errors.Is(err, gateauth.ErrFeatureDisabled):
		return http.StatusNotFound, "disabled"
	case errors.Is(err, gateauth.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, gateauth.ErrStorageUnavailable), errors.Is(err, gateauth.ErrEngineNotReady):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func authResult(r *http.Request) *gateauth.AuthResult {
	res, _ := middleware.AuthResultFromContext(r.Context())
	return res
}
