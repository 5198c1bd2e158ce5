package gateauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/gateauth/internal/flows"
	"github.com/MrEthical07/gateauth/internal/rate"
	"github.com/MrEthical07/gateauth/jwt"
	"github.com/MrEthical07/gateauth/password"
	"github.com/MrEthical07/gateauth/permission"
	"github.com/MrEthical07/gateauth/refresh"
	"github.com/MrEthical07/gateauth/store"
)

// deliveryTimeout bounds one Mailer.Send call.
const deliveryTimeout = 30 * time.Second

// Engine is the session coordinator: registration, login, refresh rotation,
// logout, password reset and route authorization over one Store.
//
// All methods are safe for concurrent use. Every operation is a single
// logical step from the caller's point of view; the store provides the
// atomicity for the composite ones.
type Engine struct {
	config  Config
	store   store.Store
	jwt     *jwt.Manager
	refresh *refresh.Manager
	hasher  password.Hasher
	routes  *permission.RouteTable
	limiter *rate.Limiter
	mailer  Mailer
	logger  *slog.Logger
	audit   *auditDispatcher
	metrics *Metrics
	flows   flows.Deps
	now     func() time.Time

	dummyHash string

	// deliverMu orders deliveries.Add against Close.
	deliverMu  sync.Mutex
	deliveries sync.WaitGroup
	closed     atomic.Bool
}

func (e *Engine) buildFlowDeps() flows.Deps {
	var limiter *engineLimiter
	if e.limiter != nil {
		limiter = &engineLimiter{l: e.limiter}
	}
	metricInc := func(id int) { e.metricInc(MetricID(id)) }
	audit := func(ctx context.Context, event string, success bool, userID, familyID string, err error, meta func() map[string]string) {
		e.emitAudit(ctx, event, success, userID, familyID, err, meta)
	}

	login := flows.LoginDeps{
		Store:           e.store,
		VerifyPassword:  e.hasher.Verify,
		DummyHash:       e.dummyHash,
		RequireVerified: e.config.EmailVerification.RequireForLogin,
		IssueTokens:     e.issuePair,
		MapStoreErr:     mapStoreErr,
		Now:             e.now,
		ClientIP:        ClientIPFromContext,
		Warn:            e.logger.Warn,
		MetricInc:       metricInc,
		EmitAudit:       audit,
		Metrics: flows.LoginMetrics{
			Success:     int(MetricLoginSuccess),
			Failure:     int(MetricLoginFailure),
			RateLimited: int(MetricLoginRateLimited),
			Unverified:  int(MetricLoginUnverified),
			DummyVerify: int(MetricLoginUnknownEmail),
		},
		Events: flows.LoginEvents{
			Success: auditEventLoginSuccess,
			Failure: auditEventLoginFailure,
		},
		Errors: flows.LoginErrors{
			InvalidCredentials: ErrInvalidCredentials,
			Unverified:         ErrAccountUnverified,
			RateLimited:        ErrRateLimited,
		},
	}
	if e.config.Password.UpgradeOnLogin {
		login.PasswordNeedsUpgrade = e.hasher.NeedsUpgrade
		login.HashPassword = e.hasher.Hash
	}

	reset := flows.PasswordResetDeps{
		Enabled:       e.config.PasswordReset.Enabled,
		TTL:           e.config.PasswordReset.TTL,
		Store:         e.store,
		CheckPassword: e.checkPolicy,
		HashPassword:  e.hasher.Hash,
		Deliver:       e.deliver,
		MapStoreErr:   mapStoreErr,
		Now:           e.now,
		ClientIP:      ClientIPFromContext,
		MetricInc:     metricInc,
		EmitAudit:     audit,
		Metrics: flows.PasswordResetMetrics{
			Request:        int(MetricPasswordResetRequest),
			RequestSuccess: int(MetricPasswordResetIssued),
			Confirm:        int(MetricPasswordResetConfirmAttempt),
			ConfirmSuccess: int(MetricPasswordResetConfirmSuccess),
			Invalid:        int(MetricPasswordResetConfirmFailure),
			RateLimited:    int(MetricPasswordResetRateLimited),
		},
		Events: flows.PasswordResetEvents{
			Request: auditEventPasswordResetRequest,
			Confirm: auditEventPasswordResetConfirm,
		},
		Errors: flows.PasswordResetErrors{
			Disabled:    ErrFeatureDisabled,
			Validation:  ErrValidation,
			Invalid:     ErrResetTokenInvalidOrExpired,
			RateLimited: ErrRateLimited,
		},
	}

	verification := flows.EmailVerificationDeps{
		Enabled:     e.config.EmailVerification.Enabled,
		TTL:         e.config.EmailVerification.TTL,
		Store:       e.store,
		Deliver:     e.deliver,
		MapStoreErr: mapStoreErr,
		Now:         e.now,
		ClientIP:    ClientIPFromContext,
		MetricInc:   metricInc,
		EmitAudit:   audit,
		Metrics: flows.EmailVerificationMetrics{
			Request:        int(MetricEmailVerificationRequest),
			RequestSuccess: int(MetricEmailVerificationIssued),
			Confirm:        int(MetricEmailVerificationAttempt),
			ConfirmSuccess: int(MetricEmailVerificationSuccess),
			Invalid:        int(MetricEmailVerificationFailure),
		},
		Events: flows.EmailVerificationEvents{
			Request: auditEventEmailVerificationRequest,
			Confirm: auditEventEmailVerificationConfirm,
		},
		Errors: flows.EmailVerificationErrors{
			Disabled:   ErrFeatureDisabled,
			Validation: ErrValidation,
			Invalid:    ErrVerificationInvalidOrExpired,
		},
	}

	// A typed nil must not reach the flows as a non-nil interface.
	if limiter != nil {
		login.Limiter = limiter
		reset.Limiter = limiter
		verification.Limiter = limiter
	}

	return flows.Deps{
		Login: login,
		Refresh: flows.RefreshDeps{
			Rotator:         e.refresh,
			Store:           e.store,
			IssueAccess:     e.issueAccess,
			RequireVerified: e.config.EmailVerification.RequireForLogin,
			Warn:            e.logger.Warn,
		},
		Logout: flows.LogoutDeps{
			Revoker: e.refresh,
			IgnoreErr: func(err error) bool {
				return errors.Is(err, refresh.ErrNotFound)
			},
		},
		PasswordReset:     reset,
		EmailVerification: verification,
	}
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil || e.closed.Load() {
		return ErrEngineNotReady
	}
	return nil
}

func (e *Engine) metricInc(id MetricID) {
	e.metrics.Inc(id)
}

/* ==== LOGIN / REFRESH / LOGOUT ==== */

// Login verifies email and password and issues a token pair in a new refresh
// family. Unknown email and wrong password both return ErrInvalidCredentials.
func (e *Engine) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	pair, err := flows.RunLogin(ctx, email, password, e.flows.Login)
	if err != nil {
		return nil, err
	}
	return toTokenPair(pair), nil
}

// Refresh consumes refreshToken and returns a new pair in the same family.
//
// Presenting a token that was already used revokes its whole family and
// returns ErrTokenReuseDetected; the client must log in again. Of concurrent
// refreshes with one token exactly one succeeds.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	res := flows.RunRefresh(ctx, refreshToken, e.flows.Refresh)
	if res.Failure == flows.RefreshFailureNone {
		e.metricInc(MetricRefreshSuccess)
		e.emitAudit(ctx, auditEventRefreshSuccess, true, res.UserID, res.FamilyID, nil, nil)
		return toTokenPair(res.Pair), nil
	}

	err := e.refreshError(res)
	e.metricInc(MetricRefreshFailure)
	if res.Failure == flows.RefreshFailureReuse {
		e.metricInc(MetricRefreshReuseDetected)
		e.emitAudit(ctx, auditEventRefreshReuseDetected, false, res.UserID, res.FamilyID, err, nil)
	} else {
		e.emitAudit(ctx, auditEventRefreshInvalid, false, res.UserID, res.FamilyID, err, nil)
	}
	return nil, err
}

func (e *Engine) refreshError(res flows.RefreshResult) error {
	switch res.Failure {
	case flows.RefreshFailureDecode:
		return ErrTokenMalformed
	case flows.RefreshFailureNotFound, flows.RefreshFailureIdentity:
		return ErrRefreshInvalid
	case flows.RefreshFailureExpired:
		return ErrTokenExpired
	case flows.RefreshFailureReuse:
		return ErrTokenReuseDetected
	case flows.RefreshFailureRevoked:
		return ErrRefreshRevoked
	case flows.RefreshFailureUnverified:
		return ErrAccountUnverified
	case flows.RefreshFailureIssueAccess:
		return fmt.Errorf("access token issue: %w", res.Err)
	default:
		return mapStoreErr(res.Err)
	}
}

// Logout revokes the family refreshToken belongs to. Logging out with an
// unknown or already revoked token succeeds; a malformed one does not.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if err := e.ready(); err != nil {
		return err
	}
	res := flows.RunLogout(ctx, refreshToken, e.flows.Logout)
	if res.Err != nil {
		err := ErrTokenMalformed
		if !errors.Is(res.Err, refresh.ErrMalformed) {
			err = mapStoreErr(res.Err)
		}
		e.emitAudit(ctx, auditEventLogout, false, "", "", err, nil)
		return err
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, true, res.UserID, res.FamilyID, nil, nil)
	return nil
}

// LogoutAll revokes every refresh family userID holds.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if userID == "" {
		return ErrValidation
	}
	res := flows.RunLogoutAll(ctx, userID, e.flows.Logout)
	if res.Err != nil {
		err := mapStoreErr(res.Err)
		e.emitAudit(ctx, auditEventLogoutAll, false, userID, "", err, nil)
		return err
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", nil, nil)
	return nil
}

/* ==== VALIDATION / AUTHORIZATION ==== */

// ValidateAccess checks signature and expiry of an access token. It never
// reads the store.
func (e *Engine) ValidateAccess(_ context.Context, accessToken string) (*AuthResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var start time.Time
	if e.metrics.LatencyEnabled() {
		start = time.Now()
	}

	claims, err := e.jwt.Parse(accessToken)
	if !start.IsZero() {
		e.metrics.Observe(MetricValidateLatency, time.Since(start))
	}
	if err != nil {
		return nil, mapAccessErr(err)
	}

	res := &AuthResult{
		UserID:  claims.UserID(),
		Email:   claims.Email,
		Role:    claims.Role,
		TokenID: claims.ID,
	}
	if claims.IssuedAt != nil {
		res.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		res.ExpiresAt = claims.ExpiresAt.Time
	}
	return res, nil
}

// ValidateRefresh reports whether refreshToken is live without consuming it.
// A token that was already used revokes its family here too.
func (e *Engine) ValidateRefresh(ctx context.Context, refreshToken string) (*store.RefreshRecord, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	rec, err := e.refresh.Validate(ctx, refreshToken)
	if err != nil {
		mapped := mapRefreshErr(err)
		if errors.Is(mapped, ErrTokenReuseDetected) {
			e.metricInc(MetricRefreshReuseDetected)
			var userID, familyID string
			if rec != nil {
				userID, familyID = rec.UserID, rec.FamilyID
			}
			e.emitAudit(ctx, auditEventRefreshReuseDetected, false, userID, familyID, mapped, nil)
		}
		return nil, mapped
	}
	return rec, nil
}

// Authorize reports whether role may call method on path. It is total and
// has no side effects: unknown roles, unmatched paths and unlisted methods
// are denied.
func (e *Engine) Authorize(role, path, method string) bool {
	if e == nil {
		return false
	}
	return e.routes.Authorize(role, path, method)
}

// Decide is Authorize with the matched pattern and the reason.
func (e *Engine) Decide(role, path, method string) permission.Decision {
	if e == nil {
		return permission.Decision{Reason: permission.ReasonNoRoute}
	}
	return e.routes.Decide(role, path, method)
}

// AuthorizeAccess validates accessToken, loads the identity's current role
// from the store and authorizes it for method on path. A role changed since
// the token was issued takes effect immediately.
func (e *Engine) AuthorizeAccess(ctx context.Context, accessToken, path, method string) (*AuthResult, error) {
	res, err := e.ValidateAccess(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	identity, err := e.store.IdentityByID(ctx, res.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, mapStoreErr(err)
	}
	res.Role = identity.Role
	res.Email = identity.Email

	decision := e.routes.Decide(res.Role, path, method)
	if !decision.Allowed {
		e.metricInc(MetricAuthorizeDenied)
		e.emitAudit(ctx, auditEventAccessDenied, false, res.UserID, "", ErrPermissionDenied, func() map[string]string {
			return map[string]string{
				"method":  method,
				"path":    path,
				"pattern": decision.Pattern,
				"reason":  string(decision.Reason),
			}
		})
		return res, fmt.Errorf("%w: %s", ErrPermissionDenied, decision.Reason)
	}
	e.metricInc(MetricAuthorizeAllowed)
	return res, nil
}

/* ==== MAINTENANCE ==== */

// Sweep removes expired refresh tokens, fully expired families and expired
// challenges. It is meant for an external scheduler; skipping it only costs
// storage.
func (e *Engine) Sweep(ctx context.Context) (store.SweepResult, error) {
	if err := e.ready(); err != nil {
		return store.SweepResult{}, err
	}
	res, err := e.store.Sweep(ctx, e.now())
	if err != nil {
		return res, mapStoreErr(err)
	}
	e.metrics.add(MetricSweepRemoved, uint64(res.Total()))
	e.logger.Debug("sweep finished",
		"refresh_tokens", res.RefreshTokens,
		"families", res.Families,
		"challenges", res.Challenges,
	)
	return res, nil
}

// Health pings the store.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	if err := e.ready(); err != nil {
		return HealthStatus{Error: err.Error()}
	}
	start := time.Now()
	err := e.store.Ping(ctx)
	status := HealthStatus{StoreAvailable: err == nil, StoreLatency: time.Since(start)}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// Close waits for pending deliveries and flushes the audit queue. The Engine
// rejects calls afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.deliverMu.Lock()
	first := e.closed.CompareAndSwap(false, true)
	e.deliverMu.Unlock()
	if !first {
		return
	}
	e.deliveries.Wait()
	e.audit.Close()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// AuditDropped counts audit events dropped because the buffer was full.
func (e *Engine) AuditDropped() uint64 {
	return e.audit.Dropped()
}

// Roles returns the configured role enumeration.
func (e *Engine) Roles() []string {
	return e.routes.Roles().Names()
}

/* ==== HELPERS ==== */

func (e *Engine) issueAccess(identity *store.Identity) (string, time.Time, error) {
	token, claims, err := e.jwt.Issue(identity.ID, identity.Email, identity.Role)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, claims.ExpiresAt.Time, nil
}

// issuePair starts a new family for identity. The refresh record is stored
// before either token is returned.
func (e *Engine) issuePair(ctx context.Context, identity *store.Identity) (*flows.TokenPair, error) {
	access, accessExp, err := e.issueAccess(identity)
	if err != nil {
		return nil, fmt.Errorf("access token issue: %w", err)
	}
	issued, err := e.refresh.Issue(ctx, identity.ID, "")
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &flows.TokenPair{
		UserID:           identity.ID,
		FamilyID:         issued.Record.FamilyID,
		AccessToken:      access,
		RefreshToken:     issued.Token,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: issued.Record.ExpiresAt,
	}, nil
}

func (e *Engine) checkPolicy(pw string) error {
	if err := e.config.Password.Policy.Check(pw); err != nil {
		return fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
	}
	return nil
}

// deliver hands d to the Mailer on its own goroutine. Delivery outlives the
// request context but not deliveryTimeout.
func (e *Engine) deliver(ctx context.Context, d flows.Delivery) {
	if e.mailer == nil {
		e.metricInc(MetricDeliveryFailure)
		e.logger.Warn("no mailer configured, token not delivered", "purpose", string(d.Purpose), "user_id", d.UserID)
		return
	}
	msg := Message{
		Purpose:   d.Purpose,
		To:        d.Email,
		UserID:    d.UserID,
		Token:     d.Token,
		ExpiresAt: d.ExpiresAt,
	}
	detached := context.WithoutCancel(ctx)

	e.deliverMu.Lock()
	if e.closed.Load() {
		e.deliverMu.Unlock()
		e.metricInc(MetricDeliveryFailure)
		e.logger.Warn("engine closed, token not delivered", "purpose", string(d.Purpose), "user_id", d.UserID)
		return
	}
	e.deliveries.Add(1)
	e.deliverMu.Unlock()

	go func() {
		defer e.deliveries.Done()
		sendCtx, cancel := context.WithTimeout(detached, deliveryTimeout)
		defer cancel()
		if err := e.mailer.Send(sendCtx, msg); err != nil {
			e.metricInc(MetricDeliveryFailure)
			e.logger.Warn("token delivery failed", "purpose", string(msg.Purpose), "user_id", msg.UserID, "error", err)
			e.emitAudit(detached, auditEventDeliveryFailure, false, msg.UserID, "", err, func() map[string]string {
				return map[string]string{"purpose": string(msg.Purpose)}
			})
		}
	}()
}

func toTokenPair(p *flows.TokenPair) *TokenPair {
	return &TokenPair{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

func mapStoreErr(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

func mapAccessErr(err error) error {
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrBadSignature):
		return ErrTokenBadSignature
	default:
		return ErrTokenMalformed
	}
}

func mapRefreshErr(err error) error {
	switch {
	case errors.Is(err, refresh.ErrMalformed):
		return ErrTokenMalformed
	case errors.Is(err, refresh.ErrNotFound):
		return ErrRefreshInvalid
	case errors.Is(err, refresh.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, refresh.ErrAlreadyUsed):
		return ErrTokenReuseDetected
	case errors.Is(err, refresh.ErrRevoked):
		return ErrRefreshRevoked
	default:
		return mapStoreErr(err)
	}
}
