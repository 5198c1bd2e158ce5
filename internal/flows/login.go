package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/gateauth/store"
)

// LoginStore is the credential surface the login flow reads and touches.
type LoginStore interface {
	IdentityByEmail(ctx context.Context, email string) (*store.Identity, error)
	TouchLogin(ctx context.Context, id string, at time.Time) error
	RehashPassword(ctx context.Context, id, oldHash, newHash string) error
}

// LoginLimiter throttles failed attempts per email and per client IP.
type LoginLimiter interface {
	CheckLogin(ctx context.Context, email, ip string) error
	FailLogin(ctx context.Context, email, ip string) error
	ResetLogin(ctx context.Context, email, ip string) error
}

type LoginMetrics struct {
	Success     int
	Failure     int
	RateLimited int
	Unverified  int
	DummyVerify int
}

type LoginEvents struct {
	Success string
	Failure string
}

type LoginErrors struct {
	InvalidCredentials error
	Unverified         error
	RateLimited        error
}

// LoginDeps captures login flow dependencies.
type LoginDeps struct {
	Store   LoginStore
	Limiter LoginLimiter

	VerifyPassword func(password, encodedHash string) (bool, error)
	// DummyHash is verified against when the email is unknown so both
	// failure paths cost one hash verification.
	DummyHash string
	// PasswordNeedsUpgrade and HashPassword, when both set, replace a stale
	// digest after a successful verification.
	PasswordNeedsUpgrade func(encodedHash string) (bool, error)
	HashPassword         func(password string) (string, error)
	RequireVerified      bool
	IssueTokens          func(ctx context.Context, identity *store.Identity) (*TokenPair, error)
	MapStoreErr          func(error) error

	Now       func() time.Time
	ClientIP  func(context.Context) string
	Warn      func(string, ...any)
	MetricInc func(int)
	EmitAudit AuditFunc
	Metrics   LoginMetrics
	Events    LoginEvents
	Errors    LoginErrors
}

// RunLogin authenticates email/password and issues a fresh token pair in a
// new refresh family.
//
// An unknown email and a wrong password return the same error after the same
// amount of hashing work.
func RunLogin(ctx context.Context, email, password string, deps LoginDeps) (*TokenPair, error) {
	normalizeLoginDeps(&deps)

	email = store.NormalizeEmail(email)
	ip := deps.ClientIP(ctx)

	fail := func(userID string, err error) (*TokenPair, error) {
		deps.MetricInc(deps.Metrics.Failure)
		deps.EmitAudit(ctx, deps.Events.Failure, false, userID, "", err, nil)
		return nil, err
	}

	if deps.Limiter != nil {
		if err := deps.Limiter.CheckLogin(ctx, email, ip); err != nil {
			if errors.Is(err, deps.Errors.RateLimited) {
				deps.MetricInc(deps.Metrics.RateLimited)
			}
			return fail("", err)
		}
	}

	if email == "" || password == "" {
		return fail("", deps.Errors.InvalidCredentials)
	}

	identity, err := deps.Store.IdentityByEmail(ctx, email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fail("", deps.MapStoreErr(err))
	}

	var ok bool
	if identity == nil {
		deps.MetricInc(deps.Metrics.DummyVerify)
		_, _ = deps.VerifyPassword(password, deps.DummyHash)
	} else {
		ok, err = deps.VerifyPassword(password, identity.PasswordHash)
		if err != nil {
			deps.Warn("password verification error", "user_id", identity.ID, "error", err)
			ok = false
		}
	}

	if !ok {
		userID := ""
		if identity != nil {
			userID = identity.ID
		}
		if deps.Limiter != nil {
			if lerr := deps.Limiter.FailLogin(ctx, email, ip); lerr != nil {
				if errors.Is(lerr, deps.Errors.RateLimited) {
					deps.MetricInc(deps.Metrics.RateLimited)
				}
				return fail(userID, lerr)
			}
		}
		return fail(userID, deps.Errors.InvalidCredentials)
	}

	if deps.RequireVerified && !identity.Verified {
		deps.MetricInc(deps.Metrics.Unverified)
		return fail(identity.ID, deps.Errors.Unverified)
	}

	upgradePassword(ctx, identity, password, deps)

	pair, err := deps.IssueTokens(ctx, identity)
	if err != nil {
		return fail(identity.ID, err)
	}

	if err := deps.Store.TouchLogin(ctx, identity.ID, deps.Now()); err != nil {
		deps.Warn("last login update failed", "user_id", identity.ID, "error", err)
	}
	if deps.Limiter != nil {
		if err := deps.Limiter.ResetLogin(ctx, email, ip); err != nil {
			deps.Warn("login limiter reset failed", "error", err)
		}
	}

	deps.MetricInc(deps.Metrics.Success)
	deps.EmitAudit(ctx, deps.Events.Success, true, identity.ID, pair.FamilyID, nil, nil)
	return pair, nil
}

// upgradePassword rehashes with the primary algorithm. A digest changed
// concurrently is left alone; failures never block the login.
func upgradePassword(ctx context.Context, identity *store.Identity, password string, deps LoginDeps) {
	if deps.PasswordNeedsUpgrade == nil || deps.HashPassword == nil {
		return
	}
	stale, err := deps.PasswordNeedsUpgrade(identity.PasswordHash)
	if err != nil || !stale {
		return
	}
	upgraded, err := deps.HashPassword(password)
	if err != nil {
		deps.Warn("password hash upgrade generation failed", "user_id", identity.ID, "error", err)
		return
	}
	err = deps.Store.RehashPassword(ctx, identity.ID, identity.PasswordHash, upgraded)
	switch {
	case err == nil:
		identity.PasswordHash = upgraded
	case !errors.Is(err, store.ErrNotFound):
		deps.Warn("password hash upgrade update failed", "user_id", identity.ID, "error", err)
	}
}

func normalizeLoginDeps(deps *LoginDeps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ClientIP == nil {
		deps.ClientIP = noopClientIP
	}
	if deps.Warn == nil {
		deps.Warn = noopWarn
	}
	if deps.MetricInc == nil {
		deps.MetricInc = noopMetric
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = noopAudit
	}
	if deps.MapStoreErr == nil {
		deps.MapStoreErr = func(err error) error { return err }
	}
}
