package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/gateauth/store"
)

// PasswordResetStore is the storage surface of the reset workflow.
type PasswordResetStore interface {
	ChallengeSaver
	IdentityByEmail(ctx context.Context, email string) (*store.Identity, error)
	ConsumePasswordReset(ctx context.Context, id string, presented [32]byte, passwordHash string, now time.Time) (string, error)
}

// PasswordResetLimiter throttles reset requests.
type PasswordResetLimiter interface {
	AllowReset(ctx context.Context, email, ip string) error
}

type PasswordResetMetrics struct {
	Request        int
	RequestSuccess int
	Confirm        int
	ConfirmSuccess int
	Invalid        int
	RateLimited    int
}

type PasswordResetEvents struct {
	Request string
	Confirm string
}

type PasswordResetErrors struct {
	Disabled    error
	Validation  error
	Invalid     error
	RateLimited error
}

// PasswordResetDeps captures reset request/confirm dependencies.
type PasswordResetDeps struct {
	Enabled bool
	TTL     time.Duration
	Store   PasswordResetStore
	Limiter PasswordResetLimiter

	CheckPassword func(string) error
	HashPassword  func(string) (string, error)
	Deliver       func(ctx context.Context, d Delivery)
	MapStoreErr   func(error) error

	Now       func() time.Time
	ClientIP  func(context.Context) string
	MetricInc func(int)
	EmitAudit AuditFunc
	Metrics   PasswordResetMetrics
	Events    PasswordResetEvents
	Errors    PasswordResetErrors
}

// RunRequestPasswordReset issues a reset challenge for email and hands it to
// Deliver. It returns nil for unknown emails so callers cannot tell whether an
// account exists.
func RunRequestPasswordReset(ctx context.Context, email string, deps PasswordResetDeps) error {
	normalizePasswordResetDeps(&deps)
	if !deps.Enabled {
		return deps.Errors.Disabled
	}
	deps.MetricInc(deps.Metrics.Request)

	email = store.NormalizeEmail(email)
	if !ValidEmail(email) {
		deps.EmitAudit(ctx, deps.Events.Request, false, "", "", deps.Errors.Validation, nil)
		return deps.Errors.Validation
	}

	if deps.Limiter != nil {
		if err := deps.Limiter.AllowReset(ctx, email, deps.ClientIP(ctx)); err != nil {
			if errors.Is(err, deps.Errors.RateLimited) {
				deps.MetricInc(deps.Metrics.RateLimited)
			}
			deps.EmitAudit(ctx, deps.Events.Request, false, "", "", err, nil)
			return err
		}
	}

	identity, err := deps.Store.IdentityByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		deps.EmitAudit(ctx, deps.Events.Request, true, "", "", nil, func() map[string]string {
			return map[string]string{"known": "false"}
		})
		return nil
	}
	if err != nil {
		err = deps.MapStoreErr(err)
		deps.EmitAudit(ctx, deps.Events.Request, false, "", "", err, nil)
		return err
	}

	token, ch, err := issueChallenge(ctx, deps.Store, store.PurposePasswordReset, identity, deps.Now(), deps.TTL)
	if err != nil {
		err = deps.MapStoreErr(err)
		deps.EmitAudit(ctx, deps.Events.Request, false, identity.ID, "", err, nil)
		return err
	}

	deps.Deliver(ctx, Delivery{
		Purpose:   store.PurposePasswordReset,
		UserID:    identity.ID,
		Email:     identity.Email,
		Token:     token,
		ExpiresAt: ch.ExpiresAt,
	})

	deps.MetricInc(deps.Metrics.RequestSuccess)
	deps.EmitAudit(ctx, deps.Events.Request, true, identity.ID, "", nil, func() map[string]string {
		return map[string]string{"known": "true"}
	})
	return nil
}

// RunConfirmPasswordReset consumes token and sets newPassword. The store
// replaces the digest, deletes the challenge and revokes every refresh family
// of the owner in one step; it returns the owner's ID.
func RunConfirmPasswordReset(ctx context.Context, token, newPassword string, deps PasswordResetDeps) (string, error) {
	normalizePasswordResetDeps(&deps)
	if !deps.Enabled {
		return "", deps.Errors.Disabled
	}
	deps.MetricInc(deps.Metrics.Confirm)

	id, digest, err := parseChallenge(token)
	if err != nil {
		deps.MetricInc(deps.Metrics.Invalid)
		deps.EmitAudit(ctx, deps.Events.Confirm, false, "", "", deps.Errors.Invalid, nil)
		return "", deps.Errors.Invalid
	}

	if err := deps.CheckPassword(newPassword); err != nil {
		deps.EmitAudit(ctx, deps.Events.Confirm, false, "", "", err, nil)
		return "", err
	}
	hash, err := deps.HashPassword(newPassword)
	if err != nil {
		return "", err
	}

	userID, err := deps.Store.ConsumePasswordReset(ctx, id, digest, hash, deps.Now())
	if err != nil {
		if errors.Is(err, store.ErrChallengeInvalid) || errors.Is(err, store.ErrNotFound) {
			deps.MetricInc(deps.Metrics.Invalid)
			err = deps.Errors.Invalid
		} else {
			err = deps.MapStoreErr(err)
		}
		deps.EmitAudit(ctx, deps.Events.Confirm, false, "", "", err, nil)
		return "", err
	}

	deps.MetricInc(deps.Metrics.ConfirmSuccess)
	deps.EmitAudit(ctx, deps.Events.Confirm, true, userID, "", nil, nil)
	return userID, nil
}

func normalizePasswordResetDeps(deps *PasswordResetDeps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ClientIP == nil {
		deps.ClientIP = noopClientIP
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
	if deps.CheckPassword == nil {
		deps.CheckPassword = func(string) error { return nil }
	}
	if deps.Deliver == nil {
		deps.Deliver = func(context.Context, Delivery) {}
	}
}
