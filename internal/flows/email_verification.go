package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/gateauth/store"
)

// EmailVerificationStore is the storage surface of the verification workflow.
type EmailVerificationStore interface {
	ChallengeSaver
	IdentityByEmail(ctx context.Context, email string) (*store.Identity, error)
	ConsumeEmailVerification(ctx context.Context, id string, presented [32]byte, now time.Time) (string, error)
}

// EmailVerificationLimiter throttles verification requests.
type EmailVerificationLimiter interface {
	AllowVerification(ctx context.Context, email, ip string) error
}

type EmailVerificationMetrics struct {
	Request        int
	RequestSuccess int
	Confirm        int
	ConfirmSuccess int
	Invalid        int
}

type EmailVerificationEvents struct {
	Request string
	Confirm string
}

type EmailVerificationErrors struct {
	Disabled   error
	Validation error
	Invalid    error
}

// EmailVerificationDeps captures verification request/confirm dependencies.
type EmailVerificationDeps struct {
	Enabled bool
	TTL     time.Duration
	Store   EmailVerificationStore
	Limiter EmailVerificationLimiter

	Deliver     func(ctx context.Context, d Delivery)
	MapStoreErr func(error) error

	Now       func() time.Time
	ClientIP  func(context.Context) string
	MetricInc func(int)
	EmitAudit AuditFunc
	Metrics   EmailVerificationMetrics
	Events    EmailVerificationEvents
	Errors    EmailVerificationErrors
}

// RunRequestEmailVerification issues a verification challenge for an
// unverified account. Unknown and already verified emails succeed silently.
func RunRequestEmailVerification(ctx context.Context, email string, deps EmailVerificationDeps) error {
	normalizeEmailVerificationDeps(&deps)
	if !deps.Enabled {
		return deps.Errors.Disabled
	}
	deps.MetricInc(deps.Metrics.Request)

	email = store.NormalizeEmail(email)
	if !ValidEmail(email) {
		return deps.Errors.Validation
	}
	if deps.Limiter != nil {
		if err := deps.Limiter.AllowVerification(ctx, email, deps.ClientIP(ctx)); err != nil {
			deps.EmitAudit(ctx, deps.Events.Request, false, "", "", err, nil)
			return err
		}
	}

	identity, err := deps.Store.IdentityByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return deps.MapStoreErr(err)
	}
	if identity.Verified {
		return nil
	}

	token, ch, err := issueChallenge(ctx, deps.Store, store.PurposeEmailVerification, identity, deps.Now(), deps.TTL)
	if err != nil {
		err = deps.MapStoreErr(err)
		deps.EmitAudit(ctx, deps.Events.Request, false, identity.ID, "", err, nil)
		return err
	}

	deps.Deliver(ctx, Delivery{
		Purpose:   store.PurposeEmailVerification,
		UserID:    identity.ID,
		Email:     identity.Email,
		Token:     token,
		ExpiresAt: ch.ExpiresAt,
	})
	deps.MetricInc(deps.Metrics.RequestSuccess)
	deps.EmitAudit(ctx, deps.Events.Request, true, identity.ID, "", nil, nil)
	return nil
}

// RunConfirmEmailVerification consumes token and marks its owner verified.
func RunConfirmEmailVerification(ctx context.Context, token string, deps EmailVerificationDeps) (string, error) {
	normalizeEmailVerificationDeps(&deps)
	if !deps.Enabled {
		return "", deps.Errors.Disabled
	}
	deps.MetricInc(deps.Metrics.Confirm)

	id, digest, err := parseChallenge(token)
	if err != nil {
		deps.MetricInc(deps.Metrics.Invalid)
		return "", deps.Errors.Invalid
	}

	userID, err := deps.Store.ConsumeEmailVerification(ctx, id, digest, deps.Now())
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

func normalizeEmailVerificationDeps(deps *EmailVerificationDeps) {
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
	if deps.Deliver == nil {
		deps.Deliver = func(context.Context, Delivery) {}
	}
}
