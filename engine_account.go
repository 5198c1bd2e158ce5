package gateauth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/MrEthical07/gateauth/internal/flows"
	"github.com/MrEthical07/gateauth/store"
)

const (
	maxProfileFields   = 32
	maxProfileKeyLen   = 64
	maxProfileValueLen = 512
)

// Register creates an identity with the default role. The returned Identity
// never carries the password digest.
func (e *Engine) Register(ctx context.Context, email, password string, profile map[string]string) (*Identity, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	email = store.NormalizeEmail(email)
	if !flows.ValidEmail(email) {
		return nil, fmt.Errorf("%w: email", ErrValidation)
	}
	if err := validateProfile(profile); err != nil {
		return nil, err
	}
	if err := e.checkPolicy(password); err != nil {
		return nil, err
	}

	if e.limiter != nil {
		if err := (&engineLimiter{l: e.limiter}).AllowRegister(ctx, ClientIPFromContext(ctx)); err != nil {
			if errors.Is(err, ErrRateLimited) {
				e.metricInc(MetricRegisterRateLimited)
			}
			e.emitAudit(ctx, auditEventRegisterFailure, false, "", "", err, nil)
			return nil, err
		}
	}

	hash, err := e.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("password hash: %w", err)
	}

	identity := &store.Identity{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Role:         e.routes.Roles().Default(),
		CreatedAt:    e.now(),
		Profile:      profile,
	}
	if err := e.store.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			e.metricInc(MetricRegisterDuplicate)
			e.emitAudit(ctx, auditEventRegisterFailure, false, "", "", ErrDuplicateIdentity, nil)
			return nil, ErrDuplicateIdentity
		}
		err = mapStoreErr(err)
		e.emitAudit(ctx, auditEventRegisterFailure, false, "", "", err, nil)
		return nil, err
	}

	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, auditEventRegisterSuccess, true, identity.ID, "", nil, func() map[string]string {
		return map[string]string{"role": identity.Role}
	})

	out := identity.Clone()
	out.PasswordHash = ""
	return out, nil
}

func validateProfile(profile map[string]string) error {
	if len(profile) > maxProfileFields {
		return fmt.Errorf("%w: profile has more than %d fields", ErrValidation, maxProfileFields)
	}
	for k, v := range profile {
		if k == "" || len(k) > maxProfileKeyLen {
			return fmt.Errorf("%w: profile key %s", ErrValidation, strconv.Quote(k))
		}
		if len(v) > maxProfileValueLen {
			return fmt.Errorf("%w: profile value for %s too long", ErrValidation, strconv.Quote(k))
		}
	}
	return nil
}

// ChangePassword replaces the password of userID after verifying the current
// one. Every refresh family of the identity is revoked with the same store
// write, so other sessions must log in again.
func (e *Engine) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if userID == "" {
		return ErrValidation
	}

	fail := func(err error) error {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, "", err, nil)
		return err
	}

	identity, err := e.store.IdentityByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(ErrUserNotFound)
		}
		return fail(mapStoreErr(err))
	}

	ok, err := e.hasher.Verify(oldPassword, identity.PasswordHash)
	if err != nil || !ok {
		e.metricInc(MetricPasswordChangeInvalidOld)
		return fail(ErrInvalidCredentials)
	}
	if oldPassword == newPassword {
		e.metricInc(MetricPasswordChangeReuseRejected)
		return fail(ErrPasswordReuse)
	}
	if err := e.checkPolicy(newPassword); err != nil {
		return fail(err)
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return fail(fmt.Errorf("password hash: %w", err))
	}
	if err := e.store.UpdatePassword(ctx, userID, hash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(ErrUserNotFound)
		}
		return fail(mapStoreErr(err))
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, userID, "", nil, nil)
	return nil
}

// UpdateRole assigns role to userID. The role must belong to the configured
// enumeration. Outstanding access tokens keep their old claim, but
// AuthorizeAccess sees the new role at once.
func (e *Engine) UpdateRole(ctx context.Context, userID, role string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if userID == "" {
		return ErrValidation
	}
	if !e.routes.Roles().Has(role) {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	if err := e.store.UpdateRole(ctx, userID, role); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return mapStoreErr(err)
	}

	e.metricInc(MetricRoleChange)
	e.emitAudit(ctx, auditEventRoleChange, true, userID, "", nil, func() map[string]string {
		return map[string]string{"role": role}
	})
	return nil
}
