package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/gateauth/refresh"
	"github.com/MrEthical07/gateauth/store"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureDecode
	RefreshFailureNotFound
	RefreshFailureExpired
	RefreshFailureReuse
	RefreshFailureRevoked
	RefreshFailureStore
	RefreshFailureIdentity
	RefreshFailureUnverified
	RefreshFailureIssueAccess
)

// RefreshResult carries either the issued token pair or failure metadata.
type RefreshResult struct {
	Failure  RefreshFailureKind
	Err      error
	UserID   string
	FamilyID string
	Pair     *TokenPair
}

// RefreshRotator consumes a refresh token and returns its successor.
type RefreshRotator interface {
	Validate(ctx context.Context, token string) (*store.RefreshRecord, error)
	Rotate(ctx context.Context, token string) (*refresh.Rotation, error)
}

// RefreshIdentityStore resolves the current identity behind a family.
type RefreshIdentityStore interface {
	IdentityByID(ctx context.Context, id string) (*store.Identity, error)
	RevokeFamily(ctx context.Context, familyID string) error
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	Rotator         RefreshRotator
	Store           RefreshIdentityStore
	IssueAccess     func(identity *store.Identity) (string, time.Time, error)
	RequireVerified bool
	Warn            func(string, ...any)
}

// RunRefresh rotates refreshToken and mints an access token carrying the
// identity's current email and role.
//
// The successor refresh token is persisted by the rotation itself. When the
// owning identity has disappeared the family is revoked before returning.
// With RequireVerified set, an unverified owner is rejected before the token
// is consumed, so it stays usable once the address is confirmed.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	if deps.Warn == nil {
		deps.Warn = noopWarn
	}

	if deps.RequireVerified {
		rec, err := deps.Rotator.Validate(ctx, refreshToken)
		if err != nil {
			return RefreshResult{Failure: classifyRotateErr(err), Err: err}
		}
		res := RefreshResult{UserID: rec.UserID, FamilyID: rec.FamilyID}
		identity, kind, err := refreshIdentity(ctx, rec.UserID, rec.FamilyID, deps)
		if err != nil {
			res.Failure, res.Err = kind, err
			return res
		}
		if !identity.Verified {
			res.Failure = RefreshFailureUnverified
			return res
		}
	}

	rot, err := deps.Rotator.Rotate(ctx, refreshToken)
	if err != nil {
		return RefreshResult{Failure: classifyRotateErr(err), Err: err}
	}

	prev := rot.Previous
	next := rot.Next.Record
	res := RefreshResult{UserID: prev.UserID, FamilyID: prev.FamilyID}

	identity, kind, err := refreshIdentity(ctx, prev.UserID, prev.FamilyID, deps)
	if err != nil {
		res.Failure, res.Err = kind, err
		return res
	}

	// The owner may have changed between the check above and the rotation.
	if deps.RequireVerified && !identity.Verified {
		if rerr := deps.Store.RevokeFamily(ctx, prev.FamilyID); rerr != nil {
			deps.Warn("family revoke after unverified refresh failed", "family_id", prev.FamilyID, "error", rerr)
		}
		res.Failure = RefreshFailureUnverified
		return res
	}

	access, accessExp, err := deps.IssueAccess(identity)
	if err != nil {
		res.Failure = RefreshFailureIssueAccess
		res.Err = err
		return res
	}

	res.Pair = &TokenPair{
		UserID:           identity.ID,
		FamilyID:         next.FamilyID,
		AccessToken:      access,
		RefreshToken:     rot.Next.Token,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: next.ExpiresAt,
	}
	return res
}

func refreshIdentity(ctx context.Context, userID, familyID string, deps RefreshDeps) (*store.Identity, RefreshFailureKind, error) {
	identity, err := deps.Store.IdentityByID(ctx, userID)
	if err == nil {
		return identity, RefreshFailureNone, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, RefreshFailureStore, err
	}
	if rerr := deps.Store.RevokeFamily(ctx, familyID); rerr != nil {
		deps.Warn("family revoke after missing identity failed", "family_id", familyID, "error", rerr)
	}
	return nil, RefreshFailureIdentity, err
}

func classifyRotateErr(err error) RefreshFailureKind {
	switch {
	case errors.Is(err, refresh.ErrMalformed):
		return RefreshFailureDecode
	case errors.Is(err, refresh.ErrNotFound):
		return RefreshFailureNotFound
	case errors.Is(err, refresh.ErrExpired):
		return RefreshFailureExpired
	case errors.Is(err, refresh.ErrAlreadyUsed):
		return RefreshFailureReuse
	case errors.Is(err, refresh.ErrRevoked):
		return RefreshFailureRevoked
	default:
		return RefreshFailureStore
	}
}
