// Package store defines the persistence capabilities the authentication engine
// consumes: identities, refresh-token families and one-time challenges.
//
// Every method that changes more than one record is a single atomic step in
// the backing implementation. Callers never compose two calls to get an
// all-or-nothing effect.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the requested record does not exist, or when
	// a presented secret does not match the stored digest.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an identity with the same email exists.
	ErrDuplicate = errors.New("duplicate identity")
	// ErrRefreshReuse is returned when an already-used refresh token is presented.
	// The owning family has been revoked by the time the error is returned.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrRefreshRevoked is returned when the token's family was revoked.
	ErrRefreshRevoked = errors.New("refresh family revoked")
	// ErrRefreshExpired is returned when the token is past its expiry.
	ErrRefreshExpired = errors.New("refresh token expired")
	// ErrChallengeInvalid is returned for absent, mismatched, expired or
	// wrong-purpose challenges.
	ErrChallengeInvalid = errors.New("challenge invalid or expired")
	// ErrUnavailable wraps every backend failure.
	ErrUnavailable = errors.New("storage unavailable")
)

// Identity is a registered account.
type Identity struct {
	ID           string            `json:"id" db:"id"`
	Email        string            `json:"email" db:"email"`
	PasswordHash string            `json:"-" db:"password_hash"`
	Role         string            `json:"role" db:"role"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	LastLoginAt  time.Time         `json:"last_login_at" db:"last_login_at"`
	Verified     bool              `json:"verified" db:"verified"`
	Profile      map[string]string `json:"profile,omitempty" db:"-"`
}

// Clone returns a deep copy of i.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	out := *i
	if i.Profile != nil {
		out.Profile = make(map[string]string, len(i.Profile))
		for k, v := range i.Profile {
			out.Profile[k] = v
		}
	}
	return &out
}

// RefreshRecord is the persisted half of a refresh token. Only the keyed
// digest of the secret is stored.
type RefreshRecord struct {
	TokenID       string
	FamilyID      string
	UserID        string
	SecretHash    [32]byte
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Used          bool
	FamilyRevoked bool
}

// Expired reports whether r is expired at now.
func (r *RefreshRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Purpose discriminates challenge records.
type Purpose string

const (
	PurposePasswordReset     Purpose = "password_reset"
	PurposeEmailVerification Purpose = "email_verification"
)

// Challenge is a one-time, time-bounded secret bound to an identity.
type Challenge struct {
	ID         string
	Purpose    Purpose
	UserID     string
	Email      string
	SecretHash [32]byte
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// SweepResult counts records removed by a sweep.
type SweepResult struct {
	RefreshTokens int
	Families      int
	Challenges    int
}

// Total returns the number of removed records.
func (r SweepResult) Total() int {
	return r.RefreshTokens + r.Families + r.Challenges
}

// CredentialStore holds identities and their password digests.
type CredentialStore interface {
	CreateIdentity(ctx context.Context, identity *Identity) error
	IdentityByEmail(ctx context.Context, email string) (*Identity, error)
	IdentityByID(ctx context.Context, id string) (*Identity, error)
	TouchLogin(ctx context.Context, id string, at time.Time) error
	UpdateRole(ctx context.Context, id, role string) error
	// UpdatePassword replaces the digest and revokes every refresh family the
	// identity owns in one step.
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	// RehashPassword swaps oldHash for newHash without touching refresh
	// families. It returns ErrNotFound when the identity is gone or its
	// digest no longer equals oldHash.
	RehashPassword(ctx context.Context, id, oldHash, newHash string) error
}

// RefreshStore persists refresh tokens grouped into families.
type RefreshStore interface {
	// SaveRefresh persists rec, creating its family when it does not exist yet.
	SaveRefresh(ctx context.Context, rec *RefreshRecord) error
	GetRefresh(ctx context.Context, tokenID string) (*RefreshRecord, error)
	// RotateRefresh marks tokenID used and persists next in the same family.
	// next.FamilyID and next.UserID are filled in from the rotated record.
	// It returns the rotated record as it was before the call.
	RotateRefresh(ctx context.Context, tokenID string, presented [32]byte, next *RefreshRecord, now time.Time) (*RefreshRecord, error)
	RevokeFamily(ctx context.Context, familyID string) error
	RevokeUserFamilies(ctx context.Context, userID string) error
}

// ChallengeStore persists password-reset and email-verification challenges.
type ChallengeStore interface {
	SaveChallenge(ctx context.Context, ch *Challenge) error
	// ConsumePasswordReset deletes the challenge, replaces the owner's digest
	// and revokes every family the owner holds, all or nothing.
	ConsumePasswordReset(ctx context.Context, id string, presented [32]byte, passwordHash string, now time.Time) (string, error)
	// ConsumeEmailVerification deletes the challenge and marks the owner verified.
	ConsumeEmailVerification(ctx context.Context, id string, presented [32]byte, now time.Time) (string, error)
}

// Store is the full capability set required by the engine.
type Store interface {
	CredentialStore
	RefreshStore
	ChallengeStore
	// Sweep removes expired refresh tokens, fully expired families and expired challenges.
	Sweep(ctx context.Context, now time.Time) (SweepResult, error)
	Ping(ctx context.Context) error
}

// NormalizeEmail trims and lower-cases an email for keying.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
