package refresh

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/gateauth/internal"
	"github.com/MrEthical07/gateauth/internal/ids"
	"github.com/MrEthical07/gateauth/store"
)

var (
	ErrMalformed   = errors.New("refresh token malformed")
	ErrNotFound    = errors.New("refresh token not found")
	ErrExpired     = errors.New("refresh token expired")
	ErrAlreadyUsed = errors.New("refresh token already used")
	ErrRevoked     = errors.New("refresh token family revoked")
)

const minKeyLen = 32

// Config controls token lifetime and keying.
type Config struct {
	// Key is the HMAC key for stored digests; at least 32 bytes.
	Key []byte
	TTL time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager issues, validates and rotates refresh tokens against a RefreshStore.
type Manager struct {
	key   []byte
	ttl   time.Duration
	now   func() time.Time
	store store.RefreshStore
}

// Issued is a freshly minted token and the record that was persisted for it.
type Issued struct {
	Token  string
	Record *store.RefreshRecord
}

func NewManager(cfg Config, st store.RefreshStore) (*Manager, error) {
	if len(cfg.Key) < minKeyLen {
		return nil, fmt.Errorf("refresh key must be at least %d bytes", minKeyLen)
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("refresh ttl must be > 0")
	}
	if st == nil {
		return nil, errors.New("refresh store is nil")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	key := make([]byte, len(cfg.Key))
	copy(key, cfg.Key)
	return &Manager{key: key, ttl: cfg.TTL, now: now, store: st}, nil
}

// TTL reports the configured token lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Digest is the keyed hash that the store keeps for a secret.
func (m *Manager) Digest(secret [internal.SecretSize]byte) [32]byte {
	mac := hmac.New(sha256.New, m.key)
	mac.Write(secret[:])
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Issue mints a token for userID and persists it before returning. An empty
// familyID starts a new family.
func (m *Manager) Issue(ctx context.Context, userID, familyID string) (*Issued, error) {
	now := m.now()
	if familyID == "" {
		familyID = ids.NewAt(now)
	}
	token, rec, err := m.mint(now)
	if err != nil {
		return nil, err
	}
	rec.FamilyID = familyID
	rec.UserID = userID

	if err := m.store.SaveRefresh(ctx, rec); err != nil {
		return nil, err
	}
	return &Issued{Token: token, Record: rec}, nil
}

// Validate reports whether token is live without consuming it. Presenting a
// consumed token revokes its family, exactly as a rotation attempt would.
func (m *Manager) Validate(ctx context.Context, token string) (*store.RefreshRecord, error) {
	rec, err := m.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	switch {
	case rec.Used:
		if err := m.store.RevokeFamily(ctx, rec.FamilyID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return rec, err
		}
		return rec, ErrAlreadyUsed
	case rec.FamilyRevoked:
		return rec, ErrRevoked
	case rec.Expired(m.now()):
		return rec, ErrExpired
	}
	return rec, nil
}

// Rotation is the outcome of a successful Rotate.
type Rotation struct {
	Previous *store.RefreshRecord
	Next     Issued
}

// Rotate consumes token and returns its successor. Of any number of
// concurrent rotations of the same token exactly one succeeds; the others
// see ErrAlreadyUsed and the family is revoked.
func (m *Manager) Rotate(ctx context.Context, token string) (*Rotation, error) {
	id, secret, err := internal.DecodeOpaque(token)
	if err != nil {
		return nil, ErrMalformed
	}

	now := m.now()
	nextToken, next, err := m.mint(now)
	if err != nil {
		return nil, err
	}

	prev, err := m.store.RotateRefresh(ctx, id, m.Digest(secret), next, now)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &Rotation{Previous: prev, Next: Issued{Token: nextToken, Record: next}}, nil
}

// Revoke invalidates the family that token belongs to, whatever state the
// token itself is in.
func (m *Manager) Revoke(ctx context.Context, token string) (*store.RefreshRecord, error) {
	rec, err := m.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := m.store.RevokeFamily(ctx, rec.FamilyID); err != nil {
		return rec, mapStoreErr(err)
	}
	return rec, nil
}

// RevokeUser invalidates every family held by userID.
func (m *Manager) RevokeUser(ctx context.Context, userID string) error {
	return m.store.RevokeUserFamilies(ctx, userID)
}

func (m *Manager) lookup(ctx context.Context, token string) (*store.RefreshRecord, error) {
	id, secret, err := internal.DecodeOpaque(token)
	if err != nil {
		return nil, ErrMalformed
	}
	rec, err := m.store.GetRefresh(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	digest := m.Digest(secret)
	if subtle.ConstantTimeCompare(digest[:], rec.SecretHash[:]) != 1 {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (m *Manager) mint(now time.Time) (string, *store.RefreshRecord, error) {
	token, id, secret, err := internal.NewOpaque()
	if err != nil {
		return "", nil, fmt.Errorf("refresh token generation: %w", err)
	}
	return token, &store.RefreshRecord{
		TokenID:    id,
		SecretHash: m.Digest(secret),
		IssuedAt:   now,
		ExpiresAt:  now.Add(m.ttl),
	}, nil
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrRefreshReuse):
		return ErrAlreadyUsed
	case errors.Is(err, store.ErrRefreshRevoked):
		return ErrRevoked
	case errors.Is(err, store.ErrRefreshExpired):
		return ErrExpired
	default:
		return err
	}
}
