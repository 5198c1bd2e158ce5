// Package memstore is an in-process implementation of store.Store.
//
// All state sits behind one mutex, so every composite operation is trivially
// atomic. It is intended for tests, examples and single-instance deployments.
package memstore

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/MrEthical07/gateauth/store"
)

type family struct {
	userID    string
	revoked   bool
	createdAt time.Time
	expiresAt time.Time
	tokens    map[string]struct{}
}

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu           sync.Mutex
	identities   map[string]*store.Identity
	byEmail      map[string]string
	tokens       map[string]*store.RefreshRecord
	families     map[string]*family
	userFamilies map[string]map[string]struct{}
	challenges   map[string]*store.Challenge
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		identities:   make(map[string]*store.Identity),
		byEmail:      make(map[string]string),
		tokens:       make(map[string]*store.RefreshRecord),
		families:     make(map[string]*family),
		userFamilies: make(map[string]map[string]struct{}),
		challenges:   make(map[string]*store.Challenge),
	}
}

/* ==== IDENTITIES ==== */

func (s *Store) CreateIdentity(_ context.Context, identity *store.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := store.NormalizeEmail(identity.Email)
	if _, ok := s.byEmail[email]; ok {
		return store.ErrDuplicate
	}
	if _, ok := s.identities[identity.ID]; ok {
		return store.ErrDuplicate
	}
	rec := identity.Clone()
	rec.Email = email
	s.identities[rec.ID] = rec
	s.byEmail[email] = rec.ID
	return nil
}

func (s *Store) IdentityByEmail(_ context.Context, email string) (*store.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[store.NormalizeEmail(email)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.identities[id].Clone(), nil
}

func (s *Store) IdentityByID(_ context.Context, id string) (*store.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) TouchLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.LastLoginAt = at
	return nil
}

func (s *Store) UpdateRole(_ context.Context, id, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Role = role
	return nil
}

func (s *Store) UpdatePassword(_ context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.PasswordHash = passwordHash
	s.revokeUserLocked(id)
	return nil
}

func (s *Store) RehashPassword(_ context.Context, id, oldHash, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[id]
	if !ok || rec.PasswordHash != oldHash {
		return store.ErrNotFound
	}
	rec.PasswordHash = newHash
	return nil
}

/* ==== REFRESH FAMILIES ==== */

func (s *Store) SaveRefresh(_ context.Context, rec *store.RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[rec.TokenID]; ok {
		return store.ErrDuplicate
	}
	fam, ok := s.families[rec.FamilyID]
	if !ok {
		fam = &family{
			userID:    rec.UserID,
			createdAt: rec.IssuedAt,
			tokens:    make(map[string]struct{}),
		}
		s.families[rec.FamilyID] = fam
		owned := s.userFamilies[rec.UserID]
		if owned == nil {
			owned = make(map[string]struct{})
			s.userFamilies[rec.UserID] = owned
		}
		owned[rec.FamilyID] = struct{}{}
	} else if fam.revoked {
		return store.ErrRefreshRevoked
	}
	s.insertTokenLocked(fam, rec)
	return nil
}

func (s *Store) GetRefresh(_ context.Context, tokenID string) (*store.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[tokenID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.viewLocked(rec), nil
}

func (s *Store) RotateRefresh(_ context.Context, tokenID string, presented [32]byte, next *store.RefreshRecord, now time.Time) (*store.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[tokenID]
	if !ok || subtle.ConstantTimeCompare(rec.SecretHash[:], presented[:]) != 1 {
		return nil, store.ErrNotFound
	}
	fam := s.families[rec.FamilyID]
	if fam == nil {
		return nil, store.ErrNotFound
	}
	if rec.Used {
		fam.revoked = true
		return nil, store.ErrRefreshReuse
	}
	if fam.revoked {
		return nil, store.ErrRefreshRevoked
	}
	if rec.Expired(now) {
		return nil, store.ErrRefreshExpired
	}
	if _, exists := s.tokens[next.TokenID]; exists {
		return nil, store.ErrDuplicate
	}

	old := s.viewLocked(rec)
	rec.Used = true
	next.FamilyID = rec.FamilyID
	next.UserID = rec.UserID
	s.insertTokenLocked(fam, next)
	return old, nil
}

func (s *Store) RevokeFamily(_ context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fam, ok := s.families[familyID]; ok {
		fam.revoked = true
	}
	return nil
}

func (s *Store) RevokeUserFamilies(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revokeUserLocked(userID)
	return nil
}

func (s *Store) insertTokenLocked(fam *family, rec *store.RefreshRecord) {
	cp := *rec
	cp.FamilyRevoked = false
	s.tokens[cp.TokenID] = &cp
	fam.tokens[cp.TokenID] = struct{}{}
	if cp.ExpiresAt.After(fam.expiresAt) {
		fam.expiresAt = cp.ExpiresAt
	}
}

func (s *Store) viewLocked(rec *store.RefreshRecord) *store.RefreshRecord {
	out := *rec
	if fam := s.families[rec.FamilyID]; fam != nil {
		out.FamilyRevoked = fam.revoked
	}
	return &out
}

func (s *Store) revokeUserLocked(userID string) {
	for familyID := range s.userFamilies[userID] {
		if fam, ok := s.families[familyID]; ok {
			fam.revoked = true
		}
	}
}

/* ==== CHALLENGES ==== */

func (s *Store) SaveChallenge(_ context.Context, ch *store.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.challenges[ch.ID]; ok {
		return store.ErrDuplicate
	}
	cp := *ch
	s.challenges[ch.ID] = &cp
	return nil
}

func (s *Store) ConsumePasswordReset(_ context.Context, id string, presented [32]byte, passwordHash string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.takeChallengeLocked(id, store.PurposePasswordReset, presented, now)
	if err != nil {
		return "", err
	}
	rec, ok := s.identities[ch.UserID]
	if !ok {
		return "", store.ErrChallengeInvalid
	}
	rec.PasswordHash = passwordHash
	s.revokeUserLocked(ch.UserID)
	return ch.UserID, nil
}

func (s *Store) ConsumeEmailVerification(_ context.Context, id string, presented [32]byte, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.takeChallengeLocked(id, store.PurposeEmailVerification, presented, now)
	if err != nil {
		return "", err
	}
	rec, ok := s.identities[ch.UserID]
	if !ok {
		return "", store.ErrChallengeInvalid
	}
	rec.Verified = true
	return ch.UserID, nil
}

// takeChallengeLocked validates and deletes a challenge. An expired challenge
// is deleted as well; a mismatched one is left in place.
func (s *Store) takeChallengeLocked(id string, purpose store.Purpose, presented [32]byte, now time.Time) (*store.Challenge, error) {
	ch, ok := s.challenges[id]
	if !ok || ch.Purpose != purpose {
		return nil, store.ErrChallengeInvalid
	}
	if subtle.ConstantTimeCompare(ch.SecretHash[:], presented[:]) != 1 {
		return nil, store.ErrChallengeInvalid
	}
	delete(s.challenges, id)
	if !now.Before(ch.ExpiresAt) {
		return nil, store.ErrChallengeInvalid
	}
	if _, ok := s.identities[ch.UserID]; !ok {
		return nil, store.ErrChallengeInvalid
	}
	return ch, nil
}

/* ==== MAINTENANCE ==== */

func (s *Store) Sweep(_ context.Context, now time.Time) (store.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res store.SweepResult
	for id, rec := range s.tokens {
		if !rec.Expired(now) {
			continue
		}
		delete(s.tokens, id)
		if fam := s.families[rec.FamilyID]; fam != nil {
			delete(fam.tokens, id)
		}
		res.RefreshTokens++
	}
	for familyID, fam := range s.families {
		if len(fam.tokens) > 0 || now.Before(fam.expiresAt) {
			continue
		}
		delete(s.families, familyID)
		if owned := s.userFamilies[fam.userID]; owned != nil {
			delete(owned, familyID)
			if len(owned) == 0 {
				delete(s.userFamilies, fam.userID)
			}
		}
		res.Families++
	}
	for id, ch := range s.challenges {
		if !now.Before(ch.ExpiresAt) {
			delete(s.challenges, id)
			res.Challenges++
		}
	}
	return res, nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}
