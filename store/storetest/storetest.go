// Package storetest holds the behavioural suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/gateauth/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"IdentityRoundTrip", testIdentityRoundTrip},
		{"DuplicateEmail", testDuplicateEmail},
		{"RotateChainsFamily", testRotateChainsFamily},
		{"RotateReuseRevokesFamily", testRotateReuseRevokesFamily},
		{"RotateMismatchIsNotFound", testRotateMismatch},
		{"RotateExpired", testRotateExpired},
		{"RotateRaceSingleWinner", testRotateRace},
		{"RevokeFamily", testRevokeFamily},
		{"UpdatePasswordRevokesFamilies", testUpdatePasswordRevokes},
		{"RehashPasswordKeepsFamilies", testRehashPassword},
		{"ConsumePasswordReset", testConsumePasswordReset},
		{"ConsumeResetExpired", testConsumeResetExpired},
		{"ConsumeEmailVerification", testConsumeEmailVerification},
		{"Sweep", testSweep},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

// Advance moves the backend's own clock forward, e.g. miniredis FastForward.
type Advance func(d time.Duration)

// ClockedFactory builds a store together with a handle on its clock.
type ClockedFactory func(t *testing.T) (store.Store, Advance)

// RunExpiry checks that tokens presented after their lifetime are reported as
// expired rather than unknown, even once the backend's clock has passed exp.
func RunExpiry(t *testing.T, newStore ClockedFactory) {
	t.Helper()

	t.Run("RotateAfterClockPassesExpiry", func(t *testing.T) {
		s, advance := newStore(t)
		seedIdentity(t, s, "u1", "alice@example.com")
		seedToken(t, s, "t0", "f1", "u1", 10*time.Minute)

		advance(11 * time.Minute)

		rec, err := s.GetRefresh(context.Background(), "t0")
		if err != nil {
			t.Fatalf("expired token must still be readable, got %v", err)
		}
		if !rec.ExpiresAt.Equal(base.Add(10 * time.Minute)) {
			t.Fatalf("unexpected expiry: %v", rec.ExpiresAt)
		}

		_, err = s.RotateRefresh(context.Background(), "t0", digest("t0"), successor("t1"), base.Add(11*time.Minute))
		if !errors.Is(err, store.ErrRefreshExpired) {
			t.Fatalf("expected ErrRefreshExpired, got %v", err)
		}
	})
}

func digest(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func seedIdentity(t *testing.T, s store.Store, id, email string) *store.Identity {
	t.Helper()
	ident := &store.Identity{
		ID:           id,
		Email:        email,
		PasswordHash: "hash-" + id,
		Role:         "viewer",
		CreatedAt:    base,
		Profile:      map[string]string{"name": id},
	}
	if err := s.CreateIdentity(context.Background(), ident); err != nil {
		t.Fatalf("CreateIdentity(%s) failed: %v", id, err)
	}
	return ident
}

func seedToken(t *testing.T, s store.Store, tokenID, familyID, userID string, ttl time.Duration) {
	t.Helper()
	rec := &store.RefreshRecord{
		TokenID:    tokenID,
		FamilyID:   familyID,
		UserID:     userID,
		SecretHash: digest(tokenID),
		IssuedAt:   base,
		ExpiresAt:  base.Add(ttl),
	}
	if err := s.SaveRefresh(context.Background(), rec); err != nil {
		t.Fatalf("SaveRefresh(%s) failed: %v", tokenID, err)
	}
}

func successor(tokenID string) *store.RefreshRecord {
	return &store.RefreshRecord{
		TokenID:    tokenID,
		SecretHash: digest(tokenID),
		IssuedAt:   base.Add(time.Minute),
		ExpiresAt:  base.Add(time.Hour),
	}
}

func testIdentityRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedIdentity(t, s, "u1", "Alice@Example.com")

	got, err := s.IdentityByEmail(ctx, "  alice@example.COM ")
	if err != nil {
		t.Fatalf("IdentityByEmail failed: %v", err)
	}
	if got.ID != "u1" || got.Email != "alice@example.com" || got.Role != "viewer" {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if got.Profile["name"] != "u1" {
		t.Fatalf("expected profile to round-trip, got %v", got.Profile)
	}

	if err := s.TouchLogin(ctx, "u1", base.Add(time.Hour)); err != nil {
		t.Fatalf("TouchLogin failed: %v", err)
	}
	if err := s.UpdateRole(ctx, "u1", "admin"); err != nil {
		t.Fatalf("UpdateRole failed: %v", err)
	}
	got, err = s.IdentityByID(ctx, "u1")
	if err != nil {
		t.Fatalf("IdentityByID failed: %v", err)
	}
	if !got.LastLoginAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("expected last login to be updated, got %v", got.LastLoginAt)
	}
	if got.Role != "admin" {
		t.Fatalf("expected role admin, got %q", got.Role)
	}

	if _, err := s.IdentityByID(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.IdentityByEmail(ctx, "nobody@example.com"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testDuplicateEmail(t *testing.T, s store.Store) {
	seedIdentity(t, s, "u1", "alice@example.com")
	err := s.CreateIdentity(context.Background(), &store.Identity{ID: "u2", Email: "ALICE@example.com", CreatedAt: base})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func testRotateChainsFamily(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedIdentity(t, s, "u1", "alice@example.com")
	seedToken(t, s, "t0", "f1", "u1", time.Hour)

	next := successor("t1")
	old, err := s.RotateRefresh(ctx, "t0", digest("t0"), next, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("RotateRefresh failed: %v", err)
	}
	if old.UserID != "u1" || old.FamilyID != "f1" || old.Used {
		t.Fatalf("unexpected rotated record: %+v", old)
	}
	if next.FamilyID != "f1" || next.UserID != "u1" {
		t.Fatalf("successor not chained into family: %+v", next)
	}

	prev, err := s.GetRefresh(ctx, "t0")
	if err != nil {
		t.Fatalf("GetRefresh(t0) failed: %v", err)
	}
	if !prev.Used {
		t.Fatal("expected rotated token to be marked used")
	}
	cur, err := s.GetRefresh(ctx, "t1")
	if err != nil {
		t.Fatalf("GetRefresh(t1) failed: %v", err)
	}
	if cur.Used || cur.FamilyRevoked || cur.FamilyID != "f1" {
		t.Fatalf("unexpected successor state: %+v", cur)
	}
}

func testRotateReuseRevokesFamily(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedIdentity(t, s, "u1", "alice@example.com")
	seedToken(t, s, "t0", "f1", "u1", time.Hour)
	now := base.Add(time.Minute)

	if _, err := s.RotateRefresh(ctx, "t0", digest("t0"), successor("t1"), now); err != nil {
		t.Fatalf("first rotate failed: %v", err)
	}
	if _, err := s.RotateRefresh(ctx, "t0", digest("t0"), successor("t2"), now); !errors.Is(err, store.ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}
	if _, err := s.RotateRefresh(ctx, "t1", digest("t1"), successor("t3"), now); !errors.Is(err, store.ErrRefreshRevoked) {
		t.Fatalf("expected ErrRefreshRevoked for successor, got %v", err)
	}
	rec, err := s.GetRefresh(ctx, "t1")
	if err != nil {
		t.Fatalf("GetRefresh failed: %v", err)
	}
	if !rec.FamilyRevoked {
		t.Fatal("expected family to be revoked")
	}
	if _, err := s.GetRefresh(ctx, "t2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("successor of a reused token must not exist, got %v", err)
	}
}

func testRotateMismatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedIdentity(t, s, "u1", "alice@example.com")
	seedToken(t, s, "t0", "f1", "u1", time.Hour)

	if _, err := s.RotateRefresh(ctx, "t0", digest("forged"), successor("t1"), base); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for mismatched secret, got %v", err)
	}
	if _, err := s.RotateRefresh(ctx, "nope", digest("nope"), successor("t1"), base); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown token, got %v", err)
	}
	rec, err := s.GetRefresh(ctx, "t0")
	if err != nil {
		t.Fatalf("GetRefresh failed: %v", err)
	}
	if rec.Used || rec.FamilyRevoked {
		t.Fatalf("mismatch must not mutate the record: %+v", rec)
	}
}

func testRotateExpired(t *testing.T, s store.Store) {
	seedIdentity(t, s, "u1", "alice@example.com")
	seedToken(t, s, "t0", "f1", "u1", time.Minute)

	_, err := s.RotateRefresh(context.Background(), "t0", digest("t0"), successor("t1"), base.Add(2*time.Minute))
	if !errors.Is(err, store.ErrRefreshExpired) {
		t.Fatalf("expected ErrRefreshExpired, got %v", err)
	}
}

func testRotateRace(t *testing.T, s store.Store) {
	seedIdentity(t, s, "u1", "alice@example.com")
	seedToken(t, s, "t0", "f1", "u1", time.Hour)

	const workers = 16
	var (
		wg      sync.WaitGroup
		success atomic.Int32
		reuse   atomic.Int32
		other   atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := s.RotateRefresh(context.Background(), "t0", digest("t0"), successor(fmt.Sprintf("n%d", i)), base.Add(time.Minute))
			switch {
			case err == nil:
				success.Add(1)
			case errors.Is(err, store.ErrRefreshReuse):
				reuse.Add(1)
			default:
				other.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if success.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", success.Load())
	}
	if reuse.Load() != workers-1 || other.Load() != 0 {
		t.Fatalf("expected %d reuse failures, got reuse=%d other=%d", workers-1, reuse.Load(), other.Load())
	}
}

func testRevokeFamily(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedIdentity(t, s, "u1", "alice@example.com")
	seedToken(t, s, "t0", "f1", "u1", time.Hour)
	seedToken(t, s, "x0", "f2", "u1", time.Hour)

	if err := s.RevokeFamily(ctx, "f1"); err != nil {
		t.Fatalf("RevokeFamily failed: %v", err)
	}
	if err := s.RevokeFamily(ctx, "unknown"); err != nil {
		t.Fatalf("RevokeFamily on unknown family must be a no-op, got %v", err)
	}
	if _, err := s.RotateRefresh(ctx, "t0", digest("t0"), successor("t1"), base); !errors.Is(err, store.ErrRefreshRevoked) {
		t.Fatalf("expected ErrRefreshRevoked, got %v", err)
	}
	if _, err := s.RotateRefresh(ctx, "x0", digest("x0"), successor("x1"), base); err != nil {
		t.Fatalf("unrelated family must survive, got %v", err)
	}
}

func testRehashPassword(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedIdentity(t, s, "u1", "alice@example.com")
	seedToken(t, s, "a0", "fa", "u1", time.Hour)

	if err := s.RehashPassword(ctx, "u1", "stale-hash", "new-hash"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a stale digest, got %v", err)
	}
	if err := s.RehashPassword(ctx, "ghost", "hash-ghost", "new-hash"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing identity, got %v", err)
	}
	if err := s.RehashPassword(ctx, "u1", "hash-u1", "new-hash"); err != nil {
		t.Fatalf("RehashPassword failed: %v", err)
	}
	got, err := s.IdentityByID(ctx, "u1")
	if err != nil {
		t.Fatalf("IdentityByID failed: %v", err)
	}
	if got.PasswordHash != "new-hash" {
		t.Fatalf("expected digest to be replaced, got %q", got.PasswordHash)
	}
	if _, err := s.RotateRefresh(ctx, "a0", digest("a0"), successor("a1"), base); err != nil {
		t.Fatalf("rehash must not revoke families, got %v", err)
	}
}

func testUpdatePasswordRevokes(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedIdentity(t, s, "u1", "alice@example.com")
	seedIdentity(t, s, "u2", "bob@example.com")
	seedToken(t, s, "a0", "fa", "u1", time.Hour)
	seedToken(t, s, "b0", "fb", "u1", time.Hour)
	seedToken(t, s, "c0", "fc", "u2", time.Hour)

	if err := s.UpdatePassword(ctx, "u1", "new-hash"); err != nil {
		t.Fatalf("UpdatePassword failed: %v", err)
	}
	got, err := s.IdentityByID(ctx, "u1")
	if err != nil {
		t.Fatalf("IdentityByID failed: %v", err)
	}
	if got.PasswordHash != "new-hash" {
		t.Fatalf("expected digest to be replaced, got %q", got.PasswordHash)
	}
	for _, id := range []string{"a0", "b0"} {
		if _, err := s.RotateRefresh(ctx, id, digest(id), successor(id+"n"), base); !errors.Is(err, store.ErrRefreshRevoked) {
			t.Fatalf("expected %s to be revoked, got %v", id, err)
		}
	}
	if _, err := s.RotateRefresh(ctx, "c0", digest("c0"), successor("c1"), base); err != nil {
		t.Fatalf("other identity's family must survive, got %v", err)
	}
	if err := s.UpdatePassword(ctx, "missing", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func saveChallenge(t *testing.T, s store.Store, id string, purpose store.Purpose, userID string, ttl time.Duration) {
	t.Helper()
	ch := &store.Challenge{
		ID:         id,
		Purpose:    purpose,
		UserID:     userID,
		Email:      "alice@example.com",
		SecretHash: digest(id),
		IssuedAt:   base,
		ExpiresAt:  base.Add(ttl),
	}
	if err := s.SaveChallenge(context.Background(), ch); err != nil {
		t.Fatalf("SaveChallenge failed: %v", err)
	}
}

func testConsumePasswordReset(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedIdentity(t, s, "u1", "alice@example.com")
	seedToken(t, s, "t0", "f1", "u1", time.Hour)
	saveChallenge(t, s, "r1", store.PurposePasswordReset, "u1", time.Hour)

	if _, err := s.ConsumePasswordReset(ctx, "r1", digest("wrong"), "new-hash", base); !errors.Is(err, store.ErrChallengeInvalid) {
		t.Fatalf("expected ErrChallengeInvalid for wrong secret, got %v", err)
	}
	if _, err := s.ConsumeEmailVerification(ctx, "r1", digest("r1"), base); !errors.Is(err, store.ErrChallengeInvalid) {
		t.Fatalf("expected purpose mismatch to fail, got %v", err)
	}

	userID, err := s.ConsumePasswordReset(ctx, "r1", digest("r1"), "new-hash", base)
	if err != nil {
		t.Fatalf("ConsumePasswordReset failed: %v", err)
	}
	if userID != "u1" {
		t.Fatalf("expected u1, got %q", userID)
	}
	got, err := s.IdentityByID(ctx, "u1")
	if err != nil {
		t.Fatalf("IdentityByID failed: %v", err)
	}
	if got.PasswordHash != "new-hash" {
		t.Fatalf("expected digest to change, got %q", got.PasswordHash)
	}
	if _, err := s.RotateRefresh(ctx, "t0", digest("t0"), successor("t1"), base); !errors.Is(err, store.ErrRefreshRevoked) {
		t.Fatalf("expected families to be revoked, got %v", err)
	}
	if _, err := s.ConsumePasswordReset(ctx, "r1", digest("r1"), "again", base); !errors.Is(err, store.ErrChallengeInvalid) {
		t.Fatalf("expected single use, got %v", err)
	}
}

func testConsumeResetExpired(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedIdentity(t, s, "u1", "alice@example.com")
	saveChallenge(t, s, "r1", store.PurposePasswordReset, "u1", time.Minute)

	if _, err := s.ConsumePasswordReset(ctx, "r1", digest("r1"), "new-hash", base.Add(time.Hour)); !errors.Is(err, store.ErrChallengeInvalid) {
		t.Fatalf("expected ErrChallengeInvalid, got %v", err)
	}
	got, err := s.IdentityByID(ctx, "u1")
	if err != nil {
		t.Fatalf("IdentityByID failed: %v", err)
	}
	if got.PasswordHash != "hash-u1" {
		t.Fatalf("expired reset must not change digest, got %q", got.PasswordHash)
	}
}

func testConsumeEmailVerification(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedIdentity(t, s, "u1", "alice@example.com")
	saveChallenge(t, s, "v1", store.PurposeEmailVerification, "u1", time.Hour)

	userID, err := s.ConsumeEmailVerification(ctx, "v1", digest("v1"), base)
	if err != nil {
		t.Fatalf("ConsumeEmailVerification failed: %v", err)
	}
	if userID != "u1" {
		t.Fatalf("expected u1, got %q", userID)
	}
	got, err := s.IdentityByID(ctx, "u1")
	if err != nil {
		t.Fatalf("IdentityByID failed: %v", err)
	}
	if !got.Verified {
		t.Fatal("expected identity to be verified")
	}
	if _, err := s.ConsumeEmailVerification(ctx, "v1", digest("v1"), base); !errors.Is(err, store.ErrChallengeInvalid) {
		t.Fatalf("expected single use, got %v", err)
	}
}

func testSweep(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedIdentity(t, s, "u1", "alice@example.com")
	seedToken(t, s, "old", "f1", "u1", time.Minute)
	seedToken(t, s, "live", "f2", "u1", 48*time.Hour)
	saveChallenge(t, s, "r-old", store.PurposePasswordReset, "u1", time.Minute)
	saveChallenge(t, s, "r-live", store.PurposePasswordReset, "u1", 48*time.Hour)

	if _, err := s.Sweep(ctx, base.Add(time.Hour)); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if _, err := s.GetRefresh(ctx, "old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected expired token to be swept, got %v", err)
	}
	if _, err := s.GetRefresh(ctx, "live"); err != nil {
		t.Fatalf("live token must survive sweep, got %v", err)
	}
	if _, err := s.ConsumePasswordReset(ctx, "r-live", digest("r-live"), "h", base.Add(time.Hour)); err != nil {
		t.Fatalf("live challenge must survive sweep, got %v", err)
	}
}
