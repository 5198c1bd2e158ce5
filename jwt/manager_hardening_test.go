package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

var (
	testKey = []byte("access-signing-key-0123456789abcdef")
	epoch   = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
)

func newEdKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return pub, priv
}

func newHSManager(t *testing.T, now *time.Time) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		AccessTTL:     15 * time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    testKey,
		Issuer:        "gateauth",
		Audience:      "api",
		Now:           func() time.Time { return *now },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func signed(t *testing.T, method gjwt.SigningMethod, key interface{}, claims AccessClaims) string {
	t.Helper()
	token, err := gjwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func baseClaims(now time.Time) AccessClaims {
	return AccessClaims{
		Email: "alice@example.com",
		Role:  "viewer",
		Type:  TokenType,
		RegisteredClaims: gjwt.RegisteredClaims{
			Subject:   "u1",
			Issuer:    "gateauth",
			Audience:  gjwt.ClaimStrings{"api"},
			IssuedAt:  gjwt.NewNumericDate(now),
			ExpiresAt: gjwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
}

func TestNewManagerRejectsShortHMACKey(t *testing.T) {
	_, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodHS256, PrivateKey: []byte("short")})
	if err == nil {
		t.Fatal("expected short key to be rejected")
	}
}

func TestIssueParseRoundTrip(t *testing.T) {
	now := epoch
	m := newHSManager(t, &now)

	token, issued, err := m.Issue("u1", "alice@example.com", "viewer")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := m.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID() != "u1" || claims.Email != "alice@example.com" || claims.Role != "viewer" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ID == "" || claims.ID != issued.ID {
		t.Fatalf("expected jti to round-trip, got %q", claims.ID)
	}
	if !claims.ExpiresAt.Time.Equal(epoch.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt.Time)
	}
}

func TestParseExpiresAtTheInstant(t *testing.T) {
	now := epoch
	m := newHSManager(t, &now)
	token, _, _ := m.Issue("u1", "alice@example.com", "viewer")

	now = epoch.Add(15*time.Minute - time.Second)
	if _, err := m.Parse(token); err != nil {
		t.Fatalf("expected token to be live one second before expiry: %v", err)
	}
	now = epoch.Add(15 * time.Minute)
	if _, err := m.Parse(token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired at the expiry instant, got %v", err)
	}
}

func TestParseDistinguishesFailures(t *testing.T) {
	now := epoch
	m := newHSManager(t, &now)
	token, _, _ := m.Issue("u1", "alice@example.com", "viewer")

	if _, err := m.Parse("not-a-token"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := m.Parse(tampered); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	foreign := signed(t, gjwt.SigningMethodHS256, []byte("another-key-another-key-another-key"), baseClaims(epoch))
	if _, err := m.Parse(foreign); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected foreign key to fail signature, got %v", err)
	}

	now = epoch.Add(time.Hour)
	expiredForeign := signed(t, gjwt.SigningMethodHS256, []byte("another-key-another-key-another-key"), baseClaims(epoch))
	if _, err := m.Parse(expiredForeign); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("signature must be checked before expiry, got %v", err)
	}
}

func TestParseRejectsWrongTypeAndSubject(t *testing.T) {
	now := epoch
	m := newHSManager(t, &now)

	c := baseClaims(epoch)
	c.Type = "refresh"
	if _, err := m.Parse(signed(t, gjwt.SigningMethodHS256, testKey, c)); !errors.Is(err, ErrInvalidClaims) {
		t.Fatalf("expected wrong typ to be rejected, got %v", err)
	}

	c = baseClaims(epoch)
	c.Subject = ""
	if _, err := m.Parse(signed(t, gjwt.SigningMethodHS256, testKey, c)); !errors.Is(err, ErrInvalidClaims) {
		t.Fatalf("expected empty subject to be rejected, got %v", err)
	}
}

func TestParseRejectsWrongAlgorithm(t *testing.T) {
	pub, _ := newEdKeys(t)
	m, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token := signed(t, gjwt.SigningMethodHS256, []byte("secret-secret-secret-secret"), baseClaims(time.Now()))
	if _, err := m.Parse(token); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected wrong algorithm to be rejected, got %v", err)
	}
}

func TestParseIssuerAudienceAndLeeway(t *testing.T) {
	_, priv := newEdKeys(t)
	now := epoch
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     priv.Public().(ed25519.PublicKey),
		Issuer:        "gateauth",
		Audience:      "api",
		Leeway:        30 * time.Second,
		Now:           func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	access, _, err := m.Issue("u1", "alice@example.com", "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Parse(access); err != nil {
		t.Fatalf("expected valid token to parse: %v", err)
	}

	wrongIssuer := baseClaims(epoch)
	wrongIssuer.Issuer = "other"
	if _, err := m.Parse(signed(t, gjwt.SigningMethodEdDSA, priv, wrongIssuer)); !errors.Is(err, ErrInvalidClaims) {
		t.Fatalf("expected wrong issuer to fail, got %v", err)
	}

	wrongAudience := baseClaims(epoch)
	wrongAudience.Audience = gjwt.ClaimStrings{"other-api"}
	if _, err := m.Parse(signed(t, gjwt.SigningMethodEdDSA, priv, wrongAudience)); !errors.Is(err, ErrInvalidClaims) {
		t.Fatalf("expected wrong audience to fail, got %v", err)
	}

	within := baseClaims(epoch.Add(-time.Minute))
	within.ExpiresAt = gjwt.NewNumericDate(epoch.Add(-15 * time.Second))
	if _, err := m.Parse(signed(t, gjwt.SigningMethodEdDSA, priv, within)); err != nil {
		t.Fatalf("expected token within leeway to pass: %v", err)
	}

	expired := baseClaims(epoch.Add(-3 * time.Minute))
	expired.ExpiresAt = gjwt.NewNumericDate(epoch.Add(-2 * time.Minute))
	if _, err := m.Parse(signed(t, gjwt.SigningMethodEdDSA, priv, expired)); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestParseUnknownKidFails(t *testing.T) {
	pub1, priv1 := newEdKeys(t)
	pub2, _ := newEdKeys(t)
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv1,
		PublicKey:     pub1,
		KeyID:         "k1",
		VerifyKeys:    map[string][]byte{"k1": pub1},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	claims := baseClaims(time.Now())
	claims.Issuer = ""
	claims.Audience = nil
	tok := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = "k2"
	token, err := tok.SignedString(priv1)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := m.Parse(token); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected unknown kid failure, got %v", err)
	}

	tok2 := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, claims)
	tok2.Header["kid"] = "k1"
	good, _ := tok2.SignedString(priv1)
	if _, err := m.Parse(good); err != nil {
		t.Fatalf("expected known kid token to pass: %v", err)
	}

	m2, _ := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub2, VerifyKeys: map[string][]byte{"k2": pub2}})
	if _, err := m2.Parse(good); err == nil {
		t.Fatal("expected parse failure with mismatched key set")
	}
}
