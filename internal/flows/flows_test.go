package flows

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/gateauth/refresh"
	"github.com/MrEthical07/gateauth/store"
	"github.com/MrEthical07/gateauth/store/memstore"
)

var (
	errInvalidCreds = errors.New("invalid credentials")
	errUnverified   = errors.New("unverified")
	errRateLimited  = errors.New("rate limited")
	errDisabled     = errors.New("disabled")
	errValidation   = errors.New("validation")
	errResetInvalid = errors.New("reset invalid")
)

func fakeHash(p string) (string, error) { return "hash:" + p, nil }

func fakeVerify(p, h string) (bool, error) { return h == "hash:"+p, nil }

func seed(t *testing.T, s *memstore.Store, id, email, password string, verified bool) {
	t.Helper()
	h, _ := fakeHash(password)
	err := s.CreateIdentity(context.Background(), &store.Identity{
		ID: id, Email: email, PasswordHash: h, Role: "viewer", CreatedAt: time.Now(), Verified: verified,
	})
	if err != nil {
		t.Fatalf("seed identity: %v", err)
	}
}

type recordedAudit struct {
	mu     sync.Mutex
	events []string
}

func (r *recordedAudit) emit(_ context.Context, event string, success bool, _, _ string, _ error, _ func() map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := "fail"
	if success {
		status = "ok"
	}
	r.events = append(r.events, event+":"+status)
}

func loginDeps(s *memstore.Store, issued *int) LoginDeps {
	return LoginDeps{
		Store:          s,
		VerifyPassword: fakeVerify,
		DummyHash:      "hash:dummy",
		IssueTokens: func(_ context.Context, identity *store.Identity) (*TokenPair, error) {
			*issued++
			return &TokenPair{UserID: identity.ID, AccessToken: "a", RefreshToken: "r"}, nil
		},
		Errors: LoginErrors{InvalidCredentials: errInvalidCreds, Unverified: errUnverified, RateLimited: errRateLimited},
	}
}

func TestRunLoginUnknownEmailAndWrongPasswordMatch(t *testing.T) {
	s := memstore.New()
	seed(t, s, "u1", "alice@example.com", "Secret123", true)
	issued := 0
	deps := loginDeps(s, &issued)

	_, errWrong := RunLogin(context.Background(), "alice@example.com", "nope", deps)
	_, errUnknown := RunLogin(context.Background(), "bob@example.com", "Secret123", deps)
	if errWrong != errUnknown || !errors.Is(errWrong, errInvalidCreds) {
		t.Fatalf("expected identical invalid-credentials errors, got %v and %v", errWrong, errUnknown)
	}
	if issued != 0 {
		t.Fatalf("no tokens may be issued on failure, got %d", issued)
	}
}

func TestRunLoginTouchesAndIssues(t *testing.T) {
	s := memstore.New()
	seed(t, s, "u1", "alice@example.com", "Secret123", true)
	issued := 0
	deps := loginDeps(s, &issued)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	deps.Now = func() time.Time { return at }
	audit := &recordedAudit{}
	deps.EmitAudit = audit.emit
	deps.Events = LoginEvents{Success: "login_success", Failure: "login_failure"}

	pair, err := RunLogin(context.Background(), " Alice@Example.com ", "Secret123", deps)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if pair.UserID != "u1" || issued != 1 {
		t.Fatalf("unexpected pair %+v after %d issues", pair, issued)
	}
	got, _ := s.IdentityByID(context.Background(), "u1")
	if !got.LastLoginAt.Equal(at) {
		t.Fatalf("expected last login %v, got %v", at, got.LastLoginAt)
	}
	if len(audit.events) != 1 || audit.events[0] != "login_success:ok" {
		t.Fatalf("unexpected audit trail %v", audit.events)
	}
}

func TestRunLoginRequireVerified(t *testing.T) {
	s := memstore.New()
	seed(t, s, "u1", "alice@example.com", "Secret123", false)
	issued := 0
	deps := loginDeps(s, &issued)
	deps.RequireVerified = true

	if _, err := RunLogin(context.Background(), "alice@example.com", "Secret123", deps); !errors.Is(err, errUnverified) {
		t.Fatalf("expected unverified error, got %v", err)
	}
}

func refreshDeps(t *testing.T, s *memstore.Store) (RefreshDeps, *refresh.Manager) {
	t.Helper()
	mgr, err := refresh.NewManager(refresh.Config{Key: []byte("refresh-digest-key-0123456789abcdef"), TTL: time.Hour}, s)
	if err != nil {
		t.Fatalf("refresh manager: %v", err)
	}
	return RefreshDeps{
		Rotator: mgr,
		Store:   s,
		IssueAccess: func(identity *store.Identity) (string, time.Time, error) {
			return "access:" + identity.ID, time.Now().Add(time.Minute), nil
		},
	}, mgr
}

func TestRunRefreshUnverifiedKeepsToken(t *testing.T) {
	s := memstore.New()
	seed(t, s, "u1", "alice@example.com", "Secret123", false)
	deps, mgr := refreshDeps(t, s)
	issued, err := mgr.Issue(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	deps.RequireVerified = true
	res := RunRefresh(context.Background(), issued.Token, deps)
	if res.Failure != RefreshFailureUnverified {
		t.Fatalf("expected unverified failure, got %v (%v)", res.Failure, res.Err)
	}
	rec, err := s.GetRefresh(context.Background(), issued.Record.TokenID)
	if err != nil {
		t.Fatalf("GetRefresh failed: %v", err)
	}
	if rec.Used || rec.FamilyRevoked {
		t.Fatalf("rejected refresh must not consume the token: %+v", rec)
	}

	deps.RequireVerified = false
	res = RunRefresh(context.Background(), issued.Token, deps)
	if res.Failure != RefreshFailureNone || res.Pair == nil {
		t.Fatalf("token must remain usable, got %v (%v)", res.Failure, res.Err)
	}
}

func TestRunRefreshVerifiedRotates(t *testing.T) {
	s := memstore.New()
	seed(t, s, "u1", "alice@example.com", "Secret123", true)
	deps, mgr := refreshDeps(t, s)
	deps.RequireVerified = true
	issued, err := mgr.Issue(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	res := RunRefresh(context.Background(), issued.Token, deps)
	if res.Failure != RefreshFailureNone || res.Pair == nil {
		t.Fatalf("refresh failed: %v (%v)", res.Failure, res.Err)
	}
	if res.Pair.AccessToken != "access:u1" || res.Pair.RefreshToken == issued.Token {
		t.Fatalf("unexpected pair %+v", res.Pair)
	}
	if again := RunRefresh(context.Background(), issued.Token, deps); again.Failure != RefreshFailureReuse {
		t.Fatalf("expected reuse on second presentation, got %v", again.Failure)
	}
}

func TestRunLoginUpgradesStaleDigest(t *testing.T) {
	s := memstore.New()
	err := s.CreateIdentity(context.Background(), &store.Identity{
		ID: "u1", Email: "alice@example.com", PasswordHash: "legacy:Secret123", Role: "viewer", CreatedAt: time.Now(), Verified: true,
	})
	if err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	issued := 0
	deps := loginDeps(s, &issued)
	deps.VerifyPassword = func(p, h string) (bool, error) {
		return h == "legacy:"+p || h == "hash:"+p, nil
	}
	deps.PasswordNeedsUpgrade = func(h string) (bool, error) { return strings.HasPrefix(h, "legacy:"), nil }
	deps.HashPassword = fakeHash

	if _, err := RunLogin(context.Background(), "alice@example.com", "Secret123", deps); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	got, _ := s.IdentityByID(context.Background(), "u1")
	if got.PasswordHash != "hash:Secret123" {
		t.Fatalf("expected upgraded digest, got %q", got.PasswordHash)
	}
	if _, err := RunLogin(context.Background(), "alice@example.com", "Secret123", deps); err != nil {
		t.Fatalf("login with upgraded digest failed: %v", err)
	}
}

func TestRunLoginUpgradeFailureDoesNotBlock(t *testing.T) {
	s := memstore.New()
	seed(t, s, "u1", "alice@example.com", "Secret123", true)
	issued := 0
	deps := loginDeps(s, &issued)
	deps.PasswordNeedsUpgrade = func(string) (bool, error) { return true, nil }
	deps.HashPassword = func(string) (string, error) { return "", errors.New("entropy exhausted") }

	if _, err := RunLogin(context.Background(), "alice@example.com", "Secret123", deps); err != nil {
		t.Fatalf("login must survive a failed upgrade, got %v", err)
	}
	got, _ := s.IdentityByID(context.Background(), "u1")
	if got.PasswordHash != "hash:Secret123" || issued != 1 {
		t.Fatalf("unexpected state: digest %q after %d issues", got.PasswordHash, issued)
	}
}

type countingLimiter struct {
	failures map[string]int
	max      int
}

func (l *countingLimiter) CheckLogin(_ context.Context, email, _ string) error {
	if l.failures[email] >= l.max {
		return errRateLimited
	}
	return nil
}

func (l *countingLimiter) FailLogin(_ context.Context, email, _ string) error {
	l.failures[email]++
	return nil
}

func (l *countingLimiter) ResetLogin(_ context.Context, email, _ string) error {
	delete(l.failures, email)
	return nil
}

func TestRunLoginLimiterBlocksAfterFailures(t *testing.T) {
	s := memstore.New()
	seed(t, s, "u1", "alice@example.com", "Secret123", true)
	issued := 0
	deps := loginDeps(s, &issued)
	lim := &countingLimiter{failures: map[string]int{}, max: 2}
	deps.Limiter = lim

	for i := 0; i < 2; i++ {
		if _, err := RunLogin(context.Background(), "alice@example.com", "bad", deps); !errors.Is(err, errInvalidCreds) {
			t.Fatalf("attempt %d: expected invalid credentials, got %v", i, err)
		}
	}
	if _, err := RunLogin(context.Background(), "alice@example.com", "Secret123", deps); !errors.Is(err, errRateLimited) {
		t.Fatalf("expected rate limit once the window is full, got %v", err)
	}
}

func resetDeps(s *memstore.Store, delivered *[]Delivery) PasswordResetDeps {
	return PasswordResetDeps{
		Enabled:      true,
		TTL:          time.Hour,
		Store:        s,
		HashPassword: fakeHash,
		Deliver: func(_ context.Context, d Delivery) {
			*delivered = append(*delivered, d)
		},
		Errors: PasswordResetErrors{
			Disabled:    errDisabled,
			Validation:  errValidation,
			Invalid:     errResetInvalid,
			RateLimited: errRateLimited,
		},
	}
}

func TestRunRequestPasswordResetDoesNotRevealAccounts(t *testing.T) {
	s := memstore.New()
	seed(t, s, "u1", "alice@example.com", "Secret123", true)
	var delivered []Delivery
	deps := resetDeps(s, &delivered)

	if err := RunRequestPasswordReset(context.Background(), "nobody@example.com", deps); err != nil {
		t.Fatalf("unknown email must succeed silently, got %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("nothing may be delivered for an unknown email")
	}
	if err := RunRequestPasswordReset(context.Background(), "alice@example.com", deps); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if len(delivered) != 1 || delivered[0].UserID != "u1" || delivered[0].Token == "" {
		t.Fatalf("unexpected deliveries %+v", delivered)
	}
	if err := RunRequestPasswordReset(context.Background(), "not-an-email", deps); !errors.Is(err, errValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRunConfirmPasswordResetIsSingleUse(t *testing.T) {
	s := memstore.New()
	seed(t, s, "u1", "alice@example.com", "Secret123", true)
	var delivered []Delivery
	deps := resetDeps(s, &delivered)

	if err := RunRequestPasswordReset(context.Background(), "alice@example.com", deps); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	token := delivered[0].Token

	userID, err := RunConfirmPasswordReset(context.Background(), token, "NewSecret456", deps)
	if err != nil || userID != "u1" {
		t.Fatalf("confirm failed: %q %v", userID, err)
	}
	got, _ := s.IdentityByID(context.Background(), "u1")
	if got.PasswordHash != "hash:NewSecret456" {
		t.Fatalf("password digest not replaced: %q", got.PasswordHash)
	}
	if _, err := RunConfirmPasswordReset(context.Background(), token, "Another789", deps); !errors.Is(err, errResetInvalid) {
		t.Fatalf("second confirm must fail, got %v", err)
	}
}

func TestRunConfirmPasswordResetExpired(t *testing.T) {
	s := memstore.New()
	seed(t, s, "u1", "alice@example.com", "Secret123", true)
	var delivered []Delivery
	deps := resetDeps(s, &delivered)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	deps.Now = func() time.Time { return now }

	if err := RunRequestPasswordReset(context.Background(), "alice@example.com", deps); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	now = now.Add(time.Hour)
	if _, err := RunConfirmPasswordReset(context.Background(), delivered[0].Token, "NewSecret456", deps); !errors.Is(err, errResetInvalid) {
		t.Fatalf("expected expired challenge to be rejected, got %v", err)
	}
}

func TestRunConfirmPasswordResetRejectsGarbageAndPolicy(t *testing.T) {
	s := memstore.New()
	var delivered []Delivery
	deps := resetDeps(s, &delivered)
	policyErr := errors.New("too weak")
	deps.CheckPassword = func(p string) error {
		if len(p) < 8 {
			return policyErr
		}
		return nil
	}

	if _, err := RunConfirmPasswordReset(context.Background(), "garbage", "NewSecret456", deps); !errors.Is(err, errResetInvalid) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	seed(t, s, "u1", "alice@example.com", "Secret123", true)
	_ = RunRequestPasswordReset(context.Background(), "alice@example.com", deps)
	if _, err := RunConfirmPasswordReset(context.Background(), delivered[0].Token, "short", deps); !errors.Is(err, policyErr) {
		t.Fatalf("expected policy error, got %v", err)
	}
	if _, err := RunConfirmPasswordReset(context.Background(), delivered[0].Token, "NewSecret456", deps); err != nil {
		t.Fatalf("a policy failure must not consume the challenge: %v", err)
	}
}

func TestRunPasswordResetDisabled(t *testing.T) {
	deps := PasswordResetDeps{Errors: PasswordResetErrors{Disabled: errDisabled}}
	if err := RunRequestPasswordReset(context.Background(), "alice@example.com", deps); !errors.Is(err, errDisabled) {
		t.Fatalf("expected disabled, got %v", err)
	}
}

func TestRunEmailVerification(t *testing.T) {
	s := memstore.New()
	seed(t, s, "u1", "alice@example.com", "Secret123", false)
	var delivered []Delivery
	deps := EmailVerificationDeps{
		Enabled: true,
		TTL:     time.Hour,
		Store:   s,
		Deliver: func(_ context.Context, d Delivery) { delivered = append(delivered, d) },
		Errors:  EmailVerificationErrors{Disabled: errDisabled, Validation: errValidation, Invalid: errResetInvalid},
	}

	if err := RunRequestEmailVerification(context.Background(), "alice@example.com", deps); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if len(delivered) != 1 || delivered[0].Purpose != store.PurposeEmailVerification {
		t.Fatalf("unexpected deliveries %+v", delivered)
	}
	if _, err := RunConfirmEmailVerification(context.Background(), delivered[0].Token, deps); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	got, _ := s.IdentityByID(context.Background(), "u1")
	if !got.Verified {
		t.Fatalf("identity should be verified")
	}
	if err := RunRequestEmailVerification(context.Background(), "alice@example.com", deps); err != nil || len(delivered) != 1 {
		t.Fatalf("verified accounts get no new challenge: %v, %d deliveries", err, len(delivered))
	}
}

func TestValidEmail(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"alice@example.com", true},
		{"a.b+c@sub.example.org", true},
		{"", false},
		{"alice", false},
		{"@example.com", false},
		{"alice@", false},
		{"Alice <alice@example.com>", false},
		{strings.Repeat("a", 250) + "@x.io", false},
	}
	for _, tc := range cases {
		if got := ValidEmail(tc.in); got != tc.want {
			t.Fatalf("ValidEmail(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
