package gateauth

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/gateauth/password"
	"github.com/MrEthical07/gateauth/permission"
)

// Config is the complete engine configuration. Start from DefaultConfig and
// set the keys; Build validates the result and keeps a private copy.
type Config struct {
	JWT               JWTConfig
	Refresh           RefreshConfig
	Password          PasswordConfig
	PasswordReset     PasswordResetConfig
	EmailVerification EmailVerificationConfig
	RBAC              RBACConfig
	RateLimit         RateLimitConfig
	Audit             AuditConfig
	Metrics           MetricsConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// JWTConfig controls access tokens.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	// PrivateKey is the HMAC secret for hs256 or the Ed25519 private key.
	PrivateKey   []byte
	PublicKey    []byte
	Issuer       string
	Audience     string
	Leeway       time.Duration
	MaxFutureIAT time.Duration
	KeyID        string
}

// RefreshConfig controls refresh tokens. Key must differ from the access
// signing key.
type RefreshConfig struct {
	TTL time.Duration
	Key []byte
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig selects the hashing primitive and the policy new passwords
// must satisfy. Digests of the other algorithm still verify, so switching
// Algorithm does not lock anyone out.
type PasswordConfig struct {
	Algorithm   string // "argon2id" (default) or "bcrypt"
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	BcryptCost  int
	Policy      password.Policy
	// UpgradeOnLogin rehashes digests produced by the non-primary algorithm,
	// or with weaker parameters, after a successful login.
	UpgradeOnLogin bool
}

// PasswordResetConfig controls the reset workflow.
type PasswordResetConfig struct {
	Enabled bool
	TTL     time.Duration
}

// EmailVerificationConfig controls the verification workflow.
type EmailVerificationConfig struct {
	Enabled bool
	TTL     time.Duration
	// RequireForLogin rejects login and refresh for unverified identities.
	RequireForLogin bool
}

/*
====================================
RBAC CONFIG
====================================
*/

// RBACConfig is the closed role enumeration and the route-permission table.
// Routes are compiled once at Build.
type RBACConfig struct {
	Roles       []string
	DefaultRole string
	Routes      []permission.Rule
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RatePolicy allows Max events per Window. Max zero disables the policy.
type RatePolicy struct {
	Max    int
	Window time.Duration
}

// RateLimitConfig throttles the unauthenticated operations. Counters live in
// Redis when the builder was given a client, in process memory otherwise.
type RateLimitConfig struct {
	Enabled           bool
	PerIP             bool
	RedisPrefix       string
	Login             RatePolicy
	Register          RatePolicy
	PasswordReset     RatePolicy
	EmailVerification RatePolicy
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func defaultConfig() Config {
	argon := password.DefaultConfig()
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "hs256",
			Issuer:        "gateauth",
			Leeway:        5 * time.Second,
		},
		Refresh: RefreshConfig{
			TTL: 7 * 24 * time.Hour,
		},
		Password: PasswordConfig{
			Algorithm:      "argon2id",
			Memory:         argon.Memory,
			Time:           argon.Time,
			Parallelism:    argon.Parallelism,
			SaltLength:     argon.SaltLength,
			KeyLength:      argon.KeyLength,
			BcryptCost:     12,
			Policy:         password.DefaultPolicy(),
			UpgradeOnLogin: true,
		},
		PasswordReset: PasswordResetConfig{
			Enabled: true,
			TTL:     time.Hour,
		},
		EmailVerification: EmailVerificationConfig{
			Enabled:         true,
			TTL:             24 * time.Hour,
			RequireForLogin: false,
		},
		RBAC: RBACConfig{
			Roles:       []string{"admin", "developer", "viewer"},
			DefaultRole: "viewer",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			PerIP:             true,
			RedisPrefix:       "gateauth:rl:",
			Login:             RatePolicy{Max: 5, Window: 15 * time.Minute},
			Register:          RatePolicy{Max: 10, Window: time.Hour},
			PasswordReset:     RatePolicy{Max: 3, Window: time.Hour},
			EmailVerification: RatePolicy{Max: 3, Window: time.Hour},
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
	}
}

// DefaultConfig returns the defaults with no keys set. Access tokens last 15
// minutes, refresh tokens 7 days, reset tokens 1 hour and verification
// tokens 24 hours.
func DefaultConfig() Config {
	return defaultConfig()
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.Refresh.Key = cloneBytes(cfg.Refresh.Key)
	out.RBAC.Roles = append([]string(nil), cfg.RBAC.Roles...)
	out.RBAC.Routes = make([]permission.Rule, len(cfg.RBAC.Routes))
	for i, r := range cfg.RBAC.Routes {
		r.Roles = append([]string(nil), r.Roles...)
		out.RBAC.Routes[i] = r
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

const minKeyBytes = 32

// Validate reports the first unusable setting. It also compiles the RBAC
// table so a malformed route pattern fails here rather than at Build.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}
	switch strings.ToLower(c.JWT.SigningMethod) {
	case "hs256":
		if len(c.JWT.PrivateKey) < minKeyBytes {
			return fmt.Errorf("JWT PrivateKey must be at least %d bytes for hs256", minKeyBytes)
		}
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 && len(c.JWT.PublicKey) == 0 {
			return errors.New("JWT ed25519 requires PrivateKey or PublicKey")
		}
	default:
		return errors.New("JWT SigningMethod must be hs256 or ed25519")
	}

	// Refresh
	if c.Refresh.TTL <= 0 {
		return errors.New("Refresh TTL must be > 0")
	}
	if c.Refresh.TTL <= c.JWT.AccessTTL {
		return errors.New("Refresh TTL must be longer than JWT AccessTTL")
	}
	if len(c.Refresh.Key) < minKeyBytes {
		return fmt.Errorf("Refresh Key must be at least %d bytes", minKeyBytes)
	}
	if bytes.Equal(c.Refresh.Key, c.JWT.PrivateKey) {
		return errors.New("Refresh Key must differ from JWT PrivateKey")
	}

	// Password
	switch c.Password.Algorithm {
	case "argon2id":
		if c.Password.Memory < 8*1024 {
			return errors.New("Password Memory must be >= 8192 KB")
		}
		if c.Password.Time < 1 {
			return errors.New("Password Time must be >= 1")
		}
		if c.Password.Parallelism < 1 {
			return errors.New("Password Parallelism must be >= 1")
		}
		if c.Password.SaltLength < 16 {
			return errors.New("Password SaltLength must be >= 16")
		}
		if c.Password.KeyLength < 16 {
			return errors.New("Password KeyLength must be >= 16")
		}
	case "bcrypt":
		if c.Password.BcryptCost < 10 || c.Password.BcryptCost > 31 {
			return errors.New("Password BcryptCost must be between 10 and 31")
		}
		if c.Password.Policy.MaxBytes == 0 || c.Password.Policy.MaxBytes > 72 {
			return errors.New("Password Policy MaxBytes must be between 1 and 72 for bcrypt")
		}
	default:
		return errors.New("Password Algorithm must be argon2id or bcrypt")
	}
	if err := c.Password.Policy.Validate(); err != nil {
		return fmt.Errorf("Password Policy: %w", err)
	}

	// Challenges
	if c.PasswordReset.Enabled && c.PasswordReset.TTL <= 0 {
		return errors.New("PasswordReset TTL must be > 0")
	}
	if c.PasswordReset.TTL > 24*time.Hour {
		return errors.New("PasswordReset TTL must be <= 24h")
	}
	if c.EmailVerification.Enabled && c.EmailVerification.TTL <= 0 {
		return errors.New("EmailVerification TTL must be > 0")
	}
	if c.EmailVerification.RequireForLogin && !c.EmailVerification.Enabled {
		return errors.New("EmailVerification RequireForLogin requires EmailVerification Enabled")
	}

	// RBAC
	if _, err := c.compileRoutes(); err != nil {
		return fmt.Errorf("RBAC: %w", err)
	}

	// Rate limits
	if c.RateLimit.Enabled {
		for name, p := range map[string]RatePolicy{
			"Login":             c.RateLimit.Login,
			"Register":          c.RateLimit.Register,
			"PasswordReset":     c.RateLimit.PasswordReset,
			"EmailVerification": c.RateLimit.EmailVerification,
		} {
			if p.Max < 0 {
				return fmt.Errorf("RateLimit %s Max must be >= 0", name)
			}
			if p.Max > 0 && p.Window <= 0 {
				return fmt.Errorf("RateLimit %s Window must be > 0", name)
			}
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}

func (c *Config) compileRoutes() (*permission.RouteTable, error) {
	roles, err := permission.NewRoleSet(c.RBAC.Roles, c.RBAC.DefaultRole)
	if err != nil {
		return nil, err
	}
	return permission.Compile(roles, c.RBAC.Routes)
}
