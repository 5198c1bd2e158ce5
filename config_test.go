package gateauth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/gateauth/permission"
)

func TestConfigValidateAcceptsTestConfig(t *testing.T) {
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestDefaultConfigNeedsKeys(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected defaults without keys to be rejected")
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short access key", func(c *Config) { c.JWT.PrivateKey = []byte("short") }, "PrivateKey"},
		{"short refresh key", func(c *Config) { c.Refresh.Key = []byte("short") }, "Refresh Key"},
		{"shared key", func(c *Config) { c.Refresh.Key = c.JWT.PrivateKey }, "differ"},
		{"refresh not longer than access", func(c *Config) { c.Refresh.TTL = c.JWT.AccessTTL }, "longer"},
		{"zero access ttl", func(c *Config) { c.JWT.AccessTTL = 0 }, "AccessTTL"},
		{"unknown signing method", func(c *Config) { c.JWT.SigningMethod = "rs512" }, "SigningMethod"},
		{"weak argon memory", func(c *Config) { c.Password.Memory = 1024 }, "Memory"},
		{"bcrypt with long passwords", func(c *Config) {
			c.Password.Algorithm = "bcrypt"
			c.Password.BcryptCost = 10
		}, "72"},
		{"reset ttl too long", func(c *Config) { c.PasswordReset.TTL = 48 * time.Hour }, "PasswordReset"},
		{"verification required but disabled", func(c *Config) {
			c.EmailVerification.Enabled = false
			c.EmailVerification.RequireForLogin = true
		}, "RequireForLogin"},
		{"default role outside set", func(c *Config) { c.RBAC.DefaultRole = "owner" }, "RBAC"},
		{"negative rate", func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.Login.Max = -1
		}, "Login"},
		{"audit without buffer", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.BufferSize = 0
		}, "BufferSize"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestConfigValidateRejectsBadRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.RBAC.Routes = append(cfg.RBAC.Routes, permission.Rule{Pattern: "api/no-slash", Method: "GET", Roles: []string{"admin"}})
	if err := cfg.Validate(); !errors.Is(err, permission.ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}

	cfg = testConfig()
	cfg.RBAC.Routes = append(cfg.RBAC.Routes, permission.Rule{Pattern: "/api/x", Method: "GET", Roles: []string{"owner"}})
	if err := cfg.Validate(); !errors.Is(err, permission.ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestBuilderCopiesConfig(t *testing.T) {
	cfg := testConfig()
	b := New().WithConfig(cfg)
	cfg.RBAC.Routes[0].Roles[0] = "admin"
	cfg.JWT.PrivateKey[0] = 'X'

	if b.config.RBAC.Routes[0].Roles[0] != "viewer" {
		t.Fatal("builder must not share route slices with the caller")
	}
	if b.config.JWT.PrivateKey[0] != 'a' {
		t.Fatal("builder must not share key bytes with the caller")
	}
}
