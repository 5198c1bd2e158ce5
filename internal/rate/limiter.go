package rate

import (
	"context"
	"errors"
)

// Config holds per-operation policies.
type Config struct {
	// Login budgets failed attempts; a successful login clears the counters.
	Login             Policy
	Register          Policy
	PasswordReset     Policy
	EmailVerification Policy
	// PerIP adds a second counter keyed by client IP next to the email one.
	PerIP bool
}

// Limiter enforces the authentication throttles on top of a Backend.
type Limiter struct {
	backend Backend
	config  Config
}

// New creates a [Limiter] over backend.
func New(backend Backend, cfg Config) *Limiter {
	return &Limiter{backend: backend, config: cfg}
}

// CheckLogin fails with ErrRateLimited once the email, or the IP when PerIP is
// set, has used up its failed-attempt budget. It consumes nothing.
func (l *Limiter) CheckLogin(ctx context.Context, email, ip string) error {
	p := l.config.Login
	if !p.enabled() {
		return nil
	}
	for _, key := range l.keys("login", email, ip) {
		exceeded, err := l.backend.Exceeded(ctx, key, p)
		if err != nil {
			return err
		}
		if exceeded {
			return ErrRateLimited
		}
	}
	return nil
}

// FailLogin records a failed attempt and returns ErrRateLimited when it
// pushed a counter past the budget.
func (l *Limiter) FailLogin(ctx context.Context, email, ip string) error {
	return l.hit(ctx, l.config.Login, l.keys("login", email, ip))
}

// ResetLogin clears the failed-login counters after a successful login.
func (l *Limiter) ResetLogin(ctx context.Context, email, ip string) error {
	if !l.config.Login.enabled() {
		return nil
	}
	return l.backend.Reset(ctx, l.keys("login", email, ip)...)
}

// AllowRegister consumes one registration from the client IP's budget.
func (l *Limiter) AllowRegister(ctx context.Context, ip string) error {
	if ip == "" {
		ip = "unknown"
	}
	return l.hit(ctx, l.config.Register, []string{"register:ip:" + ip})
}

// AllowReset consumes one reset request for email.
func (l *Limiter) AllowReset(ctx context.Context, email, ip string) error {
	return l.hit(ctx, l.config.PasswordReset, l.keys("reset", email, ip))
}

// AllowVerification consumes one verification request for email.
func (l *Limiter) AllowVerification(ctx context.Context, email, ip string) error {
	return l.hit(ctx, l.config.EmailVerification, l.keys("verify", email, ip))
}

func (l *Limiter) hit(ctx context.Context, p Policy, keys []string) error {
	if !p.enabled() {
		return nil
	}
	var limited bool
	for _, key := range keys {
		exceeded, err := l.backend.Hit(ctx, key, p)
		if err != nil {
			return err
		}
		limited = limited || exceeded
	}
	if limited {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) keys(scope, email, ip string) []string {
	keys := []string{scope + ":email:" + email}
	if l.config.PerIP && ip != "" {
		keys = append(keys, scope+":ip:"+ip)
	}
	return keys
}

// IsLimited reports whether err is a throttling decision rather than a
// backend failure.
func IsLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
