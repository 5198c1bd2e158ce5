package gateauth

import (
	"context"
	"time"

	"github.com/MrEthical07/gateauth/store"
)

// Identity is a registered account as returned by Register. PasswordHash is
// always empty in values the Engine hands out.
type Identity = store.Identity

// TokenPair is the result of Login and Refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// AuthResult describes a validated access token. From AuthorizeAccess, Role
// is the identity's current role in the store rather than the token claim.
type AuthResult struct {
	UserID    string
	Email     string
	Role      string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// MessagePurpose tells a Mailer which template to render.
type MessagePurpose = store.Purpose

const (
	PurposePasswordReset     = store.PurposePasswordReset
	PurposeEmailVerification = store.PurposeEmailVerification
)

// Message carries a one-time token to its owner. Token is a secret: Mailer
// implementations must not log it.
type Message struct {
	Purpose   MessagePurpose `json:"purpose"`
	To        string         `json:"to"`
	UserID    string         `json:"user_id"`
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Mailer delivers reset and verification tokens. The Engine calls Send from
// its own goroutine and only logs failures.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// MailerFunc adapts a function to Mailer.
type MailerFunc func(ctx context.Context, msg Message) error

func (f MailerFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// HealthStatus is returned by Engine.Health.
type HealthStatus struct {
	StoreAvailable bool          `json:"store_available"`
	StoreLatency   time.Duration `json:"store_latency"`
	Error          string        `json:"error,omitempty"`
}
