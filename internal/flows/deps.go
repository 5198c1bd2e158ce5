package flows

import (
	"context"
	"time"

	"github.com/MrEthical07/gateauth/store"
)

// Deps groups flow dependency sets. Root engine builds this once and delegates
// request methods to the matching flow implementation.
type Deps struct {
	Login             LoginDeps
	Refresh           RefreshDeps
	Logout            LogoutDeps
	PasswordReset     PasswordResetDeps
	EmailVerification EmailVerificationDeps
}

// AuditFunc emits one audit event. meta is only evaluated when a sink is attached.
type AuditFunc func(ctx context.Context, event string, success bool, userID, familyID string, err error, meta func() map[string]string)

// TokenPair is an issued access/refresh pair as seen by the flows.
type TokenPair struct {
	UserID           string
	FamilyID         string
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Delivery is a one-time secret handed to the delivery collaborator.
type Delivery struct {
	Purpose   store.Purpose
	UserID    string
	Email     string
	Token     string
	ExpiresAt time.Time
}

func noopAudit(context.Context, string, bool, string, string, error, func() map[string]string) {}

func noopMetric(int) {}

func noopWarn(string, ...any) {}

func noopClientIP(context.Context) string { return "" }
