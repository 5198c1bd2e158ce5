package gateauth

import (
	"context"

	"github.com/MrEthical07/gateauth/internal/flows"
)

// RequestPasswordReset issues a one-time reset token for email and hands it
// to the Mailer. It returns nil whether or not email is registered.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return flows.RunRequestPasswordReset(ctx, email, e.flows.PasswordReset)
}

// ConfirmPasswordReset consumes token and sets newPassword. The digest
// update, the token deletion and the revocation of every refresh family of
// the owner happen in one store step.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if err := e.ready(); err != nil {
		return err
	}
	_, err := flows.RunConfirmPasswordReset(ctx, token, newPassword, e.flows.PasswordReset)
	return err
}
