package gateauth

import (
	"context"

	"github.com/MrEthical07/gateauth/internal/flows"
)

// RequestEmailVerification sends a verification token to email. Unknown and
// already verified addresses succeed silently.
func (e *Engine) RequestEmailVerification(ctx context.Context, email string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return flows.RunRequestEmailVerification(ctx, email, e.flows.EmailVerification)
}

func (e *Engine) ConfirmEmailVerification(ctx context.Context, token string) error {
	if err := e.ready(); err != nil {
		return err
	}
	_, err := flows.RunConfirmEmailVerification(ctx, token, e.flows.EmailVerification)
	return err
}
