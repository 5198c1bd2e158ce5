package gateauth

import (
	"context"
	"fmt"

	"github.com/MrEthical07/gateauth/internal/rate"
)

// engineLimiter translates internal/rate errors into the public taxonomy so
// flows can compare against ErrRateLimited directly.
type engineLimiter struct {
	l *rate.Limiter
}

func (a *engineLimiter) CheckLogin(ctx context.Context, email, ip string) error {
	return mapLimiterErr(a.l.CheckLogin(ctx, email, ip))
}

func (a *engineLimiter) FailLogin(ctx context.Context, email, ip string) error {
	return mapLimiterErr(a.l.FailLogin(ctx, email, ip))
}

func (a *engineLimiter) ResetLogin(ctx context.Context, email, ip string) error {
	return mapLimiterErr(a.l.ResetLogin(ctx, email, ip))
}

func (a *engineLimiter) AllowRegister(ctx context.Context, ip string) error {
	return mapLimiterErr(a.l.AllowRegister(ctx, ip))
}

func (a *engineLimiter) AllowReset(ctx context.Context, email, ip string) error {
	return mapLimiterErr(a.l.AllowReset(ctx, email, ip))
}

func (a *engineLimiter) AllowVerification(ctx context.Context, email, ip string) error {
	return mapLimiterErr(a.l.AllowVerification(ctx, email, ip))
}

func mapLimiterErr(err error) error {
	if err == nil {
		return nil
	}
	if rate.IsLimited(err) {
		return ErrRateLimited
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
