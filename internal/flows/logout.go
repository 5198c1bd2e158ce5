package flows

import (
	"context"

	"github.com/MrEthical07/gateauth/store"
)

// LogoutRevoker revokes refresh families by token or by owner.
type LogoutRevoker interface {
	Revoke(ctx context.Context, token string) (*store.RefreshRecord, error)
	RevokeUser(ctx context.Context, userID string) error
}

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	Revoker LogoutRevoker
	// IgnoreErr reports revocation errors that leave nothing to revoke, such
	// as an unknown token.
	IgnoreErr func(error) bool
}

// LogoutResult identifies what was revoked.
type LogoutResult struct {
	UserID   string
	FamilyID string
	Err      error
}

// RunLogout revokes the whole family of refreshToken. Repeating a logout is
// not an error.
func RunLogout(ctx context.Context, refreshToken string, deps LogoutDeps) LogoutResult {
	rec, err := deps.Revoker.Revoke(ctx, refreshToken)
	if err != nil {
		if deps.IgnoreErr != nil && deps.IgnoreErr(err) {
			return LogoutResult{}
		}
		return LogoutResult{Err: err}
	}
	return LogoutResult{UserID: rec.UserID, FamilyID: rec.FamilyID}
}

// RunLogoutAll revokes every family userID holds.
func RunLogoutAll(ctx context.Context, userID string, deps LogoutDeps) LogoutResult {
	if err := deps.Revoker.RevokeUser(ctx, userID); err != nil {
		return LogoutResult{UserID: userID, Err: err}
	}
	return LogoutResult{UserID: userID}
}
