package flows

import (
	"context"
	"fmt"
	"time"

	"github.com/MrEthical07/gateauth/internal"
	"github.com/MrEthical07/gateauth/store"
)

// ChallengeSaver persists one-time challenges.
type ChallengeSaver interface {
	SaveChallenge(ctx context.Context, ch *store.Challenge) error
}

// issueChallenge mints and persists a challenge for identity. The token is
// returned only after the record is stored.
func issueChallenge(ctx context.Context, s ChallengeSaver, purpose store.Purpose, identity *store.Identity, now time.Time, ttl time.Duration) (string, *store.Challenge, error) {
	token, id, secret, err := internal.NewOpaque()
	if err != nil {
		return "", nil, fmt.Errorf("challenge generation: %w", err)
	}
	ch := &store.Challenge{
		ID:         id,
		Purpose:    purpose,
		UserID:     identity.ID,
		Email:      identity.Email,
		SecretHash: internal.HashSecret(secret),
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := s.SaveChallenge(ctx, ch); err != nil {
		return "", nil, err
	}
	return token, ch, nil
}

func parseChallenge(token string) (string, [32]byte, error) {
	id, secret, err := internal.DecodeOpaque(token)
	if err != nil {
		return "", [32]byte{}, err
	}
	return id, internal.HashSecret(secret), nil
}
