package delivery

import (
	"context"
	"log/slog"

	"github.com/MrEthical07/gateauth"
)

// LogMailer records that a message would have been sent. It is meant for
// development setups without a mail relay.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, msg gateauth.Message) error {
	m.logger.LogAttrs(ctx, slog.LevelInfo, "token message",
		slog.String("purpose", string(msg.Purpose)),
		slog.String("to", msg.To),
		slog.String("user_id", msg.UserID),
		slog.Time("expires_at", msg.ExpiresAt),
	)
	return nil
}
