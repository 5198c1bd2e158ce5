package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/MrEthical07/gateauth"
)

// DefaultSubjectPrefix is used when NATSConfig.SubjectPrefix is empty.
const DefaultSubjectPrefix = "gateauth.mail"

const (
	headerPurpose = "Gateauth-Purpose"
	headerUserID  = "Gateauth-User"
)

// Publisher is the part of *nats.Conn the mailer needs.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

type NATSConfig struct {
	SubjectPrefix string
}

// NATSMailer publishes each message as JSON on <prefix>.<purpose> for a
// downstream mail service to render and send.
type NATSMailer struct {
	pub    Publisher
	prefix string
}

func NewNATSMailer(pub Publisher, cfg NATSConfig) (*NATSMailer, error) {
	if pub == nil {
		return nil, errors.New("nats publisher is nil")
	}
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSMailer{pub: pub, prefix: prefix}, nil
}

// Subject returns the subject messages of purpose are published on.
func (m *NATSMailer) Subject(purpose gateauth.MessagePurpose) string {
	return m.prefix + "." + string(purpose)
}

// Send publishes msg. Core NATS publishing does not take a context, so a
// context that is already done fails before anything is sent.
func (m *NATSMailer) Send(ctx context.Context, msg gateauth.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish cancelled: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	out := nats.NewMsg(m.Subject(msg.Purpose))
	out.Header.Set(headerPurpose, string(msg.Purpose))
	out.Header.Set(headerUserID, msg.UserID)
	out.Data = data

	if err := m.pub.PublishMsg(out); err != nil {
		return fmt.Errorf("publish %s: %w", out.Subject, err)
	}
	return nil
}

// Connect dials url and returns a mailer over the connection. The caller
// owns the connection and should Drain it on shutdown.
func Connect(url string, cfg NATSConfig, opts ...nats.Option) (*NATSMailer, *nats.Conn, error) {
	opts = append([]nats.Option{nats.Name("gateauth")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	m, err := NewNATSMailer(nc, cfg)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return m, nc, nil
}
