package password

import (
	"errors"
	"strings"
)

var (
	ErrEmpty   = errors.New("password is empty")
	ErrTooLong = errors.New("password exceeds maximum length")
)

// Hasher turns passwords into self-describing digests and checks them.
// Implementations must be safe for concurrent use.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
	NeedsUpgrade(encodedHash string) (bool, error)
}

var (
	_ Hasher = (*Argon2)(nil)
	_ Hasher = (*Bcrypt)(nil)
)

// Multi verifies digests from any of its hashers and hashes with the first,
// so a deployment can move between algorithms without a flag day.
type Multi struct {
	primary Hasher
	legacy  []Hasher
}

func NewMulti(primary Hasher, legacy ...Hasher) *Multi {
	return &Multi{primary: primary, legacy: legacy}
}

func (m *Multi) Hash(password string) (string, error) {
	return m.primary.Hash(password)
}

func (m *Multi) Verify(password, encodedHash string) (bool, error) {
	h := m.pick(encodedHash)
	return h.Verify(password, encodedHash)
}

// NeedsUpgrade is true for every digest the primary hasher did not produce.
func (m *Multi) NeedsUpgrade(encodedHash string) (bool, error) {
	h := m.pick(encodedHash)
	if h != m.primary {
		return true, nil
	}
	return h.NeedsUpgrade(encodedHash)
}

func (m *Multi) pick(encodedHash string) Hasher {
	if isBcrypt(encodedHash) {
		if _, ok := m.primary.(*Bcrypt); ok {
			return m.primary
		}
		for _, h := range m.legacy {
			if _, ok := h.(*Bcrypt); ok {
				return h
			}
		}
	}
	if strings.HasPrefix(encodedHash, "$"+algorithmID+"$") {
		if _, ok := m.primary.(*Argon2); ok {
			return m.primary
		}
		for _, h := range m.legacy {
			if _, ok := h.(*Argon2); ok {
				return h
			}
		}
	}
	return m.primary
}

func checkLength(password string, max int) error {
	if password == "" {
		return ErrEmpty
	}
	if len(password) > max {
		return ErrTooLong
	}
	return nil
}
