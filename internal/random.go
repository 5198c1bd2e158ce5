package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// TokenID is the public lookup half of an opaque token.
type TokenID [16]byte

const (
	// SecretSize is the length of the random half of an opaque token.
	SecretSize   = 32
	opaqueRawLen = 16 + SecretSize
)

// ErrOpaqueFormat is returned for any string that is not a well-formed opaque token.
var ErrOpaqueFormat = errors.New("malformed opaque token")

func NewTokenID() (TokenID, error) {
	var id TokenID
	_, err := rand.Read(id[:])
	return id, err
}

func (id TokenID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func ParseTokenID(s string) (TokenID, error) {
	var id TokenID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, ErrOpaqueFormat
	}
	if len(raw) != len(id) {
		return id, ErrOpaqueFormat
	}

	copy(id[:], raw)
	return id, nil
}

func NewSecret() ([SecretSize]byte, error) {
	var secret [SecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashSecret is the unkeyed digest stored for challenge secrets.
func HashSecret(secret [SecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeOpaque packs id and secret into base64url(id || secret).
func EncodeOpaque(id string, secret [SecretSize]byte) (string, error) {
	tid, err := ParseTokenID(id)
	if err != nil {
		return "", err
	}

	var raw [opaqueRawLen]byte
	copy(raw[:len(tid)], tid[:])
	copy(raw[len(tid):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// DecodeOpaque is the inverse of EncodeOpaque.
func DecodeOpaque(token string) (string, [SecretSize]byte, error) {
	var secret [SecretSize]byte

	if base64.RawURLEncoding.DecodedLen(len(token)) != opaqueRawLen {
		return "", secret, ErrOpaqueFormat
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != opaqueRawLen {
		return "", secret, ErrOpaqueFormat
	}

	var tid TokenID
	copy(tid[:], raw[:len(tid)])
	copy(secret[:], raw[len(tid):])

	return tid.String(), secret, nil
}

// NewOpaque returns a fresh encoded token together with its parts.
func NewOpaque() (token, id string, secret [SecretSize]byte, err error) {
	tid, err := NewTokenID()
	if err != nil {
		return "", "", secret, err
	}
	secret, err = NewSecret()
	if err != nil {
		return "", "", secret, err
	}
	id = tid.String()
	token, err = EncodeOpaque(id, secret)
	return token, id, secret, err
}
