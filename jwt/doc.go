// Package jwt signs and verifies short-lived access tokens.
//
// Access tokens are self-contained: verification is a pure function of the
// token, the configured keys and the clock. Nothing here touches storage.
// Failures are reported as one of ErrMalformed, ErrBadSignature, ErrExpired
// or ErrInvalidClaims so callers can tell a garbled token from a stale one.
package jwt
