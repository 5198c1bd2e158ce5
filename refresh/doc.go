// Package refresh issues and rotates opaque refresh tokens.
//
// # Token format
//
// base64url(tokenID || secret) with a 16-byte token ID and a 32-byte random
// secret. The store retains only HMAC-SHA256(key, secret), so a leaked store
// cannot mint or replay tokens without the server key.
//
// # Rotation
//
// Every successful rotation consumes the presented token and returns a
// successor in the same family. Presenting a consumed token revokes the
// whole family: both the attacker and the legitimate holder are signed out.
// The single-winner guarantee for concurrent rotations comes from the
// store's RotateRefresh; this package never reads then writes.
//
// # What this package must NOT do
//
//   - Import gateauth or jwt.
//   - Persist plaintext secrets.
package refresh
