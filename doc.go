// Package gateauth issues, validates, rotates and revokes credentials and
// enforces role-based access control over HTTP-style routes.
//
// An [Engine] is assembled once with [New] and [Builder.Build] and is safe
// for concurrent use afterwards. It signs short-lived JWT access tokens,
// hands out opaque single-use refresh tokens grouped into families, runs the
// password-reset and email-verification workflows and answers authorization
// questions from a precompiled route table.
//
// # Token lifecycle
//
// Login starts a new refresh family. Refresh consumes the presented token and
// returns its successor in the same family; presenting a consumed token again
// revokes the whole family and fails with [ErrTokenReuseDetected]. Logout,
// password change and password reset revoke families as well. Access tokens
// are never stored: [Engine.ValidateAccess] checks signature and expiry only.
//
// # Storage
//
// Persistence goes through [store.Store]. Every composite change (rotation,
// reset confirmation, password change) is one atomic store call, so the
// engine never leaves a family with two live tokens or a reset half applied.
// Implementations live in store/memstore, store/redisstore and store/pgstore.
//
// # What this package must NOT do
//
//   - Log or audit token values and passwords.
//   - Reveal whether an email is registered, through errors or timing.
//   - Trust the role claim of an access token for [Engine.AuthorizeAccess].
//   - Retry storage failures; they surface as [ErrStorageUnavailable].
package gateauth
