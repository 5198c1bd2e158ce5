// Package middleware adapts a gateauth.Engine to net/http.
//
// # Guards
//
//   - [RequireJWTOnly]: signature and expiry check of the bearer token, no
//     store access.
//   - [RequireStrict]: bearer check plus a route decision against the
//     identity's current role, loaded from the store.
//   - [ClientIP]: records the caller's address for rate limits and audit.
//
// Guards put the validated [gateauth.AuthResult] into the request context;
// read it with [AuthResultFromContext].
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to the Engine).
//   - Tell callers why a token was rejected beyond 401 versus 403.
package middleware
