// Package rate implements the throttles in front of login, registration,
// password reset and email verification.
//
// # Backends
//
// RedisBackend keeps fixed-window counters (INCR + EXPIRE on first hit) so
// replicas share one budget. LocalBackend keeps a golang.org/x/time/rate token
// bucket per key in process memory. Keys:
//   - login:email:, login:ip:   failed logins
//   - register:ip:              registrations
//   - reset:email:, reset:ip:   reset requests
//   - verify:email:, verify:ip: verification requests
//
// # What this package must NOT do
//
//   - Decide how a throttle is reported to clients; callers map ErrRateLimited.
//   - Be imported outside the gateauth module.
package rate
