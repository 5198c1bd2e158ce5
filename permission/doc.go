// Package permission is the RBAC decision engine: a closed role set and a
// precompiled route-permission table.
//
// # Roles
//
// A [RoleSet] is built once from configuration. Every role owns one bit of a
// [Mask64]; a route's permitted roles are a mask, so a decision is one map
// lookup plus one bit test.
//
// # Matching
//
// [Compile] orders routes most-specific-first and rejects malformed patterns,
// unknown roles and duplicate (pattern, method) pairs. [RouteTable.Authorize]
// denies when the role is not in the set, no pattern matches, the matched
// pattern lists neither the method nor "*", or the role is not in the mask.
//
// # What this package must NOT do
//
//   - Perform I/O or log decisions. Auditing is the caller's job.
//   - Fall through to a less specific route after a match.
package permission
