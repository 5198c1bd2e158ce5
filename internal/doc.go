// Package internal holds the opaque token codec shared by refresh tokens and
// challenges: base64url(id || secret), where id is a 16-byte lookup key and
// secret is 32 random bytes that only ever reach storage as a digest.
//
// # Sub-packages
//
//   - appconfig: YAML, .env and environment loading for the server binary
//   - flows: Engine operations as functions over explicit dependencies
//   - httpapi: the chi JSON API served by cmd/gateauth
//   - ids: ULID identifiers for refresh families
//   - rate: fixed-window limiters over Redis or in-process buckets
//
// # What this package must NOT do
//
//   - Export types that appear in the public gateauth API.
//   - Log or persist a raw secret.
package internal
