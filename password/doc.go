// Package password hashes and verifies passwords and checks composition policy.
//
// # Output format
//
// Argon2id hashes are PHC strings:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// bcrypt hashes use the standard $2a$/$2b$ modular crypt format. [Multi]
// verifies either and reports NeedsUpgrade for anything not produced by the
// primary hasher, so callers can re-hash on the next successful login.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords. Callers supply plaintext and receive hashes.
//   - Import any other gateauth package.
//   - Log plaintext passwords.
package password
