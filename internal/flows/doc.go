// Package flows contains the orchestration behind each Engine operation.
//
// Each Run function (RunLogin, RunRefresh, RunConfirmPasswordReset, etc.)
// accepts a typed dependency struct and performs no I/O of its own. Storage,
// hashing, token minting, rate limiting, audit and metrics all arrive through
// that struct, which keeps the Engine type thin and the flows testable against
// the in-memory store.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import the root gateauth package.
//   - Log or return one-time secrets anywhere other than Deliver.
package flows
