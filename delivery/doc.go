// Package delivery provides gateauth.Mailer implementations.
//
// The engine calls a Mailer from its own goroutine, so implementations may
// block up to the context deadline. None of them logs the token itself.
package delivery
