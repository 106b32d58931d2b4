// Package session manages authenticated upstream gateway sessions.
//
// The gateway allows one live session per user. The Manager owns that
// invariant: it authenticates on first use, keeps each session alive
// with a periodic tickle probe, and expires a session after repeated
// probe failures. Expiry fans out through a handler so subscriptions
// and pollers backed by the session can be torn down.
//
// EnsureActive is the single entry point other components use to get a
// session token. Concurrent callers for the same user are collapsed
// into one authentication round trip via singleflight, so a burst of
// pollers hitting an expired session never stampedes the gateway.
package session
