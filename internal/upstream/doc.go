// Package upstream implements the brokerage gateway REST client.
//
// The gateway is session-based and rate-limited:
//   - POST /session authenticates a user and returns a session token
//   - POST /tickle keeps the session alive (short probe timeout)
//   - GET  /marketdata/snapshot serves batched quotes (≤10 instruments,
//     fields selected by numeric codes)
//   - POST /subscriptions and /subscriptions/delete manage upstream
//     subscription handles
//   - POST /logout destroys the session
//
// All calls are synchronous request/response with per-call timeouts and
// bounded retry with jitter on retryable statuses.
package upstream
