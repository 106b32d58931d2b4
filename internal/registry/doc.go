// Package registry implements the subscription registry.
//
// The registry refcounts (user, instrument) pairs: the first downstream
// subscriber of an instrument under a user triggers polling start and an
// upstream subscribe, the last release triggers polling stop and an
// upstream unsubscribe. Upstream calls are batched (≤10 per round trip)
// to respect gateway rate limits; partial batch failures are retried
// individually once before being surfaced per instrument.
//
// Subscriptions are scoped per user: two users watching the same
// instrument hold independent upstream subscriptions through their own
// sessions.
package registry
