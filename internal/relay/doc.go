// Package relay assembles the market-data relay service.
//
// The Service constructs and wires every component: the upstream
// gateway client, per-user session management, the subscription
// registry, adaptive polling, the quote cache and volatility tracker,
// update batching, the downstream websocket hub and the optional
// archive writer. It implements the hub's Broker interface, tying
// downstream subscribe/unsubscribe actions to refcounts, upstream
// registration and poll lifecycle, and it routes session expiry and
// poll escalations back out to the affected clients.
package relay
