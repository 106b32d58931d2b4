// Package poller drives adaptive upstream snapshot polling.
//
// Instruments are polled per user through that user's gateway session.
// Each instrument's interval follows its price volatility: volatile
// instruments poll near the floor, quiet ones drift toward the ceiling.
// Instruments of one user sharing the same rounded interval form a poll
// group with a single timer; an instrument migrates to another group
// only when its ideal interval drifts past a threshold, so volatility
// wobble does not thrash timers.
//
// Every tick fetches the group's instruments in batches, applies fresh
// quotes to the cache and volatility tracker, and hands them to the
// update batcher. Fetches carry per-instrument sequence numbers; a
// response completing after a newer one is discarded. Three consecutive
// fetch failures for one instrument escalate through the
// EscalateHandler, which unsubscribes it.
package poller
