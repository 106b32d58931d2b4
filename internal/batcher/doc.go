// Package batcher coalesces quote updates into periodic batches.
//
// Polling many instruments produces bursts of per-instrument updates.
// Forwarding each one individually would wake every downstream
// connection per quote, so the batcher collects updates over a short
// window (100ms by default) and emits one batch per window. Within a
// window, later updates for the same instrument replace earlier ones;
// intermediate prices are intentionally dropped, only the freshest
// value survives.
package batcher
