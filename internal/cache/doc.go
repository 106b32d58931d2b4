// Package cache implements the market-data cache.
//
// The cache holds the latest quote per instrument plus a bounded ring of
// recent history, so new subscribers get an instant snapshot instead of
// waiting for the next poll tick. Entries expire on TTL and are purged by
// a background loop. Writes are rejected when older than the stored quote,
// which keeps per-instrument timestamps monotonic even when upstream
// responses complete out of order.
package cache
