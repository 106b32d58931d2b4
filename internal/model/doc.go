// Package model defines shared data types used across the relay.
//
// Conventions:
//   - Prices: float64 in the instrument's quote currency
//   - Timestamps: int64 milliseconds since Unix epoch (browser-facing)
//   - Instrument IDs: opaque upstream contract id strings
package model
