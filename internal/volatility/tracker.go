// Package volatility maintains per-instrument exponential moving averages
// of observed price volatility. Pure state, no I/O; the poller reads it to
// derive polling intervals.
package volatility

import (
	"math"
	"sync"
	"time"
)

const (
	// EMA weights: ema = ema*emaWeight + |Δp/p0|*sampleWeight.
	emaWeight    = 0.9
	sampleWeight = 0.1

	// Idle decay: volatility halves for every decayInterval without an
	// observation, so stale instruments drift back to the base interval.
	decayInterval = 30 * time.Second
)

type state struct {
	lastPrice  float64
	ema        float64
	observedAt time.Time
}

// Tracker tracks EMA volatility per instrument.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]*state

	now func() time.Time // injectable clock for tests
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[string]*state),
		now:    time.Now,
	}
}

// Observe folds a new price into the instrument's EMA. The first
// observation seeds the price reference and leaves volatility at zero.
func (t *Tracker) Observe(instrumentID string, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[instrumentID]
	if !ok {
		t.states[instrumentID] = &state{
			lastPrice:  price,
			observedAt: t.now(),
		}
		return
	}

	if s.lastPrice > 0 {
		change := math.Abs(price-s.lastPrice) / s.lastPrice
		s.ema = s.ema*emaWeight + change*sampleWeight
	}
	s.lastPrice = price
	s.observedAt = t.now()
}

// Volatility returns the instrument's current EMA volatility with idle
// decay applied. Unknown instruments have zero volatility.
func (t *Tracker) Volatility(instrumentID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.states[instrumentID]
	if !ok {
		return 0
	}

	idle := t.now().Sub(s.observedAt)
	if idle <= 0 {
		return s.ema
	}
	return s.ema * math.Pow(0.5, float64(idle)/float64(decayInterval))
}

// Forget drops all state for an instrument. Called when the last
// subscriber for that instrument goes away.
func (t *Tracker) Forget(instrumentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, instrumentID)
}

// Len returns the number of tracked instruments.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}
