package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tradeview/streamrelay/internal/model"
)

// Config holds cache settings.
type Config struct {
	TTL           time.Duration // Entry lifetime from last write
	HistoryDepth  int           // Max quotes retained per instrument
	PurgeInterval time.Duration // How often expired entries are collected
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           5 * time.Minute,
		HistoryDepth:  1000,
		PurgeInterval: 30 * time.Second,
	}
}

// entry is the cached state for one instrument.
type entry struct {
	latest    model.Quote
	history   []model.Quote // ring buffer, fixed capacity
	head      int           // next write position
	count     int
	expiresAt time.Time
}

// Store is a TTL-bounded cache of the latest datum per instrument plus
// bounded history. Read-mostly: many readers (snapshot serving, history
// requests), one writer per instrument (the owning poll group).
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewStore creates an empty Store.
func NewStore(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryDepth < 1 {
		cfg.HistoryDepth = 1
	}
	return &Store{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Start begins the background purge loop.
func (s *Store) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.purgeLoop()

	return nil
}

// Stop shuts down the purge loop.
func (s *Store) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Put stores a quote as the instrument's latest and appends it to history.
// Returns false and leaves the entry untouched when the quote is older
// than the stored one (stale out-of-order write).
func (s *Store) Put(q model.Quote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[q.InstrumentID]
	if !ok {
		e = &entry{history: make([]model.Quote, s.cfg.HistoryDepth)}
		s.entries[q.InstrumentID] = e
	} else if q.Timestamp < e.latest.Timestamp {
		return false
	}

	e.latest = q
	e.history[e.head] = q
	e.head = (e.head + 1) % s.cfg.HistoryDepth
	if e.count < s.cfg.HistoryDepth {
		e.count++
	}
	e.expiresAt = s.now().Add(s.cfg.TTL)

	return true
}

// GetLatest returns the freshest quote for an instrument. Expired entries
// read as absent.
func (s *Store) GetLatest(instrumentID string) (model.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[instrumentID]
	if !ok || s.now().After(e.expiresAt) {
		return model.Quote{}, false
	}
	return e.latest, true
}

// GetHistory returns up to limit recent quotes in chronological order.
// limit <= 0 means the full retained history.
func (s *Store) GetHistory(instrumentID string, limit int) []model.Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[instrumentID]
	if !ok || s.now().After(e.expiresAt) || e.count == 0 {
		return nil
	}

	n := e.count
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]model.Quote, n)
	// Oldest wanted sample sits n steps behind the head.
	start := (e.head - n + s.cfg.HistoryDepth*2) % s.cfg.HistoryDepth
	for i := 0; i < n; i++ {
		out[i] = e.history[(start+i)%s.cfg.HistoryDepth]
	}
	return out
}

// Evict drops all cached state for an instrument.
func (s *Store) Evict(instrumentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, instrumentID)
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// PurgeExpired removes entries past their TTL and returns how many.
func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	purged := 0
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
			purged++
		}
	}
	return purged
}

// purgeLoop collects expired entries until the store is stopped.
func (s *Store) purgeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.PurgeExpired(); n > 0 {
				s.logger.Debug("purged expired cache entries", "count", n)
			}
		}
	}
}
