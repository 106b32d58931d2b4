package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tradeview/streamrelay/internal/cache"
	"github.com/tradeview/streamrelay/internal/model"
	"github.com/tradeview/streamrelay/internal/upstream"
	"github.com/tradeview/streamrelay/internal/volatility"
)

// Fetcher performs a batched snapshot fetch against the gateway.
type Fetcher interface {
	Snapshot(ctx context.Context, token string, instruments []string) (map[string]model.Quote, error)
}

// SessionSource provides live session tokens per user.
type SessionSource interface {
	EnsureActive(ctx context.Context, userID string) (string, error)
	Invalidate(userID string)
}

// UpdateSink receives quotes that passed staleness checks. Satisfied by
// the update batcher.
type UpdateSink interface {
	Add(q model.Quote)
}

// EscalateHandler is invoked when an instrument has failed too many
// consecutive fetches and has been removed from polling. The handler is
// responsible for releasing the subscription and notifying clients.
type EscalateHandler func(userID, instrumentID string, err error)

// Config holds polling behavior settings.
type Config struct {
	// BaseInterval is the poll interval at zero volatility.
	BaseInterval time.Duration
	// MinInterval and MaxInterval clamp the adaptive interval.
	MinInterval time.Duration
	MaxInterval time.Duration
	// BatchSize caps instruments per upstream fetch.
	BatchSize int
	// FetchTimeout bounds one batch fetch round trip.
	FetchTimeout time.Duration
	// DriftThreshold is how far an instrument's ideal interval must
	// drift from its group before it migrates. Also the rounding
	// bucket for group keys.
	DriftThreshold time.Duration
	// MaxFetchFailures is the consecutive-failure count at which an
	// instrument is dropped from polling.
	MaxFetchFailures int
}

// DefaultConfig returns polling defaults tuned for the gateway's
// snapshot quota.
func DefaultConfig() Config {
	return Config{
		BaseInterval:     1000 * time.Millisecond,
		MinInterval:      200 * time.Millisecond,
		MaxInterval:      5000 * time.Millisecond,
		BatchSize:        10,
		FetchTimeout:     5 * time.Second,
		DriftThreshold:   100 * time.Millisecond,
		MaxFetchFailures: 3,
	}
}

type instrumentState struct {
	id    string
	group time.Duration

	failures int
	// issued and applied are fetch sequence numbers. A response is
	// applied only if its issued sequence is newer than the last
	// applied one, so a slow in-flight fetch cannot overwrite a
	// fresher result.
	issued  uint64
	applied uint64
}

type pollGroup struct {
	key time.Duration
	// penalized doubles the effective interval after a rate-limit
	// rejection; cleared on the next successful fetch.
	penalized bool
}

type userState struct {
	userID      string
	instruments map[string]*instrumentState
	groups      map[time.Duration]*pollGroup
}

// Poller schedules adaptive snapshot polling for all users.
type Poller struct {
	cfg      Config
	sessions SessionSource
	fetch    Fetcher
	cache    *cache.Store
	vol      *volatility.Tracker
	sink     UpdateSink
	logger   *slog.Logger

	onEscalate EscalateHandler

	mu    sync.Mutex
	users map[string]*userState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a poller. If logger is nil, slog.Default() is used.
func New(cfg Config, sessions SessionSource, fetch Fetcher, store *cache.Store, vol *volatility.Tracker, sink UpdateSink, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = def.BaseInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = def.DriftThreshold
	}
	if cfg.MaxFetchFailures <= 0 {
		cfg.MaxFetchFailures = def.MaxFetchFailures
	}
	return &Poller{
		cfg:      cfg,
		sessions: sessions,
		fetch:    fetch,
		cache:    store,
		vol:      vol,
		sink:     sink,
		logger:   logger,
		users:    make(map[string]*userState),
	}
}

// OnEscalate registers the escalation handler. Must be called before
// Start.
func (p *Poller) OnEscalate(h EscalateHandler) {
	p.onEscalate = h
}

// Start prepares the poller. Poll groups are created lazily as
// instruments are started.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	return nil
}

// Stop cancels all poll groups and waits for them to drain.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("poller shutdown timeout")
	}
	return nil
}

// StartInstrument begins polling an instrument for a user. Starting an
// instrument that is already polled is a no-op.
func (p *Poller) StartInstrument(userID, instrumentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.users[userID]
	if !ok {
		u = &userState{
			userID:      userID,
			instruments: make(map[string]*instrumentState),
			groups:      make(map[time.Duration]*pollGroup),
		}
		p.users[userID] = u
	}
	if _, exists := u.instruments[instrumentID]; exists {
		return
	}

	key := p.groupKey(p.idealInterval(instrumentID))
	u.instruments[instrumentID] = &instrumentState{id: instrumentID, group: key}
	p.ensureGroupLocked(u, key)

	p.logger.Debug("polling started",
		"user_id", userID, "instrument_id", instrumentID, "interval", key)
}

// StopInstrument stops polling an instrument for a user and clears its
// cache and volatility state if no other user still polls it. Stopping
// an unknown instrument is a no-op.
func (p *Poller) StopInstrument(userID, instrumentID string) {
	p.mu.Lock()
	u, ok := p.users[userID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if _, exists := u.instruments[instrumentID]; !exists {
		p.mu.Unlock()
		return
	}
	delete(u.instruments, instrumentID)
	if len(u.instruments) == 0 {
		delete(p.users, userID)
	}
	unused := !p.instrumentPolledLocked(instrumentID)
	p.mu.Unlock()

	if unused {
		p.cache.Evict(instrumentID)
		p.vol.Forget(instrumentID)
	}
	p.logger.Debug("polling stopped", "user_id", userID, "instrument_id", instrumentID)
}

// DropUser stops all polling for a user, clearing cache and volatility
// state for instruments no other user watches. Used on session expiry.
func (p *Poller) DropUser(userID string) {
	p.mu.Lock()
	u, ok := p.users[userID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.users, userID)
	var orphaned []string
	for id := range u.instruments {
		if !p.instrumentPolledLocked(id) {
			orphaned = append(orphaned, id)
		}
	}
	p.mu.Unlock()

	for _, id := range orphaned {
		p.cache.Evict(id)
		p.vol.Forget(id)
	}
}

// InstrumentCount returns how many (user, instrument) pairs are being
// polled. Exposed for the health endpoint.
func (p *Poller) InstrumentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, u := range p.users {
		n += len(u.instruments)
	}
	return n
}

// instrumentPolledLocked reports whether any user still polls the
// instrument. Caller holds p.mu.
func (p *Poller) instrumentPolledLocked(instrumentID string) bool {
	for _, u := range p.users {
		if _, ok := u.instruments[instrumentID]; ok {
			return true
		}
	}
	return false
}

// ensureGroupLocked starts the group goroutine for key if one is not
// already running. Caller holds p.mu.
func (p *Poller) ensureGroupLocked(u *userState, key time.Duration) {
	if _, ok := u.groups[key]; ok {
		return
	}
	g := &pollGroup{key: key}
	u.groups[key] = g
	p.wg.Add(1)
	go p.runGroup(u.userID, g)
}

// runGroup is the timer loop for one poll group. It exits when the
// group has no members left.
func (p *Poller) runGroup(userID string, g *pollGroup) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		interval := g.key
		if g.penalized {
			interval *= 2
		}
		p.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		members, alive := p.collectMembers(userID, g)
		if !alive {
			return
		}
		if len(members) > 0 {
			p.tick(userID, g, members)
			p.regroup(userID, g)
		}
	}
}

type fetchItem struct {
	id  string
	seq uint64
}

// collectMembers gathers the group's current instruments and issues a
// fetch sequence number for each. alive is false when the group is
// empty and has been retired.
func (p *Poller) collectMembers(userID string, g *pollGroup) (members []fetchItem, alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.users[userID]
	if !ok {
		return nil, false
	}
	for _, st := range u.instruments {
		if st.group != g.key {
			continue
		}
		st.issued++
		members = append(members, fetchItem{id: st.id, seq: st.issued})
	}
	if len(members) == 0 {
		delete(u.groups, g.key)
		return nil, false
	}
	return members, true
}

// tick runs one poll cycle for the group's members.
func (p *Poller) tick(userID string, g *pollGroup, members []fetchItem) {
	token, err := p.sessions.EnsureActive(p.ctx, userID)
	if err != nil {
		p.logger.Warn("poll tick skipped, no session",
			"user_id", userID, "error", err)
		p.recordFailures(userID, members, err)
		return
	}

	for start := 0; start < len(members); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(members) {
			end = len(members)
		}
		chunk := members[start:end]
		if rateLimited := p.fetchChunk(userID, g, token, chunk); rateLimited {
			// The gateway pushed back; give the rest of the group a
			// breather until the next (doubled) tick.
			return
		}
	}
}

// fetchChunk performs one batched fetch and applies its results.
func (p *Poller) fetchChunk(userID string, g *pollGroup, token string, chunk []fetchItem) (rateLimited bool) {
	ids := make([]string, len(chunk))
	for i, it := range chunk {
		ids[i] = it.id
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.FetchTimeout)
	quotes, err := p.fetch.Snapshot(ctx, token, ids)
	cancel()

	if err != nil {
		if errors.Is(err, upstream.ErrRateLimited) {
			p.mu.Lock()
			already := g.penalized
			g.penalized = true
			p.mu.Unlock()
			if !already {
				p.logger.Warn("rate limited, doubling group interval",
					"user_id", userID, "interval", g.key)
			}
			return true
		}
		if errors.Is(err, upstream.ErrNotAuthenticated) {
			p.sessions.Invalidate(userID)
		}
		p.logger.Warn("batch fetch failed",
			"user_id", userID, "instruments", len(ids), "error", err)
		p.recordFailures(userID, chunk, err)
		return false
	}

	p.mu.Lock()
	g.penalized = false
	p.mu.Unlock()

	var missing []fetchItem
	for _, it := range chunk {
		q, ok := quotes[it.id]
		if !ok {
			missing = append(missing, it)
			continue
		}
		p.apply(userID, it, q)
	}
	if len(missing) > 0 {
		p.recordFailures(userID, missing, fmt.Errorf("instrument missing from snapshot response"))
	}
	return false
}

// apply commits one fetched quote unless a newer fetch has already been
// applied for the instrument.
func (p *Poller) apply(userID string, it fetchItem, q model.Quote) {
	p.mu.Lock()
	u, ok := p.users[userID]
	if !ok {
		p.mu.Unlock()
		return
	}
	st, ok := u.instruments[it.id]
	if !ok || it.seq <= st.applied {
		p.mu.Unlock()
		return
	}
	st.applied = it.seq
	st.failures = 0
	p.mu.Unlock()

	p.vol.Observe(it.id, q.Price)
	if p.cache.Put(q) {
		p.sink.Add(q)
	}
}

// recordFailures counts a failed tick against each instrument and
// escalates the ones that crossed the threshold.
func (p *Poller) recordFailures(userID string, items []fetchItem, cause error) {
	type escalation struct {
		id     string
		unused bool
	}
	var escalated []escalation

	p.mu.Lock()
	u, ok := p.users[userID]
	if !ok {
		p.mu.Unlock()
		return
	}
	for _, it := range items {
		st, ok := u.instruments[it.id]
		if !ok {
			continue
		}
		st.failures++
		if st.failures < p.cfg.MaxFetchFailures {
			continue
		}
		delete(u.instruments, it.id)
		escalated = append(escalated, escalation{
			id:     it.id,
			unused: !p.instrumentPolledLocked(it.id),
		})
	}
	if len(u.instruments) == 0 {
		delete(p.users, userID)
	}
	p.mu.Unlock()

	for _, e := range escalated {
		if e.unused {
			p.cache.Evict(e.id)
			p.vol.Forget(e.id)
		}
		p.logger.Error("instrument dropped after repeated fetch failures",
			"user_id", userID, "instrument_id", e.id, "error", cause)
		if p.onEscalate != nil {
			p.onEscalate(userID, e.id, cause)
		}
	}
}

// regroup migrates instruments whose ideal interval has drifted away
// from the group's key.
func (p *Poller) regroup(userID string, g *pollGroup) {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.users[userID]
	if !ok {
		return
	}
	for _, st := range u.instruments {
		if st.group != g.key {
			continue
		}
		ideal := p.idealIntervalLocked(st.id)
		if absDiff(ideal, g.key) <= p.cfg.DriftThreshold {
			continue
		}
		key := p.groupKey(ideal)
		if key == g.key {
			continue
		}
		st.group = key
		p.ensureGroupLocked(u, key)
		p.logger.Debug("instrument regrouped",
			"user_id", userID, "instrument_id", st.id,
			"from", g.key, "to", key)
	}
}

// idealInterval computes the adaptive interval for an instrument:
// BaseInterval shrunk by volatility and clamped to [Min, Max].
func (p *Poller) idealInterval(instrumentID string) time.Duration {
	return p.idealIntervalLocked(instrumentID)
}

func (p *Poller) idealIntervalLocked(instrumentID string) time.Duration {
	v := p.vol.Volatility(instrumentID)
	iv := time.Duration(float64(p.cfg.BaseInterval) / (1 + v))
	if iv < p.cfg.MinInterval {
		iv = p.cfg.MinInterval
	}
	if iv > p.cfg.MaxInterval {
		iv = p.cfg.MaxInterval
	}
	return iv
}

// groupKey rounds an interval to its scheduling bucket so near-equal
// intervals share one timer.
func (p *Poller) groupKey(iv time.Duration) time.Duration {
	bucket := p.cfg.DriftThreshold
	key := (iv + bucket/2) / bucket * bucket
	if key < p.cfg.MinInterval {
		key = p.cfg.MinInterval
	}
	if key > p.cfg.MaxInterval {
		key = p.cfg.MaxInterval
	}
	return key
}

func absDiff(a, b time.Duration) time.Duration {
	if a > b {
		return a - b
	}
	return b - a
}
