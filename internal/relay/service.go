package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeview/streamrelay/internal/archive"
	"github.com/tradeview/streamrelay/internal/batcher"
	"github.com/tradeview/streamrelay/internal/cache"
	"github.com/tradeview/streamrelay/internal/config"
	"github.com/tradeview/streamrelay/internal/database"
	"github.com/tradeview/streamrelay/internal/hub"
	"github.com/tradeview/streamrelay/internal/model"
	"github.com/tradeview/streamrelay/internal/poller"
	"github.com/tradeview/streamrelay/internal/registry"
	"github.com/tradeview/streamrelay/internal/session"
	"github.com/tradeview/streamrelay/internal/upstream"
	"github.com/tradeview/streamrelay/internal/volatility"
)

// Service owns the full relay pipeline.
type Service struct {
	cfg    *config.RelayConfig
	logger *slog.Logger

	gateway  *upstream.Client
	sessions *session.Manager
	registry *registry.Registry
	store    *cache.Store
	vol      *volatility.Tracker
	poller   *poller.Poller
	batcher  *batcher.Batcher
	hub      *hub.Hub

	archive *archive.Writer // nil when disabled
	dbPool  *pgxpool.Pool   // nil when archive disabled

	// pairMu guards pairs, one establishment record per live
	// (user, instrument) pair. Concurrent subscribers for the same pair
	// share the first caller's outcome instead of racing it.
	pairMu sync.Mutex
	pairs  map[string]*establishment
}

// establishment tracks the one-time upstream registration of a
// (user, instrument) pair. done closes once the outcome is known.
type establishment struct {
	done chan struct{}
	err  error
}

func pairKey(userID, instrumentID string) string {
	return userID + "\x00" + instrumentID
}

// quoteSink fans fresh quotes into the batcher and, when configured,
// the archive.
type quoteSink struct {
	batcher *batcher.Batcher
	archive *archive.Writer
}

func (s *quoteSink) Add(q model.Quote) {
	s.batcher.Add(q)
	if s.archive != nil {
		s.archive.Add(q)
	}
}

// New constructs and wires the relay. entitled may be nil to allow all
// subscriptions; ctx bounds the optional archive database connection.
func New(ctx context.Context, cfg *config.RelayConfig, entitled hub.EntitlementFunc, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		cfg:    cfg,
		logger: logger,
		pairs:  make(map[string]*establishment),
	}

	s.gateway = upstream.NewClient(cfg.Upstream.BaseURL,
		upstream.WithTimeout(cfg.Upstream.Timeout),
		upstream.WithRetries(cfg.Upstream.MaxRetries, 500*time.Millisecond),
		upstream.WithMinRequestGap(cfg.Upstream.MinRequestGap),
		upstream.WithLogger(logger.With("component", "upstream")),
	)

	s.sessions = session.NewManager(session.Config{
		TickleInterval:   cfg.Session.TickleInterval,
		ProbeTimeout:     cfg.Upstream.ProbeTimeout,
		MaxProbeFailures: cfg.Session.MaxProbeFailures,
	}, s.gateway, logger.With("component", "session"))

	s.registry = registry.New(registry.Config{
		BatchSize: cfg.Poller.BatchSize,
	}, s.gateway, logger.With("component", "registry"))

	s.store = cache.NewStore(cache.Config{
		TTL:           cfg.Cache.TTL,
		HistoryDepth:  cfg.Cache.HistoryDepth,
		PurgeInterval: cfg.Cache.PurgeInterval,
	}, logger.With("component", "cache"))

	s.vol = volatility.NewTracker()

	s.batcher = batcher.New(batcher.Config{
		Window: cfg.Batcher.Window,
	}, logger.With("component", "batcher"))

	if cfg.Archive.Enabled {
		pool, err := database.Connect(ctx, cfg.Archive.Database)
		if err != nil {
			return nil, fmt.Errorf("connect archive database: %w", err)
		}
		s.dbPool = pool
		s.archive = archive.NewWriter(archive.Config{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}, pool, logger.With("component", "archive"))
	}

	s.poller = poller.New(poller.Config{
		BaseInterval:     cfg.Poller.BaseInterval,
		MinInterval:      cfg.Poller.MinInterval,
		MaxInterval:      cfg.Poller.MaxInterval,
		BatchSize:        cfg.Poller.BatchSize,
		FetchTimeout:     cfg.Poller.FetchTimeout,
		DriftThreshold:   cfg.Poller.DriftThreshold,
		MaxFetchFailures: cfg.Poller.MaxFetchFailures,
	}, s.sessions, s.gateway, s.store, s.vol,
		&quoteSink{batcher: s.batcher, archive: s.archive},
		logger.With("component", "poller"))

	s.hub = hub.New(hub.Config{
		HeartbeatInterval:    cfg.Hub.HeartbeatInterval,
		WriteTimeout:         cfg.Hub.WriteTimeout,
		OutboundQueueSize:    cfg.Hub.OutboundQueueSize,
		MaxReconnectAttempts: cfg.Hub.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.Hub.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Hub.ReconnectMaxDelay,
	}, s, entitled, s.batcher.Batches(), logger.With("component", "hub"))

	s.sessions.OnExpiry(s.onSessionExpiry)
	s.poller.OnEscalate(s.onEscalate)

	return s, nil
}

// Start brings the pipeline up, upstream first.
func (s *Service) Start(ctx context.Context) error {
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("start cache: %w", err)
	}
	if err := s.sessions.Start(ctx); err != nil {
		return fmt.Errorf("start sessions: %w", err)
	}
	if s.archive != nil {
		if err := s.archive.Start(ctx); err != nil {
			return fmt.Errorf("start archive: %w", err)
		}
	}
	if err := s.batcher.Start(ctx); err != nil {
		return fmt.Errorf("start batcher: %w", err)
	}
	if err := s.poller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	if err := s.hub.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	s.logger.Info("relay started")
	return nil
}

// Shutdown tears the pipeline down, downstream first, honoring the
// deadline on ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.hub.Stop(ctx)
	s.poller.Stop(ctx)
	s.batcher.Stop(ctx)
	s.sessions.Stop(ctx)
	if s.archive != nil {
		s.archive.Stop(ctx)
	}
	s.store.Stop(ctx)
	if s.dbPool != nil {
		s.dbPool.Close()
	}

	s.logger.Info("relay stopped")
	return nil
}

// WSHandler returns the downstream websocket endpoint.
func (s *Service) WSHandler() http.Handler {
	return s.hub
}

// Subscribe implements hub.Broker. The first subscriber of a (user,
// instrument) pair triggers upstream registration and polling start;
// later subscribers bump the refcount and, while registration is still
// in flight, wait for and share its outcome.
func (s *Service) Subscribe(ctx context.Context, userID, instrumentID string) error {
	s.registry.Subscribe(userID, instrumentID)

	key := pairKey(userID, instrumentID)
	s.pairMu.Lock()
	est, found := s.pairs[key]
	if !found {
		est = &establishment{done: make(chan struct{})}
		s.pairs[key] = est
	}
	s.pairMu.Unlock()

	if !found {
		est.err = s.establish(ctx, userID, instrumentID)
		close(est.done)
		if est.err != nil {
			s.clearPair(userID, instrumentID)
			s.registry.Unsubscribe(userID, instrumentID)
			return est.err
		}
		return nil
	}

	select {
	case <-est.done:
	case <-ctx.Done():
		s.registry.Unsubscribe(userID, instrumentID)
		return ctx.Err()
	}
	if est.err != nil {
		s.registry.Unsubscribe(userID, instrumentID)
		return est.err
	}
	return nil
}

// establish registers the pair upstream and starts polling. Runs once
// per live pair, by whichever subscriber created the establishment.
func (s *Service) establish(ctx context.Context, userID, instrumentID string) error {
	token, err := s.sessions.EnsureActive(ctx, userID)
	if err != nil {
		return fmt.Errorf("no session: %w", err)
	}

	if failed := s.registry.EnsureUpstream(ctx, token, userID, []string{instrumentID}); failed != nil {
		return failed[instrumentID]
	}

	s.poller.StartInstrument(userID, instrumentID)
	return nil
}

func (s *Service) clearPair(userID, instrumentID string) {
	s.pairMu.Lock()
	delete(s.pairs, pairKey(userID, instrumentID))
	s.pairMu.Unlock()
}

// Unsubscribe implements hub.Broker. The last subscriber of a pair
// stops polling and releases the upstream subscription.
func (s *Service) Unsubscribe(ctx context.Context, userID, instrumentID string) {
	last := s.registry.Unsubscribe(userID, instrumentID)
	if !last {
		return
	}

	s.clearPair(userID, instrumentID)
	if token, ok := s.sessions.Token(userID); ok {
		s.registry.ReleaseUpstream(ctx, token, userID, []string{instrumentID})
	}
	s.poller.StopInstrument(userID, instrumentID)
}

// Latest implements hub.Broker and serves the risk-engine read path.
func (s *Service) Latest(instrumentID string) (model.Quote, bool) {
	return s.store.GetLatest(instrumentID)
}

// History implements hub.Broker and serves the risk-engine read path.
// limit is clamped to the configured history depth; zero means the full
// retained series.
func (s *Service) History(instrumentID string, limit int) []model.Quote {
	if depth := s.cfg.Cache.HistoryDepth; depth > 0 && (limit <= 0 || limit > depth) {
		limit = depth
	}
	return s.store.GetHistory(instrumentID, limit)
}

// onSessionExpiry cascades a dead session: all of the user's polling
// and subscriptions stop, and their clients get a session-scoped error.
func (s *Service) onSessionExpiry(userID string) {
	instruments := s.registry.DropUser(userID)
	for _, id := range instruments {
		s.clearPair(userID, id)
		s.poller.StopInstrument(userID, id)
	}
	s.hub.NotifyUser(userID, "session expired, resubscribe to resume")

	s.logger.Warn("session expiry cascade complete",
		"user_id", userID, "instruments", len(instruments))
}

// onEscalate handles an instrument dropped by the poller after repeated
// fetch failures: release it upstream, clear its refcounts and tell its
// subscribers.
func (s *Service) onEscalate(userID, instrumentID string, cause error) {
	s.clearPair(userID, instrumentID)
	if token, ok := s.sessions.Token(userID); ok {
		s.registry.ReleaseUpstream(context.Background(), token, userID, []string{instrumentID})
	}
	s.registry.DropInstrument(userID, instrumentID)
	s.hub.BroadcastInstrumentError(userID, instrumentID,
		fmt.Sprintf("%s unavailable: %v", instrumentID, cause))
}

// Health is the live status snapshot served by the health endpoint.
type Health struct {
	Status      string           `json:"status"`
	Version     string           `json:"version"`
	Sessions    int              `json:"sessions"`
	Clients     int              `json:"clients"`
	Instruments int              `json:"instruments"`
	CacheSize   int              `json:"cache_size"`
	Archive     *archive.Metrics `json:"archive,omitempty"`
}

// HealthSnapshot reports current component counters.
func (s *Service) HealthSnapshot(version string) Health {
	h := Health{
		Status:      "healthy",
		Version:     version,
		Sessions:    s.sessions.SessionCount(),
		Clients:     s.hub.ClientCount(),
		Instruments: s.poller.InstrumentCount(),
		CacheSize:   s.store.Len(),
	}
	if s.archive != nil {
		m := s.archive.Stats()
		h.Archive = &m
	}
	return h
}
