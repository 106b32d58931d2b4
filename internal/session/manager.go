package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrStopped is returned by EnsureActive after the manager has shut down.
var ErrStopped = errors.New("session manager stopped")

// Authenticator is the subset of the gateway client the manager needs
// to establish and maintain sessions.
type Authenticator interface {
	Authenticate(ctx context.Context, userID string) (string, error)
	Tickle(ctx context.Context, token string) (bool, error)
	Logout(ctx context.Context, token string) error
}

// ExpiryHandler is invoked (on the manager's goroutine pool, never
// concurrently for the same user) when a user's session is declared
// expired. Handlers must not call back into EnsureActive synchronously.
type ExpiryHandler func(userID string)

// Config controls keep-alive behavior.
type Config struct {
	// TickleInterval is how often each session is probed.
	TickleInterval time.Duration
	// ProbeTimeout bounds a single tickle round trip.
	ProbeTimeout time.Duration
	// MaxProbeFailures is the consecutive-failure count at which a
	// session is declared expired.
	MaxProbeFailures int
}

// DefaultConfig returns keep-alive settings matching the gateway's
// roughly one-minute idle timeout.
func DefaultConfig() Config {
	return Config{
		TickleInterval:   45 * time.Second,
		ProbeTimeout:     2 * time.Second,
		MaxProbeFailures: 3,
	}
}

type sessionState int

const (
	stateActive sessionState = iota
	stateExpired
	stateClosed
)

type session struct {
	userID string
	token  string

	mu            sync.Mutex
	state         sessionState
	probeFailures int

	stop chan struct{}
}

// Manager maintains at most one live gateway session per user.
type Manager struct {
	cfg    Config
	auth   Authenticator
	logger *slog.Logger

	onExpiry ExpiryHandler
	group    singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager. If logger is nil, slog.Default()
// is used.
func NewManager(cfg Config, auth Authenticator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.TickleInterval <= 0 {
		cfg.TickleInterval = def.TickleInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.MaxProbeFailures <= 0 {
		cfg.MaxProbeFailures = def.MaxProbeFailures
	}
	return &Manager{
		cfg:      cfg,
		auth:     auth,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// OnExpiry registers the handler invoked when a session expires. Must
// be called before Start.
func (m *Manager) OnExpiry(h ExpiryHandler) {
	m.onExpiry = h
}

// Start prepares the manager for EnsureActive calls. Sessions are
// established lazily, so Start itself makes no gateway calls.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	return nil
}

// Stop logs out every live session and waits for keep-alive loops to
// drain, honoring the deadline on ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}

	for _, s := range sessions {
		s.mu.Lock()
		if s.state == stateActive {
			s.state = stateClosed
			close(s.stop)
		}
		token := s.token
		s.mu.Unlock()

		if err := m.auth.Logout(ctx, token); err != nil {
			m.logger.Warn("logout failed", "user_id", s.userID, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("session manager shutdown timeout")
	}
	return nil
}

// EnsureActive returns a live session token for the user, creating a
// session if none exists. Concurrent callers for the same user share
// one authentication attempt.
func (m *Manager) EnsureActive(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", ErrStopped
	}
	if s, ok := m.sessions[userID]; ok {
		s.mu.Lock()
		live := s.state == stateActive
		token := s.token
		s.mu.Unlock()
		if live {
			m.mu.Unlock()
			return token, nil
		}
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(userID, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have
		// already established the session.
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return "", ErrStopped
		}
		if s, ok := m.sessions[userID]; ok {
			s.mu.Lock()
			live := s.state == stateActive
			token := s.token
			s.mu.Unlock()
			if live {
				m.mu.Unlock()
				return token, nil
			}
		}
		m.mu.Unlock()

		token, err := m.auth.Authenticate(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("authenticate user %s: %w", userID, err)
		}

		s := &session{
			userID: userID,
			token:  token,
			state:  stateActive,
			stop:   make(chan struct{}),
		}

		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			m.auth.Logout(context.Background(), token)
			return "", ErrStopped
		}
		m.sessions[userID] = s
		m.mu.Unlock()

		m.wg.Add(1)
		go m.keepAlive(s)

		m.logger.Info("session established", "user_id", userID)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Token returns the current token for a user without creating a
// session. ok is false when no live session exists.
func (m *Manager) Token(userID string) (token string, ok bool) {
	m.mu.Lock()
	s, exists := m.sessions[userID]
	m.mu.Unlock()
	if !exists {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateActive {
		return "", false
	}
	return s.token, true
}

// SessionCount returns the number of live sessions. Exposed for the
// health endpoint.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Invalidate drops the user's session without logging out, so the next
// EnsureActive re-authenticates. Used when the gateway reports the
// token as no longer valid.
func (m *Manager) Invalidate(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.state == stateActive {
		s.state = stateClosed
		close(s.stop)
	}
	s.mu.Unlock()
}

// keepAlive probes the session until it expires or the manager stops.
func (m *Manager) keepAlive(s *session) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.TickleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if expired := m.probe(s); expired {
				m.expire(s)
				return
			}
		}
	}
}

// probe runs one tickle round trip and reports whether the session has
// crossed the failure threshold or been rejected outright.
func (m *Manager) probe(s *session) (expired bool) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ProbeTimeout)
	defer cancel()

	ok, err := m.auth.Tickle(ctx, s.token)
	if err == nil && ok {
		s.mu.Lock()
		s.probeFailures = 0
		s.mu.Unlock()
		return false
	}
	if err == nil && !ok {
		// The gateway answered and disowned the token. No point in
		// counting strikes.
		m.logger.Warn("session rejected by gateway", "user_id", s.userID)
		return true
	}

	s.mu.Lock()
	s.probeFailures++
	failures := s.probeFailures
	s.mu.Unlock()

	m.logger.Warn("session probe failed",
		"user_id", s.userID,
		"consecutive_failures", failures,
		"error", err,
	)
	return failures >= m.cfg.MaxProbeFailures
}

// expire transitions the session to expired, removes it from the table,
// and notifies the expiry handler.
func (m *Manager) expire(s *session) {
	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		return
	}
	s.state = stateExpired
	s.mu.Unlock()

	m.mu.Lock()
	if cur, ok := m.sessions[s.userID]; ok && cur == s {
		delete(m.sessions, s.userID)
	}
	m.mu.Unlock()

	m.logger.Error("session expired", "user_id", s.userID)

	if m.onExpiry != nil {
		m.onExpiry(s.userID)
	}
}
