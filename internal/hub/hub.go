package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tradeview/streamrelay/internal/model"
)

const maxMessageSize = 4096

// Broker is the subscription and snapshot surface the hub drives on
// behalf of clients. Implemented by the relay service.
type Broker interface {
	Subscribe(ctx context.Context, userID, instrumentID string) error
	Unsubscribe(ctx context.Context, userID, instrumentID string)
	Latest(instrumentID string) (model.Quote, bool)
	History(instrumentID string, limit int) []model.Quote
}

// EntitlementFunc reports whether a user may subscribe to an
// instrument. Entitlement decisions are made elsewhere; the hub only
// enforces the answer. A nil func allows everything.
type EntitlementFunc func(userID, instrumentID string) bool

// Config holds downstream connection settings.
type Config struct {
	// HeartbeatInterval is the server ping cadence. A client that does
	// not answer within one interval is cut.
	HeartbeatInterval time.Duration
	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration
	// OutboundQueueSize bounds each client's outbound queue. Overflow
	// drops the oldest message.
	OutboundQueueSize int
	// MaxReconnectAttempts is the reconnect window budget after a
	// socket loss. Exhausting it tears the client down.
	MaxReconnectAttempts int
	// ReconnectBaseDelay and ReconnectMaxDelay shape the per-attempt
	// backoff: min(base * 2^attempt, max).
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// DefaultConfig returns downstream defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		WriteTimeout:         5 * time.Second,
		OutboundQueueSize:    256,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
	}
}

// Hub manages all downstream client connections and fans quote batches
// out to subscribers.
type Hub struct {
	cfg      Config
	broker   Broker
	entitled EntitlementFunc
	logger   *slog.Logger
	upgrader websocket.Upgrader

	batches <-chan model.Batch

	mu      sync.Mutex
	clients map[string]*client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a hub. batches is the coalesced update stream to fan out;
// if logger is nil, slog.Default() is used.
func New(cfg Config, broker Broker, entitled EntitlementFunc, batches <-chan model.Batch, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = def.OutboundQueueSize
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	return &Hub{
		cfg:      cfg,
		broker:   broker,
		entitled: entitled,
		batches:  batches,
		logger:   logger,
		clients:  make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start launches the batch fanout loop.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)
	if h.batches != nil {
		h.wg.Add(1)
		go h.fanoutLoop()
	}
	return nil
}

// Stop closes every client socket and waits for pumps to drain.
func (h *Hub) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		if c.sock != nil {
			c.sock.Close()
		}
		c.state = StateClosed
		c.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("hub shutdown timeout")
	}
	return nil
}

// ClientCount returns the number of tracked clients, including ones in
// a reconnect window. Exposed for the health endpoint.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades a downstream connection. The user is identified by
// the "user" query parameter; a returning client presents its previous
// "client_id" to resume its subscriptions.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}
	prevID := r.URL.Query().Get("client_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	if c := h.resume(prevID, userID, conn); c != nil {
		return
	}
	h.attachNew(userID, conn)
}

// attachNew registers a fresh client on the given socket.
func (h *Hub) attachNew(userID string, conn *websocket.Conn) {
	c := newClient(uuid.NewString(), userID, h.cfg.OutboundQueueSize)

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.openSocket(c, conn)
	c.enqueue(model.ConnectionMsg{Type: model.TypeConnection, Status: "connected", ClientID: c.id})

	h.logger.Info("client connected", "client_id", c.id, "user_id", userID)
}

// resume re-attaches a returning client. Returns nil when no resumable
// client matches, in which case the caller falls back to a fresh one.
func (h *Hub) resume(prevID, userID string, conn *websocket.Conn) *client {
	if prevID == "" {
		return nil
	}
	h.mu.Lock()
	c, ok := h.clients[prevID]
	h.mu.Unlock()
	if !ok || c.userID != userID {
		return nil
	}

	c.mu.Lock()
	if c.state != StateClosed {
		// The previous socket is still live; do not hijack it.
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.attempts = 0
	if c.reattach != nil {
		close(c.reattach)
		c.reattach = nil
	}
	c.mu.Unlock()

	h.openSocket(c, conn)
	c.enqueue(model.ConnectionMsg{Type: model.TypeConnection, Status: "connected", ClientID: c.id})

	// Replay: a cached snapshot per subscribed topic goes out before
	// any new live tick reaches the queue.
	for _, topic := range c.topicList() {
		if q, ok := h.broker.Latest(topic); ok {
			c.enqueue(model.NewMarketData(q))
		}
	}

	h.logger.Info("client resumed", "client_id", c.id, "user_id", userID,
		"topics", len(c.topicList()))
	return c
}

// openSocket binds a socket to the client and starts its pumps.
func (h *Hub) openSocket(c *client, conn *websocket.Conn) {
	sockDone := make(chan struct{})

	c.mu.Lock()
	c.sock = conn
	c.sockDone = sockDone
	c.state = StateOpen
	c.mu.Unlock()

	h.wg.Add(2)
	go h.readPump(c, conn)
	go h.writePump(c, conn, sockDone)

	// Flush whatever queued while the client was between sockets.
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// readPump consumes client requests until the socket dies.
func (h *Hub) readPump(c *client, conn *websocket.Conn) {
	defer h.wg.Done()

	pongWait := 2 * h.cfg.HeartbeatInterval
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.onDisconnect(c, conn, err)
			return
		}
		h.handleRequest(c, raw)
	}
}

// writePump drains the client queue and drives heartbeats for one
// socket. It is the only goroutine writing to the socket.
func (h *Hub) writePump(c *client, conn *websocket.Conn, sockDone chan struct{}) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case <-sockDone:
			return
		case <-c.notify:
			if !h.flush(c, conn) {
				// Halt on the first failed send; the rest stays
				// queued for the next socket. The read pump observes
				// the broken socket and handles the disconnect.
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// flush writes queued messages in FIFO order until the queue is empty
// or a send fails. The message that failed stays at the head.
func (h *Hub) flush(c *client, conn *websocket.Conn) bool {
	for {
		c.mu.Lock()
		msg, ok := c.queue.peek()
		open := c.state == StateOpen && c.sock == conn
		c.mu.Unlock()
		if !ok || !open {
			return true
		}

		conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return false
		}

		c.mu.Lock()
		c.queue.dequeue()
		c.mu.Unlock()
	}
}

// handleRequest dispatches one inbound client message.
func (h *Hub) handleRequest(c *client, raw []byte) {
	var req model.ClientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.enqueue(model.NewError(model.ScopeConnection, "malformed request"))
		return
	}

	switch req.Action {
	case model.ActionSubscribe:
		h.handleSubscribe(c, req.Symbol)
	case model.ActionUnsubscribe:
		if req.Symbol == "" {
			c.enqueue(model.NewError(model.ScopeConnection, "unsubscribe requires a symbol"))
			return
		}
		if c.removeTopic(req.Symbol) {
			h.broker.Unsubscribe(h.ctx, c.userID, req.Symbol)
		}
	case model.ActionHistory:
		if req.Symbol == "" {
			c.enqueue(model.NewError(model.ScopeConnection, "history requires a symbol"))
			return
		}
		quotes := h.broker.History(req.Symbol, req.Limit)
		c.enqueue(model.NewMarketHistory(req.Symbol, quotes))
	default:
		c.enqueue(model.NewError(model.ScopeConnection, "unknown action "+req.Action))
	}
}

func (h *Hub) handleSubscribe(c *client, symbol string) {
	if symbol == "" {
		c.enqueue(model.NewError(model.ScopeConnection, "subscribe requires a symbol"))
		return
	}
	if h.entitled != nil && !h.entitled(c.userID, symbol) {
		c.enqueue(model.NewError(model.ScopeInstrument, "not entitled to "+symbol))
		return
	}
	if c.subscribed(symbol) {
		return
	}
	if err := h.broker.Subscribe(h.ctx, c.userID, symbol); err != nil {
		h.logger.Warn("subscribe failed",
			"client_id", c.id, "user_id", c.userID,
			"instrument_id", symbol, "error", err)
		c.enqueue(model.NewError(model.ScopeInstrument, "subscribe "+symbol+" failed: "+err.Error()))
		return
	}
	c.addTopic(symbol)

	// Instant snapshot so the client does not wait out the first poll.
	if q, ok := h.broker.Latest(symbol); ok {
		c.enqueue(model.NewMarketData(q))
	}
}

// onDisconnect handles a socket loss for a client. The client keeps its
// identity and queue for the reconnect window.
func (h *Hub) onDisconnect(c *client, conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.sock != conn {
		// A newer socket already took over.
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	close(c.sockDone)
	c.sock = nil
	c.state = StateClosed
	reattach := make(chan struct{})
	c.reattach = reattach
	c.mu.Unlock()

	conn.Close()

	if h.ctx.Err() != nil {
		return
	}

	h.logger.Info("client socket lost",
		"client_id", c.id, "user_id", c.userID, "error", cause)

	h.wg.Add(1)
	go h.reconnectWindow(c, reattach)
}

// reconnectWindow waits out the client's backoff schedule. Each attempt
// n grants min(base*2^n, max) for the client to come back; exhausting
// MaxReconnectAttempts tears the client down.
func (h *Hub) reconnectWindow(c *client, reattach chan struct{}) {
	defer h.wg.Done()

	for {
		c.mu.Lock()
		attempt := c.attempts
		if attempt >= h.cfg.MaxReconnectAttempts {
			c.mu.Unlock()
			break
		}
		c.attempts++
		c.mu.Unlock()

		timer := time.NewTimer(h.backoffDelay(attempt))
		select {
		case <-h.ctx.Done():
			timer.Stop()
			return
		case <-reattach:
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	h.logger.Warn("reconnect attempts exhausted, tearing down client",
		"client_id", c.id, "user_id", c.userID,
		"max_attempts", h.cfg.MaxReconnectAttempts)
	h.teardown(c)
}

// backoffDelay returns the reconnect window for one attempt.
func (h *Hub) backoffDelay(attempt int) time.Duration {
	d := h.cfg.ReconnectBaseDelay << uint(attempt)
	if d > h.cfg.ReconnectMaxDelay || d <= 0 {
		d = h.cfg.ReconnectMaxDelay
	}
	return d
}

// teardown removes a client for good, releasing its subscriptions.
func (h *Hub) teardown(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	for _, topic := range c.topicList() {
		if c.removeTopic(topic) {
			h.broker.Unsubscribe(h.ctx, c.userID, topic)
		}
	}
}

// fanoutLoop distributes coalesced batches to subscribed clients.
func (h *Hub) fanoutLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case batch, ok := <-h.batches:
			if !ok {
				return
			}
			h.fanout(batch)
		}
	}
}

func (h *Hub) fanout(batch model.Batch) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		for id, q := range batch.Updates {
			if c.subscribed(id) {
				c.enqueue(model.NewMarketData(q))
			}
		}
	}
}

// BroadcastInstrumentError tells every client subscribed to the
// instrument that it failed, and drops the topic from those clients.
// Used when polling escalates an instrument away.
func (h *Hub) BroadcastInstrumentError(userID, instrumentID, message string) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if c.userID != userID || !c.subscribed(instrumentID) {
			continue
		}
		c.removeTopic(instrumentID)
		c.enqueue(model.NewError(model.ScopeInstrument, message))
	}
}

// NotifyUser sends a session-scoped error to every client of a user and
// clears their topics. Used on session expiry.
func (h *Hub) NotifyUser(userID, message string) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if c.userID != userID {
			continue
		}
		for _, topic := range c.topicList() {
			c.removeTopic(topic)
		}
		c.enqueue(model.NewError(model.ScopeSession, message))
	}
}
