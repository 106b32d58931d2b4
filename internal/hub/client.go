package hub

import (
	"sync"

	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle state of a downstream client.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// client is one downstream consumer. Its identity and queue outlive any
// single socket: the sock field is swapped on reconnect.
type client struct {
	id     string
	userID string

	mu     sync.Mutex
	state  ConnState
	sock   *websocket.Conn
	queue  *ring
	topics map[string]struct{}

	// reconnect bookkeeping, guarded by mu
	attempts int
	reattach chan struct{} // closed when a new socket arrives

	// notify wakes the write pump; buffered so enqueues never block.
	notify chan struct{}
	// sockDone is closed when the current socket's pumps must exit.
	sockDone chan struct{}
}

func newClient(id, userID string, queueSize int) *client {
	return &client{
		id:     id,
		userID: userID,
		state:  StateConnecting,
		queue:  newRing(queueSize),
		topics: make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// enqueue adds a message to the outbound queue and kicks the writer.
func (c *client) enqueue(msg any) {
	c.mu.Lock()
	c.queue.enqueue(msg)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *client) getState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *client) addTopic(topic string) {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
}

// removeTopic reports whether the topic was actually held, so callers
// do not release registry refcounts for topics never subscribed.
func (c *client) removeTopic(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[topic]; !ok {
		return false
	}
	delete(c.topics, topic)
	return true
}

func (c *client) topicList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}
