// Package hub owns downstream client websocket connections.
//
// Each client gets a bounded outbound queue and a pair of pump
// goroutines. Messages are always enqueued, never written directly:
// while the socket is open the queue drains immediately, and while the
// client is between sockets the queue buffers (dropping oldest on
// overflow) so a quick reconnect loses as little as possible.
//
// A client that loses its socket keeps its identity and subscriptions
// for a bounded reconnect window with exponential backoff. Re-attaching
// with the same client ID inside the window resumes the stream: the hub
// replays a cached snapshot for every subscribed topic before live
// updates continue. Exhausting the window tears the client down and
// releases its subscriptions.
package hub
