package hub

// ring is a bounded FIFO of outbound messages. When full, enqueueing
// drops the oldest entry; fresher data is always worth more than stale
// data to a market client.
type ring struct {
	buf     []any
	head    int
	count   int
	dropped uint64
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]any, capacity)}
}

func (r *ring) enqueue(msg any) {
	if r.count == len(r.buf) {
		r.buf[r.head] = nil
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		r.dropped++
	}
	r.buf[(r.head+r.count)%len(r.buf)] = msg
	r.count++
}

// peek returns the oldest entry without removing it.
func (r *ring) peek() (any, bool) {
	if r.count == 0 {
		return nil, false
	}
	return r.buf[r.head], true
}

func (r *ring) dequeue() (any, bool) {
	if r.count == 0 {
		return nil, false
	}
	msg := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return msg, true
}

func (r *ring) len() int {
	return r.count
}
