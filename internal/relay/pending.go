package relay

// pendingAudio is a bounded FIFO of caller audio held while the agent
// handshake is in flight. When full, the oldest chunk is evicted.
type pendingAudio struct {
	buf   []string
	head  int
	count int
}

func newPendingAudio(capacity int) *pendingAudio {
	if capacity <= 0 {
		capacity = 50
	}
	return &pendingAudio{buf: make([]string, capacity)}
}

// Push appends payload and reports whether an older chunk was evicted.
func (p *pendingAudio) Push(payload string) bool {
	evicted := false
	if p.count == len(p.buf) {
		p.buf[p.head] = ""
		p.head = (p.head + 1) % len(p.buf)
		p.count--
		evicted = true
	}
	p.buf[(p.head+p.count)%len(p.buf)] = payload
	p.count++
	return evicted
}

func (p *pendingAudio) Len() int { return p.count }

func (p *pendingAudio) Cap() int { return len(p.buf) }

// Drain returns every buffered chunk oldest first and empties the queue.
func (p *pendingAudio) Drain() []string {
	out := make([]string, 0, p.count)
	for p.count > 0 {
		out = append(out, p.buf[p.head])
		p.buf[p.head] = ""
		p.head = (p.head + 1) % len(p.buf)
		p.count--
	}
	p.head = 0
	return out
}
