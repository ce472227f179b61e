package pricestore

import "sync"

// backlog holds the updates a subscriber has not consumed yet. push never
// blocks, so a slow listener costs memory instead of stalling Publish. The
// ring doubles when full.
type backlog struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []Update
	head   int
	n      int
	peak   int
	closed bool
}

func newBacklog(size int) *backlog {
	if size < 1 {
		size = 1
	}
	b := &backlog{ring: make([]Update, size)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// push appends u and reports false once the backlog is closed.
func (b *backlog) push(u Update) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if b.n == len(b.ring) {
		b.grow()
	}
	b.ring[(b.head+b.n)%len(b.ring)] = u
	b.n++
	if b.n > b.peak {
		b.peak = b.n
	}
	b.cond.Signal()
	return true
}

// pop returns the oldest update, waiting while empty. ok is false once the
// backlog is closed and drained.
func (b *backlog) pop() (u Update, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.n == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.n == 0 {
		return Update{}, false
	}
	u = b.ring[b.head]
	b.ring[b.head] = Update{}
	b.head = (b.head + 1) % len(b.ring)
	b.n--
	return u, true
}

func (b *backlog) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// depth returns the number of waiting updates and the most ever waiting.
func (b *backlog) depth() (n, peak int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n, b.peak
}

func (b *backlog) grow() {
	ring := make([]Update, 2*len(b.ring))
	for i := 0; i < b.n; i++ {
		ring[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	b.ring = ring
	b.head = 0
}
