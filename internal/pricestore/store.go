package pricestore

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

// Update is one notification delivered to a subscriber.
type Update struct {
	Feed       model.FeedID
	Quote      model.PriceQuote // zero when the feed has no value yet
	Generation uint64
	Err        error // non-fatal refresh failure surfaced alongside the value
	Replay     bool  // re-delivery of an unchanged value
}

// HasValue reports whether the update carries a quote.
func (u Update) HasValue() bool {
	return !u.Quote.IsZero()
}

// Listener receives updates for one feed, in publish order.
type Listener func(Update)

// Stats are cumulative counters for the store.
type Stats struct {
	Published   int64
	Rejected    int64
	MarkedStale int64
	Replays     int64
	Subscribers int

	// Backlog is the number of updates queued for all listeners.
	Backlog int
	// MaxBacklog is the deepest single subscriber queue right now.
	MaxBacklog int
	// PeakBacklog is the deepest any live subscriber queue has been.
	PeakBacklog int
}

type slot struct {
	quote      model.PriceQuote
	generation uint64
}

type subscriber struct {
	id     uuid.UUID
	feed   model.FeedID
	fn     Listener
	queue  *backlog
	closed atomic.Bool
}

// Store is the shared latest-value cache. Safe for concurrent use.
type Store struct {
	logger *slog.Logger

	mu     sync.Mutex
	slots  map[model.FeedID]*slot
	subs   map[model.FeedID]map[uuid.UUID]*subscriber
	closed bool
	wg     sync.WaitGroup

	published   atomic.Int64
	rejected    atomic.Int64
	markedStale atomic.Int64
	replays     atomic.Int64
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger,
		slots:  make(map[model.FeedID]*slot),
		subs:   make(map[model.FeedID]map[uuid.UUID]*subscriber),
	}
}

// Get returns the latest quote for feed.
func (s *Store) Get(feed model.FeedID) (model.PriceQuote, bool) {
	q, _, ok := s.Snapshot(feed)
	return q, ok
}

// Snapshot returns the latest quote and its generation.
func (s *Store) Snapshot(feed model.FeedID) (model.PriceQuote, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[feed]
	if !ok {
		return model.PriceQuote{}, 0, false
	}
	return sl.quote, sl.generation, true
}

// All returns the latest quote of every feed that has one.
func (s *Store) All() map[model.FeedID]model.PriceQuote {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[model.FeedID]model.PriceQuote, len(s.slots))
	for feed, sl := range s.slots {
		out[feed] = sl.quote
	}
	return out
}

// Publish stores q unless it is older than the current quote, bumps the
// generation and notifies subscribers. Returns false when rejected.
func (s *Store) Publish(q model.PriceQuote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	sl, ok := s.slots[q.Feed]
	if !ok {
		sl = &slot{}
		s.slots[q.Feed] = sl
	} else if q.ObservedAt.Before(sl.quote.ObservedAt) {
		s.rejected.Add(1)
		s.logger.Debug("rejected out-of-order quote",
			"feed", q.Feed,
			"observed_at", q.ObservedAt,
			"current", sl.quote.ObservedAt,
		)
		return false
	}

	sl.quote = q
	sl.generation++
	s.published.Add(1)

	s.fanOut(q.Feed, Update{Feed: q.Feed, Quote: q, Generation: sl.generation})
	return true
}

// MarkStale flags the last known-good value as stale and delivers err to
// subscribers with it. With no prior value only the error is delivered.
func (s *Store) MarkStale(feed model.FeedID, err error) (model.PriceQuote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.PriceQuote{}, false
	}
	s.markedStale.Add(1)

	sl, ok := s.slots[feed]
	if !ok {
		s.fanOut(feed, Update{Feed: feed, Err: err})
		return model.PriceQuote{}, false
	}

	sl.quote = sl.quote.WithStale()
	sl.generation++
	s.fanOut(feed, Update{Feed: feed, Quote: sl.quote, Generation: sl.generation, Err: err})
	return sl.quote, true
}

// ForceSync re-delivers the current value to every subscriber of feed even
// though it has not changed. Returns false if the feed has no value.
func (s *Store) ForceSync(feed model.FeedID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[feed]
	if !ok || s.closed {
		return false
	}
	s.replays.Add(1)
	s.fanOut(feed, Update{Feed: feed, Quote: sl.quote, Generation: sl.generation, Replay: true})
	return true
}

// Subscribe registers fn for feed. If the feed already has a value it is
// delivered first as a replay. The returned func unsubscribes; it is safe to
// call more than once and from inside the listener.
func (s *Store) Subscribe(feed model.FeedID, fn Listener) func() {
	sub := &subscriber{
		id:    uuid.New(),
		feed:  feed,
		fn:    fn,
		queue: newBacklog(8),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	if s.subs[feed] == nil {
		s.subs[feed] = make(map[uuid.UUID]*subscriber)
	}
	s.subs[feed][sub.id] = sub
	if sl, ok := s.slots[feed]; ok {
		sub.queue.push(Update{Feed: feed, Quote: sl.quote, Generation: sl.generation, Replay: true})
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.deliver(sub)

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(sub) })
	}
}

// Stats returns cumulative counters and the current listener backlog.
func (s *Store) Stats() Stats {
	st := Stats{
		Published:   s.published.Load(),
		Rejected:    s.rejected.Load(),
		MarkedStale: s.markedStale.Load(),
		Replays:     s.replays.Load(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subs := range s.subs {
		for _, sub := range subs {
			st.Subscribers++
			n, peak := sub.queue.depth()
			st.Backlog += n
			st.MaxBacklog = max(st.MaxBacklog, n)
			st.PeakBacklog = max(st.PeakBacklog, peak)
		}
	}
	return st
}

// Close stops every subscriber goroutine. Pending updates are dropped.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, subs := range s.subs {
		for _, sub := range subs {
			sub.closed.Store(true)
			sub.queue.close()
		}
	}
	s.subs = make(map[model.FeedID]map[uuid.UUID]*subscriber)
	s.mu.Unlock()

	s.wg.Wait()
}

// fanOut enqueues u for every subscriber of feed. Must hold s.mu so that
// all subscribers observe the same order.
func (s *Store) fanOut(feed model.FeedID, u Update) {
	for _, sub := range s.subs[feed] {
		sub.queue.push(u)
	}
}

func (s *Store) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	if subs, ok := s.subs[sub.feed]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(s.subs, sub.feed)
		}
	}
	s.mu.Unlock()

	sub.closed.Store(true)
	sub.queue.close()
}

func (s *Store) deliver(sub *subscriber) {
	defer s.wg.Done()

	for {
		u, ok := sub.queue.pop()
		if !ok {
			return
		}
		if sub.closed.Load() {
			continue
		}
		s.invoke(sub, u)
	}
}

func (s *Store) invoke(sub *subscriber, u Update) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("price listener panicked",
				"feed", sub.feed,
				"subscriber", sub.id,
				"panic", r,
			)
		}
	}()
	sub.fn(u)
}
