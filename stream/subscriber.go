package stream

import (
	"sync/atomic"
)

// Subscriber receives events on a buffered channel. Delivery is governed
// by credits: each delivered event spends one, and a subscriber with no
// credits or a full buffer misses the event rather than blocking the
// publisher.
type Subscriber struct {
	id      string
	ch      chan *Event
	credits atomic.Int64
	dropped atomic.Int64
	filter  func(*Event) bool
	closed  atomic.Bool
}

func newSubscriber(id string, buffer int, credits int64, filter func(*Event) bool) *Subscriber {
	s := &Subscriber{id: id, ch: make(chan *Event, buffer), filter: filter}
	s.credits.Store(credits)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the event channel. It is closed when the subscriber is removed
// or the broker shuts down.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// AddCredits grants n more deliveries.
func (s *Subscriber) AddCredits(n int64) { s.credits.Add(n) }

// Credits returns the remaining credits.
func (s *Subscriber) Credits() int64 { return s.credits.Load() }

// Dropped returns how many events this subscriber missed.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

type delivery int

const (
	delivered delivery = iota
	filtered
	dropped
)

func (s *Subscriber) send(evt *Event) (d delivery) {
	if s.closed.Load() {
		return dropped
	}
	if s.filter != nil && !s.filter(evt) {
		return filtered
	}
	for {
		c := s.credits.Load()
		if c <= 0 {
			s.dropped.Add(1)
			return dropped
		}
		if s.credits.CompareAndSwap(c, c-1) {
			break
		}
	}
	defer func() {
		// close raced with this send
		if recover() != nil {
			d = dropped
		}
	}()
	select {
	case s.ch <- evt:
		return delivered
	default:
		s.credits.Add(1)
		s.dropped.Add(1)
		return dropped
	}
}

func (s *Subscriber) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
