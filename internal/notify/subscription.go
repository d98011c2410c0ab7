package notify

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/roach88/docsync/internal/doc"
)

// Subscription is a handle for one registered observer.
type Subscription struct {
	id  uint64
	bus *Bus
	obs Observer

	mu       sync.Mutex
	queue    []doc.ChangeEntry
	missed   int
	gapErr   error
	inFlight bool
	stopped  bool
	signal   chan struct{} // buffered, size 1
	quit     chan struct{}
}

func newSubscription(b *Bus, id uint64, obs Observer) *Subscription {
	return &Subscription{
		id:     id,
		bus:    b,
		obs:    obs,
		queue:  make([]doc.ChangeEntry, 0, b.queueSize),
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
}

// ID returns the subscription's identifier, unique within its bus.
func (s *Subscription) ID() uint64 { return s.id }

// Unsubscribe is shorthand for bus.Unsubscribe(s).
func (s *Subscription) Unsubscribe() { s.bus.Unsubscribe(s) }

// push queues e, dropping the oldest entry if the queue is full.
// Returns the number of entries dropped.
func (s *Subscription) push(e doc.ChangeEntry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}

	dropped := 0
	if len(s.queue) >= s.bus.queueSize {
		s.queue[0] = doc.ChangeEntry{}
		s.queue = s.queue[1:]
		s.missed++
		if s.gapErr == nil {
			s.gapErr = doc.ErrObserverOverflow
		}
		dropped = 1
	}
	s.queue = append(s.queue, e)
	s.wake()
	return dropped
}

// markGap records entries the bus itself could not read.
func (s *Subscription) markGap(missed int, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missed += missed
	s.gapErr = cause
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// idle reports whether nothing is queued or being delivered.
func (s *Subscription) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped || (len(s.queue) == 0 && !s.inFlight)
}

func (s *Subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.queue = nil
	close(s.quit)
}

// next pops the next event. ok is false when the subscription stopped.
func (s *Subscription) next() (Event, bool) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return Event{}, false
		}
		if len(s.queue) > 0 {
			ev := Event{Entry: s.queue[0]}
			s.queue[0] = doc.ChangeEntry{}
			s.queue = s.queue[1:]
			if s.missed > 0 {
				ev.Gap = true
				ev.Missed = s.missed
				ev.Err = s.gapError()
				s.missed = 0
				s.gapErr = nil
			}
			s.inFlight = true
			s.mu.Unlock()
			return ev, true
		}
		s.mu.Unlock()

		select {
		case <-s.quit:
			return Event{}, false
		case <-s.signal:
		}
	}
}

func (s *Subscription) gapError() error {
	if doc.IsFeedTruncated(s.gapErr) {
		return s.gapErr
	}
	return doc.ObserverOverflow(s.missed)
}

func (s *Subscription) run() {
	for {
		ev, ok := s.next()
		if !ok {
			return
		}
		s.deliver(ev)

		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
		s.bus.signalProgress()
	}
}

func (s *Subscription) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.metrics.ObserverPanicked()
			s.bus.logger.Error("observer panicked",
				"subscription", s.id,
				"seq", ev.Entry.Seq,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	s.obs.OnChange(ev)
	s.bus.metrics.Delivered()
}
