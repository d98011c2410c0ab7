package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/feed"
	"github.com/roach88/docsync/internal/metrics"
)

// DefaultQueueSize is the per-observer queue bound.
const DefaultQueueSize = 256

// cursorName identifies the bus's feed cursor.
const cursorName = "notify"

// Event is one delivery to an observer.
type Event struct {
	Entry doc.ChangeEntry

	// Gap reports that entries were lost before this one. Missed is how many,
	// Err says why (OBSERVER_OVERFLOW or FEED_TRUNCATED).
	Gap    bool
	Missed int
	Err    error
}

// Observer receives change events. OnChange is called from a goroutine
// dedicated to the subscription, one event at a time, in seq order.
type Observer interface {
	OnChange(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnChange calls f(ev).
func (f ObserverFunc) OnChange(ev Event) { f(ev) }

// Bus is the notification bus of one store.
type Bus struct {
	feed      *feed.Feed
	cursor    *feed.Cursor
	logger    *slog.Logger
	metrics   *metrics.Metrics
	queueSize int

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	subs       map[uint64]*Subscription
	nextID     uint64
	dispatched int64
	progress   chan struct{}
	closed     bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-observer queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// WithMetrics records deliveries, drops and panics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// New starts a bus reading f from its current head. Only entries published
// after New are delivered.
func New(f *feed.Feed, opts ...Option) *Bus {
	b := &Bus{
		feed:      f,
		logger:    slog.Default(),
		queueSize: DefaultQueueSize,
		done:      make(chan struct{}),
		subs:      make(map[uint64]*Subscription),
		progress:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	head := f.Head()
	b.dispatched = head
	b.cursor = f.Register(cursorName, head+1)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.dispatch(ctx)
	return b
}

// Subscribe registers an observer. It receives every entry dispatched after
// the call returns.
func (b *Bus) Subscribe(obs Observer) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe: bus closed")
	}

	b.nextID++
	s := newSubscription(b, b.nextID, obs)
	b.subs[s.id] = s
	b.metrics.Observers(len(b.subs))
	go s.run()

	b.logger.Debug("observer subscribed", "subscription", s.id)
	return s, nil
}

// Unsubscribe removes a subscription. Entries still queued for it are
// discarded. Safe to call more than once and from inside OnChange.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		b.metrics.Observers(len(b.subs))
		b.logger.Debug("observer unsubscribed", "subscription", s.id)
	}
	b.mu.Unlock()
	s.stop()
	b.signalProgress()
}

// Len returns the number of subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Flush waits until every entry up to the feed head at the time of the call
// has been delivered to every current subscriber (or dropped on overflow).
func (b *Bus) Flush(ctx context.Context) error {
	target := b.feed.Head()
	for {
		b.mu.Lock()
		wait := b.progress
		drained := b.dispatched >= target
		if drained {
			for _, s := range b.subs {
				if !s.idle() {
					drained = false
					break
				}
			}
		}
		closed := b.closed
		b.mu.Unlock()

		if drained {
			return nil
		}
		if closed {
			return fmt.Errorf("flush: bus closed")
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Close stops the dispatcher and every subscription. Call Flush first to
// deliver what is pending.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[uint64]*Subscription{}
	b.mu.Unlock()

	b.cancel()
	<-b.done
	for _, s := range subs {
		s.stop()
	}
	b.cursor.Close()
	b.signalProgress()
}

// signalProgress wakes Flush callers.
func (b *Bus) signalProgress() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.progress)
	b.progress = make(chan struct{})
}

// dispatch is the fan-out loop.
func (b *Bus) dispatch(ctx context.Context) {
	defer close(b.done)

	next := b.cursor.Next()
	for {
		wait := b.feed.Wait()
		failed := false

		for e, err := range b.feed.ReadFrom(ctx, next) {
			if err != nil {
				if doc.IsFeedTruncated(err) {
					resume := b.feed.PrunedThrough() + 1
					b.logger.Warn("notification bus fell behind the change feed",
						"next", next,
						"resume", resume,
					)
					b.fanoutGap(int(resume-next), resume-1, err)
					next = resume
					b.cursor.Ack(ctx, next-1)
				} else {
					failed = true
					if ctx.Err() == nil {
						b.logger.Error("read change feed failed", "error", err)
					}
				}
				break
			}
			// Queued entries no longer need the feed to retain them.
			next = e.Seq + 1
			b.cursor.Ack(ctx, e.Seq)
			b.fanout(e)
		}

		if b.feed.Closed() && (failed || next > b.feed.Head()) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-wait:
		}
	}
}

func (b *Bus) fanout(e doc.ChangeEntry) {
	b.mu.Lock()
	for _, s := range b.subs {
		if dropped := s.push(e); dropped > 0 {
			b.metrics.Dropped(dropped)
		}
	}
	b.dispatched = e.Seq
	b.mu.Unlock()
	b.signalProgress()
}

func (b *Bus) fanoutGap(missed int, through int64, cause error) {
	b.mu.Lock()
	for _, s := range b.subs {
		s.markGap(missed, cause)
	}
	if through > b.dispatched {
		b.dispatched = through
	}
	b.mu.Unlock()
	b.signalProgress()
}
