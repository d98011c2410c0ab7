// Package feed exposes the store's change segment as an ordered, replayable
// change feed with per-consumer cursors and bounded retention.
//
// The feed is consumer-agnostic: it never waits for a consumer. Consumers
// read with ReadFrom, acknowledge progress through their Cursor, and block on
// Wait for new entries. Entries are pruned once every registered cursor has
// acknowledged them, and the retained window is additionally capped so a
// stalled consumer cannot grow it without bound. A consumer that falls
// behind the window gets FEED_TRUNCATED and must resynchronize.
package feed

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/roach88/docsync/internal/doc"
)

// DefaultPageSize is the number of entries fetched per store query.
const DefaultPageSize = 256

// Source is the durable change segment the feed reads from.
// Implemented by *store.Store.
type Source interface {
	ReadChanges(ctx context.Context, from int64, limit int) ([]doc.ChangeEntry, error)
	HeadSeq(ctx context.Context) (int64, error)
	PrunedThrough(ctx context.Context) (int64, error)
	PruneChanges(ctx context.Context, through int64) (int64, error)
}

// Feed is the change feed of one store.
//
// Thread-safety: all methods are safe for concurrent use.
type Feed struct {
	src          Source
	logger       *slog.Logger
	retentionCap int64
	pageSize     int

	mu      sync.Mutex
	head    int64
	pruned  int64
	wake    chan struct{}
	closed  bool
	cursors map[string]*Cursor
}

// Option configures a Feed.
type Option func(*Feed)

// WithRetentionCap bounds the number of retained entries. Zero means entries
// are kept until every cursor acknowledged them.
func WithRetentionCap(n int64) Option {
	return func(f *Feed) {
		f.retentionCap = n
	}
}

// WithPageSize sets how many entries ReadFrom fetches per query.
func WithPageSize(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.pageSize = n
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) {
		f.logger = l
	}
}

// New opens the feed over src, starting at its current head.
func New(ctx context.Context, src Source, opts ...Option) (*Feed, error) {
	f := &Feed{
		src:      src,
		logger:   slog.Default(),
		pageSize: DefaultPageSize,
		wake:     make(chan struct{}),
		cursors:  make(map[string]*Cursor),
	}
	for _, opt := range opts {
		opt(f)
	}

	head, err := src.HeadSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("open feed: %w", err)
	}
	pruned, err := src.PrunedThrough(ctx)
	if err != nil {
		return nil, fmt.Errorf("open feed: %w", err)
	}
	f.head = head
	f.pruned = pruned
	return f, nil
}

// Head returns the highest published seq.
func (f *Feed) Head() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head
}

// PrunedThrough returns the highest seq no longer readable.
func (f *Feed) PrunedThrough() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pruned
}

// Publish announces a committed change entry. It wakes every Wait channel
// and applies retention. It never blocks on consumers.
func (f *Feed) Publish(ctx context.Context, e doc.ChangeEntry) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if e.Seq > f.head {
		f.head = e.Seq
	}
	close(f.wake)
	f.wake = make(chan struct{})
	f.mu.Unlock()

	f.enforceRetention(ctx)
}

// Wait returns a channel closed at the next Publish or Close.
// Obtain the channel before reading so no publication is missed:
//
//	wait := f.Wait()
//	for e, err := range f.ReadFrom(ctx, next) { ... }
//	select {
//	case <-ctx.Done():
//	case <-wait:
//	}
func (f *Feed) Wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wake
}

// Closed reports whether Close was called.
func (f *Feed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close wakes every waiter for the last time. Subsequent Publish calls are
// ignored.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.wake)
}

// ReadFrom returns the retained entries with seq >= from, up to the head at
// the time of the call, in seq order.
//
// The sequence is lazy, finite and restartable. If any requested entry was
// already pruned, the first (and only) value yielded is a FEED_TRUNCATED
// error.
func (f *Feed) ReadFrom(ctx context.Context, from int64) iter.Seq2[doc.ChangeEntry, error] {
	if from < 1 {
		from = 1
	}
	head := f.Head()

	return func(yield func(doc.ChangeEntry, error) bool) {
		next := from
		for next <= head {
			if pruned := f.PrunedThrough(); next <= pruned {
				yield(doc.ChangeEntry{}, doc.FeedTruncated(next, pruned))
				return
			}

			limit := f.pageSize
			if remaining := head - next + 1; remaining < int64(limit) {
				limit = int(remaining)
			}
			page, err := f.src.ReadChanges(ctx, next, limit)
			if err != nil {
				yield(doc.ChangeEntry{}, fmt.Errorf("read feed: %w", err))
				return
			}
			if len(page) == 0 {
				return
			}
			// Retained seqs are gap-free; a jump means a concurrent prune.
			if page[0].Seq != next {
				yield(doc.ChangeEntry{}, doc.FeedTruncated(next, page[0].Seq-1))
				return
			}
			for _, e := range page {
				if e.Seq > head {
					return
				}
				if !yield(e, nil) {
					return
				}
				next = e.Seq + 1
			}
		}
	}
}

// enforceRetention prunes everything every cursor acknowledged, and anything
// older than the retention cap. Without cursors only the cap applies.
func (f *Feed) enforceRetention(ctx context.Context) {
	f.mu.Lock()
	target := int64(0)
	first := true
	for _, c := range f.cursors {
		if first || c.acked < target {
			target = c.acked
			first = false
		}
	}
	if f.retentionCap > 0 {
		if capped := f.head - f.retentionCap; capped > target {
			for _, c := range f.cursors {
				if c.acked < capped {
					f.logger.Warn("consumer fell behind retention cap",
						"consumer", c.name,
						"acked", c.acked,
						"pruning_through", capped,
					)
				}
			}
			target = capped
		}
	}
	if target > f.head {
		target = f.head
	}
	if target <= f.pruned {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	removed, err := f.src.PruneChanges(ctx, target)
	if err != nil {
		f.logger.Error("prune change feed failed", "through", target, "error", err)
		return
	}

	f.mu.Lock()
	if target > f.pruned {
		f.pruned = target
	}
	f.mu.Unlock()

	f.logger.Debug("change feed pruned", "through", target, "removed", removed)
}
