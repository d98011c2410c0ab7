// Package notify fans change feed entries out to observers.
//
// A single dispatcher goroutine reads the feed through its own cursor and
// copies each entry, in seq order, into a bounded queue per subscription.
// Each subscription has its own delivery goroutine, so a slow or panicking
// observer never delays the others and never touches the write path.
//
// When a queue is full the oldest queued entry is dropped. The next event
// delivered to that observer carries Gap=true, the number of missed entries
// and an OBSERVER_OVERFLOW error, telling the observer to re-read full state.
package notify
