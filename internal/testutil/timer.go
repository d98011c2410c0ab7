package testutil

import (
	"sync"
	"time"
)

// RecordingTimer replaces time.After in backoff loops. Every requested delay
// is recorded and the returned channel fires immediately, so reconnect
// schedules can be asserted without sleeping.
//
// Thread-safety: RecordingTimer is safe for concurrent use via internal mutex.
type RecordingTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	notify chan time.Duration
}

// NewRecordingTimer creates an empty recorder.
func NewRecordingTimer() *RecordingTimer {
	return &RecordingTimer{notify: make(chan time.Duration, 1024)}
}

// After records d and returns an already-fired channel.
func (r *RecordingTimer) After(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()

	select {
	case r.notify <- d:
	default:
	}

	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

// Delays returns a copy of every recorded delay, in order.
func (r *RecordingTimer) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

// Waits returns a channel receiving each delay as it is requested.
func (r *RecordingTimer) Waits() <-chan time.Duration {
	return r.notify
}
