package docstore

import (
	"context"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/notify"
	"github.com/roach88/docsync/internal/revision"
)

// ChangeEvent is what OnChange callbacks receive.
type ChangeEvent struct {
	ID     string
	Op     doc.Operation
	Rev    revision.Revision
	Origin doc.Origin
	Seq    int64

	// Gap is set when earlier events were lost; the receiver should
	// re-fetch the state it displays. Missed counts the lost events.
	Gap    bool
	Missed int
}

// OnChange calls fn for every committed change, local or remote, in order.
// fn runs on a goroutine of its own; it may receive events for documents
// the caller no longer cares about.
func (db *DB) OnChange(fn func(ChangeEvent)) (*notify.Subscription, error) {
	return db.Subscribe(notify.ObserverFunc(func(ev notify.Event) {
		fn(ChangeEvent{
			ID:     ev.Entry.DocID,
			Op:     ev.Entry.Op,
			Rev:    ev.Entry.Rev,
			Origin: ev.Entry.Origin,
			Seq:    ev.Entry.Seq,
			Gap:    ev.Gap,
			Missed: ev.Missed,
		})
	}))
}

// Subscribe registers an observer on the notification bus.
func (db *DB) Subscribe(obs notify.Observer) (*notify.Subscription, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	return db.bus.Subscribe(obs)
}

// Flush waits until every observer has been handed every committed change.
func (db *DB) Flush(ctx context.Context) error {
	return db.bus.Flush(ctx)
}
