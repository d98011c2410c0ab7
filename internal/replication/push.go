package replication

import (
	"context"
	"fmt"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/feed"
	"github.com/roach88/docsync/internal/store"
)

// push streams local feed entries after pushed to the session until ctx is
// cancelled or the session fails.
func (e *Engine) push(ctx context.Context, sess Session, cursor *feed.Cursor, pushed int64) error {
	next := pushed + 1
	for {
		wait := e.feed.Wait()

		through, err := e.pushFrom(ctx, sess, cursor, next)
		if doc.IsFeedTruncated(err) {
			e.logger.Warn("push position pruned from change feed, starting full resend", "next", next)
			e.metrics.FullResync(e.endpoint)
			e.emit(Status{Endpoint: e.endpoint, State: StateStreaming, Err: err})
			through, err = e.resend(ctx, sess, cursor)
		}
		if err != nil {
			return err
		}
		next = through + 1

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// pushFrom sends every entry from next to the current head in batches and
// returns the last seq covered by the checkpoint.
func (e *Engine) pushFrom(ctx context.Context, sess Session, cursor *feed.Cursor, next int64) (int64, error) {
	through := next - 1
	var batch []store.RemoteChange
	var batchThrough int64

	for entry, err := range e.feed.ReadFrom(ctx, next) {
		if err != nil {
			return through, err
		}
		batchThrough = entry.Seq

		// Never send a peer its own changes back.
		if entry.Origin == doc.OriginRemote && entry.Source == e.endpoint {
			continue
		}

		ch, err := e.store.LoadRemoteChange(ctx, entry.DocID, entry.Rev)
		if err != nil {
			return through, fmt.Errorf("push seq %d: %w", entry.Seq, err)
		}
		batch = append(batch, ch)

		if len(batch) >= e.batchSize {
			if err := e.send(ctx, sess, cursor, batch, batchThrough); err != nil {
				return through, err
			}
			through = batchThrough
			batch = batch[:0]
		}
	}

	if batchThrough > through {
		if err := e.send(ctx, sess, cursor, batch, batchThrough); err != nil {
			return through, err
		}
		through = batchThrough
	}
	return through, nil
}

// resend pushes the full current snapshot, tombstones included, and moves
// the checkpoint to the snapshot's head.
func (e *Engine) resend(ctx context.Context, sess Session, cursor *feed.Cursor) (int64, error) {
	head := e.feed.Head()

	var batch []store.RemoteChange
	for d, err := range e.store.ListAll(ctx) {
		if err != nil {
			return 0, fmt.Errorf("full resend: %w", err)
		}
		ch, err := e.store.LoadRemoteChange(ctx, d.ID, d.Rev)
		if err != nil {
			return 0, fmt.Errorf("full resend: %w", err)
		}
		batch = append(batch, ch)
		if len(batch) >= e.batchSize {
			if err := e.transmit(ctx, sess, batch); err != nil {
				return 0, err
			}
			batch = batch[:0]
		}
	}
	if err := e.send(ctx, sess, cursor, batch, head); err != nil {
		return 0, err
	}
	e.logger.Info("full resend complete", "through", head)
	return head, nil
}

// send transmits batch (if any) and, once acknowledged, advances the
// checkpoint and the feed cursor to through.
func (e *Engine) send(ctx context.Context, sess Session, cursor *feed.Cursor, batch []store.RemoteChange, through int64) error {
	if len(batch) > 0 {
		if err := e.transmit(ctx, sess, batch); err != nil {
			return err
		}
	}

	// The remote has the batch: record it even if ctx is cancelled now,
	// otherwise a restart would send it again.
	if err := e.store.SavePushed(context.WithoutCancel(ctx), e.endpoint, through); err != nil {
		return err
	}
	cursor.Ack(ctx, through)
	return nil
}

func (e *Engine) transmit(ctx context.Context, sess Session, batch []store.RemoteChange) error {
	res, err := sess.Push(ctx, batch)
	if err != nil {
		return err
	}
	e.metrics.Pushed(e.endpoint, len(batch))
	e.logger.Debug("pushed changes", "count", len(batch))

	for _, r := range res.Rejected {
		cerr := doc.ConflictError(r.ID, r.Winner, r.Rev)
		e.logger.Warn("pushed revision lost on remote",
			"id", r.ID,
			"rev", r.Rev.String(),
			"winner", r.Winner.String(),
		)
		e.metrics.Conflict(e.endpoint)
		e.emit(Status{Endpoint: e.endpoint, State: StateStreaming, Err: cerr})
	}
	return nil
}
