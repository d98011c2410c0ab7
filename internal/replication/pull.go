package replication

import (
	"context"
	"fmt"

	"github.com/roach88/docsync/internal/revision"
)

// pull applies remote batches until ctx is cancelled or the session fails.
func (e *Engine) pull(ctx context.Context, sess Session) error {
	for {
		batch, err := sess.Pull(ctx)
		if err != nil {
			return err
		}

		applied := 0
		for _, ch := range batch.Changes {
			res, err := e.store.ApplyRemote(ctx, e.endpoint, ch, e.policy)
			if err != nil {
				return fmt.Errorf("pull: %w", err)
			}
			if res.Entry != nil {
				applied++
				e.metrics.Wrote(string(res.Entry.Op), string(res.Entry.Origin))
				e.feed.Publish(ctx, *res.Entry)
			}
			if res.Conflict != nil {
				e.metrics.Conflict(e.endpoint)
				e.logger.Warn("divergent revision recorded",
					"id", ch.ID,
					"winner", res.Conflict.WinnerRev.String(),
					"loser", res.Conflict.LoserRev.String(),
					"outcome", res.Outcome.String(),
					"resolved", res.Conflict.Resolved,
				)
				if !res.Conflict.Resolved {
					e.emit(Status{Endpoint: e.endpoint, State: StateStreaming, Conflict: res.Conflict})
				}
			}
			if res.Outcome == revision.OutcomeSkip {
				e.logger.Debug("remote revision already known", "id", ch.ID, "rev", ch.Rev.String())
			}
		}

		// Every change in the batch is committed; only now move the token.
		if batch.Token != "" {
			if err := e.store.SavePulled(context.WithoutCancel(ctx), e.endpoint, batch.Token); err != nil {
				return err
			}
			if c, ok := sess.(Committer); ok {
				if err := c.Committed(ctx, batch.Token); err != nil {
					return err
				}
			}
		}
		e.metrics.Pulled(e.endpoint, applied)
		e.logger.Debug("pulled changes", "received", len(batch.Changes), "applied", applied, "token", batch.Token)
	}
}
