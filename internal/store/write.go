package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/revision"
)

// RemoteChange is a revision received from a replication peer.
type RemoteChange struct {
	ID        string            `json:"id"`
	Rev       revision.Revision `json:"rev"`
	ParentRev revision.Revision `json:"parent_rev,omitempty"`
	Fields    doc.Fields        `json:"fields"`
	Deleted   bool              `json:"deleted,omitempty"`

	// History lists the revisions Rev descends from, nearest first. A peer
	// that missed intermediate revisions uses it to recognise a descendant.
	// When empty, ParentRev is the only known ancestor.
	History []revision.Revision `json:"history,omitempty"`
}

// ancestors returns the known ancestry of ch, nearest first.
func (ch RemoteChange) ancestors() []revision.Revision {
	if len(ch.History) > 0 {
		return ch.History
	}
	if ch.ParentRev.IsZero() {
		return nil
	}
	return []revision.Revision{ch.ParentRev}
}

// ApplyResult describes what ApplyRemote did.
type ApplyResult struct {
	Outcome revision.Outcome

	// Entry is the appended change entry when the current revision moved
	// (fast-forward or remote win); nil otherwise.
	Entry *doc.ChangeEntry

	// Conflict is the recorded conflict when the revisions diverged.
	Conflict *doc.Conflict
}

// current is the stored state of one document.
type current struct {
	rev     revision.Revision
	deleted bool
	exists  bool
}

// Put writes a new revision of a document.
//
// expected nil means an unconditional write. Otherwise expected must equal
// the current revision (zero for a document that does not exist yet) or the
// write fails with a CONFLICT error. Writing to a tombstoned document
// recreates it.
func (s *Store) Put(ctx context.Context, id string, fields doc.Fields, expected *revision.Revision) (doc.ChangeEntry, error) {
	if id == "" {
		return doc.ChangeEntry{}, fmt.Errorf("put: document id is required")
	}
	body, err := marshalFields(fields)
	if err != nil {
		return doc.ChangeEntry{}, fmt.Errorf("put %s: %w", id, err)
	}

	var entry doc.ChangeEntry
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := lookupCurrent(ctx, tx, id)
		if err != nil {
			return err
		}
		if m := revision.CheckLocal(cur.rev, expected); m != nil {
			return doc.ConflictError(id, m.Current, m.Expected)
		}

		rev, err := doc.NextRevision(cur.rev, fields, false)
		if err != nil {
			return err
		}
		op := doc.OpUpdate
		if !cur.exists || cur.deleted {
			op = doc.OpCreate
		}
		entry = doc.ChangeEntry{
			DocID:     id,
			Rev:       rev,
			ParentRev: cur.rev,
			Op:        op,
			Origin:    doc.OriginLocal,
		}
		return writeCurrent(ctx, tx, &entry, body, false)
	})
	if err != nil {
		return doc.ChangeEntry{}, fmt.Errorf("put %s: %w", id, err)
	}
	return entry, nil
}

// Delete writes a tombstone revision.
//
// The document must exist and not already be deleted (NOT_FOUND otherwise),
// and expected must equal its current revision (CONFLICT otherwise).
func (s *Store) Delete(ctx context.Context, id string, expected revision.Revision) (doc.ChangeEntry, error) {
	var entry doc.ChangeEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := lookupCurrent(ctx, tx, id)
		if err != nil {
			return err
		}
		if !cur.exists || cur.deleted {
			return doc.NotFound(id)
		}
		if m := revision.CheckLocal(cur.rev, &expected); m != nil {
			return doc.ConflictError(id, m.Current, m.Expected)
		}

		rev, err := doc.NextRevision(cur.rev, doc.Fields{}, true)
		if err != nil {
			return err
		}
		entry = doc.ChangeEntry{
			DocID:     id,
			Rev:       rev,
			ParentRev: cur.rev,
			Op:        doc.OpDelete,
			Origin:    doc.OriginLocal,
		}
		return writeCurrent(ctx, tx, &entry, "{}", true)
	})
	if err != nil {
		return doc.ChangeEntry{}, fmt.Errorf("delete %s: %w", id, err)
	}
	return entry, nil
}

// ApplyRemote applies a revision received from source.
//
// Revisions already present in the document's history are skipped, so
// re-delivery is harmless. A revision whose ancestry contains the current
// one fast-forwards, even when intermediate revisions never arrived.
// Anything else diverged: the winner (see revision.DecideRemote) becomes
// current and the loser is kept as a conflict. Under PolicyLastWriterWins the
// conflict is recorded already resolved.
func (s *Store) ApplyRemote(ctx context.Context, source string, ch RemoteChange, policy revision.Policy) (ApplyResult, error) {
	if ch.ID == "" || ch.Rev.IsZero() {
		return ApplyResult{}, fmt.Errorf("apply remote: id and revision are required")
	}
	body := "{}"
	if !ch.Deleted {
		var err error
		if body, err = marshalFields(ch.Fields); err != nil {
			return ApplyResult{}, fmt.Errorf("apply remote %s: %w", ch.ID, err)
		}
	}

	var res ApplyResult
	err := s.withTx(ctx, func(tx *sql.Tx) (err error) {
		cur, err := lookupCurrent(ctx, tx, ch.ID)
		if err != nil {
			return err
		}
		known, err := revisionExists(ctx, tx, ch.ID, ch.Rev)
		if err != nil {
			return err
		}

		res.Outcome = revision.DecideRemote(cur.rev, known, ch.Rev, ch.ancestors())
		resolved := policy == revision.PolicyLastWriterWins
		if res.Outcome != revision.OutcomeSkip {
			defer func() {
				if err == nil {
					err = saveHistory(ctx, tx, ch)
				}
			}()
		}

		switch res.Outcome {
		case revision.OutcomeSkip:
			return nil

		case revision.OutcomeFastForward, revision.OutcomeRemoteWins:
			entry := doc.ChangeEntry{
				DocID:     ch.ID,
				Rev:       ch.Rev,
				ParentRev: ch.ParentRev,
				Op:        remoteOp(cur, ch.Deleted),
				Origin:    doc.OriginRemote,
				Source:    source,
			}
			if err := writeCurrent(ctx, tx, &entry, body, ch.Deleted); err != nil {
				return err
			}
			res.Entry = &entry
			if res.Outcome == revision.OutcomeFastForward {
				return nil
			}
			c := doc.Conflict{
				DocID:     ch.ID,
				WinnerRev: ch.Rev,
				LoserRev:  cur.rev,
				Origin:    doc.OriginLocal,
				Resolved:  resolved,
			}
			if err := insertConflict(ctx, tx, c); err != nil {
				return err
			}
			loser, err := loadRevision(ctx, tx, ch.ID, cur.rev)
			if err != nil {
				return err
			}
			c.Loser = loser
			res.Conflict = &c

		case revision.OutcomeLocalWins:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO revisions (doc_id, rev, parent_rev, body, deleted, seq)
				VALUES (?, ?, ?, ?, ?, 0)
			`, ch.ID, ch.Rev.String(), ch.ParentRev.String(), body, ch.Deleted); err != nil {
				return fmt.Errorf("insert losing revision: %w", err)
			}
			c := doc.Conflict{
				DocID:     ch.ID,
				WinnerRev: cur.rev,
				LoserRev:  ch.Rev,
				Origin:    doc.OriginRemote,
				Resolved:  resolved,
			}
			if err := insertConflict(ctx, tx, c); err != nil {
				return err
			}
			loser, err := buildDocument(ch.ID, ch.Rev.String(), body, ch.Deleted)
			if err != nil {
				return err
			}
			c.Loser = loser
			res.Conflict = &c
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("apply remote %s: %w", ch.ID, err)
	}
	return res, nil
}

func remoteOp(cur current, deleted bool) doc.Operation {
	switch {
	case deleted:
		return doc.OpDelete
	case !cur.exists || cur.deleted:
		return doc.OpCreate
	default:
		return doc.OpUpdate
	}
}

// lookupCurrent reads the current revision of id inside tx.
func lookupCurrent(ctx context.Context, tx *sql.Tx, id string) (current, error) {
	var (
		rev     string
		deleted bool
	)
	err := tx.QueryRowContext(ctx, `SELECT rev, deleted FROM documents WHERE id = ?`, id).Scan(&rev, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return current{}, nil
	}
	if err != nil {
		return current{}, fmt.Errorf("lookup current: %w", err)
	}
	r, err := revision.Parse(rev)
	if err != nil {
		return current{}, fmt.Errorf("lookup current: %w", err)
	}
	return current{rev: r, deleted: deleted, exists: true}, nil
}

func revisionExists(ctx context.Context, tx *sql.Tx, id string, rev revision.Revision) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM revisions WHERE doc_id = ? AND rev = ?
	`, id, rev.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup revision: %w", err)
	}
	return n > 0, nil
}

// writeCurrent appends the change entry, records the revision and makes it
// the document's current revision. entry.Seq is filled in.
func writeCurrent(ctx context.Context, tx *sql.Tx, entry *doc.ChangeEntry, body string, deleted bool) error {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO changes (doc_id, rev, parent_rev, op, origin, source)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.DocID,
		entry.Rev.String(),
		entry.ParentRev.String(),
		string(entry.Op),
		string(entry.Origin),
		entry.Source,
	)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	entry.Seq = seq

	// A revision first stored as a loser can later win; it then gets a seq.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO revisions (doc_id, rev, parent_rev, body, deleted, seq)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id, rev) DO UPDATE SET seq = excluded.seq
	`, entry.DocID, entry.Rev.String(), entry.ParentRev.String(), body, deleted, seq)
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, rev, body, deleted, seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rev = excluded.rev,
			body = excluded.body,
			deleted = excluded.deleted,
			seq = excluded.seq
	`, entry.DocID, entry.Rev.String(), body, deleted, seq)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// saveHistory stores the ancestry a remote revision arrived with.
func saveHistory(ctx context.Context, tx *sql.Tx, ch RemoteChange) error {
	if len(ch.History) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE revisions SET history = ? WHERE doc_id = ? AND rev = ?
	`, formatHistory(ch.History), ch.ID, ch.Rev.String())
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// insertConflict records a losing revision. A loser is recorded once;
// re-delivery keeps the existing row.
func insertConflict(ctx context.Context, tx *sql.Tx, c doc.Conflict) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conflicts (doc_id, winner_rev, loser_rev, origin, resolved)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(doc_id, loser_rev) DO NOTHING
	`, c.DocID, c.WinnerRev.String(), c.LoserRev.String(), string(c.Origin), c.Resolved)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}
