package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/revision"
)

// maxHistory bounds the ancestry sent with a revision.
const maxHistory = 1000

// listPageSize is the number of documents fetched per query while iterating
// a listing.
const listPageSize = 100

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get returns the current revision of a live document.
// Tombstoned documents report NOT_FOUND.
func (s *Store) Get(ctx context.Context, id string) (doc.Document, error) {
	d, err := s.Lookup(ctx, id)
	if err != nil {
		return doc.Document{}, err
	}
	if d.Deleted {
		return doc.Document{}, doc.NotFound(id)
	}
	return d, nil
}

// Lookup returns the current revision of a document, tombstones included.
func (s *Store) Lookup(ctx context.Context, id string) (doc.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, rev, body, deleted FROM documents WHERE id = ?
	`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return doc.Document{}, doc.NotFound(id)
	}
	if err != nil {
		return doc.Document{}, fmt.Errorf("get %s: %w", id, err)
	}
	return d, nil
}

// Revision returns any revision a document has had, including tombstones and
// losing remote revisions.
func (s *Store) Revision(ctx context.Context, id string, rev revision.Revision) (doc.Document, error) {
	d, err := loadRevision(ctx, s.db, id, rev)
	if err != nil {
		return doc.Document{}, fmt.Errorf("get revision: %w", err)
	}
	return d, nil
}

func loadRevision(ctx context.Context, q querier, id string, rev revision.Revision) (doc.Document, error) {
	row := q.QueryRowContext(ctx, `
		SELECT doc_id, rev, body, deleted FROM revisions WHERE doc_id = ? AND rev = ?
	`, id, rev.String())
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return doc.Document{}, &doc.Error{
			Code:    doc.ErrCodeNotFound,
			Message: fmt.Sprintf("revision %s not found", rev),
			DocID:   id,
		}
	}
	return d, err
}

// List returns the live documents ordered by id.
//
// The listing is a snapshot of the store at the moment List is called: later
// writes are not reflected, however long iteration takes. Documents are
// fetched lazily one page at a time, and the returned sequence can be ranged
// over any number of times with the same result.
func (s *Store) List(ctx context.Context) iter.Seq2[doc.Document, error] {
	return s.snapshot(ctx, false)
}

// ListAll is List including tombstones.
func (s *Store) ListAll(ctx context.Context) iter.Seq2[doc.Document, error] {
	return s.snapshot(ctx, true)
}

func (s *Store) snapshot(ctx context.Context, includeDeleted bool) iter.Seq2[doc.Document, error] {
	head, headErr := s.HeadSeq(ctx)

	return func(yield func(doc.Document, error) bool) {
		if headErr != nil {
			yield(doc.Document{}, fmt.Errorf("list: %w", headErr))
			return
		}
		after := ""
		for {
			page, err := s.listPage(ctx, head, after)
			if err != nil {
				yield(doc.Document{}, fmt.Errorf("list: %w", err))
				return
			}
			for _, d := range page {
				if d.Deleted && !includeDeleted {
					continue
				}
				if !yield(d, nil) {
					return
				}
			}
			if len(page) < listPageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// listPage returns up to listPageSize documents with id > after, each at the
// revision that was current when the feed head was at seq head.
func (s *Store) listPage(ctx context.Context, head int64, after string) ([]doc.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.doc_id, r.rev, r.body, r.deleted
		FROM revisions r
		WHERE r.doc_id > ? COLLATE BINARY
		  AND r.seq > 0
		  AND r.seq = (
			SELECT MAX(r2.seq) FROM revisions r2
			WHERE r2.doc_id = r.doc_id AND r2.seq <= ?
		  )
		ORDER BY r.doc_id COLLATE BINARY ASC
		LIMIT ?
	`, after, head, listPageSize)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var page []doc.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return page, nil
}

// ReadChanges returns up to limit retained change entries with seq >= from,
// ordered by seq. limit <= 0 means no limit.
func (s *Store) ReadChanges(ctx context.Context, from int64, limit int) ([]doc.ChangeEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, doc_id, rev, parent_rev, op, origin, source
		FROM changes
		WHERE seq >= ?
		ORDER BY seq ASC
		LIMIT ?
	`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	entries := []doc.ChangeEntry{}
	for rows.Next() {
		e, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return entries, nil
}

// HeadSeq returns the highest seq ever assigned, 0 for an empty store.
// Pruning does not lower it.
func (s *Store) HeadSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT seq FROM sqlite_sequence WHERE name = 'changes'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("head seq: %w", err)
	}
	return seq, nil
}

// PrunedThrough returns the highest seq removed from the change segment.
func (s *Store) PrunedThrough(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT pruned_through FROM feed_state WHERE id = 1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("pruned through: %w", err)
	}
	return seq, nil
}

// PruneChanges deletes change entries with seq <= through and raises the
// pruned watermark. Documents and revisions are untouched. Returns the number
// of entries removed.
func (s *Store) PruneChanges(ctx context.Context, through int64) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM changes WHERE seq <= ?`, through)
		if err != nil {
			return fmt.Errorf("delete changes: %w", err)
		}
		if removed, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE feed_state SET pruned_through = MAX(pruned_through, ?) WHERE id = 1
		`, through)
		if err != nil {
			return fmt.Errorf("update watermark: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune changes: %w", err)
	}
	return removed, nil
}

// LoadRemoteChange returns revision rev of id in the form a replication
// peer consumes: body, parent and tombstone flag.
func (s *Store) LoadRemoteChange(ctx context.Context, id string, rev revision.Revision) (RemoteChange, error) {
	var (
		parent  string
		body    string
		deleted bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT parent_rev, body, deleted FROM revisions WHERE doc_id = ? AND rev = ?
	`, id, rev.String()).Scan(&parent, &body, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return RemoteChange{}, &doc.Error{
			Code:    doc.ErrCodeNotFound,
			Message: fmt.Sprintf("revision %s not found", rev),
			DocID:   id,
		}
	}
	if err != nil {
		return RemoteChange{}, fmt.Errorf("load change %s: %w", id, err)
	}

	ch := RemoteChange{ID: id, Rev: rev, Deleted: deleted}
	if ch.ParentRev, err = revision.Parse(parent); err != nil {
		return RemoteChange{}, fmt.Errorf("load change %s: %w", id, err)
	}
	if ch.Fields, err = unmarshalFields(body); err != nil {
		return RemoteChange{}, fmt.Errorf("load change %s: %w", id, err)
	}
	if ch.History, err = loadHistory(ctx, s.db, id, rev); err != nil {
		return RemoteChange{}, fmt.Errorf("load change %s: %w", id, err)
	}
	return ch, nil
}

// loadHistory walks the parent chain of rev, nearest ancestor first. A
// revision that arrived from a peer with its ancestry ends the walk with that
// ancestry, since its own parents may never have been stored here.
func loadHistory(ctx context.Context, q querier, id string, rev revision.Revision) ([]revision.Revision, error) {
	var history []revision.Revision
	next := rev
	for len(history) < maxHistory {
		var parent, stored string
		err := q.QueryRowContext(ctx, `
			SELECT parent_rev, history FROM revisions WHERE doc_id = ? AND rev = ?
		`, id, next.String()).Scan(&parent, &stored)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		if stored != "" {
			rest, err := parseHistory(stored)
			if err != nil {
				return nil, err
			}
			history = append(history, rest...)
			break
		}
		p, err := revision.Parse(parent)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		if p.IsZero() {
			break
		}
		history = append(history, p)
		next = p
	}
	if len(history) > maxHistory {
		history = history[:maxHistory]
	}
	return history, nil
}
