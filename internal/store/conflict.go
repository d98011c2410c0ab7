package store

import (
	"context"
	"fmt"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/revision"
)

// Conflicts returns the conflicts recorded for a document, oldest first.
// An empty id returns conflicts for every document. Resolved conflicts are
// included only when includeResolved is set.
func (s *Store) Conflicts(ctx context.Context, id string, includeResolved bool) ([]doc.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.doc_id, c.winner_rev, c.loser_rev, c.origin, c.resolved, r.body, r.deleted
		FROM conflicts c
		JOIN revisions r ON r.doc_id = c.doc_id AND r.rev = c.loser_rev
		WHERE (? = '' OR c.doc_id = ?)
		  AND (? OR c.resolved = 0)
		ORDER BY c.id ASC
	`, id, id, includeResolved)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := []doc.Conflict{}
	for rows.Next() {
		var (
			c                   doc.Conflict
			winner, loser, orig string
			body                string
			deleted             bool
		)
		if err := rows.Scan(&c.DocID, &winner, &loser, &orig, &c.Resolved, &body, &deleted); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		if c.WinnerRev, err = revision.Parse(winner); err != nil {
			return nil, fmt.Errorf("conflict %s: %w", c.DocID, err)
		}
		if c.Loser, err = buildDocument(c.DocID, loser, body, deleted); err != nil {
			return nil, err
		}
		c.LoserRev = c.Loser.Rev
		c.Origin = doc.Origin(orig)
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return conflicts, nil
}

// ResolveConflict marks the open conflict for loserRev resolved. The losing
// revision stays in the history. Returns NOT_FOUND when there is no such open
// conflict.
func (s *Store) ResolveConflict(ctx context.Context, id string, loserRev revision.Revision) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts SET resolved = 1
		WHERE doc_id = ? AND loser_rev = ? AND resolved = 0
	`, id, loserRev.String())
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if n == 0 {
		return &doc.Error{
			Code:    doc.ErrCodeNotFound,
			Message: fmt.Sprintf("no open conflict for revision %s", loserRev),
			DocID:   id,
		}
	}
	return nil
}
