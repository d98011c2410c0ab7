package store

import (
	"fmt"
	"strings"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/revision"
)

// marshalFields converts document fields to canonical JSON TEXT for storage.
func marshalFields(fields doc.Fields) (string, error) {
	if fields == nil {
		fields = doc.Fields{}
	}
	data, err := doc.MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields parses stored JSON TEXT back into fields.
func unmarshalFields(data string) (doc.Fields, error) {
	if data == "" {
		return doc.Fields{}, nil
	}
	f, err := doc.DecodeFields([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return f, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDocument reads (id, rev, body, deleted) into a Document.
func scanDocument(row rowScanner) (doc.Document, error) {
	var (
		d       doc.Document
		rev     string
		body    string
		deleted bool
	)
	if err := row.Scan(&d.ID, &rev, &body, &deleted); err != nil {
		return doc.Document{}, err
	}
	return buildDocument(d.ID, rev, body, deleted)
}

func buildDocument(id, rev, body string, deleted bool) (doc.Document, error) {
	r, err := revision.Parse(rev)
	if err != nil {
		return doc.Document{}, fmt.Errorf("document %s: %w", id, err)
	}
	fields, err := unmarshalFields(body)
	if err != nil {
		return doc.Document{}, fmt.Errorf("document %s: %w", id, err)
	}
	return doc.Document{ID: id, Rev: r, Fields: fields, Deleted: deleted}, nil
}

// scanChange reads (seq, doc_id, rev, parent_rev, op, origin, source).
func scanChange(row rowScanner) (doc.ChangeEntry, error) {
	var (
		e              doc.ChangeEntry
		rev, parentRev string
		op, origin     string
	)
	if err := row.Scan(&e.Seq, &e.DocID, &rev, &parentRev, &op, &origin, &e.Source); err != nil {
		return doc.ChangeEntry{}, err
	}
	var err error
	if e.Rev, err = revision.Parse(rev); err != nil {
		return doc.ChangeEntry{}, fmt.Errorf("change %d: %w", e.Seq, err)
	}
	if e.ParentRev, err = revision.Parse(parentRev); err != nil {
		return doc.ChangeEntry{}, fmt.Errorf("change %d: %w", e.Seq, err)
	}
	e.Op = doc.Operation(op)
	e.Origin = doc.Origin(origin)
	return e, nil
}

// formatHistory encodes an ancestry list for the revisions.history column.
func formatHistory(history []revision.Revision) string {
	parts := make([]string, len(history))
	for i, r := range history {
		parts[i] = r.String()
	}
	return strings.Join(parts, " ")
}

// parseHistory decodes a revisions.history column.
func parseHistory(data string) ([]revision.Revision, error) {
	fields := strings.Fields(data)
	history := make([]revision.Revision, 0, len(fields))
	for _, f := range fields {
		r, err := revision.Parse(f)
		if err != nil {
			return nil, fmt.Errorf("parse history: %w", err)
		}
		history = append(history, r)
	}
	return history, nil
}
