package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/revision"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// mustPut writes fields unconditionally and returns the change entry.
func mustPut(t *testing.T, s *Store, id string, fields doc.Fields) doc.ChangeEntry {
	t.Helper()
	e, err := s.Put(context.Background(), id, fields, nil)
	require.NoError(t, err)
	return e
}

// remoteChild builds a remote revision descending from parent.
func remoteChild(t *testing.T, id string, parent revision.Revision, fields doc.Fields, deleted bool) RemoteChange {
	t.Helper()
	rev, err := doc.NextRevision(parent, fields, deleted)
	require.NoError(t, err)
	return RemoteChange{ID: id, Rev: rev, ParentRev: parent, Fields: fields, Deleted: deleted}
}

// collect drains a document sequence.
func collect(t *testing.T, seq func(func(doc.Document, error) bool)) []doc.Document {
	t.Helper()
	var out []doc.Document
	for d, err := range seq {
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}
