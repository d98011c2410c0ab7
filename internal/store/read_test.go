package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/revision"
)

func TestList_OrderedAndSkipsTombstones(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustPut(t, s, "b", doc.Fields{"n": 2})
	a := mustPut(t, s, "a", doc.Fields{"n": 1})
	mustPut(t, s, "c", doc.Fields{"n": 3})
	_, err := s.Delete(ctx, "a", a.Rev)
	require.NoError(t, err)

	ids := func(docs []doc.Document) []string {
		out := make([]string, len(docs))
		for i, d := range docs {
			out[i] = d.ID
		}
		return out
	}

	assert.Equal(t, []string{"b", "c"}, ids(collect(t, s.List(ctx))))

	all := collect(t, s.ListAll(ctx))
	assert.Equal(t, []string{"a", "b", "c"}, ids(all))
	assert.True(t, all[0].Deleted)
}

func TestList_SnapshotAtCallTime(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	x := mustPut(t, s, "x", doc.Fields{"v": "old"})
	mustPut(t, s, "y", doc.Fields{"v": "old"})

	seq := s.List(ctx)

	// Mutations after List was called are invisible to it.
	_, err := s.Put(ctx, "x", doc.Fields{"v": "new"}, &x.Rev)
	require.NoError(t, err)
	mustPut(t, s, "z", doc.Fields{"v": "new"})
	y, err := s.Get(ctx, "y")
	require.NoError(t, err)
	_, err = s.Delete(ctx, "y", y.Rev)
	require.NoError(t, err)

	for range 2 { // restartable
		got := collect(t, seq)
		require.Len(t, got, 2)
		assert.Equal(t, "x", got[0].ID)
		assert.Equal(t, "old", got[0].Fields["v"])
		assert.Equal(t, x.Rev, got[0].Rev)
		assert.Equal(t, "y", got[1].ID)
	}

	fresh := collect(t, s.List(ctx))
	require.Len(t, fresh, 2)
	assert.Equal(t, "new", fresh[0].Fields["v"])
	assert.Equal(t, "z", fresh[1].ID)
}

func TestList_Pages(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	n := listPageSize*2 + 7
	for i := 0; i < n; i++ {
		mustPut(t, s, fmt.Sprintf("doc-%04d", i), doc.Fields{"i": i})
	}

	got := collect(t, s.List(ctx))
	require.Len(t, got, n)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].ID, got[i].ID)
	}

	// Early break stops iteration.
	count := 0
	for _, err := range s.List(ctx) {
		require.NoError(t, err)
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

func TestList_IgnoresLosingRevisions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	base := mustPut(t, s, "x", doc.Fields{"v": "base"})
	l2, err := s.Put(ctx, "x", doc.Fields{"v": "l2"}, &base.Rev)
	require.NoError(t, err)
	_, err = s.Put(ctx, "x", doc.Fields{"v": "l3"}, &l2.Rev)
	require.NoError(t, err)

	// A losing remote revision never becomes visible.
	r := remoteChild(t, "x", base.Rev, doc.Fields{"v": "remote"}, false)
	_, err = s.ApplyRemote(ctx, "ws://peer", r, revision.PolicyManual)
	require.NoError(t, err)

	got := collect(t, s.List(ctx))
	require.Len(t, got, 1)
	assert.Equal(t, "l3", got[0].Fields["v"])
}

func TestRevision_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Revision(context.Background(), "x", revision.MustParse("1-abc"))
	assert.True(t, doc.IsNotFound(err))
}

func TestReadChanges_FromAndLimit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustPut(t, s, fmt.Sprintf("d%d", i), doc.Fields{})
	}

	got, err := s.ReadChanges(ctx, 3, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].Seq)
	assert.Equal(t, int64(4), got[1].Seq)

	got, err = s.ReadChanges(ctx, 6, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestPruneChanges_KeepsHeadAndDocuments(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		mustPut(t, s, fmt.Sprintf("d%d", i), doc.Fields{})
	}

	removed, err := s.PruneChanges(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)

	head, err := s.HeadSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), head)

	pruned, err := s.PrunedThrough(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pruned)

	// Sequence numbers are never reused after pruning the tail.
	e := mustPut(t, s, "d9", doc.Fields{})
	assert.Equal(t, int64(5), e.Seq)

	// The watermark never moves backwards.
	_, err = s.PruneChanges(ctx, 2)
	require.NoError(t, err)
	pruned, err = s.PrunedThrough(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pruned)

	assert.Len(t, collect(t, s.List(ctx)), 5)
}

func TestHeadSeq_Empty(t *testing.T) {
	s := createTestStore(t)
	head, err := s.HeadSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, head)
}

func TestLoadRemoteChange(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e1 := mustPut(t, s, "x", doc.Fields{"v": 1})
	e2, err := s.Put(ctx, "x", doc.Fields{"v": 2}, &e1.Rev)
	require.NoError(t, err)

	ch, err := s.LoadRemoteChange(ctx, "x", e2.Rev)
	require.NoError(t, err)
	assert.Equal(t, "x", ch.ID)
	assert.Equal(t, e1.Rev, ch.ParentRev)
	assert.Equal(t, []revision.Revision{e1.Rev}, ch.History)
	assert.Equal(t, float64(2), ch.Fields["v"])
	assert.False(t, ch.Deleted)

	_, err = s.LoadRemoteChange(ctx, "x", revision.MustParse("9-zz"))
	assert.True(t, doc.IsNotFound(err))
}
