package feed

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/store"
)

func newTestFeed(t *testing.T, opts ...Option) (*store.Store, *Feed) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f, err := New(context.Background(), s, opts...)
	require.NoError(t, err)
	return s, f
}

// write puts n documents and publishes each change entry.
func write(t *testing.T, s *store.Store, f *Feed, n int) []doc.ChangeEntry {
	t.Helper()
	ctx := context.Background()
	var out []doc.ChangeEntry
	for i := 0; i < n; i++ {
		e, err := s.Put(ctx, fmt.Sprintf("d%d", f.Head()+1), doc.Fields{"i": i}, nil)
		require.NoError(t, err)
		f.Publish(ctx, e)
		out = append(out, e)
	}
	return out
}

func readAll(t *testing.T, f *Feed, from int64) ([]int64, error) {
	t.Helper()
	var seqs []int64
	for e, err := range f.ReadFrom(context.Background(), from) {
		if err != nil {
			return seqs, err
		}
		seqs = append(seqs, e.Seq)
	}
	return seqs, nil
}

func TestReadFrom_OrderedAndRestartable(t *testing.T) {
	s, f := newTestFeed(t, WithPageSize(2))
	write(t, s, f, 5)

	seq := f.ReadFrom(context.Background(), 2)
	for range 2 {
		var got []int64
		for e, err := range seq {
			require.NoError(t, err)
			got = append(got, e.Seq)
		}
		assert.Equal(t, []int64{2, 3, 4, 5}, got)
	}
}

func TestReadFrom_StopsAtHeadAtCallTime(t *testing.T) {
	s, f := newTestFeed(t)
	write(t, s, f, 3)

	seq := f.ReadFrom(context.Background(), 1)
	write(t, s, f, 2)

	var got []int64
	for e, err := range seq {
		require.NoError(t, err)
		got = append(got, e.Seq)
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestReadFrom_PastHeadIsEmpty(t *testing.T) {
	s, f := newTestFeed(t)
	write(t, s, f, 2)

	got, err := readAll(t, f, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNew_ResumesHeadFromStore(t *testing.T) {
	s, f := newTestFeed(t)
	write(t, s, f, 4)

	reopened, err := New(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, int64(4), reopened.Head())
}

func TestWait_ClosedOnPublish(t *testing.T) {
	s, f := newTestFeed(t)

	wait := f.Wait()
	select {
	case <-wait:
		t.Fatal("wait channel closed before publish")
	default:
	}

	write(t, s, f, 1)

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("wait channel not closed by publish")
	}

	// A fresh channel is handed out afterwards.
	select {
	case <-f.Wait():
		t.Fatal("new wait channel already closed")
	default:
	}
}

func TestClose_WakesWaitersAndIgnoresPublish(t *testing.T) {
	s, f := newTestFeed(t)
	wait := f.Wait()
	f.Close()
	f.Close()

	<-wait
	assert.True(t, f.Closed())

	e, err := s.Put(context.Background(), "late", doc.Fields{}, nil)
	require.NoError(t, err)
	f.Publish(context.Background(), e)
	assert.Equal(t, int64(0), f.Head())
}

func TestRetention_HeldBySlowestCursor(t *testing.T) {
	s, f := newTestFeed(t)
	ctx := context.Background()

	fast := f.Register("fast", 1)
	slow := f.Register("slow", 1)
	write(t, s, f, 5)

	fast.Ack(ctx, 5)
	assert.Equal(t, int64(0), f.PrunedThrough())

	slow.Ack(ctx, 3)
	assert.Equal(t, int64(3), f.PrunedThrough())
	assert.Equal(t, int64(4), slow.Next())

	got, err := readAll(t, f, 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, got)

	// Closing the slow cursor releases what the fast one acknowledged.
	slow.Close()
	fast.Ack(ctx, 5) // no-op: not an advance
	write(t, s, f, 1)
	assert.Equal(t, int64(5), f.PrunedThrough())
}

func TestRetention_AckNeverMovesBackwards(t *testing.T) {
	s, f := newTestFeed(t)
	ctx := context.Background()

	c := f.Register("c", 1)
	write(t, s, f, 3)
	c.Ack(ctx, 3)
	c.Ack(ctx, 1)
	assert.Equal(t, int64(4), c.Next())
}

func TestRetention_CapTruncatesLaggingConsumer(t *testing.T) {
	s, f := newTestFeed(t, WithRetentionCap(3))

	lagging := f.Register("lagging", 1)
	write(t, s, f, 6)

	assert.Equal(t, int64(3), f.PrunedThrough())

	_, err := readAll(t, f, lagging.Next())
	require.Error(t, err)
	assert.True(t, doc.IsFeedTruncated(err))

	got, err := readAll(t, f, 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5, 6}, got)
}

func TestRetention_NoCursorsNoCapKeepsEverything(t *testing.T) {
	s, f := newTestFeed(t)
	write(t, s, f, 4)

	got, err := readAll(t, f, 1)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Zero(t, f.PrunedThrough())
}

func TestRegister_RepositionsExistingCursor(t *testing.T) {
	_, f := newTestFeed(t)

	a := f.Register("sync:ws://x", 10)
	b := f.Register("sync:ws://x", 4)
	assert.Same(t, a, b)
	assert.Equal(t, int64(4), a.Next())
	assert.Equal(t, map[string]int64{"sync:ws://x": 3}, f.Cursors())

	a.Close()
	assert.Empty(t, f.Cursors())
}
