package docstore

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/config"
	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/replication"
	"github.com/roach88/docsync/internal/revision"
	"github.com/roach88/docsync/internal/testutil"
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

func openTestDB(t *testing.T, mutate func(*config.Config), opts ...Option) *DB {
	t.Helper()
	cfg := config.Config{Database: filepath.Join(t.TempDir(), "test.db")}
	if mutate != nil {
		mutate(&cfg)
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	db, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// recorder collects change events.
type recorder struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (r *recorder) add(ev ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.ID)
	}
	return out
}

func TestLifecycleScenario(t *testing.T) {
	db := openTestDB(t, nil, WithIDGenerator(testutil.NewSequentialIDs("x").NewID))
	ctx := context.Background()

	id, rev1, err := db.Save(ctx, doc.Fields{"firstname": "A"}, "", revision.Revision{})
	require.NoError(t, err)
	assert.Equal(t, "x-1", id)
	assert.Equal(t, int64(1), rev1.Gen)

	_, rev2, err := db.Save(ctx, doc.Fields{"firstname": "B"}, id, rev1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev2.Gen)
	assert.NotEqual(t, rev1, rev2)

	_, _, err = db.Save(ctx, doc.Fields{"firstname": "C"}, id, rev1)
	require.Error(t, err)
	assert.True(t, doc.IsConflict(err))

	got, err := db.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "B", got.Fields["firstname"])

	require.NoError(t, db.Delete(ctx, id, rev2))
	_, err = db.Fetch(ctx, id)
	assert.True(t, doc.IsNotFound(err))

	tomb, err := db.store.Lookup(ctx, id)
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	assert.Equal(t, int64(3), tomb.Rev.Gen)

	err = db.Delete(ctx, id, tomb.Rev)
	assert.True(t, doc.IsNotFound(err))
}

func TestSave_CreateWithChosenID(t *testing.T) {
	db := openTestDB(t, nil)
	ctx := context.Background()

	id, rev, err := db.Save(ctx, doc.Fields{"n": 1}, "fixed", revision.Revision{})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)

	// A second create under the same id is stale.
	_, _, err = db.Save(ctx, doc.Fields{"n": 2}, "fixed", revision.Revision{})
	assert.True(t, doc.IsConflict(err))

	got, err := db.Fetch(ctx, "fixed")
	require.NoError(t, err)
	assert.Equal(t, rev, got.Rev)
}

func TestSave_GeneratesUUIDv7(t *testing.T) {
	db := openTestDB(t, nil)
	id, _, err := db.Save(context.Background(), doc.Fields{"n": 1}, "", revision.Revision{})
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.Equal(t, byte('7'), id[14])
}

func TestList(t *testing.T) {
	db := openTestDB(t, nil)
	ctx := context.Background()

	_, err := db.Put(ctx, "b", doc.Fields{"n": 2}, nil)
	require.NoError(t, err)
	revA, err := db.Put(ctx, "a", doc.Fields{"n": 1}, nil)
	require.NoError(t, err)
	_, err = db.Put(ctx, "c", doc.Fields{"n": 3}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Delete(ctx, "a", revA))

	var ids []string
	for d, err := range db.List(ctx) {
		require.NoError(t, err)
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"b", "c"}, ids)
}

func TestOnChange_TwoObserversOneUnsubscribes(t *testing.T) {
	db := openTestDB(t, nil)
	ctx := context.Background()

	var stays, leaves recorder
	_, err := db.OnChange(stays.add)
	require.NoError(t, err)
	sub, err := db.OnChange(leaves.add)
	require.NoError(t, err)

	for _, id := range []string{"a", "b"} {
		_, err := db.Put(ctx, id, doc.Fields{"id": id}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, db.Flush(ctx))
	sub.Unsubscribe()

	for _, id := range []string{"c", "d", "e"} {
		_, err := db.Put(ctx, id, doc.Fields{"id": id}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, db.Flush(ctx))

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, stays.ids())
	assert.Equal(t, []string{"a", "b"}, leaves.ids())

	stays.mu.Lock()
	defer stays.mu.Unlock()
	for i, ev := range stays.events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, doc.OriginLocal, ev.Origin)
		assert.Equal(t, doc.OpCreate, ev.Op)
		assert.False(t, ev.Gap)
	}
}

func TestChanges_PrunedOnceObserved(t *testing.T) {
	db := openTestDB(t, nil)
	ctx := context.Background()

	_, err := db.Put(ctx, "a", doc.Fields{"n": 1}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Flush(ctx))

	for _, err := range db.Changes(ctx, 1) {
		require.Error(t, err)
		assert.True(t, doc.IsFeedTruncated(err))
	}
	assert.Equal(t, int64(1), db.Head())
}

func TestChanges_RetainedForConfiguredEndpoint(t *testing.T) {
	db := openTestDB(t, func(c *config.Config) {
		c.RemoteEndpoint = "ws://gateway.invalid/db"
	})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := db.Put(ctx, id, doc.Fields{"id": id}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, db.Flush(ctx))

	var seqs []int64
	for e, err := range db.Changes(ctx, 1) {
		require.NoError(t, err)
		seqs = append(seqs, e.Seq)
	}
	assert.Equal(t, []int64{1, 2}, seqs)
	assert.Contains(t, db.feed.Cursors(), replication.CursorName("ws://gateway.invalid/db"))
}

func TestClose(t *testing.T) {
	db := openTestDB(t, nil)
	ctx := context.Background()

	var rec recorder
	_, err := db.OnChange(rec.add)
	require.NoError(t, err)
	_, err = db.Put(ctx, "a", doc.Fields{"n": 1}, nil)
	require.NoError(t, err)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	// Pending events were delivered before storage closed.
	assert.Equal(t, []string{"a"}, rec.ids())

	_, err = db.Put(ctx, "b", doc.Fields{"n": 2}, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Fetch(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.OnChange(rec.add)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.StartSync("ws://x"), ErrClosed)
}

func TestClose_ConcurrentWritesFailCleanly(t *testing.T) {
	db := openTestDB(t, nil)
	ctx := context.Background()

	const writers = 8
	started := make(chan struct{}, writers)
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			for i := 0; ; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				rev, err := db.Put(ctx, id, doc.Fields{"n": i}, nil)
				if err == nil && i%2 == 1 {
					err = db.Delete(ctx, id, rev)
				}
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	for w := 0; w < writers; w++ {
		<-started
	}
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, db.Close())
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestDestroy(t *testing.T) {
	db := openTestDB(t, nil)
	_, err := db.Put(context.Background(), "a", doc.Fields{"n": 1}, nil)
	require.NoError(t, err)

	path := db.Config().Database
	require.NoError(t, db.Destroy())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestReopen_KeepsDocumentsAndInstanceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	cfg := config.Config{Database: path}
	cfg.ApplyDefaults()
	ctx := context.Background()

	db, err := Open(ctx, cfg)
	require.NoError(t, err)
	rev, err := db.Put(ctx, "a", doc.Fields{"n": 1}, nil)
	require.NoError(t, err)
	instance := db.InstanceID()
	require.NoError(t, db.Close())

	db, err = Open(ctx, cfg)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Fetch(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, rev, got.Rev)
	assert.Equal(t, instance, db.InstanceID())
	assert.Equal(t, int64(1), db.Head())
}

func TestStartSync_RequiresEndpoint(t *testing.T) {
	db := openTestDB(t, nil)
	assert.Error(t, db.StartSync(""))
	assert.Equal(t, replication.StateIdle, db.SyncState(""))
	db.StopSync("")
}

func TestSync_ThroughGateway(t *testing.T) {
	server := openTestDB(t, func(c *config.Config) { c.Name = "server" })
	srv, err := server.GatewayHandler()
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	client := openTestDB(t,
		func(c *config.Config) {
			c.Name = "client"
			c.RemoteEndpoint = url
		},
		WithSyncOptions(replication.WithReconnectDelay(10*time.Millisecond, 50*time.Millisecond)),
	)
	ctx := context.Background()

	var rec recorder
	_, err = client.OnChange(rec.add)
	require.NoError(t, err)
	require.NoError(t, client.StartSync(""))

	_, rev, err := server.Save(ctx, doc.Fields{"firstname": "Ada"}, "ada", revision.Revision{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		d, err := client.Fetch(ctx, "ada")
		return err == nil && d.Rev == rev
	}, waitFor, tick)
	require.NoError(t, client.Flush(ctx))

	rec.mu.Lock()
	require.Len(t, rec.events, 1)
	assert.Equal(t, doc.OriginRemote, rec.events[0].Origin)
	assert.Equal(t, rev, rec.events[0].Rev)
	rec.mu.Unlock()

	_, rev2, err := client.Save(ctx, doc.Fields{"firstname": "Ada", "lastname": "L"}, "ada", rev)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		d, err := server.Fetch(ctx, "ada")
		return err == nil && d.Rev == rev2
	}, waitFor, tick)

	assert.Equal(t, replication.StateStreaming, client.SyncState(""))
	client.StopSync("")
	assert.Equal(t, replication.StateIdle, client.SyncState(""))
}
