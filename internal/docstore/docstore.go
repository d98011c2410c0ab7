// Package docstore is the application-facing database: a document store
// with revision tracking, a change feed, a notification bus and any number
// of sync engines, owned together by one DB value.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/docsync/internal/config"
	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/feed"
	"github.com/roach88/docsync/internal/gateway"
	"github.com/roach88/docsync/internal/metrics"
	"github.com/roach88/docsync/internal/notify"
	"github.com/roach88/docsync/internal/replication"
	"github.com/roach88/docsync/internal/revision"
	"github.com/roach88/docsync/internal/store"
)

// ErrClosed is returned by operations on a closed DB.
var ErrClosed = errors.New("docstore: database closed")

// DefaultCloseTimeout bounds how long Close waits for observers.
const DefaultCloseTimeout = 5 * time.Second

// DB is one open database.
//
// Thread-safety model: every method is safe for concurrent use.
type DB struct {
	cfg     config.Config
	store   *store.Store
	feed    *feed.Feed
	bus     *notify.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	newID        func() string
	newRemote    func(endpoint string) replication.Remote
	syncOpts     []replication.Option
	closeTimeout time.Duration

	// lifecycle is held shared by operations that touch storage and
	// exclusively by Close while it marks the DB closed.
	lifecycle sync.RWMutex

	mu      sync.Mutex
	engines map[string]*replication.Engine
	servers []*gateway.Server
	closed  bool
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) {
		db.logger = l
	}
}

// WithIDGenerator replaces UUIDv7 ids for documents created by Save.
func WithIDGenerator(fn func() string) Option {
	return func(db *DB) {
		db.newID = fn
	}
}

// WithRemote replaces the gateway client used for sync endpoints.
func WithRemote(fn func(endpoint string) replication.Remote) Option {
	return func(db *DB) {
		db.newRemote = fn
	}
}

// WithSyncOptions appends options to every sync engine, after the ones
// derived from the configuration.
func WithSyncOptions(opts ...replication.Option) Option {
	return func(db *DB) {
		db.syncOpts = append(db.syncOpts, opts...)
	}
}

// WithCloseTimeout bounds how long Close waits for observers to drain.
func WithCloseTimeout(d time.Duration) Option {
	return func(db *DB) {
		db.closeTimeout = d
	}
}

// Open opens (creating if needed) the database described by cfg.
// cfg must already be defaulted and validated.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*DB, error) {
	db := &DB{
		cfg:          cfg,
		logger:       slog.Default(),
		newID:        func() string { return uuid.Must(uuid.NewV7()).String() },
		closeTimeout: DefaultCloseTimeout,
		engines:      make(map[string]*replication.Engine),
	}
	for _, opt := range opts {
		opt(db)
	}
	db.logger = db.logger.With("database", cfg.Name)
	if db.newRemote == nil {
		db.newRemote = func(endpoint string) replication.Remote {
			return gateway.NewClient(endpoint, gateway.WithLogger(db.logger))
		}
	}

	s, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Database, err)
	}
	db.store = s
	db.metrics = metrics.New(cfg.Name)

	f, err := feed.New(ctx, s,
		feed.WithRetentionCap(cfg.RetentionCap),
		feed.WithLogger(db.logger),
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open %s: %w", cfg.Database, err)
	}
	db.feed = f

	if err := db.holdSyncCursors(ctx); err != nil {
		f.Close()
		s.Close()
		return nil, fmt.Errorf("open %s: %w", cfg.Database, err)
	}

	db.bus = notify.New(f,
		notify.WithQueueSize(cfg.ObserverQueueSize),
		notify.WithLogger(db.logger),
		notify.WithMetrics(db.metrics),
	)

	db.logger.Debug("database opened",
		"path", cfg.Database,
		"instance_id", s.InstanceID(),
		"head", f.Head(),
		"pruned_through", f.PrunedThrough(),
	)
	return db, nil
}

// holdSyncCursors registers a feed cursor for every endpoint with a
// checkpoint, and for the configured endpoint, so entries not yet pushed
// survive until the engine runs.
func (db *DB) holdSyncCursors(ctx context.Context) error {
	cps, err := db.store.Checkpoints(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, cp := range cps {
		db.feed.Register(replication.CursorName(cp.Endpoint), cp.LastPushedSeq+1)
		seen[cp.Endpoint] = true
	}
	if ep := db.cfg.RemoteEndpoint; ep != "" && !seen[ep] {
		db.feed.Register(replication.CursorName(ep), 1)
	}
	return nil
}

// Config returns the configuration the DB was opened with.
func (db *DB) Config() config.Config { return db.cfg }

// InstanceID returns the database's replication identity.
func (db *DB) InstanceID() string { return db.store.InstanceID() }

// Metrics returns the DB's metrics.
func (db *DB) Metrics() *metrics.Metrics { return db.metrics }

// MetricsHandler serves the DB's metrics in Prometheus text format.
func (db *DB) MetricsHandler() http.Handler { return db.metrics.Handler() }

func (db *DB) isClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

// acquire holds storage open until release is called.
func (db *DB) acquire() (release func(), err error) {
	db.lifecycle.RLock()
	if db.isClosed() {
		db.lifecycle.RUnlock()
		return nil, ErrClosed
	}
	return db.lifecycle.RUnlock, nil
}

// Save creates or updates a document.
//
// With an empty existingID a new document is created under a generated id.
// Otherwise existingRev must be the document's current revision (zero for
// a document that does not exist yet) or the write fails with CONFLICT.
func (db *DB) Save(ctx context.Context, fields doc.Fields, existingID string, existingRev revision.Revision) (string, revision.Revision, error) {
	id := existingID
	if id == "" {
		id = db.newID()
	}
	rev, err := db.Put(ctx, id, fields, &existingRev)
	if err != nil {
		return "", revision.Revision{}, err
	}
	return id, rev, nil
}

// Put writes fields to id. expected nil writes unconditionally.
func (db *DB) Put(ctx context.Context, id string, fields doc.Fields, expected *revision.Revision) (revision.Revision, error) {
	release, err := db.acquire()
	if err != nil {
		return revision.Revision{}, err
	}
	defer release()
	entry, err := db.store.Put(ctx, id, fields, expected)
	if err != nil {
		return revision.Revision{}, err
	}
	db.committed(ctx, entry)
	return entry.Rev, nil
}

// Delete tombstones id. rev must be its current revision.
func (db *DB) Delete(ctx context.Context, id string, rev revision.Revision) error {
	release, err := db.acquire()
	if err != nil {
		return err
	}
	defer release()
	entry, err := db.store.Delete(ctx, id, rev)
	if err != nil {
		return err
	}
	db.committed(ctx, entry)
	return nil
}

func (db *DB) committed(ctx context.Context, entry doc.ChangeEntry) {
	db.metrics.Wrote(string(entry.Op), string(entry.Origin))
	db.feed.Publish(context.WithoutCancel(ctx), entry)
	db.logger.Debug("document written",
		"id", entry.DocID,
		"rev", entry.Rev.String(),
		"op", string(entry.Op),
		"seq", entry.Seq,
	)
}

// Fetch returns the current revision of id. Tombstoned documents are
// NOT_FOUND.
func (db *DB) Fetch(ctx context.Context, id string) (doc.Document, error) {
	release, err := db.acquire()
	if err != nil {
		return doc.Document{}, err
	}
	defer release()
	return db.store.Get(ctx, id)
}

// List returns the live documents as of the call, ordered by id.
func (db *DB) List(ctx context.Context) iter.Seq2[doc.Document, error] {
	return db.store.List(ctx)
}

// Changes returns the retained change entries from seq from.
func (db *DB) Changes(ctx context.Context, from int64) iter.Seq2[doc.ChangeEntry, error] {
	return db.feed.ReadFrom(ctx, from)
}

// Head returns the seq of the last committed change.
func (db *DB) Head() int64 { return db.feed.Head() }

// PrunedThrough returns the highest seq no longer available from Changes.
func (db *DB) PrunedThrough() int64 { return db.feed.PrunedThrough() }

// Conflicts returns the open conflicts of id, or of every document when id
// is empty.
func (db *DB) Conflicts(ctx context.Context, id string) ([]doc.Conflict, error) {
	release, err := db.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return db.store.Conflicts(ctx, id, false)
}

// ResolveConflict marks the conflict whose loser is loserRev as handled.
func (db *DB) ResolveConflict(ctx context.Context, id string, loserRev revision.Revision) error {
	release, err := db.acquire()
	if err != nil {
		return err
	}
	defer release()
	if err := db.store.ResolveConflict(ctx, id, loserRev); err != nil {
		return err
	}
	db.logger.Info("conflict resolved", "id", id, "loser", loserRev.String())
	return nil
}

// Close stops sync, delivers pending notifications (bounded by the close
// timeout) and closes storage. Safe to call more than once.
func (db *DB) Close() error {
	// Waits out in-flight writes; later ones see closed and fail.
	db.lifecycle.Lock()
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		db.lifecycle.Unlock()
		return nil
	}
	db.closed = true
	engines := make([]*replication.Engine, 0, len(db.engines))
	for _, e := range db.engines {
		engines = append(engines, e)
	}
	servers := db.servers
	db.mu.Unlock()
	db.lifecycle.Unlock()

	for _, e := range engines {
		e.Stop()
	}
	for _, srv := range servers {
		srv.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), db.closeTimeout)
	defer cancel()
	if err := db.bus.Flush(ctx); err != nil {
		db.logger.Warn("observers did not drain before close", "error", err)
	}
	db.bus.Close()
	db.feed.Close()

	if err := db.store.Close(); err != nil {
		return fmt.Errorf("close %s: %w", db.cfg.Database, err)
	}
	db.logger.Debug("database closed")
	return nil
}

// Destroy closes the database and removes its files.
func (db *DB) Destroy() error {
	if err := db.Close(); err != nil {
		return err
	}
	return RemoveFiles(db.cfg.Database)
}

// RemoveFiles deletes a SQLite database and its WAL side files.
func RemoveFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("destroy: %w", err)
		}
	}
	return nil
}
