package docstore

import (
	"fmt"

	"github.com/roach88/docsync/internal/gateway"
	"github.com/roach88/docsync/internal/replication"
)

// StartSync starts replicating with endpoint in the background. An empty
// endpoint means the configured remoteEndpoint.
func (db *DB) StartSync(endpoint string) error {
	e, err := db.engine(endpoint)
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}
	db.logger.Info("sync started", "endpoint", e.Endpoint())
	return nil
}

// StopSync stops replicating with endpoint. The checkpoint is kept and the
// next StartSync resumes from it.
func (db *DB) StopSync(endpoint string) {
	db.mu.Lock()
	e := db.engines[db.resolveEndpoint(endpoint)]
	db.mu.Unlock()
	if e == nil {
		return
	}
	e.Stop()
	db.logger.Info("sync stopped", "endpoint", e.Endpoint())
}

// SyncStatus returns the status channel of endpoint's engine.
func (db *DB) SyncStatus(endpoint string) (<-chan replication.Status, error) {
	e, err := db.engine(endpoint)
	if err != nil {
		return nil, err
	}
	return e.Status(), nil
}

// SyncState returns the state of endpoint's engine; Idle if it was never
// started.
func (db *DB) SyncState(endpoint string) replication.State {
	db.mu.Lock()
	defer db.mu.Unlock()
	if e := db.engines[db.resolveEndpoint(endpoint)]; e != nil {
		return e.State()
	}
	return replication.StateIdle
}

func (db *DB) resolveEndpoint(endpoint string) string {
	if endpoint == "" {
		return db.cfg.RemoteEndpoint
	}
	return endpoint
}

// engine returns the engine for endpoint, creating it on first use.
func (db *DB) engine(endpoint string) (*replication.Engine, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}

	endpoint = db.resolveEndpoint(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("sync: no remote endpoint configured")
	}
	if e, ok := db.engines[endpoint]; ok {
		return e, nil
	}

	opts := []replication.Option{
		replication.WithPolicy(db.cfg.ConflictPolicy),
		replication.WithBatchSize(db.cfg.PushBatchSize),
		replication.WithReconnectDelay(db.cfg.ReconnectInitialDelay, db.cfg.ReconnectMaxDelay),
		replication.WithTransientCeiling(db.cfg.TransientCeiling),
		replication.WithLogger(db.logger),
		replication.WithMetrics(db.metrics),
	}
	opts = append(opts, db.syncOpts...)

	e := replication.New(endpoint, db.newRemote(endpoint), db.store, db.feed, opts...)
	db.engines[endpoint] = e
	return e, nil
}

// GatewayHandler returns a gateway server exposing this database to other
// replicas. Close stops it.
func (db *DB) GatewayHandler(opts ...gateway.Option) (*gateway.Server, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}

	opts = append([]gateway.Option{
		gateway.WithPolicy(db.cfg.ConflictPolicy),
		gateway.WithLogger(db.logger),
		gateway.WithMetrics(db.metrics),
	}, opts...)
	srv := gateway.NewServer(db.store, db.feed, opts...)
	db.servers = append(db.servers, srv)
	return srv, nil
}
