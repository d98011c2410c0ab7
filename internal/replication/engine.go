package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/feed"
	"github.com/roach88/docsync/internal/metrics"
	"github.com/roach88/docsync/internal/revision"
	"github.com/roach88/docsync/internal/store"
)

// Defaults for engine options.
const (
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay     = 30 * time.Second
	DefaultBatchSize    = 100
	statusBuffer        = 64
)

// CursorName is the feed cursor an engine for endpoint consumes through.
// Databases register it at open time so retention holds entries for an
// endpoint that is not currently syncing.
func CursorName(endpoint string) string {
	return "sync:" + endpoint
}

// Engine replicates one store with one remote endpoint.
//
// Thread-safety model:
//   - Start/Stop/State/Status: safe from any goroutine
//   - Run: blocks; Start runs it in a background goroutine
type Engine struct {
	endpoint string
	remote   Remote
	store    *store.Store
	feed     *feed.Feed
	clientID string

	policy           revision.Policy
	batchSize        int
	initialDelay     time.Duration
	maxDelay         time.Duration
	jitter           float64
	transientCeiling int
	after            func(time.Duration) <-chan time.Time
	logger           *slog.Logger
	metrics          *metrics.Metrics

	status chan Status

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets how divergent remote revisions are recorded.
// Default: revision.PolicyManual.
func WithPolicy(p revision.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithBatchSize sets the number of changes per push.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithReconnectDelay sets the first reconnect delay and the cap.
func WithReconnectDelay(initial, maxDelay time.Duration) Option {
	return func(e *Engine) {
		if initial > 0 {
			e.initialDelay = initial
		}
		if maxDelay > 0 {
			e.maxDelay = maxDelay
		}
	}
}

// WithJitter randomizes reconnect delays by ±factor. Default 0: delays are
// exactly initial*2^n, capped.
func WithJitter(factor float64) Option {
	return func(e *Engine) {
		e.jitter = factor
	}
}

// WithTransientCeiling surfaces TRANSIENT_NETWORK on the status channel once
// n consecutive connection attempts failed. 0 never surfaces them.
func WithTransientCeiling(n int) Option {
	return func(e *Engine) {
		e.transientCeiling = n
	}
}

// WithTimer replaces time.After for reconnect waits. Used by tests.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(e *Engine) {
		e.after = after
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics records sync activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates an idle engine for endpoint.
func New(endpoint string, remote Remote, s *store.Store, f *feed.Feed, opts ...Option) *Engine {
	e := &Engine{
		endpoint:     endpoint,
		remote:       remote,
		store:        s,
		feed:         f,
		clientID:     s.InstanceID(),
		policy:       revision.PolicyManual,
		batchSize:    DefaultBatchSize,
		initialDelay: DefaultInitialDelay,
		maxDelay:     DefaultMaxDelay,
		after:        time.After,
		logger:       slog.Default(),
		status:       make(chan Status, statusBuffer),
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("endpoint", endpoint)
	return e
}

// Endpoint returns the remote endpoint.
func (e *Engine) Endpoint() string { return e.endpoint }

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns the engine's status channel. Events are dropped when the
// channel is full; State always reflects the latest state.
func (e *Engine) Status() <-chan Status {
	return e.status
}

// Start runs the engine in the background.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("sync %s: already running", e.endpoint)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	return nil
}

// Stop cancels the running session and waits until it released its
// resources. The engine is Idle afterwards and can be started again.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run connects and streams until ctx is cancelled, reconnecting with
// exponential backoff after every failure. It returns nil on cancellation.
func (e *Engine) Run(ctx context.Context) error {
	defer e.setState(StateIdle, nil)

	b := e.newBackOff()
	failures := 0
	for {
		e.setState(StateConnecting, nil)
		connected, err := e.session(ctx)
		if ctx.Err() != nil {
			e.logger.Info("sync stopped")
			return nil
		}

		if connected {
			b.Reset()
			failures = 0
		}
		failures++

		var surfaced error
		if doc.IsTransient(err) {
			e.logger.Warn("sync session failed", "error", err, "attempt", failures)
			if e.transientCeiling > 0 && failures >= e.transientCeiling {
				surfaced = err
			}
		} else {
			e.logger.Error("sync session failed", "error", err, "attempt", failures)
			surfaced = err
		}

		delay := b.NextBackOff()
		e.metrics.Reconnect(e.endpoint)
		e.setState(StateReconnecting, nil)
		e.emit(Status{
			Endpoint: e.endpoint,
			State:    StateReconnecting,
			Err:      surfaced,
			Delay:    delay,
			Attempt:  failures,
		})

		select {
		case <-ctx.Done():
			e.logger.Info("sync stopped")
			return nil
		case <-e.after(delay):
		}
	}
}

func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialDelay
	b.MaxInterval = e.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = e.jitter
	b.MaxElapsedTime = 0 // retry forever
	b.Reset()
	return b
}

// session runs one connect-and-stream cycle. connected reports whether the
// handshake succeeded.
func (e *Engine) session(ctx context.Context) (connected bool, err error) {
	cp, err := e.store.LoadCheckpoint(ctx, e.endpoint)
	if doc.IsCorruptCheckpoint(err) {
		e.logger.Warn("replication checkpoint corrupt, starting full resync", "error", err)
		e.metrics.FullResync(e.endpoint)
		e.emit(Status{Endpoint: e.endpoint, State: StateConnecting, Err: err})
		if err := e.store.ResetCheckpoint(ctx, e.endpoint); err != nil {
			return false, err
		}
		cp = doc.Checkpoint{Endpoint: e.endpoint}
	} else if err != nil {
		return false, err
	}

	sess, err := e.remote.Connect(ctx, Hello{ClientID: e.clientID, Since: cp.LastPulledToken})
	if doc.IsCorruptCheckpoint(err) {
		// The remote does not recognise our token; start over on the next attempt.
		e.logger.Warn("remote rejected pull token, resetting checkpoint", "error", err)
		e.metrics.FullResync(e.endpoint)
		if rerr := e.store.ResetCheckpoint(ctx, e.endpoint); rerr != nil {
			return false, rerr
		}
		return false, err
	}
	if err != nil {
		return false, err
	}
	defer sess.Close()

	e.setState(StateStreaming, nil)
	e.logger.Info("sync connected",
		"last_pushed_seq", cp.LastPushedSeq,
		"last_pulled_token", cp.LastPulledToken,
	)

	cursor := e.feed.Register(CursorName(e.endpoint), cp.LastPushedSeq+1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.push(gctx, sess, cursor, cp.LastPushedSeq)
	})
	g.Go(func() error {
		return e.pull(gctx, sess)
	})
	err = g.Wait()
	if err == nil {
		err = errors.New("session ended")
	}
	return true, err
}

func (e *Engine) setState(s State, err error) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()

	e.metrics.SyncState(e.endpoint, int(s))
	if prev != s {
		e.logger.Debug("sync state changed", "from", prev.String(), "to", s.String())
		if s != StateReconnecting {
			e.emit(Status{Endpoint: e.endpoint, State: s, Err: err})
		}
	}
}

// emit sends without blocking.
func (e *Engine) emit(st Status) {
	select {
	case e.status <- st:
	default:
		e.logger.Debug("status channel full, dropping event", "state", st.State.String())
	}
}
