package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/replication"
	"github.com/roach88/docsync/internal/store"
)

// Client dials a gateway Server. It implements replication.Remote.
type Client struct {
	url    string
	opts   options
	dialer *websocket.Dialer
}

// NewClient returns a client for a ws:// or wss:// url.
func NewClient(url string, opts ...Option) *Client {
	o := newOptions(opts)
	return &Client{
		url:  url,
		opts: o,
		dialer: &websocket.Dialer{
			HandshakeTimeout: o.settings.HandshakeTimeout,
		},
	}
}

// URL returns the server url.
func (c *Client) URL() string { return c.url }

// Connect dials the server and performs the hello/welcome handshake.
//
// Transport failures are TRANSIENT_NETWORK errors. A server that does not
// recognise hello.Since answers BAD_TOKEN, reported as CORRUPT_CHECKPOINT.
func (c *Client) Connect(ctx context.Context, hello replication.Hello) (replication.Session, error) {
	s := c.opts.settings

	dialCtx, cancel := context.WithTimeout(ctx, s.HandshakeTimeout)
	defer cancel()
	ws, _, err := c.dialer.DialContext(dialCtx, c.url, c.opts.header)
	if err != nil {
		return nil, doc.TransientNetwork(fmt.Errorf("dial %s: %w", c.url, err))
	}

	welcome, err := c.handshake(ws, hello)
	if err != nil {
		ws.Close()
		return nil, err
	}

	c.opts.logger.Debug("gateway session established",
		"url", c.url,
		"server_id", welcome.ServerID,
		"server_head", welcome.Head,
	)
	return newClientSession(ws, s, c.opts.logger.With("url", c.url)), nil
}

func (c *Client) handshake(ws *websocket.Conn, hello replication.Hello) (welcomePayload, error) {
	s := c.opts.settings

	env, err := newEnvelope(MessageHello, "", helloPayload{ClientID: hello.ClientID, Since: hello.Since})
	if err != nil {
		return welcomePayload{}, err
	}
	if err := writeEnvelope(ws, env, s.HandshakeTimeout); err != nil {
		return welcomePayload{}, doc.TransientNetwork(fmt.Errorf("send hello: %w", err))
	}

	reply, err := readEnvelope(ws, s.HandshakeTimeout)
	if err != nil {
		return welcomePayload{}, doc.TransientNetwork(fmt.Errorf("read welcome: %w", err))
	}

	switch reply.Type {
	case MessageWelcome:
		var w welcomePayload
		if err := reply.decode(&w); err != nil {
			return welcomePayload{}, err
		}
		return w, nil
	case MessageError:
		var e errorPayload
		if err := reply.decode(&e); err != nil {
			return welcomePayload{}, err
		}
		if e.Code == CodeBadToken {
			return welcomePayload{}, doc.CorruptCheckpoint(c.url, e)
		}
		return welcomePayload{}, fmt.Errorf("handshake: %w", e)
	default:
		return welcomePayload{}, fmt.Errorf("handshake: unexpected %q message", reply.Type)
	}
}

type pushReply struct {
	result replication.PushResult
	err    error
}

// clientSession is one live connection. A reader goroutine routes acks to
// waiting pushes by envelope id and queues change batches for Pull.
type clientSession struct {
	ws       *websocket.Conn
	settings Settings
	logger   *slog.Logger

	send    chan Envelope
	batches chan replication.Batch
	nextID  atomic.Uint64
	closing atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	pending map[string]chan pushReply
	err     error
}

func newClientSession(ws *websocket.Conn, s Settings, logger *slog.Logger) *clientSession {
	ctx, cancel := context.WithCancel(context.Background())
	cs := &clientSession{
		ws:       ws,
		settings: s,
		logger:   logger,
		send:     make(chan Envelope, s.BufferSize),
		batches:  make(chan replication.Batch, s.BufferSize),
		cancel:   cancel,
		done:     make(chan struct{}),
		pending:  make(map[string]chan pushReply),
	}
	keepalive(ws, s)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cs.readLoop(gctx)
	})
	g.Go(func() error {
		return writePump(gctx, ws, cs.send, s)
	})
	go func() {
		// Unblocks the reader once anything fails or Close is called.
		<-gctx.Done()
		ws.Close()
	}()
	go func() {
		err := g.Wait()
		cs.finish(err)
	}()
	return cs
}

// Push sends a batch and waits for the server's ack.
func (cs *clientSession) Push(ctx context.Context, changes []store.RemoteChange) (replication.PushResult, error) {
	id := strconv.FormatUint(cs.nextID.Add(1), 10)
	env, err := newEnvelope(MessagePush, id, pushPayload{Changes: changes})
	if err != nil {
		return replication.PushResult{}, err
	}

	reply := make(chan pushReply, 1)
	cs.mu.Lock()
	cs.pending[id] = reply
	cs.mu.Unlock()
	defer func() {
		cs.mu.Lock()
		delete(cs.pending, id)
		cs.mu.Unlock()
	}()

	select {
	case cs.send <- env:
	case <-ctx.Done():
		return replication.PushResult{}, ctx.Err()
	case <-cs.done:
		return replication.PushResult{}, cs.failure()
	}

	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return replication.PushResult{}, ctx.Err()
	case <-cs.done:
		return replication.PushResult{}, cs.failure()
	}
}

// Committed tells the server every change through token is committed
// locally. Until then the server retains them for this client.
func (cs *clientSession) Committed(ctx context.Context, token string) error {
	env, err := newEnvelope(MessageCommit, "", commitPayload{Token: token})
	if err != nil {
		return err
	}
	select {
	case cs.send <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-cs.done:
		return cs.failure()
	}
}

// Pull returns the next batch the server streamed.
func (cs *clientSession) Pull(ctx context.Context) (replication.Batch, error) {
	select {
	case b := <-cs.batches:
		return b, nil
	case <-ctx.Done():
		return replication.Batch{}, ctx.Err()
	case <-cs.done:
		return replication.Batch{}, cs.failure()
	}
}

// Close ends the session and waits for its goroutines.
func (cs *clientSession) Close() error {
	cs.closing.Store(true)
	cs.cancel()
	<-cs.done
	return nil
}

func (cs *clientSession) readLoop(ctx context.Context) error {
	for {
		env, err := readEnvelope(cs.ws, cs.settings.ReadTimeout)
		if err != nil {
			return err
		}

		switch env.Type {
		case MessageAck:
			var res replication.PushResult
			if err := env.decode(&res); err != nil {
				return err
			}
			cs.resolve(env.ID, pushReply{result: res})
		case MessageChanges:
			var b replication.Batch
			if err := env.decode(&b); err != nil {
				return err
			}
			select {
			case cs.batches <- b:
			case <-ctx.Done():
				return nil
			}
		case MessageError:
			var e errorPayload
			if err := env.decode(&e); err != nil {
				return err
			}
			if env.ID != "" && cs.resolve(env.ID, pushReply{err: e}) {
				continue
			}
			return e
		default:
			cs.logger.Debug("ignoring unexpected message", "type", env.Type)
		}
	}
}

// resolve hands a reply to the push waiting on id.
func (cs *clientSession) resolve(id string, r pushReply) bool {
	cs.mu.Lock()
	ch, ok := cs.pending[id]
	cs.mu.Unlock()
	if !ok {
		cs.logger.Debug("reply for unknown push", "id", id)
		return false
	}
	select {
	case ch <- r:
	default:
	}
	return true
}

func (cs *clientSession) finish(err error) {
	cs.mu.Lock()
	switch {
	case cs.closing.Load():
		cs.err = errors.New("gateway session closed")
	case err == nil || closedByPeer(err):
		cs.err = doc.TransientNetwork(errors.New("server closed the session"))
	default:
		var e errorPayload
		if errors.As(err, &e) {
			cs.err = fmt.Errorf("gateway session: %w", e)
		} else {
			cs.err = doc.TransientNetwork(err)
		}
	}
	cs.mu.Unlock()

	if !cs.closing.Load() {
		cs.logger.Warn("gateway session ended", "error", cs.failure())
	}
	cs.cancel()
	close(cs.done)
}

func (cs *clientSession) failure() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.err
}
