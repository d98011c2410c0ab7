package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/feed"
	"github.com/roach88/docsync/internal/replication"
	"github.com/roach88/docsync/internal/revision"
	"github.com/roach88/docsync/internal/store"
)

// PeerCursorName is the feed cursor the server streams to clientID through.
// It only advances to positions the client confirmed, by the since of its
// hello or a commit message. It stays registered after the client
// disconnects so the entries it has not committed are retained (up to the
// feed's retention cap).
func PeerCursorName(clientID string) string {
	return "peer:" + clientID
}

var errFeedClosed = errors.New("change feed closed")

// Server exposes a store to gateway clients. It implements http.Handler.
//
// Pushed changes are applied with the client id as their source and
// published to the feed; every client is streamed the feed entries that did
// not come from it. Tokens are feed seqs in decimal.
type Server struct {
	store    *store.Store
	feed     *feed.Feed
	opts     options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a server for s. f must be the feed s publishes to.
func NewServer(s *store.Store, f *feed.Feed, opts ...Option) *Server {
	o := newOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store: s,
		feed:  f,
		opts:  o,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: o.settings.HandshakeTimeout,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP upgrades the request and serves one replication session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.opts.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()

	p, err := s.accept(ws)
	if err != nil {
		s.opts.logger.Warn("gateway handshake failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	p.logger.Info("peer connected", "since", p.since)
	err = p.serve(s.ctx)
	switch {
	case err == nil, closedByPeer(err), s.ctx.Err() != nil:
		p.logger.Info("peer disconnected")
	default:
		p.logger.Warn("peer session failed", "error", err)
	}
}

// Close ends every session and waits for them.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// accept reads hello, validates the token and answers welcome.
func (s *Server) accept(ws *websocket.Conn) (*peer, error) {
	st := s.opts.settings

	env, err := readEnvelope(ws, st.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if env.Type != MessageHello {
		s.reject(ws, CodeBadRequest, fmt.Sprintf("expected hello, got %q", env.Type))
		return nil, fmt.Errorf("expected hello, got %q", env.Type)
	}
	var hello helloPayload
	if err := env.decode(&hello); err != nil {
		s.reject(ws, CodeBadRequest, err.Error())
		return nil, err
	}
	if hello.ClientID == "" {
		s.reject(ws, CodeBadRequest, "client_id is required")
		return nil, errors.New("hello without client_id")
	}

	head := s.feed.Head()
	since, err := parseToken(hello.Since, head)
	if err != nil {
		s.reject(ws, CodeBadToken, err.Error())
		return nil, err
	}

	welcome, err := newEnvelope(MessageWelcome, "", welcomePayload{ServerID: s.store.InstanceID(), Head: head})
	if err != nil {
		return nil, err
	}
	if err := writeEnvelope(ws, welcome, st.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("send welcome: %w", err)
	}

	return &peer{
		server:   s,
		ws:       ws,
		clientID: hello.ClientID,
		since:    since,
		send:     make(chan Envelope, st.BufferSize),
		logger:   s.opts.logger.With("client_id", hello.ClientID),
	}, nil
}

func (s *Server) reject(ws *websocket.Conn, code, message string) {
	env, err := newEnvelope(MessageError, "", errorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	writeEnvelope(ws, env, s.opts.settings.WriteTimeout)
}

// parseToken turns a pull token into the last seq the client has.
func parseToken(token string, head int64) (int64, error) {
	if token == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(token, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("malformed token %q", token)
	}
	if seq > head {
		return 0, fmt.Errorf("token %d is ahead of head %d", seq, head)
	}
	return seq, nil
}

// peer is one connected client.
type peer struct {
	server   *Server
	ws       *websocket.Conn
	clientID string
	since    int64
	send     chan Envelope
	logger   *slog.Logger

	cursor *feed.Cursor
	// sent is the highest token streamed to the client.
	sent atomic.Int64
}

func (p *peer) serve(ctx context.Context) error {
	st := p.server.opts.settings
	keepalive(p.ws, st)
	p.cursor = p.server.feed.Register(PeerCursorName(p.clientID), p.since+1)
	p.sent.Store(p.since)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.readLoop(gctx)
	})
	g.Go(func() error {
		return writePump(gctx, p.ws, p.send, st)
	})
	g.Go(func() error {
		return p.stream(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		p.ws.Close()
		return nil
	})
	return g.Wait()
}

func (p *peer) enqueue(ctx context.Context, env Envelope) error {
	select {
	case p.send <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *peer) readLoop(ctx context.Context) error {
	st := p.server.opts.settings
	for {
		env, err := readEnvelope(p.ws, st.ReadTimeout)
		if err != nil {
			return err
		}

		switch env.Type {
		case MessagePush:
			if err := p.handlePush(ctx, env); err != nil {
				return err
			}
		case MessageCommit:
			if err := p.handleCommit(ctx, env); err != nil {
				return err
			}
		default:
			reply, err := newEnvelope(MessageError, env.ID, errorPayload{
				Code:    CodeBadRequest,
				Message: fmt.Sprintf("unexpected %q message", env.Type),
			})
			if err != nil {
				return err
			}
			if err := p.enqueue(ctx, reply); err != nil {
				return err
			}
		}
	}
}

// handlePush applies a pushed batch and acknowledges it. Revisions that
// lost to the server's current revision are listed as rejected.
func (p *peer) handlePush(ctx context.Context, env Envelope) error {
	s := p.server

	var push pushPayload
	if err := env.decode(&push); err != nil {
		return p.replyError(ctx, env, CodeBadRequest, err)
	}

	var result replication.PushResult
	for _, ch := range push.Changes {
		res, err := s.store.ApplyRemote(ctx, p.clientID, ch, s.opts.policy)
		if err != nil {
			p.logger.Error("apply pushed change failed", "id", ch.ID, "rev", ch.Rev.String(), "error", err)
			return p.replyError(ctx, env, CodeInternal, err)
		}
		if res.Entry != nil {
			s.opts.metrics.Wrote(string(res.Entry.Op), string(res.Entry.Origin))
			s.feed.Publish(ctx, *res.Entry)
		}
		if res.Conflict != nil {
			s.opts.metrics.Conflict(p.clientID)
		}
		if res.Outcome == revision.OutcomeLocalWins {
			result.Rejected = append(result.Rejected, replication.Rejection{
				ID:     ch.ID,
				Rev:    ch.Rev,
				Winner: res.Conflict.WinnerRev,
			})
		}
	}
	p.logger.Debug("applied push", "count", len(push.Changes), "rejected", len(result.Rejected))

	ack, err := newEnvelope(MessageAck, env.ID, result)
	if err != nil {
		return err
	}
	return p.enqueue(ctx, ack)
}

// handleCommit releases the changes the client committed.
func (p *peer) handleCommit(ctx context.Context, env Envelope) error {
	var c commitPayload
	if err := env.decode(&c); err != nil {
		return p.replyError(ctx, env, CodeBadRequest, err)
	}
	seq, err := strconv.ParseInt(c.Token, 10, 64)
	if err != nil || seq < 0 || seq > p.sent.Load() {
		return p.replyError(ctx, env, CodeBadToken, fmt.Errorf("commit of unsent token %q", c.Token))
	}
	p.cursor.Ack(ctx, seq)
	return nil
}

// replyError reports a failed request to the client and ends the session.
func (p *peer) replyError(ctx context.Context, req Envelope, code string, cause error) error {
	env, err := newEnvelope(MessageError, req.ID, errorPayload{Code: code, Message: cause.Error()})
	if err != nil {
		return err
	}
	if err := p.enqueue(ctx, env); err != nil {
		return err
	}
	return fmt.Errorf("%s %s: %w", req.Type, req.ID, cause)
}

// stream sends the client every feed entry after since that it did not
// push itself. If that position was pruned, the client gets the full
// current snapshot instead.
func (p *peer) stream(ctx context.Context) error {
	f := p.server.feed

	next := p.since + 1
	for {
		wait := f.Wait()

		through, err := p.streamFrom(ctx, next)
		if doc.IsFeedTruncated(err) {
			p.logger.Warn("peer position pruned from change feed, sending snapshot", "next", next)
			through, err = p.snapshot(ctx)
		}
		if err != nil {
			return err
		}
		next = through + 1

		select {
		case <-ctx.Done():
			return nil
		case <-wait:
			if f.Closed() {
				return errFeedClosed
			}
		}
	}
}

func (p *peer) streamFrom(ctx context.Context, next int64) (int64, error) {
	s := p.server
	batchSize := s.opts.settings.BatchSize

	through := next - 1
	var batch []store.RemoteChange
	var last int64

	for entry, err := range s.feed.ReadFrom(ctx, next) {
		if err != nil {
			return through, err
		}
		last = entry.Seq
		if entry.Origin == doc.OriginRemote && entry.Source == p.clientID {
			continue
		}

		ch, err := s.store.LoadRemoteChange(ctx, entry.DocID, entry.Rev)
		if err != nil {
			return through, fmt.Errorf("stream seq %d: %w", entry.Seq, err)
		}
		batch = append(batch, ch)
		if len(batch) >= batchSize {
			if err := p.sendBatch(ctx, batch, last); err != nil {
				return through, err
			}
			through = last
			batch = nil
		}
	}

	// An empty batch still advances the client's token past skipped echoes.
	if last > through {
		if err := p.sendBatch(ctx, batch, last); err != nil {
			return through, err
		}
		through = last
	}
	return through, nil
}

// snapshot sends every current revision, tombstones included, and resumes
// streaming after the head it was taken at.
func (p *peer) snapshot(ctx context.Context) (int64, error) {
	s := p.server
	batchSize := s.opts.settings.BatchSize
	head := s.feed.Head()

	var batch []store.RemoteChange
	for d, err := range s.store.ListAll(ctx) {
		if err != nil {
			return 0, fmt.Errorf("snapshot: %w", err)
		}
		ch, err := s.store.LoadRemoteChange(ctx, d.ID, d.Rev)
		if err != nil {
			return 0, fmt.Errorf("snapshot: %w", err)
		}
		batch = append(batch, ch)
		if len(batch) >= batchSize {
			// No token until the snapshot is complete.
			if err := p.sendBatch(ctx, batch, 0); err != nil {
				return 0, err
			}
			batch = nil
		}
	}
	if err := p.sendBatch(ctx, batch, head); err != nil {
		return 0, err
	}
	p.logger.Info("snapshot sent", "through", head)
	return head, nil
}

// sendBatch queues a changes message. through > 0 makes it the batch token.
// The peer cursor moves only when the client commits that token.
func (p *peer) sendBatch(ctx context.Context, changes []store.RemoteChange, through int64) error {
	b := replication.Batch{Changes: changes}
	if changes == nil {
		b.Changes = []store.RemoteChange{}
	}
	if through > 0 {
		b.Token = strconv.FormatInt(through, 10)
		p.sent.Store(through)
	}
	env, err := newEnvelope(MessageChanges, "", b)
	if err != nil {
		return err
	}
	return p.enqueue(ctx, env)
}
