package replication

import (
	"context"

	"github.com/roach88/docsync/internal/revision"
	"github.com/roach88/docsync/internal/store"
)

// Remote is a replication peer. Transports implement it; see
// internal/gateway for the WebSocket client.
type Remote interface {
	// Connect performs the handshake and returns a live session.
	// Transport failures should be reported as TRANSIENT_NETWORK errors.
	Connect(ctx context.Context, hello Hello) (Session, error)
}

// Hello is the client side of the handshake.
type Hello struct {
	// ClientID identifies this database to the remote so it can avoid
	// echoing our own changes back.
	ClientID string

	// Since is the last pulled token; the remote streams changes after it.
	// Empty asks for everything.
	Since string
}

// Session is one connected replication session. Push and Pull are called
// concurrently from different goroutines and must honour ctx.
type Session interface {
	// Push sends a batch and blocks until the remote acknowledged it.
	Push(ctx context.Context, changes []store.RemoteChange) (PushResult, error)

	// Pull blocks until the remote sends the next batch.
	Pull(ctx context.Context) (Batch, error)

	// Close releases the session.
	Close() error
}

// Committer is implemented by sessions whose remote retains streamed
// changes until the client confirms them. pull calls Committed once a
// batch's token is saved.
type Committer interface {
	Committed(ctx context.Context, token string) error
}

// PushResult is the remote's acknowledgement of a pushed batch.
type PushResult struct {
	// Rejected lists pushed revisions that lost a tie-break on the remote.
	Rejected []Rejection `json:"rejected,omitempty"`
}

// Rejection is a pushed revision the remote kept as a conflict loser.
type Rejection struct {
	ID     string            `json:"id"`
	Rev    revision.Revision `json:"rev"`
	Winner revision.Revision `json:"winner"`
}

// Batch is a group of remote changes and the token to resume after them.
type Batch struct {
	Changes []store.RemoteChange `json:"changes"`
	Token   string               `json:"token"`
}
