package replication

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/store"
)

// fakeRemote is an in-memory Remote. Tests feed pull batches through
// incoming and inspect what was pushed.
type fakeRemote struct {
	mu       sync.Mutex
	hellos   []Hello
	attempts []store.RemoteChange // every pushed change, acked or not
	acked    []store.RemoteChange
	commits  []string

	// connectErr, if set, fails every Connect.
	connectErr error

	// onPush may fail or reject a batch.
	onPush func(batch []store.RemoteChange) (PushResult, error)

	incoming chan Batch
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{incoming: make(chan Batch, 16)}
}

func (r *fakeRemote) Connect(ctx context.Context, hello Hello) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hellos = append(r.hellos, hello)
	if r.connectErr != nil {
		return nil, r.connectErr
	}
	return &fakeSession{remote: r, closed: make(chan struct{})}, nil
}

func (r *fakeRemote) ackedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.acked))
	for i, ch := range r.acked {
		out[i] = ch.ID
	}
	return out
}

func (r *fakeRemote) attemptCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ch := range r.attempts {
		if ch.ID == id {
			n++
		}
	}
	return n
}

func (r *fakeRemote) committed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commits...)
}

func (r *fakeRemote) helloCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hellos)
}

type fakeSession struct {
	remote *fakeRemote
	once   sync.Once
	closed chan struct{}
}

func (s *fakeSession) Push(ctx context.Context, batch []store.RemoteChange) (PushResult, error) {
	r := s.remote
	r.mu.Lock()
	r.attempts = append(r.attempts, batch...)
	hook := r.onPush
	r.mu.Unlock()

	var res PushResult
	if hook != nil {
		var err error
		if res, err = hook(batch); err != nil {
			return PushResult{}, err
		}
	}

	r.mu.Lock()
	r.acked = append(r.acked, batch...)
	r.mu.Unlock()
	return res, nil
}

func (s *fakeSession) Pull(ctx context.Context) (Batch, error) {
	select {
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	case <-s.closed:
		return Batch{}, doc.TransientNetwork(errors.New("session closed"))
	case b := <-s.remote.incoming:
		return b, nil
	}
}

func (s *fakeSession) Committed(ctx context.Context, token string) error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	s.remote.commits = append(s.remote.commits, token)
	return nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
