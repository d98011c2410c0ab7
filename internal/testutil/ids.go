package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable document ids for tests.
//
// Ids are "<prefix>-1", "<prefix>-2", ... so the same scenario always writes
// the same documents and golden output stays byte-identical.
//
// Thread-safety: SequentialIDs is safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix means "doc".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "doc"
	}
	return &SequentialIDs{prefix: prefix}
}

// NewID returns the next id. Implements docstore.IDGenerator.
func (g *SequentialIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
