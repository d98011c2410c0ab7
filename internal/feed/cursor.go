package feed

import "context"

// Cursor tracks one consumer's position in the feed. Entries are retained
// until every open cursor has acknowledged them.
type Cursor struct {
	feed  *Feed
	name  string
	acked int64 // guarded by feed.mu
}

// Register opens (or repositions) the cursor called name. next is the first
// seq the consumer still needs; everything before it counts as acknowledged.
func (f *Feed) Register(name string, next int64) *Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()

	acked := next - 1
	if acked < 0 {
		acked = 0
	}
	if c, ok := f.cursors[name]; ok {
		c.acked = acked
		return c
	}
	c := &Cursor{feed: f, name: name, acked: acked}
	f.cursors[name] = c
	return c
}

// Cursors returns the names and acknowledged positions of the open cursors.
func (f *Feed) Cursors() map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64, len(f.cursors))
	for name, c := range f.cursors {
		out[name] = c.acked
	}
	return out
}

// Name returns the consumer name.
func (c *Cursor) Name() string { return c.name }

// Next returns the first seq not yet acknowledged.
func (c *Cursor) Next() int64 {
	c.feed.mu.Lock()
	defer c.feed.mu.Unlock()
	return c.acked + 1
}

// Ack records that the consumer is done with every entry through seq.
// Acknowledgements never move backwards.
func (c *Cursor) Ack(ctx context.Context, seq int64) {
	c.feed.mu.Lock()
	if seq <= c.acked {
		c.feed.mu.Unlock()
		return
	}
	c.acked = seq
	c.feed.mu.Unlock()

	c.feed.enforceRetention(ctx)
}

// Close removes the cursor; it no longer holds back retention.
func (c *Cursor) Close() {
	c.feed.mu.Lock()
	defer c.feed.mu.Unlock()
	if c.feed.cursors[c.name] == c {
		delete(c.feed.cursors, c.name)
	}
}
