package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/revision"
	"github.com/roach88/docsync/internal/store"
)

// opApply is the trace op of a change delivered by a replicate step.
const opApply = "apply"

// Harness holds the nodes of one scenario run.
type Harness struct {
	nodes   map[string]*store.Store
	policy  revision.Policy
	aliases *aliases
	logger  *slog.Logger

	// delivered is the next seq to replicate, per "from->to" pair.
	delivered map[string]int64
}

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Run executes a scenario against fresh in-memory stores and returns the
// result. A step whose case differs from its expectation fails the result;
// an error that is not a docsync error code aborts the run.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	policy, err := revision.ParsePolicy(string(scenario.Policy))
	if err != nil {
		return nil, err
	}
	h := &Harness{
		nodes:     make(map[string]*store.Store, len(scenario.Nodes)),
		policy:    policy,
		aliases:   newAliases(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		delivered: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(h)
	}
	defer h.close()

	for _, name := range scenario.Nodes {
		st, err := store.Open(":memory:")
		if err != nil {
			return nil, fmt.Errorf("open node %s: %w", name, err)
		}
		h.nodes[name] = st
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		n := i + 1
		events, err := h.execute(ctx, n, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", n, step.Op, err)
		}
		result.Trace = append(result.Trace, events...)

		if step.Op != OpReplicate {
			want := step.Expect
			if want == "" {
				want = CaseOK
			}
			if got := events[0].Case; got != want {
				result.AddError(fmt.Sprintf("step %d (%s %s): expected %s, got %s", n, step.Op, step.ID, want, got))
			}
		}
		h.logger.Debug("step completed", "step", n, "op", step.Op, "events", len(events))
	}

	for _, name := range scenario.Nodes {
		feed, err := h.feed(ctx, name)
		if err != nil {
			return nil, err
		}
		result.Feeds[name] = feed
	}

	for _, msg := range h.evaluate(ctx, result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) close() {
	for _, st := range h.nodes {
		st.Close()
	}
}

// execute runs one step. Every op except replicate yields exactly one event.
func (h *Harness) execute(ctx context.Context, n int, step Step) ([]TraceEvent, error) {
	if step.Op == OpReplicate {
		return h.replicate(ctx, n, step.From, step.To)
	}

	st := h.nodes[step.Node]
	ev := TraceEvent{Step: n, Op: step.Op, Node: step.Node, ID: step.ID}

	var rev revision.Revision
	var err error
	switch step.Op {
	case OpPut:
		var expected *revision.Revision
		expected, err = h.expectedRev(ctx, st, step.ID, step.Rev, false)
		if err != nil {
			return nil, err
		}
		fields := doc.Fields(step.Fields)
		if fields == nil {
			fields = doc.Fields{}
		}
		var entry doc.ChangeEntry
		entry, err = st.Put(ctx, step.ID, fields, expected)
		rev = entry.Rev

	case OpDelete:
		var expected *revision.Revision
		expected, err = h.expectedRev(ctx, st, step.ID, step.Rev, true)
		if err != nil {
			return nil, err
		}
		var entry doc.ChangeEntry
		entry, err = st.Delete(ctx, step.ID, *expected)
		rev = entry.Rev

	case OpGet:
		var d doc.Document
		d, err = st.Get(ctx, step.ID)
		rev = d.Rev

	case OpResolve:
		rev, err = h.pickLoser(ctx, st, step.ID, step.Loser)
		if err == nil {
			err = st.ResolveConflict(ctx, step.ID, rev)
		}
	}

	if err != nil {
		code := doc.CodeOf(err)
		if code == "" {
			return nil, err
		}
		ev.Case = string(code)
		return []TraceEvent{ev}, nil
	}
	ev.Case = CaseOK
	ev.Rev = h.aliases.name(step.ID, rev)
	return []TraceEvent{ev}, nil
}

// expectedRev turns a step's rev selector into the revision a write checks
// against. nil means an unconditional write.
func (h *Harness) expectedRev(ctx context.Context, st *store.Store, id, sel string, defaultCurrent bool) (*revision.Revision, error) {
	if sel == "" {
		if !defaultCurrent {
			return nil, nil
		}
		sel = "current"
	}

	switch sel {
	case "none":
		return &revision.Revision{}, nil
	case "current":
		d, err := st.Lookup(ctx, id)
		if doc.IsNotFound(err) {
			return &revision.Revision{}, nil
		}
		if err != nil {
			return nil, err
		}
		return &d.Rev, nil
	}

	rev, ok := h.aliases.resolve(id, sel)
	if !ok {
		return nil, fmt.Errorf("unknown revision alias %q for %s", sel, id)
	}
	return &rev, nil
}

// pickLoser resolves a resolve step's loser: the aliased revision, or the
// first open conflict of id.
func (h *Harness) pickLoser(ctx context.Context, st *store.Store, id, alias string) (revision.Revision, error) {
	if alias != "" {
		rev, ok := h.aliases.resolve(id, alias)
		if !ok {
			return revision.Revision{}, fmt.Errorf("unknown revision alias %q for %s", alias, id)
		}
		return rev, nil
	}

	conflicts, err := st.Conflicts(ctx, id, false)
	if err != nil {
		return revision.Revision{}, err
	}
	if len(conflicts) == 0 {
		return revision.Revision{}, doc.NotFound(id)
	}
	return conflicts[0].LoserRev, nil
}

// replicate delivers every change from has committed since the last
// replicate between the same pair. Changes that to itself sent are not
// echoed back.
func (h *Harness) replicate(ctx context.Context, n int, from, to string) ([]TraceEvent, error) {
	src, dst := h.nodes[from], h.nodes[to]
	key := from + "->" + to

	next := max(h.delivered[key], 1)
	entries, err := src.ReadChanges(ctx, next, 0)
	if err != nil {
		return nil, err
	}

	events := []TraceEvent{}
	for _, e := range entries {
		h.delivered[key] = e.Seq + 1
		if e.Origin == doc.OriginRemote && e.Source == to {
			continue
		}

		ch, err := src.LoadRemoteChange(ctx, e.DocID, e.Rev)
		if err != nil {
			return nil, err
		}
		res, err := dst.ApplyRemote(ctx, from, ch, h.policy)
		if err != nil {
			return nil, err
		}
		events = append(events, TraceEvent{
			Step:    n,
			Op:      opApply,
			Node:    to,
			ID:      e.DocID,
			Rev:     h.aliases.name(e.DocID, e.Rev),
			Case:    CaseOK,
			Source:  from,
			Outcome: res.Outcome.String(),
		})
	}
	return events, nil
}

func (h *Harness) feed(ctx context.Context, node string) ([]FeedEntry, error) {
	entries, err := h.nodes[node].ReadChanges(ctx, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("read feed of %s: %w", node, err)
	}
	feed := make([]FeedEntry, 0, len(entries))
	for _, e := range entries {
		feed = append(feed, FeedEntry{
			Seq:    e.Seq,
			ID:     e.DocID,
			Rev:    h.aliases.name(e.DocID, e.Rev),
			Op:     string(e.Op),
			Origin: string(e.Origin),
			Source: e.Source,
		})
	}
	return feed, nil
}
