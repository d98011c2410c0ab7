package harness

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/roach88/docsync/internal/doc"
)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s %s %s\n", ev.Step, ev.Op, ev.Node, ev.ID, ev.Rev, ev.Case)
		}
	}
	return buf.String()
}

// evaluate runs every assertion and returns the failure messages.
func (h *Harness) evaluate(ctx context.Context, result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertFinalState:
			err = h.assertFinalState(ctx, a)
		case AssertOpenConflicts:
			err = h.assertOpenConflicts(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

// matches reports whether ev satisfies the non-empty selectors of a.
func matches(ev TraceEvent, a Assertion) bool {
	if ev.Op != a.Op {
		return false
	}
	if a.Node != "" && ev.Node != a.Node {
		return false
	}
	if a.ID != "" && ev.ID != a.ID {
		return false
	}
	if a.Case != "" && ev.Case != a.Case {
		return false
	}
	return true
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s on %q id %q case %q", a.Op, a.Node, a.ID, a.Case),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s x%d", a.Op, a.Count),
			Actual:   fmt.Sprintf("%s x%d", a.Op, count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that each op first appears after the previous
// one's first appearance. Other events may appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	first := make(map[string]int)
	for i, ev := range trace {
		if _, ok := first[ev.Op]; !ok {
			first[ev.Op] = i + 1
		}
	}

	for i, op := range a.Ops {
		pos, ok := first[op]
		if !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all ops present: %v", a.Ops),
				Actual:   fmt.Sprintf("missing op: %s", op),
				Trace:    trace,
			}
		}
		if i > 0 && first[a.Ops[i-1]] >= pos {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("ops in order: %v", a.Ops),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					a.Ops[i-1], first[a.Ops[i-1]], op, pos),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertFinalState compares the node's current revision of a document,
// tombstones included, against the expected values.
func (h *Harness) assertFinalState(ctx context.Context, a Assertion) error {
	d, err := h.nodes[a.Node].Lookup(ctx, a.ID)
	if err != nil {
		return err
	}

	for key, want := range a.Expect {
		var got any
		switch key {
		case "gen":
			got = d.Rev.Gen
		case "rev":
			got = h.aliases.name(a.ID, d.Rev)
		case "deleted":
			got = d.Deleted
		default:
			v, ok := d.Fields[key]
			if !ok {
				return &AssertionError{
					Type:     AssertFinalState,
					Expected: fmt.Sprintf("%s.%s = %v", a.ID, key, want),
					Actual:   "field missing",
				}
			}
			got = v
		}
		if !sameJSON(got, want) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %v", a.ID, key, want),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	return nil
}

func (h *Harness) assertOpenConflicts(ctx context.Context, a Assertion) error {
	conflicts, err := h.nodes[a.Node].Conflicts(ctx, a.ID, false)
	if err != nil {
		return err
	}
	if len(conflicts) != a.Count {
		return &AssertionError{
			Type:     AssertOpenConflicts,
			Expected: fmt.Sprintf("%d open conflict(s) for %s on %s", a.Count, a.ID, a.Node),
			Actual:   fmt.Sprintf("%d", len(conflicts)),
		}
	}
	return nil
}

// sameJSON compares values by their canonical JSON, so YAML ints equal
// stored float64s.
func sameJSON(a, b any) bool {
	ja, err := doc.MarshalCanonical(a)
	if err != nil {
		return false
	}
	jb, err := doc.MarshalCanonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
