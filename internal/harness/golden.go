package harness

import (
	"bytes"
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/docsync/internal/doc"
)

// Snapshot renders a run as canonical JSON lines: a header naming the
// scenario, one line per trace event, then every node's feed in scenario
// node order. The output is stable across runs, so it can be compared with
// a golden file.
func Snapshot(scenario *Scenario, result *Result) ([]byte, error) {
	var buf bytes.Buffer
	write := func(v map[string]any) error {
		line, err := doc.MarshalCanonical(v)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
		return nil
	}

	if err := write(map[string]any{"scenario": scenario.Name}); err != nil {
		return nil, err
	}
	for _, ev := range result.Trace {
		if err := write(traceLine(ev)); err != nil {
			return nil, err
		}
	}
	for _, node := range scenario.Nodes {
		for _, e := range result.Feeds[node] {
			if err := write(feedLine(node, e)); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

func traceLine(ev TraceEvent) map[string]any {
	m := map[string]any{
		"step": ev.Step,
		"op":   ev.Op,
		"node": ev.Node,
		"case": ev.Case,
	}
	optional(m, "id", ev.ID)
	optional(m, "rev", ev.Rev)
	optional(m, "source", ev.Source)
	optional(m, "outcome", ev.Outcome)
	return m
}

func feedLine(node string, e FeedEntry) map[string]any {
	m := map[string]any{
		"feed":   node,
		"seq":    e.Seq,
		"id":     e.ID,
		"rev":    e.Rev,
		"op":     e.Op,
		"origin": e.Origin,
	}
	optional(m, "source", e.Source)
	return m
}

func optional(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// RunWithGolden runs a scenario and compares its snapshot against
// testdata/golden/<scenario name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	snap, err := Snapshot(scenario, result)
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, snap)
	return result, nil
}
