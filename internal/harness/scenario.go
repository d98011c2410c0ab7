package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/docsync/internal/revision"
)

// DefaultNode is the node steps use when a scenario declares no nodes.
const DefaultNode = "local"

// Step operations.
const (
	OpPut       = "put"
	OpDelete    = "delete"
	OpGet       = "get"
	OpReplicate = "replicate"
	OpResolve   = "resolve"
)

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertTraceOrder    = "trace_order"
	AssertFinalState    = "final_state"
	AssertOpenConflicts = "open_conflicts"
)

// CaseOK is the expected case of a step that succeeds.
const CaseOK = "OK"

// Scenario is one scripted run.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Nodes names the stores taking part. Empty means a single DefaultNode.
	Nodes []string `yaml:"nodes,omitempty"`

	// Policy is the conflict policy replicate steps apply. Empty means manual.
	Policy revision.Policy `yaml:"policy,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one operation against a node.
type Step struct {
	Op   string `yaml:"op"`
	Node string `yaml:"node,omitempty"`
	ID   string `yaml:"id,omitempty"`

	// Rev is the expected revision for put and delete.
	Rev string `yaml:"rev,omitempty"`

	Fields map[string]any `yaml:"fields,omitempty"`

	// From and To name the nodes of a replicate step.
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`

	// Loser is the revision alias a resolve step discards.
	Loser string `yaml:"loser,omitempty"`

	// Expect is the expected case: OK (default) or an error code such as
	// CONFLICT or NOT_FOUND.
	Expect string `yaml:"expect,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	Type string `yaml:"type"`

	Op   string `yaml:"op,omitempty"`
	Node string `yaml:"node,omitempty"`
	ID   string `yaml:"id,omitempty"`
	Case string `yaml:"case,omitempty"`

	// Count is used by trace_count and open_conflicts.
	Count int `yaml:"count,omitempty"`

	// Ops is used by trace_order.
	Ops []string `yaml:"ops,omitempty"`

	// Expect is used by final_state. The keys gen, rev and deleted describe
	// the revision; every other key is compared against the document fields.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// LoadScenario reads and validates a scenario file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(s.Nodes) == 0 {
		s.Nodes = []string{DefaultNode}
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if _, err := revision.ParsePolicy(string(s.Policy)); err != nil {
		return err
	}
	for i, n := range s.Nodes {
		if n == "" {
			return fmt.Errorf("nodes[%d]: name is required", i)
		}
		if slices.Index(s.Nodes, n) != i {
			return fmt.Errorf("nodes[%d]: duplicate node %q", i, n)
		}
	}

	for i := range s.Steps {
		if err := validateStep(s, i); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(s, i); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Scenario, i int) error {
	step := &s.Steps[i]
	if step.Op == OpReplicate {
		if !slices.Contains(s.Nodes, step.From) || !slices.Contains(s.Nodes, step.To) {
			return fmt.Errorf("steps[%d]: replicate needs from and to among %v", i, s.Nodes)
		}
		if step.From == step.To {
			return fmt.Errorf("steps[%d]: cannot replicate %q to itself", i, step.From)
		}
		return nil
	}

	switch step.Op {
	case OpPut, OpDelete, OpGet, OpResolve:
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
	}
	if step.Node == "" {
		if len(s.Nodes) > 1 {
			return fmt.Errorf("steps[%d]: node is required with more than one node", i)
		}
		step.Node = s.Nodes[0]
	}
	if !slices.Contains(s.Nodes, step.Node) {
		return fmt.Errorf("steps[%d]: unknown node %q", i, step.Node)
	}
	if step.ID == "" {
		return fmt.Errorf("steps[%d]: id is required", i)
	}
	return nil
}

func validateAssertion(s *Scenario, i int) error {
	a := &s.Assertions[i]
	if a.Node == "" && len(s.Nodes) == 1 {
		a.Node = s.Nodes[0]
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", i)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", i)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", i)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", i)
		}
	case AssertFinalState, AssertOpenConflicts:
		if a.ID == "" || !slices.Contains(s.Nodes, a.Node) {
			return fmt.Errorf("assertions[%d]: %s needs id and a known node", i, a.Type)
		}
		if a.Type == AssertFinalState && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", i)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
