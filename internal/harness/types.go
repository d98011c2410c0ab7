package harness

import (
	"fmt"

	"github.com/roach88/docsync/internal/revision"
)

// TraceEvent records one step outcome, or one change applied by a
// replicate step.
type TraceEvent struct {
	Step int    `json:"step"`
	Op   string `json:"op"`
	Node string `json:"node"`
	ID   string `json:"id,omitempty"`

	// Rev is the alias of the revision the step produced or read.
	Rev string `json:"rev,omitempty"`

	// Case is OK or the error code the step failed with.
	Case string `json:"case"`

	// Source and Outcome describe applied remote changes.
	Source  string `json:"source,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// FeedEntry is a retained change entry with its revision aliased.
type FeedEntry struct {
	Seq    int64  `json:"seq"`
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Op     string `json:"op"`
	Origin string `json:"origin"`
	Source string `json:"source,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step matched its expectation and every
	// assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Feeds holds each node's change feed at the end of the run.
	Feeds map[string][]FeedEntry `json:"feeds"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Feeds:  make(map[string][]FeedEntry),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// aliases maps revisions to stable "<gen>-<letter>" names and back.
type aliases struct {
	names map[string]string
	revs  map[string]revision.Revision
	count map[string]int
}

func newAliases() *aliases {
	return &aliases{
		names: make(map[string]string),
		revs:  make(map[string]revision.Revision),
		count: make(map[string]int),
	}
}

// name returns the alias of rev for document id, assigning one on first use.
func (a *aliases) name(id string, rev revision.Revision) string {
	if rev.IsZero() {
		return ""
	}
	key := id + "\x00" + rev.String()
	if n, ok := a.names[key]; ok {
		return n
	}
	genKey := fmt.Sprintf("%s\x00%d", id, rev.Gen)
	n := fmt.Sprintf("%d-%c", rev.Gen, 'a'+rune(a.count[genKey]%26))
	a.count[genKey]++
	a.names[key] = n
	a.revs[id+"\x00"+n] = rev
	return n
}

// resolve returns the revision an alias stands for.
func (a *aliases) resolve(id, alias string) (revision.Revision, bool) {
	rev, ok := a.revs[id+"\x00"+alias]
	return rev, ok
}
