package revision

import (
	"fmt"
	"slices"
)

// Policy selects how divergent remote revisions are recorded.
type Policy string

const (
	// PolicyManual keeps the losing revision as an open conflict that the
	// application must resolve.
	PolicyManual Policy = "manual"

	// PolicyLastWriterWins keeps the losing revision for audit but marks the
	// conflict resolved immediately.
	PolicyLastWriterWins Policy = "last-writer-wins"
)

// ParsePolicy validates a policy name. Empty means PolicyManual.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyManual:
		return PolicyManual, nil
	case PolicyLastWriterWins:
		return PolicyLastWriterWins, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// Mismatch describes a failed compare-and-swap on a local write.
type Mismatch struct {
	Current  Revision
	Expected Revision
}

// CheckLocal decides a local write.
//
// current is the document's current revision (zero if the document has never
// been written). expected is the caller's base revision; nil means an
// unconditional write. Any difference between expected and current is a
// mismatch; local writes are never merged.
func CheckLocal(current Revision, expected *Revision) *Mismatch {
	if expected == nil {
		return nil
	}
	if *expected != current {
		return &Mismatch{Current: current, Expected: *expected}
	}
	return nil
}

// Outcome is the decision for a remote-origin write.
type Outcome int

const (
	// OutcomeSkip means the revision is already known locally.
	OutcomeSkip Outcome = iota + 1

	// OutcomeFastForward means the remote revision descends linearly from
	// the local current revision (or the document is new locally).
	OutcomeFastForward

	// OutcomeRemoteWins means the revisions diverged and the remote one wins
	// the tie-break. The local current revision becomes the conflict loser.
	OutcomeRemoteWins

	// OutcomeLocalWins means the revisions diverged and the local one wins.
	// The remote revision is stored as the conflict loser.
	OutcomeLocalWins
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkip:
		return "skip"
	case OutcomeFastForward:
		return "fast-forward"
	case OutcomeRemoteWins:
		return "remote-wins"
	case OutcomeLocalWins:
		return "local-wins"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Diverged reports whether the outcome produced a conflict record.
func (o Outcome) Diverged() bool {
	return o == OutcomeRemoteWins || o == OutcomeLocalWins
}

// DecideRemote decides a remote-origin write.
//
// current is the local current revision (zero when the document is unknown),
// known reports whether the remote revision already exists in the local
// history, ancestors lists the revisions remote descends from, nearest
// first. The remote write fast-forwards when current is one of them, however
// many generations it skips.
//
// Divergent revisions are ordered by Compare: higher generation wins, equal
// generation falls back to the higher digest.
func DecideRemote(current Revision, known bool, remote Revision, ancestors []Revision) Outcome {
	if known || remote == current {
		return OutcomeSkip
	}
	if current.IsZero() || slices.Contains(ancestors, current) {
		return OutcomeFastForward
	}
	if remote.Compare(current) > 0 {
		return OutcomeRemoteWins
	}
	return OutcomeLocalWins
}
