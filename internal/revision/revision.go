// Package revision implements document revision tokens and the rules that
// decide whether a proposed write is accepted.
//
// A revision is the pair (Gen, Digest), rendered as "<gen>-<digest>". Gen
// increases by one per accepted write to a document. Digest is a content hash
// computed by the caller (see doc.Digest); it disambiguates writers that raced
// to the same generation on different replicas.
//
// This package imports nothing internal so that every other package can
// depend on it.
package revision

import (
	"fmt"
	"strconv"
	"strings"
)

// Revision identifies one version of a document.
// The zero value means "no revision" (the document does not exist yet).
type Revision struct {
	Gen    int64
	Digest string
}

// Parse parses a "<gen>-<digest>" token.
// The empty string parses to the zero Revision.
func Parse(s string) (Revision, error) {
	if s == "" {
		return Revision{}, nil
	}
	genPart, digest, ok := strings.Cut(s, "-")
	if !ok || digest == "" {
		return Revision{}, fmt.Errorf("invalid revision %q: expected <gen>-<digest>", s)
	}
	gen, err := strconv.ParseInt(genPart, 10, 64)
	if err != nil || gen < 1 {
		return Revision{}, fmt.Errorf("invalid revision %q: bad generation", s)
	}
	return Revision{Gen: gen, Digest: digest}, nil
}

// MustParse is like Parse but panics on error.
// Use only in tests or with known-good literals.
func MustParse(s string) Revision {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// String renders the revision token. The zero Revision renders as "".
func (r Revision) String() string {
	if r.IsZero() {
		return ""
	}
	return strconv.FormatInt(r.Gen, 10) + "-" + r.Digest
}

// IsZero reports whether r is the zero Revision.
func (r Revision) IsZero() bool {
	return r.Gen == 0 && r.Digest == ""
}

// Compare orders revisions by generation, then by digest.
// Returns -1, 0 or 1. This is the deterministic tie-break used when two
// replicas produced divergent revisions of the same document.
func (r Revision) Compare(other Revision) int {
	switch {
	case r.Gen < other.Gen:
		return -1
	case r.Gen > other.Gen:
		return 1
	}
	return strings.Compare(r.Digest, other.Digest)
}

// Next returns the revision that follows parent for content with the given
// digest.
func Next(parent Revision, digest string) Revision {
	return Revision{Gen: parent.Gen + 1, Digest: digest}
}

// MarshalText implements encoding.TextMarshaler.
func (r Revision) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Revision) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
