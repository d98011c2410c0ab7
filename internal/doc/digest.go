package doc

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/roach88/docsync/internal/revision"
)

// DomainRevision is the domain prefix for revision digests.
// The version suffix leaves room for a future algorithm change.
const DomainRevision = "docsync/revision/v1"

// digestSize is the number of digest bytes kept in a revision token.
const digestSize = 16

// hashWithDomain computes BLAKE3(domain + 0x00 + data), truncated.
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := blake3.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)[:digestSize])
}

// Digest computes the content digest for a revision.
//
// The parent revision is part of the hashed content so two replicas that
// write identical fields on top of different histories still produce
// distinct revisions.
func Digest(parent revision.Revision, fields Fields, deleted bool) (string, error) {
	if fields == nil {
		fields = Fields{}
	}
	canonical, err := MarshalCanonical(map[string]any{
		"deleted": deleted,
		"fields":  map[string]any(fields),
		"parent":  parent.String(),
	})
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return hashWithDomain(DomainRevision, canonical), nil
}

// NextRevision computes the revision that a write of fields on top of
// parent produces.
func NextRevision(parent revision.Revision, fields Fields, deleted bool) (revision.Revision, error) {
	d, err := Digest(parent, fields, deleted)
	if err != nil {
		return revision.Revision{}, err
	}
	return revision.Next(parent, d), nil
}
