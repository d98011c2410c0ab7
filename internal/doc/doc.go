// Package doc provides the document model shared by every docsync package.
//
// This package holds plain types plus the two pure functions that give a
// document its identity on disk and on the wire:
//   - MarshalCanonical: RFC 8785 style canonical JSON (sorted keys, NFC
//     strings, no HTML escaping)
//   - Digest: domain-separated BLAKE3 over the canonical form, used as the
//     content half of a revision token
//
// Storage, feed and replication packages import doc; doc imports only
// internal/revision.
package doc
