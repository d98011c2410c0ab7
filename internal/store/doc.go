// Package store provides SQLite-backed durable storage for docsync.
//
// The store keeps:
//   - Documents: the current revision of every document, tombstones included
//   - Revisions: every revision a document ever had, with body and parent
//   - Changes: the retained segment of the change feed
//   - Conflicts: losing revisions from divergent replication
//   - Checkpoints: per-endpoint replication progress
//
// # Write Path
//
// Every mutation (local Put/Delete or ApplyRemote) runs in one transaction
// that updates the document row, appends the revision and appends exactly one
// change entry. A change entry therefore never exists without the matching
// document state, and vice versa.
//
// # Ordering
//
//   - All ordering uses seq INTEGER (logical clock), NEVER timestamps
//   - seq comes from an AUTOINCREMENT column and is never reused, even after
//     the highest entries are pruned
//   - Document listings are ordered by id COLLATE BINARY
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
