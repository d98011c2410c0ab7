// Package harness runs scripted docsync scenarios and checks the resulting
// traces.
//
// A scenario drives one or more in-memory stores ("nodes") through local
// writes and point-to-point replication, then evaluates assertions against
// the trace and the final state of each node.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: offline_edit
//	description: "An edit made while offline reaches the peer"
//	nodes: [phone, laptop]
//	policy: manual
//	steps:
//	  - op: put
//	    node: phone
//	    id: note-1
//	    fields: { title: draft }
//	  - op: replicate
//	    from: phone
//	    to: laptop
//	  - op: put
//	    node: laptop
//	    id: note-1
//	    rev: "1-a"
//	    fields: { title: final }
//	    expect: CONFLICT
//	assertions:
//	  - type: final_state
//	    node: laptop
//	    id: note-1
//	    expect: { gen: 1, title: draft }
//
// # Operations
//
//   - put: write fields to id. rev selects the expected revision: omitted
//     is an unconditional write, "none" requires the document to be absent,
//     "current" uses the node's current revision, anything else is a
//     revision alias seen earlier in the trace.
//   - delete: tombstone id at rev (default "current").
//   - get: read id.
//   - replicate: apply every change from has not yet delivered to to, in
//     feed order, skipping changes that to itself sent.
//   - resolve: discard loser (an alias, default the first open conflict).
//
// # Revision Aliases
//
// Revision digests depend on document content, which makes them noisy in
// golden files. Traces render each revision as "<gen>-<letter>", where the
// letter counts distinct revisions of the same document and generation in
// order of first appearance. The same revision on two nodes gets the same
// alias.
//
// # Assertion Types
//
//   - trace_contains: some trace event matches op, node, id and case
//   - trace_count: exactly count events match op (and id, when given)
//   - trace_order: the listed ops first appear in this order
//   - final_state: a node's current document matches gen, rev, deleted and
//     field values
//   - open_conflicts: a node holds count unresolved conflicts for id
package harness
