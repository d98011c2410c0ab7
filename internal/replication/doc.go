// Package replication keeps a local store synchronized with one remote
// endpoint.
//
// An Engine drives a per-endpoint state machine:
//
//	Idle -> Connecting -> Streaming -> (Reconnecting | Idle)
//
// While Streaming, push and pull run concurrently. Push sends local change
// feed entries past the checkpoint and advances the checkpoint only after the
// remote acknowledged them. Pull applies remote batches through the store's
// revision checks and advances the pulled token only after the batch
// committed. Either direction failing ends the session; the engine then backs
// off exponentially (capped, unlimited retries) and resumes from the
// persisted checkpoint, so resuming never re-applies committed changes.
//
// Failures never reach local write callers. They are reported on the Status
// channel and in the log.
package replication
