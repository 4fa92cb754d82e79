// Package session owns the replicated dataset of one running process.
//
// # Lifecycle
//
// Open loads the persisted document entries, waits until the store passes
// its consistency check and, if the document is empty, migrates the legacy
// snapshot into it. Only then is the session exposed to callers. Close is
// idempotent; it flips the liveness flag first so that in-flight remote
// merges and reloads become no-ops.
//
//	st, err := store.Open(filepath.Join(dataDir, "plotsync.db"))
//	if err != nil {
//	    return err
//	}
//	sess, err := session.Open(ctx, st, session.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer sess.Close()
//
// # Writes
//
// All local writes go through UpdateData. The mutator receives a private
// copy of the snapshot; the difference between that copy and its result is
// applied to the document as keyed operations in one transaction, persisted
// in one SQL transaction and published to subscribers. Remote data arrives
// through ApplyRemote (document state or deltas) or ApplyFullState (the
// last-write-wins bridge).
//
// # Persistence failures
//
// If a write cannot be persisted, for example because the disk is full, the
// in-memory document keeps the change and the unsaved entries are retried
// on the next successful write. The error is returned to the caller.
package session
