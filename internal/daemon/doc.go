// Package daemon keeps a device's replica in sync with its paired peers.
//
// The daemon owns no state of its own. It connects the transport client to
// the session:
//
//   - When a peer authenticates, the whole local state is sent to it: the
//     CRDT state when the peer advertises crdt-v1, otherwise the legacy
//     last-write-wins full state.
//   - Sync messages and full states received from peers are applied to the
//     session. Payloads that fail to parse or merge are logged and dropped.
//   - Every change the session publishes (local edits, merges, reloads) is
//     forwarded to the authenticated peers. Merges are idempotent, so a
//     change echoed back by a peer stops at the first replica that already
//     has it.
//   - Other processes sharing the data directory touch a change marker after
//     each commit. The daemon watches it and reloads the session and the
//     paired device list.
//   - A periodic refresh reconnects to the relay if needed, re-reads the
//     paired device list and reloads the session, whether or not the marker
//     fired.
//
// Usage:
//
//	d, err := daemon.New(sess, client, db, &daemon.Config{
//	    MarkerPath: db.ChangeMarkerPath(),
//	})
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled or Stop is called
package daemon
