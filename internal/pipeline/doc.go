// Package pipeline implements the optimistic message send and receive flow
// for one client session.
//
// # Overview
//
// The pipeline sits between the REST client and the live channel, owning
// the in-memory history of the active conversation. Sends appear in history
// immediately as pending, persist over REST, and reconcile to confirmed or
// failed in place. Inbound live messages merge into history in timestamp
// order with echoes of the session's own sends suppressed.
//
// # Send lifecycle
//
// Every send gets a fresh idempotency key:
//
//  1. Append a pending message to history and remember it in pendingLocal
//  2. Emit over the live channel (best-effort, failures only logged)
//  3. Persist over REST outside the lock
//  4. On success, replace the pending entry with the server record
//  5. On failure, mark the entry failed; it stays visible until Retry
//
// Failed sends are never retried automatically. Retry removes the failed
// entry and issues a fresh send with a new key so the server cannot
// collapse it onto the aborted attempt.
//
// # Receive
//
// Messages for the active conversation insert by timestamp and trigger the
// receive callback. Messages for other conversations are not buffered; the
// background callback fires so the directory can mark them unread, and the
// full history is refetched on the next Select.
//
// # Concurrency
//
// One mutex guards all state. Network calls happen outside the lock, so a
// Select during an in-flight send or history fetch is safe: stale history
// responses are dropped, and late send results reconcile wherever the
// message now lives.
package pipeline
