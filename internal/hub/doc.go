// Package hub implements the server side of the live channel.
//
// Each authenticated websocket session joins at most one conversation room,
// switched implicitly by join_chat; admission requires membership in the
// conversation. Inbound new_message frames are validated against the
// session identity and membership, deduplicated by idempotency key
// and fanned out to the room as message_received carrying a server-shaped
// record. Fan-out is best-effort: slow sessions drop frames rather than
// block the room, and durability belongs to the REST persist path.
//
// With a redis client configured, frames publish to a shared channel and
// every instance delivers them locally from its subscribe loop, giving
// cross-instance fan-out without sticky sessions.
package hub
