// Package live implements the client side of the push channel.
//
// A Manager owns one websocket session per user. Connect announces the
// session identity, JoinRoom scopes delivery to a conversation, and Emit
// sends best-effort previews of outgoing messages. Inbound messages arrive
// on Events. A dropped connection reconnects with capped exponential
// backoff, re-announcing identity and rejoining the active room; history
// missed across the gap is recovered by the next conversation select, not
// by buffering here.
package live
