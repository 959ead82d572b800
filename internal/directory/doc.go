// Package directory manages the conversation list for one client session:
// loading, selection, resolve-or-create entry points and unread tracking.
//
// A deep-link hint names a conversation to auto-select after the first
// load. The hint is consumed exactly once whether or not the target is
// present, so stale links cannot re-trigger selection later.
package directory
