// Package identity resolves how a conversation presents itself to a given
// viewer.
//
// The same conversation renders differently per viewer: a direct pair shows
// the partner's name, an organizer shows their club, a group shows its name
// or the event fallback. Resolve is a pure function over the conversation
// and the viewer; it never hits the network and never fails, degrading to
// "Unknown User" when a partner record is missing.
package identity
