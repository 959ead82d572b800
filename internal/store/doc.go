// Package store provides SQLite persistence for users, conversations and
// messages.
//
// Conversations are resolve-or-create: a direct pair maps to one
// conversation regardless of which side asks first, and an event maps to
// one group. Both rely on UNIQUE indexes with a re-lookup on constraint
// violation, so concurrent creators converge on the same row. Messages
// carry a UNIQUE idempotency key; a duplicate save returns the original
// row alongside ErrDuplicateMessage instead of inserting twice.
//
// The database schema is created automatically on first open, with WAL
// mode and foreign keys enabled.
package store
